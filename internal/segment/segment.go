// Package segment implements the transfer worker for one byte range of a
// download. Each worker streams its range into the segment's temp file and
// supports cooperative pause, resume and cancellation between chunk writes.
package segment

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"golang.org/x/time/rate"

	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/logger"
	fdmhttp "github.com/adrij/fdm/pkg/http"
)

// State is the lifecycle state of a segment worker. Pause and resume are
// reversible; cancelled, completed and failed are terminal.
type State string

const (
	StatePending      State = "pending"
	StateTransferring State = "transferring"
	StatePaused       State = "paused"
	StateCancelled    State = "cancelled"
	StateCompleted    State = "completed"
	StateFailed       State = "failed"
)

const DefaultChunkSize = 64 * 1024

var (
	ErrCancelled = errors.New("segment cancelled")
	ErrBadStatus = errors.New("unexpected HTTP status")
)

// Config carries the inputs for one segment worker.
type Config struct {
	URL       string
	Segment   *download.Segment
	Client    *fdmhttp.Client
	ChunkSize int
	Limiter   *rate.Limiter            // optional bandwidth cap, shared per download
	Progress  func(index int, n int64) // invoked once per chunk written
}

// Downloader transfers exactly one segment. It holds a non-owning reference
// to the segment for the duration of the transfer; nothing else writes the
// segment or its temp file while the worker runs.
type Downloader struct {
	cfg Config

	mu        sync.Mutex
	state     State
	resumeCh  chan struct{} // non-nil while paused, closed to resume
	cancelled bool
}

// New creates a worker for the given segment.
func New(cfg Config) *Downloader {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = DefaultChunkSize
	}
	return &Downloader{cfg: cfg, state: StatePending}
}

// State returns the worker's current state.
func (d *Downloader) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Pause suspends the transfer before the next chunk write. It is a no-op
// once the worker has reached a terminal state.
func (d *Downloader) Pause() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StatePending && d.state != StateTransferring {
		return
	}
	d.state = StatePaused
	if d.resumeCh == nil {
		d.resumeCh = make(chan struct{})
	}
}

// Resume lifts a pause.
func (d *Downloader) Resume() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != StatePaused {
		return
	}
	d.state = StateTransferring
	if d.resumeCh != nil {
		close(d.resumeCh)
		d.resumeCh = nil
	}
}

// Cancel aborts the transfer. Bytes already flushed to the temp file are
// kept for future resumption. Cancel also unblocks a paused worker.
func (d *Downloader) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.cancelled = true
	if d.resumeCh != nil {
		close(d.resumeCh)
		d.resumeCh = nil
	}
}

// Run performs the transfer: one ranged GET for the bytes the segment still
// needs, streamed to the temp file in fixed-size chunks. It returns nil
// only when the segment is completed.
func (d *Downloader) Run(ctx context.Context) error {
	log := logger.Get("segment")
	seg := d.cfg.Segment

	d.begin()

	downloaded := seg.GetDownloaded()
	start := seg.StartByte + downloaded
	if seg.EndByte >= 0 && start > seg.EndByte {
		seg.SetCompleted()
		d.setState(StateCompleted)
		return nil
	}

	resp, err := d.cfg.Client.Range(ctx, d.cfg.URL, start, seg.EndByte)
	if err != nil {
		return d.fail(err)
	}
	defer resp.Body.Close()

	flags := os.O_WRONLY | os.O_CREATE | os.O_APPEND
	switch resp.StatusCode {
	case http.StatusPartialContent:
	case http.StatusOK:
		// Full-body response to a ranged request: the server ignored the
		// range, so any previously flushed prefix no longer lines up.
		if downloaded > 0 {
			log.Warn().Int("segment", seg.Index).Msg("server returned full body, restarting segment")
			if d.cfg.Progress != nil {
				d.cfg.Progress(seg.Index, -downloaded)
			}
			seg.SetDownloaded(0)
			downloaded = 0
		}
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	default:
		return d.fail(fmt.Errorf("%w: %d", ErrBadStatus, resp.StatusCode))
	}

	f, err := os.OpenFile(seg.TempFile, flags, 0o644)
	if err != nil {
		return d.fail(fmt.Errorf("failed to open temp file: %w", err))
	}
	defer f.Close()

	buf := make([]byte, d.cfg.ChunkSize)
	for {
		if err := d.waitIfPaused(ctx); err != nil {
			return d.fail(err)
		}
		if d.isCancelled() {
			d.setState(StateCancelled)
			return ErrCancelled
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if d.cfg.Limiter != nil {
				if err := d.cfg.Limiter.WaitN(ctx, n); err != nil {
					return d.fail(err)
				}
			}
			if _, writeErr := f.Write(buf[:n]); writeErr != nil {
				return d.fail(fmt.Errorf("failed to write chunk: %w", writeErr))
			}
			seg.AddDownloaded(int64(n))
			downloaded += int64(n)
			if d.cfg.Progress != nil {
				d.cfg.Progress(seg.Index, int64(n))
			}
		}

		if readErr != nil {
			if errors.Is(readErr, io.EOF) {
				break
			}
			return d.fail(fdmhttp.ClassifyError(readErr))
		}
	}

	seg.SetCompleted()
	d.setState(StateCompleted)
	log.Debug().Int("segment", seg.Index).Int64("bytes", downloaded).Msg("segment complete")

	return nil
}

// waitIfPaused blocks, without busy-waiting, until the worker is resumed,
// cancelled, or the context ends.
func (d *Downloader) waitIfPaused(ctx context.Context) error {
	d.mu.Lock()
	ch := d.resumeCh
	d.mu.Unlock()

	if ch == nil {
		return nil
	}

	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// begin moves a fresh worker into the transferring state. A worker paused
// before Run stays paused until it is resumed.
func (d *Downloader) begin() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.state == StatePending {
		d.state = StateTransferring
	}
}

func (d *Downloader) isCancelled() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled
}

func (d *Downloader) setState(s State) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.cancelled && s != StateCancelled {
		// Terminal cancel wins over any late transition.
		return
	}
	d.state = s
}

func (d *Downloader) fail(err error) error {
	if errors.Is(err, ErrCancelled) || d.isCancelled() {
		d.mu.Lock()
		d.state = StateCancelled
		d.mu.Unlock()
		return ErrCancelled
	}
	if errors.Is(err, context.Canceled) {
		d.setState(StatePaused)
		return err
	}
	d.setState(StateFailed)
	return err
}
