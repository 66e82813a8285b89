package manager

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/adrij/fdm/internal/checksum"
	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/fileutil"
	"github.com/adrij/fdm/internal/segment"
)

const (
	// speedWindow is the rolling window for throughput estimation.
	speedWindow = 3 * time.Second
	// persistStepPct is the progress stride, in percent, between
	// mid-transfer persistence writes.
	persistStepPct = 5

	defaultChecksumAlgorithm = "sha256"
)

// progressEvent is one segment worker's report of bytes written. Workers
// emit events onto a channel; a single aggregator goroutine folds them into
// the download, so workers never share mutable download state.
type progressEvent struct {
	index int
	delta int64
}

// run is the live state of one orchestrating task.
type run struct {
	d       *download.Download
	cancel  context.CancelFunc
	done    chan struct{}
	limiter *rate.Limiter

	wmu     sync.Mutex
	workers []*segment.Downloader
}

func (r *run) setWorkers(ws []*segment.Downloader) {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	r.workers = ws
}

func (r *run) pauseWorkers() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	for _, w := range r.workers {
		w.Pause()
	}
}

func (r *run) cancelWorkers() {
	r.wmu.Lock()
	defer r.wmu.Unlock()
	for _, w := range r.workers {
		w.Cancel()
	}
}

// process drives one download to a settled state: completed, failed, or
// interrupted by pause/cancel. A cancelled context never finalizes a
// status here; the interrupting caller owns the terminal state.
func (m *Manager) process(ctx context.Context, r *run) {
	defer close(r.done)
	d := r.d

	for {
		err := m.runOnce(ctx, r)

		if ctx.Err() != nil {
			if saveErr := m.store.Save(d); saveErr != nil {
				m.log.Warn().Err(saveErr).Str("id", d.ID).Msg("failed to save download")
			}
			return
		}

		if err == nil {
			return
		}

		kind := KindOf(err)
		if kind == KindTempFile || kind == KindChecksum {
			m.fail(d, errorMessage(err))
			return
		}

		if d.RetryCount < m.cfg.MaxRetries {
			d.RetryCount++
			delay := retryDelay(m.cfg.RetryDelay, m.cfg.RetryBackoff, d.RetryCount)

			d.SetStatus(download.StatusPaused)
			d.SetError(fmt.Sprintf("Download failed. Retry %d/%d in %.1fs...",
				d.RetryCount, m.cfg.MaxRetries, delay.Seconds()))
			if saveErr := m.store.Save(d); saveErr != nil {
				m.log.Warn().Err(saveErr).Str("id", d.ID).Msg("failed to save download")
			}
			m.notifyStatus(d)

			m.log.Info().Str("id", d.ID).Int("attempt", d.RetryCount).
				Dur("delay", delay).Err(err).Msg("retrying download")

			select {
			case <-time.After(delay):
			case <-ctx.Done():
				if saveErr := m.store.Save(d); saveErr != nil {
					m.log.Warn().Err(saveErr).Str("id", d.ID).Msg("failed to save download")
				}
				return
			}

			if !m.reacquireSlot(d) {
				m.log.Info().Str("id", d.ID).Msg("no free slot after backoff, queued")
				if saveErr := m.store.Save(d); saveErr != nil {
					m.log.Warn().Err(saveErr).Str("id", d.ID).Msg("failed to save download")
				}
				m.notifyStatus(d)
				return
			}
			d.SetError("")
			if saveErr := m.store.Save(d); saveErr != nil {
				m.log.Warn().Err(saveErr).Str("id", d.ID).Msg("failed to save download")
			}
			m.notifyStatus(d)
			continue
		}

		if kind == KindSegment {
			if d.RetryCount > 0 {
				m.fail(d, fmt.Sprintf("download failed after %d retry attempts", d.RetryCount))
			} else {
				m.fail(d, "one or more segments failed to download")
			}
		} else {
			m.fail(d, errorMessage(err))
		}
		return
	}
}

// runOnce performs a single download attempt: temp files, one worker per
// incomplete segment, then merge and verification.
func (m *Manager) runOnce(ctx context.Context, r *run) error {
	d := r.d

	if err := m.ensureTempFiles(d); err != nil {
		return err
	}

	var onDisk int64
	for _, s := range d.Segments {
		onDisk += s.Downloaded
	}
	d.SetDownloaded(onDisk)

	pending := d.IncompleteSegments()
	if len(pending) == 0 {
		return m.finish(d)
	}

	events := make(chan progressEvent, 256)
	aggDone := make(chan struct{})
	go m.aggregate(d, events, aggDone)

	workers := make([]*segment.Downloader, 0, len(pending))
	for _, seg := range pending {
		workers = append(workers, segment.New(segment.Config{
			URL:       d.URL,
			Segment:   seg,
			Client:    m.client,
			ChunkSize: m.cfg.ChunkSize,
			Limiter:   r.limiter,
			Progress: func(index int, n int64) {
				events <- progressEvent{index: index, delta: n}
			},
		}))
	}
	r.setWorkers(workers)

	// Workers run to completion independently; one segment failing does
	// not abort its siblings. The aggregate result is judged afterwards.
	var g errgroup.Group
	for _, w := range workers {
		w := w
		g.Go(func() error { return w.Run(ctx) })
	}
	err := g.Wait()

	close(events)
	<-aggDone
	r.setWorkers(nil)

	if ctx.Err() != nil {
		return ctx.Err()
	}

	if d.AllCompleted() {
		return m.finish(d)
	}

	if err == nil {
		err = errors.New("one or more segments failed to download")
	}
	return wrapKind(KindSegment, err)
}

// ensureTempFiles guarantees every segment has an atomically created temp
// file on disk. Creation failure is fatal for the download and skips the
// retry branch. A segment whose temp file vanished restarts from zero.
func (m *Manager) ensureTempFiles(d *download.Download) error {
	for _, seg := range d.Segments {
		if seg.TempFile == "" {
			path, err := fileutil.CreateSegmentFile(m.cfg.TempDir, d.ID, seg.Index)
			if err != nil {
				return wrapKind(KindTempFile, err)
			}
			seg.TempFile = path
			continue
		}

		if _, err := os.Stat(seg.TempFile); os.IsNotExist(err) {
			f, createErr := os.OpenFile(seg.TempFile, os.O_CREATE|os.O_WRONLY, 0o600)
			if createErr != nil {
				return wrapKind(KindTempFile, createErr)
			}
			f.Close()
			// No workers are live yet, so the fields are written directly.
			seg.Downloaded = 0
			seg.Completed = false
		}
	}

	return nil
}

// finish merges completed segments into the destination and verifies the
// checksum when one was requested. Verification failure is terminal and
// keeps the destination file for manual inspection.
func (m *Manager) finish(d *download.Download) error {
	sources := make([]string, len(d.Segments))
	for i, s := range d.Segments {
		sources[i] = s.TempFile
	}

	if err := fileutil.Merge(sources, d.SavePath, true); err != nil {
		return wrapKind(KindMerge, err)
	}

	if d.ExpectedChecksum != "" {
		algo := d.ChecksumAlgorithm
		if algo == "" {
			algo = defaultChecksumAlgorithm
		}

		if !checksum.Verify(d.SavePath, d.ExpectedChecksum, algo) {
			return wrapKind(KindChecksum, fmt.Errorf("checksum verification failed, expected %s",
				checksum.Display(d.ExpectedChecksum, algo)))
		}

		sum, err := checksum.Hash(d.SavePath, algo)
		if err != nil {
			return wrapKind(KindChecksum, fmt.Errorf("checksum verification error: %w", err))
		}
		d.Checksum = sum
		d.ChecksumAlgorithm = algo
	}

	d.MarkCompleted()
	if err := m.store.Save(d); err != nil {
		m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to save download")
	}
	m.notifyStatus(d)

	m.log.Info().Str("id", d.ID).Str("file", d.SavePath).Msg("download complete")
	return nil
}

// aggregate is the single consumer of worker progress events. It folds
// deltas into the download, maintains the rolling speed window and ETA,
// and persists on five-percent progress boundaries.
func (m *Manager) aggregate(d *download.Download, events <-chan progressEvent, done chan<- struct{}) {
	defer close(done)

	type sample struct {
		at time.Time
		n  int64
	}
	var window []sample
	lastBucket := -1

	for ev := range events {
		total := d.AddDownloaded(ev.delta)
		now := time.Now()

		window = append(window, sample{at: now, n: ev.delta})
		cut := 0
		for cut < len(window) && now.Sub(window[cut].at) > speedWindow {
			cut++
		}
		window = window[cut:]

		// A single sample spans no interval; keep the previous estimate
		// until the window fills back up.
		if span := now.Sub(window[0].at); len(window) >= 2 && span > 0 {
			var sum int64
			for _, s := range window {
				sum += s.n
			}
			speed := float64(sum) / span.Seconds()

			eta := int64(-1)
			if speed > 0 && d.TotalSize > 0 {
				if remaining := d.TotalSize - total; remaining > 0 {
					eta = int64(float64(remaining) / speed)
				} else {
					eta = 0
				}
			}
			d.SetRate(speed, eta)
		}

		if d.TotalSize > 0 {
			bucket := int(total * 100 / d.TotalSize / persistStepPct)
			if bucket != lastBucket {
				lastBucket = bucket
				if err := m.store.Save(d); err != nil {
					m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to save download")
				}
			}
		}

		m.notifyProgress(d)
	}
}

// fail settles the download into the terminal failed state.
func (m *Manager) fail(d *download.Download, msg string) {
	d.SetStatus(download.StatusFailed)
	d.SetError(msg)
	if err := m.store.Save(d); err != nil {
		m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to save download")
	}
	m.notifyStatus(d)

	m.log.Error().Str("id", d.ID).Str("reason", msg).Msg("download failed")
}

// retryDelay returns delay * backoff^(attempt-1).
func retryDelay(delay time.Duration, backoff float64, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(delay) * math.Pow(backoff, float64(attempt-1)))
}

// errorMessage strips the kind tag off a failure for user display.
func errorMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Err.Error()
	}
	return err.Error()
}
