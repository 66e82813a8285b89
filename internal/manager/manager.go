// Package manager orchestrates downloads: it owns the in-memory registry,
// enforces the concurrency cap, drives per-download segment sets, applies
// the retry policy and round-trips state through the store.
package manager

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/adrij/fdm/internal/config"
	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/fileutil"
	"github.com/adrij/fdm/internal/logger"
	"github.com/adrij/fdm/internal/queue"
	"github.com/adrij/fdm/internal/store"
	fdmhttp "github.com/adrij/fdm/pkg/http"
)

// Callback receives a download whenever its progress or status changes. It
// is invoked synchronously; callers must not block.
type Callback func(*download.Download)

// Option customizes a Manager.
type Option func(*Manager)

// WithProgressCallback registers a callback fired whenever downloaded bytes
// change.
func WithProgressCallback(cb Callback) Option {
	return func(m *Manager) { m.onProgress = cb }
}

// WithStatusCallback registers a callback fired on every status transition.
func WithStatusCallback(cb Callback) Option {
	return func(m *Manager) { m.onStatus = cb }
}

// WithRateLimit caps the aggregate transfer rate of each download in
// bytes/sec. Zero means unlimited.
func WithRateLimit(bytesPerSec int) Option {
	return func(m *Manager) { m.rateLimit = bytesPerSec }
}

// Manager owns every download for the lifetime of the process. The
// priority queue decides, alone, which queued download is promoted when a
// concurrency slot opens.
type Manager struct {
	cfg    *config.Config
	store  store.Store
	client *fdmhttp.Client
	log    zerolog.Logger

	mu        sync.RWMutex
	downloads map[string]*download.Download
	runs      map[string]*run
	running   bool

	queue     *queue.Queue
	rateLimit int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	onProgress Callback
	onStatus   Callback
}

// New creates a Manager. The store is owned by the caller; Shutdown will
// not close it.
func New(cfg *config.Config, st store.Store, client *fdmhttp.Client, opts ...Option) *Manager {
	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		cfg:       cfg,
		store:     st,
		client:    client,
		log:       logger.Get("manager"),
		downloads: make(map[string]*download.Download),
		runs:      make(map[string]*run),
		queue:     queue.New(),
		ctx:       ctx,
		cancel:    cancel,
	}
	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Init loads persisted downloads and makes the manager operational.
// Downloads that were mid-transfer when the process died come back paused.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return nil
	}

	for _, dir := range []string{m.cfg.DataDir, m.cfg.TempDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	downloads, err := m.store.All()
	if err != nil {
		return fmt.Errorf("failed to load downloads: %w", err)
	}

	for _, d := range downloads {
		switch d.Status {
		case download.StatusDownloading:
			d.Status = download.StatusPaused
			if err := m.store.Save(d); err != nil {
				m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to persist restored state")
			}
		case download.StatusQueued:
			m.queue.Push(d.ID, d.Priority)
		case download.StatusCompleted:
			if _, err := os.Stat(d.SavePath); os.IsNotExist(err) {
				d.Status = download.StatusFailed
				d.ErrorMessage = "output file missing"
				if err := m.store.Save(d); err != nil {
					m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to persist restored state")
				}
			}
		}
		m.downloads[d.ID] = d
	}

	m.log.Info().Int("count", len(m.downloads)).Msg("loaded downloads")
	m.running = true

	return nil
}

// Shutdown pauses every active download and persists all state. The store
// stays open; the caller closes what it owns.
func (m *Manager) Shutdown() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false

	active := make([]string, 0, len(m.runs))
	for id := range m.runs {
		active = append(active, id)
	}
	m.mu.Unlock()

	for _, id := range active {
		if err := m.Pause(id); err != nil {
			m.log.Warn().Err(err).Str("id", id).Msg("failed to pause during shutdown")
		}
	}

	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		m.log.Warn().Msg("shutdown timed out waiting for download tasks")
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.downloads {
		if err := m.store.Save(d); err != nil {
			m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to save download")
		}
	}

	m.log.Info().Msg("manager shut down")
	return nil
}

// AddOptions are the optional knobs of Add.
type AddOptions struct {
	Filename          string
	Segments          int
	ExpectedChecksum  string
	ChecksumAlgorithm string
	Priority          int
}

// Add probes the url, builds the segment layout and persists the new
// download in the queued state. Probe failures degrade to a single-segment
// download of unknown size rather than aborting.
func (m *Manager) Add(url, saveDir string, opts AddOptions) (*download.Download, error) {
	if url == "" {
		return nil, ErrInvalidURL
	}
	if !m.isRunning() {
		return nil, ErrNotRunning
	}

	probeCtx, cancel := context.WithTimeout(m.ctx, m.cfg.ConnectTimeout)
	info, err := m.client.Probe(probeCtx, url)
	cancel()
	if err != nil {
		m.log.Warn().Err(wrapKind(KindProbe, err)).Str("url", url).Msg("metadata probe failed, degrading")
		info = fdmhttp.Info{}
	}

	filename := opts.Filename
	if filename == "" {
		filename = info.Filename
	}
	if filename == "" {
		filename = fdmhttp.FilenameFromURL(url)
	}

	if err := os.MkdirAll(saveDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create save directory: %w", err)
	}
	filename = fileutil.UniqueName(saveDir, filename)

	d := download.New(url, filename, filepath.Join(saveDir, filename))
	d.TotalSize = info.Size
	d.SupportsResume = info.SupportsRanges
	d.ContentType = info.ContentType
	d.ExpectedChecksum = strings.TrimSpace(opts.ExpectedChecksum)
	d.ChecksumAlgorithm = opts.ChecksumAlgorithm
	d.Priority = opts.Priority

	requested := opts.Segments
	if requested <= 0 {
		requested = m.cfg.DefaultSegments
	}
	d.NumSegments = download.SegmentCount(requested, d.TotalSize, d.SupportsResume)
	d.Segments = download.PartitionSegments(d.TotalSize, d.NumSegments)

	m.mu.Lock()
	m.downloads[d.ID] = d
	m.mu.Unlock()

	if err := m.store.Save(d); err != nil {
		return nil, fmt.Errorf("failed to save download: %w", err)
	}
	m.notifyStatus(d)

	return d, nil
}

// Start begins or resumes the transfer. When the concurrency cap is
// reached the download stays queued and is promoted later by the queue.
func (m *Manager) Start(id string) error {
	if !m.isRunning() {
		return ErrNotRunning
	}

	m.mu.Lock()
	d, ok := m.downloads[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}

	switch d.GetStatus() {
	case download.StatusDownloading, download.StatusCompleted, download.StatusCancelled:
		m.mu.Unlock()
		return nil
	}
	// A run may still exist while a retry sleep shows the download paused.
	if _, active := m.runs[id]; active {
		m.mu.Unlock()
		return nil
	}

	if m.activeCountLocked() >= m.cfg.MaxConcurrentDownloads {
		d.SetStatus(download.StatusQueued)
		m.queue.Push(d.ID, d.Priority)
		m.mu.Unlock()

		if err := m.store.Save(d); err != nil {
			m.log.Warn().Err(err).Str("id", id).Msg("failed to save download")
		}
		m.notifyStatus(d)
		return nil
	}

	m.launchLocked(d)
	m.mu.Unlock()

	return nil
}

// Pause stops an active download, keeping its partial bytes for later
// resumption, then backfills the freed slot from the queue.
func (m *Manager) Pause(id string) error {
	m.mu.Lock()
	d, ok := m.downloads[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	r := m.runs[id]
	m.mu.Unlock()

	if r == nil || !d.IsActive() {
		return nil
	}

	r.pauseWorkers()
	r.cancel()
	<-r.done

	// The run may have settled between the status check and the wait; a
	// finished download stays finished.
	if d.GetStatus().Terminal() {
		return nil
	}

	d.SetStatus(download.StatusPaused)
	if err := m.store.Save(d); err != nil {
		m.log.Warn().Err(err).Str("id", id).Msg("failed to save download")
	}
	m.notifyStatus(d)

	m.promote()
	return nil
}

// Cancel aborts the download, purges its temp files and removes it from
// the registry and the store.
func (m *Manager) Cancel(id string) error {
	m.mu.Lock()
	d, ok := m.downloads[id]
	if !ok {
		m.mu.Unlock()
		return ErrNotFound
	}
	r := m.runs[id]
	m.mu.Unlock()

	if r != nil {
		r.cancelWorkers()
		r.cancel()
		<-r.done
	}

	d.SetStatus(download.StatusCancelled)
	fileutil.Cleanup(m.cfg.TempDir, d.ID)

	m.mu.Lock()
	delete(m.downloads, id)
	m.queue.Remove(id)
	m.mu.Unlock()

	if err := m.store.Delete(id); err != nil && !errors.Is(err, store.ErrNotFound) {
		m.log.Warn().Err(err).Str("id", id).Msg("failed to delete download")
	}
	m.notifyStatus(d)

	m.promote()
	return nil
}

// Resume re-enqueues a paused or failed download.
func (m *Manager) Resume(id string) error {
	m.mu.RLock()
	d, ok := m.downloads[id]
	m.mu.RUnlock()
	if !ok {
		return ErrNotFound
	}

	if !d.CanResume() {
		return nil
	}
	d.SetError("")

	return m.Start(id)
}

// Get returns the download with the given id.
func (m *Manager) Get(id string) (*download.Download, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	d, ok := m.downloads[id]
	if !ok {
		return nil, ErrNotFound
	}
	return d, nil
}

// All returns every known download.
func (m *Manager) All() []*download.Download {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*download.Download, 0, len(m.downloads))
	for _, d := range m.downloads {
		out = append(out, d)
	}
	return out
}

// Queue exposes the priority queue for reordering operations.
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// promote pops the priority queue and starts at most one queued download
// if capacity allows. Entries that are no longer queued are skipped.
func (m *Manager) promote() {
	if !m.isRunning() {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCountLocked() >= m.cfg.MaxConcurrentDownloads {
		return
	}

	for {
		id, ok := m.queue.Pop()
		if !ok {
			return
		}
		d, ok := m.downloads[id]
		if !ok || d.GetStatus() != download.StatusQueued {
			continue
		}
		// A run that just re-queued itself may not have unregistered yet.
		// Put the download back; the ending run promotes again once it has.
		if _, active := m.runs[id]; active {
			m.queue.Push(id, d.Priority)
			return
		}

		m.launchLocked(d)
		return
	}
}

// reacquireSlot re-admits a download whose run woke from a retry backoff.
// The slot it held may have been handed to another download while it slept,
// so admission is checked again: when every slot is taken the download goes
// back on the queue and the caller must end its run.
func (m *Manager) reacquireSlot(d *download.Download) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeCountLocked() >= m.cfg.MaxConcurrentDownloads {
		d.SetStatus(download.StatusQueued)
		m.queue.Push(d.ID, d.Priority)
		return false
	}

	d.SetStatus(download.StatusDownloading)
	return true
}

// launchLocked marks d downloading and starts its orchestrating task.
// Caller holds m.mu.
func (m *Manager) launchLocked(d *download.Download) {
	runCtx, cancel := context.WithCancel(m.ctx)

	var limiter *rate.Limiter
	if m.rateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(m.rateLimit), m.rateLimit)
	}

	r := &run{
		d:       d,
		cancel:  cancel,
		done:    make(chan struct{}),
		limiter: limiter,
	}
	m.runs[d.ID] = r

	d.SetStatus(download.StatusDownloading)
	if err := m.store.Save(d); err != nil {
		m.log.Warn().Err(err).Str("id", d.ID).Msg("failed to save download")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()

		m.notifyStatus(d)
		m.process(runCtx, r)

		m.mu.Lock()
		delete(m.runs, d.ID)
		m.mu.Unlock()

		m.promote()
	}()
}

func (m *Manager) activeCountLocked() int {
	n := 0
	for _, d := range m.downloads {
		if d.IsActive() {
			n++
		}
	}
	return n
}

func (m *Manager) isRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

func (m *Manager) notifyStatus(d *download.Download) {
	if m.onStatus != nil {
		m.onStatus(d)
	}
}

func (m *Manager) notifyProgress(d *download.Download) {
	if m.onProgress != nil {
		m.onProgress(d)
	}
}
