// Package scheduler fires deferred downloads once their start time passes.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/adrij/fdm/internal/logger"
)

const (
	DefaultPollInterval = 5 * time.Second
	removalGrace        = 5 * time.Second
)

// StartFunc is invoked when a scheduled entry comes due.
type StartFunc func(url, saveDir string, segments int, category string)

// Entry is one pending deferred download.
type Entry struct {
	ID        string
	URL       string
	SaveDir   string
	Segments  int
	Category  string
	FireAt    time.Time
	Completed bool
}

// Scheduler owns the set of deferred downloads and a single poll loop that
// fires them. All methods are safe for concurrent use.
type Scheduler struct {
	startFn  StartFunc
	interval time.Duration
	log      zerolog.Logger

	mu      sync.Mutex
	entries map[string]*Entry
	running bool

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a stopped scheduler. A zero interval uses the default.
func New(startFn StartFunc, interval time.Duration) *Scheduler {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	return &Scheduler{
		startFn:  startFn,
		interval: interval,
		log:      logger.Get("scheduler"),
		entries:  make(map[string]*Entry),
	}
}

// Start launches the poll loop. Calling Start on a running scheduler is a
// no-op.
func (s *Scheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return
	}
	s.running = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop cancels the poll loop and waits for it to exit. Calling Stop on a
// stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
}

// Schedule registers a deferred download and returns its entry id.
func (s *Scheduler) Schedule(url, saveDir string, segments int, fireAt time.Time, category string) string {
	e := &Entry{
		ID:       uuid.NewString(),
		URL:      url,
		SaveDir:  saveDir,
		Segments: segments,
		Category: category,
		FireAt:   fireAt,
	}

	s.mu.Lock()
	s.entries[e.ID] = e
	s.mu.Unlock()

	s.log.Debug().Str("id", e.ID).Time("fireAt", fireAt).Msg("download scheduled")
	return e.ID
}

// Cancel removes a pending entry outright. It reports whether the entry
// existed.
func (s *Scheduler) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.entries[id]; !ok {
		return false
	}
	delete(s.entries, id)
	return true
}

// Get returns a copy of the entry, if present.
func (s *Scheduler) Get(id string) (Entry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[id]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// List returns copies of all entries, fired ones included until their
// removal grace elapses.
func (s *Scheduler) List() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, *e)
	}
	return out
}

// NextDue returns the earliest fire time among unfired entries. The second
// return value is false when nothing is pending.
func (s *Scheduler) NextDue() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var next time.Time
	found := false
	for _, e := range s.entries {
		if e.Completed {
			continue
		}
		if !found || e.FireAt.Before(next) {
			next = e.FireAt
			found = true
		}
	}
	return next, found
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		s.fireDue()
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// fireDue starts every entry whose time has passed. The entry is marked
// completed before the callback runs so a slow callback cannot cause a
// duplicate fire on the next tick.
func (s *Scheduler) fireDue() {
	now := time.Now()

	s.mu.Lock()
	var due []*Entry
	for _, e := range s.entries {
		if !e.Completed && !e.FireAt.After(now) {
			e.Completed = true
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.log.Info().Str("id", e.ID).Str("url", e.URL).Msg("firing scheduled download")
		s.startFn(e.URL, e.SaveDir, e.Segments, e.Category)

		id := e.ID
		time.AfterFunc(removalGrace, func() {
			s.mu.Lock()
			delete(s.entries, id)
			s.mu.Unlock()
		})
	}
}
