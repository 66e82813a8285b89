// Package store persists downloads so interrupted transfers survive a
// process restart.
package store

import (
	"errors"
	"time"

	"github.com/adrij/fdm/internal/download"
)

// ErrNotFound is returned when a download id is not in the store.
var ErrNotFound = errors.New("download not found")

// Store is the persistence collaborator of the download manager. Save is an
// idempotent upsert keyed by id and always writes the full segment list, so
// a restart can resume mid-segment.
type Store interface {
	Save(d *download.Download) error
	Get(id string) (*download.Download, error)
	// All returns every stored download ordered by creation time, newest
	// first.
	All() ([]*download.Download, error)
	Delete(id string) error
	// Completed returns downloads whose status is completed, failed or
	// cancelled.
	Completed() ([]*download.Download, error)
	// Search matches query as a case-insensitive substring of filename or
	// url, optionally narrowed to the given statuses.
	Search(query string, statuses ...download.Status) ([]*download.Download, error)
	ByStatus(statuses ...download.Status) ([]*download.Download, error)
	ByCreatedRange(from, to time.Time) ([]*download.Download, error)
	Close() error
}
