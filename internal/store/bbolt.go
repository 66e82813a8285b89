package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.etcd.io/bbolt"

	"github.com/adrij/fdm/internal/download"
)

const (
	downloadsBucket = "downloads"
	metadataBucket  = "metadata"
	schemaVersion   = 1
)

// BoltStore is the bbolt-backed Store implementation. Downloads are stored
// as JSON values keyed by id.
type BoltStore struct {
	db *bbolt.DB
}

var _ Store = (*BoltStore)(nil)

// NewBoltStore opens or creates the database at dbPath.
func NewBoltStore(dbPath string) (*BoltStore, error) {
	db, err := bbolt.Open(dbPath, 0o600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &BoltStore{db: db}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize sets up buckets and the schema version.
func (s *BoltStore) initialize() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(downloadsBucket)); err != nil {
			return fmt.Errorf("failed to create downloads bucket: %w", err)
		}

		meta, err := tx.CreateBucketIfNotExists([]byte(metadataBucket))
		if err != nil {
			return fmt.Errorf("failed to create metadata bucket: %w", err)
		}
		if err := meta.Put([]byte("schema_version"), fmt.Appendf(nil, "%d", schemaVersion)); err != nil {
			return fmt.Errorf("failed to store schema version: %w", err)
		}

		return nil
	})
}

// Save upserts the download, segments included.
func (s *BoltStore) Save(d *download.Download) error {
	if d == nil {
		return errors.New("cannot save nil download")
	}

	data, err := d.Serialize()
	if err != nil {
		return fmt.Errorf("failed to marshal download: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}
		if err := bucket.Put([]byte(d.ID), data); err != nil {
			return fmt.Errorf("failed to save download: %w", err)
		}
		return nil
	})
}

// Get retrieves a download by id.
func (s *BoltStore) Get(id string) (*download.Download, error) {
	if id == "" {
		return nil, errors.New("download id cannot be empty")
	}

	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		raw := bucket.Get([]byte(id))
		if raw == nil {
			return ErrNotFound
		}
		data = append([]byte(nil), raw...)
		return nil
	})
	if err != nil {
		return nil, err
	}

	d := &download.Download{}
	if err := json.Unmarshal(data, d); err != nil {
		return nil, fmt.Errorf("failed to unmarshal download: %w", err)
	}

	return d, nil
}

// All returns every stored download, newest first.
func (s *BoltStore) All() ([]*download.Download, error) {
	downloads, err := s.filter(func(*download.Download) bool { return true })
	if err != nil {
		return nil, err
	}

	sort.Slice(downloads, func(i, j int) bool {
		return downloads[i].CreatedAt.After(downloads[j].CreatedAt)
	})

	return downloads, nil
}

// Delete removes a download.
func (s *BoltStore) Delete(id string) error {
	if id == "" {
		return errors.New("download id cannot be empty")
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}
		if bucket.Get([]byte(id)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(id))
	})
}

// Completed returns the downloads that have reached a terminal status.
func (s *BoltStore) Completed() ([]*download.Download, error) {
	return s.filter(func(d *download.Download) bool {
		return d.Status.Terminal()
	})
}

// Search matches query against filename and url, case-insensitively.
func (s *BoltStore) Search(query string, statuses ...download.Status) ([]*download.Download, error) {
	q := strings.ToLower(query)
	return s.filter(func(d *download.Download) bool {
		if !strings.Contains(strings.ToLower(d.Filename), q) &&
			!strings.Contains(strings.ToLower(d.URL), q) {
			return false
		}
		return len(statuses) == 0 || statusIn(d.Status, statuses)
	})
}

// ByStatus returns downloads whose status is in the given set.
func (s *BoltStore) ByStatus(statuses ...download.Status) ([]*download.Download, error) {
	return s.filter(func(d *download.Download) bool {
		return statusIn(d.Status, statuses)
	})
}

// ByCreatedRange returns downloads created within [from, to].
func (s *BoltStore) ByCreatedRange(from, to time.Time) ([]*download.Download, error) {
	return s.filter(func(d *download.Download) bool {
		return !d.CreatedAt.Before(from) && !d.CreatedAt.After(to)
	})
}

// Close closes the database.
func (s *BoltStore) Close() error {
	return s.db.Close()
}

// filter decodes every stored download and keeps the ones keep accepts.
func (s *BoltStore) filter(keep func(*download.Download) bool) ([]*download.Download, error) {
	var downloads []*download.Download

	err := s.db.View(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(downloadsBucket))
		if bucket == nil {
			return fmt.Errorf("bucket not found: %s", downloadsBucket)
		}

		return bucket.ForEach(func(_, v []byte) error {
			d := &download.Download{}
			if err := json.Unmarshal(v, d); err != nil {
				return fmt.Errorf("failed to unmarshal download: %w", err)
			}
			if keep(d) {
				downloads = append(downloads, d)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	return downloads, nil
}

func statusIn(s download.Status, set []download.Status) bool {
	for _, cur := range set {
		if s == cur {
			return true
		}
	}
	return false
}
