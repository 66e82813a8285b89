package download

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Segment is one contiguous byte range of a download, fetched independently
// of its siblings and written to its own temp file. Downloaded and Completed
// are written by the segment's worker while a run is live; they are guarded
// by mu so the download can be serialized mid-transfer.
type Segment struct {
	mu sync.Mutex

	Index      int    `json:"index"`
	StartByte  int64  `json:"startByte"`
	EndByte    int64  `json:"endByte"` // inclusive
	Downloaded int64  `json:"downloaded"`
	Completed  bool   `json:"completed"`
	TempFile   string `json:"tempFile"`
}

// Size returns the total length of the segment in bytes.
func (s *Segment) Size() int64 {
	return s.EndByte - s.StartByte + 1
}

// Remaining returns the number of bytes still to be fetched.
func (s *Segment) Remaining() int64 {
	return s.Size() - s.GetDownloaded()
}

// AddDownloaded advances the segment's byte count. A negative n rewinds it,
// used when a server ignores a range request and the segment restarts.
func (s *Segment) AddDownloaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded += n
}

// SetDownloaded rebases the segment's byte count.
func (s *Segment) SetDownloaded(n int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Downloaded = n
}

// GetDownloaded returns the bytes fetched for this segment so far.
func (s *Segment) GetDownloaded() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Downloaded
}

// SetCompleted marks the segment as fully transferred.
func (s *Segment) SetCompleted() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Completed = true
}

// IsCompleted reports whether the segment has finished.
func (s *Segment) IsCompleted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Completed
}

// MarshalJSON snapshots the segment under its lock, keeping serialization
// consistent while a worker is reporting progress.
func (s *Segment) MarshalJSON() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	type plain Segment
	return json.Marshal((*plain)(s))
}

// Download is the shared data model for one download task. The manager owns
// the in-memory registry of Downloads; segment workers only ever touch their
// own Segment. Mutable fields are guarded by mu; use the accessor methods
// when the download may be running.
type Download struct {
	mu sync.RWMutex

	ID                string     `json:"id"`
	URL               string     `json:"url"`
	Filename          string     `json:"filename"`
	SavePath          string     `json:"savePath"`
	TotalSize         int64      `json:"totalSize"`
	DownloadedSize    int64      `json:"downloadedSize"`
	Status            Status     `json:"status"`
	Segments          []*Segment `json:"segments"`
	NumSegments       int        `json:"numSegments"`
	Speed             float64    `json:"speed"` // bytes/sec
	ETA               int64      `json:"eta"`   // seconds, -1 = unknown
	ErrorMessage      string     `json:"errorMessage,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	CompletedAt       *time.Time `json:"completedAt,omitempty"`
	SupportsResume    bool       `json:"supportsResume"`
	ContentType       string     `json:"contentType,omitempty"`
	RetryCount        int        `json:"retryCount"`
	Priority          int        `json:"priority"`
	Checksum          string     `json:"checksum,omitempty"`
	ChecksumAlgorithm string     `json:"checksumAlgorithm,omitempty"`
	ExpectedChecksum  string     `json:"expectedChecksum,omitempty"`
}

// New creates a Download in the queued state with a fresh ID.
func New(url, filename, savePath string) *Download {
	return &Download{
		ID:        uuid.NewString(),
		URL:       url,
		Filename:  filename,
		SavePath:  savePath,
		Status:    StatusQueued,
		ETA:       -1,
		CreatedAt: time.Now(),
	}
}

// SetStatus transitions the download to the given status.
func (d *Download) SetStatus(status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Status = status
}

// GetStatus returns the current status.
func (d *Download) GetStatus() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Status
}

// IsActive reports whether the download currently occupies a concurrency slot.
func (d *Download) IsActive() bool {
	return d.GetStatus() == StatusDownloading
}

// CanResume reports whether the download is eligible for resumption.
func (d *Download) CanResume() bool {
	s := d.GetStatus()
	return s == StatusPaused || s == StatusFailed
}

// SetError records a human-readable error message.
func (d *Download) SetError(msg string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ErrorMessage = msg
}

// GetError returns the last recorded error message.
func (d *Download) GetError() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.ErrorMessage
}

// AddDownloaded adds n bytes to the running total and returns the new value.
func (d *Download) AddDownloaded(n int64) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DownloadedSize += n
	return d.DownloadedSize
}

// SetDownloaded rebases the running total, used when a run starts from
// whatever the segments already hold on disk.
func (d *Download) SetDownloaded(n int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.DownloadedSize = n
}

// GetDownloaded returns the number of bytes downloaded so far.
func (d *Download) GetDownloaded() int64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.DownloadedSize
}

// SetRate records the current speed and ETA estimate.
func (d *Download) SetRate(speed float64, eta int64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.Speed = speed
	d.ETA = eta
}

// Rate returns the current speed and ETA estimate.
func (d *Download) Rate() (float64, int64) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.Speed, d.ETA
}

// Progress returns the completion percentage, 0 when the size is unknown.
func (d *Download) Progress() float64 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.TotalSize <= 0 {
		return 0
	}
	return float64(d.DownloadedSize) / float64(d.TotalSize) * 100
}

// MarkCompleted transitions to completed, stamps the completion time and
// pins DownloadedSize to TotalSize.
func (d *Download) MarkCompleted() {
	d.mu.Lock()
	defer d.mu.Unlock()
	now := time.Now()
	d.Status = StatusCompleted
	d.CompletedAt = &now
	if d.TotalSize > 0 {
		d.DownloadedSize = d.TotalSize
	}
	d.ErrorMessage = ""
}

// Serialize encodes the download as JSON while holding the read lock, so
// it is safe to call while segment workers are reporting progress.
func (d *Download) Serialize() ([]byte, error) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return json.Marshal(d)
}

// AllCompleted reports whether every segment has finished.
func (d *Download) AllCompleted() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.Segments {
		if !s.IsCompleted() {
			return false
		}
	}
	return true
}

// IncompleteSegments returns the segments that still need data, in index order.
func (d *Download) IncompleteSegments() []*Segment {
	d.mu.RLock()
	defer d.mu.RUnlock()
	var pending []*Segment
	for _, s := range d.Segments {
		if !s.IsCompleted() {
			pending = append(pending, s)
		}
	}
	return pending
}
