package download_test

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/adrij/fdm/internal/download"
)

// Serialization runs concurrently with segment workers whenever the engine
// persists a mid-transfer snapshot, so both must be safe together.
func TestSerializeDuringSegmentWrites(t *testing.T) {
	d := download.New("http://example.com/f.bin", "f.bin", t.TempDir())
	d.TotalSize = 4 * download.MinMultiSegmentSize
	d.Segments = download.PartitionSegments(d.TotalSize, 4)
	d.NumSegments = len(d.Segments)

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for _, seg := range d.Segments {
		wg.Add(1)
		go func(s *download.Segment) {
			defer wg.Done()
			for {
				select {
				case <-stop:
					s.SetCompleted()
					return
				default:
					s.AddDownloaded(17)
					d.AddDownloaded(17)
				}
			}
		}(seg)
	}

	for i := 0; i < 200; i++ {
		raw, err := d.Serialize()
		if err != nil {
			t.Fatalf("Serialize() error = %v", err)
		}
		var snap download.Download
		if err := json.Unmarshal(raw, &snap); err != nil {
			t.Fatalf("snapshot did not round-trip: %v", err)
		}
		if len(snap.Segments) != len(d.Segments) {
			t.Fatalf("snapshot has %d segments, want %d", len(snap.Segments), len(d.Segments))
		}
	}

	close(stop)
	wg.Wait()

	if !d.AllCompleted() {
		t.Error("expected every segment to be completed")
	}
	for _, seg := range d.Segments {
		if got := seg.GetDownloaded(); got == 0 || got%17 != 0 {
			t.Errorf("segment %d downloaded = %d, want a positive multiple of 17", seg.Index, got)
		}
	}
}
