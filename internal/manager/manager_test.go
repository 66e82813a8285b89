package manager_test

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/adrij/fdm/internal/config"
	"github.com/adrij/fdm/internal/download"
	"github.com/adrij/fdm/internal/manager"
	"github.com/adrij/fdm/internal/store"
	fdmhttp "github.com/adrij/fdm/pkg/http"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.DownloadDir = t.TempDir()
	cfg.DataDir = t.TempDir()
	cfg.TempDir = t.TempDir()
	cfg.ConnectTimeout = 5 * time.Second
	cfg.ChunkSize = 16 * 1024
	cfg.MaxRetries = 2
	cfg.RetryDelay = 20 * time.Millisecond
	cfg.RetryBackoff = 2.0
	return &cfg
}

func newManager(t *testing.T, cfg *config.Config, opts ...manager.Option) (*manager.Manager, *store.BoltStore) {
	t.Helper()

	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "fdm.db"))
	if err != nil {
		t.Fatalf("NewBoltStore: %v", err)
	}

	m := manager.New(cfg, st, fdmhttp.NewClient(fdmhttp.Options{}), opts...)
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	t.Cleanup(func() {
		m.Shutdown()
		st.Close()
	})

	return m, st
}

func payloadOf(n int) []byte {
	buf := make([]byte, n)
	for i := range buf {
		buf[i] = byte(i % 251)
	}
	return buf
}

// rangeServer serves payload with HEAD metadata and ranged GETs.
func rangeServer(t *testing.T, payload []byte) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}

		rng := r.Header.Get("Range")
		if rng == "" {
			w.Write(payload)
			return
		}
		var start, end int
		if _, err := fmt.Sscanf(rng, "bytes=%d-%d", &start, &end); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[start : end+1])
	}))
}

func waitStatus(t *testing.T, m *manager.Manager, id string, want download.Status) *download.Download {
	t.Helper()

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		d, err := m.Get(id)
		if err != nil {
			t.Fatalf("Get(%s): %v", id, err)
		}
		if d.GetStatus() == want {
			return d
		}
		time.Sleep(5 * time.Millisecond)
	}

	if d, err := m.Get(id); err == nil {
		t.Fatalf("download never reached %q, currently %q (%s)", want, d.GetStatus(), d.GetError())
	}
	t.Fatalf("download never reached %q and left the registry", want)
	return nil
}

func TestAddPartitionsAndPersists(t *testing.T) {
	payload := payloadOf(2 * 1024 * 1024)
	srv := rangeServer(t, payload)
	defer srv.Close()

	cfg := testConfig(t)
	m, st := newManager(t, cfg)

	d, err := m.Add(srv.URL+"/file.bin", cfg.DownloadDir, manager.AddOptions{Segments: 4})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	if d.GetStatus() != download.StatusQueued {
		t.Errorf("status = %q, want %q", d.GetStatus(), download.StatusQueued)
	}
	if d.TotalSize != int64(len(payload)) {
		t.Errorf("TotalSize = %d, want %d", d.TotalSize, len(payload))
	}
	if !d.SupportsResume {
		t.Error("SupportsResume = false")
	}
	if len(d.Segments) != 4 {
		t.Fatalf("got %d segments, want 4", len(d.Segments))
	}
	if d.Segments[3].EndByte != int64(len(payload))-1 {
		t.Errorf("last segment ends at %d, want %d", d.Segments[3].EndByte, len(payload)-1)
	}

	stored, err := st.Get(d.ID)
	if err != nil {
		t.Fatalf("store.Get: %v", err)
	}
	if len(stored.Segments) != 4 {
		t.Errorf("stored %d segments, want 4", len(stored.Segments))
	}
}

func TestAddDegradesWhenProbeFails(t *testing.T) {
	cfg := testConfig(t)
	cfg.ConnectTimeout = 200 * time.Millisecond
	m, _ := newManager(t, cfg)

	// Nothing listens here; the probe fails but Add still succeeds.
	d, err := m.Add("http://127.0.0.1:1/file.bin", cfg.DownloadDir, manager.AddOptions{Segments: 8})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if len(d.Segments) != 1 {
		t.Errorf("got %d segments, want 1 after probe degradation", len(d.Segments))
	}
	if d.TotalSize != 0 {
		t.Errorf("TotalSize = %d, want 0", d.TotalSize)
	}
}

func TestDownloadCompletes(t *testing.T) {
	payload := payloadOf(2 * 1024 * 1024)
	srv := rangeServer(t, payload)
	defer srv.Close()

	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	d, err := m.Add(srv.URL+"/file.bin", cfg.DownloadDir, manager.AddOptions{Segments: 4})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, m, d.ID, download.StatusCompleted)

	data, err := os.ReadFile(got.SavePath)
	if err != nil {
		t.Fatalf("reading destination: %v", err)
	}
	if !bytes.Equal(data, payload) {
		t.Error("destination bytes differ from payload")
	}
	if got.GetDownloaded() != int64(len(payload)) {
		t.Errorf("DownloadedSize = %d, want %d", got.GetDownloaded(), len(payload))
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not stamped")
	}

	// Temp files are deleted by the merge.
	matches, _ := filepath.Glob(filepath.Join(cfg.TempDir, d.ID+"_segment_*"))
	if len(matches) != 0 {
		t.Errorf("temp files left behind: %v", matches)
	}
}

func TestChecksumMatchStoresDigest(t *testing.T) {
	payload := []byte("small checksummed payload")
	srv := rangeServer(t, payload)
	defer srv.Close()

	sum := sha256.Sum256(payload)
	expected := hex.EncodeToString(sum[:])

	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	d, err := m.Add(srv.URL+"/file.bin", cfg.DownloadDir, manager.AddOptions{
		ExpectedChecksum: strings.ToUpper(expected), // comparison is case-insensitive
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, m, d.ID, download.StatusCompleted)
	if got.Checksum != expected {
		t.Errorf("Checksum = %q, want %q", got.Checksum, expected)
	}
	if got.ChecksumAlgorithm != "sha256" {
		t.Errorf("ChecksumAlgorithm = %q, want sha256", got.ChecksumAlgorithm)
	}
}

func TestChecksumMismatchFailsAndKeepsFile(t *testing.T) {
	payload := []byte("payload that will not match")
	srv := rangeServer(t, payload)
	defer srv.Close()

	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	d, err := m.Add(srv.URL+"/file.bin", cfg.DownloadDir, manager.AddOptions{
		ExpectedChecksum: strings.Repeat("ab", 32),
	})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, m, d.ID, download.StatusFailed)
	if !strings.Contains(strings.ToLower(got.GetError()), "checksum") {
		t.Errorf("error message %q does not mention checksum", got.GetError())
	}

	// The destination is kept for manual inspection.
	if _, err := os.Stat(got.SavePath); err != nil {
		t.Errorf("destination file missing after checksum failure: %v", err)
	}
}

func TestFailsAfterRetriesExhausted(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "4096")
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		requests.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	cfg := testConfig(t)
	m, _ := newManager(t, cfg)

	d, err := m.Add(srv.URL+"/gone.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	got := waitStatus(t, m, d.ID, download.StatusFailed)
	if got.RetryCount != cfg.MaxRetries {
		t.Errorf("RetryCount = %d, want %d", got.RetryCount, cfg.MaxRetries)
	}
	if want := fmt.Sprintf("failed after %d retry attempts", cfg.MaxRetries); !strings.Contains(got.GetError(), want) {
		t.Errorf("error = %q, want substring %q", got.GetError(), want)
	}
	// Initial attempt plus the retries.
	if n := requests.Load(); n != int32(cfg.MaxRetries)+1 {
		t.Errorf("server saw %d attempts, want %d", n, cfg.MaxRetries+1)
	}
	if _, err := os.Stat(got.SavePath); !os.IsNotExist(err) {
		t.Error("destination file exists for a download that never succeeded")
	}
}

func TestRetrySurfacesRetryingMessage(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", "16")
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		if requests.Add(1) == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Header().Set("Content-Length", "16")
		w.WriteHeader(http.StatusPartialContent)
		w.Write(bytes.Repeat([]byte("x"), 16))
	}))
	defer srv.Close()

	var mu sync.Mutex
	var messages []string

	cfg := testConfig(t)
	m, _ := newManager(t, cfg, manager.WithStatusCallback(func(d *download.Download) {
		mu.Lock()
		defer mu.Unlock()
		if d.GetStatus() == download.StatusPaused {
			messages = append(messages, d.GetError())
		}
	}))

	d, err := m.Add(srv.URL+"/flaky.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatalf("Add: %v", err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatalf("Start: %v", err)
	}

	waitStatus(t, m, d.ID, download.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	if len(messages) == 0 {
		t.Fatal("no transient paused status observed")
	}
	if !strings.Contains(messages[0], "Retry 1/2") {
		t.Errorf("retry message = %q", messages[0])
	}
}

func TestConcurrencyCapAndPromotion(t *testing.T) {
	payload := payloadOf(32 * 1024)
	release := make(chan struct{})
	var gateOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		// Only the first transfer blocks.
		if r.URL.Path == "/first.bin" {
			<-release
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()
	defer gateOnce.Do(func() { close(release) })

	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 1
	m, _ := newManager(t, cfg)

	first, err := m.Add(srv.URL+"/first.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	second, err := m.Add(srv.URL+"/second.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Start(first.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, first.ID, download.StatusDownloading)

	// Capacity is exhausted; the second download must queue, not start.
	if err := m.Start(second.ID); err != nil {
		t.Fatal(err)
	}
	if got := second.GetStatus(); got != download.StatusQueued {
		t.Fatalf("second status = %q, want %q", got, download.StatusQueued)
	}

	active := 0
	for _, d := range m.All() {
		if d.IsActive() {
			active++
		}
	}
	if active > cfg.MaxConcurrentDownloads {
		t.Errorf("active = %d, exceeds cap %d", active, cfg.MaxConcurrentDownloads)
	}

	// Releasing the first transfer frees the slot; the queue promotes the
	// second download without any further Start call.
	gateOnce.Do(func() { close(release) })
	waitStatus(t, m, first.ID, download.StatusCompleted)
	waitStatus(t, m, second.ID, download.StatusCompleted)
}

func TestPriorityOrdersPromotion(t *testing.T) {
	payload := payloadOf(16 * 1024)
	release := make(chan struct{})
	var gateOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		if r.URL.Path == "/blocker.bin" {
			<-release
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()
	defer gateOnce.Do(func() { close(release) })

	var mu sync.Mutex
	var started []string

	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 1
	m, _ := newManager(t, cfg, manager.WithStatusCallback(func(d *download.Download) {
		if d.GetStatus() == download.StatusDownloading {
			mu.Lock()
			started = append(started, d.Filename)
			mu.Unlock()
		}
	}))

	blocker, _ := m.Add(srv.URL+"/blocker.bin", cfg.DownloadDir, manager.AddOptions{})
	low, _ := m.Add(srv.URL+"/low.bin", cfg.DownloadDir, manager.AddOptions{Priority: 1})
	high, _ := m.Add(srv.URL+"/high.bin", cfg.DownloadDir, manager.AddOptions{Priority: 9})

	if err := m.Start(blocker.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, blocker.ID, download.StatusDownloading)
	if err := m.Start(low.ID); err != nil {
		t.Fatal(err)
	}
	if err := m.Start(high.ID); err != nil {
		t.Fatal(err)
	}

	gateOnce.Do(func() { close(release) })
	waitStatus(t, m, low.ID, download.StatusCompleted)
	waitStatus(t, m, high.ID, download.StatusCompleted)

	mu.Lock()
	defer mu.Unlock()
	idxHigh, idxLow := -1, -1
	for i, name := range started {
		switch name {
		case "high.bin":
			idxHigh = i
		case "low.bin":
			idxLow = i
		}
	}
	if idxHigh == -1 || idxLow == -1 || idxHigh > idxLow {
		t.Errorf("start order %v, want high.bin before low.bin", started)
	}
}

func TestPauseResumeProducesIdenticalFile(t *testing.T) {
	payload := payloadOf(2 * 1024 * 1024)
	var resumed atomic.Bool
	var rangeStarts sync.Map
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		if resumed.Load() {
			rangeStarts.Store(start, true)
		}
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)

		// Dribble the body so a pause can land mid-transfer.
		data := payload[start : end+1]
		for len(data) > 0 {
			n := 16 * 1024
			if n > len(data) {
				n = len(data)
			}
			if _, err := w.Write(data[:n]); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			data = data[n:]
			time.Sleep(2 * time.Millisecond)
		}
	}))
	defer srv.Close()

	progressed := make(chan struct{})
	var once sync.Once

	cfg := testConfig(t)
	m, _ := newManager(t, cfg, manager.WithProgressCallback(func(d *download.Download) {
		if d.GetDownloaded() > 64*1024 {
			once.Do(func() { close(progressed) })
		}
	}))

	d, err := m.Add(srv.URL+"/big.bin", cfg.DownloadDir, manager.AddOptions{Segments: 4})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatal(err)
	}

	<-progressed
	if err := m.Pause(d.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}

	paused := waitStatus(t, m, d.ID, download.StatusPaused)
	already := paused.GetDownloaded()
	if already == 0 {
		t.Fatal("paused download reports zero bytes")
	}

	resumed.Store(true)
	if err := m.Resume(d.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}

	got := waitStatus(t, m, d.ID, download.StatusCompleted)
	data, err := os.ReadFile(got.SavePath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(data, payload) {
		t.Fatal("file after pause/resume differs from payload")
	}

	// Resumption re-requests from segment offsets, never from scratch for
	// every segment.
	fromScratch := 0
	rangeStarts.Range(func(key, _ any) bool {
		if start, ok := key.(int); ok {
			for _, seg := range got.Segments {
				if int64(start) == seg.StartByte {
					fromScratch++
				}
			}
		}
		return true
	})
	if fromScratch == len(got.Segments) {
		t.Error("every segment restarted from its beginning after resume")
	}
}

func TestCancelPurgesStateAndTempFiles(t *testing.T) {
	payload := payloadOf(1024 * 1024)
	release := make(chan struct{})
	var gateOnce sync.Once
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		var start, end int
		fmt.Sscanf(r.Header.Get("Range"), "bytes=%d-%d", &start, &end)
		w.Header().Set("Content-Length", strconv.Itoa(end-start+1))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload[start : start+1024])
		w.(http.Flusher).Flush()
		<-release
	}))
	defer srv.Close()
	defer gateOnce.Do(func() { close(release) })

	progressed := make(chan struct{})
	var once sync.Once

	cfg := testConfig(t)
	m, st := newManager(t, cfg, manager.WithProgressCallback(func(d *download.Download) {
		once.Do(func() { close(progressed) })
	}))

	d, err := m.Add(srv.URL+"/doomed.bin", cfg.DownloadDir, manager.AddOptions{Segments: 2})
	if err != nil {
		t.Fatal(err)
	}
	if err := m.Start(d.ID); err != nil {
		t.Fatal(err)
	}
	<-progressed

	if err := m.Cancel(d.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}

	if _, err := m.Get(d.ID); err == nil {
		t.Error("cancelled download still in registry")
	}
	if _, err := st.Get(d.ID); err == nil {
		t.Error("cancelled download still in store")
	}
	matches, _ := filepath.Glob(filepath.Join(cfg.TempDir, d.ID+"_segment_*"))
	if len(matches) != 0 {
		t.Errorf("temp files left after cancel: %v", matches)
	}
}

func TestInitRestoresDownloadingAsPaused(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "fdm.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	interrupted := download.New("http://example.com/file", "file", filepath.Join(cfg.DownloadDir, "file"))
	interrupted.Status = download.StatusDownloading
	if err := st.Save(interrupted); err != nil {
		t.Fatal(err)
	}

	m := manager.New(cfg, st, fdmhttp.NewClient(fdmhttp.Options{}))
	if err := m.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer m.Shutdown()

	got, err := m.Get(interrupted.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got.GetStatus() != download.StatusPaused {
		t.Errorf("restored status = %q, want %q", got.GetStatus(), download.StatusPaused)
	}

	stored, err := st.Get(interrupted.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != download.StatusPaused {
		t.Errorf("persisted status = %q, want %q", stored.Status, download.StatusPaused)
	}
}

func TestAddRequiresRunningManager(t *testing.T) {
	cfg := testConfig(t)
	st, err := store.NewBoltStore(filepath.Join(t.TempDir(), "fdm.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	m := manager.New(cfg, st, fdmhttp.NewClient(fdmhttp.Options{}))
	if _, err := m.Add("http://example.com/f", cfg.DownloadDir, manager.AddOptions{}); err == nil {
		t.Error("Add succeeded on uninitialized manager")
	}
	if _, err := m.Add("", cfg.DownloadDir, manager.AddOptions{}); err == nil {
		t.Error("Add succeeded with empty URL")
	}
}

func TestRetryWakeRequeuesWhenSlotTaken(t *testing.T) {
	payload := payloadOf(16 * 1024)
	release := make(chan struct{})
	var gateOnce sync.Once
	var flakyGets atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
			w.Header().Set("Accept-Ranges", "bytes")
			return
		}
		switch r.URL.Path {
		case "/flaky.bin":
			if flakyGets.Add(1) == 1 {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
		case "/hog.bin":
			<-release
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.WriteHeader(http.StatusPartialContent)
		w.Write(payload)
	}))
	defer srv.Close()
	defer gateOnce.Do(func() { close(release) })

	cfg := testConfig(t)
	cfg.MaxConcurrentDownloads = 1
	cfg.RetryDelay = 400 * time.Millisecond
	m, _ := newManager(t, cfg)

	flaky, err := m.Add(srv.URL+"/flaky.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}
	hog, err := m.Add(srv.URL+"/hog.bin", cfg.DownloadDir, manager.AddOptions{})
	if err != nil {
		t.Fatal(err)
	}

	// The first attempt fails fast and enters its backoff sleep.
	if err := m.Start(flaky.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, flaky.ID, download.StatusPaused)

	// While it sleeps, its slot is handed to another download.
	if err := m.Start(hog.ID); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, m, hog.ID, download.StatusDownloading)

	// On wake the retry must queue behind the occupied slot, not resume.
	waitStatus(t, m, flaky.ID, download.StatusQueued)

	if got := hog.GetStatus(); got != download.StatusDownloading {
		t.Fatalf("hog status = %q, want %q", got, download.StatusDownloading)
	}
	active := 0
	for _, d := range m.All() {
		if d.IsActive() {
			active++
		}
	}
	if active > cfg.MaxConcurrentDownloads {
		t.Errorf("active = %d, exceeds cap %d", active, cfg.MaxConcurrentDownloads)
	}

	// Freeing the slot promotes the queued retry, which then succeeds with
	// its attempt budget intact.
	gateOnce.Do(func() { close(release) })
	waitStatus(t, m, hog.ID, download.StatusCompleted)
	got := waitStatus(t, m, flaky.ID, download.StatusCompleted)
	if got.RetryCount != 1 {
		t.Errorf("RetryCount = %d, want 1", got.RetryCount)
	}
}
