package mirror

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ppiankov/trustgate/internal/audit"
)

// sinkRecorder collects batches posted to it.
type sinkRecorder struct {
	mu      sync.Mutex
	events  []audit.Event
	batches int
	fail    bool
}

func (s *sinkRecorder) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		body, _ := io.ReadAll(r.Body)
		var batch []audit.Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.events = append(s.events, batch...)
		s.batches++
		w.WriteHeader(http.StatusOK)
	}
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

func testEvent(id string) audit.Event {
	return audit.Event{
		ID:        id,
		Timestamp: time.Now().UTC().Format(audit.TimeFormat),
		Kind:      audit.KindTransition,
		PrevState: "EMERGENT",
		NewState:  "TALK_ONLY",
	}
}

func TestNewWithoutSinkReturnsNil(t *testing.T) {
	if m := New(Config{}); m != nil {
		t.Fatal("expected nil mirror when no sink URL is configured")
	}
}

func TestStopFlushesBelowBatchSize(t *testing.T) {
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour, // no periodic flush during the test
		BackupDir:     t.TempDir(),
	})

	const n = 7
	for i := 0; i < n; i++ {
		m.Log(testEvent(string(rune('a' + i))))
	}
	m.Stop()

	if got := sink.count(); got != n {
		t.Fatalf("expected %d events at sink after Stop, got %d", n, got)
	}
	if m.Pending() != 0 {
		t.Fatalf("expected empty queue after Stop, got %d", m.Pending())
	}
	if m.Sent() != n {
		t.Fatalf("expected sent counter %d, got %d", n, m.Sent())
	}
}

func TestBatchSizeTriggersFlush(t *testing.T) {
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     3,
		FlushInterval: time.Hour,
		BackupDir:     t.TempDir(),
	})
	defer m.Stop()

	for i := 0; i < 3; i++ {
		m.Log(testEvent(string(rune('a' + i))))
	}

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := sink.count(); got != 3 {
		t.Fatalf("expected 3 events flushed on batch threshold, got %d", got)
	}
}

func TestFailedFlushRequeuesAndWritesBackup(t *testing.T) {
	sink := &sinkRecorder{fail: true}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	backupDir := t.TempDir()
	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
		BackupDir:     backupDir,
	})

	m.Log(testEvent("e1"))
	m.Log(testEvent("e2"))

	if err := m.Flush(); err == nil {
		t.Fatal("expected flush error against failing sink")
	}

	// No data loss: the snapshot is back at the front of the queue.
	if m.Pending() != 2 {
		t.Fatalf("expected 2 requeued events, got %d", m.Pending())
	}

	// Second line of defense: the batch is on disk.
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		t.Fatal(err)
	}
	var backups []string
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), "backup-") && strings.HasSuffix(e.Name(), ".jsonl") {
			backups = append(backups, e.Name())
		}
	}
	if len(backups) != 1 {
		t.Fatalf("expected 1 backup file, got %d", len(backups))
	}
	data, err := os.ReadFile(filepath.Join(backupDir, backups[0]))
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 backup lines, got %d", len(lines))
	}

	// Sink recovers: the requeued events are delivered in order.
	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	if err := m.Flush(); err != nil {
		t.Fatalf("flush after recovery: %v", err)
	}
	if got := sink.count(); got != 2 {
		t.Fatalf("expected 2 events after recovery, got %d", got)
	}
	if sink.events[0].ID != "e1" || sink.events[1].ID != "e2" {
		t.Fatalf("expected original order preserved, got %s, %s", sink.events[0].ID, sink.events[1].ID)
	}
	m.Stop()
}

func TestRequeuePreservesOrderWithNewProducers(t *testing.T) {
	sink := &sinkRecorder{fail: true}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     100,
		FlushInterval: time.Hour,
		BackupDir:     t.TempDir(),
	})

	m.Log(testEvent("first"))
	m.Flush() // fails, requeues "first"
	m.Log(testEvent("second"))

	sink.mu.Lock()
	sink.fail = false
	sink.mu.Unlock()

	if err := m.Flush(); err != nil {
		t.Fatal(err)
	}
	if sink.events[0].ID != "first" || sink.events[1].ID != "second" {
		t.Fatalf("expected failed batch at the front, got %s, %s", sink.events[0].ID, sink.events[1].ID)
	}
	m.Stop()
}

func TestPeriodicFlush(t *testing.T) {
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     100,
		FlushInterval: 20 * time.Millisecond,
		BackupDir:     t.TempDir(),
	})
	defer m.Stop()

	m.Log(testEvent("slow"))

	deadline := time.Now().Add(2 * time.Second)
	for sink.count() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.count() != 1 {
		t.Fatal("expected periodic flush to deliver a below-threshold event")
	}
}

func TestStopIsIdempotent(t *testing.T) {
	sink := &sinkRecorder{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	m := New(Config{SinkURL: srv.URL, BackupDir: t.TempDir()})
	m.Stop()
	m.Stop()
}

func TestLogDoesNotBlockOnHungSink(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	m := New(Config{
		SinkURL:       srv.URL,
		BatchSize:     1, // every Log triggers a flush attempt
		FlushInterval: time.Hour,
		Timeout:       5 * time.Second,
		BackupDir:     t.TempDir(),
	})
	defer m.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			m.Log(testEvent("x"))
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("producer blocked while sink was hung")
	}
}
