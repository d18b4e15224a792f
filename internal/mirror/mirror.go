// Package mirror forwards audit events to a remote sink in batches.
// Producers never block on the network: Log appends to an in-memory
// queue and returns. A single worker goroutine flushes when the queue
// reaches the batch size and on a fixed interval, so low-traffic
// periods still get persisted promptly. A failed batch is requeued at
// the front and also written to a timestamped local backup file, so a
// dead or hung sink never loses events.
package mirror

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/trustgate/internal/audit"
)

const (
	// DefaultBatchSize triggers an immediate flush when reached.
	DefaultBatchSize = 10
	// DefaultFlushInterval is the periodic flush cadence.
	DefaultFlushInterval = 30 * time.Second
	// DefaultTimeout bounds one POST to the sink.
	DefaultTimeout = 5 * time.Second
)

// Config holds mirror settings.
type Config struct {
	SinkURL       string
	Headers       map[string]string
	BatchSize     int
	FlushInterval time.Duration
	Timeout       time.Duration
	// BackupDir receives backup-<timestamp>.jsonl files for batches
	// that could not be delivered.
	BackupDir string
}

// Mirror is a non-blocking audit event forwarder. One worker goroutine
// per instance; the only suspension points are the periodic ticker and
// the POST inside Flush.
type Mirror struct {
	cfg    Config
	client *http.Client

	mu    sync.Mutex
	queue []audit.Event

	wake     chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	stopOnce sync.Once

	sent   int
	failed int
}

// New creates a Mirror and starts its worker. Returns nil if no sink
// URL is configured (callers should nil-check, same as an absent
// dispatcher).
func New(cfg Config) *Mirror {
	if cfg.SinkURL == "" {
		return nil
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	m := &Mirror{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	go m.run()
	return m
}

// Log enqueues one event and returns immediately. Safe to call from
// any goroutine. A hung sink stalls the worker, never the producer.
func (m *Mirror) Log(ev audit.Event) {
	m.mu.Lock()
	m.queue = append(m.queue, ev)
	trigger := len(m.queue) >= m.cfg.BatchSize
	m.mu.Unlock()

	if trigger {
		select {
		case m.wake <- struct{}{}:
		default:
		}
	}
}

// Flush snapshots and clears the queue, then attempts one delivery.
// On failure the snapshot is placed back at the front of the queue and
// written to a local backup file as a second line of defense.
func (m *Mirror) Flush() error {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return nil
	}
	batch := m.queue
	m.queue = nil
	m.mu.Unlock()

	if err := m.send(batch); err != nil {
		m.mu.Lock()
		requeued := make([]audit.Event, 0, len(batch)+len(m.queue))
		requeued = append(requeued, batch...)
		requeued = append(requeued, m.queue...)
		m.queue = requeued
		m.failed++
		m.mu.Unlock()

		m.writeBackup(batch)
		return err
	}

	m.mu.Lock()
	m.sent += len(batch)
	m.mu.Unlock()
	return nil
}

// Stop cancels the periodic task and performs one final flush before
// returning. No enqueued event is silently dropped on shutdown.
// Idempotent.
func (m *Mirror) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		<-m.stopped
	})
}

// Sent returns the number of events delivered to the sink.
func (m *Mirror) Sent() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sent
}

// Pending returns the number of events waiting in the queue.
func (m *Mirror) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}

func (m *Mirror) run() {
	ticker := time.NewTicker(m.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			if err := m.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "mirror: final flush failed: %v\n", err)
			}
			close(m.stopped)
			return
		case <-m.wake:
			if err := m.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "mirror: flush failed: %v\n", err)
			}
		case <-ticker.C:
			if err := m.Flush(); err != nil {
				fmt.Fprintf(os.Stderr, "mirror: flush failed: %v\n", err)
			}
		}
	}
}

// send posts one batch as a JSON array. Any transport error or non-2xx
// status is a failure; the caller requeues.
func (m *Mirror) send(batch []audit.Event) error {
	body, err := json.Marshal(batch)
	if err != nil {
		return fmt.Errorf("marshal batch: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, m.cfg.SinkURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range m.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("post batch: %w", err)
	}
	resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sink rejected batch: HTTP %d", resp.StatusCode)
	}
	return nil
}

// writeBackup persists an undeliverable batch to a timestamped JSONL
// file. Best-effort: failures are reported to stderr, never to the
// producer.
func (m *Mirror) writeBackup(batch []audit.Event) {
	dir := m.cfg.BackupDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		fmt.Fprintf(os.Stderr, "mirror: create backup directory: %v\n", err)
		return
	}

	name := fmt.Sprintf("backup-%s.jsonl", time.Now().UTC().Format("20060102T150405.000000000"))
	path := filepath.Join(dir, name)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "mirror: open backup file: %v\n", err)
		return
	}
	defer f.Close()

	for _, ev := range batch {
		line, err := json.Marshal(ev)
		if err != nil {
			continue
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			fmt.Fprintf(os.Stderr, "mirror: write backup: %v\n", err)
			return
		}
	}
	f.Sync()
}
