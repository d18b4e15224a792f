// Package audit records security events in an append-only, hash-chained
// JSONL log, with chain verification and a SQLite query index.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// TimeFormat is the timestamp layout for audit events.
const TimeFormat = "2006-01-02T15:04:05.000Z"

// Log is an append-only JSONL audit log with SHA-256 hash chaining.
// Each entry's prev_hash is the hash of the previous entry's JSON line,
// forming a tamper-evident chain.
//
// Every Append opens the file, re-reads the chain tail from the last
// line, writes one complete line, syncs, and closes it. No chain state
// is cached between calls: independent Log instances, including ones in
// other processes sharing the storage directory, extend one chain
// instead of forking it. No component ever rewrites or truncates the
// file.
type Log struct {
	path string
	mu   sync.Mutex
}

// Open prepares an audit log at the given path. An existing file that
// cannot be read fails here rather than on the first Append.
func Open(path string) (*Log, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}
	if _, err := tailHash(path); err != nil {
		return nil, err
	}
	return &Log{path: path}, nil
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Append writes one event to the log with hash chaining. It assigns an
// event ID and timestamp if empty, sets PrevHash, writes the JSON line,
// and syncs before closing the handle.
func (l *Log) Append(ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	prevHash, err := tailHash(l.path)
	if err != nil {
		return err
	}

	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Timestamp == "" {
		ev.Timestamp = time.Now().UTC().Format(TimeFormat)
	}
	ev.PrevHash = prevHash

	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal event: %w", err)
	}

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("audit: open file: %w", err)
	}
	if _, err := f.Write(append(line, '\n')); err != nil {
		f.Close()
		return fmt.Errorf("audit: write event: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("audit: sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("audit: close: %w", err)
	}
	return nil
}

// tailHash returns the hash of the log's last line, or GenesisHash for
// a missing or empty file.
func tailHash(path string) (string, error) {
	last, err := lastLine(path)
	if err != nil {
		return "", err
	}
	if len(last) == 0 {
		return GenesisHash, nil
	}
	return HashLine(last), nil
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// lastLine returns the final line of the file, or nil if the file does
// not exist.
func lastLine(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("audit: read existing log: %w", err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	var last []byte
	for scanner.Scan() {
		last = make([]byte, len(scanner.Bytes()))
		copy(last, scanner.Bytes())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("audit: scan existing log: %w", err)
	}
	return last, nil
}
