package override

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// TrailFile is the override debug trail filename inside a gate storage
// directory.
const TrailFile = "override_trail.jsonl"

// Trail is an ad-hoc debug record of override verification attempts.
// It exists for forensic reconstruction, not enforcement: writes are
// best-effort and failures never affect the verification outcome.
type Trail struct {
	path string
	mu   sync.Mutex
}

// NewTrail creates a Trail inside the given storage directory.
func NewTrail(dir string) *Trail {
	return &Trail{path: filepath.Join(dir, TrailFile)}
}

type trailEntry struct {
	Timestamp string   `json:"ts"`
	Outcome   string   `json:"outcome"`
	Fields    []string `json:"fields,omitempty"`
	Reason    string   `json:"reason,omitempty"`
}

// Write appends one attempt record. Errors go to stderr only.
func (t *Trail) Write(outcome string, fields []string, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	line, err := json.Marshal(trailEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Outcome:   outcome,
		Fields:    fields,
		Reason:    reason,
	})
	if err != nil {
		return
	}

	f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		fmt.Fprintf(os.Stderr, "override: open trail: %v\n", err)
		return
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "override: write trail: %v\n", err)
	}
}
