// Package gate holds a persona's operating mode and applies
// phrase-triggered or admin-signed transitions under legality rules.
// Every state change is persisted to a durable file and recorded on
// the audit path before callers observe it.
package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Mode is the gate's operating mode.
type Mode string

const (
	// Emergent is the default, unrestricted mode.
	Emergent Mode = "EMERGENT"
	// Locked blocks all persona activity.
	Locked Mode = "LOCKED"
	// TalkOnly restricts edits to non-protected fields.
	TalkOnly Mode = "TALK_ONLY"
	// GracefulShutdown winds the persona down. Reachable by trigger
	// only from TalkOnly; reachable by admin signature from anywhere.
	GracefulShutdown Mode = "GRACEFUL_SHUTDOWN"
)

// StateFile is the durable gate state filename inside a storage
// directory.
const StateFile = "state.json"

// Modes lists every valid operating mode.
func Modes() []Mode {
	return []Mode{Emergent, Locked, TalkOnly, GracefulShutdown}
}

// ParseMode validates a mode string.
func ParseMode(s string) (Mode, error) {
	for _, m := range Modes() {
		if string(m) == s {
			return m, nil
		}
	}
	return "", fmt.Errorf("gate: unknown mode %q", s)
}

// CanTriggerTransition reports whether a phrase-triggered transition
// is legal. Entering GRACEFUL_SHUTDOWN requires the announced-warning
// step: the current state must be exactly TALK_ONLY. Every other
// target is legal from any state. Admin-signed transitions bypass this
// rule entirely.
func CanTriggerTransition(from, to Mode) bool {
	if to == GracefulShutdown {
		return from == TalkOnly
	}
	return true
}

// persistedState is the durable state file shape. Independent process
// instances sharing a storage directory observe the gate only through
// this file; concurrent writers race with last-writer-wins semantics.
type persistedState struct {
	State     Mode   `json:"state"`
	Timestamp string `json:"timestamp"`
}

// writeStateFile overwrites the durable state file atomically.
func writeStateFile(dir string, state Mode) error {
	data, err := json.MarshalIndent(persistedState{
		State:     state,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("gate: marshal state: %w", err)
	}
	path := filepath.Join(dir, StateFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("gate: write state: %w", err)
	}
	return os.Rename(tmp, path)
}

// readStateFile loads the durable state file. Returns Emergent if the
// file does not exist yet.
func readStateFile(dir string) (Mode, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if err != nil {
		if os.IsNotExist(err) {
			return Emergent, nil
		}
		return "", fmt.Errorf("gate: read state: %w", err)
	}
	var ps persistedState
	if err := json.Unmarshal(data, &ps); err != nil {
		return "", fmt.Errorf("gate: parse state: %w", err)
	}
	if _, err := ParseMode(string(ps.State)); err != nil {
		return "", err
	}
	return ps.State, nil
}
