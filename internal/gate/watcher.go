package gate

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher refreshes a Machine's in-memory state when another process
// sharing the storage directory overwrites the durable state file.
// This narrows, but does not eliminate, the cross-process race: the
// design accepts last-writer-wins given the single-administrator
// assumption.
type Watcher struct {
	watcher *fsnotify.Watcher
	machine *Machine
	dir     string
}

// NewWatcher creates a file watcher for the machine's storage
// directory. The directory is watched (not the file) so atomic
// rename-over writes are observed.
func NewWatcher(m *Machine) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("gate: create file watcher: %w", err)
	}
	if err := watcher.Add(m.dir); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("gate: watch %q: %w", m.dir, err)
	}
	return &Watcher{watcher: watcher, machine: m, dir: m.dir}, nil
}

// Run watches for state file changes and reloads gate state. Blocks
// until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	statePath := filepath.Join(w.dir, StateFile)

	// Debounce: wait 100ms after the last write before reloading
	var debounce *time.Timer

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != statePath {
				continue
			}
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(100*time.Millisecond, func() {
					if err := w.machine.ReloadState(); err != nil {
						fmt.Fprintf(os.Stderr, "gate: state reload failed: %v\n", err)
					}
				})
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			fmt.Fprintf(os.Stderr, "gate: file watcher error: %v\n", err)
		}
	}
}
