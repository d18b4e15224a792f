package trigger

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// TriggersFile is the registered-trigger list filename inside a gate
// storage directory.
const TriggersFile = "triggers.json"

// Store manages the registered trigger list on disk. The list is
// expected to stay small (tens of entries), so lookups are a linear
// scan over the full file.
type Store struct {
	path string
	mu   sync.Mutex
}

// NewStore creates a Store backed by the given storage directory.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("trigger: create directory: %w", err)
	}
	return &Store{path: filepath.Join(dir, TriggersFile)}, nil
}

// Add appends a trigger to the list and rewrites the file atomically.
func (s *Store) Add(t *Trigger) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read()
	if err != nil {
		return err
	}
	list = append(list, *t)
	return s.writeAtomic(list)
}

// List returns all registered triggers.
func (s *Store) List() ([]Trigger, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// FindForPhrase returns the first trigger whose phrase exactly matches
// the whitespace-trimmed input.
func (s *Store) FindForPhrase(phrase string) (*Trigger, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	list, err := s.read()
	if err != nil {
		return nil, false
	}

	phrase = strings.TrimSpace(phrase)
	for i := range list {
		if strings.TrimSpace(list[i].Phrase) == phrase {
			return &list[i], true
		}
	}
	return nil, false
}

func (s *Store) read() ([]Trigger, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("trigger: read list: %w", err)
	}
	var list []Trigger
	if err := json.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("trigger: parse list: %w", err)
	}
	return list, nil
}

func (s *Store) writeAtomic(list []Trigger) error {
	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return fmt.Errorf("trigger: marshal list: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("trigger: write list: %w", err)
	}
	return os.Rename(tmp, s.path)
}
