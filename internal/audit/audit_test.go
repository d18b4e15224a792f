package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "events.jsonl")
	l, err := Open(path)
	if err != nil {
		t.Fatalf("failed to open audit log: %v", err)
	}
	return l, path
}

func testEvent(kind string) Event {
	return Event{
		Kind:      kind,
		PrevState: "EMERGENT",
		NewState:  "TALK_ONLY",
		Cause:     "trigger:shh",
		Reason:    "test reason",
	}
}

func TestSequentialWritesProduceValidChain(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 5; i++ {
		if err := l.Append(testEvent(KindTransition)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyDetectsTamperedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(testEvent(KindTransition)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	// Tamper: change kind in line 2
	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	lines[1] = strings.Replace(lines[1], `"transition"`, `"edit_rejected"`, 1)
	os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected tampered chain to be invalid")
	}
	if result.ErrorLine != 3 {
		t.Fatalf("expected error at line 3, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsDeletedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(testEvent(KindTransition)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	remaining := []string{lines[0], lines[2]}
	os.WriteFile(path, []byte(strings.Join(remaining, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with deleted entry to be invalid")
	}
	if result.ErrorLine != 2 {
		t.Fatalf("expected error at line 2, got line %d", result.ErrorLine)
	}
}

func TestVerifyDetectsInsertedEntry(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 3; i++ {
		if err := l.Append(testEvent(KindTransition)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}

	data, _ := os.ReadFile(path)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	fake := testEvent(KindOverrideUsed)
	fake.ID = "fake"
	fake.Timestamp = time.Now().UTC().Format(TimeFormat)
	fake.PrevHash = "sha256:fake"
	fakeJSON, _ := json.Marshal(fake)
	inserted := []string{lines[0], string(fakeJSON), lines[1], lines[2]}
	os.WriteFile(path, []byte(strings.Join(inserted, "\n")+"\n"), 0644)

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected chain with inserted entry to be invalid")
	}
}

func TestEmptyLogPassesVerification(t *testing.T) {
	path := filepath.Join(t.TempDir(), "empty.jsonl")
	os.WriteFile(path, []byte{}, 0644)

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected empty log to be valid, got: %s", result.Error)
	}
	if result.Lines != 0 {
		t.Fatalf("expected 0 lines, got %d", result.Lines)
	}
}

func TestConcurrentWritesSerializeCorrectly(t *testing.T) {
	l, path := newTestLog(t)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			l.Append(testEvent(KindTransition))
		}()
	}
	wg.Wait()

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after concurrent writes, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 100 {
		t.Fatalf("expected 100 lines, got %d", result.Lines)
	}
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	l, path := newTestLog(t)
	if err := l.Append(testEvent(KindTransition)); err != nil {
		t.Fatal(err)
	}

	data, _ := os.ReadFile(path)
	var ev Event
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &ev); err != nil {
		t.Fatal(err)
	}
	if ev.ID == "" {
		t.Fatal("expected event ID to be assigned")
	}
	if ev.Timestamp == "" {
		t.Fatal("expected timestamp to be assigned")
	}
	if ev.PrevHash != GenesisHash {
		t.Fatalf("expected genesis hash %s, got %s", GenesisHash, ev.PrevHash)
	}
}

func TestOpenExistingLogContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reopen.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 3; i++ {
		l1.Append(testEvent(KindTransition))
	}

	// A second Log instance pointed at the same file continues the chain.
	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		l2.Append(testEvent(KindOverrideDenied))
	}

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected valid chain after reopen, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 5 {
		t.Fatalf("expected 5 lines, got %d", result.Lines)
	}
}

func TestVerifyRequiresGenesisStart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "forged.jsonl")

	// A log whose first entry claims a non-genesis prev_hash is forged
	// or truncated at the head.
	ev := testEvent(KindTransition)
	ev.ID = "forged"
	ev.Timestamp = time.Now().UTC().Format(TimeFormat)
	ev.PrevHash = "sha256:1111111111111111111111111111111111111111111111111111111111111111"
	line, err := json.Marshal(ev)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, append(line, '\n'), 0600); err != nil {
		t.Fatal(err)
	}

	result := Verify(path)
	if result.Valid {
		t.Fatal("expected non-genesis first entry to be invalid")
	}
	if result.ErrorLine != 1 {
		t.Fatalf("expected error at line 1, got line %d", result.ErrorLine)
	}
}

func TestInterleavedWritersShareOneChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "shared.jsonl")

	l1, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	l2, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	// Two live Log instances alternating on the same file must extend
	// one chain, not fork it from each instance's view of the tail.
	for i := 0; i < 3; i++ {
		if err := l1.Append(testEvent(KindTransition)); err != nil {
			t.Fatalf("writer 1 append %d: %v", i, err)
		}
		if err := l2.Append(testEvent(KindOverrideDenied)); err != nil {
			t.Fatalf("writer 2 append %d: %v", i, err)
		}
	}

	result := Verify(path)
	if !result.Valid {
		t.Fatalf("expected one shared chain, got error at line %d: %s", result.ErrorLine, result.Error)
	}
	if result.Lines != 6 {
		t.Fatalf("expected 6 lines, got %d", result.Lines)
	}
}

func TestHashLineIsDeterministic(t *testing.T) {
	line := []byte(`{"id":"x","ts":"2026-01-15T10:30:00.000Z","kind":"transition","prev_hash":"sha256:def"}`)
	h1 := HashLine(line)
	h2 := HashLine(line)
	if h1 != h2 {
		t.Fatalf("expected same hash, got %s and %s", h1, h2)
	}
	if !strings.HasPrefix(h1, "sha256:") {
		t.Fatalf("expected sha256: prefix, got %s", h1)
	}
	if len(h1) != 7+64 {
		t.Fatalf("expected 71 char hash string, got %d", len(h1))
	}
}

func TestIndexAndQuery(t *testing.T) {
	l, path := newTestLog(t)

	for i := 0; i < 4; i++ {
		if err := l.Append(testEvent(KindTransition)); err != nil {
			t.Fatal(err)
		}
	}
	denied := testEvent(KindOverrideDenied)
	denied.Fields = []string{"system_prompt"}
	if err := l.Append(denied); err != nil {
		t.Fatal(err)
	}

	dbPath := filepath.Join(t.TempDir(), "index.db")
	lines, err := BuildIndex(path, dbPath)
	if err != nil {
		t.Fatalf("build index: %v", err)
	}
	if lines != 5 {
		t.Fatalf("expected 5 ingested lines, got %d", lines)
	}

	events, err := Query(dbPath, QueryFilter{Kind: KindOverrideDenied})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(events) != 1 {
		t.Fatalf("expected 1 override_denied event, got %d", len(events))
	}
	if len(events[0].Fields) != 1 || events[0].Fields[0] != "system_prompt" {
		t.Fatalf("expected requested fields to survive the index round trip, got %v", events[0].Fields)
	}

	// Re-ingest is idempotent.
	if _, err := BuildIndex(path, dbPath); err != nil {
		t.Fatalf("re-ingest: %v", err)
	}
	all, err := Query(dbPath, QueryFilter{})
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 5 {
		t.Fatalf("expected 5 events after re-ingest, got %d", len(all))
	}

	limited, err := Query(dbPath, QueryFilter{Limit: 2})
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 events with limit, got %d", len(limited))
	}
}
