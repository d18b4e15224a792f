package cli

import (
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"testing"

	"github.com/ppiankov/trustgate/internal/audit"
	"github.com/ppiankov/trustgate/internal/config"
	"github.com/ppiankov/trustgate/internal/gate"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/trigger"
)

func TestSplitFields(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"", nil},
		{"  ", nil},
		{"voice", []string{"voice"}},
		{"voice,backstory", []string{"voice", "backstory"}},
		{" voice , backstory ,", []string{"voice", "backstory"}},
		{"*", []string{"*"}},
	}
	for _, tc := range cases {
		if got := splitFields(tc.in); !reflect.DeepEqual(got, tc.want) {
			t.Fatalf("splitFields(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestReadGrantRoundTrip(t *testing.T) {
	payload := []byte(`{"action":"override_edit","fields":["voice"]}`)
	signature := []byte{0x30, 0x45, 0x02, 0x20}

	env, err := json.Marshal(grantEnvelope{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(signature),
	})
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "grant.json")
	if err := os.WriteFile(path, env, 0600); err != nil {
		t.Fatal(err)
	}

	gotPayload, gotSig, err := readGrant(path)
	if err != nil {
		t.Fatal(err)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload round trip mismatch: %s", gotPayload)
	}
	if len(gotSig) != len(signature) {
		t.Fatalf("signature round trip mismatch")
	}
}

// eventSink collects audit events posted by the mirror.
type eventSink struct {
	mu     sync.Mutex
	events []audit.Event
}

func (s *eventSink) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		var batch []audit.Event
		if err := json.Unmarshal(body, &batch); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		s.mu.Lock()
		s.events = append(s.events, batch...)
		s.mu.Unlock()
	}
}

func (s *eventSink) snapshot() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audit.Event(nil), s.events...)
}

// newSinkConfig prepares an initialized gate whose mirror flushes only
// on Stop: the batch size is never reached and the interval never
// elapses during a test, so any event at the sink proves the mirror was
// stopped before the helper returned.
func newSinkConfig(t *testing.T, sinkURL string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	if err := keys.NewManager(dir).Generate("p"); err != nil {
		t.Fatal(err)
	}
	return &config.Config{
		StorageDir:      dir,
		ProtectedFields: []string{"system_prompt"},
		Mirror: config.MirrorConfig{
			SinkURL:       sinkURL,
			BatchSize:     100,
			FlushInterval: "1h",
		},
	}
}

func TestApplyRejectionReachesMirrorBeforeReturn(t *testing.T) {
	sink := &eventSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := newSinkConfig(t, srv.URL)
	applied, reason, _, err := applyPhrase(cfg, "no such phrase")
	if err != nil {
		t.Fatal(err)
	}
	if applied {
		t.Fatal("expected unknown phrase to be rejected")
	}
	if reason == "" {
		t.Fatal("expected a rejection reason")
	}

	// The command layer exits right after applyPhrase returns, so the
	// rejection must already be at the sink here.
	events := sink.snapshot()
	if len(events) != 1 || events[0].Kind != audit.KindTriggerRejected {
		t.Fatalf("expected 1 mirrored rejection event, got %v", events)
	}
}

func TestCheckEditDenialReachesMirrorBeforeReturn(t *testing.T) {
	sink := &eventSink{}
	srv := httptest.NewServer(sink.handler())
	defer srv.Close()

	cfg := newSinkConfig(t, srv.URL)

	// Move the gate to TALK_ONLY so the protected-field policy applies.
	km := keys.NewManager(cfg.StorageDir)
	store, err := trigger.NewStore(cfg.StorageDir)
	if err != nil {
		t.Fatal(err)
	}
	log, err := audit.Open(auditLogPath(cfg))
	if err != nil {
		t.Fatal(err)
	}
	machine, err := gate.NewMachine(cfg.StorageDir, km, trigger.NewAuthority(km), store, log, nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := machine.AdminTransition(gate.TalkOnly, "p"); err != nil {
		t.Fatal(err)
	}

	allowed, rejected, state, err := checkEdit(cfg, []string{"system_prompt"}, nil, nil)
	if err != nil {
		t.Fatal(err)
	}
	if allowed {
		t.Fatal("expected protected-field edit to be denied in TALK_ONLY")
	}
	if state != gate.TalkOnly {
		t.Fatalf("expected TALK_ONLY, got %s", state)
	}
	if len(rejected) != 1 || rejected[0] != "system_prompt" {
		t.Fatalf("expected system_prompt to be rejected, got %v", rejected)
	}

	var found bool
	for _, ev := range sink.snapshot() {
		if ev.Kind == audit.KindEditRejected {
			found = true
		}
	}
	if !found {
		t.Fatal("expected the edit denial to be mirrored before return")
	}
}

func TestReadGrantRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "grant.json")
	if err := os.WriteFile(path, []byte("not json"), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := readGrant(path); err == nil {
		t.Fatal("expected parse error")
	}

	if err := os.WriteFile(path, []byte(`{"payload":"!!!","signature":""}`), 0600); err != nil {
		t.Fatal(err)
	}
	if _, _, err := readGrant(path); err == nil {
		t.Fatal("expected base64 error")
	}
}
