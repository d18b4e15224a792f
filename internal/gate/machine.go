package gate

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/ppiankov/trustgate/internal/audit"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/mirror"
	"github.com/ppiankov/trustgate/internal/trigger"
)

// adminAction is the sentinel action in an admin-signed transition
// payload.
const adminAction = "admin_signed_transition"

// adminPayload is the payload signed for an admin-forced transition.
type adminPayload struct {
	Action    string `json:"action"`
	NewState  string `json:"new_state"`
	Timestamp string `json:"timestamp"`
	Nonce     string `json:"nonce"`
}

// Machine is the gate state machine. In-memory state is protected by a
// mutex serializing concurrent transitions within one process; the
// durable state file provides last-writer-wins visibility across
// processes. Instantiate one Machine per gate storage directory. There
// is no process-wide singleton, so tests can run isolated gates.
type Machine struct {
	dir       string
	keys      *keys.Manager
	authority *trigger.Authority
	store     *trigger.Store
	log       *audit.Log
	mirror    *mirror.Mirror // optional

	mu        sync.Mutex
	state     Mode
	callbacks []func()
}

// NewMachine loads (or initializes) the gate state for a storage
// directory. The mirror may be nil when no remote sink is configured.
func NewMachine(dir string, km *keys.Manager, authority *trigger.Authority, store *trigger.Store, log *audit.Log, m *mirror.Mirror) (*Machine, error) {
	state, err := readStateFile(dir)
	if err != nil {
		return nil, err
	}
	return &Machine{
		dir:       dir,
		keys:      km,
		authority: authority,
		store:     store,
		log:       log,
		mirror:    m,
		state:     state,
	}, nil
}

// State returns the current operating mode under the same lock used
// for mutation.
func (m *Machine) State() Mode {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnShutdown registers a callback invoked synchronously, in
// registration order, whenever the gate enters GRACEFUL_SHUTDOWN.
func (m *Machine) OnShutdown(fn func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, fn)
}

// ApplyTrigger looks up a registered trigger for the phrase and, if
// its signature verifies and the transition is legal, commits the mode
// change. All failures are routine authorization outcomes: they return
// applied=false with a reason, never an error, and leave state
// unchanged. Every rejection is audited.
func (m *Machine) ApplyTrigger(phrase string) (applied bool, reason string) {
	trig, ok := m.store.FindForPhrase(phrase)
	if !ok {
		m.recordRejection(phrase, "no trigger registered for phrase")
		return false, "no trigger registered for phrase"
	}
	if !m.authority.Verify(trig) {
		m.recordRejection(phrase, "trigger signature invalid")
		return false, "trigger signature invalid"
	}
	target, err := ParseMode(trig.Mode)
	if err != nil {
		m.recordRejection(phrase, "trigger carries unknown mode")
		return false, "trigger carries unknown mode"
	}

	m.mu.Lock()
	prev := m.state
	if !CanTriggerTransition(prev, target) {
		m.mu.Unlock()
		reason := fmt.Sprintf("transition %s -> %s requires current state %s", prev, target, TalkOnly)
		m.recordRejection(phrase, reason)
		return false, reason
	}
	ev := m.commitLocked(target, "trigger:"+trig.Phrase, trig.Signature)
	m.mu.Unlock()

	m.afterCommit(ev, target)
	return true, ""
}

// AdminTransition lets the holder of the private key force any
// transition directly, bypassing the TALK_ONLY precondition for
// GRACEFUL_SHUTDOWN. This is the designated emergency path. A wrong
// passphrase is a hard error of this call.
func (m *Machine) AdminTransition(target Mode, passphrase string) error {
	if _, err := ParseMode(string(target)); err != nil {
		return err
	}
	priv, err := m.keys.LoadPrivate(passphrase)
	if err != nil {
		return err
	}

	sig, err := signAdminPayload(priv, target)
	if err != nil {
		return err
	}

	m.mu.Lock()
	ev := m.commitLocked(target, "admin_signed_transition", sig)
	m.mu.Unlock()

	m.afterCommit(ev, target)
	return nil
}

// ReloadState refreshes in-memory state from the durable state file.
// Used by the watcher when another process sharing the storage
// directory commits a transition. The external writer already audited
// the change, so no event is recorded here.
func (m *Machine) ReloadState() error {
	state, err := readStateFile(m.dir)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.state = state
	m.mu.Unlock()
	return nil
}

// commitLocked performs the strictly ordered transition sequence:
// mutate in-memory state, append the local audit event, overwrite the
// durable state file. Must be called with the machine lock held.
func (m *Machine) commitLocked(target Mode, cause, signature string) audit.Event {
	prev := m.state
	m.state = target

	ev := audit.Event{
		Kind:      audit.KindTransition,
		PrevState: string(prev),
		NewState:  string(target),
		Cause:     cause,
		Signature: signature,
	}
	if err := m.log.Append(ev); err != nil {
		fmt.Fprintf(os.Stderr, "gate: audit append failed: %v\n", err)
	}
	if err := writeStateFile(m.dir, target); err != nil {
		fmt.Fprintf(os.Stderr, "gate: persist state failed: %v\n", err)
	}
	return ev
}

// afterCommit runs the best-effort tail of a transition: mirror
// forwarding and shutdown callbacks. Failures here never roll back or
// retry the already-committed local transition.
func (m *Machine) afterCommit(ev audit.Event, target Mode) {
	if m.mirror != nil {
		m.mirror.Log(ev)
	}
	if target == GracefulShutdown {
		m.runShutdownCallbacks()
	}
}

// runShutdownCallbacks invokes every registered callback in
// registration order. A panic in one callback is recovered and audited
// and does not prevent the remaining callbacks from running.
func (m *Machine) runShutdownCallbacks() {
	m.mu.Lock()
	callbacks := make([]func(), len(m.callbacks))
	copy(callbacks, m.callbacks)
	m.mu.Unlock()

	for i, cb := range callbacks {
		func() {
			defer func() {
				if r := recover(); r != nil {
					fmt.Fprintf(os.Stderr, "gate: shutdown callback %d panicked: %v\n", i, r)
					m.record(audit.Event{
						Kind:   audit.KindShutdownCallback,
						Reason: fmt.Sprintf("callback %d: %v", i, r),
					})
				}
			}()
			cb()
		}()
	}
}

func (m *Machine) recordRejection(phrase, reason string) {
	m.record(audit.Event{
		Kind:   audit.KindTriggerRejected,
		Cause:  "trigger:" + phrase,
		Reason: reason,
	})
}

func (m *Machine) record(ev audit.Event) {
	if err := m.log.Append(ev); err != nil {
		fmt.Fprintf(os.Stderr, "gate: audit append failed: %v\n", err)
	}
	if m.mirror != nil {
		m.mirror.Log(ev)
	}
}

// signAdminPayload signs the admin transition payload and returns the
// base64 signature.
func signAdminPayload(priv *ecdsa.PrivateKey, target Mode) (string, error) {
	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("gate: generate nonce: %w", err)
	}
	payload, err := json.Marshal(adminPayload{
		Action:    adminAction,
		NewState:  string(target),
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Nonce:     hex.EncodeToString(nonce),
	})
	if err != nil {
		return "", fmt.Errorf("gate: marshal admin payload: %w", err)
	}
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return "", fmt.Errorf("gate: sign admin payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}
