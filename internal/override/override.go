// Package override verifies short-lived, field-scoped administrator
// exceptions. A verified override lets one edit bypass TALK_ONLY
// restrictions without changing the gate's mode. Overrides are
// transient: verified once per use, never stored as a standing
// credential.
package override

import (
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/ppiankov/trustgate/internal/audit"
	"github.com/ppiankov/trustgate/internal/gate"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/mirror"
)

// RequiredAction is the sentinel every override payload must carry.
const RequiredAction = "override_edit"

// Payload is the signed override request. The signature is verified
// over the raw payload bytes exactly as presented by the caller.
type Payload struct {
	Action string   `json:"action"`
	Fields []string `json:"fields"`
	Exp    *Expiry  `json:"exp,omitempty"`
	Nonce  string   `json:"nonce,omitempty"`
}

// Covers reports whether the override's field scope includes every
// requested field. A "*" entry covers everything.
func (p *Payload) Covers(requested []string) bool {
	scope := make(map[string]bool, len(p.Fields))
	for _, f := range p.Fields {
		if f == "*" {
			return true
		}
		scope[f] = true
	}
	for _, f := range requested {
		if !scope[f] {
			return false
		}
	}
	return true
}

// Expiry accepts either epoch seconds (JSON number) or an RFC3339
// timestamp string. Both forms must be supported.
type Expiry struct {
	t time.Time
}

// Time returns the expiry instant.
func (e *Expiry) Time() time.Time { return e.t }

// NewExpiry wraps a time as an Expiry.
func NewExpiry(t time.Time) *Expiry { return &Expiry{t: t.UTC()} }

// UnmarshalJSON parses the two accepted expiry encodings.
func (e *Expiry) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return fmt.Errorf("override: parse exp timestamp: %w", err)
		}
		e.t = parsed
		return nil
	}

	secs, err := strconv.ParseFloat(string(data), 64)
	if err != nil {
		return fmt.Errorf("override: exp must be epoch seconds or RFC3339 string")
	}
	e.t = time.Unix(int64(secs), 0).UTC()
	return nil
}

// MarshalJSON emits epoch seconds.
func (e *Expiry) MarshalJSON() ([]byte, error) {
	return json.Marshal(e.t.Unix())
}

// Verifier checks override payloads against the gate's public key.
type Verifier struct {
	keys   *keys.Manager
	trail  *Trail         // optional debug trail
	log    *audit.Log     // optional
	mirror *mirror.Mirror // optional
	now    func() time.Time
}

// NewVerifier creates a Verifier. Trail, log, and mirror may be nil.
func NewVerifier(km *keys.Manager, trail *Trail, log *audit.Log, m *mirror.Mirror) *Verifier {
	return &Verifier{keys: km, trail: trail, log: log, mirror: m, now: time.Now}
}

// VerifyOverride verifies the ECDSA signature over the raw payload
// bytes, then checks the payload's shape and expiry. Every failure
// yields (nil, false): the reason is distinguishable only in the debug
// trail and the audit log, never via a different return type, so
// callers cannot branch on the failure mode to bypass a denial.
// A successful verification is itself recorded as override usage.
func (v *Verifier) VerifyOverride(payloadBytes, signature []byte) (*Payload, bool) {
	deny := func(reason string) (*Payload, bool) {
		v.record(audit.KindOverrideDenied, nil, reason)
		return nil, false
	}

	pub, err := v.keys.LoadPublic()
	if err != nil {
		return deny("public key unavailable")
	}

	digest := sha256.Sum256(payloadBytes)
	if !ecdsa.VerifyASN1(pub, digest[:], signature) {
		return deny("signature invalid")
	}

	var p Payload
	if err := json.Unmarshal(payloadBytes, &p); err != nil {
		return deny("malformed payload")
	}
	if p.Action != RequiredAction {
		return deny(fmt.Sprintf("action %q is not %q", p.Action, RequiredAction))
	}
	if p.Exp != nil && !p.Exp.Time().After(v.now()) {
		return deny("override expired")
	}

	v.record(audit.KindOverrideUsed, p.Fields, "")
	return &p, true
}

// CheckEditFields applies the TALK_ONLY edit policy. Outside TALK_ONLY
// every edit is allowed. Inside TALK_ONLY an empty field list (a bulk
// or whole-object edit) is fully denied: an unspecified field list
// cannot be checked against the protected set, so the gate fails
// closed. Otherwise only the subset intersecting protected fields is
// rejected.
func CheckEditFields(requested []string, state gate.Mode, protected []string) (allowed bool, rejected []string) {
	if state != gate.TalkOnly {
		return true, nil
	}
	if len(requested) == 0 {
		return false, nil
	}

	protectedSet := make(map[string]bool, len(protected))
	for _, f := range protected {
		protectedSet[f] = true
	}
	for _, f := range requested {
		if protectedSet[f] {
			rejected = append(rejected, f)
		}
	}
	return len(rejected) == 0, rejected
}

// AuthorizeEdit composes VerifyOverride and CheckEditFields for one
// edit attempt. A verified override whose fields contain "*" or a
// superset of the requested fields bypasses the field policy entirely
// for this one call. Denials are audited with the requested fields.
func (v *Verifier) AuthorizeEdit(requested []string, state gate.Mode, protected []string, payloadBytes, signature []byte) (allowed bool, rejected []string) {
	if len(payloadBytes) > 0 {
		if p, ok := v.VerifyOverride(payloadBytes, signature); ok {
			if p.Covers(requested) {
				return true, nil
			}
			v.record(audit.KindOverrideDenied, requested, "override scope does not cover requested fields")
		}
	}

	allowed, rejected = CheckEditFields(requested, state, protected)
	if !allowed {
		reason := "protected fields edited in TALK_ONLY"
		if len(requested) == 0 {
			reason = "bulk edit denied in TALK_ONLY"
		}
		v.record(audit.KindEditRejected, requested, reason)
	}
	return allowed, rejected
}

func (v *Verifier) record(kind string, fields []string, reason string) {
	if v.trail != nil {
		v.trail.Write(kind, fields, reason)
	}
	ev := audit.Event{Kind: kind, Fields: fields, Reason: reason}
	if v.log != nil {
		if err := v.log.Append(ev); err != nil {
			// Best-effort: the denial itself already took effect.
			return
		}
	}
	if v.mirror != nil {
		v.mirror.Log(ev)
	}
}
