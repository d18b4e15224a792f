// Package trigger pre-authorizes phrase-to-mode bindings. The
// administrator signs a trigger once; any caller can later move the
// gate to the bound mode by presenting the phrase, without access to
// the private key or the passphrase.
package trigger

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/ppiankov/trustgate/internal/keys"
)

// Trigger is a signed, immutable phrase-to-mode binding. The signature
// covers the exact canonical concatenation of phrase, mode, created_at,
// and nonce: changing any one field invalidates it.
type Trigger struct {
	Phrase            string `json:"phrase"`
	Mode              string `json:"mode"`
	CreatedAt         string `json:"created_at"` // RFC3339, fixed at sign time
	Nonce             string `json:"nonce"`      // 16 hex chars, fixed at sign time
	Signature         string `json:"signature"`  // base64 ASN.1 ECDSA over SHA-256
	SignerFingerprint string `json:"signer_fingerprint"`
}

// CanonicalMessage rebuilds the exact byte string that was signed,
// from the trigger's own stored fields. CreatedAt and Nonce are reused
// verbatim; they must never be regenerated at verify time.
func (t *Trigger) CanonicalMessage() []byte {
	return []byte(t.Phrase + "|" + t.Mode + "|" + t.CreatedAt + "|" + t.Nonce)
}

// Authority signs and verifies triggers against the gate's keypair.
type Authority struct {
	keys *keys.Manager
}

// NewAuthority creates an Authority bound to the given key manager.
func NewAuthority(km *keys.Manager) *Authority {
	return &Authority{keys: km}
}

// Sign builds and signs a trigger for the given phrase and mode.
// Requires the administrator passphrase; the private key is held in
// memory only for the duration of this call.
func (a *Authority) Sign(phrase, mode, passphrase string) (*Trigger, error) {
	phrase = strings.TrimSpace(phrase)
	if phrase == "" {
		return nil, fmt.Errorf("trigger: phrase must not be empty")
	}

	priv, err := a.keys.LoadPrivate(passphrase)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, 8)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("trigger: generate nonce: %w", err)
	}

	t := &Trigger{
		Phrase:    phrase,
		Mode:      mode,
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Nonce:     hex.EncodeToString(nonce),
	}

	digest := sha256.Sum256(t.CanonicalMessage())
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("trigger: sign: %w", err)
	}
	t.Signature = base64.StdEncoding.EncodeToString(sig)

	fp, err := a.keys.Fingerprint()
	if err != nil {
		return nil, err
	}
	t.SignerFingerprint = fp

	return t, nil
}

// Verify reports whether the trigger's signature is valid under the
// gate's current public key. A fingerprint mismatch fails verification,
// protecting against stale or foreign keys. Every failure mode,
// including a malformed signature or a missing key, normalizes to
// false; this never returns an error to its caller.
func (a *Authority) Verify(t *Trigger) bool {
	if t == nil {
		return false
	}
	fp, err := a.keys.Fingerprint()
	if err != nil || fp != t.SignerFingerprint {
		return false
	}
	pub, err := a.keys.LoadPublic()
	if err != nil {
		return false
	}
	sig, err := base64.StdEncoding.DecodeString(t.Signature)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(t.CanonicalMessage())
	return ecdsa.VerifyASN1(pub, digest[:], sig)
}
