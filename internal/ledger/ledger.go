// Package ledger protects security-sensitive artifacts from undetected
// modification. Sign records a SHA-256 digest over the artifact's full
// byte content in a sidecar record; Verify recomputes it. Any byte
// change, including whitespace-only edits, invalidates the match
// because the whole stream is hashed, not a structural diff.
//
// The ledger is enforced by call-site discipline: loading an artifact
// without BootWithVerification defeats the guarantee.
package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/ppiankov/trustgate/internal/audit"
)

// ErrIntegrityViolation is returned by strict verification on any hash
// mismatch. Callers must treat it as fatal and refuse to boot.
var ErrIntegrityViolation = errors.New("ledger: artifact integrity violation")

// TamperLogDir is the directory where tamper events are written.
// Empty disables the tamper log. Override for testing.
var TamperLogDir = ""

// SignatureRecord is the sidecar integrity record for one artifact
// version.
type SignatureRecord struct {
	ArtifactName  string            `json:"artifact_name"`
	HashAlgorithm string            `json:"hash_algorithm"`
	HashValue     string            `json:"hash_value"`
	FileSize      int64             `json:"file_size"`
	SignedAt      string            `json:"signed_at"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// TamperEvent records an artifact integrity violation.
type TamperEvent struct {
	Timestamp    string `json:"timestamp"`
	Artifact     string `json:"artifact"`
	ExpectedHash string `json:"expected_hash"`
	ActualHash   string `json:"actual_hash"`
	Hostname     string `json:"hostname"`
	Type         string `json:"type"`
}

// SidecarPath returns the conventional signature record path for an
// artifact.
func SidecarPath(artifactPath string) string {
	return artifactPath + ".sig.json"
}

// Sign reads the artifact's full byte content, computes SHA-256, and
// writes the sidecar record. Fails if the artifact does not exist.
func Sign(artifactPath string, metadata map[string]string) (*SignatureRecord, error) {
	info, err := os.Stat(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: artifact not found: %w", err)
	}

	hash, err := hashFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: hash artifact: %w", err)
	}

	record := &SignatureRecord{
		ArtifactName:  filepath.Base(artifactPath),
		HashAlgorithm: "sha256",
		HashValue:     hash,
		FileSize:      info.Size(),
		SignedAt:      time.Now().UTC().Format(time.RFC3339),
		Metadata:      metadata,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("ledger: marshal record: %w", err)
	}
	if err := os.WriteFile(SidecarPath(artifactPath), data, 0644); err != nil {
		return nil, fmt.Errorf("ledger: write record: %w", err)
	}

	return record, nil
}

// ReadRecord loads a signature record from a sidecar file.
func ReadRecord(sigPath string) (*SignatureRecord, error) {
	data, err := os.ReadFile(sigPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: read record: %w", err)
	}
	var record SignatureRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return nil, fmt.Errorf("ledger: parse record: %w", err)
	}
	return &record, nil
}

// Verify recomputes the digest over the artifact's current full byte
// content and compares it to the stored hash. On mismatch: strict mode
// writes a tamper event and returns ErrIntegrityViolation, which the
// caller must treat as fatal; non-strict mode returns (false, nil).
func Verify(artifactPath, sigPath string, strict bool) (bool, error) {
	record, err := ReadRecord(sigPath)
	if err != nil {
		return false, err
	}
	if record.HashAlgorithm != "sha256" {
		return false, fmt.Errorf("ledger: unsupported hash algorithm %q", record.HashAlgorithm)
	}

	actual, err := hashFile(artifactPath)
	if err != nil {
		return false, fmt.Errorf("ledger: hash artifact: %w", err)
	}

	if actual == record.HashValue {
		return true, nil
	}

	if strict {
		writeTamperEvent(TamperEvent{
			Timestamp:    time.Now().UTC().Format(time.RFC3339),
			Artifact:     artifactPath,
			ExpectedHash: record.HashValue,
			ActualHash:   actual,
			Type:         audit.KindArtifactTamper,
		})
		return false, fmt.Errorf("%w: expected %s, got %s", ErrIntegrityViolation, record.HashValue, actual)
	}
	return false, nil
}

// BootWithVerification is the sanctioned path for loading a
// security-sensitive artifact at process start: strict verification
// followed by the read. Returns the artifact bytes only if the stored
// hash matches.
func BootWithVerification(artifactPath, sigPath string) ([]byte, error) {
	ok, err := Verify(artifactPath, sigPath, true)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Unreachable: strict Verify errors on mismatch. Kept so a
		// future non-erroring path cannot slip a tampered load through.
		return nil, ErrIntegrityViolation
	}
	data, err := os.ReadFile(artifactPath)
	if err != nil {
		return nil, fmt.Errorf("ledger: read artifact: %w", err)
	}
	return data, nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// writeTamperEvent appends a tamper event to the tamper log and prints
// to stderr. Best-effort: the violation is already fatal via the
// returned error.
func writeTamperEvent(event TamperEvent) {
	event.Hostname, _ = os.Hostname()

	line, err := json.Marshal(event)
	if err != nil {
		return
	}

	fmt.Fprintf(os.Stderr, "TAMPER ALERT: %s\n", string(line))

	if TamperLogDir == "" {
		return
	}
	logPath := filepath.Join(TamperLogDir, "tamper.jsonl")
	if err := os.MkdirAll(TamperLogDir, 0700); err != nil {
		return
	}
	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return
	}
	f.Write(append(line, '\n'))
	f.Sync()
	f.Close()
}
