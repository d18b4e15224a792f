// Package keys manages the gate's administrator keypair.
// One P-256 keypair per gate. The private key never touches disk in
// cleartext: it is marshaled to PKCS#8 and sealed with an age scrypt
// recipient derived from the administrator passphrase. The public key
// is stored as cleartext PKIX PEM and is safe to share across
// cooperating processes.
package keys

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"filippo.io/age"
)

const (
	// PrivateKeyFile is the encrypted private key filename inside a
	// gate storage directory.
	PrivateKeyFile = "private_key.pem"
	// PublicKeyFile is the cleartext public key filename.
	PublicKeyFile = "public_key.pem"

	privatePEMType = "ENCRYPTED TRUSTGATE PRIVATE KEY"
	publicPEMType  = "PUBLIC KEY"
)

// ErrKeyExists is returned by Generate when a private key already
// exists at the target path. A gate's identity key is generated
// exactly once; there is no silent overwrite.
var ErrKeyExists = errors.New("keys: private key already exists")

// Manager owns the key files inside one gate storage directory.
// It holds no key material itself: private key bytes live in memory
// only for the duration of a single sign or load call.
type Manager struct {
	dir string
}

// NewManager creates a Manager rooted at the given storage directory.
func NewManager(dir string) *Manager {
	return &Manager{dir: dir}
}

// PrivatePath returns the path of the encrypted private key file.
func (m *Manager) PrivatePath() string {
	return filepath.Join(m.dir, PrivateKeyFile)
}

// PublicPath returns the path of the cleartext public key file.
func (m *Manager) PublicPath() string {
	return filepath.Join(m.dir, PublicKeyFile)
}

// Generate creates a new P-256 keypair. The private key is written
// encrypted under the passphrase with mode 0600; the public key is
// written cleartext. Returns ErrKeyExists if a private key is already
// present.
func (m *Manager) Generate(passphrase string) error {
	if _, err := os.Stat(m.PrivatePath()); err == nil {
		return ErrKeyExists
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("keys: stat private key: %w", err)
	}
	if err := os.MkdirAll(m.dir, 0700); err != nil {
		return fmt.Errorf("keys: create directory: %w", err)
	}

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return fmt.Errorf("keys: generate keypair: %w", err)
	}

	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return fmt.Errorf("keys: marshal private key: %w", err)
	}
	sealed, err := seal(der, passphrase)
	zero(der)
	if err != nil {
		return fmt.Errorf("keys: encrypt private key: %w", err)
	}
	privPEM := pem.EncodeToMemory(&pem.Block{Type: privatePEMType, Bytes: sealed})
	if err := os.WriteFile(m.PrivatePath(), privPEM, 0600); err != nil {
		return fmt.Errorf("keys: write private key: %w", err)
	}

	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return fmt.Errorf("keys: marshal public key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: publicPEMType, Bytes: pubDER})
	if err := os.WriteFile(m.PublicPath(), pubPEM, 0644); err != nil {
		return fmt.Errorf("keys: write public key: %w", err)
	}

	return nil
}

// LoadPrivate decrypts and parses the private key. A wrong passphrase
// is a hard error of this call; the caller decides whether to prompt
// again.
func (m *Manager) LoadPrivate(passphrase string) (*ecdsa.PrivateKey, error) {
	data, err := os.ReadFile(m.PrivatePath())
	if err != nil {
		return nil, fmt.Errorf("keys: read private key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != privatePEMType {
		return nil, fmt.Errorf("keys: malformed private key file %s", m.PrivatePath())
	}

	der, err := open(block.Bytes, passphrase)
	if err != nil {
		return nil, fmt.Errorf("keys: decrypt private key: %w", err)
	}
	defer zero(der)

	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	priv, ok := parsed.(*ecdsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("keys: private key is not ECDSA")
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("keys: private key is not P-256")
	}
	return priv, nil
}

// LoadPublic reads and parses the cleartext public key.
func (m *Manager) LoadPublic() (*ecdsa.PublicKey, error) {
	der, err := m.PublicKeyDER()
	if err != nil {
		return nil, err
	}
	parsed, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("keys: parse public key: %w", err)
	}
	pub, ok := parsed.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("keys: public key is not ECDSA")
	}
	return pub, nil
}

// PublicKeyDER returns the serialized (PKIX DER) public key bytes.
// These are the bytes the fingerprint is computed over.
func (m *Manager) PublicKeyDER() ([]byte, error) {
	data, err := os.ReadFile(m.PublicPath())
	if err != nil {
		return nil, fmt.Errorf("keys: read public key: %w", err)
	}
	block, _ := pem.Decode(data)
	if block == nil || block.Type != publicPEMType {
		return nil, fmt.Errorf("keys: malformed public key file %s", m.PublicPath())
	}
	return block.Bytes, nil
}

// Fingerprint returns the fingerprint of the gate's current public key.
func (m *Manager) Fingerprint() (string, error) {
	der, err := m.PublicKeyDER()
	if err != nil {
		return "", err
	}
	return Fingerprint(der), nil
}

// Fingerprint returns "sha256:<hex>" over serialized public key bytes.
// It binds triggers and signatures to a specific key without embedding
// the key itself in every record.
func Fingerprint(pubDER []byte) string {
	h := sha256.Sum256(pubDER)
	return "sha256:" + hex.EncodeToString(h[:])
}

// seal encrypts plaintext with an age scrypt recipient derived from
// the passphrase.
func seal(plaintext []byte, passphrase string) ([]byte, error) {
	recipient, err := age.NewScryptRecipient(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create scrypt recipient: %w", err)
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipient)
	if err != nil {
		return nil, fmt.Errorf("create encryptor: %w", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return nil, fmt.Errorf("write plaintext: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("finalize encryption: %w", err)
	}
	return buf.Bytes(), nil
}

// open decrypts ciphertext produced by seal. Fails on a wrong
// passphrase.
func open(ciphertext []byte, passphrase string) ([]byte, error) {
	identity, err := age.NewScryptIdentity(passphrase)
	if err != nil {
		return nil, fmt.Errorf("create scrypt identity: %w", err)
	}
	r, err := age.Decrypt(bytes.NewReader(ciphertext), identity)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
