package cli

import (
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/audit"
	"github.com/ppiankov/trustgate/internal/config"
	"github.com/ppiankov/trustgate/internal/gate"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/override"
	"github.com/ppiankov/trustgate/internal/trigger"
)

var (
	overrideFields string
	overrideTTL    time.Duration

	checkEditFields string
	checkEditGrant  string
)

func init() {
	overrideSignCmd.Flags().StringVar(&overrideFields, "fields", "", "Comma-separated fields the override covers, or * for all")
	overrideSignCmd.Flags().DurationVar(&overrideTTL, "ttl", 15*time.Minute, "How long the override stays valid")
	overrideCmd.AddCommand(overrideSignCmd)
	rootCmd.AddCommand(overrideCmd)

	checkEditCmd.Flags().StringVar(&checkEditFields, "fields", "", "Comma-separated fields the edit touches; empty means a bulk edit")
	checkEditCmd.Flags().StringVar(&checkEditGrant, "grant", "", "Path to a signed override grant file")
	rootCmd.AddCommand(checkEditCmd)
}

var overrideCmd = &cobra.Command{
	Use:   "override",
	Short: "Manage signed edit overrides",
}

var overrideSignCmd = &cobra.Command{
	Use:   "sign",
	Short: "Sign a short-lived, field-scoped edit override",
	Long: `Produces a signed override grant that lets one edit bypass TALK_ONLY
field restrictions. The grant is a JSON envelope holding the signed
payload and its signature; pass it to check-edit via --grant.

Grants expire. They are verified per use and never stored by the gate.`,
	Args: cobra.NoArgs,
	RunE: runOverrideSign,
}

var checkEditCmd = &cobra.Command{
	Use:   "check-edit",
	Short: "Check whether a persona edit is allowed in the current mode",
	Long: `Applies the TALK_ONLY edit policy to the given field list, honoring an
optional override grant. Exits 0 if the edit is allowed, 1 if any part
of it is rejected.`,
	Args: cobra.NoArgs,
	RunE: runCheckEdit,
}

// grantEnvelope is the on-disk form of a signed override: the exact
// payload bytes that were signed plus the signature, both base64.
type grantEnvelope struct {
	Payload   string `json:"payload"`
	Signature string `json:"signature"`
}

func splitFields(s string) []string {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	var out []string
	for _, f := range strings.Split(s, ",") {
		if f = strings.TrimSpace(f); f != "" {
			out = append(out, f)
		}
	}
	return out
}

func runOverrideSign(cmd *cobra.Command, args []string) error {
	fields := splitFields(overrideFields)
	if len(fields) == 0 {
		return fmt.Errorf("--fields is required; use * to cover everything")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase("Admin passphrase")
	if err != nil {
		return err
	}

	km := keys.NewManager(cfg.StorageDir)
	priv, err := km.LoadPrivate(passphrase)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(override.Payload{
		Action: override.RequiredAction,
		Fields: fields,
		Exp:    override.NewExpiry(time.Now().Add(overrideTTL)),
	})
	if err != nil {
		return err
	}
	digest := sha256.Sum256(payload)
	sig, err := ecdsa.SignASN1(rand.Reader, priv, digest[:])
	if err != nil {
		return fmt.Errorf("sign override: %w", err)
	}

	out, err := json.MarshalIndent(grantEnvelope{
		Payload:   base64.StdEncoding.EncodeToString(payload),
		Signature: base64.StdEncoding.EncodeToString(sig),
	}, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func readGrant(path string) (payload, signature []byte, err error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, fmt.Errorf("read grant: %w", err)
	}
	var env grantEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, nil, fmt.Errorf("parse grant: %w", err)
	}
	payload, err = base64.StdEncoding.DecodeString(env.Payload)
	if err != nil {
		return nil, nil, fmt.Errorf("decode grant payload: %w", err)
	}
	signature, err = base64.StdEncoding.DecodeString(env.Signature)
	if err != nil {
		return nil, nil, fmt.Errorf("decode grant signature: %w", err)
	}
	return payload, signature, nil
}

func runCheckEdit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	var payload, signature []byte
	if checkEditGrant != "" {
		payload, signature, err = readGrant(checkEditGrant)
		if err != nil {
			return err
		}
	}

	allowed, rejected, state, err := checkEdit(cfg, splitFields(checkEditFields), payload, signature)
	if err != nil {
		return err
	}
	if allowed {
		fmt.Printf("ALLOWED in %s\n", state)
		return nil
	}
	if len(rejected) > 0 {
		fmt.Fprintf(os.Stderr, "REJECTED in %s: protected fields %s\n", state, strings.Join(rejected, ", "))
	} else {
		fmt.Fprintf(os.Stderr, "REJECTED in %s: bulk edits are denied in %s\n", state, gate.TalkOnly)
	}
	os.Exit(1)
	return nil
}

// checkEdit evaluates one edit attempt and stops the mirror before
// returning, so a denial event enqueued during the check is flushed to
// the sink even though the command layer exits without unwinding. The
// machine and the verifier share one audit log handle so the hash chain
// tail stays consistent between them.
func checkEdit(cfg *config.Config, requested []string, payload, signature []byte) (allowed bool, rejected []string, state gate.Mode, err error) {
	km := keys.NewManager(cfg.StorageDir)
	store, err := trigger.NewStore(cfg.StorageDir)
	if err != nil {
		return false, nil, "", err
	}
	log, err := audit.Open(auditLogPath(cfg))
	if err != nil {
		return false, nil, "", err
	}
	m := newMirror(cfg)
	if m != nil {
		defer m.Stop()
	}
	machine, err := gate.NewMachine(cfg.StorageDir, km, trigger.NewAuthority(km), store, log, m)
	if err != nil {
		return false, nil, "", err
	}
	verifier := override.NewVerifier(km, override.NewTrail(cfg.StorageDir), log, m)

	state = machine.State()
	allowed, rejected = verifier.AuthorizeEdit(requested, state, cfg.ProtectedFields, payload, signature)
	return allowed, rejected, state, nil
}
