// Package cli implements the trustgate command tree.
package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ppiankov/trustgate/internal/audit"
	"github.com/ppiankov/trustgate/internal/config"
	"github.com/ppiankov/trustgate/internal/gate"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/mirror"
	"github.com/ppiankov/trustgate/internal/trigger"
)

// AuditLogFile is the audit log filename inside a gate storage
// directory.
const AuditLogFile = "events.jsonl"

// PassphraseEnv names the environment variable consulted before
// prompting for the admin passphrase.
const PassphraseEnv = "TRUSTGATE_PASSPHRASE"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "trustgate",
	Short: "Cryptographic gate for digital persona operating modes",
	Long:  "Controls operating-mode transitions of a digital persona behind signed triggers, signed admin commands, and a hash-chained audit trail.",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to gate.yaml (default ~/.trustgate/gate.yaml)")
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}

// readPassphrase returns the admin passphrase from the environment or,
// failing that, prompts on the terminal without echo.
func readPassphrase(prompt string) (string, error) {
	if p := os.Getenv(PassphraseEnv); p != "" {
		return p, nil
	}
	fmt.Fprintf(os.Stderr, "%s: ", prompt)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read passphrase: %w", err)
	}
	return string(raw), nil
}

func auditLogPath(cfg *config.Config) string {
	return filepath.Join(cfg.StorageDir, AuditLogFile)
}

func newMirror(cfg *config.Config) *mirror.Mirror {
	return mirror.New(mirror.Config{
		SinkURL:       cfg.Mirror.SinkURL,
		Headers:       cfg.Mirror.Headers,
		BatchSize:     cfg.Mirror.BatchSize,
		FlushInterval: cfg.Mirror.FlushIntervalDuration(),
		Timeout:       cfg.Mirror.TimeoutDuration(),
		BackupDir:     cfg.StorageDir,
	})
}

// newMachine wires the full gate stack from configuration. The
// returned mirror is nil when no sink is configured; callers that keep
// the machine running must Stop() a non-nil mirror on shutdown.
func newMachine(cfg *config.Config) (*gate.Machine, *mirror.Mirror, error) {
	km := keys.NewManager(cfg.StorageDir)
	store, err := trigger.NewStore(cfg.StorageDir)
	if err != nil {
		return nil, nil, err
	}
	log, err := audit.Open(auditLogPath(cfg))
	if err != nil {
		return nil, nil, err
	}
	m := newMirror(cfg)
	machine, err := gate.NewMachine(cfg.StorageDir, km, trigger.NewAuthority(km), store, log, m)
	if err != nil {
		if m != nil {
			m.Stop()
		}
		return nil, nil, err
	}
	return machine, m, nil
}
