package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/keys"
)

func init() {
	rootCmd.AddCommand(initCmd)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the gate storage directory and identity keypair",
	Long: `Creates the storage directory and generates the gate's P-256 keypair.

The private key is encrypted with the admin passphrase and never
written in cleartext. Generation happens exactly once: re-running init
against an existing key is an error, not an overwrite.

The passphrase is read from $` + PassphraseEnv + ` or prompted.`,
	RunE: runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.StorageDir, 0700); err != nil {
		return fmt.Errorf("create storage directory: %w", err)
	}

	passphrase, err := readPassphrase("New admin passphrase")
	if err != nil {
		return err
	}
	if passphrase == "" {
		return fmt.Errorf("passphrase must not be empty")
	}

	km := keys.NewManager(cfg.StorageDir)
	if err := km.Generate(passphrase); err != nil {
		if errors.Is(err, keys.ErrKeyExists) {
			return fmt.Errorf("gate already initialized at %s", cfg.StorageDir)
		}
		return err
	}

	fp, err := km.Fingerprint()
	if err != nil {
		return err
	}
	fmt.Printf("Initialized gate at %s\n", cfg.StorageDir)
	fmt.Printf("Key fingerprint: %s\n", fp)
	return nil
}
