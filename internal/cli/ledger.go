package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/ledger"
)

var (
	ledgerMeta      []string
	ledgerSigPath   string
	ledgerNonStrict bool
)

func init() {
	ledgerSignCmd.Flags().StringArrayVar(&ledgerMeta, "meta", nil, "Metadata to embed in the record, as key=value (repeatable)")
	ledgerVerifyCmd.Flags().StringVar(&ledgerSigPath, "sig", "", "Signature record path (default <artifact>.sig.json)")
	ledgerVerifyCmd.Flags().BoolVar(&ledgerNonStrict, "no-strict", false, "Report mismatch without raising an integrity violation")
	ledgerCmd.AddCommand(ledgerSignCmd)
	ledgerCmd.AddCommand(ledgerVerifyCmd)
	rootCmd.AddCommand(ledgerCmd)
}

var ledgerCmd = &cobra.Command{
	Use:   "ledger",
	Short: "Sign and verify persona artifacts",
}

var ledgerSignCmd = &cobra.Command{
	Use:   "sign <artifact>",
	Short: "Record an integrity signature for an artifact",
	Long: `Hashes the artifact's full byte content with SHA-256 and writes a
sidecar record next to it. Any later byte change, whitespace included,
fails verification.`,
	Args: cobra.ExactArgs(1),
	RunE: runLedgerSign,
}

var ledgerVerifyCmd = &cobra.Command{
	Use:   "verify <artifact>",
	Short: "Verify an artifact against its signature record",
	Args:  cobra.ExactArgs(1),
	RunE:  runLedgerVerify,
}

func runLedgerSign(cmd *cobra.Command, args []string) error {
	var metadata map[string]string
	for _, kv := range ledgerMeta {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return fmt.Errorf("--meta expects key=value, got %q", kv)
		}
		if metadata == nil {
			metadata = make(map[string]string)
		}
		metadata[k] = v
	}

	record, err := ledger.Sign(args[0], metadata)
	if err != nil {
		return err
	}
	fmt.Printf("Signed %s (%d bytes)\n", record.ArtifactName, record.FileSize)
	fmt.Printf("sha256: %s\n", record.HashValue)
	return nil
}

func runLedgerVerify(cmd *cobra.Command, args []string) error {
	artifact := args[0]
	sigPath := ledgerSigPath
	if sigPath == "" {
		sigPath = ledger.SidecarPath(artifact)
	}

	ok, err := ledger.Verify(artifact, sigPath, !ledgerNonStrict)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Fprintf(os.Stderr, "MISMATCH: %s does not match %s\n", artifact, sigPath)
		os.Exit(1)
	}
	fmt.Println("OK")
	return nil
}
