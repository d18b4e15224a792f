package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/audit"
)

var (
	tailLines int

	queryKind  string
	queryState string
	querySince string
	queryUntil string
	queryLimit int
	queryDB    string
)

func init() {
	rootCmd.AddCommand(auditCmd)
	auditCmd.AddCommand(auditVerifyCmd)
	auditCmd.AddCommand(auditTailCmd)
	auditCmd.AddCommand(auditQueryCmd)
	auditTailCmd.Flags().IntVarP(&tailLines, "lines", "n", 10, "Number of recent entries to show")
	auditQueryCmd.Flags().StringVar(&queryKind, "kind", "", "Filter by event kind (e.g. transition, override_denied)")
	auditQueryCmd.Flags().StringVar(&queryState, "state", "", "Filter by previous or new state")
	auditQueryCmd.Flags().StringVar(&querySince, "since", "", "Only events at or after this RFC3339 time")
	auditQueryCmd.Flags().StringVar(&queryUntil, "until", "", "Only events before this RFC3339 time")
	auditQueryCmd.Flags().IntVar(&queryLimit, "limit", 0, "Maximum number of events to return")
	auditQueryCmd.Flags().StringVar(&queryDB, "db", "", "Index database path (default <storage_dir>/audit-index.db)")
}

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Audit log operations",
	Long:  "Commands for verifying, inspecting, and querying the hash-chained audit log.",
}

var auditVerifyCmd = &cobra.Command{
	Use:   "verify [path]",
	Short: "Verify hash chain integrity of the audit log",
	Long:  "Walks the JSONL audit log and validates that every entry's prev_hash\nmatches the SHA-256 of the previous entry. Exits 0 if valid, 1 if tampered.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditVerify,
}

var auditTailCmd = &cobra.Command{
	Use:   "tail [path]",
	Short: "Show recent audit log entries",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runAuditTail,
}

var auditQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the audit log through its SQLite index",
	Long: `Ingests the audit log into a local SQLite index (idempotent, keyed by
event ID) and runs the given filters against it. The index is a read
convenience; the JSONL log stays the source of truth.`,
	Args: cobra.NoArgs,
	RunE: runAuditQuery,
}

// logPathArg resolves the optional positional log path, defaulting to
// the configured storage directory.
func logPathArg(args []string) (string, error) {
	if len(args) == 1 {
		return args[0], nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return auditLogPath(cfg), nil
}

func runAuditVerify(cmd *cobra.Command, args []string) error {
	path, err := logPathArg(args)
	if err != nil {
		return err
	}
	result := audit.Verify(path)
	if result.Valid {
		fmt.Printf("OK: %d entries verified\n", result.Lines)
		return nil
	}
	fmt.Fprintf(os.Stderr, "FAILED at line %d: %s\n", result.ErrorLine, result.Error)
	os.Exit(1)
	return nil
}

func runAuditTail(cmd *cobra.Command, args []string) error {
	path, err := logPathArg(args)
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	// Read all lines, keep last N.
	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read audit log: %w", err)
	}

	start := len(lines) - tailLines
	if start < 0 {
		start = 0
	}
	for _, line := range lines[start:] {
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			fmt.Println(line)
			continue
		}
		pretty, _ := json.MarshalIndent(entry, "", "  ")
		fmt.Println(string(pretty))
	}
	return nil
}

func runAuditQuery(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	dbPath := queryDB
	if dbPath == "" {
		dbPath = filepath.Join(cfg.StorageDir, "audit-index.db")
	}

	filter := audit.QueryFilter{Kind: queryKind, State: queryState, Limit: queryLimit}
	if querySince != "" {
		t, err := time.Parse(time.RFC3339, querySince)
		if err != nil {
			return fmt.Errorf("parse --since: %w", err)
		}
		filter.Since = t
	}
	if queryUntil != "" {
		t, err := time.Parse(time.RFC3339, queryUntil)
		if err != nil {
			return fmt.Errorf("parse --until: %w", err)
		}
		filter.Until = t
	}

	if _, err := audit.BuildIndex(auditLogPath(cfg), dbPath); err != nil {
		return err
	}
	events, err := audit.Query(dbPath, filter)
	if err != nil {
		return err
	}
	for _, ev := range events {
		line, err := json.Marshal(ev)
		if err != nil {
			return err
		}
		fmt.Println(string(line))
	}
	fmt.Fprintf(os.Stderr, "%d events\n", len(events))
	return nil
}
