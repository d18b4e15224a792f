package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/config"
	"github.com/ppiankov/trustgate/internal/gate"
)

func init() {
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(transitionCmd)
	rootCmd.AddCommand(stateCmd)
}

var applyCmd = &cobra.Command{
	Use:   "apply <phrase>",
	Short: "Apply a trigger phrase to the gate",
	Long: `Looks up the phrase among registered triggers, verifies its signature,
and applies the bound transition if the current state permits it.

A rejected trigger leaves the state unchanged and exits 1. The denial
is recorded in the audit log either way.`,
	Args: cobra.ExactArgs(1),
	RunE: runApply,
}

var transitionCmd = &cobra.Command{
	Use:   "transition <mode>",
	Short: "Force a transition with an admin-signed command",
	Long: `Signs a transition command with the gate's private key and applies it
unconditionally, bypassing trigger preconditions. Requires the admin
passphrase.`,
	Args: cobra.ExactArgs(1),
	RunE: runTransition,
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Print the gate's current operating mode",
	Args:  cobra.NoArgs,
	RunE:  runState,
}

func runApply(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	applied, reason, state, err := applyPhrase(cfg, args[0])
	if err != nil {
		return err
	}
	if !applied {
		fmt.Fprintf(os.Stderr, "rejected: %s\n", reason)
		os.Exit(1)
	}
	fmt.Printf("State: %s\n", state)
	return nil
}

// applyPhrase runs one trigger application and stops the mirror before
// returning. The command layer exits after this returns, so a rejection
// event enqueued during the attempt is always flushed to the sink
// first; os.Exit does not unwind defers.
func applyPhrase(cfg *config.Config, phrase string) (applied bool, reason string, state gate.Mode, err error) {
	machine, m, err := newMachine(cfg)
	if err != nil {
		return false, "", "", err
	}
	if m != nil {
		defer m.Stop()
	}
	applied, reason = machine.ApplyTrigger(phrase)
	return applied, reason, machine.State(), nil
}

func runTransition(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	target, err := gate.ParseMode(args[0])
	if err != nil {
		return err
	}
	passphrase, err := readPassphrase("Admin passphrase")
	if err != nil {
		return err
	}

	machine, m, err := newMachine(cfg)
	if err != nil {
		return err
	}
	if m != nil {
		defer m.Stop()
	}

	if err := machine.AdminTransition(target, passphrase); err != nil {
		return err
	}
	fmt.Printf("State: %s\n", machine.State())
	return nil
}

func runState(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	machine, m, err := newMachine(cfg)
	if err != nil {
		return err
	}
	if m != nil {
		defer m.Stop()
	}
	fmt.Println(machine.State())
	return nil
}
