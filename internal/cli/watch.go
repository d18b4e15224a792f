package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/gate"
)

func init() {
	rootCmd.AddCommand(watchCmd)
}

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Run the gate, following state changes from other processes",
	Long: `Keeps a gate instance running and reloads its in-memory state whenever
the durable state file changes on disk, so transitions committed by
other trustgate processes are observed. Also keeps the audit mirror
flushing in the background when a sink is configured.

Stops on SIGINT or SIGTERM.`,
	Args: cobra.NoArgs,
	RunE: runWatch,
}

func runWatch(cmd *cobra.Command, args []string) error {
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

	watcher, err := gate.NewWatcher(machine)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Printf("Watching %s (state: %s)\n", cfg.StorageDir, machine.State())
	if err := watcher.Run(ctx); err != nil {
		return err
	}
	fmt.Printf("Stopped (state: %s)\n", machine.State())
	return nil
}
