package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ppiankov/trustgate/internal/gate"
	"github.com/ppiankov/trustgate/internal/keys"
	"github.com/ppiankov/trustgate/internal/trigger"
)

func init() {
	rootCmd.AddCommand(triggerCmd)
	triggerCmd.AddCommand(triggerSignCmd)
	triggerCmd.AddCommand(triggerListCmd)
}

var triggerCmd = &cobra.Command{
	Use:   "trigger",
	Short: "Manage signed trigger phrases",
}

var triggerSignCmd = &cobra.Command{
	Use:   "sign <phrase> <mode>",
	Short: "Sign a trigger phrase binding it to a target mode",
	Long: `Signs a trigger phrase with the gate's private key and registers it.

The signature covers the phrase, the target mode, the creation time,
and a random nonce, so a registered trigger cannot be replayed against
a different mode.`,
	Args: cobra.ExactArgs(2),
	RunE: runTriggerSign,
}

var triggerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered triggers",
	Args:  cobra.NoArgs,
	RunE:  runTriggerList,
}

func runTriggerSign(cmd *cobra.Command, args []string) error {
	phrase, modeArg := args[0], args[1]

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	mode, err := gate.ParseMode(modeArg)
	if err != nil {
		return err
	}

	passphrase, err := readPassphrase("Admin passphrase")
	if err != nil {
		return err
	}

	km := keys.NewManager(cfg.StorageDir)
	authority := trigger.NewAuthority(km)
	trig, err := authority.Sign(phrase, string(mode), passphrase)
	if err != nil {
		return err
	}

	store, err := trigger.NewStore(cfg.StorageDir)
	if err != nil {
		return err
	}
	if err := store.Add(trig); err != nil {
		return err
	}

	fmt.Printf("Registered trigger %q -> %s (signer %s)\n", trig.Phrase, trig.Mode, trig.SignerFingerprint)
	return nil
}

func runTriggerList(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := trigger.NewStore(cfg.StorageDir)
	if err != nil {
		return err
	}
	list, err := store.List()
	if err != nil {
		return err
	}
	if len(list) == 0 {
		fmt.Println("No triggers registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PHRASE\tMODE\tCREATED\tSIGNER")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.Phrase, t.Mode, t.CreatedAt, t.SignerFingerprint)
	}
	return w.Flush()
}
