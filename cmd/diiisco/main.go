// Command diiisco runs the peer-to-peer messaging core: identity, peer
// network, message bus, and the external HTTP façade in one process.
//
// Grounded on the teacher's cmd/blazedag signal-driven shutdown, rebuilt
// around spf13/cobra for the subcommand surface A5 adds (serve, identity
// show, identity rotate) in place of the teacher's flat flag.Parse().
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "diiisco",
		Short:         "Peer-to-peer messaging core for the model marketplace",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringP("config", "c", "", "path to the YAML config file (defaults baked in if omitted)")
	cmd.PersistentFlags().Bool("pretty", false, "write logs as human-readable console output instead of JSON")

	cmd.AddCommand(newServeCmd())
	cmd.AddCommand(newIdentityCmd())
	return cmd
}
