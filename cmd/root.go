// Package cmd defines and implements the CLI commands for the digicrawl
// executable.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var cfgFile string

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "digicrawl",
		Short: "Resilient crawler for the subscription backend's record space",
		Long: `digicrawl walks a numbered range of backend records, gates each one on
the subscription-rental marker, extracts the five record pages for gated
entries, and delivers the results to the destination database with local
spooling for outages. Interrupted runs resume from the progress checkpoint.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (YAML; DIGICRAWL_* env vars override)")

	cmd.AddCommand(newCrawlCmd())
	cmd.AddCommand(newDrainCmd())
	cmd.AddCommand(newServeCmd())
	return cmd
}

// Execute is the entry point used by main.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
