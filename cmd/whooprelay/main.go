package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:   "whooprelay",
		Short: "WHOOP data relay",
		Long: `whooprelay keeps a local mirror of users' WHOOP recovery, sleep and
workout records current.

It holds each connected user's OAuth tokens, receives signed webhooks and
periodically reconciles against the data API to repair missed deliveries.

Configuration comes from --config (YAML, TOML or JSON) and WHOOPRELAY_*
environment variables, e.g. WHOOPRELAY_OAUTH_CLIENT_ID.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: environment only)")

	root.AddCommand(newServeCmd(&cfgFile))
	root.AddCommand(newReconcileCmd(&cfgFile))
	return root
}
