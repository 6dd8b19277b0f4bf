package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// rootOptions holds the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "nodelink",
		Short: "Persistent client node for an agent gateway",
		Long: `nodelink pairs this machine with an agent gateway, keeps a WebSocket
session open and lets you chat with the gateway's agents.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit %s, built %s)", version, commit, buildDate),
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "config file (default $NODELINK_CONFIG or ~/.nodelink/config.yaml)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override logging.level (debug, info, warn, error)")

	root.AddCommand(newPairCmd(opts))
	root.AddCommand(newChatCmd(opts))
	root.AddCommand(newHistoryCmd(opts))
	root.AddCommand(newStatusCmd(opts))
	root.AddCommand(newResetCmd(opts))
	root.AddCommand(newServeCmd(opts))

	return root
}
