package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Forget the pairing token so the device pairs again",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			client, err := a.newClient()
			if err != nil {
				return err
			}
			if err := client.ResetPairing(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pairing cleared for node %s.\n", a.identity.NodeID)
			return nil
		},
	}
}
