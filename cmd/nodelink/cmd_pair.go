package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/nodelink/pkg/gateway"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

func newPairCmd(opts *rootOptions) *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "pair",
		Short: "Pair this device with the gateway",
		Long: `Connects to the gateway and requests pairing when no token is stored.
The command prints a code to approve on the gateway and waits until the
device is paired and the agent has been verified.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Node %s (%s) connecting to %s\n", a.identity.NodeID, a.identity.DisplayName, a.cfg.Gateway.URL)
			client, err := a.connect(ctx, out)
			if err != nil {
				return err
			}

			agent, ok := awaitAgent(ctx, client, 10*time.Second)
			fmt.Fprintln(out, "Paired.")
			if ok {
				fmt.Fprintf(out, "Agent: %s", agent.Name)
				if agent.Model != "" {
					fmt.Fprintf(out, " (%s)", agent.Model)
				}
				fmt.Fprintln(out)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&timeout, "timeout", 5*time.Minute, "how long to wait for approval")
	return cmd
}

// awaitAgent waits up to wait for the verified agent record.
func awaitAgent(ctx context.Context, client *gateway.Client, wait time.Duration) (pairing.AgentInfo, bool) {
	events, cancel := client.Subscribe()
	defer cancel()

	timer := time.NewTimer(wait)
	defer timer.Stop()
	for {
		if info, found := client.Agent(); found {
			return info, true
		}
		select {
		case <-ctx.Done():
			return pairing.AgentInfo{}, false
		case <-timer.C:
			return pairing.AgentInfo{}, false
		case evt, open := <-events:
			if !open {
				return pairing.AgentInfo{}, false
			}
			if evt.Type == telemetry.EventGatewayError {
				return pairing.AgentInfo{}, false
			}
		}
	}
}
