package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/odvcencio/nodelink/pkg/gateway"
)

func newHistoryCmd(opts *rootOptions) *cobra.Command {
	var (
		session string
		limit   int
		asJSON  bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the message history of a session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			client, err := a.connect(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			key := sessionKeyOrDefault(a.sessionKey(session))
			messages, err := client.FetchHistory(ctx, key, limit)
			if err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(messages)
			}
			if len(messages) == 0 {
				fmt.Fprintf(out, "No messages in %s\n", key)
				return nil
			}
			for _, m := range messages {
				fmt.Fprintf(out, "[%s] %s: %s\n", m.Timestamp.Local().Format("2006-01-02 15:04"), m.Role, m.Content)
				for _, tc := range m.ToolCalls {
					fmt.Fprintf(out, "    tool %s (%s)\n", tc.Name, tc.Status)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&session, "session", "", "session key (default: last used)")
	cmd.Flags().IntVar(&limit, "limit", gateway.DefaultHistoryLimit, "maximum number of messages")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print messages as JSON")
	return cmd
}
