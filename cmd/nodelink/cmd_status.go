package main

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/storage"
)

type statusReport struct {
	NodeID         string     `json:"nodeId"`
	DisplayName    string     `json:"displayName"`
	Gateway        string     `json:"gateway"`
	Paired         bool       `json:"paired"`
	PairedAt       *time.Time `json:"pairedAt,omitempty"`
	TokenExpiresAt *time.Time `json:"tokenExpiresAt,omitempty"`
	LastSession    string     `json:"lastSession,omitempty"`
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show this device's identity and pairing",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()

			report, err := a.status()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}

			fmt.Fprintf(out, "Node:     %s (%s)\n", report.NodeID, report.DisplayName)
			fmt.Fprintf(out, "Gateway:  %s\n", report.Gateway)
			if !report.Paired {
				fmt.Fprintln(out, "Pairing:  not paired (run `nodelink pair`)")
			} else {
				line := "paired"
				if report.PairedAt != nil {
					line += " since " + report.PairedAt.Local().Format(time.RFC3339)
				}
				fmt.Fprintf(out, "Pairing:  %s\n", line)
				if report.TokenExpiresAt != nil {
					fmt.Fprintf(out, "Token:    expires %s\n", report.TokenExpiresAt.Local().Format(time.RFC3339))
				}
			}
			if report.LastSession != "" {
				fmt.Fprintf(out, "Session:  %s\n", report.LastSession)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	return cmd
}

func (a *app) status() (statusReport, error) {
	report := statusReport{
		NodeID:      a.identity.NodeID,
		DisplayName: a.identity.DisplayName,
		Gateway:     a.cfg.Gateway.URL,
		PairedAt:    a.identity.PairedAt,
	}
	token, err := a.tokens.LoadToken()
	if err != nil {
		return report, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "read pairing token")
	}
	if token == "" {
		token = a.identity.PairingToken
	}
	report.Paired = token != ""
	if exp, ok := pairing.TokenExpiry(token); ok {
		report.TokenExpiresAt = &exp
	}
	if last, err := a.store.GetSetting(storage.SettingLastSessionKey); err == nil {
		report.LastSession = last
	}
	return report, nil
}
