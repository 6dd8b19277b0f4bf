package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/nodelink/pkg/bus"
	"github.com/odvcencio/nodelink/pkg/gateway"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Keep the gateway session open and relay it over the message bus",
		Long: `Runs until interrupted. Notifications are published on
nodelink.<node>.events and chat sends are accepted on nodelink.<node>.send.
With --metrics-addr (or metrics.addr) a /metrics and /healthz endpoint is served.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := openApp(cmd, opts)
			if err != nil {
				return err
			}
			defer a.Close()
			if metricsAddr != "" {
				a.cfg.Metrics.Addr = metricsAddr
			}
			return a.serve(cmd.Context(), cmd)
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "listen address for /metrics and /healthz")
	return cmd
}

func (a *app) serve(ctx context.Context, cmd *cobra.Command) error {
	client, err := a.connect(ctx, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	a.log.Info("serving",
		slog.String("events", bus.EventsSubject(client.NodeID())),
		slog.String("send", bus.SendSubject(client.NodeID())))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return client.ServeBus(gctx) })
	g.Go(func() error { return a.logEvents(gctx, client) })

	if addr := a.cfg.Metrics.Addr; addr != "" {
		srv := &http.Server{
			Addr:              addr,
			Handler:           newMetricsRouter(client),
			ReadHeaderTimeout: 5 * time.Second,
		}
		g.Go(func() error {
			a.log.Info("metrics listening", slog.String("addr", addr))
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// logEvents logs connection and pairing changes until ctx is done. A client
// that gives up reconnecting ends the run.
func (a *app) logEvents(ctx context.Context, client *gateway.Client) error {
	events, cancel := client.Subscribe()
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-events:
			if !ok {
				return nil
			}
			switch evt.Type {
			case telemetry.EventConnectionChanged, telemetry.EventPairingChanged, telemetry.EventAgentChanged:
				a.log.Info(string(evt.Type), slog.Any("data", evt.Data))
			case telemetry.EventGatewayError:
				a.log.Warn(string(evt.Type), slog.String("session", evt.SessionID), slog.Any("data", evt.Data))
			}
			if st := client.ConnectionState(); st.Phase == gateway.PhaseFailed {
				return withExitCode(errors.New(st.Reason), exitUnreachable)
			}
		}
	}
}

func newMetricsRouter(client *gateway.Client) http.Handler {
	router := chi.NewRouter()
	router.Handle("/metrics", promhttp.Handler())
	router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		conn := client.ConnectionState()
		status := http.StatusOK
		if !conn.IsConnected() {
			status = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"node":       client.NodeID(),
			"connection": conn.String(),
			"pairing":    client.PairingState().String(),
		})
	})
	return router
}
