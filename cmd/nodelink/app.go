package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/odvcencio/nodelink/pkg/bus"
	"github.com/odvcencio/nodelink/pkg/config"
	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/gateway/transport"
	"github.com/odvcencio/nodelink/pkg/logging"
	"github.com/odvcencio/nodelink/pkg/secrets"
	"github.com/odvcencio/nodelink/pkg/storage"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

// app holds the process-wide dependencies a subcommand needs. Close releases
// them in reverse order of acquisition.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	store    *storage.Store
	tokens   secrets.TokenSlot
	identity storage.DeviceIdentity

	closers []func() error
}

func openApp(cmd *cobra.Command, opts *rootOptions) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, withExitCode(apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "load config").
			WithRemediation("Check the file passed with --config or $NODELINK_CONFIG"), exitConfig)
	}
	if opts.logLevel != "" {
		cfg.Logging.Level = opts.logLevel
	}

	a := &app{cfg: cfg}
	ready := false
	defer func() {
		if !ready {
			_ = a.Close()
		}
	}()

	log, logCloser, err := logging.New(logging.Options{
		Level:     cfg.Logging.Level,
		Format:    logging.Format(cfg.Logging.Format),
		File:      cfg.Logging.File,
		Component: "cli",
		Stderr:    cmd.ErrOrStderr(),
	})
	if err != nil {
		return nil, withExitCode(apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "configure logging"), exitConfig)
	}
	a.log = log
	a.closers = append(a.closers, logCloser.Close)

	if cfg.Tracing.Enabled {
		if err := a.startTracing(cmd.ErrOrStderr()); err != nil {
			return nil, err
		}
	}

	store, err := storage.New(cfg.Storage.Database)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "open database").
			WithContext("path", cfg.Storage.Database)
	}
	a.store = store
	a.closers = append(a.closers, store.Close)

	identity, err := store.EnsureDeviceIdentity(cfg.Device.DisplayName)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "initialize device identity")
	}
	a.identity = identity

	fileStore, err := secrets.OpenFileStore(cfg.Storage.SecretsFile, cfg.Storage.KeyFile)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeStorageRead, "open secret store").
			WithContext("path", cfg.Storage.SecretsFile)
	}
	a.tokens = secrets.PairingTokenSlot(fileStore)

	log.Debug("nodelink ready",
		slog.String("node_id", identity.NodeID),
		slog.String("gateway", cfg.Gateway.URL))
	ready = true
	return a, nil
}

func (a *app) startTracing(stderr io.Writer) error {
	w := stderr
	if path := a.cfg.Tracing.File; path != "" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "create trace directory")
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return apperrors.Wrap(err, apperrors.ErrCodeStorageWrite, "open trace file")
		}
		a.closers = append(a.closers, f.Close)
		w = f
	}
	tp, err := telemetry.NewTracerProvider("nodelink", version, w)
	if err != nil {
		return apperrors.Wrap(err, apperrors.ErrCodeInternal, "start tracing")
	}
	a.closers = append(a.closers, func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return tp.Shutdown(ctx)
	})
	return nil
}

// newClient builds a gateway client bound to the configured bus. The client
// is closed with the app.
func (a *app) newClient() (*gateway.Client, error) {
	msgBus, err := bus.Open(bus.Config{
		URL:     a.cfg.Bus.URL,
		Name:    "nodelink-" + a.identity.NodeID,
		Timeout: a.cfg.Bus.Timeout,
	})
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrCodeTransport, "connect message bus").
			WithContext("url", a.cfg.Bus.URL)
	}
	a.closers = append(a.closers, msgBus.Close)

	client, err := gateway.New(gateway.Options{
		URL:           a.cfg.Gateway.URL,
		ClientType:    a.cfg.Gateway.ClientType,
		Identity:      a.identity,
		IdentityStore: a.store,
		Tokens:        a.tokens,
		Dialer: transport.WebSocketDialer{
			DialTimeout:  a.cfg.Gateway.DialTimeout,
			PingInterval: a.cfg.Gateway.PingInterval,
		},
		Logger:               a.log,
		Bus:                  msgBus,
		RPCTimeout:           a.cfg.Gateway.RPCTimeout,
		PairPollInterval:     a.cfg.Pairing.PollInterval,
		PairMaxPollAttempts:  a.cfg.Pairing.MaxPollAttempts,
		ReconnectMaxAttempts: a.cfg.Reconnect.MaxAttempts,
		ReconnectBaseDelay:   a.cfg.Reconnect.BaseDelay,
		ReconnectMaxDelay:    a.cfg.Reconnect.MaxDelay,
	})
	if err != nil {
		return nil, withExitCode(apperrors.Wrap(err, apperrors.ErrCodeConfigInvalid, "create gateway client"), exitConfig)
	}
	a.closers = append(a.closers, client.Close)
	return client, nil
}

// connect opens the gateway session and waits until it is connected and
// paired. A failed first dial is logged; the reconnection policy keeps
// trying until it gives up.
func (a *app) connect(ctx context.Context, out io.Writer) (*gateway.Client, error) {
	client, err := a.newClient()
	if err != nil {
		return nil, err
	}
	events, cancel := client.Subscribe()
	defer cancel()

	if err := client.Connect(ctx); err != nil {
		a.log.Warn("initial connect failed", slog.String("error", err.Error()))
	}
	if err := awaitReady(ctx, client, events, out); err != nil {
		return nil, err
	}
	return client, nil
}

// sessionKey resolves the --session flag, falling back to the last session
// used on this machine.
func (a *app) sessionKey(flag string) string {
	if flag != "" {
		return flag
	}
	if last, err := a.store.GetSetting(storage.SettingLastSessionKey); err == nil && last != "" {
		return last
	}
	return ""
}

func (a *app) rememberSession(key string) {
	if key == "" {
		return
	}
	if err := a.store.SetSetting(storage.SettingLastSessionKey, key); err != nil {
		a.log.Warn("failed to remember session", slog.String("error", err.Error()))
	}
}

func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// awaitReady blocks until client is connected and paired. The pairing code
// is printed to out while approval is pending.
func awaitReady(ctx context.Context, client *gateway.Client, events <-chan telemetry.Event, out io.Writer) error {
	shownCode := ""
	check := func() (bool, error) {
		conn := client.ConnectionState()
		if conn.Phase == gateway.PhaseFailed {
			return false, withExitCode(apperrors.New(apperrors.ErrCodeTransport, conn.Reason).
				WithUserMessage("Could not reach the gateway: "+conn.Reason).
				WithRemediation("Check gateway.url and that the gateway is running"), exitUnreachable)
		}
		st := client.PairingState()
		switch st.Phase {
		case pairing.PhasePendingApproval:
			if st.Code != "" && st.Code != shownCode {
				fmt.Fprintf(out, "Pairing requested. Approve code %s on the gateway.\n", st.Code)
				shownCode = st.Code
			}
		case pairing.PhaseFailed:
			return false, withExitCode(apperrors.New(apperrors.ErrCodePairingFailed, st.Reason).
				WithUserMessage("Pairing failed: "+st.Reason).
				WithRemediation("Run `nodelink pair` to request a new code"), exitNotPaired)
		}
		return conn.IsConnected() && st.IsPaired(), nil
	}

	for {
		ready, err := check()
		if err != nil || ready {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case _, ok := <-events:
			if !ok {
				return gateway.ErrClientClosed
			}
		}
	}
}
