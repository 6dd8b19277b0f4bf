package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/odvcencio/nodelink/pkg/bus"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/gateway/reconnect"
	"github.com/odvcencio/nodelink/pkg/gateway/rpc"
	"github.com/odvcencio/nodelink/pkg/gateway/transport"
	"github.com/odvcencio/nodelink/pkg/secrets"
	"github.com/odvcencio/nodelink/pkg/storage"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

// DefaultClientType is sent in the X-Client-Type header.
const DefaultClientType = "nodelink"

// Options configures a Client. URL and Identity.NodeID are required.
type Options struct {
	URL        string
	ClientType string

	// Identity is the persisted device identity. Its PairingToken is the
	// fallback when Tokens holds nothing.
	Identity storage.DeviceIdentity
	// IdentityStore receives pairing updates. Optional.
	IdentityStore pairing.IdentityStore
	// Tokens is the secure token slot; defaults to an in-memory store.
	Tokens pairing.TokenStore

	Dialer transport.Dialer
	Logger *slog.Logger
	// Bus, when set, receives notifications on bus.EventsSubject.
	Bus bus.MessageBus
	// Hub receives change notifications; one is created when nil.
	Hub *telemetry.Hub

	RPCTimeout          time.Duration
	PairPollInterval    time.Duration
	PairMaxPollAttempts int
	Capabilities        []string

	ReconnectMaxAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration

	Now func() time.Time
	// Sleep waits between reconnection attempts. It must return early with
	// ctx's error when ctx is cancelled.
	Sleep func(ctx context.Context, d time.Duration) error
}

func (o *Options) applyDefaults() error {
	o.URL = strings.TrimSpace(o.URL)
	u, err := url.Parse(o.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return fmt.Errorf("gateway: invalid url %q", o.URL)
	}
	if strings.TrimSpace(o.Identity.NodeID) == "" {
		return fmt.Errorf("gateway: identity has no node id")
	}
	if o.ClientType == "" {
		o.ClientType = DefaultClientType
	}
	if o.Tokens == nil {
		o.Tokens = secrets.PairingTokenSlot(secrets.NewMemoryStore())
	}
	if o.Dialer == nil {
		o.Dialer = transport.WebSocketDialer{}
	}
	if o.Logger == nil {
		o.Logger = slog.New(slog.DiscardHandler)
	}
	if o.RPCTimeout <= 0 {
		o.RPCTimeout = rpc.DefaultTimeout
	}
	if o.ReconnectMaxAttempts <= 0 {
		o.ReconnectMaxAttempts = reconnect.DefaultMaxAttempts
	}
	if o.ReconnectBaseDelay <= 0 {
		o.ReconnectBaseDelay = reconnect.DefaultBaseDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = reconnect.DefaultMaxDelay
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Sleep == nil {
		o.Sleep = sleepContext
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
