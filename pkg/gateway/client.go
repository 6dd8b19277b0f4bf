// Package gateway is the connection controller for the agent gateway. A
// Client owns the transport, the RPC correlator, the pairing state machine
// and the conversation store, and exposes the operations a UI drives.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/odvcencio/nodelink/pkg/bus"
	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway/conversation"
	"github.com/odvcencio/nodelink/pkg/gateway/events"
	"github.com/odvcencio/nodelink/pkg/gateway/loop"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/gateway/reconnect"
	"github.com/odvcencio/nodelink/pkg/gateway/rpc"
	"github.com/odvcencio/nodelink/pkg/gateway/transport"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

// ErrClientClosed is returned by operations on a closed Client.
var ErrClientClosed = errors.New("gateway: client closed")

// Client is the connection controller.
//
// All mutable state is owned by a single loop goroutine. Public methods
// submit closures to it; dialing, RPC waits and backoff sleeps run on other
// goroutines and post their results back. Every transport is tagged with an
// epoch and results from an older epoch are discarded.
type Client struct {
	opts  Options
	log   *slog.Logger
	loop  *loop.Loop
	rpc   *rpc.Correlator
	hub   *telemetry.Hub
	owned bool // hub created here

	// live is the current transport, read by RPC callers off the loop.
	live atomic.Pointer[liveConn]

	// Loop-owned state.
	state            ConnectionState
	epoch            uint64
	policy           *reconnect.Policy
	machine          *pairing.Machine
	store            *conversation.Store
	agent            *pairing.AgentInfo
	userDisconnected bool
	cancelReconnect  context.CancelFunc
	dropLog          rate.Sometimes
	closed           atomic.Bool
}

// liveConn is a transport bound to the epoch it was opened in.
type liveConn struct {
	conn   transport.Conn
	epoch  uint64
	client *Client
	done   chan struct{}
}

// Done implements rpc.Closable. It is closed when the epoch is torn down.
func (l *liveConn) Done() <-chan struct{} { return l.done }

// Send implements rpc.Sender. A failed send is reported as a transport
// failure for its epoch.
func (l *liveConn) Send(ctx context.Context, data []byte) error {
	if err := l.conn.Send(ctx, data); err != nil {
		if ctx.Err() == nil {
			l.client.loop.Post(func() { l.client.connectionLost(l.epoch, err) })
		}
		return err
	}
	return nil
}

type callerFunc func(ctx context.Context, method string, params any) (protocol.Value, error)

func (f callerFunc) Call(ctx context.Context, method string, params any) (protocol.Value, error) {
	return f(ctx, method, params)
}

// New constructs a Client. It does not connect.
func New(opts Options) (*Client, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}

	c := &Client{
		opts:  opts,
		log:   opts.Logger.With(slog.String("component", "gateway"), slog.String("node_id", opts.Identity.NodeID)),
		hub:   opts.Hub,
		state: Disconnected(),
		policy: &reconnect.Policy{
			MaxAttempts: opts.ReconnectMaxAttempts,
			BaseDelay:   opts.ReconnectBaseDelay,
			MaxDelay:    opts.ReconnectMaxDelay,
		},
		store:   conversation.NewStore(conversation.WithClock(opts.Now)),
		dropLog: rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
	if c.hub == nil {
		c.hub = telemetry.NewHub()
		c.owned = true
	}
	c.loop = loop.New(c.log)
	c.rpc = rpc.New(rpc.WithTimeout(opts.RPCTimeout))

	initial := pairing.InitialState(opts.Tokens, opts.Identity.PairingToken)
	c.machine = pairing.New(pairing.Config{
		Device: pairing.Device{
			NodeID:      opts.Identity.NodeID,
			DisplayName: opts.Identity.DisplayName,
		},
		Caller:   callerFunc(c.call),
		Tokens:   opts.Tokens,
		Identity: opts.IdentityStore,
		Post:     c.loop.Post,
		Hooks: pairing.Hooks{
			OnStateChange:  c.pairingChanged,
			OnPaired:       c.reauthenticate,
			OnVerified:     c.agentVerified,
			OnVerifyFailed: c.verifyFailed,
		},
		PollInterval:    opts.PairPollInterval,
		MaxPollAttempts: opts.PairMaxPollAttempts,
		Capabilities:    opts.Capabilities,
		Logger:          opts.Logger,
		Now:             opts.Now,
	}, initial)

	return c, nil
}

// NodeID returns the device node id.
func (c *Client) NodeID() string { return c.opts.Identity.NodeID }

// Connect opens the transport. It is a no-op while connecting or connected.
// A dial failure is returned and also hands the client to the reconnection
// policy. An explicit Connect resets the reconnection budget.
func (c *Client) Connect(ctx context.Context) error {
	var (
		epoch  uint64
		header http.Header
		start  bool
	)
	if !c.loop.Do(func() {
		c.userDisconnected = false
		if c.state.Phase == PhaseConnecting || c.state.Phase == PhaseConnected {
			return
		}
		c.stopReconnect()
		c.policy.Reset()
		epoch = c.beginAttempt()
		c.setState(Connecting())
		header = c.headers()
		start = true
	}) {
		return ErrClientClosed
	}
	if !start {
		return nil
	}
	return c.dial(ctx, epoch, header)
}

// Disconnect closes the transport with a normal closure, rejects every
// pending RPC and cancels pairing work and scheduled reconnects.
func (c *Client) Disconnect() {
	c.loop.Do(func() {
		c.userDisconnected = true
		c.stopReconnect()
		c.teardown(transport.StatusNormalClosure, "client disconnect")
		c.setState(Disconnected())
	})
}

// Close disconnects and stops the client. It is safe to call more than once.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	c.Disconnect()
	c.loop.Close()
	if c.owned {
		c.hub.Close()
	}
	return nil
}

// Subscribe returns a channel of change notifications and a cancel func.
func (c *Client) Subscribe() (<-chan telemetry.Event, func()) {
	return c.hub.Subscribe()
}

// beginAttempt starts a new epoch and releases anything tied to the old one.
func (c *Client) beginAttempt() uint64 {
	c.teardown(transport.StatusGoingAway, "superseded")
	return c.epoch
}

// teardown invalidates the current epoch: the socket is closed in the
// background, pending calls are rejected and pairing work is cancelled.
func (c *Client) teardown(code transport.StatusCode, reason string) {
	c.epoch++
	if live := c.live.Swap(nil); live != nil {
		close(live.done)
		go live.conn.Close(code, reason)
	}
	if n := c.rpc.FailAll(rpc.ErrConnectionClosed); n > 0 {
		c.log.Debug("rejected pending calls", slog.Int("count", n))
	}
	c.machine.Stop()
	telemetry.ConnectionUp.Set(0)
}

func (c *Client) headers() http.Header {
	header := http.Header{}
	header.Set(protocol.HeaderClientType, c.opts.ClientType)
	header.Set(protocol.HeaderNodeID, c.opts.Identity.NodeID)
	if st := c.machine.State(); st.IsPaired() {
		header.Set("Authorization", "Bearer "+st.Token)
	}
	return header
}

// dial runs off the loop and posts its outcome back for epoch.
func (c *Client) dial(ctx context.Context, epoch uint64, header http.Header) error {
	conn, err := c.opts.Dialer.Dial(ctx, c.opts.URL, header)

	var result error
	ok := c.loop.Do(func() {
		if epoch != c.epoch || c.userDisconnected {
			if conn != nil {
				go conn.Close(transport.StatusNormalClosure, "superseded")
			}
			result = classify(rpc.ErrConnectionClosed, "connect")
			return
		}
		if err != nil {
			result = classify(err, "connect")
			if ctx.Err() != nil {
				c.log.Info("connect cancelled", slog.String("error", err.Error()))
				c.teardown(transport.StatusNormalClosure, "cancelled")
				c.setState(Disconnected())
				return
			}
			c.fail(err)
			return
		}
		c.open(epoch, conn)
	})
	if !ok {
		if conn != nil {
			conn.Close(transport.StatusGoingAway, "client closed")
		}
		return ErrClientClosed
	}
	return result
}

func (c *Client) open(epoch uint64, conn transport.Conn) {
	live := &liveConn{conn: conn, epoch: epoch, client: c, done: make(chan struct{})}
	c.live.Store(live)
	c.policy.Reset()
	telemetry.ConnectionUp.Set(1)
	c.setState(Connected())
	c.log.Info("gateway connected", slog.String("url", c.opts.URL))

	go c.readLoop(live)
	c.machine.Begin()
}

// readLoop is the single reader of one transport. It exits on the first
// receive error; frames and the error are handed to the loop in order.
func (c *Client) readLoop(live *liveConn) {
	for {
		data, err := live.conn.Receive(context.Background())
		if err != nil {
			c.loop.Post(func() { c.connectionLost(live.epoch, err) })
			return
		}
		if !c.loop.Post(func() { c.handleFrame(live.epoch, data) }) {
			return
		}
	}
}

func (c *Client) connectionLost(epoch uint64, err error) {
	if epoch != c.epoch || c.userDisconnected {
		return
	}
	c.log.Warn("gateway connection lost", slog.String("error", err.Error()))
	c.fail(err)
}

// fail records a transport failure and schedules the next attempt.
func (c *Client) fail(err error) {
	c.teardown(transport.StatusGoingAway, "connection failed")
	c.setState(Failed(err.Error()))
	c.scheduleReconnect()
}

func (c *Client) scheduleReconnect() {
	c.stopReconnect()
	attempt, delay, ok := c.policy.Next()
	if !ok {
		c.log.Error("giving up on gateway", slog.Int("attempts", attempt))
		c.setState(Failed(reconnect.ExhaustedReason))
		return
	}
	telemetry.ReconnectAttempts.Inc()
	c.setState(Reconnecting(attempt))
	c.log.Info("reconnect scheduled",
		slog.Int("attempt", attempt),
		slog.Duration("delay", delay))

	ctx, cancel := context.WithCancel(context.Background())
	c.cancelReconnect = cancel
	epoch := c.epoch
	go func() {
		if err := c.opts.Sleep(ctx, delay); err != nil {
			return
		}
		var header http.Header
		proceed := false
		c.loop.Do(func() {
			if ctx.Err() != nil || epoch != c.epoch || c.userDisconnected {
				return
			}
			c.cancelReconnect = nil
			epoch = c.beginAttempt()
			header = c.headers()
			proceed = true
		})
		if proceed {
			_ = c.dial(ctx, epoch, header)
			cancel()
		}
	}()
}

func (c *Client) stopReconnect() {
	if c.cancelReconnect != nil {
		c.cancelReconnect()
		c.cancelReconnect = nil
	}
}

func (c *Client) handleFrame(epoch uint64, data []byte) {
	if epoch != c.epoch {
		telemetry.FramesDropped.WithLabelValues("stale").Inc()
		return
	}
	frame, err := protocol.DecodeFrame(data)
	if err != nil {
		telemetry.FramesDropped.WithLabelValues("malformed").Inc()
		c.dropLog.Do(func() {
			c.log.Warn("dropping malformed frame", slog.String("error", err.Error()))
		})
		return
	}

	switch {
	case frame.Response != nil:
		telemetry.FramesReceived.WithLabelValues("response").Inc()
		if !c.rpc.Resolve(*frame.Response) {
			telemetry.FramesDropped.WithLabelValues("unknown_id").Inc()
		}
	case frame.Event != nil:
		telemetry.FramesReceived.WithLabelValues("event").Inc()
		evt, ok := events.Decode(*frame.Event)
		if !ok {
			telemetry.FramesDropped.WithLabelValues("unknown_event").Inc()
			c.dropLog.Do(func() {
				c.log.Debug("ignoring event", slog.String("event", frame.Event.Event))
			})
			return
		}
		c.dispatch(evt)
	default:
		telemetry.FramesDropped.WithLabelValues("unclassified").Inc()
	}
}

func (c *Client) dispatch(evt events.Event) {
	switch e := evt.(type) {
	case events.PairingApproved:
		c.machine.Approve(e.RequestID, e.Token)
		return
	case events.Error:
		c.log.Warn("gateway error event",
			slog.String("session_id", e.SessionID),
			slog.String("code", e.Code),
			slog.String("message", e.Message))
		c.publish(telemetry.EventGatewayError, e.SessionID, map[string]any{
			"code":    e.Code,
			"message": e.Message,
		})
		return
	}

	change := c.store.Apply(evt)
	switch change.Kind {
	case conversation.ChangeConversation:
		telemetry.EventsApplied.WithLabelValues(evt.Name()).Inc()
		c.publish(telemetry.EventConversationUpdated, change.SessionKey, map[string]any{"event": evt.Name()})
	case conversation.ChangeSubAgent:
		telemetry.EventsApplied.WithLabelValues(evt.Name()).Inc()
		c.publish(telemetry.EventSubAgentUpdated, change.SessionKey, map[string]any{"event": evt.Name()})
	}
}

func (c *Client) setState(next ConnectionState) {
	if next == c.state {
		return
	}
	prev := c.state
	c.state = next
	c.log.Debug("connection state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	data := map[string]any{"phase": string(next.Phase)}
	if next.Attempt > 0 {
		data["attempt"] = next.Attempt
	}
	if next.Reason != "" {
		data["reason"] = next.Reason
	}
	c.publish(telemetry.EventConnectionChanged, "", data)
}

func (c *Client) pairingChanged(st pairing.State) {
	data := map[string]any{"phase": string(st.Phase)}
	if st.Code != "" {
		data["code"] = st.Code
	}
	if st.Reason != "" {
		data["reason"] = st.Reason
	}
	c.publish(telemetry.EventPairingChanged, "", data)
}

// reauthenticate reconnects so the transport carries the new token.
func (c *Client) reauthenticate(string) {
	if c.userDisconnected {
		return
	}
	c.log.Info("pairing approved; reconnecting with token")
	c.stopReconnect()
	c.teardown(transport.StatusNormalClosure, "re-authenticating")
	c.setState(Disconnected())

	c.policy.Reset()
	epoch := c.beginAttempt()
	c.setState(Connecting())
	header := c.headers()
	go func() {
		_ = c.dial(context.Background(), epoch, header)
	}()
}

func (c *Client) agentVerified(info pairing.AgentInfo) {
	c.agent = &info
	c.publish(telemetry.EventAgentChanged, "", map[string]any{
		"id":    info.ID,
		"name":  info.Name,
		"model": info.Model,
	})
}

// verifyFailed treats a transport-level verify failure as a lost connection.
// Timeouts and gateway errors leave the connection alone.
func (c *Client) verifyFailed(err error) {
	if c.state.Phase != PhaseConnected || c.userDisconnected {
		return
	}
	var rpcErr *protocol.RPCError
	if errors.Is(err, rpc.ErrTimeout) || errors.As(err, &rpcErr) || errors.Is(err, pairing.ErrMalformedVerify) {
		c.publish(telemetry.EventGatewayError, "", map[string]any{
			"code":    string(apperrors.GetCode(classify(err, "verify pairing"))),
			"message": err.Error(),
		})
		return
	}
	c.fail(err)
}

// publish fans a notification out to the hub and, when configured, the bus.
func (c *Client) publish(kind telemetry.EventType, sessionKey string, data map[string]any) {
	c.hub.Publish(telemetry.Event{
		Type:      kind,
		Timestamp: c.opts.Now(),
		SessionID: sessionKey,
		Data:      data,
	})
	if c.opts.Bus == nil {
		return
	}
	env, err := bus.NewEnvelope(string(kind), sessionKey, data)
	if err != nil {
		return
	}
	raw, err := json.Marshal(env)
	if err != nil {
		return
	}
	if err := c.opts.Bus.Publish(context.Background(), bus.EventsSubject(c.opts.Identity.NodeID), raw); err != nil {
		c.log.Debug("bus publish failed", slog.String("error", err.Error()))
	}
}
