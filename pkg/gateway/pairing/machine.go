package pairing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

const (
	DefaultPollInterval    = 2 * time.Second
	DefaultMaxPollAttempts = 150
)

// DefaultCapabilities is advertised with every pairing request.
var DefaultCapabilities = []string{"chat", "location", "subagents"}

// ErrMalformedVerify is reported when node.pair.verify answers without a
// boolean valid field.
var ErrMalformedVerify = errors.New("pairing: verify response missing valid flag")

// Caller issues RPCs over the current connection.
type Caller interface {
	Call(ctx context.Context, method string, params any) (protocol.Value, error)
}

//go:generate mockgen -destination=mocks/mock_stores.go -package=mocks . TokenStore,IdentityStore

// TokenStore is the secure storage slot for the pairing token.
type TokenStore interface {
	LoadToken() (string, error)
	SaveToken(token string) error
	ClearToken() error
}

// IdentityStore persists the pairing fields of the device identity.
type IdentityStore interface {
	SavePairing(token string, at time.Time) error
	ClearPairing() error
}

// Device identifies this client to the gateway.
type Device struct {
	NodeID      string
	DisplayName string
}

// AgentInfo is the agents.current answer fetched after verification.
type AgentInfo struct {
	ID    string
	Name  string
	Model string
}

// Hooks notify the owner of transitions. All hooks run on the owner's
// execution context.
type Hooks struct {
	// OnStateChange observes every transition.
	OnStateChange func(State)
	// OnPaired fires after a fresh token is persisted; the owner must
	// reconnect so the transport authenticates with it.
	OnPaired func(token string)
	// OnVerified fires once a stored token is confirmed and the agent
	// fetched.
	OnVerified func(AgentInfo)
	// OnVerifyFailed reports an RPC-level verify failure. Pairing state is
	// left as is; the owner treats it as a connection failure.
	OnVerifyFailed func(error)
}

// Config wires a Machine.
type Config struct {
	Device   Device
	Caller   Caller
	Tokens   TokenStore
	Identity IdentityStore
	// Post runs fn on the owner's execution context without blocking.
	Post  func(fn func()) bool
	Hooks Hooks

	PollInterval    time.Duration
	MaxPollAttempts int
	Capabilities    []string
	Logger          *slog.Logger
	Now             func() time.Time
}

// Machine is the pairing state machine. Its methods must be called from the
// owner's execution context; network calls and the poll loop run on their
// own goroutines and post results back through Config.Post. Every result is
// tagged with the generation it was started under and dropped if the machine
// has moved on.
type Machine struct {
	cfg   Config
	log   *slog.Logger
	state State

	gen    uint64
	ctx    context.Context
	cancel context.CancelFunc
}

// New returns a Machine starting in initial.
func New(cfg Config, initial State) *Machine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.MaxPollAttempts <= 0 {
		cfg.MaxPollAttempts = DefaultMaxPollAttempts
	}
	if len(cfg.Capabilities) == 0 {
		cfg.Capabilities = DefaultCapabilities
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	if initial.Phase == "" {
		initial = Unpaired()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:    cfg,
		log:    log.With(slog.String("component", "pairing")),
		state:  initial,
		ctx:    ctx,
		cancel: cancel,
	}
}

// InitialState resolves the cold-start state: the secure store is checked
// first, then the identity copy. A token found only in the identity copy is
// written back to the secure store.
func InitialState(tokens TokenStore, identityToken string) State {
	if tokens != nil {
		if token, err := tokens.LoadToken(); err == nil && strings.TrimSpace(token) != "" {
			return Paired(token)
		}
	}
	if token := strings.TrimSpace(identityToken); token != "" {
		if tokens != nil {
			_ = tokens.SaveToken(token)
		}
		return Paired(token)
	}
	return Unpaired()
}

// State returns the current state.
func (m *Machine) State() State { return m.state }

// Begin runs after the transport opens: a paired device verifies its token,
// a device waiting on approval resumes polling, an unpaired one requests
// pairing. A failed machine waits for the user.
func (m *Machine) Begin() {
	switch m.state.Phase {
	case PhasePaired:
		m.Verify(m.state.Token)
	case PhasePendingApproval:
		m.invalidate()
		m.startPoll(m.state.RequestID)
	case PhaseUnpaired:
		m.RequestPairing()
	}
}

// RequestPairing asks the gateway for a pairing code and starts polling.
func (m *Machine) RequestPairing() {
	m.invalidate()
	gen, ctx := m.gen, m.ctx
	params := map[string]any{
		"nodeId":       m.cfg.Device.NodeID,
		"displayName":  m.cfg.Device.DisplayName,
		"capabilities": m.cfg.Capabilities,
	}
	go func() {
		res, err := m.cfg.Caller.Call(ctx, protocol.MethodPairRequest, params)
		m.post(gen, func() { m.handleRequest(res, err) })
	}()
}

// Verify checks a stored token with the gateway.
func (m *Machine) Verify(token string) {
	m.invalidate()
	gen, ctx := m.gen, m.ctx
	params := map[string]any{
		"nodeId": m.cfg.Device.NodeID,
		"token":  token,
	}
	go func() {
		res, err := m.cfg.Caller.Call(ctx, protocol.MethodPairVerify, params)
		if err != nil {
			m.post(gen, func() { m.verifyFailed(err) })
			return
		}
		valid, ok := res.BoolField("valid")
		if !ok {
			m.post(gen, func() { m.verifyFailed(ErrMalformedVerify) })
			return
		}
		if !valid {
			m.post(gen, m.handleInvalidToken)
			return
		}

		agentRes, err := m.cfg.Caller.Call(ctx, protocol.MethodAgentsCurrent, nil)
		if err != nil {
			if ctx.Err() == nil {
				m.log.Warn("fetch current agent failed", slog.String("error", err.Error()))
			}
			return
		}
		info := parseAgent(agentRes)
		m.post(gen, func() {
			if m.cfg.Hooks.OnVerified != nil {
				m.cfg.Hooks.OnVerified(info)
			}
		})
	}()
}

// Approve applies an approval pushed by the gateway. It is ignored unless the
// machine is pending approval for requestID (an empty requestID matches any).
func (m *Machine) Approve(requestID, token string) {
	if m.state.Phase != PhasePendingApproval {
		return
	}
	if requestID != "" && requestID != m.state.RequestID {
		return
	}
	m.approve(token)
}

// Reset clears every stored copy of the token and forces the unpaired state.
// The owner is expected to disconnect afterwards.
func (m *Machine) Reset() error {
	m.invalidate()
	var errs []error
	if m.cfg.Tokens != nil {
		if err := m.cfg.Tokens.ClearToken(); err != nil {
			errs = append(errs, fmt.Errorf("clear token: %w", err))
		}
	}
	if m.cfg.Identity != nil {
		if err := m.cfg.Identity.ClearPairing(); err != nil {
			errs = append(errs, fmt.Errorf("clear identity pairing: %w", err))
		}
	}
	m.transition(Unpaired())
	return errors.Join(errs...)
}

// Stop cancels the poll loop and any in-flight pairing call. State is kept.
func (m *Machine) Stop() { m.invalidate() }

func (m *Machine) handleRequest(res protocol.Value, err error) {
	if err != nil {
		m.log.Warn("pairing request failed", slog.String("error", err.Error()))
		m.transition(Failed("Pairing request failed: " + err.Error()))
		return
	}
	requestID, _ := res.StringField("requestId")
	code, _ := res.StringField("code")
	if requestID == "" || code == "" {
		m.transition(Failed(ReasonInvalidResponse))
		return
	}
	m.transition(PendingApproval(code, requestID))
	m.startPoll(requestID)
}

func (m *Machine) startPoll(requestID string) {
	gen, ctx := m.gen, m.ctx
	go m.poll(ctx, gen, requestID)
}

func (m *Machine) poll(ctx context.Context, gen uint64, requestID string) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	params := map[string]any{"requestId": requestID}
	for attempt := 1; attempt <= m.cfg.MaxPollAttempts; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		res, err := m.cfg.Caller.Call(ctx, protocol.MethodPairStatus, params)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			m.log.Debug("pairing status poll failed",
				slog.Int("attempt", attempt),
				slog.String("error", err.Error()))
			continue
		}

		status, _ := res.StringField("status")
		switch strings.ToLower(status) {
		case "approved":
			token, _ := res.StringField("token")
			if token == "" {
				m.log.Warn("pairing approved without token", slog.String("request_id", requestID))
				continue
			}
			m.postPending(gen, requestID, func() { m.approve(token) })
			return
		case "rejected":
			m.postPending(gen, requestID, func() { m.transition(Failed(ReasonRejected)) })
			return
		case "expired":
			m.postPending(gen, requestID, func() { m.transition(Failed(ReasonExpired)) })
			return
		}
	}
	m.postPending(gen, requestID, func() { m.transition(Failed(ReasonTimedOut)) })
}

func (m *Machine) approve(token string) {
	m.invalidate()
	now := m.cfg.Now()
	if m.cfg.Tokens != nil {
		if err := m.cfg.Tokens.SaveToken(token); err != nil {
			m.log.Error("persist pairing token failed", slog.String("error", err.Error()))
		}
	}
	if m.cfg.Identity != nil {
		if err := m.cfg.Identity.SavePairing(token, now); err != nil {
			m.log.Error("persist device pairing failed", slog.String("error", err.Error()))
		}
	}
	m.transition(Paired(token))
	if m.cfg.Hooks.OnPaired != nil {
		m.cfg.Hooks.OnPaired(token)
	}
}

// handleInvalidToken self-heals a rejected token by pairing again.
func (m *Machine) handleInvalidToken() {
	m.log.Info("stored pairing token rejected; re-pairing")
	if err := m.Reset(); err != nil {
		m.log.Warn("clear rejected token", slog.String("error", err.Error()))
	}
	m.RequestPairing()
}

func (m *Machine) verifyFailed(err error) {
	m.log.Warn("pairing verification failed", slog.String("error", err.Error()))
	if m.cfg.Hooks.OnVerifyFailed != nil {
		m.cfg.Hooks.OnVerifyFailed(err)
	}
}

func (m *Machine) transition(next State) {
	prev := m.state
	m.state = next
	telemetry.PairingTransitions.WithLabelValues(string(next.Phase)).Inc()
	m.log.Info("pairing state changed",
		slog.String("from", prev.String()),
		slog.String("to", next.String()))
	if m.cfg.Hooks.OnStateChange != nil {
		m.cfg.Hooks.OnStateChange(next)
	}
}

// invalidate starts a new generation, cancelling work tied to the old one.
func (m *Machine) invalidate() {
	m.cancel()
	m.gen++
	m.ctx, m.cancel = context.WithCancel(context.Background())
}

func (m *Machine) post(gen uint64, fn func()) {
	m.cfg.Post(func() {
		if m.gen != gen {
			return
		}
		fn()
	})
}

// postPending is post restricted to the pending request it was started for.
func (m *Machine) postPending(gen uint64, requestID string, fn func()) {
	m.post(gen, func() {
		if m.state.Phase != PhasePendingApproval || m.state.RequestID != requestID {
			return
		}
		fn()
	})
}

func parseAgent(res protocol.Value) AgentInfo {
	src := res
	if nested, ok := res.Get("agent"); ok && nested.Kind() == protocol.KindObject {
		src = nested
	}
	var info AgentInfo
	info.ID, _ = src.StringField("id")
	info.Name, _ = src.StringField("name")
	info.Model, _ = src.StringField("model")
	return info
}
