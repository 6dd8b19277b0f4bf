package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/nodelink/pkg/bus"
	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway/conversation"
	"github.com/odvcencio/nodelink/pkg/gateway/gatewaytest"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/gateway/reconnect"
	"github.com/odvcencio/nodelink/pkg/gateway/transport"
	"github.com/odvcencio/nodelink/pkg/secrets"
	"github.com/odvcencio/nodelink/pkg/storage"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

const waitTimeout = 5 * time.Second

type testEnv struct {
	srv    *gatewaytest.Server
	client *Client
	tokens secrets.TokenSlot
}

func newTestEnv(t *testing.T, pairingToken string, mutate func(*Options)) *testEnv {
	t.Helper()
	srv := gatewaytest.NewServer(t)
	tokens := secrets.PairingTokenSlot(secrets.NewMemoryStore())

	opts := Options{
		URL: srv.URL(),
		Identity: storage.DeviceIdentity{
			NodeID:       "node-1",
			DisplayName:  "Test Device",
			PairingToken: pairingToken,
		},
		Tokens:           tokens,
		PairPollInterval: 10 * time.Millisecond,
		Sleep:            func(context.Context, time.Duration) error { return nil },
	}
	if mutate != nil {
		mutate(&opts)
	}
	client, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })
	return &testEnv{srv: srv, client: client, tokens: tokens}
}

func (e *testEnv) acceptTokens() {
	e.srv.Reply(protocol.MethodPairVerify, map[string]any{"valid": true})
	e.srv.Reply(protocol.MethodAgentsCurrent, map[string]any{"id": "main", "name": "Main", "model": "opus"})
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	require.NoError(t, e.client.Connect(context.Background()))
	require.Eventually(t, func() bool { return e.client.ConnectionState().IsConnected() }, waitTimeout, 5*time.Millisecond)
}

func TestNewValidatesOptions(t *testing.T) {
	_, err := New(Options{URL: "http://example.com", Identity: storage.DeviceIdentity{NodeID: "n"}})
	require.Error(t, err)

	_, err = New(Options{URL: "ws://example.com"})
	require.Error(t, err)
}

func TestClient_PairingReconnectsWithToken(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.srv.Reply(protocol.MethodPairRequest, map[string]any{"requestId": "r1", "code": "ABC123"})
	env.srv.Reply(protocol.MethodPairStatus, map[string]any{"status": "approved", "token": "tok-xyz"})
	env.acceptTokens()

	env.connect(t)

	conns := env.srv.WaitConns(2, waitTimeout)
	assert.Empty(t, conns[0].Header.Get("Authorization"))
	assert.Equal(t, "node-1", conns[0].Header.Get(protocol.HeaderNodeID))
	assert.Equal(t, DefaultClientType, conns[0].Header.Get(protocol.HeaderClientType))
	assert.Equal(t, "Bearer tok-xyz", conns[1].Header.Get("Authorization"))

	require.Eventually(t, func() bool {
		return env.client.PairingState() == pairing.Paired("tok-xyz")
	}, waitTimeout, 5*time.Millisecond)
	stored, err := env.tokens.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-xyz", stored)

	require.Eventually(t, func() bool {
		agent, ok := env.client.Agent()
		return ok && agent.ID == "main"
	}, waitTimeout, 5*time.Millisecond)

	reqs := env.srv.Requests(protocol.MethodPairRequest)
	require.Len(t, reqs, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, "node-1", params["nodeId"])
	assert.Equal(t, "Test Device", params["displayName"])
}

func TestClient_PushedApprovalEndsPolling(t *testing.T) {
	env := newTestEnv(t, "", nil)
	env.srv.Reply(protocol.MethodPairRequest, map[string]any{"requestId": "r1", "code": "ABC123"})
	env.srv.Reply(protocol.MethodPairStatus, map[string]any{"status": "pending"})
	env.acceptTokens()

	env.connect(t)
	require.Eventually(t, func() bool {
		return env.client.PairingState().Phase == pairing.PhasePendingApproval
	}, waitTimeout, 5*time.Millisecond)
	assert.Equal(t, "ABC123", env.client.PairingState().Code)

	require.NoError(t, env.srv.Push("pairing:approved", "", map[string]any{"requestId": "r1", "token": "tok-push"}))

	conns := env.srv.WaitConns(2, waitTimeout)
	assert.Equal(t, "Bearer tok-push", conns[1].Header.Get("Authorization"))
	assert.Equal(t, pairing.Paired("tok-push"), env.client.PairingState())
}

func TestClient_StoredTokenIsVerified(t *testing.T) {
	env := newTestEnv(t, "tok-stored", nil)
	env.acceptTokens()

	env.connect(t)

	conns := env.srv.WaitConns(1, waitTimeout)
	assert.Equal(t, "Bearer tok-stored", conns[0].Header.Get("Authorization"))
	verify := env.srv.WaitRequests(protocol.MethodPairVerify, 1, waitTimeout)
	var params map[string]any
	require.NoError(t, json.Unmarshal(verify[0].Params, &params))
	assert.Equal(t, "tok-stored", params["token"])
	assert.Empty(t, env.srv.Requests(protocol.MethodPairRequest))

	// The identity copy seeds the secure store.
	stored, err := env.tokens.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "tok-stored", stored)
}

func TestClient_ConnectIsNoOpWhileConnected(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()

	env.connect(t)
	require.NoError(t, env.client.Connect(context.Background()))

	time.Sleep(50 * time.Millisecond)
	assert.Len(t, env.srv.Conns(), 1)
}

func TestClient_DisconnectRejectsPendingCalls(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.srv.Handle(protocol.MethodChatSend, func(json.RawMessage) (any, error) {
		return nil, gatewaytest.ErrNoReply
	})
	env.connect(t)

	const calls = 3
	errs := make(chan error, calls)
	for range calls {
		go func() {
			_, err := env.client.SendMessage(context.Background(), "hello", "")
			errs <- err
		}()
	}
	env.srv.WaitRequests(protocol.MethodChatSend, calls, waitTimeout)

	env.client.Disconnect()

	for range calls {
		select {
		case err := <-errs:
			assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeConnectionClosed), "got %v", err)
		case <-time.After(waitTimeout):
			t.Fatal("pending call was not rejected")
		}
	}
	assert.Zero(t, env.client.rpc.Pending())
	assert.Equal(t, Disconnected(), env.client.ConnectionState())
}

func TestClient_CallOnTornDownConnectionFailsFast(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.srv.Handle(protocol.MethodChatSend, func(json.RawMessage) (any, error) {
		return nil, gatewaytest.ErrNoReply
	})
	env.connect(t)

	// A caller that loaded the connection just before Disconnect.
	stale := env.client.live.Load()
	require.NotNil(t, stale)
	env.client.Disconnect()

	errs := make(chan error, 1)
	go func() {
		_, err := env.client.rpc.Call(context.Background(), stale, protocol.MethodChatSend, nil)
		errs <- err
	}()
	select {
	case err := <-errs:
		assert.Error(t, err)
	case <-time.After(waitTimeout):
		t.Fatal("call on a torn down connection kept waiting")
	}
	assert.Zero(t, env.client.rpc.Pending())
}

func TestClient_SendMessageKeepsMessageOnFailure(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.srv.Handle(protocol.MethodChatSend, func(json.RawMessage) (any, error) {
		return nil, &protocol.RPCError{Code: 429, Message: "slow down"}
	})
	env.connect(t)

	msg, err := env.client.SendMessage(context.Background(), "hi there", "")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeProtocol))
	var rpcErr *protocol.RPCError
	require.True(t, errors.As(err, &rpcErr))
	assert.Equal(t, 429, rpcErr.Code)

	conv, ok := env.client.Conversation(conversation.DefaultSessionKey)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, msg.ID, conv.Messages[0].ID)
	assert.Equal(t, conversation.RoleUser, conv.Messages[0].Role)
	assert.Equal(t, "hi there", conv.Messages[0].Content)

	reqs := env.srv.Requests(protocol.MethodChatSend)
	require.Len(t, reqs, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, conversation.DefaultSessionKey, params["sessionKey"])
	assert.Equal(t, "hi there", params["message"])
	assert.Equal(t, msg.ID, params["idempotencyKey"])
}

func TestClient_SendMessageWithoutConnection(t *testing.T) {
	env := newTestEnv(t, "", nil)

	_, err := env.client.SendMessage(context.Background(), "offline", "agent:main:other")
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConnected))

	conv, ok := env.client.Conversation("agent:main:other")
	require.True(t, ok)
	assert.Len(t, conv.Messages, 1)

	_, err = env.client.SendMessage(context.Background(), "   ", "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestClient_SendLocation(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.srv.Reply(protocol.MethodChatSend, map[string]any{"ok": true})
	env.connect(t)

	accuracy := 12.5
	msg, err := env.client.SendLocation(context.Background(), conversation.Location{
		Latitude:  52.52,
		Longitude: 13.405,
		Accuracy:  &accuracy,
		Label:     "Berlin",
	}, "")
	require.NoError(t, err)
	require.NotNil(t, msg.Location)
	assert.Equal(t, "Berlin", msg.Location.Label)

	reqs := env.srv.Requests(protocol.MethodChatSend)
	require.Len(t, reqs, 1)
	var params struct {
		SessionKey  string           `json:"sessionKey"`
		Attachments []map[string]any `json:"attachments"`
	}
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.Equal(t, conversation.DefaultSessionKey, params.SessionKey)
	require.Len(t, params.Attachments, 1)
	att := params.Attachments[0]
	assert.Equal(t, "location", att["type"])
	assert.InDelta(t, 52.52, att["latitude"], 1e-9)
	assert.InDelta(t, 13.405, att["longitude"], 1e-9)
	assert.InDelta(t, 12.5, att["accuracy"], 1e-9)
	assert.Equal(t, "Berlin", att["label"])

	_, err = env.client.SendLocation(context.Background(), conversation.Location{Latitude: 91}, "")
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeInvalidInput))
}

func TestClient_FetchHistoryDropsMalformedRecords(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.srv.Reply(protocol.MethodChatHistory, map[string]any{
		"messages": []any{
			map[string]any{"id": "m1", "role": "user", "content": "hello", "timestamp": 1700000000000},
			map[string]any{"role": "system", "content": "ignored"},
			map[string]any{"role": "assistant", "content": []any{
				map[string]any{"type": "text", "text": "hi "},
				map[string]any{"type": "image", "url": "x"},
				map[string]any{"type": "text", "text": "back"},
			}},
			"garbage",
			map[string]any{"role": "assistant"},
		},
	})
	env.connect(t)

	msgs, err := env.client.FetchHistory(context.Background(), "", 0)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, time.UnixMilli(1700000000000), msgs[0].Timestamp)
	assert.Equal(t, conversation.RoleAssistant, msgs[1].Role)
	assert.Equal(t, "hi back", msgs[1].Content)
	assert.NotEmpty(t, msgs[1].ID)

	reqs := env.srv.Requests(protocol.MethodChatHistory)
	require.Len(t, reqs, 1)
	var params map[string]any
	require.NoError(t, json.Unmarshal(reqs[0].Params, &params))
	assert.EqualValues(t, DefaultHistoryLimit, params["limit"])
}

func TestClient_EventsFoldIntoConversation(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	updates, cancel := env.client.Subscribe()
	defer cancel()
	env.connect(t)

	key := conversation.DefaultSessionKey
	require.NoError(t, env.srv.Push("stream:start", key, map[string]any{}))
	require.NoError(t, env.srv.Push("assistant:delta", key, map[string]any{"messageId": "a1", "text": "Hel"}))
	require.NoError(t, env.srv.PushRaw([]byte(`{not json`)))
	require.NoError(t, env.srv.Push("unknown:event", key, map[string]any{}))
	require.NoError(t, env.srv.Push("assistant:delta", key, map[string]any{"messageId": "a1", "text": "lo"}))
	require.NoError(t, env.srv.Push("stream:end", key, map[string]any{}))

	require.Eventually(t, func() bool {
		conv, ok := env.client.Conversation(key)
		if !ok || conv.Status != conversation.StatusActive {
			return false
		}
		last, ok := conv.LastMessage()
		return ok && last.Content == "Hello" && !last.IsStreaming
	}, waitTimeout, 5*time.Millisecond)

	assert.True(t, env.client.ConnectionState().IsConnected(), "malformed frames must not drop the connection")

	sawUpdate := false
	for !sawUpdate {
		select {
		case evt := <-updates:
			sawUpdate = evt.Type == telemetry.EventConversationUpdated && evt.SessionID == key
		case <-time.After(waitTimeout):
			t.Fatal("no conversation update published")
		}
	}
}

func TestClient_ReconnectsAfterTransportLoss(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.connect(t)

	env.srv.DropAll()

	env.srv.WaitConns(2, waitTimeout)
	require.Eventually(t, func() bool { return env.client.ConnectionState().IsConnected() }, waitTimeout, 5*time.Millisecond)
	env.srv.WaitRequests(protocol.MethodPairVerify, 2, waitTimeout)
}

func TestClient_ReconnectBackoffGivesUp(t *testing.T) {
	var (
		mu     sync.Mutex
		delays []time.Duration
		dials  int
	)
	dialer := transport.DialFunc(func(context.Context, string, http.Header) (transport.Conn, error) {
		mu.Lock()
		dials++
		mu.Unlock()
		return nil, errors.New("connection refused")
	})
	env := newTestEnv(t, "", func(o *Options) {
		o.Dialer = dialer
		o.Sleep = func(ctx context.Context, d time.Duration) error {
			mu.Lock()
			delays = append(delays, d)
			mu.Unlock()
			return ctx.Err()
		}
	})

	err := env.client.Connect(context.Background())
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeTransport))

	require.Eventually(t, func() bool {
		return env.client.ConnectionState() == Failed(reconnect.ExhaustedReason)
	}, waitTimeout, 5*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []time.Duration{
		2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 30 * time.Second,
	}, delays)
	assert.Equal(t, 6, dials)
}

func TestClient_ConnectAfterGivingUpStartsOver(t *testing.T) {
	var refuse atomic.Bool
	refuse.Store(true)
	ws := transport.WebSocketDialer{}
	env := newTestEnv(t, "tok", func(o *Options) {
		o.Dialer = transport.DialFunc(func(ctx context.Context, url string, h http.Header) (transport.Conn, error) {
			if refuse.Load() {
				return nil, errors.New("refused")
			}
			return ws.Dial(ctx, url, h)
		})
	})
	env.acceptTokens()

	_ = env.client.Connect(context.Background())
	require.Eventually(t, func() bool {
		return env.client.ConnectionState() == Failed(reconnect.ExhaustedReason)
	}, waitTimeout, 5*time.Millisecond)

	refuse.Store(false)
	env.connect(t)
	env.srv.WaitConns(1, waitTimeout)
}

func TestClient_ResetPairingForgetsToken(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()
	env.connect(t)

	require.NoError(t, env.client.ResetPairing(context.Background()))

	assert.Equal(t, pairing.Unpaired(), env.client.PairingState())
	assert.Equal(t, Disconnected(), env.client.ConnectionState())
	stored, err := env.tokens.LoadToken()
	require.NoError(t, err)
	assert.Empty(t, stored)
	_, ok := env.client.Agent()
	assert.False(t, ok)
}

func TestClient_RetryPairing(t *testing.T) {
	env := newTestEnv(t, "tok", nil)
	env.acceptTokens()

	err := env.client.RetryPairing()
	require.Error(t, err)
	assert.True(t, apperrors.IsCode(err, apperrors.ErrCodeNotConnected))

	env.connect(t)
	env.srv.WaitRequests(protocol.MethodPairVerify, 1, waitTimeout)

	require.NoError(t, env.client.RetryPairing())
	env.srv.WaitRequests(protocol.MethodPairVerify, 2, waitTimeout)
	assert.Empty(t, env.srv.Requests(protocol.MethodPairRequest))
}

func TestClient_ServeBus(t *testing.T) {
	mb := bus.NewMemoryBus()
	t.Cleanup(func() { _ = mb.Close() })
	env := newTestEnv(t, "tok", func(o *Options) { o.Bus = mb })
	env.acceptTokens()
	env.srv.Reply(protocol.MethodChatSend, map[string]any{"ok": true})

	published := make(chan bus.Envelope, 64)
	_, err := mb.Subscribe(context.Background(), bus.EventsSubject("node-1"), func(msg *bus.Message) []byte {
		var env bus.Envelope
		if json.Unmarshal(msg.Data, &env) == nil {
			published <- env
		}
		return nil
	})
	require.NoError(t, err)

	env.connect(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = env.client.ServeBus(ctx) }()

	body, err := json.Marshal(bus.SendRequest{Text: "from the bus"})
	require.NoError(t, err)
	var raw []byte
	require.Eventually(t, func() bool {
		raw, err = mb.Request(context.Background(), bus.SendSubject("node-1"), body, time.Second)
		return err == nil
	}, waitTimeout, 10*time.Millisecond)

	var reply bus.SendReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.True(t, reply.OK, reply.Error)
	assert.NotEmpty(t, reply.MessageID)

	sawConnected := false
	for !sawConnected {
		select {
		case env := <-published:
			if env.Type == string(telemetry.EventConnectionChanged) {
				var data map[string]any
				require.NoError(t, json.Unmarshal(env.Data, &data))
				sawConnected = data["phase"] == string(PhaseConnected)
			}
		case <-time.After(waitTimeout):
			t.Fatal("connection change not published on the bus")
		}
	}
}
