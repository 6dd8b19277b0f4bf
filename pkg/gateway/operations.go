package gateway

import (
	"context"
	"strings"

	"github.com/google/uuid"

	apperrors "github.com/odvcencio/nodelink/pkg/errors"
	"github.com/odvcencio/nodelink/pkg/gateway/conversation"
	"github.com/odvcencio/nodelink/pkg/gateway/pairing"
	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/gateway/rpc"
	"github.com/odvcencio/nodelink/pkg/gateway/transport"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

// DefaultHistoryLimit is used when FetchHistory is given no limit.
const DefaultHistoryLimit = 50

// call issues one RPC on the current transport. It is safe off the loop.
func (c *Client) call(ctx context.Context, method string, params any) (protocol.Value, error) {
	var sender rpc.Sender
	if live := c.live.Load(); live != nil {
		sender = live
	}
	return c.rpc.Call(ctx, sender, method, params)
}

// SendMessage appends text to the conversation for sessionKey as a user
// message, then sends it. The message stays in the conversation when the
// send fails.
func (c *Client) SendMessage(ctx context.Context, text, sessionKey string) (conversation.Message, error) {
	if strings.TrimSpace(text) == "" {
		return conversation.Message{}, apperrors.New(apperrors.ErrCodeInvalidInput, "message text is empty")
	}
	key := sessionKeyOrDefault(sessionKey)
	msg, err := c.appendLocal(key, text, nil)
	if err != nil {
		return conversation.Message{}, err
	}

	_, err = c.call(ctx, protocol.MethodChatSend, map[string]any{
		"sessionKey":     key,
		"message":        text,
		"idempotencyKey": msg.ID,
	})
	return msg, classify(err, "send message")
}

// SendLocation shares loc in the conversation for sessionKey. The location
// is recorded locally the same way SendMessage records text.
func (c *Client) SendLocation(ctx context.Context, loc conversation.Location, sessionKey string) (conversation.Message, error) {
	if loc.Latitude < -90 || loc.Latitude > 90 || loc.Longitude < -180 || loc.Longitude > 180 {
		return conversation.Message{}, apperrors.New(apperrors.ErrCodeInvalidInput, "location out of range").
			WithContext("latitude", loc.Latitude).
			WithContext("longitude", loc.Longitude)
	}
	key := sessionKeyOrDefault(sessionKey)
	msg, err := c.appendLocal(key, locationText(loc), &loc)
	if err != nil {
		return conversation.Message{}, err
	}

	attachment := map[string]any{
		"type":      "location",
		"latitude":  loc.Latitude,
		"longitude": loc.Longitude,
	}
	if loc.Accuracy != nil {
		attachment["accuracy"] = *loc.Accuracy
	}
	if loc.Label != "" {
		attachment["label"] = loc.Label
	}
	_, err = c.call(ctx, protocol.MethodChatSend, map[string]any{
		"sessionKey":     key,
		"message":        msg.Content,
		"idempotencyKey": msg.ID,
		"attachments":    []any{attachment},
	})
	return msg, classify(err, "send location")
}

// FetchHistory loads up to limit past messages of sessionKey. Records that
// cannot be mapped are skipped. The local conversation is not modified.
func (c *Client) FetchHistory(ctx context.Context, sessionKey string, limit int) ([]conversation.Message, error) {
	if limit <= 0 {
		limit = DefaultHistoryLimit
	}
	key := sessionKeyOrDefault(sessionKey)
	res, err := c.call(ctx, protocol.MethodChatHistory, map[string]any{
		"sessionKey": key,
		"limit":      limit,
	})
	if err != nil {
		return nil, classify(err, "fetch history")
	}

	convID := key
	c.loop.Do(func() {
		if conv, ok := c.store.Conversation(key); ok {
			convID = conv.ID
		}
	})

	records := conversation.HistoryRecords(res)
	out := make([]conversation.Message, 0, len(records))
	for _, rec := range records {
		msg, ok := conversation.MessageFromRecord(convID, rec, uuid.NewString)
		if !ok {
			telemetry.FramesDropped.WithLabelValues("history_record").Inc()
			continue
		}
		out = append(out, msg)
	}
	return out, nil
}

// ResetPairing forgets the pairing token and disconnects. The next Connect
// starts a fresh pairing request.
func (c *Client) ResetPairing(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	var resetErr error
	if !c.loop.Do(func() {
		resetErr = c.machine.Reset()
		c.agent = nil
		c.userDisconnected = true
		c.stopReconnect()
		c.teardown(transport.StatusNormalClosure, "pairing reset")
		c.setState(Disconnected())
	}) {
		return ErrClientClosed
	}
	if resetErr != nil {
		return apperrors.Wrap(resetErr, apperrors.ErrCodeStorageWrite, "reset pairing")
	}
	return nil
}

// RetryPairing restarts the handshake on the live connection: a paired
// device verifies again, any other starts a new pairing request.
func (c *Client) RetryPairing() error {
	var err error
	if !c.loop.Do(func() {
		if c.state.Phase != PhaseConnected {
			err = classify(rpc.ErrNotConnected, "retry pairing")
			return
		}
		if st := c.machine.State(); st.IsPaired() {
			c.machine.Verify(st.Token)
			return
		}
		c.machine.RequestPairing()
	}) {
		return ErrClientClosed
	}
	return err
}

// ConnectionState returns the current connection state.
func (c *Client) ConnectionState() ConnectionState {
	st := Disconnected()
	c.loop.Do(func() { st = c.state })
	return st
}

// PairingState returns the current pairing state.
func (c *Client) PairingState() pairing.State {
	st := pairing.Unpaired()
	c.loop.Do(func() { st = c.machine.State() })
	return st
}

// Conversations returns a snapshot of every conversation, newest first.
func (c *Client) Conversations() []conversation.Conversation {
	var out []conversation.Conversation
	c.loop.Do(func() { out = c.store.Conversations() })
	return out
}

// Conversation returns a snapshot of one conversation.
func (c *Client) Conversation(sessionKey string) (conversation.Conversation, bool) {
	var (
		conv conversation.Conversation
		ok   bool
	)
	c.loop.Do(func() { conv, ok = c.store.Conversation(sessionKeyOrDefault(sessionKey)) })
	return conv, ok
}

// SubAgents returns a snapshot of the tracked sub-agents.
func (c *Client) SubAgents() []conversation.SubAgentInfo {
	var out []conversation.SubAgentInfo
	c.loop.Do(func() { out = c.store.SubAgents() })
	return out
}

// Agent returns the agent reported after the last successful verification.
func (c *Client) Agent() (pairing.AgentInfo, bool) {
	var (
		info pairing.AgentInfo
		ok   bool
	)
	c.loop.Do(func() {
		if c.agent != nil {
			info, ok = *c.agent, true
		}
	})
	return info, ok
}

func (c *Client) appendLocal(key, text string, loc *conversation.Location) (conversation.Message, error) {
	var msg conversation.Message
	if !c.loop.Do(func() {
		msg = c.store.AppendUserMessage(key, text, loc)
		c.publish(telemetry.EventConversationUpdated, key, map[string]any{"message_id": msg.ID})
	}) {
		return conversation.Message{}, ErrClientClosed
	}
	return msg, nil
}

func sessionKeyOrDefault(key string) string {
	if key = strings.TrimSpace(key); key != "" {
		return key
	}
	return conversation.DefaultSessionKey
}

func locationText(loc conversation.Location) string {
	if loc.Label != "" {
		return "📍 " + loc.Label
	}
	return "📍 Shared location"
}
