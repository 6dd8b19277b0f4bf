// Package bus publishes client notifications to other local processes and
// accepts commands from them. NATS backs it in deployment; MemoryBus serves
// single-process use and tests.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	// ErrTimeout is returned when a request times out waiting for a response.
	ErrTimeout = errors.New("request timeout")

	// ErrNoResponders is returned when no subscribers are available to handle a request.
	ErrNoResponders = errors.New("no responders available")

	// ErrClosed is returned when operating on a closed bus or subscription.
	ErrClosed = errors.New("bus or subscription closed")
)

// MessageBus is a publish/subscribe and request/reply transport.
// Implementations must be safe for concurrent use.
type MessageBus interface {
	// Publish sends data to all subscribers of subject without waiting for
	// delivery.
	Publish(ctx context.Context, subject string, data []byte) error

	// Subscribe registers handler for subject. "*" matches one token and
	// ">" the remaining tokens.
	Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error)

	// Request publishes data and waits for a single reply.
	Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error)

	Close() error
}

// MessageHandler processes incoming messages.
// For request/reply, return data to send as response; return nil for no response.
type MessageHandler func(msg *Message) []byte

// Message represents an incoming message from the bus.
type Message struct {
	Subject string
	Data    []byte
	ReplyTo string
}

// Subscription represents an active subscription that can be cancelled.
type Subscription interface {
	Unsubscribe() error
	Subject() string
}

// Config holds configuration for creating a MessageBus.
type Config struct {
	// URL is the NATS server URL. An empty URL selects MemoryBus in Open.
	URL     string
	Name    string
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Name:    "nodelink",
		Timeout: 5 * time.Second,
	}
}

// Open returns a NATSBus when cfg.URL is set, otherwise a MemoryBus.
func Open(cfg Config) (MessageBus, error) {
	if cfg.URL == "" {
		return NewMemoryBus(), nil
	}
	return NewNATSBus(cfg)
}

// EventsSubject is where a node publishes its notifications.
func EventsSubject(nodeID string) string { return "nodelink." + nodeID + ".events" }

// SendSubject is where a node accepts chat send requests.
func SendSubject(nodeID string) string { return "nodelink." + nodeID + ".send" }

// Envelope is the JSON body of every published notification.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	SessionKey string          `json:"sessionKey,omitempty"`
	Timestamp  time.Time       `json:"timestamp"`
	Data       json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope stamps a notification with a ULID and the current time.
func NewEnvelope(kind, sessionKey string, data any) (Envelope, error) {
	env := Envelope{
		ID:         ulid.Make().String(),
		Type:       kind,
		SessionKey: sessionKey,
		Timestamp:  time.Now().UTC(),
	}
	if data != nil {
		raw, err := json.Marshal(data)
		if err != nil {
			return Envelope{}, err
		}
		env.Data = raw
	}
	return env, nil
}

// SendRequest is the body accepted on SendSubject.
type SendRequest struct {
	SessionKey string `json:"sessionKey,omitempty"`
	Text       string `json:"text"`
}

// SendReply answers a SendRequest.
type SendReply struct {
	OK        bool   `json:"ok"`
	MessageID string `json:"messageId,omitempty"`
	Error     string `json:"error,omitempty"`
}
