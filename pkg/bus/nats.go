package bus

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSBus is a MessageBus over NATS core subjects.
type NATSBus struct {
	nc     *nats.Conn
	closed atomic.Bool
}

// NewNATSBus dials cfg.URL (nats.DefaultURL when empty). The connection
// reconnects indefinitely; publishes made while disconnected are buffered by
// the NATS client.
func NewNATSBus(cfg Config) (*NATSBus, error) {
	url := cfg.URL
	if url == "" {
		url = nats.DefaultURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultConfig().Timeout
	}
	name := cfg.Name
	if name == "" {
		name = DefaultConfig().Name
	}

	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.Timeout(timeout),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.RetryOnFailedConnect(false),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect %s: %w", url, err)
	}
	return &NATSBus{nc: nc}, nil
}

func (b *NATSBus) Publish(ctx context.Context, subject string, data []byte) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return b.nc.Publish(subject, data)
}

// Subscribe runs handler on the NATS delivery goroutine. The subscription
// ends when ctx is done or Unsubscribe is called.
func (b *NATSBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	ns, err := b.nc.Subscribe(subject, func(m *nats.Msg) {
		reply := handler(&Message{Subject: m.Subject, Data: m.Data, ReplyTo: m.Reply})
		if reply == nil || m.Reply == "" {
			return
		}
		_ = m.Respond(reply)
	})
	if err != nil {
		return nil, fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	sub := &natsSubscription{ns: ns}
	if done := ctx.Done(); done != nil {
		go func() {
			<-done
			_ = sub.Unsubscribe()
		}()
	}
	return sub, nil
}

func (b *NATSBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	msg, err := b.nc.RequestWithContext(ctx, subject, data)
	if err == nil {
		return msg.Data, nil
	}
	if errors.Is(err, nats.ErrNoResponders) {
		return nil, ErrNoResponders
	}
	if errors.Is(err, nats.ErrTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return nil, ErrTimeout
	}
	return nil, err
}

// Close drains in-flight messages and closes the connection.
func (b *NATSBus) Close() error {
	if b.closed.Swap(true) {
		return ErrClosed
	}
	return b.nc.Drain()
}

type natsSubscription struct {
	ns   *nats.Subscription
	done atomic.Bool
}

func (s *natsSubscription) Unsubscribe() error {
	if s.done.Swap(true) {
		return nil
	}
	err := s.ns.Unsubscribe()
	if errors.Is(err, nats.ErrConnectionClosed) || errors.Is(err, nats.ErrConnectionDraining) || errors.Is(err, nats.ErrBadSubscription) {
		return nil
	}
	return err
}

func (s *natsSubscription) Subject() string { return s.ns.Subject }
