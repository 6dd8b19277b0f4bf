package bus

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// subscriberQueue is the per-subscription backlog. Messages beyond it are
// dropped, matching NATS slow-consumer behaviour.
const subscriberQueue = 256

// MemoryBus is an in-process MessageBus with NATS-style subject wildcards
// and request/reply. Nothing is persisted.
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[uint64]*memorySubscription
	inboxes map[string]chan []byte
	nextID  uint64
	closed  bool
}

// NewMemoryBus returns an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{
		subs:    make(map[uint64]*memorySubscription),
		inboxes: make(map[string]chan []byte),
	}
}

func (b *MemoryBus) Publish(_ context.Context, subject string, data []byte) error {
	_, err := b.route(&Message{Subject: subject, Data: data})
	return err
}

// route delivers msg to a waiting inbox or to every matching subscription
// and reports how many receivers it reached.
func (b *MemoryBus) route(msg *Message) (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return 0, ErrClosed
	}

	if inbox, ok := b.inboxes[msg.Subject]; ok {
		select {
		case inbox <- msg.Data:
		default:
		}
		return 1, nil
	}

	tokens := strings.Split(msg.Subject, ".")
	reached := 0
	for _, sub := range b.subs {
		if !matchTokens(sub.pattern, tokens) {
			continue
		}
		reached++
		select {
		case sub.queue <- msg:
		default:
		}
	}
	return reached, nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, subject string, handler MessageHandler) (Subscription, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	b.nextID++
	sub := &memorySubscription{
		id:      b.nextID,
		subject: subject,
		pattern: strings.Split(subject, "."),
		queue:   make(chan *Message, subscriberQueue),
		done:    make(chan struct{}),
		bus:     b,
	}
	b.subs[sub.id] = sub
	go sub.run(ctx, handler)
	return sub, nil
}

func (b *MemoryBus) Request(ctx context.Context, subject string, data []byte, timeout time.Duration) ([]byte, error) {
	inbox := "_INBOX." + ulid.Make().String()
	replies := make(chan []byte, 1)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, ErrClosed
	}
	b.inboxes[inbox] = replies
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		delete(b.inboxes, inbox)
		b.mu.Unlock()
	}()

	reached, err := b.route(&Message{Subject: subject, Data: data, ReplyTo: inbox})
	if err != nil {
		return nil, err
	}
	if reached == 0 {
		return nil, ErrNoResponders
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case reply := <-replies:
		return reply, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops every subscription. Closing twice returns ErrClosed.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	b.closed = true
	for id, sub := range b.subs {
		sub.stop()
		delete(b.subs, id)
	}
	return nil
}

type memorySubscription struct {
	id      uint64
	subject string
	pattern []string
	queue   chan *Message
	done    chan struct{}
	once    sync.Once
	bus     *MemoryBus
}

func (s *memorySubscription) stop() {
	s.once.Do(func() { close(s.done) })
}

func (s *memorySubscription) Unsubscribe() error {
	s.stop()
	s.bus.mu.Lock()
	delete(s.bus.subs, s.id)
	s.bus.mu.Unlock()
	return nil
}

func (s *memorySubscription) Subject() string { return s.subject }

func (s *memorySubscription) run(ctx context.Context, handler MessageHandler) {
	for {
		select {
		case <-s.done:
			return
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			if reply := handler(msg); reply != nil && msg.ReplyTo != "" {
				_ = s.bus.Publish(ctx, msg.ReplyTo, reply)
			}
		}
	}
}

// matchSubject reports whether subject matches pattern. "*" matches exactly
// one token and a trailing ">" one or more.
func matchSubject(pattern, subject string) bool {
	return matchTokens(strings.Split(pattern, "."), strings.Split(subject, "."))
}

func matchTokens(pattern, subject []string) bool {
	for i, tok := range pattern {
		if tok == ">" {
			return len(subject) > i
		}
		if i >= len(subject) {
			return false
		}
		if tok != "*" && tok != subject[i] {
			return false
		}
	}
	return len(pattern) == len(subject)
}
