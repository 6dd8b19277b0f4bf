// Package rpc correlates request/response pairs multiplexed over the gateway
// stream.
package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
	"github.com/odvcencio/nodelink/pkg/telemetry"
)

// DefaultTimeout is how long a call waits for its response.
const DefaultTimeout = 30 * time.Second

const tracerName = "github.com/odvcencio/nodelink/pkg/gateway/rpc"

var (
	// ErrTimeout is returned when no response arrives within the timeout.
	ErrTimeout = errors.New("rpc: request timed out")
	// ErrConnectionClosed is delivered to every pending call when the
	// transport goes away.
	ErrConnectionClosed = errors.New("rpc: connection closed")
	// ErrNotConnected is returned when a call is made without a transport.
	ErrNotConnected = errors.New("rpc: not connected")
)

// Sender writes one encoded frame to the transport.
type Sender interface {
	Send(ctx context.Context, data []byte) error
}

// Closable is implemented by senders bound to a connection that can go away.
// A call whose sender is done fails with ErrConnectionClosed, including one
// that registered after FailAll drained the table.
type Closable interface {
	Done() <-chan struct{}
}

type outcome struct {
	value protocol.Value
	err   error
}

type pendingCall struct {
	method string
	done   chan outcome
}

// Correlator tracks in-flight calls by request id. Every pending entry is
// completed exactly once: by its response, by its timeout, by cancellation of
// the caller's context, or by FailAll.
type Correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall

	timeout time.Duration
	newID   func() string
	tracer  trace.Tracer
	now     func() time.Time
}

// Option configures a Correlator.
type Option func(*Correlator)

// WithTimeout overrides DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Correlator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithIDGenerator overrides the uuid request id generator.
func WithIDGenerator(fn func() string) Option {
	return func(c *Correlator) {
		if fn != nil {
			c.newID = fn
		}
	}
}

// WithTracer overrides the global OpenTelemetry tracer.
func WithTracer(t trace.Tracer) Option {
	return func(c *Correlator) {
		if t != nil {
			c.tracer = t
		}
	}
}

// New constructs a Correlator.
func New(opts ...Option) *Correlator {
	c := &Correlator{
		pending: make(map[string]*pendingCall),
		timeout: DefaultTimeout,
		newID:   uuid.NewString,
		tracer:  otel.Tracer(tracerName),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Call sends method with params over sender and waits for the matching
// response. A response carrying an error object is returned as
// *protocol.RPCError.
func (c *Correlator) Call(ctx context.Context, sender Sender, method string, params any) (protocol.Value, error) {
	ctx, span := c.tracer.Start(ctx, "rpc "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("rpc.method", method)))
	defer span.End()

	started := c.now()
	value, label, err := c.call(ctx, span, sender, method, params)

	telemetry.RPCCalls.WithLabelValues(method, label).Inc()
	telemetry.RPCLatency.WithLabelValues(method).Observe(c.now().Sub(started).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, label)
	}
	return value, err
}

func (c *Correlator) call(ctx context.Context, span trace.Span, sender Sender, method string, params any) (protocol.Value, string, error) {
	if sender == nil {
		return protocol.Null(), "not_connected", ErrNotConnected
	}

	id := c.newID()
	span.SetAttributes(attribute.String("rpc.request_id", id))
	payload, err := protocol.EncodeRequest(id, method, params)
	if err != nil {
		return protocol.Null(), "encode_failed", err
	}

	// Register before sending so a fast response cannot miss its entry.
	call := &pendingCall{method: method, done: make(chan outcome, 1)}
	c.register(id, call)

	if err := sender.Send(ctx, payload); err != nil {
		if c.remove(id) {
			return protocol.Null(), "send_failed", fmt.Errorf("rpc %s: send: %w", method, err)
		}
		res := <-call.done
		return res.value, labelFor(res.err), res.err
	}

	var gone <-chan struct{}
	if cl, ok := sender.(Closable); ok {
		gone = cl.Done()
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	select {
	case res := <-call.done:
		return res.value, labelFor(res.err), res.err
	case <-gone:
		if c.remove(id) {
			return protocol.Null(), "closed", ErrConnectionClosed
		}
	case <-timer.C:
		if c.remove(id) {
			return protocol.Null(), "timeout", fmt.Errorf("rpc %s: %w", method, ErrTimeout)
		}
	case <-ctx.Done():
		if c.remove(id) {
			return protocol.Null(), "canceled", ctx.Err()
		}
	}
	// Lost the race: whoever removed the entry has already completed it.
	res := <-call.done
	return res.value, labelFor(res.err), res.err
}

// Resolve completes the pending call matching resp.ID. It reports false for
// unknown ids, which are expected after a timeout and are not an error.
func (c *Correlator) Resolve(resp protocol.Response) bool {
	c.mu.Lock()
	call, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		telemetry.RPCPending.Set(float64(len(c.pending)))
	}
	c.mu.Unlock()
	if !ok {
		return false
	}

	if resp.Error != nil {
		rpcErr := *resp.Error
		call.done <- outcome{err: &rpcErr}
	} else {
		call.done <- outcome{value: resp.Result}
	}
	return true
}

// FailAll rejects every pending call with err and empties the table. It
// returns the number of calls rejected.
func (c *Correlator) FailAll(err error) int {
	if err == nil {
		err = ErrConnectionClosed
	}
	c.mu.Lock()
	drained := c.pending
	c.pending = make(map[string]*pendingCall)
	telemetry.RPCPending.Set(0)
	c.mu.Unlock()

	for _, call := range drained {
		call.done <- outcome{err: err}
	}
	return len(drained)
}

// Pending returns the number of in-flight calls.
func (c *Correlator) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *Correlator) register(id string, call *pendingCall) {
	c.mu.Lock()
	c.pending[id] = call
	telemetry.RPCPending.Set(float64(len(c.pending)))
	c.mu.Unlock()
}

// remove deletes id and reports whether the caller now owns completion.
func (c *Correlator) remove(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	telemetry.RPCPending.Set(float64(len(c.pending)))
	return true
}

func labelFor(err error) string {
	var rpcErr *protocol.RPCError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &rpcErr):
		return "error"
	case errors.Is(err, ErrConnectionClosed):
		return "closed"
	default:
		return "failed"
	}
}
