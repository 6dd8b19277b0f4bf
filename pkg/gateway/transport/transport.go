// Package transport provides the message-framed duplex stream the gateway
// client speaks over.
package transport

import (
	"context"
	"errors"
	"net/http"
)

// StatusCode is a WebSocket close code.
type StatusCode int

const (
	StatusNormalClosure StatusCode = 1000
	StatusGoingAway     StatusCode = 1001
	StatusInternalError StatusCode = 1011
)

// ErrClosed is returned by Send and Receive after the connection has been
// closed locally.
var ErrClosed = errors.New("transport: connection closed")

// Conn is one open duplex stream. Send may be called concurrently with
// Receive; Receive must only be called by a single reader.
type Conn interface {
	Send(ctx context.Context, data []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close(code StatusCode, reason string) error
}

// Dialer opens a Conn to the gateway.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Conn, error)
}

// DialFunc adapts a function to the Dialer interface.
type DialFunc func(ctx context.Context, url string, header http.Header) (Conn, error)

// Dial calls f.
func (f DialFunc) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	return f(ctx, url, header)
}
