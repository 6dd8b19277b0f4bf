package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

const (
	defaultDialTimeout  = 15 * time.Second
	defaultPingInterval = 20 * time.Second
	defaultPingTimeout  = 5 * time.Second
	defaultReadLimit    = 32 << 20
	maxDialErrorBody    = 4 << 10
)

// WebSocketDialer dials the gateway over nhooyr.io/websocket.
type WebSocketDialer struct {
	// HTTPClient is used for the upgrade request. Nil uses http.DefaultClient.
	HTTPClient *http.Client
	// DialTimeout bounds the handshake.
	DialTimeout time.Duration
	// PingInterval is the keepalive period; negative disables pings.
	PingInterval time.Duration
	// PingTimeout bounds each ping round trip.
	PingTimeout time.Duration
	// ReadLimit caps a single inbound message.
	ReadLimit int64
}

// Dial implements Dialer.
func (d WebSocketDialer) Dial(ctx context.Context, url string, header http.Header) (Conn, error) {
	timeout := d.DialTimeout
	if timeout <= 0 {
		timeout = defaultDialTimeout
	}
	dialCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	conn, resp, err := websocket.Dial(dialCtx, url, &websocket.DialOptions{
		HTTPClient: d.HTTPClient,
		HTTPHeader: header.Clone(),
	})
	if err != nil {
		return nil, formatDialError(resp, err)
	}

	limit := d.ReadLimit
	if limit <= 0 {
		limit = defaultReadLimit
	}
	conn.SetReadLimit(limit)

	wc := &wsConn{conn: conn, done: make(chan struct{})}
	interval := d.PingInterval
	if interval == 0 {
		interval = defaultPingInterval
	}
	if interval > 0 {
		pingTimeout := d.PingTimeout
		if pingTimeout <= 0 {
			pingTimeout = defaultPingTimeout
		}
		go wc.keepalive(interval, pingTimeout)
	}
	return wc, nil
}

type wsConn struct {
	conn      *websocket.Conn
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsConn) Send(ctx context.Context, data []byte) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("websocket write: %w", err)
	}
	return nil
}

func (c *wsConn) Receive(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	if err != nil {
		select {
		case <-c.done:
			return nil, ErrClosed
		default:
		}
		if status := websocket.CloseStatus(err); status != -1 {
			return nil, fmt.Errorf("websocket closed by peer (%d): %w", status, err)
		}
		return nil, fmt.Errorf("websocket read: %w", err)
	}
	return data, nil
}

func (c *wsConn) Close(code StatusCode, reason string) error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.conn.Close(websocket.StatusCode(code), reason)
	})
	return err
}

// keepalive pings until the connection closes. A failed ping closes the
// socket so the reader observes the loss instead of blocking on a dead peer.
func (c *wsConn) keepalive(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				_ = c.Close(StatusGoingAway, "keepalive failed")
				return
			}
		}
	}
}

func formatDialError(resp *http.Response, err error) error {
	if resp == nil {
		return fmt.Errorf("websocket dial: %w", err)
	}
	var body string
	if resp.Body != nil {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxDialErrorBody))
		body = strings.TrimSpace(string(data))
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		err = errors.Join(ErrUnauthorized, err)
	}
	if body != "" {
		return fmt.Errorf("websocket dial (%s): %s: %w", resp.Status, body, err)
	}
	return fmt.Errorf("websocket dial (%s): %w", resp.Status, err)
}

// ErrUnauthorized marks a handshake rejected with 401 or 403.
var ErrUnauthorized = errors.New("transport: handshake unauthorized")
