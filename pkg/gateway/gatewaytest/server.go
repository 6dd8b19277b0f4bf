// Package gatewaytest runs a scripted agent gateway over a real WebSocket
// for client tests.
package gatewaytest

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
)

// ErrNoReply makes a handler leave the request unanswered.
var ErrNoReply = errors.New("gatewaytest: no reply")

// HandlerFunc answers one RPC. Returning a *protocol.RPCError sends an error
// response; returning ErrNoReply sends nothing.
type HandlerFunc func(params json.RawMessage) (any, error)

// Request is an RPC received by the server.
type Request struct {
	Conn   int
	ID     string
	Method string
	Params json.RawMessage
}

// Conn is one accepted client connection.
type Conn struct {
	Index  int
	Header http.Header

	ws     *websocket.Conn
	writeM sync.Mutex
}

func (c *Conn) write(v any) error {
	c.writeM.Lock()
	defer c.writeM.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return c.ws.WriteJSON(v)
}

// Server is a fake gateway. Unknown methods answer with code 404.
type Server struct {
	t        testing.TB
	http     *httptest.Server
	upgrader websocket.Upgrader

	mu       sync.Mutex
	handlers map[string]HandlerFunc
	conns    []*Conn
	requests []Request
	reject   int
	changed  chan struct{}
}

// NewServer starts a server that is closed with t.
func NewServer(t testing.TB) *Server {
	t.Helper()
	s := &Server{
		t:        t,
		handlers: make(map[string]HandlerFunc),
		changed:  make(chan struct{}, 1),
	}
	s.http = httptest.NewServer(http.HandlerFunc(s.serveHTTP))
	t.Cleanup(s.Close)
	return s
}

// URL is the ws:// address of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.http.URL, "http")
}

// Handle installs fn for method, replacing any previous handler.
func (s *Server) Handle(method string, fn HandlerFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[method] = fn
}

// Reply installs a handler that always answers result.
func (s *Server) Reply(method string, result any) {
	s.Handle(method, func(json.RawMessage) (any, error) { return result, nil })
}

// RejectNext refuses the next n upgrade attempts with 503.
func (s *Server) RejectNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject = n
}

// Conns returns the connections accepted so far, in order.
func (s *Server) Conns() []*Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Conn(nil), s.conns...)
}

// Requests returns the received requests for method, or all when method is
// empty.
func (s *Server) Requests(method string) []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Request
	for _, req := range s.requests {
		if method == "" || req.Method == method {
			out = append(out, req)
		}
	}
	return out
}

// WaitConns blocks until n connections have been accepted.
func (s *Server) WaitConns(n int, timeout time.Duration) []*Conn {
	s.t.Helper()
	s.waitFor(timeout, func() bool { return len(s.Conns()) >= n }, "%d connections", n)
	return s.Conns()
}

// WaitRequests blocks until n requests for method have arrived.
func (s *Server) WaitRequests(method string, n int, timeout time.Duration) []Request {
	s.t.Helper()
	s.waitFor(timeout, func() bool { return len(s.Requests(method)) >= n }, "%d %s requests", n, method)
	return s.Requests(method)
}

// Push sends an event frame on the newest connection.
func (s *Server) Push(event, sessionID string, data any) error {
	conns := s.Conns()
	if len(conns) == 0 {
		return errors.New("gatewaytest: no connection")
	}
	frame := map[string]any{"event": event, "data": data}
	if sessionID != "" {
		frame["sessionId"] = sessionID
	}
	return conns[len(conns)-1].write(frame)
}

// PushRaw writes data verbatim on the newest connection.
func (s *Server) PushRaw(data []byte) error {
	conns := s.Conns()
	if len(conns) == 0 {
		return errors.New("gatewaytest: no connection")
	}
	c := conns[len(conns)-1]
	c.writeM.Lock()
	defer c.writeM.Unlock()
	return c.ws.WriteMessage(websocket.TextMessage, data)
}

// Respond answers a request left pending by ErrNoReply.
func (s *Server) Respond(req Request, result any) error {
	conns := s.Conns()
	if req.Conn >= len(conns) {
		return errors.New("gatewaytest: unknown connection")
	}
	return conns[req.Conn].write(map[string]any{"id": req.ID, "result": result})
}

// DropAll closes every connection without a close handshake.
func (s *Server) DropAll() {
	for _, c := range s.Conns() {
		_ = c.ws.UnderlyingConn().Close()
	}
}

// Close shuts the server down.
func (s *Server) Close() {
	s.DropAll()
	s.http.Close()
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.reject > 0 {
		s.reject--
		s.mu.Unlock()
		http.Error(w, "gateway unavailable", http.StatusServiceUnavailable)
		return
	}
	s.mu.Unlock()

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	s.mu.Lock()
	conn := &Conn{Index: len(s.conns), Header: r.Header.Clone(), ws: ws}
	s.conns = append(s.conns, conn)
	s.mu.Unlock()
	s.notify()

	s.readLoop(conn)
}

func (s *Server) readLoop(conn *Conn) {
	defer conn.ws.Close()
	for {
		_, data, err := conn.ws.ReadMessage()
		if err != nil {
			return
		}
		var req struct {
			ID     string          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
		}
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}

		s.mu.Lock()
		s.requests = append(s.requests, Request{Conn: conn.Index, ID: req.ID, Method: req.Method, Params: req.Params})
		handler := s.handlers[req.Method]
		s.mu.Unlock()
		s.notify()

		go s.answer(conn, req.ID, req.Method, req.Params, handler)
	}
}

func (s *Server) answer(conn *Conn, id, method string, params json.RawMessage, handler HandlerFunc) {
	if handler == nil {
		_ = conn.write(map[string]any{
			"id":    id,
			"error": protocol.RPCError{Code: 404, Message: "unknown method " + method},
		})
		return
	}
	result, err := handler(params)
	var rpcErr *protocol.RPCError
	switch {
	case errors.Is(err, ErrNoReply):
		return
	case errors.As(err, &rpcErr):
		_ = conn.write(map[string]any{"id": id, "error": rpcErr})
	case err != nil:
		_ = conn.write(map[string]any{"id": id, "error": protocol.RPCError{Code: 500, Message: err.Error()}})
	default:
		if result == nil {
			result = map[string]any{}
		}
		_ = conn.write(map[string]any{"id": id, "result": result})
	}
}

func (s *Server) notify() {
	select {
	case s.changed <- struct{}{}:
	default:
	}
}

func (s *Server) waitFor(timeout time.Duration, cond func() bool, format string, args ...any) {
	s.t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for !cond() {
		select {
		case <-deadline.C:
			s.t.Fatalf("gatewaytest: timed out waiting for "+format, args...)
		case <-s.changed:
		case <-tick.C:
		}
	}
}
