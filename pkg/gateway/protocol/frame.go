// Package protocol defines the JSON frames exchanged with the agent gateway
// over its duplex WebSocket stream.
package protocol

import (
	"encoding/json"
	"fmt"
)

// RPC methods consumed by the client.
const (
	MethodPairRequest   = "node.pair.request"
	MethodPairStatus    = "node.pair.status"
	MethodPairVerify    = "node.pair.verify"
	MethodAgentsCurrent = "agents.current"
	MethodChatSend      = "chat.send"
	MethodChatHistory   = "chat.history"
)

// Handshake headers sent when the transport is opened.
const (
	HeaderClientType = "X-Client-Type"
	HeaderNodeID     = "X-Node-Id"
)

// Request is an outbound RPC call.
type Request struct {
	ID     string `json:"id"`
	Method string `json:"method"`
	Params any    `json:"params"`
}

// Response is an inbound RPC reply.
type Response struct {
	ID     string    `json:"id"`
	Result Value     `json:"result"`
	Error  *RPCError `json:"error"`
}

// RPCError is the error object carried by a failed RPC response.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *RPCError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return fmt.Sprintf("gateway error %d: %s", e.Code, e.Message)
}

// EventFrame is an inbound server-pushed event.
type EventFrame struct {
	Event     string `json:"event"`
	SessionID string `json:"sessionId,omitempty"`
	Data      Value  `json:"data"`
}

// Frame is an inbound message classified by shape. A frame carrying an id
// and a result or error is a response candidate; a frame naming an event is an
// event candidate. Either, both, or neither may be set.
type Frame struct {
	Response *Response
	Event    *EventFrame
}

// Empty reports whether the frame matched neither shape.
func (f Frame) Empty() bool { return f.Response == nil && f.Event == nil }

type rawFrame struct {
	ID        string          `json:"id"`
	Result    json.RawMessage `json:"result"`
	Error     *RPCError       `json:"error"`
	Event     string          `json:"event"`
	SessionID string          `json:"sessionId"`
	Data      json.RawMessage `json:"data"`
}

// DecodeFrame parses one inbound message.
func DecodeFrame(data []byte) (Frame, error) {
	var raw rawFrame
	if err := json.Unmarshal(data, &raw); err != nil {
		return Frame{}, fmt.Errorf("protocol: decode frame: %w", err)
	}

	var frame Frame
	if raw.ID != "" && (raw.Result != nil || raw.Error != nil) {
		resp := &Response{ID: raw.ID, Error: raw.Error}
		if len(raw.Result) > 0 {
			result, err := Parse(raw.Result)
			if err != nil {
				return Frame{}, err
			}
			resp.Result = result
		}
		frame.Response = resp
	}
	if raw.Event != "" {
		evt := &EventFrame{Event: raw.Event, SessionID: raw.SessionID}
		if len(raw.Data) > 0 {
			payload, err := Parse(raw.Data)
			if err != nil {
				return Frame{}, err
			}
			evt.Data = payload
		}
		frame.Event = evt
	}
	return frame, nil
}

// EncodeRequest serialises an outbound RPC call.
func EncodeRequest(id, method string, params any) ([]byte, error) {
	data, err := json.Marshal(Request{ID: id, Method: method, Params: params})
	if err != nil {
		return nil, fmt.Errorf("protocol: encode %s: %w", method, err)
	}
	return data, nil
}
