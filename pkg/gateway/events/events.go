// Package events decodes gateway event frames into a closed set of typed
// events.
package events

import (
	"strconv"

	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
)

// Wire names of the recognised events.
const (
	NameAssistantDelta   = "assistant:delta"
	NameAssistant        = "assistant"
	NameToolStart        = "tool:start"
	NameToolEnd          = "tool:end"
	NameStreamStart      = "stream:start"
	NameStreamEnd        = "stream:end"
	NamePairingApproved  = "pairing:approved"
	NameNodePairApproved = "node.pair.approved"
	NameSubAgentAnnounce = "subagent:announce"
	NameError            = "error"
)

// Event is one of AssistantDelta, ToolStart, ToolEnd, StreamStart, StreamEnd,
// PairingApproved, SubAgentAnnounce or Error. The set is closed.
type Event interface {
	// Name is the canonical event name, used for logs and metrics.
	Name() string
	gatewayEvent()
}

// AssistantDelta is an incremental fragment of a streaming assistant reply.
type AssistantDelta struct {
	SessionID string
	MessageID string
	Text      string
}

// ToolStart announces a tool invocation by the assistant.
type ToolStart struct {
	SessionID  string
	ToolCallID string
	ToolName   string
}

// ToolEnd reports a finished tool invocation. Result is nil when the gateway
// sent no result.
type ToolEnd struct {
	SessionID  string
	ToolCallID string
	Result     *string
	IsError    bool
}

// StreamStart marks the beginning of a streamed reply.
type StreamStart struct {
	SessionID string
}

// StreamEnd marks the end of a streamed reply.
type StreamEnd struct {
	SessionID string
}

// PairingApproved is pushed when an operator approves this device.
type PairingApproved struct {
	RequestID string
	Token     string
}

// SubAgentAnnounce reports the outcome of a spawned sub-agent session.
type SubAgentAnnounce struct {
	SessionKey string
	Result     AnnounceResult
}

// AnnounceResult is the optional payload of a sub-agent announcement.
type AnnounceResult struct {
	Status  string   `json:"status,omitempty"`
	Result  string   `json:"result,omitempty"`
	Notes   string   `json:"notes,omitempty"`
	Runtime string   `json:"runtime,omitempty"`
	Tokens  *int64   `json:"tokens,omitempty"`
	Cost    *float64 `json:"cost,omitempty"`
}

// Succeeded reports whether the announced status is "success".
func (r AnnounceResult) Succeeded() bool { return r.Status == "success" }

// Error is a gateway-reported error. It changes no client state.
type Error struct {
	SessionID string
	Code      string
	Message   string
}

func (AssistantDelta) Name() string   { return NameAssistantDelta }
func (ToolStart) Name() string        { return NameToolStart }
func (ToolEnd) Name() string          { return NameToolEnd }
func (StreamStart) Name() string      { return NameStreamStart }
func (StreamEnd) Name() string        { return NameStreamEnd }
func (PairingApproved) Name() string  { return NamePairingApproved }
func (SubAgentAnnounce) Name() string { return NameSubAgentAnnounce }
func (Error) Name() string            { return NameError }

func (AssistantDelta) gatewayEvent()   {}
func (ToolStart) gatewayEvent()        {}
func (ToolEnd) gatewayEvent()          {}
func (StreamStart) gatewayEvent()      {}
func (StreamEnd) gatewayEvent()        {}
func (PairingApproved) gatewayEvent()  {}
func (SubAgentAnnounce) gatewayEvent() {}
func (Error) gatewayEvent()            {}

// Decode maps an event frame to its typed event. Unknown names and frames
// missing a required field yield ok == false; that is a drop, not an error.
func Decode(frame protocol.EventFrame) (Event, bool) {
	data := frame.Data
	switch frame.Event {
	case NameAssistantDelta, NameAssistant:
		text, okText := data.StringField("text")
		messageID, okID := data.StringField("messageId")
		if !okText || !okID || messageID == "" {
			return nil, false
		}
		return AssistantDelta{SessionID: frame.SessionID, MessageID: messageID, Text: text}, true

	case NameToolStart:
		id, okID := data.StringField("toolCallId")
		name, okName := data.StringField("toolName")
		if !okID || !okName || id == "" {
			return nil, false
		}
		return ToolStart{SessionID: frame.SessionID, ToolCallID: id, ToolName: name}, true

	case NameToolEnd:
		id, ok := data.StringField("toolCallId")
		if !ok || id == "" {
			return nil, false
		}
		evt := ToolEnd{SessionID: frame.SessionID, ToolCallID: id}
		if raw, present := data.Get("result"); present && !raw.IsNull() {
			if text, ok := raw.Text(); ok {
				evt.Result = &text
			}
		}
		evt.IsError, _ = data.BoolField("isError")
		return evt, true

	case NameStreamStart:
		return StreamStart{SessionID: frame.SessionID}, true

	case NameStreamEnd:
		return StreamEnd{SessionID: frame.SessionID}, true

	case NamePairingApproved, NameNodePairApproved:
		token, ok := data.StringField("token")
		if !ok || token == "" {
			return nil, false
		}
		requestID, _ := data.StringField("requestId")
		return PairingApproved{RequestID: requestID, Token: token}, true

	case NameSubAgentAnnounce:
		key, ok := data.StringField("sessionKey")
		if !ok || key == "" {
			return nil, false
		}
		return SubAgentAnnounce{SessionKey: key, Result: decodeAnnounce(data)}, true

	case NameError:
		code := "unknown"
		if raw, present := data.Get("code"); present {
			if text, ok := raw.Text(); ok && text != "" {
				code = text
			}
		}
		message := "Unknown error"
		if text, ok := data.StringField("message"); ok && text != "" {
			message = text
		}
		return Error{SessionID: frame.SessionID, Code: code, Message: message}, true
	}
	return nil, false
}

func decodeAnnounce(data protocol.Value) AnnounceResult {
	var res AnnounceResult
	res.Status, _ = data.StringField("status")
	if raw, ok := data.Get("result"); ok && !raw.IsNull() {
		res.Result, _ = raw.Text()
	}
	res.Notes, _ = data.StringField("notes")
	if raw, ok := data.Get("runtime"); ok {
		switch raw.Kind() {
		case protocol.KindString:
			res.Runtime, _ = raw.AsString()
		case protocol.KindNumber:
			if f, ok := raw.AsNumber(); ok {
				res.Runtime = strconv.FormatFloat(f, 'f', -1, 64) + "s"
			}
		}
	}
	if n, ok := data.Field("tokens").AsInt(); ok {
		res.Tokens = &n
	}
	if f, ok := data.Field("cost").AsNumber(); ok {
		res.Cost = &f
	}
	return res
}
