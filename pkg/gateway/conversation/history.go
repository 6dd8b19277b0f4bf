package conversation

import (
	"strings"
	"time"

	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
)

// HistoryRecords extracts the record list from a chat.history result, which
// is either a bare array or an object with a messages array.
func HistoryRecords(result protocol.Value) []protocol.Value {
	if items, ok := result.AsArray(); ok {
		return items
	}
	if items, ok := result.Field("messages").AsArray(); ok {
		return items
	}
	return nil
}

// MessageFromRecord maps one history record to a Message. Records without a
// user or assistant role or without textual content are rejected.
func MessageFromRecord(conversationID string, rec protocol.Value, newID func() string) (Message, bool) {
	if _, ok := rec.AsObject(); !ok {
		return Message{}, false
	}
	roleText, ok := rec.StringField("role")
	if !ok {
		return Message{}, false
	}
	role := Role(strings.ToLower(roleText))
	if role != RoleUser && role != RoleAssistant {
		return Message{}, false
	}
	content, ok := recordContent(rec.Field("content"))
	if !ok {
		return Message{}, false
	}

	id, _ := rec.StringField("id")
	if id == "" && newID != nil {
		id = newID()
	}
	msg := Message{
		ID:             id,
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
	}
	if ts, ok := recordTimestamp(rec.Field("timestamp")); ok {
		msg.Timestamp = ts
	}
	return msg, true
}

// recordContent accepts a plain string or a list of {type:"text", text}
// blocks.
func recordContent(v protocol.Value) (string, bool) {
	if text, ok := v.AsString(); ok {
		return text, true
	}
	blocks, ok := v.AsArray()
	if !ok {
		return "", false
	}
	var sb strings.Builder
	found := false
	for _, block := range blocks {
		if kind, _ := block.StringField("type"); kind != "" && kind != "text" {
			continue
		}
		if text, ok := block.StringField("text"); ok {
			sb.WriteString(text)
			found = true
		}
	}
	return sb.String(), found
}

// recordTimestamp accepts unix milliseconds or an RFC 3339 string.
func recordTimestamp(v protocol.Value) (time.Time, bool) {
	if ms, ok := v.AsInt(); ok {
		return time.UnixMilli(ms), true
	}
	if text, ok := v.AsString(); ok {
		if ts, err := time.Parse(time.RFC3339Nano, text); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}
