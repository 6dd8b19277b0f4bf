// Package conversation folds gateway events into the local model of
// conversations, messages, tool calls and sub-agents.
package conversation

import (
	"time"

	"github.com/odvcencio/nodelink/pkg/gateway/events"
)

// Role is the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Status is the lifecycle state of a conversation.
type Status string

const (
	StatusActive    Status = "active"
	StatusStreaming Status = "streaming"
	StatusCompleted Status = "completed"
	StatusError     Status = "error"
)

// ToolStatus is the state of a tool call.
type ToolStatus string

const (
	ToolRunning   ToolStatus = "running"
	ToolCompleted ToolStatus = "completed"
	ToolFailed    ToolStatus = "failed"
)

// SubAgentStatus is the state of a spawned sub-agent.
type SubAgentStatus string

const (
	SubAgentRunning   SubAgentStatus = "running"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentFailed    SubAgentStatus = "failed"
)

// Location is a geographic attachment on a user message.
type Location struct {
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Accuracy  *float64 `json:"accuracy,omitempty"`
	Label     string   `json:"label,omitempty"`
}

// ToolCall is a tool invocation attached to an assistant message.
type ToolCall struct {
	ID                string
	Name              string
	Status            ToolStatus
	Result            *string
	SpawnedSessionKey string
	SpawnedLabel      string
}

// Message is one entry of a conversation. Content grows while IsStreaming is
// set.
type Message struct {
	ID             string
	ConversationID string
	Role           Role
	Content        string
	Timestamp      time.Time
	IsStreaming    bool
	ToolCalls      []ToolCall
	Location       *Location
}

// Conversation is the message history of one session key.
type Conversation struct {
	ID               string
	SessionKey       string
	AgentID          string
	Label            string
	IsSubAgent       bool
	ParentSessionKey string
	Messages         []Message
	CreatedAt        time.Time
	UpdatedAt        time.Time
	Status           Status
}

// LastMessage returns the newest message, if any.
func (c *Conversation) LastMessage() (*Message, bool) {
	if len(c.Messages) == 0 {
		return nil, false
	}
	return &c.Messages[len(c.Messages)-1], true
}

// SubAgentInfo tracks a sub-agent spawned from a tool call.
type SubAgentInfo struct {
	ID               string
	SessionKey       string
	ParentSessionKey string
	Label            string
	Task             string
	SpawnedAt        time.Time
	Status           SubAgentStatus
	Announce         *events.AnnounceResult
}

// ChangeKind classifies what an applied event touched.
type ChangeKind int

const (
	ChangeNone ChangeKind = iota
	ChangeConversation
	ChangeSubAgent
)

// Change describes the effect of applying one event.
type Change struct {
	Kind       ChangeKind
	SessionKey string
}

func (m Message) clone() Message {
	if m.ToolCalls != nil {
		m.ToolCalls = append([]ToolCall(nil), m.ToolCalls...)
	}
	if m.Location != nil {
		loc := *m.Location
		m.Location = &loc
	}
	return m
}

func (c *Conversation) clone() Conversation {
	out := *c
	out.Messages = make([]Message, len(c.Messages))
	for i, m := range c.Messages {
		out.Messages[i] = m.clone()
	}
	return out
}
