package conversation

import (
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odvcencio/nodelink/pkg/gateway/events"
)

// DefaultSessionKey is used when an event or call names no session.
const DefaultSessionKey = "agent:main:main"

const defaultAgentID = "main"

// Store holds conversations keyed by session key plus the sub-agent list.
//
// A Store is not safe for concurrent use. It is owned by a single execution
// context which applies events in receive order; readers get copies.
type Store struct {
	conversations map[string]*Conversation
	subAgents     []*SubAgentInfo

	now   func() time.Time
	newID func() string
}

// Option configures a Store.
type Option func(*Store)

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// WithIDGenerator overrides the uuid generator used for local ids.
func WithIDGenerator(fn func() string) Option {
	return func(s *Store) {
		if fn != nil {
			s.newID = fn
		}
	}
}

// NewStore returns an empty Store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		conversations: make(map[string]*Conversation),
		now:           time.Now,
		newID:         uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Apply folds one event into the store and reports what changed.
func (s *Store) Apply(evt events.Event) Change {
	switch e := evt.(type) {
	case events.AssistantDelta:
		return s.applyDelta(e)
	case events.ToolStart:
		return s.applyToolStart(e)
	case events.ToolEnd:
		return s.applyToolEnd(e)
	case events.StreamStart:
		return s.applyStreamStart(e)
	case events.StreamEnd:
		return s.applyStreamEnd(e)
	case events.SubAgentAnnounce:
		return s.applyAnnounce(e)
	}
	// Error and PairingApproved carry no conversation state.
	return Change{}
}

// AppendUserMessage records a locally authored message, creating the
// conversation when needed, and returns a copy of it.
func (s *Store) AppendUserMessage(sessionKey, text string, loc *Location) Message {
	conv, _ := s.ensure(sessionKey, StatusActive)
	now := s.now()
	msg := Message{
		ID:             s.newID(),
		ConversationID: conv.ID,
		Role:           RoleUser,
		Content:        text,
		Timestamp:      now,
		Location:       loc,
	}
	// A reply still streaming stays last; the user message goes before it.
	if i := conv.streamingIndex(); i >= 0 {
		conv.Messages = slices.Insert(conv.Messages, i, msg)
	} else {
		conv.Messages = append(conv.Messages, msg)
	}
	conv.UpdatedAt = now
	return msg.clone()
}

// Conversation returns a copy of the conversation for sessionKey.
func (s *Store) Conversation(sessionKey string) (Conversation, bool) {
	conv, ok := s.conversations[normalizeKey(sessionKey)]
	if !ok {
		return Conversation{}, false
	}
	return conv.clone(), true
}

// Conversations returns copies of all conversations, most recently updated
// first.
func (s *Store) Conversations() []Conversation {
	out := make([]Conversation, 0, len(s.conversations))
	for _, conv := range s.conversations {
		out = append(out, conv.clone())
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].SessionKey < out[j].SessionKey
		}
		return out[i].UpdatedAt.After(out[j].UpdatedAt)
	})
	return out
}

// SubAgents returns copies of the tracked sub-agents in spawn order.
func (s *Store) SubAgents() []SubAgentInfo {
	out := make([]SubAgentInfo, len(s.subAgents))
	for i, sa := range s.subAgents {
		out[i] = *sa
		if sa.Announce != nil {
			res := *sa.Announce
			out[i].Announce = &res
		}
	}
	return out
}

func (s *Store) applyDelta(e events.AssistantDelta) Change {
	conv, _ := s.ensure(e.SessionID, StatusStreaming)
	now := s.now()
	conv.UpdatedAt = now

	for i := len(conv.Messages) - 1; i >= 0; i-- {
		if conv.Messages[i].ID == e.MessageID {
			conv.Messages[i].Content += e.Text
			return Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
		}
	}

	// Only the newest message may be streaming.
	conv.endStreaming()
	conv.Messages = append(conv.Messages, Message{
		ID:             e.MessageID,
		ConversationID: conv.ID,
		Role:           RoleAssistant,
		Content:        e.Text,
		Timestamp:      now,
		IsStreaming:    true,
	})
	return Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
}

func (s *Store) applyToolStart(e events.ToolStart) Change {
	conv, ok := s.conversations[normalizeKey(e.SessionID)]
	if !ok {
		return Change{}
	}
	reply := conv.replyTarget()
	if reply == nil {
		return Change{}
	}
	for _, tc := range reply.ToolCalls {
		if tc.ID == e.ToolCallID {
			return Change{}
		}
	}
	reply.ToolCalls = append(reply.ToolCalls, ToolCall{
		ID:     e.ToolCallID,
		Name:   e.ToolName,
		Status: ToolRunning,
	})
	conv.UpdatedAt = s.now()
	return Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
}

func (s *Store) applyToolEnd(e events.ToolEnd) Change {
	conv, ok := s.conversations[normalizeKey(e.SessionID)]
	if !ok {
		return Change{}
	}
	call := conv.findToolCall(e.ToolCallID)
	if call == nil {
		return Change{}
	}

	call.Status = ToolCompleted
	if e.IsError {
		call.Status = ToolFailed
	}
	call.Result = e.Result
	conv.UpdatedAt = s.now()

	change := Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
	if e.Result == nil || e.IsError {
		return change
	}
	spawn, ok := ParseSpawn(*e.Result)
	if !ok {
		return change
	}
	call.SpawnedSessionKey = spawn.SessionKey
	call.SpawnedLabel = spawn.Label
	if s.findSubAgent(spawn.SessionKey) == nil {
		s.subAgents = append(s.subAgents, &SubAgentInfo{
			ID:               spawn.ID,
			SessionKey:       spawn.SessionKey,
			ParentSessionKey: conv.SessionKey,
			Label:            spawn.Label,
			Task:             spawn.Task,
			SpawnedAt:        s.now(),
			Status:           SubAgentRunning,
		})
	}
	return change
}

func (s *Store) applyStreamStart(e events.StreamStart) Change {
	conv, ok := s.conversations[normalizeKey(e.SessionID)]
	if !ok {
		return Change{}
	}
	conv.Status = StatusStreaming
	conv.UpdatedAt = s.now()
	return Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
}

func (s *Store) applyStreamEnd(e events.StreamEnd) Change {
	conv, ok := s.conversations[normalizeKey(e.SessionID)]
	if !ok {
		return Change{}
	}
	conv.Status = StatusActive
	conv.endStreaming()
	conv.UpdatedAt = s.now()
	return Change{Kind: ChangeConversation, SessionKey: conv.SessionKey}
}

func (s *Store) applyAnnounce(e events.SubAgentAnnounce) Change {
	sa := s.findSubAgent(e.SessionKey)
	if sa == nil {
		return Change{}
	}
	if e.Result.Succeeded() {
		sa.Status = SubAgentCompleted
	} else {
		sa.Status = SubAgentFailed
	}
	res := e.Result
	sa.Announce = &res
	return Change{Kind: ChangeSubAgent, SessionKey: sa.SessionKey}
}

// streamingIndex returns the index of the streaming message, or -1.
func (c *Conversation) streamingIndex() int {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		if c.Messages[i].IsStreaming {
			return i
		}
	}
	return -1
}

func (c *Conversation) endStreaming() {
	for i := range c.Messages {
		c.Messages[i].IsStreaming = false
	}
}

// replyTarget is the assistant message tool calls attach to: the streaming
// reply, else the last message when it is from the assistant.
func (c *Conversation) replyTarget() *Message {
	if i := c.streamingIndex(); i >= 0 {
		return &c.Messages[i]
	}
	if last, ok := c.LastMessage(); ok && last.Role == RoleAssistant {
		return last
	}
	return nil
}

// findToolCall searches assistant messages newest first.
func (c *Conversation) findToolCall(id string) *ToolCall {
	for i := len(c.Messages) - 1; i >= 0; i-- {
		msg := &c.Messages[i]
		if msg.Role != RoleAssistant {
			continue
		}
		for j := range msg.ToolCalls {
			if msg.ToolCalls[j].ID == id {
				return &msg.ToolCalls[j]
			}
		}
	}
	return nil
}

func (s *Store) findSubAgent(sessionKey string) *SubAgentInfo {
	for _, sa := range s.subAgents {
		if sa.SessionKey == sessionKey {
			return sa
		}
	}
	return nil
}

// ensure returns the conversation for sessionKey, creating it with status
// when absent.
func (s *Store) ensure(sessionKey string, status Status) (*Conversation, bool) {
	key := normalizeKey(sessionKey)
	if conv, ok := s.conversations[key]; ok {
		return conv, false
	}
	now := s.now()
	conv := &Conversation{
		ID:         s.newID(),
		SessionKey: key,
		AgentID:    agentIDFromKey(key),
		CreatedAt:  now,
		UpdatedAt:  now,
		Status:     status,
	}
	if sa := s.findSubAgent(key); sa != nil {
		conv.IsSubAgent = true
		conv.ParentSessionKey = sa.ParentSessionKey
		conv.Label = sa.Label
	} else if isSubAgentKey(key) {
		conv.IsSubAgent = true
	}
	s.conversations[key] = conv
	return conv, true
}

func normalizeKey(sessionKey string) string {
	key := strings.TrimSpace(sessionKey)
	if key == "" {
		return DefaultSessionKey
	}
	return key
}

// agentIDFromKey extracts the agent id from keys shaped agent:<id>:....
func agentIDFromKey(key string) string {
	parts := strings.Split(key, ":")
	if len(parts) >= 2 && parts[0] == "agent" && parts[1] != "" {
		return parts[1]
	}
	return defaultAgentID
}
