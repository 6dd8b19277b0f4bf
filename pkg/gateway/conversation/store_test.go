package conversation

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odvcencio/nodelink/pkg/gateway/events"
	"github.com/odvcencio/nodelink/pkg/gateway/protocol"
)

const key = "agent:main:main"

func newTestStore() *Store {
	var n int
	clock := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	return NewStore(
		WithClock(func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		}),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("id-%d", n)
		}),
	)
}

func applyAll(s *Store, evts ...events.Event) {
	for _, evt := range evts {
		s.Apply(evt)
	}
}

func strPtr(s string) *string { return &s }

func TestApply_DeltasAppendToSameMessage(t *testing.T) {
	oneByOne := newTestStore()
	applyAll(oneByOne,
		events.AssistantDelta{SessionID: key, MessageID: "m1", Text: "Hel"},
		events.AssistantDelta{SessionID: key, MessageID: "m1", Text: "lo"},
	)
	conv, ok := oneByOne.Conversation(key)
	require.True(t, ok)
	require.Len(t, conv.Messages, 1)
	assert.Equal(t, "Hello", conv.Messages[0].Content)
	assert.Equal(t, RoleAssistant, conv.Messages[0].Role)

	batched := newTestStore()
	applyAll(batched, events.AssistantDelta{SessionID: key, MessageID: "m1", Text: "Hello"})
	other, _ := batched.Conversation(key)
	assert.Equal(t, other.Messages[0].Content, conv.Messages[0].Content)
}

func TestApply_StreamLifecycle(t *testing.T) {
	s := newTestStore()
	s.AppendUserMessage(key, "hi", nil)
	applyAll(s,
		events.StreamStart{SessionID: key},
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "one "},
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "two"},
	)

	conv, _ := s.Conversation(key)
	assert.Equal(t, StatusStreaming, conv.Status)
	last, _ := conv.LastMessage()
	assert.True(t, last.IsStreaming, "no stream end yet")

	change := s.Apply(events.StreamEnd{SessionID: key})
	assert.Equal(t, Change{Kind: ChangeConversation, SessionKey: key}, change)

	conv, _ = s.Conversation(key)
	assert.Equal(t, StatusActive, conv.Status)
	last, _ = conv.LastMessage()
	assert.False(t, last.IsStreaming)
	assert.Equal(t, "one two", last.Content)
}

func TestApply_NewDeltaMessageEndsPreviousStream(t *testing.T) {
	s := newTestStore()
	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "first"},
		events.AssistantDelta{SessionID: key, MessageID: "a2", Text: "second"},
	)
	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.False(t, conv.Messages[0].IsStreaming)
	assert.True(t, conv.Messages[1].IsStreaming)
}

func TestApply_ToolStartNeedsAssistantMessage(t *testing.T) {
	s := newTestStore()
	s.AppendUserMessage(key, "run it", nil)

	change := s.Apply(events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "bash"})
	assert.Equal(t, ChangeNone, change.Kind)
	conv, _ := s.Conversation(key)
	assert.Empty(t, conv.Messages[0].ToolCalls)

	s.Apply(events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "ok"})
	change = s.Apply(events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "bash"})
	assert.Equal(t, ChangeConversation, change.Kind)

	// Duplicate starts are ignored.
	s.Apply(events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "bash"})

	conv, _ = s.Conversation(key)
	last, _ := conv.LastMessage()
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, ToolCall{ID: "t1", Name: "bash", Status: ToolRunning}, last.ToolCalls[0])
}

func TestApply_ToolEnd(t *testing.T) {
	s := newTestStore()
	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "working"},
		events.ToolStart{SessionID: key, ToolCallID: "ok", ToolName: "read"},
		events.ToolStart{SessionID: key, ToolCallID: "bad", ToolName: "write"},
		events.ToolEnd{SessionID: key, ToolCallID: "ok", Result: strPtr("contents")},
		events.ToolEnd{SessionID: key, ToolCallID: "bad", Result: strPtr("denied"), IsError: true},
	)
	assert.Equal(t, ChangeNone, s.Apply(events.ToolEnd{SessionID: key, ToolCallID: "missing"}).Kind)

	conv, _ := s.Conversation(key)
	last, _ := conv.LastMessage()
	require.Len(t, last.ToolCalls, 2)
	assert.Equal(t, ToolCompleted, last.ToolCalls[0].Status)
	assert.Equal(t, "contents", *last.ToolCalls[0].Result)
	assert.Equal(t, ToolFailed, last.ToolCalls[1].Status)
	assert.Empty(t, s.SubAgents())
}

func TestApply_UserSendDuringStream(t *testing.T) {
	s := newTestStore()
	applyAll(s,
		events.StreamStart{SessionID: key},
		events.AssistantDelta{SessionID: key, MessageID: "m1", Text: "Hel"},
	)
	sent := s.AppendUserMessage(key, "wait", nil)
	s.Apply(events.AssistantDelta{SessionID: key, MessageID: "m1", Text: "lo"})

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, sent.ID, conv.Messages[0].ID)
	last, _ := conv.LastMessage()
	assert.Equal(t, "m1", last.ID)
	assert.True(t, last.IsStreaming)
	assert.Equal(t, "Hello", last.Content)

	s.Apply(events.StreamEnd{SessionID: key})

	conv, _ = s.Conversation(key)
	assert.Equal(t, StatusActive, conv.Status)
	for _, msg := range conv.Messages {
		assert.False(t, msg.IsStreaming, msg.ID)
	}
}

func TestApply_ToolEndAfterUserSend(t *testing.T) {
	s := newTestStore()
	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "running"},
		events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "bash"},
		events.StreamEnd{SessionID: key},
	)
	s.AppendUserMessage(key, "still there?", nil)

	change := s.Apply(events.ToolEnd{SessionID: key, ToolCallID: "t1", Result: strPtr("done")})
	assert.Equal(t, ChangeConversation, change.Kind)

	conv, _ := s.Conversation(key)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, RoleUser, conv.Messages[1].Role)
	call := conv.Messages[0].ToolCalls[0]
	assert.Equal(t, ToolCompleted, call.Status)
	assert.Equal(t, "done", *call.Result)

	// A tool start while the reply streams lands on the reply, not the user message.
	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a2", Text: "again"},
	)
	s.AppendUserMessage(key, "and?", nil)
	s.Apply(events.ToolStart{SessionID: key, ToolCallID: "t2", ToolName: "read"})
	conv, _ = s.Conversation(key)
	last, _ := conv.LastMessage()
	assert.Equal(t, "a2", last.ID)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, "t2", last.ToolCalls[0].ID)
}

func TestApply_SubAgentSpawnAndAnnounce(t *testing.T) {
	s := newTestStore()
	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "spawning"},
		events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "sessions_spawn"},
		events.ToolEnd{SessionID: key, ToolCallID: "t1",
			Result: strPtr(`{"childSessionKey":"agent:main:subagent:xyz","label":"L","task":"T"}`)},
	)

	subs := s.SubAgents()
	require.Len(t, subs, 1)
	assert.Equal(t, "xyz", subs[0].ID)
	assert.Equal(t, SubAgentRunning, subs[0].Status)
	assert.Equal(t, key, subs[0].ParentSessionKey)
	assert.Equal(t, "L", subs[0].Label)
	assert.Equal(t, "T", subs[0].Task)

	conv, _ := s.Conversation(key)
	last, _ := conv.LastMessage()
	assert.Equal(t, "agent:main:subagent:xyz", last.ToolCalls[0].SpawnedSessionKey)

	change := s.Apply(events.SubAgentAnnounce{
		SessionKey: "agent:main:subagent:xyz",
		Result:     events.AnnounceResult{Status: "success"},
	})
	assert.Equal(t, Change{Kind: ChangeSubAgent, SessionKey: "agent:main:subagent:xyz"}, change)
	subs = s.SubAgents()
	assert.Equal(t, SubAgentCompleted, subs[0].Status)
	require.NotNil(t, subs[0].Announce)

	// A conversation opened later for the child inherits its lineage.
	s.Apply(events.AssistantDelta{SessionID: "agent:main:subagent:xyz", MessageID: "c1", Text: "child"})
	child, ok := s.Conversation("agent:main:subagent:xyz")
	require.True(t, ok)
	assert.True(t, child.IsSubAgent)
	assert.Equal(t, key, child.ParentSessionKey)
	assert.Equal(t, "L", child.Label)
}

func TestApply_AnnounceFailureAndUnknown(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, ChangeNone, s.Apply(events.SubAgentAnnounce{SessionKey: "agent:main:subagent:none"}).Kind)

	applyAll(s,
		events.AssistantDelta{SessionID: key, MessageID: "a1", Text: "x"},
		events.ToolStart{SessionID: key, ToolCallID: "t1", ToolName: "spawn"},
		events.ToolEnd{SessionID: key, ToolCallID: "t1", Result: strPtr(`{"childSessionKey":"agent:main:subagent:q"}`)},
		events.SubAgentAnnounce{SessionKey: "agent:main:subagent:q", Result: events.AnnounceResult{Status: "error"}},
	)
	assert.Equal(t, SubAgentFailed, s.SubAgents()[0].Status)
}

func TestApply_IgnoresNonConversationEvents(t *testing.T) {
	s := newTestStore()
	assert.Equal(t, ChangeNone, s.Apply(events.Error{Code: "x", Message: "y"}).Kind)
	assert.Equal(t, ChangeNone, s.Apply(events.PairingApproved{Token: "t"}).Kind)
	assert.Equal(t, ChangeNone, s.Apply(events.StreamStart{SessionID: "agent:main:unknown"}).Kind)
	assert.Empty(t, s.Conversations())
}

func TestAppendUserMessage(t *testing.T) {
	s := newTestStore()
	acc := 5.0
	msg := s.AppendUserMessage("", "where am I", &Location{Latitude: 1, Longitude: 2, Accuracy: &acc})

	assert.Equal(t, RoleUser, msg.Role)
	require.NotNil(t, msg.Location)

	conv, ok := s.Conversation(DefaultSessionKey)
	require.True(t, ok)
	assert.Equal(t, "main", conv.AgentID)
	assert.Equal(t, StatusActive, conv.Status)
	assert.Equal(t, conv.ID, msg.ConversationID)

	// Snapshots are isolated from the store.
	conv.Messages[0].Content = "mutated"
	again, _ := s.Conversation(DefaultSessionKey)
	assert.Equal(t, "where am I", again.Messages[0].Content)
}

func TestConversationsNewestFirst(t *testing.T) {
	s := newTestStore()
	s.AppendUserMessage("agent:a:one", "1", nil)
	s.AppendUserMessage("agent:b:two", "2", nil)
	s.AppendUserMessage("agent:a:one", "3", nil)

	convs := s.Conversations()
	require.Len(t, convs, 2)
	assert.Equal(t, "agent:a:one", convs[0].SessionKey)
	assert.Equal(t, "b", convs[1].AgentID)
}

func TestParseSpawn(t *testing.T) {
	cases := []struct {
		name   string
		result string
		ok     bool
		id     string
	}{
		{"valid", `{"childSessionKey":"agent:main:subagent:xyz"}`, true, "xyz"},
		{"nested id", `{"childSessionKey":"agent:main:subagent:a:b"}`, true, "a:b"},
		{"not subagent", `{"childSessionKey":"agent:main:main"}`, false, ""},
		{"malformed", `{"childSessionKey":`, false, ""},
		{"plain text", `spawned agent:main:subagent:xyz`, false, ""},
		{"empty", ``, false, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spawn, ok := ParseSpawn(tc.result)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.id, spawn.ID)
		})
	}
}

func TestHistoryRecords(t *testing.T) {
	bare, err := protocol.Parse([]byte(`[{"role":"user","content":"a"}]`))
	require.NoError(t, err)
	assert.Len(t, HistoryRecords(bare), 1)

	wrapped, err := protocol.Parse([]byte(`{"messages":[{"role":"user","content":"a"},{"role":"assistant","content":"b"}]}`))
	require.NoError(t, err)
	assert.Len(t, HistoryRecords(wrapped), 2)

	assert.Nil(t, HistoryRecords(protocol.NewString("nope")))
}

func TestMessageFromRecord(t *testing.T) {
	rec, err := protocol.Parse([]byte(`{"role":"Assistant","content":"hi","timestamp":"2026-01-02T03:04:05Z"}`))
	require.NoError(t, err)
	msg, ok := MessageFromRecord("conv", rec, func() string { return "gen" })
	require.True(t, ok)
	assert.Equal(t, "gen", msg.ID)
	assert.Equal(t, RoleAssistant, msg.Role)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), msg.Timestamp)

	for _, raw := range []string{
		`"text"`,
		`{"content":"no role"}`,
		`{"role":"tool","content":"x"}`,
		`{"role":"user","content":42}`,
		`{"role":"user","content":[{"type":"image"}]}`,
	} {
		rec, err := protocol.Parse([]byte(raw))
		require.NoError(t, err)
		_, ok := MessageFromRecord("conv", rec, nil)
		assert.False(t, ok, raw)
	}
}
