package bus

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	received := make(chan *Message, 1)
	sub, err := b.Subscribe(ctx, EventsSubject("node-1"), func(msg *Message) []byte {
		received <- msg
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "nodelink.node-1.events", []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", string(msg.Data))
		assert.Equal(t, "nodelink.node-1.events", msg.Subject)
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
	}
}

func TestMemoryBus_Wildcard(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	var received atomic.Int32
	done := make(chan struct{}, 3)
	sub, err := b.Subscribe(ctx, "nodelink.*.events", func(msg *Message) []byte {
		received.Add(1)
		done <- struct{}{}
		return nil
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	require.NoError(t, b.Publish(ctx, "nodelink.a.events", nil))
	require.NoError(t, b.Publish(ctx, "nodelink.b.events", nil))
	require.NoError(t, b.Publish(ctx, "nodelink.b.send", nil))

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timeout waiting for wildcard delivery")
		}
	}
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(2), received.Load())
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern, subject string
		want             bool
	}{
		{"a.b.c", "a.b.c", true},
		{"a.*.c", "a.b.c", true},
		{"a.*", "a.b.c", false},
		{"a.>", "a.b.c", true},
		{"a.b", "a.c", false},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchSubject(tt.pattern, tt.subject), "%s vs %s", tt.pattern, tt.subject)
	}
}

func TestMemoryBus_RequestReply(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()

	ctx := context.Background()
	sub, err := b.Subscribe(ctx, SendSubject("n"), func(msg *Message) []byte {
		var req SendRequest
		if err := json.Unmarshal(msg.Data, &req); err != nil {
			return []byte(`{"ok":false}`)
		}
		reply, _ := json.Marshal(SendReply{OK: true, MessageID: "m-" + req.Text})
		return reply
	})
	require.NoError(t, err)
	defer sub.Unsubscribe()

	body, _ := json.Marshal(SendRequest{Text: "hi"})
	raw, err := b.Request(ctx, SendSubject("n"), body, time.Second)
	require.NoError(t, err)

	var reply SendReply
	require.NoError(t, json.Unmarshal(raw, &reply))
	assert.True(t, reply.OK)
	assert.Equal(t, "m-hi", reply.MessageID)
}

func TestMemoryBus_RequestErrors(t *testing.T) {
	b := NewMemoryBus()
	ctx := context.Background()

	_, err := b.Request(ctx, "nobody.home", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrNoResponders)

	sub, err := b.Subscribe(ctx, "silent", func(*Message) []byte { return nil })
	require.NoError(t, err)
	_, err = b.Request(ctx, "silent", nil, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrTimeout)
	require.NoError(t, sub.Unsubscribe())

	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Close(), ErrClosed)
	assert.ErrorIs(t, b.Publish(ctx, "x", nil), ErrClosed)
	_, err = b.Subscribe(ctx, "x", func(*Message) []byte { return nil })
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNewEnvelope(t *testing.T) {
	env, err := NewEnvelope("conversation.updated", "agent:main:main", map[string]int{"messages": 3})
	require.NoError(t, err)

	_, err = ulid.Parse(env.ID)
	require.NoError(t, err)
	assert.Equal(t, "conversation.updated", env.Type)
	assert.JSONEq(t, `{"messages":3}`, string(env.Data))
	assert.False(t, env.Timestamp.IsZero())
}

func TestOpenWithoutURLIsMemory(t *testing.T) {
	b, err := Open(Config{})
	require.NoError(t, err)
	defer b.Close()
	_, ok := b.(*MemoryBus)
	assert.True(t, ok)
}
