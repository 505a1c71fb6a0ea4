package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	return Event{}
}

func TestHubReplaysAndBroadcasts(t *testing.T) {
	hub := NewHub(2, 4)
	hub.Publish(Event{Type: AgentCreated, Agent: "a"})
	hub.Publish(Event{Type: AgentCreated, Agent: "b"})
	hub.Publish(Event{Type: AgentCreated, Agent: "c"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx)

	assert.Equal(t, "b", receive(t, ch).Agent)
	assert.Equal(t, "c", receive(t, ch).Agent)

	hub.Publish(Event{Type: AgentUpdated, Agent: "c", Status: "running"})
	e := receive(t, ch)
	assert.Equal(t, AgentUpdated, e.Type)
	assert.False(t, e.Time.IsZero())
	assert.Equal(t, int64(4), hub.Published())
}

func TestHubUnsubscribeOnContextDone(t *testing.T) {
	hub := NewHub(0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	ch := hub.Subscribe(ctx)
	require.Equal(t, 1, hub.Subscribers())

	cancel()
	require.Eventually(t, func() bool { return hub.Subscribers() == 0 }, time.Second, 5*time.Millisecond)
	_, ok := <-ch
	assert.False(t, ok)
}

func TestHubDropsForSlowSubscribers(t *testing.T) {
	hub := NewHub(0, 1)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := hub.Subscribe(ctx)

	for i := 0; i < 10; i++ {
		hub.Publish(Event{Type: AgentUpdated, Agent: "a"})
	}
	assert.Len(t, ch, 1)
}

func TestHubClose(t *testing.T) {
	hub := NewHub(0, 1)
	ch := hub.Subscribe(context.Background())
	hub.Close()
	_, ok := <-ch
	assert.False(t, ok)

	late := hub.Subscribe(context.Background())
	_, ok = <-late
	assert.False(t, ok)
	hub.Publish(Event{Type: AgentCreated})
}
