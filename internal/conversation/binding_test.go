package conversation

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	redisstore "AgentFleet/internal/storage/redis"
)

func exerciseBindingStore(t *testing.T, store BindingStore) {
	t.Helper()
	ctx := context.Background()
	now := time.Unix(1_700_000_000, 0).UTC()

	_, ok, err := store.Get(ctx, "greeter", "c1")
	require.NoError(t, err)
	assert.False(t, ok)

	for _, cid := range []string{"c2", "c1"} {
		require.NoError(t, store.Put(ctx, Binding{
			EntryAgent: "greeter", ConversationID: cid, CurrentAgent: "greeter",
			CreatedAt: now, UpdatedAt: now,
		}))
	}
	require.NoError(t, store.Put(ctx, Binding{
		EntryAgent: "greeter", ConversationID: "c1", CurrentAgent: "support",
		CreatedAt: now, UpdatedAt: now.Add(time.Second),
	}))

	b, ok, err := store.Get(ctx, "greeter", "c1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "support", b.CurrentAgent)
	assert.True(t, b.UpdatedAt.Equal(now.Add(time.Second)))

	list, err := store.List(ctx, "greeter")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "c1", list[0].ConversationID)
	assert.Equal(t, "c2", list[1].ConversationID)

	require.NoError(t, store.DeleteAgent(ctx, "greeter"))
	list, err = store.List(ctx, "greeter")
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryBindingStore(t *testing.T) {
	exerciseBindingStore(t, NewMemoryBindingStore())
}

// 需要真实 Redis，设置 FLEET_TEST_REDIS=127.0.0.1:6379 后运行。
func TestRedisBindingStore(t *testing.T) {
	addr := os.Getenv("FLEET_TEST_REDIS")
	if addr == "" {
		t.Skip("FLEET_TEST_REDIS not set")
	}
	client, err := redisstore.Open(context.Background(), redisstore.Config{Address: addr})
	require.NoError(t, err)
	defer client.Close()

	exerciseBindingStore(t, NewRedisBindingStore(client, "agentfleet:test:"+uuid.NewString(), time.Minute))
}
