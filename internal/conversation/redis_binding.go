package conversation

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AgentFleet/internal/storage/redis"
)

// RedisBindingStore 以哈希保存会话绑定，每个入口智能体一个键，字段为 conversation_id。
type RedisBindingStore struct {
	client goredis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisBindingStore 创建 Redis 绑定存储。ttl<=0 表示不过期。
func NewRedisBindingStore(client goredis.UniversalClient, prefix string, ttl time.Duration) *RedisBindingStore {
	if prefix == "" {
		prefix = "agentfleet:conv"
	}
	return &RedisBindingStore{client: client, prefix: prefix, ttl: ttl}
}

func (s *RedisBindingStore) key(entryAgent string) string {
	return redis.Key(s.prefix, "bindings", entryAgent)
}

// Get 实现 BindingStore。
func (s *RedisBindingStore) Get(ctx context.Context, entryAgent, conversationID string) (Binding, bool, error) {
	raw, err := s.client.HGet(ctx, s.key(entryAgent), conversationID).Result()
	if errors.Is(err, goredis.Nil) {
		return Binding{}, false, nil
	}
	if err != nil {
		return Binding{}, false, err
	}
	var b Binding
	if err := json.Unmarshal([]byte(raw), &b); err != nil {
		return Binding{}, false, err
	}
	return b, true, nil
}

// Put 实现 BindingStore。
func (s *RedisBindingStore) Put(ctx context.Context, b Binding) error {
	payload, err := json.Marshal(b)
	if err != nil {
		return err
	}
	key := s.key(b.EntryAgent)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.HSet(ctx, key, b.ConversationID, payload)
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// List 实现 BindingStore。
func (s *RedisBindingStore) List(ctx context.Context, entryAgent string) ([]Binding, error) {
	values, err := s.client.HGetAll(ctx, s.key(entryAgent)).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Binding, 0, len(values))
	for _, raw := range values {
		var b Binding
		if err := json.Unmarshal([]byte(raw), &b); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// DeleteAgent 实现 BindingStore。
func (s *RedisBindingStore) DeleteAgent(ctx context.Context, entryAgent string) error {
	return s.client.Del(ctx, s.key(entryAgent)).Err()
}

// Close 实现 BindingStore，客户端由创建方关闭。
func (s *RedisBindingStore) Close() error { return nil }
