package trace

import (
	"context"
	"encoding/json"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"AgentFleet/internal/storage/redis"
)

// RedisStore 以 Redis 列表保存轨迹，每个会话一个列表，序号使用独立的计数键。
type RedisStore struct {
	client     goredis.UniversalClient
	prefix     string
	ttl        time.Duration
	maxHistory int
}

// NewRedisStore 创建 Redis 轨迹存储。ttl<=0 表示键不过期。
func NewRedisStore(client goredis.UniversalClient, prefix string, ttl time.Duration, maxHistory int) *RedisStore {
	if prefix == "" {
		prefix = "agentfleet:conv"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, maxHistory: maxHistory}
}

func (s *RedisStore) listKey(session string) string { return redis.Key(s.prefix, "history", session) }
func (s *RedisStore) seqKey(session string) string  { return redis.Key(s.prefix, "seq", session) }

// NextSequence 实现 Store。
func (s *RedisStore) NextSequence(ctx context.Context, session string) (int64, error) {
	seq, err := s.client.Incr(ctx, s.seqKey(session)).Result()
	if err != nil {
		return 0, err
	}
	if s.ttl > 0 {
		_ = s.client.Expire(ctx, s.seqKey(session), s.ttl).Err()
	}
	return seq, nil
}

// Append 实现 Store。
func (s *RedisStore) Append(ctx context.Context, session string, t Trace) error {
	payload, err := json.Marshal(t)
	if err != nil {
		return err
	}
	key := s.listKey(session)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, payload)
		if s.maxHistory > 0 {
			pipe.LTrim(ctx, key, int64(-s.maxHistory), -1)
		}
		if s.ttl > 0 {
			pipe.Expire(ctx, key, s.ttl)
		}
		return nil
	})
	return err
}

// List 实现 Store。
func (s *RedisStore) List(ctx context.Context, session string, limit int) ([]Trace, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	values, err := s.client.LRange(ctx, s.listKey(session), start, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Trace, 0, len(values))
	for _, v := range values {
		var t Trace
		if err := json.Unmarshal([]byte(v), &t); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, nil
}

// Delete 实现 Store。
func (s *RedisStore) Delete(ctx context.Context, session string) error {
	return s.client.Del(ctx, s.listKey(session), s.seqKey(session)).Err()
}

// Close 实现 Store，客户端由创建方关闭。
func (s *RedisStore) Close() error { return nil }
