package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

// RedisQueue 使用 Redis list 实现任务队列，多个 fleetd 实例可共享同一队列。
type RedisQueue struct {
	client *redis.Client
	key    string
	wait   time.Duration
}

// NewRedisQueue 基于已有连接创建 Redis 队列。
func NewRedisQueue(client *redis.Client, key string, blockWait time.Duration) *RedisQueue {
	if key == "" {
		key = "agentfleet:train"
	}
	if blockWait <= 0 {
		blockWait = 5 * time.Second
	}
	return &RedisQueue{client: client, key: key, wait: blockWait}
}

// Publish 将任务投递到 Redis。
func (q *RedisQueue) Publish(ctx context.Context, job Job) error {
	body, err := job.Encode()
	if err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "编码任务失败")
	}
	if err := q.client.LPush(ctx, q.key, body).Err(); err != nil {
		return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 发布任务失败")
	}
	return nil
}

// Consume 通过 BRPOP 拉取任务，处理失败的任务会被放回队尾重试。
func (q *RedisQueue) Consume(ctx context.Context, workerCount int, handler Handler) error {
	if workerCount <= 0 {
		workerCount = 1
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var (
		wg       sync.WaitGroup
		once     sync.Once
		firstErr error
	)
	for i := 0; i < workerCount; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := q.work(ctx, handler); err != nil {
				once.Do(func() {
					firstErr = err
					cancel()
				})
			}
		}()
	}
	wg.Wait()
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

func (q *RedisQueue) work(ctx context.Context, handler Handler) error {
	for ctx.Err() == nil {
		values, err := q.client.BRPop(ctx, q.wait, q.key).Result()
		switch {
		case errors.Is(err, redis.Nil):
			continue
		case err != nil:
			if ctx.Err() != nil {
				return nil
			}
			return xerrors.Wrap(xerrors.CodeQueueFailure, err, "Redis 取任务失败")
		case len(values) != 2:
			continue
		}

		job, err := Decode([]byte(values[1]))
		if err != nil {
			logger.L().Warn("丢弃无法解析的任务", "queue", q.key, "error", err)
			continue
		}
		if handlerErr := handler(ctx, job); handlerErr != nil && xerrors.RetryableError(handlerErr) {
			_ = q.client.RPush(context.WithoutCancel(ctx), q.key, values[1]).Err()
		}
	}
	return nil
}

// Close 关闭 Redis 连接。
func (q *RedisQueue) Close() error {
	if q == nil || q.client == nil {
		return nil
	}
	return q.client.Close()
}
