// Package queue 提供后台任务的投递与消费，支持内存、Redis 与 RabbitMQ 三种实现。
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	xerrors "AgentFleet/internal/errors"
)

// Kind 表示任务类型。
type Kind string

// KindTrain 表示训练智能体的任务。
const KindTrain Kind = "train"

// Job 是在队列中传递的任务描述。
type Job struct {
	ID         string `json:"id"`
	Kind       Kind   `json:"kind"`
	Agent      string `json:"agent"`
	EnqueuedAt int64  `json:"enqueued_at"`
}

// NewJob 创建带唯一 ID 的任务。
func NewJob(kind Kind, agent string) Job {
	return Job{ID: uuid.NewString(), Kind: kind, Agent: agent, EnqueuedAt: time.Now().Unix()}
}

// Encode 将任务编码为队列消息体。
func (j Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// Decode 解析队列消息体。
func Decode(body []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, xerrors.Wrap(xerrors.CodeQueueFailure, err, "解析任务消息失败")
	}
	if job.Agent == "" || job.Kind == "" {
		return Job{}, xerrors.New(xerrors.CodeQueueFailure, fmt.Sprintf("任务消息缺少必要字段: %s", body))
	}
	return job, nil
}

// Handler 处理来自队列的任务，返回错误时由具体实现决定是否重投。
type Handler func(ctx context.Context, job Job) error

// Producer 负责向队列投递任务。
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer 负责从队列中消费任务。
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue 同时具备生产者与消费者能力。
type Queue interface {
	Producer
	Consumer
}
