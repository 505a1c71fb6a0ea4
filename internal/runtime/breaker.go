package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sony/gobreaker/v2"

	xerrors "AgentFleet/internal/errors"
)

// BreakerConfig 控制熔断器行为。
type BreakerConfig struct {
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Breaker 为每个智能体的 Respond 调用维护独立的熔断器，其余能力直接委托给内部运行时。
type Breaker struct {
	Runtime
	cfg    BreakerConfig
	logger *slog.Logger

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[*Reply]
}

// NewBreaker 包装运行时。
func NewBreaker(inner Runtime, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	return &Breaker{
		Runtime:  inner,
		cfg:      cfg,
		logger:   logger,
		breakers: make(map[string]*gobreaker.CircuitBreaker[*Reply]),
	}
}

func (b *Breaker) breaker(agent string) *gobreaker.CircuitBreaker[*Reply] {
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[agent]; ok {
		return cb
	}
	threshold := b.cfg.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[*Reply](gobreaker.Settings{
		Name:        "agent:" + agent,
		MaxRequests: 1,
		Timeout:     b.cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			b.logger.Warn("熔断器状态变化", "breaker", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// 调用方取消不计入失败。
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	b.breakers[agent] = cb
	return cb
}

// Respond 经过熔断器调用内部运行时。
func (b *Breaker) Respond(ctx context.Context, ep Endpoint, conversationID, text string) (*Reply, error) {
	reply, err := b.breaker(ep.Agent).Execute(func() (*Reply, error) {
		return b.Runtime.Respond(ctx, ep, conversationID, text)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "智能体 "+ep.Agent+" 已熔断")
	}
	return reply, err
}

// Reset 丢弃智能体的熔断状态，新进程启动后调用。
func (b *Breaker) Reset(agent string) {
	b.mu.Lock()
	delete(b.breakers, agent)
	b.mu.Unlock()
}

// State 返回智能体当前的熔断状态。
func (b *Breaker) State(agent string) gobreaker.State {
	return b.breaker(agent).State()
}
