// Package events 在进程内分发智能体生命周期事件，供 WebSocket 推送与告警使用。
package events

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// Type 表示事件类型。
type Type string

const (
	AgentCreated Type = "agent.created"
	AgentUpdated Type = "agent.updated"
	AgentDeleted Type = "agent.deleted"
	AgentCrashed Type = "agent.crashed"
	TrainFailed  Type = "agent.train_failed"
	ChatTransfer Type = "chat.transfer"
)

// Event 是一条生命周期事件。
type Event struct {
	Type     Type      `json:"type"`
	Agent    string    `json:"agent"`
	Status   string    `json:"status,omitempty"`
	Previous string    `json:"previous,omitempty"`
	Port     int       `json:"port,omitempty"`
	Message  string    `json:"message,omitempty"`
	Data     any       `json:"data,omitempty"`
	Time     time.Time `json:"time"`
}

type subscriber struct {
	ch      chan Event
	dropped atomic.Int64
}

// Hub 把事件广播给所有订阅者，并保留最近若干条用于新订阅者回放。
// 订阅者消费过慢时丢弃事件，Publish 从不阻塞。
type Hub struct {
	mu       sync.Mutex
	subs     map[*subscriber]struct{}
	recent   []Event
	replay   int
	buffer   int
	now      func() time.Time
	closed   bool
	received atomic.Int64
}

// NewHub 创建事件中心，replay 为回放条数，buffer 为每个订阅者的缓冲大小。
func NewHub(replay, buffer int) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		subs:   make(map[*subscriber]struct{}),
		replay: replay,
		buffer: buffer,
		now:    time.Now,
	}
}

// Publish 广播事件。
func (h *Hub) Publish(e Event) {
	if e.Time.IsZero() {
		e.Time = h.now().UTC()
	}
	h.received.Add(1)

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if h.replay > 0 {
		h.recent = append(h.recent, e)
		if len(h.recent) > h.replay {
			h.recent = h.recent[len(h.recent)-h.replay:]
		}
	}
	for sub := range h.subs {
		select {
		case sub.ch <- e:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Subscribe 返回事件通道，先收到回放事件再收到实时事件；ctx 结束或 Hub 关闭时通道关闭。
func (h *Hub) Subscribe(ctx context.Context) <-chan Event {
	sub := &subscriber{ch: make(chan Event, h.buffer+h.replay)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(sub.ch)
		return sub.ch
	}
	for _, e := range h.recent {
		sub.ch <- e
	}
	h.subs[sub] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.remove(sub)
	}()
	return sub.ch
}

func (h *Hub) remove(sub *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[sub]; ok {
		delete(h.subs, sub)
		close(sub.ch)
	}
}

// Subscribers 返回当前订阅者数量。
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Published 返回累计发布的事件数。
func (h *Hub) Published() int64 { return h.received.Load() }

// Close 关闭所有订阅通道，之后的 Publish 被忽略。
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for sub := range h.subs {
		delete(h.subs, sub)
		close(sub.ch)
	}
}
