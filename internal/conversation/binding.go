package conversation

import (
	"context"
	"sort"
	"sync"
	"time"
)

// Binding 记录会话当前由哪个智能体处理。会话以入口智能体和 conversation_id 标识。
type Binding struct {
	EntryAgent     string    `json:"entry_agent"`
	ConversationID string    `json:"conversation_id"`
	CurrentAgent   string    `json:"current_agent"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// BindingStore 持久化会话绑定。
type BindingStore interface {
	Get(ctx context.Context, entryAgent, conversationID string) (Binding, bool, error)
	Put(ctx context.Context, b Binding) error
	// List 返回入口智能体下的全部会话，按 conversation_id 排序。
	List(ctx context.Context, entryAgent string) ([]Binding, error)
	// DeleteAgent 删除入口智能体下的全部会话绑定。
	DeleteAgent(ctx context.Context, entryAgent string) error
	Close() error
}

// MemoryBindingStore 在进程内保存会话绑定。
type MemoryBindingStore struct {
	mu       sync.RWMutex
	bindings map[string]map[string]Binding
}

// NewMemoryBindingStore 创建内存绑定存储。
func NewMemoryBindingStore() *MemoryBindingStore {
	return &MemoryBindingStore{bindings: make(map[string]map[string]Binding)}
}

// Get 实现 BindingStore。
func (s *MemoryBindingStore) Get(_ context.Context, entryAgent, conversationID string) (Binding, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.bindings[entryAgent][conversationID]
	return b, ok, nil
}

// Put 实现 BindingStore。
func (s *MemoryBindingStore) Put(_ context.Context, b Binding) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.bindings[b.EntryAgent]
	if !ok {
		byID = make(map[string]Binding)
		s.bindings[b.EntryAgent] = byID
	}
	byID[b.ConversationID] = b
	return nil
}

// List 实现 BindingStore。
func (s *MemoryBindingStore) List(_ context.Context, entryAgent string) ([]Binding, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Binding, 0, len(s.bindings[entryAgent]))
	for _, b := range s.bindings[entryAgent] {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

// DeleteAgent 实现 BindingStore。
func (s *MemoryBindingStore) DeleteAgent(_ context.Context, entryAgent string) error {
	s.mu.Lock()
	delete(s.bindings, entryAgent)
	s.mu.Unlock()
	return nil
}

// Close 实现 BindingStore。
func (s *MemoryBindingStore) Close() error { return nil }
