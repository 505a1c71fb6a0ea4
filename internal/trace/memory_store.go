package trace

import (
	"context"
	"sync"
)

// MemoryStore 在进程内保存轨迹。
type MemoryStore struct {
	mu         sync.RWMutex
	maxHistory int
	sessions   map[string]*memorySession
}

type memorySession struct {
	seq    int64
	traces []Trace
}

// NewMemoryStore 创建内存存储，每个会话最多保留 maxHistory 条，<=0 表示不限制。
func NewMemoryStore(maxHistory int) *MemoryStore {
	return &MemoryStore{maxHistory: maxHistory, sessions: make(map[string]*memorySession)}
}

func (s *MemoryStore) session(key string) *memorySession {
	sess, ok := s.sessions[key]
	if !ok {
		sess = &memorySession{}
		s.sessions[key] = sess
	}
	return sess
}

// NextSequence 实现 Store。
func (s *MemoryStore) NextSequence(_ context.Context, session string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(session)
	sess.seq++
	return sess.seq, nil
}

// Append 实现 Store。
func (s *MemoryStore) Append(_ context.Context, session string, t Trace) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.session(session)
	sess.traces = append(sess.traces, t.Clone())
	if s.maxHistory > 0 && len(sess.traces) > s.maxHistory {
		drop := len(sess.traces) - s.maxHistory
		sess.traces = append([]Trace(nil), sess.traces[drop:]...)
	}
	return nil
}

// List 实现 Store。
func (s *MemoryStore) List(_ context.Context, session string, limit int) ([]Trace, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[session]
	if !ok {
		return []Trace{}, nil
	}
	traces := sess.traces
	if limit > 0 && len(traces) > limit {
		traces = traces[len(traces)-limit:]
	}
	out := make([]Trace, len(traces))
	for i, t := range traces {
		out[i] = t.Clone()
	}
	return out, nil
}

// Delete 实现 Store。
func (s *MemoryStore) Delete(_ context.Context, session string) error {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
	return nil
}

// Close 实现 Store。
func (s *MemoryStore) Close() error { return nil }
