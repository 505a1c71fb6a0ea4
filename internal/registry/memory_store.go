package registry

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore 以内存方式保存智能体记录，进程退出后数据丢失。
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewMemoryStore 创建 MemoryStore。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

// Create 实现 Store 接口。
func (m *MemoryStore) Create(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Name]; ok {
		return errAlreadyExists(rec.Name)
	}
	m.records[rec.Name] = rec.Clone()
	return nil
}

// Get 实现 Store 接口。
func (m *MemoryStore) Get(_ context.Context, name string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[name]
	if !ok {
		return nil, errNotFound(name)
	}
	return rec.Clone(), nil
}

// List 按名称排序返回全部记录。
func (m *MemoryStore) List(_ context.Context) ([]*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Record, 0, len(m.records))
	for _, rec := range m.records {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// Update 实现 Store 接口。
func (m *MemoryStore) Update(_ context.Context, rec *Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.Name]; !ok {
		return errNotFound(rec.Name)
	}
	m.records[rec.Name] = rec.Clone()
	return nil
}

// Delete 实现 Store 接口。
func (m *MemoryStore) Delete(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return errNotFound(name)
	}
	delete(m.records, name)
	return nil
}

// Close 实现 Store 接口。
func (m *MemoryStore) Close() error { return nil }
