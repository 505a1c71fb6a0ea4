package registry

import "context"

// Store 抽象了智能体记录的持久化。
// 实现需要保证同名记录唯一，并在读写时返回副本。
type Store interface {
	Create(ctx context.Context, rec *Record) error
	Get(ctx context.Context, name string) (*Record, error)
	List(ctx context.Context) ([]*Record, error)
	Update(ctx context.Context, rec *Record) error
	Delete(ctx context.Context, name string) error
	Close() error
}
