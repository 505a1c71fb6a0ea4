package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/pkg/logger"
)

// Ports 是注册表依赖的端口分配能力。
type Ports interface {
	Allocate() (int, error)
	Release(port int)
	Reserve(port int) error
}

// ChangeKind 描述一次注册表变更的类型。
type ChangeKind string

const (
	ChangeCreated ChangeKind = "created"
	ChangeUpdated ChangeKind = "updated"
	ChangeDeleted ChangeKind = "deleted"
)

// Change 是注册表变更通知。
type Change struct {
	Kind     ChangeKind
	Record   Record
	Previous Status
}

// Observer 接收注册表变更，调用发生在注册表锁内，实现不能阻塞。
type Observer func(Change)

// Registry 管理智能体记录，创建、删除与端口分配在同一把锁下串行执行。
type Registry struct {
	mu        sync.Mutex
	store     Store
	ports     Ports
	logger    *slog.Logger
	now       func() time.Time
	observers []Observer
}

// Option 定义注册表的可选配置。
type Option func(*Registry)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithObserver 注册变更监听。
func WithObserver(o Observer) Option {
	return func(r *Registry) {
		if o != nil {
			r.observers = append(r.observers, o)
		}
	}
}

// WithClock 替换时间来源，便于测试。
func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

// New 创建注册表。
func New(store Store, ports Ports, opts ...Option) *Registry {
	r := &Registry{store: store, ports: ports, logger: logger.Named("registry"), now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Observe 在构造之后追加变更监听。
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o != nil {
		r.observers = append(r.observers, o)
	}
}

func (r *Registry) notify(kind ChangeKind, rec *Record, prev Status) {
	for _, o := range r.observers {
		o(Change{Kind: kind, Record: *rec, Previous: prev})
	}
}

// CreateAgent 创建处于 created 状态的智能体并为其分配端口。
func (r *Registry) CreateAgent(ctx context.Context, name string) (Record, error) {
	if err := ValidateName(name); err != nil {
		return Record{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.store.Get(ctx, name); err == nil {
		return Record{}, errAlreadyExists(name)
	} else if !xerrors.HasCode(err, xerrors.CodeNotFound) {
		return Record{}, err
	}

	port, err := r.ports.Allocate()
	if err != nil {
		return Record{}, err
	}
	now := r.now().Unix()
	rec := &Record{Name: name, Port: port, Status: StatusCreated, CreatedAt: now, UpdatedAt: now}
	if err := r.store.Create(ctx, rec); err != nil {
		r.ports.Release(port)
		return Record{}, err
	}

	logger.Audit().Info("智能体已创建", slog.String("agent", name), slog.Int("port", port))
	r.notify(ChangeCreated, rec, "")
	return *rec, nil
}

// GetAgent 返回智能体记录。
func (r *Registry) GetAgent(ctx context.Context, name string) (Record, error) {
	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return Record{}, err
	}
	return *rec, nil
}

// ListAgents 返回全部智能体记录，按名称排序。
func (r *Registry) ListAgents(ctx context.Context) ([]Record, error) {
	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		out = append(out, *rec)
	}
	return out, nil
}

// Update 在锁内读取记录、交给 fn 修改并写回；fn 返回错误时不落库。
func (r *Registry) Update(ctx context.Context, name string, fn func(*Record) error) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return Record{}, err
	}
	prev := rec.Status
	if err := fn(rec); err != nil {
		return *rec, err
	}
	if !rec.Status.Valid() {
		return Record{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "非法状态: %s", rec.Status)
	}
	rec.Name = name
	rec.UpdatedAt = r.now().Unix()
	if err := r.store.Update(ctx, rec); err != nil {
		return Record{}, err
	}
	if prev != rec.Status {
		logger.Audit().Info("智能体状态变更",
			slog.String("agent", name),
			slog.String("from", string(prev)),
			slog.String("to", string(rec.Status)),
			slog.String("error_code", rec.ErrorCode))
	}
	r.notify(ChangeUpdated, rec, prev)
	return *rec, nil
}

// DeleteAgent 删除智能体并释放端口，运行中的智能体不能删除。
func (r *Registry) DeleteAgent(ctx context.Context, name string) (Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, err := r.store.Get(ctx, name)
	if err != nil {
		return Record{}, err
	}
	if rec.Status == StatusRunning {
		return *rec, xerrors.New(xerrors.CodeInvalidState, "运行中的智能体需要先停止: "+name,
			xerrors.WithMetadata("agent", name), xerrors.WithMetadata("status", string(rec.Status)))
	}
	if err := r.store.Delete(ctx, name); err != nil {
		return Record{}, err
	}
	r.ports.Release(rec.Port)

	logger.Audit().Info("智能体已删除", slog.String("agent", name), slog.Int("port", rec.Port))
	r.notify(ChangeDeleted, rec, rec.Status)
	return *rec, nil
}

// Restore 为已持久化的记录重新占用端口，服务启动时调用一次。
// 记录的端口超出当前范围、未按步长对齐或与其他记录重复时返回错误，服务不应继续启动。
func (r *Registry) Restore(ctx context.Context) ([]Record, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	recs, err := r.store.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(recs))
	for _, rec := range recs {
		if err := r.ports.Reserve(rec.Port); err != nil {
			r.logger.Error("恢复端口失败", slog.String("agent", rec.Name), slog.Int("port", rec.Port), slog.Any("error", err))
			return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err,
				fmt.Sprintf("智能体 %s 的端口 %d 无法恢复，请检查端口范围配置", rec.Name, rec.Port),
				xerrors.WithMetadata("agent", rec.Name))
		}
		out = append(out, *rec)
	}
	return out, nil
}
