package supervisor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"AgentFleet/internal/config"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/queue"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/pkg/logger"
)

// Records 是 Supervisor 依赖的注册表能力。
type Records interface {
	GetAgent(ctx context.Context, name string) (registry.Record, error)
	Update(ctx context.Context, name string, fn func(*registry.Record) error) (registry.Record, error)
}

// Supervisor 管理智能体进程并驱动生命周期状态机，是唯一启动、停止和结束实例进程的组件。
type Supervisor struct {
	cfg     config.SupervisorConfig
	host    string
	reg     Records
	rt      runtime.Runtime
	jobs    queue.Queue
	alerter alerting.Dispatcher
	logger  *slog.Logger
	now     func() time.Time

	base   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	ops       map[string]*operation
	instances map[string]*instance
	logs      map[string]*runtime.LogBuffer
}

// Option 定义可选配置。
type Option func(*Supervisor)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) Option {
	return func(s *Supervisor) {
		s.alerter = d
	}
}

// WithHost 指定实例监听的地址。
func WithHost(host string) Option {
	return func(s *Supervisor) {
		if host != "" {
			s.host = host
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(s *Supervisor) {
		if now != nil {
			s.now = now
		}
	}
}

// New 创建 Supervisor。jobs 用于投递并消费训练任务。
func New(reg Records, rt runtime.Runtime, jobs queue.Queue, cfg config.SupervisorConfig, opts ...Option) *Supervisor {
	if cfg.TrainWorkers <= 0 {
		cfg.TrainWorkers = 1
	}
	if cfg.TrainTimeout <= 0 {
		cfg.TrainTimeout = time.Hour
	}
	if cfg.StartupTimeout <= 0 {
		cfg.StartupTimeout = 2 * time.Minute
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = time.Second
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 10 * time.Second
	}
	if cfg.HealthFailures <= 0 {
		cfg.HealthFailures = 3
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if cfg.LogLines <= 0 {
		cfg.LogLines = 500
	}
	base, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		cfg:       cfg,
		host:      "127.0.0.1",
		reg:       reg,
		rt:        rt,
		jobs:      jobs,
		logger:    logger.Named("supervisor"),
		now:       time.Now,
		base:      base,
		cancel:    cancel,
		ops:       make(map[string]*operation),
		instances: make(map[string]*instance),
		logs:      make(map[string]*runtime.LogBuffer),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Run 消费训练任务直到 ctx 结束。
func (s *Supervisor) Run(ctx context.Context) error {
	if s.jobs == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置训练队列")
	}
	s.logger.Info("训练消费者已启动", slog.Int("workers", s.cfg.TrainWorkers))
	err := s.jobs.Consume(ctx, s.cfg.TrainWorkers, s.handleJob)
	if stdErrors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// begin 登记一个进行中的操作，已有操作时返回冲突错误。
func (s *Supervisor) begin(name, kind string) (*operation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "supervisor 已关闭")
	}
	if existing, ok := s.ops[name]; ok {
		return nil, conflict(name, existing, kind)
	}
	ctx, cancel := context.WithCancel(s.base)
	op := &operation{kind: kind, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	s.ops[name] = op
	return op, nil
}

func (s *Supervisor) finish(name string, op *operation) {
	s.mu.Lock()
	if s.ops[name] == op {
		delete(s.ops, name)
	}
	s.mu.Unlock()
	op.end()
}

func (s *Supervisor) endpoint(name string, port int) runtime.Endpoint {
	return runtime.Endpoint{Agent: name, Host: s.host, Port: port}
}

func (s *Supervisor) output(name string) *runtime.LogBuffer {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.logs[name]
	if !ok {
		buf = runtime.NewLogBuffer(s.cfg.LogLines)
		s.logs[name] = buf
	}
	return buf
}

// Logs 返回智能体最近 n 行训练与运行输出。
func (s *Supervisor) Logs(name string, n int) []string {
	s.mu.Lock()
	buf := s.logs[name]
	s.mu.Unlock()
	if buf == nil {
		return []string{}
	}
	return buf.Tail(n)
}

// Running 判断智能体是否有存活的实例。
func (s *Supervisor) Running(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.instances[name]
	return ok
}

var errNoCrash = stdErrors.New("no crash pending")

// TakeCrash 若智能体存在尚未报告的崩溃，清除标记并返回 PROCESS_CRASHED；每次崩溃只报告一次。
func (s *Supervisor) TakeCrash(ctx context.Context, name string) error {
	rec, err := s.reg.Update(ctx, name, func(r *registry.Record) error {
		if !r.CrashPending {
			return errNoCrash
		}
		r.CrashPending = false
		return nil
	})
	if stdErrors.Is(err, errNoCrash) {
		return nil
	}
	if err != nil {
		return err
	}
	return xerrors.New(xerrors.CodeProcessCrashed,
		fmt.Sprintf("智能体 %s 的进程已崩溃: %s", name, rec.LastError),
		xerrors.WithMetadata("agent", name))
}

// Respond 把一轮输入交给运行中的实例。
func (s *Supervisor) Respond(ctx context.Context, name, conversationID, text string) (*runtime.Reply, error) {
	s.mu.Lock()
	inst := s.instances[name]
	s.mu.Unlock()
	if inst == nil {
		return nil, errNotRunning(name)
	}
	reply, err := s.rt.Respond(ctx, s.endpoint(name, inst.port), conversationID, text)
	if err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "等待智能体回复超时", xerrors.WithMetadata("agent", name))
		}
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "智能体回复失败", xerrors.WithMetadata("agent", name))
		}
		return nil, err
	}
	if reply == nil {
		reply = &runtime.Reply{}
	}
	return reply, nil
}

// Release 为删除智能体做准备：运行中返回 INVALID_STATE，进行中的训练或启动会被取消并等待结束。
// 返回的函数在删除完成后调用，在此之前该智能体上的其他操作返回 BUSY。
func (s *Supervisor) Release(ctx context.Context, name string) (func(), error) {
	for {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return nil, xerrors.New(xerrors.CodeInitializationFailure, "supervisor 已关闭")
		}
		if _, ok := s.instances[name]; ok {
			s.mu.Unlock()
			return nil, errInvalidState(name, registry.StatusRunning, opDelete)
		}
		existing := s.ops[name]
		if existing == nil {
			opCtx, cancel := context.WithCancel(s.base)
			op := &operation{kind: opDelete, ctx: opCtx, cancel: cancel, done: make(chan struct{})}
			s.ops[name] = op
			s.mu.Unlock()
			return func() { s.finish(name, op) }, nil
		}
		if existing.kind == opDelete {
			s.mu.Unlock()
			return nil, errBusy(name, opDelete)
		}
		s.mu.Unlock()

		if existing.kind == opTrain && s.abortQueued(name, existing, "训练已取消") {
			continue
		}
		existing.cancel()
		select {
		case <-existing.done:
		case <-ctx.Done():
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待进行中的操作结束超时",
				xerrors.WithMetadata("agent", name), xerrors.WithMetadata("operation", existing.kind))
		}
	}
}

// Forget 丢弃智能体删除后残留的输出缓冲。
func (s *Supervisor) Forget(name string) {
	s.mu.Lock()
	delete(s.logs, name)
	s.mu.Unlock()
}

func (s *Supervisor) emitAlert(ctx context.Context, name, stage string, cause error) {
	if s.alerter == nil || !xerrors.ShouldAlert(cause) {
		return
	}
	event := alerting.FromError(name, stage, cause)
	event.OccurredAt = s.now()
	if err := s.alerter.Notify(ctx, event); err != nil {
		s.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("agent", name),
			slog.String("stage", stage))
	}
}
