package supervisor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/observability/tracing"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/pkg/logger"
)

// startable 判断记录能否启动。因崩溃进入 failed 的智能体模型仍然可用，允许直接重启。
func startable(r registry.Record) bool {
	switch r.Status {
	case registry.StatusReady, registry.StatusStopped:
		return true
	case registry.StatusFailed:
		return r.ErrorCode == string(xerrors.CodeProcessCrashed) && r.TrainedAt > 0
	}
	return false
}

// Start 在记录的端口上启动实例并阻塞到实例就绪。
// 超时返回 STARTUP_TIMEOUT，实例提前退出返回 RUNTIME_FAILURE；失败时进程被终止，状态保持不变。
// 就绪后、写入 running 前进程崩溃时返回 PROCESS_CRASHED，记录保持 failed。
func (s *Supervisor) Start(ctx context.Context, name string) (rec registry.Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.start", tracing.Agent(name))
	defer func() { tracing.End(span, err) }()

	if err := s.TakeCrash(ctx, name); err != nil {
		return registry.Record{}, err
	}
	op, err := s.begin(name, opStart)
	if err != nil {
		return registry.Record{}, err
	}
	defer s.finish(name, op)

	cur, err := s.reg.GetAgent(ctx, name)
	if err != nil {
		return registry.Record{}, err
	}
	if !startable(cur) {
		return registry.Record{}, errInvalidState(name, cur.Status, opStart)
	}
	stopAfter := context.AfterFunc(ctx, op.cancel)
	defer stopAfter()

	proc, err := s.rt.Launch(op.ctx, name, cur.Port, s.output(name))
	if err != nil {
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "启动实例失败", xerrors.WithMetadata("agent", name))
		}
		s.recordStartFailure(name, err)
		return registry.Record{}, err
	}

	if err := s.awaitReady(op.ctx, s.endpoint(name, cur.Port), proc); err != nil {
		_ = proc.Stop(context.WithoutCancel(ctx))
		s.recordStartFailure(name, err)
		return registry.Record{}, err
	}

	inst := &instance{proc: proc, port: cur.Port, stop: make(chan struct{}), done: make(chan struct{})}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = proc.Stop(context.WithoutCancel(ctx))
		return registry.Record{}, xerrors.New(xerrors.CodeInitializationFailure, "supervisor 已关闭")
	}
	s.instances[name] = inst
	s.wg.Add(1)
	go s.watch(name, inst)
	s.mu.Unlock()

	lost := false
	rec, err = s.reg.Update(context.WithoutCancel(ctx), name, func(r *registry.Record) error {
		// 实例在写入 running 之前可能已被监视协程判定崩溃或随关闭移除。
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.instances[name] != inst {
			lost = true
			if s.closed {
				return xerrors.New(xerrors.CodeInitializationFailure, "supervisor 已关闭")
			}
			return xerrors.New(xerrors.CodeProcessCrashed,
				fmt.Sprintf("智能体 %s 的进程在启动完成前退出", name), xerrors.WithMetadata("agent", name))
		}
		r.Status = registry.StatusRunning
		r.PID = proc.PID()
		r.ClearError()
		return nil
	})
	if err != nil {
		s.mu.Lock()
		owned := s.instances[name] == inst
		if owned {
			inst.stopping = true
			delete(s.instances, name)
		}
		s.mu.Unlock()
		if owned {
			s.halt(context.WithoutCancel(ctx), inst)
		} else {
			<-inst.done
		}
		if lost {
			if crashErr := s.TakeCrash(context.WithoutCancel(ctx), name); crashErr != nil {
				return registry.Record{}, crashErr
			}
		}
		return registry.Record{}, err
	}
	if b, ok := s.rt.(interface{ Reset(agent string) }); ok {
		b.Reset(name)
	}

	logger.Audit().Info("智能体已启动",
		slog.String("agent", name),
		slog.Int("port", cur.Port),
		slog.Int("pid", proc.PID()))
	return rec, nil
}

func (s *Supervisor) awaitReady(ctx context.Context, ep runtime.Endpoint, proc runtime.Process) error {
	deadline := time.NewTimer(s.cfg.StartupTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(s.cfg.ProbeInterval)
	defer ticker.Stop()

	probeTimeout := s.cfg.ProbeInterval
	if probeTimeout < time.Second {
		probeTimeout = time.Second
	}
	for {
		select {
		case <-proc.Done():
			return s.earlyExit(ep.Agent, proc)
		default:
		}
		checkCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		err := s.rt.HealthCheck(checkCtx, ep)
		cancel()
		if err == nil {
			return nil
		}

		select {
		case <-proc.Done():
			return s.earlyExit(ep.Agent, proc)
		case <-deadline.C:
			return xerrors.New(xerrors.CodeStartupTimeout,
				fmt.Sprintf("智能体 %s 在 %s 内未就绪", ep.Agent, s.cfg.StartupTimeout),
				xerrors.WithMetadata("agent", ep.Agent), xerrors.WithMetadata("last_probe_error", err.Error()))
		case <-ctx.Done():
			if stdErrors.Is(ctx.Err(), context.DeadlineExceeded) {
				return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待实例就绪超时", xerrors.WithMetadata("agent", ep.Agent))
			}
			return xerrors.Wrap(xerrors.CodeRuntimeFailure, ctx.Err(), "启动已取消", xerrors.WithMetadata("agent", ep.Agent))
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) earlyExit(name string, proc runtime.Process) error {
	opts := []xerrors.Option{xerrors.WithMetadata("agent", name)}
	if tail := s.Logs(name, 5); len(tail) > 0 {
		opts = append(opts, xerrors.WithMetadata("output", strings.Join(tail, "\n")))
	}
	return xerrors.Wrap(xerrors.CodeRuntimeFailure, proc.Err(), "实例在就绪前退出", opts...)
}

// recordStartFailure 记录启动失败原因，状态保持启动前的值。
func (s *Supervisor) recordStartFailure(name string, cause error) {
	_, err := s.reg.Update(context.Background(), name, func(r *registry.Record) error {
		r.LastError = cause.Error()
		r.ErrorCode = string(xerrors.CodeOf(cause))
		return nil
	})
	if err != nil {
		s.logger.Error("记录启动失败原因出错", slog.String("agent", name), slog.Any("error", err))
	}
	s.logger.Warn("智能体启动失败", slog.String("agent", name), slog.Any("error", cause))
	s.emitAlert(context.Background(), name, "start", cause)
}

// Stop 优雅停止运行中的实例，端口保持占用。
func (s *Supervisor) Stop(ctx context.Context, name string) (rec registry.Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.stop", tracing.Agent(name))
	defer func() { tracing.End(span, err) }()

	if err := s.TakeCrash(ctx, name); err != nil {
		return registry.Record{}, err
	}
	op, err := s.begin(name, opStop)
	if err != nil {
		return registry.Record{}, err
	}
	defer s.finish(name, op)

	cur, err := s.reg.GetAgent(ctx, name)
	if err != nil {
		return registry.Record{}, err
	}
	if cur.Status != registry.StatusRunning {
		return registry.Record{}, errInvalidState(name, cur.Status, opStop)
	}

	s.mu.Lock()
	inst := s.instances[name]
	if inst != nil {
		inst.stopping = true
		delete(s.instances, name)
	}
	s.mu.Unlock()
	if inst != nil {
		s.halt(ctx, inst)
	}

	rec, err = s.reg.Update(context.WithoutCancel(ctx), name, func(r *registry.Record) error {
		if r.Status != registry.StatusRunning {
			return errInvalidState(name, r.Status, opStop)
		}
		r.Status = registry.StatusStopped
		r.PID = 0
		return nil
	})
	if err != nil {
		return registry.Record{}, err
	}
	logger.Audit().Info("智能体已停止", slog.String("agent", name), slog.Int("port", rec.Port))
	return rec, nil
}

// halt 结束实例进程并等待监视协程退出，调用前必须已设置 stopping 并从 instances 中移除。
func (s *Supervisor) halt(ctx context.Context, inst *instance) {
	close(inst.stop)
	if err := inst.proc.Stop(ctx); err != nil {
		s.logger.Warn("停止实例进程出错", slog.Int("pid", inst.proc.PID()), slog.Any("error", err))
	}
	<-inst.done
}

// watch 监视实例进程退出并周期性健康检查，连续失败达到阈值视为崩溃。
func (s *Supervisor) watch(name string, inst *instance) {
	defer s.wg.Done()
	defer close(inst.done)

	ticker := time.NewTicker(s.cfg.HealthInterval)
	defer ticker.Stop()
	ep := s.endpoint(name, inst.port)
	failures := 0
	for {
		select {
		case <-inst.stop:
			return
		case <-inst.proc.Done():
			s.crashed(name, inst, inst.proc.Err())
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(s.base, s.cfg.HealthInterval)
			err := s.rt.HealthCheck(ctx, ep)
			cancel()
			if err == nil {
				failures = 0
				continue
			}
			if s.base.Err() != nil {
				return
			}
			failures++
			s.logger.Warn("健康检查失败", slog.String("agent", name), slog.Int("failures", failures), slog.Any("error", err))
			if failures >= s.cfg.HealthFailures {
				s.crashed(name, inst, fmt.Errorf("连续 %d 次健康检查失败: %w", failures, err))
				return
			}
		}
	}
}

func (s *Supervisor) crashed(name string, inst *instance, cause error) {
	s.mu.Lock()
	if inst.stopping || s.instances[name] != inst {
		s.mu.Unlock()
		return
	}
	delete(s.instances, name)
	s.mu.Unlock()

	_ = inst.proc.Stop(context.Background())
	if cause == nil {
		cause = stdErrors.New("进程退出")
	}
	crashErr := xerrors.Wrap(xerrors.CodeProcessCrashed, cause, "智能体进程异常退出",
		xerrors.WithMetadata("agent", name), xerrors.WithMetadata("pid", fmt.Sprint(inst.proc.PID())))
	_, err := s.reg.Update(context.Background(), name, func(r *registry.Record) error {
		r.Status = registry.StatusFailed
		r.PID = 0
		r.LastError = cause.Error()
		r.ErrorCode = string(xerrors.CodeProcessCrashed)
		r.CrashPending = true
		return nil
	})
	if err != nil {
		s.logger.Error("记录崩溃状态失败", slog.String("agent", name), slog.Any("error", err))
	}
	metrics.ObserveCrash(name)
	logger.Audit().Error("智能体进程崩溃",
		slog.String("agent", name),
		slog.Int("port", inst.port),
		slog.String("cause", cause.Error()))
	s.emitAlert(context.Background(), name, "crash", crashErr)
}

// Shutdown 并行停止所有实例并标记为 stopped，取消进行中的训练与启动，之后 Supervisor 不再接受操作。
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	insts := make(map[string]*instance, len(s.instances))
	for name, inst := range s.instances {
		inst.stopping = true
		insts[name] = inst
	}
	s.instances = make(map[string]*instance)
	ops := make(map[string]*operation, len(s.ops))
	for name, op := range s.ops {
		ops[name] = op
	}
	s.mu.Unlock()

	for name, op := range ops {
		if op.kind == opTrain {
			s.abortQueued(name, op, "服务关闭，训练中断")
		}
	}
	s.cancel()

	g, gctx := errgroup.WithContext(ctx)
	for name, inst := range insts {
		g.Go(func() error {
			s.halt(gctx, inst)
			_, err := s.reg.Update(context.WithoutCancel(ctx), name, func(r *registry.Record) error {
				r.Status = registry.StatusStopped
				r.PID = 0
				return nil
			})
			if err != nil {
				return fmt.Errorf("agent %s: %w", name, err)
			}
			logger.Audit().Info("智能体随服务关闭停止", slog.String("agent", name))
			return nil
		})
	}
	err := g.Wait()

	for name, op := range ops {
		if op.kind == opDelete {
			continue
		}
		select {
		case <-op.done:
		case <-ctx.Done():
			return xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "等待进行中的操作结束超时",
				xerrors.WithMetadata("agent", name), xerrors.WithMetadata("operation", op.kind))
		}
	}
	s.wg.Wait()
	return err
}
