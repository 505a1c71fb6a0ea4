package supervisor

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/observability/tracing"
	"AgentFleet/internal/queue"
	"AgentFleet/internal/registry"
	"AgentFleet/pkg/logger"
)

// Train 把智能体切换到 training 并投递训练任务，立即返回。
// 训练中返回 BUSY，运行中或已停止返回 INVALID_STATE；投递失败时恢复原状态。
func (s *Supervisor) Train(ctx context.Context, name string) (rec registry.Record, err error) {
	ctx, span := tracing.StartSpan(ctx, "supervisor.train", tracing.Agent(name))
	defer func() { tracing.End(span, err) }()

	if err := s.TakeCrash(ctx, name); err != nil {
		return registry.Record{}, err
	}
	op, err := s.begin(name, opTrain)
	if err != nil {
		return registry.Record{}, err
	}

	var prev registry.Status
	rec, err = s.reg.Update(ctx, name, func(r *registry.Record) error {
		switch r.Status {
		case registry.StatusTraining:
			return errBusy(name, opTrain)
		case registry.StatusRunning, registry.StatusStopped:
			return errInvalidState(name, r.Status, opTrain)
		}
		prev = r.Status
		r.Status = registry.StatusTraining
		r.ClearError()
		return nil
	})
	if err != nil {
		s.finish(name, op)
		return registry.Record{}, err
	}

	job := queue.NewJob(queue.KindTrain, name)
	s.mu.Lock()
	op.jobID = job.ID
	s.mu.Unlock()

	if pubErr := s.jobs.Publish(ctx, job); pubErr != nil {
		s.finish(name, op)
		if _, revertErr := s.reg.Update(context.WithoutCancel(ctx), name, func(r *registry.Record) error {
			r.Status = prev
			return nil
		}); revertErr != nil {
			s.logger.Error("恢复训练前状态失败", slog.String("agent", name), slog.Any("error", revertErr))
		}
		return registry.Record{}, xerrors.Wrap(xerrors.CodeQueueFailure, pubErr, "投递训练任务失败",
			xerrors.WithMetadata("agent", name))
	}
	logger.Audit().Info("训练任务已入队",
		slog.String("agent", name),
		slog.String("job_id", job.ID),
		slog.String("from", string(prev)))
	return rec, nil
}

func (s *Supervisor) handleJob(_ context.Context, job queue.Job) error {
	if job.Kind != queue.KindTrain {
		s.logger.Warn("忽略未知类型的任务", slog.String("job_id", job.ID), slog.String("kind", string(job.Kind)))
		return nil
	}
	name := job.Agent

	s.mu.Lock()
	op := s.ops[name]
	if op == nil || op.kind != opTrain || op.jobID != job.ID || op.started {
		s.mu.Unlock()
		s.logger.Info("跳过过期的训练任务", slog.String("agent", name), slog.String("job_id", job.ID))
		return nil
	}
	op.started = true
	s.mu.Unlock()
	defer s.finish(name, op)

	trainCtx, cancel := context.WithTimeout(op.ctx, s.cfg.TrainTimeout)
	defer cancel()

	ctx, span := tracing.StartSpan(trainCtx, "supervisor.train.run", tracing.Agent(name))
	started := s.now()
	trainErr := s.rt.Train(ctx, name, s.output(name))
	tracing.End(span, trainErr)

	s.completeTraining(name, op, trainCtx, trainErr)
	s.logger.Info("训练任务结束",
		slog.String("agent", name),
		slog.String("job_id", job.ID),
		slog.Duration("elapsed", s.now().Sub(started)),
		slog.Any("error", trainErr))
	return nil
}

func (s *Supervisor) completeTraining(name string, op *operation, trainCtx context.Context, trainErr error) {
	var (
		outcome = "ok"
		failure error
	)
	switch {
	case trainErr == nil:
	case op.ctx.Err() != nil:
		outcome = "cancelled"
		failure = xerrors.New(xerrors.CodeRuntimeFailure, "训练已取消")
	case stdErrors.Is(trainCtx.Err(), context.DeadlineExceeded):
		outcome = "failed"
		failure = xerrors.New(xerrors.CodeTimeout, fmt.Sprintf("训练超过 %s 未完成", s.cfg.TrainTimeout),
			xerrors.WithMetadata("agent", name))
	default:
		outcome = "failed"
		failure = trainErr
		if xerrors.CodeOf(trainErr) == xerrors.CodeUnknown {
			failure = xerrors.Wrap(xerrors.CodeRuntimeFailure, trainErr, "训练失败", xerrors.WithMetadata("agent", name))
		}
	}

	_, err := s.reg.Update(context.Background(), name, func(r *registry.Record) error {
		if failure == nil {
			r.Status = registry.StatusReady
			r.TrainedAt = s.now().Unix()
			r.ClearError()
			return nil
		}
		r.Status = registry.StatusFailed
		r.LastError = failure.Error()
		r.ErrorCode = string(xerrors.CodeOf(failure))
		return nil
	})
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		s.logger.Error("回写训练结果失败", slog.String("agent", name), slog.Any("error", err))
	}
	metrics.ObserveTraining(name, outcome)
	if outcome == "failed" {
		s.emitAlert(context.Background(), name, "train", failure)
	}
}

// abortQueued 取消尚未被工作协程领取的训练任务；任务已开始执行时返回 false。
func (s *Supervisor) abortQueued(name string, op *operation, reason string) bool {
	s.mu.Lock()
	if op.started || s.ops[name] != op {
		s.mu.Unlock()
		return false
	}
	delete(s.ops, name)
	s.mu.Unlock()
	op.end()

	_, err := s.reg.Update(context.Background(), name, func(r *registry.Record) error {
		if r.Status == registry.StatusTraining {
			r.Status = registry.StatusFailed
			r.LastError = reason
			r.ErrorCode = ""
		}
		return nil
	})
	if err != nil && !xerrors.HasCode(err, xerrors.CodeNotFound) {
		s.logger.Error("回写训练取消状态失败", slog.String("agent", name), slog.Any("error", err))
	}
	metrics.ObserveTraining(name, "cancelled")
	return true
}
