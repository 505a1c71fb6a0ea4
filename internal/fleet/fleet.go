// Package fleet 组合注册表、进程管理与对话路由，对外提供完整的智能体管理能力。
package fleet

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"AgentFleet/internal/conversation"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/events"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/internal/supervisor"
	"AgentFleet/internal/trace"
	"AgentFleet/pkg/logger"
)

// Fleet 是 API 层使用的门面。
type Fleet struct {
	reg    *registry.Registry
	rt     runtime.Runtime
	sup    *supervisor.Supervisor
	router *conversation.Router
	hub    *events.Hub
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Fleet)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(f *Fleet) {
		if l != nil {
			f.logger = l
		}
	}
}

// WithEvents 把注册表变更发布到事件中心。
func WithEvents(hub *events.Hub) Option {
	return func(f *Fleet) {
		f.hub = hub
	}
}

// New 创建 Fleet。
func New(reg *registry.Registry, rt runtime.Runtime, sup *supervisor.Supervisor, router *conversation.Router, opts ...Option) *Fleet {
	f := &Fleet{
		reg:    reg,
		rt:     rt,
		sup:    sup,
		router: router,
		logger: logger.Named("fleet"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(f)
		}
	}
	if f.hub != nil {
		reg.Observe(ChangeEvents(f.hub))
	}
	return f
}

// Create 创建智能体并初始化工作目录，初始化失败时回滚注册。
func (f *Fleet) Create(ctx context.Context, name string) (registry.Record, error) {
	rec, err := f.reg.CreateAgent(ctx, name)
	if err != nil {
		return registry.Record{}, err
	}
	if err := f.rt.Prepare(ctx, name); err != nil {
		if _, delErr := f.reg.DeleteAgent(context.WithoutCancel(ctx), name); delErr != nil {
			f.logger.Error("回滚智能体注册失败", slog.String("agent", name), slog.Any("error", delErr))
		}
		if _, ok := xerrors.From(err); !ok {
			err = xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "初始化智能体工作目录失败",
				xerrors.WithMetadata("agent", name))
		}
		return registry.Record{}, err
	}
	return rec, nil
}

// List 返回全部智能体。
func (f *Fleet) List(ctx context.Context) ([]registry.Record, error) {
	return f.reg.ListAgents(ctx)
}

// Get 返回单个智能体。
func (f *Fleet) Get(ctx context.Context, name string) (registry.Record, error) {
	return f.reg.GetAgent(ctx, name)
}

// Train 提交训练，立即返回 training 状态的记录。
func (f *Fleet) Train(ctx context.Context, name string) (registry.Record, error) {
	return f.sup.Train(ctx, name)
}

// Start 启动实例并等待就绪。
func (f *Fleet) Start(ctx context.Context, name string) (registry.Record, error) {
	return f.sup.Start(ctx, name)
}

// Stop 停止实例。
func (f *Fleet) Stop(ctx context.Context, name string) (registry.Record, error) {
	return f.sup.Stop(ctx, name)
}

// Delete 删除智能体：取消进行中的训练或启动，删除记录并释放端口，再清理以它为入口的会话。
// 工作目录保留在磁盘上。
func (f *Fleet) Delete(ctx context.Context, name string) error {
	if _, err := f.reg.GetAgent(ctx, name); err != nil {
		return err
	}
	done, err := f.sup.Release(ctx, name)
	if err != nil {
		return err
	}
	defer done()

	if _, err := f.reg.DeleteAgent(ctx, name); err != nil {
		return err
	}
	f.sup.Forget(name)
	if err := f.router.Forget(ctx, name); err != nil {
		f.logger.Warn("清理智能体会话失败", slog.String("agent", name), slog.Any("error", err))
	}
	return nil
}

// Chat 处理一轮对话。
func (f *Fleet) Chat(ctx context.Context, name, conversationID, text string) (trace.Trace, error) {
	return f.router.RouteChat(ctx, name, conversationID, text)
}

// Conversation 返回会话绑定与历史。
func (f *Fleet) Conversation(ctx context.Context, name, conversationID string, limit int) (conversation.Session, error) {
	return f.router.Session(ctx, name, conversationID, limit)
}

// Conversations 列出以该智能体为入口的会话。
func (f *Fleet) Conversations(ctx context.Context, name string) ([]conversation.Binding, error) {
	return f.router.Sessions(ctx, name)
}

// Logs 返回实例最近的输出。
func (f *Fleet) Logs(ctx context.Context, name string, lines int) ([]string, error) {
	if _, err := f.reg.GetAgent(ctx, name); err != nil {
		return nil, err
	}
	return f.sup.Logs(name, lines), nil
}

// StatusCounts 按状态统计智能体数量。
func (f *Fleet) StatusCounts(ctx context.Context) (map[string]int, error) {
	recs, err := f.reg.ListAgents(ctx)
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(recs))
	for _, rec := range recs {
		counts[string(rec.Status)]++
	}
	return counts, nil
}

// StatusSource 返回供指标使用的状态统计函数。
func (f *Fleet) StatusSource(timeout time.Duration) func() map[string]int {
	return func() map[string]int {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		counts, err := f.StatusCounts(ctx)
		if err != nil {
			f.logger.Warn("统计智能体状态失败", slog.Any("error", err))
			return nil
		}
		return counts
	}
}

// ReconcileReport 汇总启动恢复的结果。
type ReconcileReport struct {
	Agents      int
	Stopped     []string
	Interrupted []string
}

// Reconcile 在服务启动时调用一次：重新占用已分配的端口，并修正上次退出时遗留的状态。
// 重启后不存在任何实例进程，running 改为 stopped；未完成的训练标记为 failed。
func (f *Fleet) Reconcile(ctx context.Context) (ReconcileReport, error) {
	recs, err := f.reg.Restore(ctx)
	if err != nil {
		return ReconcileReport{}, err
	}
	report := ReconcileReport{Agents: len(recs)}
	for _, rec := range recs {
		switch rec.Status {
		case registry.StatusRunning:
			if _, err := f.reg.Update(ctx, rec.Name, func(r *registry.Record) error {
				r.Status = registry.StatusStopped
				r.PID = 0
				return nil
			}); err != nil {
				return report, err
			}
			report.Stopped = append(report.Stopped, rec.Name)
		case registry.StatusTraining:
			if _, err := f.reg.Update(ctx, rec.Name, func(r *registry.Record) error {
				r.Status = registry.StatusFailed
				r.LastError = "training interrupted"
				r.ErrorCode = string(xerrors.CodeRuntimeFailure)
				return nil
			}); err != nil {
				return report, err
			}
			report.Interrupted = append(report.Interrupted, rec.Name)
		}
	}
	logger.Audit().Info("启动恢复完成",
		slog.Int("agents", report.Agents),
		slog.Any("stopped", report.Stopped),
		slog.Any("interrupted", report.Interrupted),
	)
	return report, nil
}

// ChangeEvents 把注册表变更转换为生命周期事件。
func ChangeEvents(hub *events.Hub) registry.Observer {
	return func(c registry.Change) {
		rec := c.Record
		base := events.Event{
			Agent:    rec.Name,
			Status:   string(rec.Status),
			Previous: string(c.Previous),
			Port:     rec.Port,
			Message:  rec.LastError,
		}
		switch c.Kind {
		case registry.ChangeCreated:
			base.Type = events.AgentCreated
			base.Previous = ""
			hub.Publish(base)
		case registry.ChangeDeleted:
			base.Type = events.AgentDeleted
			hub.Publish(base)
		case registry.ChangeUpdated:
			if c.Previous == rec.Status {
				return
			}
			base.Type = events.AgentUpdated
			hub.Publish(base)
			if rec.Status != registry.StatusFailed {
				return
			}
			switch {
			case rec.ErrorCode == string(xerrors.CodeProcessCrashed):
				base.Type = events.AgentCrashed
				hub.Publish(base)
			case c.Previous == registry.StatusTraining:
				base.Type = events.TrainFailed
				hub.Publish(base)
			}
		}
	}
}

// TransferEvents 把会话转交发布到事件中心。
func TransferEvents(hub *events.Hub) conversation.TransferObserver {
	return func(entryAgent, conversationID string, t trace.Trace) {
		hub.Publish(events.Event{
			Type:    events.ChatTransfer,
			Agent:   entryAgent,
			Message: fmt.Sprintf("%s -> %s", t.Transfer.From, t.Transfer.To),
			Data: map[string]string{
				"conversation_id": conversationID,
				"from":            t.Transfer.From,
				"to":              t.Transfer.To,
				"trace_id":        t.ID,
			},
		})
	}
}
