// Package conversation 按会话把用户输入路由到当前负责的智能体，处理转交并记录执行轨迹。
package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"AgentFleet/internal/config"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/observability/tracing"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/internal/trace"
	"AgentFleet/pkg/logger"
)

// DefaultConversation 是未指定 conversation_id 时使用的会话。
const DefaultConversation = "default"

// Agents 是路由依赖的注册表能力。
type Agents interface {
	GetAgent(ctx context.Context, name string) (registry.Record, error)
}

// Instances 是路由依赖的进程管理能力。
type Instances interface {
	Running(name string) bool
	TakeCrash(ctx context.Context, name string) error
	Respond(ctx context.Context, name, conversationID, text string) (*runtime.Reply, error)
}

// TransferObserver 在会话转交成功后收到通知，不得阻塞。
type TransferObserver func(entryAgent, conversationID string, t trace.Trace)

// session 是会话的内存状态。sem 保证同一会话的输入按到达顺序逐条处理。
type session struct {
	sem      *semaphore.Weighted
	binding  Binding
	loaded   bool
	refs     int
	lastUsed time.Time
}

// Router 负责对话路由。
type Router struct {
	agents    Agents
	instances Instances
	recorder  *trace.Recorder
	bindings  BindingStore
	cfg       config.RoutingConfig
	logger    *slog.Logger
	now       func() time.Time
	observer  TransferObserver

	mu       sync.Mutex
	sessions map[string]*session
}

// Option 定义可选配置。
type Option func(*Router)

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Router) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithTransferObserver 注册转交通知。
func WithTransferObserver(o TransferObserver) Option {
	return func(r *Router) {
		r.observer = o
	}
}

// NewRouter 创建路由器。bindings 为空时使用内存存储。
func NewRouter(agents Agents, instances Instances, recorder *trace.Recorder, bindings BindingStore, cfg config.RoutingConfig, opts ...Option) *Router {
	if bindings == nil {
		bindings = NewMemoryBindingStore()
	}
	r := &Router{
		agents:    agents,
		instances: instances,
		recorder:  recorder,
		bindings:  bindings,
		cfg:       cfg,
		logger:    logger.Named("conversation"),
		now:       time.Now,
		sessions:  make(map[string]*session),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// RouteChat 处理一轮输入并返回记录下来的轨迹。
func (r *Router) RouteChat(ctx context.Context, entryAgent, conversationID, text string) (tr trace.Trace, err error) {
	if conversationID == "" {
		conversationID = DefaultConversation
	}
	ctx, span := tracing.StartSpan(ctx, "conversation.route",
		tracing.Agent(entryAgent), tracing.Conversation(conversationID))
	defer func() { tracing.End(span, err) }()

	if strings.TrimSpace(text) == "" {
		return trace.Trace{}, xerrors.New(xerrors.CodeInvalidArgument, "text 不能为空")
	}
	started := r.now()
	if err := r.ensureRunning(ctx, entryAgent); err != nil {
		return trace.Trace{}, err
	}

	key := trace.SessionKey(entryAgent, conversationID)
	sess := r.acquire(key)
	defer r.release(key, sess)
	if err := sess.sem.Acquire(ctx, 1); err != nil {
		return trace.Trace{}, xerrors.Wrap(xerrors.CodeTimeout, err, "等待会话上一轮处理完成超时",
			xerrors.WithMetadata("agent", entryAgent), xerrors.WithMetadata("conversation_id", conversationID))
	}
	defer sess.sem.Release(1)

	if err := r.load(ctx, sess, entryAgent, conversationID); err != nil {
		return trace.Trace{}, err
	}
	current := sess.binding.CurrentAgent
	if current != entryAgent {
		if err := r.ensureRunning(ctx, current); err != nil {
			if !xerrors.HasCode(err, xerrors.CodeNotFound) {
				return trace.Trace{}, err
			}
			// 当前智能体已被删除，会话回到入口智能体。
			// 这是 current_agent 唯一不经成功转交而改变的情形。
			r.logger.Warn("会话当前智能体已不存在，回到入口智能体",
				slog.String("session", key), slog.String("agent", current))
			if err := r.bind(ctx, sess, entryAgent); err != nil {
				return trace.Trace{}, err
			}
			current = entryAgent
		}
	}

	reply, err := r.respond(ctx, current, conversationID, text)
	if err != nil {
		metrics.ObserveChat(current, string(xerrors.CodeOf(err)), r.now().Sub(started))
		return trace.Trace{}, err
	}
	turn := trace.FromReply(current, text, reply)

	previous := sess.binding
	if target := reply.TransferTo; target != "" && target != current {
		if err := r.ensureTarget(ctx, current, target); err != nil {
			metrics.ObserveChat(current, string(xerrors.CodeOf(err)), r.now().Sub(started))
			return trace.Trace{}, err
		}
		if err := r.bind(ctx, sess, target); err != nil {
			return trace.Trace{}, err
		}
		turn.Transfer = &trace.Transfer{From: current, To: target}
		if r.cfg.ForwardOnTransfer {
			turn.Forwarded = r.forward(ctx, target, conversationID, text)
		}
	}

	turn.LatencyMS = r.now().Sub(started).Milliseconds()
	tr, err = r.recorder.Record(ctx, key, turn)
	if err != nil {
		if turn.Transfer != nil {
			if restoreErr := r.bindings.Put(context.WithoutCancel(ctx), previous); restoreErr != nil {
				r.logger.Error("回滚会话绑定失败", slog.String("session", key), slog.Any("error", restoreErr))
			}
			sess.binding = previous
		}
		return trace.Trace{}, err
	}
	metrics.ObserveChat(current, "ok", r.now().Sub(started))

	if turn.Transfer != nil {
		metrics.ObserveTransfer(turn.Transfer.From, turn.Transfer.To)
		logger.Audit().Info("会话已转交",
			slog.String("entry_agent", entryAgent),
			slog.String("conversation_id", conversationID),
			slog.String("from", turn.Transfer.From),
			slog.String("to", turn.Transfer.To),
			slog.String("trace_id", tr.ID),
		)
		if r.observer != nil {
			r.observer(entryAgent, conversationID, tr.Clone())
		}
	}
	return tr, nil
}

// ensureRunning 检查智能体存在且实例存活；若存在未报告的崩溃则报告一次。
func (r *Router) ensureRunning(ctx context.Context, name string) error {
	rec, err := r.agents.GetAgent(ctx, name)
	if err != nil {
		return err
	}
	if rec.CrashPending {
		if err := r.instances.TakeCrash(ctx, name); err != nil {
			return err
		}
	}
	if rec.Status != registry.StatusRunning || !r.instances.Running(name) {
		return xerrors.New(xerrors.CodeAgentNotRunning,
			fmt.Sprintf("智能体 %s 未运行 (status=%s)", name, rec.Status),
			xerrors.WithMetadata("agent", name))
	}
	return nil
}

func (r *Router) ensureTarget(ctx context.Context, from, target string) error {
	unavailable := func(reason string, cause error) error {
		return xerrors.Wrap(xerrors.CodeTransferTargetUnavailable, cause,
			fmt.Sprintf("转交目标 %s 不可用: %s", target, reason),
			xerrors.WithMetadata("agent", from), xerrors.WithMetadata("target", target))
	}
	rec, err := r.agents.GetAgent(ctx, target)
	if err != nil {
		if xerrors.HasCode(err, xerrors.CodeNotFound) {
			return unavailable("不存在", err)
		}
		return err
	}
	if rec.Status != registry.StatusRunning || !r.instances.Running(target) {
		return unavailable(fmt.Sprintf("status=%s", rec.Status), nil)
	}
	return nil
}

func (r *Router) respond(ctx context.Context, name, conversationID, text string) (*runtime.Reply, error) {
	if r.cfg.RespondTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RespondTimeout)
		defer cancel()
	}
	return r.instances.Respond(ctx, name, conversationID, text)
}

// forward 把同一输入交给转交目标，失败时只记录日志，转交本身仍然成立。
func (r *Router) forward(ctx context.Context, target, conversationID, text string) *trace.Forwarded {
	reply, err := r.respond(ctx, target, conversationID, text)
	if err != nil {
		r.logger.Warn("转交后转发输入失败",
			slog.String("agent", target),
			slog.String("conversation_id", conversationID),
			slog.Any("error", err))
		return nil
	}
	turn := trace.FromReply(target, text, reply)
	return &trace.Forwarded{
		Agent:    target,
		Messages: turn.Messages,
		Actions:  turn.OutputActions,
		Intent:   turn.Intent,
	}
}

// load 在首次处理时从存储读取会话绑定，调用方需持有会话信号量。
func (r *Router) load(ctx context.Context, sess *session, entryAgent, conversationID string) error {
	if sess.loaded {
		return nil
	}
	b, ok, err := r.bindings.Get(ctx, entryAgent, conversationID)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话绑定失败")
	}
	if !ok {
		now := r.now().UTC()
		b = Binding{
			EntryAgent:     entryAgent,
			ConversationID: conversationID,
			CurrentAgent:   entryAgent,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := r.bindings.Put(ctx, b); err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话绑定失败")
		}
	}
	sess.binding = b
	sess.loaded = true
	return nil
}

// bind 修改会话的当前智能体，调用方需持有会话信号量。
func (r *Router) bind(ctx context.Context, sess *session, agent string) error {
	next := sess.binding
	next.CurrentAgent = agent
	next.UpdatedAt = r.now().UTC()
	if err := r.bindings.Put(ctx, next); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存会话绑定失败")
	}
	sess.binding = next
	return nil
}

func (r *Router) acquire(key string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[key]
	if !ok {
		sess = &session{sem: semaphore.NewWeighted(1)}
		r.sessions[key] = sess
	}
	sess.refs++
	sess.lastUsed = r.now()
	return sess
}

func (r *Router) release(key string, sess *session) {
	r.mu.Lock()
	sess.refs--
	sess.lastUsed = r.now()
	r.mu.Unlock()
}

// Session 是会话的当前状态与最近的轨迹。
type Session struct {
	Binding
	History []trace.Trace `json:"history"`
}

// Session 返回会话绑定与最近 limit 条轨迹，limit<=0 表示全部保留的轨迹。
func (r *Router) Session(ctx context.Context, entryAgent, conversationID string, limit int) (Session, error) {
	if conversationID == "" {
		conversationID = DefaultConversation
	}
	if _, err := r.agents.GetAgent(ctx, entryAgent); err != nil {
		return Session{}, err
	}
	b, ok, err := r.bindings.Get(ctx, entryAgent, conversationID)
	if err != nil {
		return Session{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话绑定失败")
	}
	if !ok {
		return Session{}, xerrors.New(xerrors.CodeNotFound,
			fmt.Sprintf("会话 %s 不存在", conversationID),
			xerrors.WithMetadata("agent", entryAgent), xerrors.WithMetadata("conversation_id", conversationID))
	}
	history, err := r.recorder.History(ctx, trace.SessionKey(entryAgent, conversationID), limit)
	if err != nil {
		return Session{}, err
	}
	return Session{Binding: b, History: history}, nil
}

// Sessions 列出入口智能体下的全部会话绑定。
func (r *Router) Sessions(ctx context.Context, entryAgent string) ([]Binding, error) {
	if _, err := r.agents.GetAgent(ctx, entryAgent); err != nil {
		return nil, err
	}
	out, err := r.bindings.List(ctx, entryAgent)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话列表失败")
	}
	if out == nil {
		out = []Binding{}
	}
	return out, nil
}

// Forget 删除以该智能体为入口的全部会话与轨迹，在智能体删除后调用。
func (r *Router) Forget(ctx context.Context, entryAgent string) error {
	bindings, err := r.bindings.List(ctx, entryAgent)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话列表失败")
	}
	for _, b := range bindings {
		if err := r.recorder.Forget(ctx, trace.SessionKey(entryAgent, b.ConversationID)); err != nil {
			return err
		}
	}
	if err := r.bindings.DeleteAgent(ctx, entryAgent); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话绑定失败")
	}
	prefix := trace.SessionKey(entryAgent, "")
	r.mu.Lock()
	for key, sess := range r.sessions {
		if sess.refs == 0 && strings.HasPrefix(key, prefix) {
			delete(r.sessions, key)
		}
	}
	r.mu.Unlock()
	return nil
}

// Run 周期性地回收空闲会话的内存状态，绑定与轨迹保留在存储中。
func (r *Router) Run(ctx context.Context) error {
	ttl := r.cfg.IdleTTL
	if ttl <= 0 {
		<-ctx.Done()
		return nil
	}
	interval := ttl / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := r.evictIdle(); n > 0 {
				r.logger.Debug("已回收空闲会话", slog.Int("count", n))
			}
		}
	}
}

func (r *Router) evictIdle() int {
	cutoff := r.now().Add(-r.cfg.IdleTTL)
	r.mu.Lock()
	defer r.mu.Unlock()
	evicted := 0
	for key, sess := range r.sessions {
		if sess.refs == 0 && sess.lastUsed.Before(cutoff) {
			delete(r.sessions, key)
			evicted++
		}
	}
	return evicted
}

// Active 返回内存中的会话数量。
func (r *Router) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
