// Package trace 记录每一轮对话的执行轨迹。轨迹一经记录即不可变，按会话追加保存。
package trace

import (
	"context"
	"log/slog"
	"time"

	"github.com/oklog/ulid/v2"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/runtime"
	"AgentFleet/pkg/logger"
)

// Transfer 描述本轮发生的会话转交。
type Transfer struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Forwarded 是转交后目标智能体对同一输入的回复。
type Forwarded struct {
	Agent    string            `json:"agent"`
	Messages []runtime.Message `json:"messages"`
	Actions  []runtime.Action  `json:"output_actions"`
	Intent   *runtime.Intent   `json:"intent,omitempty"`
}

// Turn 是一轮对话的内容，由路由层填写后交给 Recorder 记录。
type Turn struct {
	Agent         string            `json:"agent"`
	InputText     string            `json:"input_text"`
	Messages      []runtime.Message `json:"messages"`
	OutputActions []runtime.Action  `json:"output_actions"`
	Intent        *runtime.Intent   `json:"intent,omitempty"`
	IntentRanking []runtime.Intent  `json:"intent_ranking,omitempty"`
	Entities      []runtime.Entity  `json:"entities,omitempty"`
	Transfer      *Transfer         `json:"transfer,omitempty"`
	Forwarded     *Forwarded        `json:"forwarded,omitempty"`
	LatencyMS     int64             `json:"latency_ms"`
}

// Trace 是已记录的一轮对话。
type Trace struct {
	ID         string    `json:"id"`
	Session    string    `json:"session"`
	Sequence   int64     `json:"sequence"`
	RecordedAt time.Time `json:"recorded_at"`
	Turn
}

// SessionKey 返回会话在存储中的标识，智能体名称中不会出现 "/"。
func SessionKey(agent, conversationID string) string {
	return agent + "/" + conversationID
}

// FromReply 把运行时回复转换为一轮对话。
func FromReply(agent, text string, reply *runtime.Reply) Turn {
	t := Turn{Agent: agent, InputText: text}
	if reply == nil {
		return t
	}
	t.Messages = reply.Messages
	t.OutputActions = reply.Actions
	t.Intent = reply.Intent
	t.IntentRanking = reply.IntentRanking
	t.Entities = reply.Entities
	return t
}

// Store 保存每个会话的轨迹历史。
type Store interface {
	// NextSequence 返回会话的下一个序号，从 1 开始。
	NextSequence(ctx context.Context, session string) (int64, error)
	Append(ctx context.Context, session string, t Trace) error
	// List 返回最近的 limit 条轨迹，按序号升序，limit<=0 表示全部。
	List(ctx context.Context, session string, limit int) ([]Trace, error)
	Delete(ctx context.Context, session string) error
	Close() error
}

// Recorder 为轨迹分配 ID 与序号并追加到存储。
type Recorder struct {
	store Store
	now   func() time.Time
}

// RecorderOption 定义可选配置。
type RecorderOption func(*Recorder)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) RecorderOption {
	return func(r *Recorder) {
		if now != nil {
			r.now = now
		}
	}
}

// NewRecorder 创建 Recorder。
func NewRecorder(store Store, opts ...RecorderOption) *Recorder {
	r := &Recorder{store: store, now: time.Now}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Record 记录一轮对话并返回其不可变副本。
func (r *Recorder) Record(ctx context.Context, session string, turn Turn) (Trace, error) {
	seq, err := r.store.NextSequence(ctx, session)
	if err != nil {
		return Trace{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "分配轨迹序号失败")
	}
	t := Trace{
		ID:         ulid.Make().String(),
		Session:    session,
		Sequence:   seq,
		RecordedAt: r.now().UTC(),
		Turn:       cloneTurn(turn),
	}
	if err := r.store.Append(ctx, session, t); err != nil {
		return Trace{}, xerrors.Wrap(xerrors.CodeStorageFailure, err, "保存轨迹失败")
	}
	logger.L().Debug("轨迹已记录",
		slog.String("session", session),
		slog.String("trace_id", t.ID),
		slog.Int64("sequence", seq))
	return t.Clone(), nil
}

// History 返回会话最近的 limit 条轨迹。
func (r *Recorder) History(ctx context.Context, session string, limit int) ([]Trace, error) {
	traces, err := r.store.List(ctx, session, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "读取会话历史失败")
	}
	return traces, nil
}

// Forget 删除会话的全部轨迹。
func (r *Recorder) Forget(ctx context.Context, session string) error {
	if err := r.store.Delete(ctx, session); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "删除会话历史失败")
	}
	return nil
}

// Clone 返回不与原值共享任何切片或指针的副本。
func (t Trace) Clone() Trace {
	t.Turn = cloneTurn(t.Turn)
	return t
}

func cloneTurn(t Turn) Turn {
	t.Messages = cloneMessages(t.Messages)
	t.OutputActions = cloneActions(t.OutputActions)
	t.Intent = cloneIntent(t.Intent)
	if t.IntentRanking != nil {
		t.IntentRanking = append([]runtime.Intent(nil), t.IntentRanking...)
	}
	if t.Entities != nil {
		t.Entities = append([]runtime.Entity(nil), t.Entities...)
	}
	if t.Transfer != nil {
		tr := *t.Transfer
		t.Transfer = &tr
	}
	if t.Forwarded != nil {
		fw := *t.Forwarded
		fw.Messages = cloneMessages(fw.Messages)
		fw.Actions = cloneActions(fw.Actions)
		fw.Intent = cloneIntent(fw.Intent)
		t.Forwarded = &fw
	}
	return t
}

func cloneMessages(in []runtime.Message) []runtime.Message {
	if in == nil {
		return nil
	}
	out := make([]runtime.Message, len(in))
	for i, m := range in {
		if m.Buttons != nil {
			m.Buttons = append([]runtime.Button(nil), m.Buttons...)
		}
		out[i] = m
	}
	return out
}

func cloneActions(in []runtime.Action) []runtime.Action {
	if in == nil {
		return nil
	}
	out := make([]runtime.Action, len(in))
	for i, a := range in {
		if a.Confidence != nil {
			c := *a.Confidence
			a.Confidence = &c
		}
		out[i] = a
	}
	return out
}

func cloneIntent(in *runtime.Intent) *runtime.Intent {
	if in == nil {
		return nil
	}
	out := *in
	return &out
}
