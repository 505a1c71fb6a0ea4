package supervisor

import (
	"context"
	"fmt"
	"sync"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
)

const (
	opTrain  = "train"
	opStart  = "start"
	opStop   = "stop"
	opDelete = "delete"
)

// operation 是针对单个智能体的进行中操作，同一时刻每个智能体至多一个。
type operation struct {
	kind   string
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	// 以下字段由 Supervisor.mu 保护。
	jobID   string
	started bool
}

func (op *operation) end() {
	op.once.Do(func() {
		op.cancel()
		close(op.done)
	})
}

// instance 是一个运行中的实例。
type instance struct {
	proc runtime.Process
	port int
	stop chan struct{}
	done chan struct{}

	// stopping 由 Supervisor.mu 保护，置位后退出监视不再视为崩溃。
	stopping bool
}

func errBusy(name, running string) error {
	return xerrors.New(xerrors.CodeBusy, fmt.Sprintf("智能体 %s 正在执行 %s", name, running),
		xerrors.WithMetadata("agent", name), xerrors.WithMetadata("operation", running))
}

func errInvalidState(name string, status registry.Status, op string) error {
	return xerrors.New(xerrors.CodeInvalidState, fmt.Sprintf("智能体 %s 处于 %s 状态，不能执行 %s", name, status, op),
		xerrors.WithMetadata("agent", name), xerrors.WithMetadata("status", string(status)))
}

func errNotRunning(name string) error {
	return xerrors.New(xerrors.CodeAgentNotRunning, "智能体未运行: "+name, xerrors.WithMetadata("agent", name))
}

// conflict 决定新操作遇到进行中操作时返回的错误：训练中启动属于状态错误，其余均为忙。
func conflict(name string, existing *operation, requested string) error {
	if requested == opStart && existing.kind == opTrain {
		return errInvalidState(name, registry.StatusTraining, requested)
	}
	return errBusy(name, existing.kind)
}
