// Package runtimetest 提供内存中的运行时实现，用于测试生命周期与路由逻辑。
package runtimetest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"AgentFleet/internal/runtime"
)

var pidSeq atomic.Int32

// Process 是模拟的实例进程。
type Process struct {
	pid     int
	done    chan struct{}
	once    sync.Once
	err     error
	stopped atomic.Bool
}

func newProcess() *Process {
	return &Process{pid: int(1000 + pidSeq.Add(1)), done: make(chan struct{})}
}

func (p *Process) exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

// PID 实现 runtime.Process。
func (p *Process) PID() int { return p.pid }

// Done 实现 runtime.Process。
func (p *Process) Done() <-chan struct{} { return p.done }

// Err 实现 runtime.Process。
func (p *Process) Err() error {
	select {
	case <-p.done:
		return p.err
	default:
		return nil
	}
}

// Stop 实现 runtime.Process。
func (p *Process) Stop(context.Context) error {
	p.stopped.Store(true)
	p.exit(errors.New("stopped"))
	return nil
}

// Crash 模拟进程异常退出。
func (p *Process) Crash(err error) {
	if err == nil {
		err = errors.New("signal: killed")
	}
	p.exit(err)
}

// Stopped 表示进程是否经由 Stop 结束。
func (p *Process) Stopped() bool { return p.stopped.Load() }

// Alive 表示进程是否仍在运行。
func (p *Process) Alive() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Runtime 是可编程的模拟运行时，零值可用：训练立即成功、实例立即就绪、回复回显输入。
type Runtime struct {
	// TrainFunc 自定义训练行为。
	TrainFunc func(ctx context.Context, agent string) error
	// HealthFunc 自定义健康检查，返回 nil 表示健康。
	HealthFunc func(ep runtime.Endpoint) error
	// RespondFunc 自定义回复。
	RespondFunc func(ep runtime.Endpoint, conversationID, text string) (*runtime.Reply, error)
	// LaunchErr 非空时 Launch 直接失败。
	LaunchErr error
	// PrepareErr 非空时 Prepare 直接失败。
	PrepareErr error

	mu       sync.Mutex
	procs    map[string]*Process
	prepared map[string]int
	trains   map[string]int
	turns    map[string][]string
}

// Name 实现 runtime.Runtime。
func (r *Runtime) Name() string { return "fake" }

// Prepare 实现 runtime.Runtime。
func (r *Runtime) Prepare(_ context.Context, agent string) error {
	if r.PrepareErr != nil {
		return r.PrepareErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.prepared == nil {
		r.prepared = make(map[string]int)
	}
	r.prepared[agent]++
	return nil
}

// Train 实现 runtime.Runtime。
func (r *Runtime) Train(ctx context.Context, agent string, output io.Writer) error {
	r.mu.Lock()
	if r.trains == nil {
		r.trains = make(map[string]int)
	}
	r.trains[agent]++
	r.mu.Unlock()

	if output != nil {
		fmt.Fprintf(output, "training %s\n", agent)
	}
	if r.TrainFunc != nil {
		return r.TrainFunc(ctx, agent)
	}
	return ctx.Err()
}

// Launch 实现 runtime.Runtime。
func (r *Runtime) Launch(_ context.Context, agent string, port int, output io.Writer) (runtime.Process, error) {
	if r.LaunchErr != nil {
		return nil, r.LaunchErr
	}
	p := newProcess()
	r.mu.Lock()
	if r.procs == nil {
		r.procs = make(map[string]*Process)
	}
	r.procs[agent] = p
	r.mu.Unlock()
	if output != nil {
		fmt.Fprintf(output, "listening on %d\n", port)
	}
	return p, nil
}

// Respond 实现 runtime.Runtime。
func (r *Runtime) Respond(_ context.Context, ep runtime.Endpoint, conversationID, text string) (*runtime.Reply, error) {
	r.mu.Lock()
	if r.turns == nil {
		r.turns = make(map[string][]string)
	}
	r.turns[ep.Agent] = append(r.turns[ep.Agent], text)
	r.mu.Unlock()

	if r.RespondFunc != nil {
		return r.RespondFunc(ep, conversationID, text)
	}
	confidence := 1.0
	return &runtime.Reply{
		Messages: []runtime.Message{{Text: ep.Agent + ": " + text}},
		Actions:  []runtime.Action{{Name: "utter_echo", Confidence: &confidence}},
		Intent:   &runtime.Intent{Name: "echo", Confidence: 0.99},
	}, nil
}

// HealthCheck 实现 runtime.Runtime。
func (r *Runtime) HealthCheck(_ context.Context, ep runtime.Endpoint) error {
	if r.HealthFunc != nil {
		return r.HealthFunc(ep)
	}
	p := r.Process(ep.Agent)
	if p == nil || !p.Alive() {
		return errors.New("connection refused")
	}
	return nil
}

// Process 返回智能体最近一次启动的进程。
func (r *Runtime) Process(agent string) *Process {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[agent]
}

// Prepared 返回 Prepare 的调用次数。
func (r *Runtime) Prepared(agent string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.prepared[agent]
}

// Trains 返回 Train 的调用次数。
func (r *Runtime) Trains(agent string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.trains[agent]
}

// Turns 返回智能体收到的全部输入。
func (r *Runtime) Turns(agent string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.turns[agent]...)
}

var _ runtime.Runtime = (*Runtime)(nil)
