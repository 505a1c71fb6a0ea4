package runtime

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	xerrors "AgentFleet/internal/errors"
)

// CommandSpec 描述一个需要执行的外部命令。
type CommandSpec struct {
	Name string
	Path string
	Args []string
	Dir  string
	Env  []string
}

func (s CommandSpec) configure(cmd *exec.Cmd, out io.Writer, grace time.Duration) io.Closer {
	cmd.Dir = s.Dir
	cmd.Env = append(os.Environ(), s.Env...)
	w := PrefixWriter(out, s.Name)
	cmd.Stdout, cmd.Stderr = w, w
	cmd.WaitDelay = grace
	setProcessGroup(cmd)
	return w
}

// RunCommand 同步执行命令直到退出，ctx 取消时先发送终止信号，超过 grace 后强制结束。
func RunCommand(ctx context.Context, spec CommandSpec, out io.Writer, grace time.Duration) error {
	cmd := exec.CommandContext(ctx, spec.Path, spec.Args...)
	cmd.Cancel = func() error { return terminate(cmd) }
	w := spec.configure(cmd, out, grace)
	defer w.Close()

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("%s 执行失败", spec.Name))
		}
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("无法执行 %s", spec.Path))
	}
	return nil
}

// ExecProcess 管理一组同生共死的子进程，例如对话服务与其动作服务。
type ExecProcess struct {
	cmds    []*exec.Cmd
	writers []io.Closer
	grace   time.Duration

	done     chan struct{}
	exitOnce sync.Once
	exitErr  error
	all      sync.WaitGroup
	allDone  chan struct{}
	stopping atomic.Bool
}

// StartGroup 依次启动所有命令，任一命令启动失败时终止已启动的命令。
// 第一个命令视为主进程，其 PID 作为实例 PID。
func StartGroup(specs []CommandSpec, out io.Writer, grace time.Duration) (*ExecProcess, error) {
	if len(specs) == 0 {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "没有需要启动的命令")
	}
	if grace <= 0 {
		grace = 10 * time.Second
	}
	p := &ExecProcess{grace: grace, done: make(chan struct{}), allDone: make(chan struct{})}
	for _, spec := range specs {
		cmd := exec.Command(spec.Path, spec.Args...)
		w := spec.configure(cmd, out, grace)
		if err := cmd.Start(); err != nil {
			w.Close()
			p.stopping.Store(true)
			for _, started := range p.cmds {
				_ = kill(started)
			}
			p.all.Wait()
			return nil, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, fmt.Sprintf("启动 %s 失败", spec.Name))
		}
		p.cmds = append(p.cmds, cmd)
		p.writers = append(p.writers, w)
		p.all.Add(1)
		go p.wait(spec.Name, cmd, w)
	}
	go func() {
		p.all.Wait()
		close(p.allDone)
	}()
	return p, nil
}

func (p *ExecProcess) wait(name string, cmd *exec.Cmd, w io.Closer) {
	defer p.all.Done()
	err := cmd.Wait()
	_ = w.Close()
	p.exitOnce.Do(func() {
		if err == nil {
			err = errors.New("exit status 0")
		}
		p.exitErr = fmt.Errorf("%s 进程退出: %w", name, err)
		close(p.done)
	})
}

// PID 返回主进程 PID。
func (p *ExecProcess) PID() int {
	if len(p.cmds) == 0 || p.cmds[0].Process == nil {
		return 0
	}
	return p.cmds[0].Process.Pid
}

// Done 实现 Process 接口。
func (p *ExecProcess) Done() <-chan struct{} { return p.done }

// Err 实现 Process 接口。
func (p *ExecProcess) Err() error {
	select {
	case <-p.done:
		return p.exitErr
	default:
		return nil
	}
}

// Stopping 表示 Stop 是否已经被调用。
func (p *ExecProcess) Stopping() bool { return p.stopping.Load() }

// Stop 实现 Process 接口。
func (p *ExecProcess) Stop(ctx context.Context) error {
	p.stopping.Store(true)
	for _, cmd := range p.cmds {
		_ = terminate(cmd)
	}

	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case <-p.allDone:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}
	for _, cmd := range p.cmds {
		_ = kill(cmd)
	}
	<-p.allDone
	return nil
}
