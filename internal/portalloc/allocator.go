// Package portalloc 为智能体分配互不冲突的网络端口。
package portalloc

import (
	"fmt"
	"net"
	"strconv"
	"sync"

	xerrors "AgentFleet/internal/errors"
)

// Probe 判断端口当前是否可以被绑定，用于跳过被外部进程占用的端口。
type Probe func(port int) bool

// Allocator 在 [min, max] 范围内按块分配端口，每块包含 stride 个连续端口。
// 块的起始端口即返回给调用方的端口，块内其余端口留给同一智能体的附属进程。
type Allocator struct {
	mu     sync.Mutex
	min    int
	max    int
	stride int
	probe  Probe
	used   map[int]struct{}
}

// Option 定义分配器的可选配置。
type Option func(*Allocator)

// WithStride 设置每次分配的端口块大小。
func WithStride(stride int) Option {
	return func(a *Allocator) {
		if stride > 0 {
			a.stride = stride
		}
	}
}

// WithProbe 设置端口可用性探测函数。
func WithProbe(probe Probe) Option {
	return func(a *Allocator) {
		a.probe = probe
	}
}

// New 创建端口分配器。
func New(min, max int, opts ...Option) (*Allocator, error) {
	if min <= 0 || max > 65535 || min > max {
		return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "端口范围无效: [%d, %d]", min, max)
	}
	a := &Allocator{min: min, max: max, stride: 1, used: make(map[int]struct{})}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a, nil
}

// Allocate 返回范围内最小的空闲端口块起始端口并标记为已用。
func (a *Allocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for port := a.min; port+a.stride-1 <= a.max; port += a.stride {
		if _, taken := a.used[port]; taken {
			continue
		}
		if a.probe != nil && !a.blockFree(port) {
			continue
		}
		a.used[port] = struct{}{}
		return port, nil
	}
	return 0, xerrors.New(xerrors.CodeExhaustedRange,
		fmt.Sprintf("端口范围 [%d, %d] 已耗尽", a.min, a.max),
		xerrors.WithMetadata("in_use", strconv.Itoa(len(a.used))))
}

func (a *Allocator) blockFree(port int) bool {
	for p := port; p < port+a.stride; p++ {
		if !a.probe(p) {
			return false
		}
	}
	return true
}

// Release 释放端口，重复释放或释放未分配的端口不产生任何效果。
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	delete(a.used, port)
	a.mu.Unlock()
}

// Reserve 将已持久化记录中的端口标记为已用，用于服务重启后恢复。
func (a *Allocator) Reserve(port int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if port < a.min || port > a.max || (port-a.min)%a.stride != 0 {
		return xerrors.Errorf(xerrors.CodeInvalidArgument, "端口 %d 不在可分配范围内", port)
	}
	if _, taken := a.used[port]; taken {
		return xerrors.Errorf(xerrors.CodeAlreadyExists, "端口 %d 已被占用", port)
	}
	a.used[port] = struct{}{}
	return nil
}

// InUse 返回当前已分配的端口数量。
func (a *Allocator) InUse() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.used)
}

// Capacity 返回范围内可分配的端口块总数。
func (a *Allocator) Capacity() int {
	return (a.max - a.min + 1) / a.stride
}

// ListenProbe 通过尝试监听端口判断其是否空闲。
func ListenProbe(host string) Probe {
	return func(port int) bool {
		ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
		if err != nil {
			return false
		}
		_ = ln.Close()
		return true
	}
}
