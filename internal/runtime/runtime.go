// Package runtime 抽象了智能体运行时：准备工作目录、训练、启动进程、对话和健康检查。
// 生命周期管理只依赖这里的接口，具体的对话框架由子包实现。
package runtime

import (
	"context"
	"io"
	"net"
	"strconv"
)

// Endpoint 描述一个运行中的智能体实例的访问地址。
type Endpoint struct {
	Agent string
	Host  string
	Port  int
}

// BaseURL 返回实例的 HTTP 根地址。
func (e Endpoint) BaseURL() string {
	return "http://" + net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Message 是智能体输出的一条消息。
type Message struct {
	Text    string   `json:"text,omitempty"`
	Image   string   `json:"image,omitempty"`
	Buttons []Button `json:"buttons,omitempty"`
}

// Button 是消息附带的快捷回复。
type Button struct {
	Title   string `json:"title"`
	Payload string `json:"payload"`
}

// Intent 是意图识别结果。
type Intent struct {
	Name       string  `json:"name"`
	Confidence float64 `json:"confidence"`
}

// Action 是一次对话轮次中执行的动作。
type Action struct {
	Name       string   `json:"name"`
	Confidence *float64 `json:"confidence,omitempty"`
	Policy     string   `json:"policy,omitempty"`
}

// Entity 是从用户输入中抽取的实体。
type Entity struct {
	Entity     string  `json:"entity"`
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence,omitempty"`
}

// Reply 是智能体对一轮输入的完整响应。
type Reply struct {
	Messages      []Message
	Actions       []Action
	Intent        *Intent
	IntentRanking []Intent
	Entities      []Entity
	// TransferTo 非空表示智能体在本轮请求把会话转交给该智能体。
	TransferTo string
}

// Process 是运行时启动的实例进程句柄。
type Process interface {
	PID() int
	// Done 在任一子进程退出后关闭。
	Done() <-chan struct{}
	// Err 返回导致 Done 关闭的原因。
	Err() error
	// Stop 先优雅终止，超过宽限期或 ctx 结束后强制结束，返回时所有子进程均已退出。
	Stop(ctx context.Context) error
}

// Runtime 是智能体运行时需要提供的能力。
type Runtime interface {
	Name() string
	// Prepare 为新建的智能体初始化工作目录，已存在的文件不会被覆盖。
	Prepare(ctx context.Context, agent string) error
	// Train 同步执行训练，ctx 取消时终止训练进程。
	Train(ctx context.Context, agent string, output io.Writer) error
	// Launch 在指定端口启动实例，不等待实例就绪。
	Launch(ctx context.Context, agent string, port int, output io.Writer) (Process, error)
	Respond(ctx context.Context, ep Endpoint, conversationID, text string) (*Reply, error)
	HealthCheck(ctx context.Context, ep Endpoint) error
}
