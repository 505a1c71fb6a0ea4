// Package rasa 以 Rasa 开源版作为智能体运行时：每个智能体是 agents_dir 下的一个 Rasa 项目，
// 训练和运行都通过 rasa 命令行完成，对话通过 REST 通道和 tracker 接口完成。
package rasa

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/runtime"
	"AgentFleet/pkg/logger"
)

// Config 描述 Rasa 运行时。
type Config struct {
	Executable     string
	AgentsDir      string
	Host           string
	DisableActions bool
	RequestTimeout time.Duration
	StopGrace      time.Duration
	TrainArgs      []string
	RunArgs        []string
	Env            []string
}

// Runtime 实现 runtime.Runtime。
type Runtime struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Runtime)

// WithHTTPClient 替换访问 Rasa 服务使用的 HTTP 客户端。
func WithHTTPClient(client *http.Client) Option {
	return func(r *Runtime) {
		if client != nil {
			r.client = client
		}
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.logger = l
		}
	}
}

// New 创建 Rasa 运行时。
func New(cfg Config, opts ...Option) (*Runtime, error) {
	if cfg.AgentsDir == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "agents_dir 不能为空")
	}
	if cfg.Executable == "" {
		cfg.Executable = "rasa"
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	if err := os.MkdirAll(cfg.AgentsDir, 0o755); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 agents 目录失败")
	}
	r := &Runtime{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		logger: logger.Named("rasa"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Name 实现 runtime.Runtime。
func (r *Runtime) Name() string { return "rasa" }

// Host 返回实例监听的地址。
func (r *Runtime) Host() string { return r.cfg.Host }

func (r *Runtime) dir(agent string) string {
	return filepath.Join(r.cfg.AgentsDir, agent)
}

// Train 执行 rasa train，模型输出到工作目录下的 models。
func (r *Runtime) Train(ctx context.Context, agent string, output io.Writer) error {
	dir := r.dir(agent)
	if _, err := os.Stat(filepath.Join(dir, "domain.yml")); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "工作目录不完整: "+dir)
	}
	return runtime.RunCommand(ctx, r.trainSpec(agent), output, r.cfg.StopGrace)
}

func (r *Runtime) trainSpec(agent string) runtime.CommandSpec {
	args := []string{"train", "--quiet", "--out", "models"}
	args = append(args, r.cfg.TrainArgs...)
	return runtime.CommandSpec{
		Name: "train",
		Path: r.cfg.Executable,
		Args: args,
		Dir:  r.dir(agent),
		Env:  r.cfg.Env,
	}
}

// Launch 启动对话服务，未禁用 actions 时同时在 port+1 启动动作服务。
func (r *Runtime) Launch(_ context.Context, agent string, port int, output io.Writer) (runtime.Process, error) {
	if err := r.writeEndpoints(agent, port); err != nil {
		return nil, err
	}
	proc, err := runtime.StartGroup(r.launchSpecs(agent, port), output, r.cfg.StopGrace)
	if err != nil {
		return nil, err
	}
	r.logger.Info("实例进程已启动", "agent", agent, "port", port, "pid", proc.PID())
	return proc, nil
}

func (r *Runtime) launchSpecs(agent string, port int) []runtime.CommandSpec {
	dir := r.dir(agent)
	serverArgs := []string{
		"run", "--enable-api",
		"--port", strconv.Itoa(port),
		"--interface", r.cfg.Host,
		"--cors", "*",
		"--model", "models",
		"--endpoints", "endpoints.yml",
		"--credentials", "credentials.yml",
	}
	serverArgs = append(serverArgs, r.cfg.RunArgs...)
	specs := []runtime.CommandSpec{{
		Name: "server",
		Path: r.cfg.Executable,
		Args: serverArgs,
		Dir:  dir,
		Env:  r.cfg.Env,
	}}
	if !r.cfg.DisableActions {
		specs = append(specs, runtime.CommandSpec{
			Name: "actions",
			Path: r.cfg.Executable,
			Args: []string{"run", "actions", "--port", strconv.Itoa(actionPort(port)), "--actions", "actions"},
			Dir:  dir,
			Env:  r.cfg.Env,
		})
	}
	return specs
}

func actionPort(port int) int { return port + 1 }

func (r *Runtime) writeEndpoints(agent string, port int) error {
	var content string
	if r.cfg.DisableActions {
		content = "# generated by fleetd\n"
	} else {
		content = fmt.Sprintf("# generated by fleetd\naction_endpoint:\n  url: \"http://%s:%d/webhook\"\n", r.cfg.Host, actionPort(port))
	}
	path := filepath.Join(r.dir(agent), "endpoints.yml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "写入 endpoints.yml 失败")
	}
	return nil
}

// HealthCheck 请求实例根路径，Rasa 服务就绪后返回 200。
func (r *Runtime) HealthCheck(ctx context.Context, ep runtime.Endpoint) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ep.BaseURL()+"/", nil)
	if err != nil {
		return err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("健康检查返回状态码 %d", resp.StatusCode)
	}
	return nil
}

var _ runtime.Runtime = (*Runtime)(nil)
