package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"AgentFleet/pkg/logger"
)

// EnvConfigPath 指定配置文件路径的环境变量。
const EnvConfigPath = "FLEET_CONFIG"

// DefaultPath 是未设置环境变量时尝试读取的配置文件。
const DefaultPath = "configs/fleet.yaml"

// Config 描述 fleetd 启动所需的全部配置。
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Auth       AuthConfig       `yaml:"auth"`
	RateLimit  RateLimitConfig  `yaml:"rate_limit"`
	Ports      PortsConfig      `yaml:"ports"`
	Runtime    RuntimeConfig    `yaml:"runtime"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Routing    RoutingConfig    `yaml:"routing"`
	Storage    StorageConfig    `yaml:"storage"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    logger.Config    `yaml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Alerting   AlertingConfig   `yaml:"alerting"`
}

// ServerConfig 控制 HTTP API 的监听参数。
type ServerConfig struct {
	Address           string        `yaml:"address"`
	ReadHeaderTimeout time.Duration `yaml:"read_header_timeout"`
	ShutdownTimeout   time.Duration `yaml:"shutdown_timeout"`
	AllowedOrigins    []string      `yaml:"allowed_origins"`
}

// AuthConfig 控制 API 的访问认证。
type AuthConfig struct {
	Mode   string   `yaml:"mode"`
	Tokens []string `yaml:"tokens"`
}

// RateLimitConfig 限制每个客户端的对话请求频率，RequestsPerMinute 为 0 表示不限流。
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// PortsConfig 描述可分配给智能体的端口范围。
type PortsConfig struct {
	Min    int  `yaml:"min"`
	Max    int  `yaml:"max"`
	Stride int  `yaml:"stride"`
	Probe  bool `yaml:"probe"`
}

// RuntimeConfig 选择智能体运行时并描述工作目录。
type RuntimeConfig struct {
	Driver    string        `yaml:"driver"`
	AgentsDir string        `yaml:"agents_dir"`
	Rasa      RasaConfig    `yaml:"rasa"`
	Breaker   BreakerConfig `yaml:"breaker"`
}

// RasaConfig 描述 Rasa 运行时的可执行文件与网络参数。
type RasaConfig struct {
	Executable     string        `yaml:"executable"`
	Host           string        `yaml:"host"`
	DisableActions bool          `yaml:"disable_actions"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	TrainArgs      []string      `yaml:"train_args"`
	RunArgs        []string      `yaml:"run_args"`
	Env            []string      `yaml:"env"`
}

// BreakerConfig 控制对单个智能体调用的熔断策略。
type BreakerConfig struct {
	Enabled             bool          `yaml:"enabled"`
	ConsecutiveFailures uint32        `yaml:"consecutive_failures"`
	OpenTimeout         time.Duration `yaml:"open_timeout"`
}

// SupervisorConfig 控制训练、启动、停止和健康检查的时间参数。
type SupervisorConfig struct {
	TrainWorkers   int           `yaml:"train_workers"`
	TrainTimeout   time.Duration `yaml:"train_timeout"`
	StartupTimeout time.Duration `yaml:"startup_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
	HealthInterval time.Duration `yaml:"health_interval"`
	HealthFailures int           `yaml:"health_failures"`
	StopGrace      time.Duration `yaml:"stop_grace"`
	LogLines       int           `yaml:"log_lines"`
}

// RoutingConfig 控制对话路由行为。
type RoutingConfig struct {
	ForwardOnTransfer bool          `yaml:"forward_on_transfer"`
	RespondTimeout    time.Duration `yaml:"respond_timeout"`
	IdleTTL           time.Duration `yaml:"idle_ttl"`
	MaxHistory        int           `yaml:"max_history"`
}

// StorageConfig 描述智能体注册表和会话数据的存储后端。
type StorageConfig struct {
	Registry      RegistryStoreConfig     `yaml:"registry"`
	Conversations ConversationStoreConfig `yaml:"conversations"`
}

// RegistryStoreConfig 支持 memory、file、mysql 三种驱动。
type RegistryStoreConfig struct {
	Driver string      `yaml:"driver"`
	Path   string      `yaml:"path"`
	MySQL  MySQLConfig `yaml:"mysql"`
}

// MySQLConfig 描述 MySQL 连接池参数。
type MySQLConfig struct {
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// ConversationStoreConfig 支持 memory、redis 两种驱动。
type ConversationStoreConfig struct {
	Driver string      `yaml:"driver"`
	Redis  RedisConfig `yaml:"redis"`
}

// RedisConfig 描述 Redis 连接信息。
type RedisConfig struct {
	Address  string        `yaml:"address"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	Prefix   string        `yaml:"prefix"`
	TTL      time.Duration `yaml:"ttl"`
}

// QueueConfig 选择训练任务队列。
type QueueConfig struct {
	Driver   string         `yaml:"driver"`
	Buffer   int            `yaml:"buffer"`
	Redis    RedisConfig    `yaml:"redis"`
	RabbitMQ RabbitMQConfig `yaml:"rabbitmq"`
}

// RabbitMQConfig 描述 RabbitMQ 连接信息。
type RabbitMQConfig struct {
	URL      string `yaml:"url"`
	Queue    string `yaml:"queue"`
	Prefetch int    `yaml:"prefetch"`
}

// MetricsConfig 控制指标输出，Address 为空时挂载在 API 服务的 /metrics 上。
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}

// TracingConfig 控制 OpenTelemetry 链路追踪。
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// AlertingConfig 描述告警渠道。
type AlertingConfig struct {
	Webhooks []WebhookConfig `yaml:"webhooks"`
}

// WebhookConfig 描述单个 Webhook 告警目标。
type WebhookConfig struct {
	Name    string        `yaml:"name"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// Load 解析指定路径的配置文件，YAML 与 JSON 均可。
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("配置文件路径为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置文件失败: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(content, &cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}
	baseDir, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, fmt.Errorf("解析配置目录失败: %w", err)
	}
	cfg.applyDefaults(baseDir)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadFromEnv 读取 FLEET_CONFIG 指定的配置；未设置且默认文件不存在时使用默认配置。
func LoadFromEnv() (*Config, error) {
	if path := strings.TrimSpace(os.Getenv(EnvConfigPath)); path != "" {
		return Load(path)
	}
	if _, err := os.Stat(DefaultPath); err == nil {
		return Load(DefaultPath)
	}
	return Default()
}

// Default 返回全部使用默认值的配置，相对路径以当前工作目录为基准。
func Default() (*Config, error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("获取工作目录失败: %w", err)
	}
	var cfg Config
	cfg.applyDefaults(wd)
	return &cfg, cfg.Validate()
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Server.ReadHeaderTimeout <= 0 {
		c.Server.ReadHeaderTimeout = 5 * time.Second
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 15 * time.Second
	}
	if c.Auth.Mode == "" {
		c.Auth.Mode = "disabled"
	}
	if c.RateLimit.RequestsPerMinute > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.RequestsPerMinute/6 + 1
	}

	if c.Ports.Min == 0 && c.Ports.Max == 0 {
		c.Ports.Min, c.Ports.Max = 5005, 5204
	}
	if c.Ports.Stride <= 0 {
		c.Ports.Stride = 2
	}

	if c.Runtime.Driver == "" {
		c.Runtime.Driver = "rasa"
	}
	c.Runtime.AgentsDir = resolvePath(baseDir, c.Runtime.AgentsDir, "agents")
	if c.Runtime.Rasa.Executable == "" {
		c.Runtime.Rasa.Executable = "rasa"
	}
	if c.Runtime.Rasa.Host == "" {
		c.Runtime.Rasa.Host = "127.0.0.1"
	}
	if c.Runtime.Rasa.RequestTimeout <= 0 {
		c.Runtime.Rasa.RequestTimeout = 30 * time.Second
	}
	if c.Runtime.Breaker.ConsecutiveFailures == 0 {
		c.Runtime.Breaker.ConsecutiveFailures = 5
	}
	if c.Runtime.Breaker.OpenTimeout <= 0 {
		c.Runtime.Breaker.OpenTimeout = 30 * time.Second
	}

	s := &c.Supervisor
	if s.TrainWorkers <= 0 {
		s.TrainWorkers = 2
	}
	if s.TrainTimeout <= 0 {
		s.TrainTimeout = 30 * time.Minute
	}
	if s.StartupTimeout <= 0 {
		s.StartupTimeout = 2 * time.Minute
	}
	if s.ProbeInterval <= 0 {
		s.ProbeInterval = time.Second
	}
	if s.HealthInterval <= 0 {
		s.HealthInterval = 5 * time.Second
	}
	if s.HealthFailures <= 0 {
		s.HealthFailures = 3
	}
	if s.StopGrace <= 0 {
		s.StopGrace = 10 * time.Second
	}
	if s.LogLines <= 0 {
		s.LogLines = 500
	}

	if c.Routing.RespondTimeout <= 0 {
		c.Routing.RespondTimeout = 30 * time.Second
	}
	if c.Routing.IdleTTL <= 0 {
		c.Routing.IdleTTL = 30 * time.Minute
	}

	if c.Storage.Registry.Driver == "" {
		c.Storage.Registry.Driver = "memory"
	}
	if c.Storage.Registry.Driver == "file" {
		c.Storage.Registry.Path = resolvePath(baseDir, c.Storage.Registry.Path, filepath.Join("data", "agents_db.json"))
	}
	if c.Storage.Conversations.Driver == "" {
		c.Storage.Conversations.Driver = "memory"
	}
	if c.Storage.Conversations.Redis.Prefix == "" {
		c.Storage.Conversations.Redis.Prefix = "agentfleet:conv"
	}
	if c.Storage.Conversations.Redis.TTL <= 0 {
		c.Storage.Conversations.Redis.TTL = 24 * time.Hour
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Buffer <= 0 {
		c.Queue.Buffer = 64
	}
	if c.Queue.Redis.Prefix == "" {
		c.Queue.Redis.Prefix = "agentfleet:train"
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "agentfleet.train"
	}

	if c.Tracing.Exporter == "" {
		c.Tracing.Exporter = "stdout"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentfleet"
	}
	if c.Tracing.SampleRatio <= 0 {
		c.Tracing.SampleRatio = 1
	}
	for i := range c.Alerting.Webhooks {
		if c.Alerting.Webhooks[i].Timeout <= 0 {
			c.Alerting.Webhooks[i].Timeout = 5 * time.Second
		}
	}
}

func resolvePath(baseDir, value, fallback string) string {
	if value == "" {
		value = fallback
	}
	if filepath.IsAbs(value) {
		return value
	}
	return filepath.Join(baseDir, value)
}

// Validate 检查互相依赖的配置项。
func (c *Config) Validate() error {
	var errs []error
	if c.Ports.Min <= 0 || c.Ports.Max > 65535 || c.Ports.Min > c.Ports.Max {
		errs = append(errs, fmt.Errorf("端口范围无效: [%d, %d]", c.Ports.Min, c.Ports.Max))
	}
	if c.Runtime.Driver == "rasa" && !c.Runtime.Rasa.DisableActions && c.Ports.Stride < 2 {
		errs = append(errs, errors.New("启用 actions 服务时 ports.stride 至少为 2"))
	}
	switch c.Auth.Mode {
	case "disabled":
	case "token":
		if len(c.Auth.Tokens) == 0 {
			errs = append(errs, errors.New("auth.mode=token 时必须配置 tokens"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的认证模式: %s", c.Auth.Mode))
	}
	switch c.Storage.Registry.Driver {
	case "memory", "file":
	case "mysql":
		if c.Storage.Registry.MySQL.DSN == "" {
			errs = append(errs, errors.New("registry 使用 mysql 时必须配置 dsn"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 registry 驱动: %s", c.Storage.Registry.Driver))
	}
	switch c.Storage.Conversations.Driver {
	case "memory":
	case "redis":
		if c.Storage.Conversations.Redis.Address == "" {
			errs = append(errs, errors.New("conversations 使用 redis 时必须配置 address"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 conversations 驱动: %s", c.Storage.Conversations.Driver))
	}
	switch c.Queue.Driver {
	case "memory":
	case "redis":
		if c.Queue.Redis.Address == "" {
			errs = append(errs, errors.New("queue 使用 redis 时必须配置 address"))
		}
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue 使用 rabbitmq 时必须配置 url"))
		}
	default:
		errs = append(errs, fmt.Errorf("不支持的 queue 驱动: %s", c.Queue.Driver))
	}
	return errors.Join(errs...)
}
