package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"AgentFleet/internal/auth"
	"AgentFleet/internal/config"
	"AgentFleet/internal/conversation"
	xerrors "AgentFleet/internal/errors"
	"AgentFleet/internal/events"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/trace"
	"AgentFleet/pkg/logger"
)

// Fleet 是 API 依赖的智能体管理能力。
type Fleet interface {
	Create(ctx context.Context, name string) (registry.Record, error)
	List(ctx context.Context) ([]registry.Record, error)
	Get(ctx context.Context, name string) (registry.Record, error)
	Train(ctx context.Context, name string) (registry.Record, error)
	Start(ctx context.Context, name string) (registry.Record, error)
	Stop(ctx context.Context, name string) (registry.Record, error)
	Delete(ctx context.Context, name string) error
	Chat(ctx context.Context, name, conversationID, text string) (trace.Trace, error)
	Conversation(ctx context.Context, name, conversationID string, limit int) (conversation.Session, error)
	Conversations(ctx context.Context, name string) ([]conversation.Binding, error)
	Logs(ctx context.Context, name string, lines int) ([]string, error)
}

// Server 负责暴露 REST 与 WebSocket 接口。
type Server struct {
	addr    string
	fleet   Fleet
	hub     *events.Hub
	auth    *auth.Service
	cfg     config.ServerConfig
	limiter *clientLimiter
	logger  *slog.Logger

	closing   chan struct{}
	closeOnce sync.Once
}

// Option 定义可选配置。
type Option func(*Server)

// WithEvents 启用 /api/events 事件推送。
func WithEvents(hub *events.Hub) Option {
	return func(s *Server) {
		s.hub = hub
	}
}

// WithAuth 启用令牌认证。
func WithAuth(svc *auth.Service) Option {
	return func(s *Server) {
		s.auth = svc
	}
}

// WithRateLimit 限制每个客户端的对话请求频率。
func WithRateLimit(cfg config.RateLimitConfig) Option {
	return func(s *Server) {
		if cfg.RequestsPerMinute > 0 {
			s.limiter = newClientLimiter(cfg.RequestsPerMinute, cfg.Burst)
		}
	}
}

// WithServerConfig 设置超时与允许的来源。
func WithServerConfig(cfg config.ServerConfig) Option {
	return func(s *Server) {
		s.cfg = cfg
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer 构造 API 服务实例。
func NewServer(addr string, fleet Fleet, opts ...Option) *Server {
	s := &Server{
		addr:    addr,
		fleet:   fleet,
		logger:  logger.Named("api"),
		closing: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.cfg.ReadHeaderTimeout <= 0 {
		s.cfg.ReadHeaderTimeout = 5 * time.Second
	}
	if s.cfg.ShutdownTimeout <= 0 {
		s.cfg.ShutdownTimeout = 10 * time.Second
	}
	return s
}

// Handler 返回完整的路由，包括认证、审计与指标中间件。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents/{name}", s.handleGetAgent)
	mux.HandleFunc("DELETE /api/agents/{name}", s.handleDeleteAgent)
	mux.HandleFunc("POST /api/agents/{name}/train", s.handleTrain)
	mux.HandleFunc("POST /api/agents/{name}/start", s.handleStart)
	mux.HandleFunc("POST /api/agents/{name}/stop", s.handleStop)
	mux.Handle("POST /api/agents/{name}/chat", s.rateLimited(http.HandlerFunc(s.handleChat)))
	mux.HandleFunc("GET /api/agents/{name}/conversations", s.handleListConversations)
	mux.HandleFunc("GET /api/agents/{name}/conversations/{cid}", s.handleConversation)
	mux.HandleFunc("GET /api/agents/{name}/logs", s.handleLogs)
	mux.HandleFunc("GET /api/events", s.handleEvents)

	var handler http.Handler = mux
	if s.auth != nil {
		handler = s.auth.Middleware(auth.MiddlewareConfig{
			Public:     []string{"/healthz", "/metrics"},
			QueryToken: true,
		})(handler)
	}
	return observe(mux, handler)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("API 服务已启动", slog.String("addr", s.addr))

	select {
	case <-ctx.Done():
		s.Close()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.logger.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// Close 通知长连接退出。
func (s *Server) Close() {
	s.closeOnce.Do(func() { close(s.closing) })
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeJSON(w, http.StatusServiceUnavailable, errorBody(string(xerrors.CodeInitializationFailure), "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
