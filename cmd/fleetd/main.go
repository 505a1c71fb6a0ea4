package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"AgentFleet/internal/api"
	"AgentFleet/internal/auth"
	"AgentFleet/internal/config"
	"AgentFleet/internal/conversation"
	"AgentFleet/internal/events"
	"AgentFleet/internal/fleet"
	"AgentFleet/internal/observability/alerting"
	"AgentFleet/internal/observability/metrics"
	"AgentFleet/internal/observability/tracing"
	"AgentFleet/internal/portalloc"
	"AgentFleet/internal/queue"
	"AgentFleet/internal/registry"
	"AgentFleet/internal/runtime"
	"AgentFleet/internal/runtime/rasa"
	"AgentFleet/internal/storage/mysql"
	"AgentFleet/internal/storage/redis"
	"AgentFleet/internal/supervisor"
	"AgentFleet/internal/trace"
	"AgentFleet/pkg/logger"
)

// main 是 fleetd 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		log.Fatalf("fleetd 运行失败: %v", err)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		return err
	}
	if err := logger.Init(cfg.Logging); err != nil {
		return err
	}
	defer logger.Sync()
	lg := logger.Named("fleetd")

	shutdownTracing, err := tracing.Setup(ctx, cfg.Tracing)
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			lg.Warn("关闭链路追踪失败", slog.Any("error", err))
		}
	}()

	store, err := openRegistryStore(ctx, cfg.Storage.Registry)
	if err != nil {
		return err
	}
	defer store.Close()

	portOpts := []portalloc.Option{portalloc.WithStride(cfg.Ports.Stride)}
	if cfg.Ports.Probe {
		portOpts = append(portOpts, portalloc.WithProbe(portalloc.ListenProbe(cfg.Runtime.Rasa.Host)))
	}
	ports, err := portalloc.New(cfg.Ports.Min, cfg.Ports.Max, portOpts...)
	if err != nil {
		return err
	}

	hub := events.NewHub(256, 64)
	defer hub.Close()

	reg := registry.New(store, ports)
	rt, err := openRuntime(cfg)
	if err != nil {
		return err
	}

	jobs, err := openQueue(ctx, cfg.Queue)
	if err != nil {
		return err
	}
	defer func() {
		if err := jobs.Close(); err != nil {
			lg.Warn("关闭训练队列失败", slog.Any("error", err))
		}
	}()

	sup := supervisor.New(reg, rt, jobs, cfg.Supervisor,
		supervisor.WithAlertDispatcher(buildAlerter(cfg.Alerting)),
		supervisor.WithHost(cfg.Runtime.Rasa.Host),
	)

	traces, bindings, closeConversations, err := openConversationStores(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeConversations()

	router := conversation.NewRouter(reg, sup, trace.NewRecorder(traces), bindings, cfg.Routing,
		conversation.WithTransferObserver(fleet.TransferEvents(hub)))
	fl := fleet.New(reg, rt, sup, router, fleet.WithEvents(hub))

	report, err := fl.Reconcile(ctx)
	if err != nil {
		return err
	}
	lg.Info("注册表已恢复",
		slog.Int("agents", report.Agents),
		slog.Int("stopped", len(report.Stopped)),
		slog.Int("interrupted", len(report.Interrupted)))
	metrics.SetStatusSource(fl.StatusSource(2 * time.Second))

	authSvc, err := auth.NewService(auth.Config{Mode: auth.Mode(cfg.Auth.Mode), Tokens: cfg.Auth.Tokens})
	if err != nil {
		return err
	}
	server := api.NewServer(cfg.Server.Address, fl,
		api.WithEvents(hub),
		api.WithAuth(authSvc),
		api.WithRateLimit(cfg.RateLimit),
		api.WithServerConfig(cfg.Server),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return server.Start(gctx) })
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return router.Run(gctx) })
	if cfg.Metrics.Enabled && cfg.Metrics.Address != "" {
		g.Go(func() error {
			if err := metrics.StartServer(gctx, cfg.Metrics.Address); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	logger.Audit().Info("fleetd 已启动",
		slog.String("addr", cfg.Server.Address),
		slog.String("runtime", rt.Name()),
		slog.String("registry", cfg.Storage.Registry.Driver),
		slog.String("queue", cfg.Queue.Driver),
		slog.String("conversations", cfg.Storage.Conversations.Driver),
	)

	<-gctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.StopGrace+cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := sup.Shutdown(shutdownCtx); err != nil {
		lg.Error("停止智能体实例失败", slog.Any("error", err))
	}
	err = g.Wait()
	logger.Audit().Info("fleetd 已退出")
	return err
}

func openRegistryStore(ctx context.Context, cfg config.RegistryStoreConfig) (registry.Store, error) {
	switch cfg.Driver {
	case "", "memory":
		return registry.NewMemoryStore(), nil
	case "file":
		return registry.NewFileStore(cfg.Path)
	case "mysql":
		db, err := mysql.Open(ctx, mysql.Config{
			DSN:             cfg.MySQL.DSN,
			MaxOpenConns:    cfg.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.MySQL.MaxIdleConns,
			ConnMaxLifetime: cfg.MySQL.ConnMaxLifetime,
			ConnMaxIdleTime: cfg.MySQL.ConnMaxIdleTime,
		})
		if err != nil {
			return nil, err
		}
		return registry.NewMySQLStore(db), nil
	default:
		return nil, fmt.Errorf("未知的 registry 驱动: %s", cfg.Driver)
	}
}

func openRuntime(cfg *config.Config) (runtime.Runtime, error) {
	if cfg.Runtime.Driver != "rasa" {
		return nil, fmt.Errorf("未知的运行时: %s", cfg.Runtime.Driver)
	}
	rc := cfg.Runtime.Rasa
	rt, err := rasa.New(rasa.Config{
		Executable:     rc.Executable,
		AgentsDir:      cfg.Runtime.AgentsDir,
		Host:           rc.Host,
		DisableActions: rc.DisableActions,
		RequestTimeout: rc.RequestTimeout,
		StopGrace:      cfg.Supervisor.StopGrace,
		TrainArgs:      rc.TrainArgs,
		RunArgs:        rc.RunArgs,
		Env:            rc.Env,
	})
	if err != nil {
		return nil, err
	}
	if !cfg.Runtime.Breaker.Enabled {
		return rt, nil
	}
	return runtime.NewBreaker(rt, runtime.BreakerConfig{
		ConsecutiveFailures: cfg.Runtime.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Runtime.Breaker.OpenTimeout,
	}, logger.Named("breaker")), nil
}

func openQueue(ctx context.Context, cfg config.QueueConfig) (queue.Queue, error) {
	switch cfg.Driver {
	case "", "memory":
		return queue.NewMemoryQueue(cfg.Buffer), nil
	case "redis":
		client, err := redis.Open(ctx, redis.Config{
			Address:  cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err != nil {
			return nil, err
		}
		return queue.NewRedisQueue(client, cfg.Redis.Prefix, 0), nil
	case "rabbitmq":
		return queue.NewRabbitMQQueue(queue.RabbitMQConfig{
			URL:      cfg.RabbitMQ.URL,
			Queue:    cfg.RabbitMQ.Queue,
			Prefetch: cfg.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Driver)
	}
}

func openConversationStores(ctx context.Context, cfg *config.Config) (trace.Store, conversation.BindingStore, func(), error) {
	sc := cfg.Storage.Conversations
	switch sc.Driver {
	case "", "memory":
		return trace.NewMemoryStore(cfg.Routing.MaxHistory), conversation.NewMemoryBindingStore(), func() {}, nil
	case "redis":
		client, err := redis.Open(ctx, redis.Config{
			Address:  sc.Redis.Address,
			Password: sc.Redis.Password,
			DB:       sc.Redis.DB,
		})
		if err != nil {
			return nil, nil, nil, err
		}
		traces := trace.NewRedisStore(client, sc.Redis.Prefix, sc.Redis.TTL, cfg.Routing.MaxHistory)
		bindings := conversation.NewRedisBindingStore(client, sc.Redis.Prefix, sc.Redis.TTL)
		return traces, bindings, func() { _ = client.Close() }, nil
	default:
		return nil, nil, nil, fmt.Errorf("未知的会话存储驱动: %s", sc.Driver)
	}
}

func buildAlerter(cfg config.AlertingConfig) alerting.Dispatcher {
	notifiers := []alerting.Notifier{alerting.LogNotifier{}}
	for _, wh := range cfg.Webhooks {
		notifiers = append(notifiers, alerting.NewWebhookNotifier(wh.Name, wh.URL, wh.Timeout))
	}
	return alerting.NewFanout(notifiers...)
}
