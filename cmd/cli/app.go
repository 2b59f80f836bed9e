package cli

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"tradieflow/internal/config"
	"tradieflow/internal/database"
	"tradieflow/internal/metrics"
	"tradieflow/internal/observability"
	"tradieflow/internal/queue"
	"tradieflow/internal/services"
)

// app holds the components shared by serve, worker and trigger.
type app struct {
	cfg      *config.Config
	logger   *logrus.Logger
	db       *gorm.DB
	redis    *redis.Client
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	queue    queue.Backend
	breaker  *services.CircuitBreaker
	reviews  *services.ReviewRequestService
	engine   *services.AutomationService

	shutdownTracing observability.ShutdownFunc
}

// newApp loads configuration and wires the engine. Callers must call close.
func newApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.InitLogger(cfg); err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	logger := logrus.StandardLogger()
	a := &app{cfg: cfg, logger: logger}

	// OpenTelemetry 初始化（可选）
	if shutdown, err := observability.SetupTracing(ctx, cfg); err == nil {
		a.shutdownTracing = shutdown
	} else {
		logger.Warnf("init tracing: %v", err)
	}

	if cfg.Monitoring.Enabled {
		a.registry = prometheus.NewRegistry()
		a.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		a.metrics = metrics.NewMetrics(a.registry)
	}

	a.db, err = database.Open(cfg, logger)
	if err != nil {
		a.close()
		return nil, err
	}
	if cfg.Database.AutoMigrate {
		if err := database.Migrate(a.db); err != nil {
			a.close()
			return nil, err
		}
	}

	if cfg.Queue.Backend != "local" {
		a.redis, err = queue.NewRedisClient(cfg.Redis, logger)
		if err != nil {
			a.close()
			return nil, err
		}
	}
	a.queue, err = queue.New(cfg.Queue, a.redis, a.metrics, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	email, err := services.NewEmailSender(cfg.Email, logger)
	if err != nil {
		a.close()
		return nil, err
	}

	var provider services.ContentProvider = services.NewOpenAIContentProvider(cfg.AI.OpenAI)
	if cfg.Fallback.CircuitBreaker.Enabled {
		a.breaker = services.NewCircuitBreaker(cfg.Fallback.CircuitBreaker)
		provider = services.NewBreakerContentProvider(provider, a.breaker)
	}
	if cfg.AI.OpenAI.APIKey == "" {
		logger.Warn("ai.openai.api_key not set; AI rules will use their static content")
	}

	a.reviews = services.NewReviewRequestService(a.db, logger)
	actions := services.NewActionExecutor(services.ActionExecutorOptions{
		Email:            email,
		Reviews:          a.reviews,
		AppBaseURL:       cfg.App.BaseURL,
		TransportTimeout: cfg.Email.Timeout,
	}, logger)
	a.engine = services.NewAutomationService(a.db, services.AutomationServiceOptions{
		Queue:   a.queue,
		Content: services.NewContentGenerator(provider, cfg.AI.OpenAI.Timeout, a.metrics, logger),
		Actions: actions,
		Metrics: a.metrics,
	}, logger)

	return a, nil
}

func (a *app) newWorker() *queue.Worker {
	return queue.NewWorker(a.queue, a.engine, queue.WorkerConfigFrom(a.cfg.Queue), a.metrics, a.logger)
}

func (a *app) close() {
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Warnf("close redis: %v", err)
		}
	}
	if err := database.Close(a.db); err != nil {
		a.logger.Warnf("close database: %v", err)
	}
	if a.shutdownTracing != nil {
		_ = a.shutdownTracing(context.Background())
	}
}
