package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"tradieflow/internal/config"
	"tradieflow/internal/events"
	"tradieflow/internal/handlers"
	"tradieflow/internal/metrics"
	"tradieflow/internal/middleware"
	"tradieflow/internal/observability"
	"tradieflow/internal/retention"
	"tradieflow/internal/services"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"run"},
	Short:   "Run the HTTP API, trigger consumer and retention sweep",
	RunE:    serve,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// routerDeps is everything the HTTP surface needs.
type routerDeps struct {
	Config   *config.Config
	Engine   *services.AutomationService
	Reviews  *services.ReviewRequestService
	Health   *handlers.HealthHandler
	Registry *prometheus.Registry
	Metrics  *metrics.Metrics
}

func newRouter(d routerDeps) *gin.Engine {
	cfg := d.Config
	router := gin.New()

	// 中间件
	router.Use(gin.Logger())
	router.Use(gin.Recovery())
	if cfg.Monitoring.Tracing.Enabled {
		router.Use(otelgin.Middleware(observability.ServiceName(cfg)))
	}
	router.Use(middleware.CORSMiddleware(cfg.Security.CORS))

	handlers.RegisterHealthRoutes(router, d.Health)
	if d.Registry != nil {
		path := cfg.Monitoring.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		router.GET(path, gin.WrapH(promhttp.HandlerFor(d.Registry, promhttp.HandlerOpts{})))
	}

	// 公共评价链接：无需登录，按 IP 限流
	public := router.Group("")
	public.Use(middleware.NewRateLimiter(cfg.Security.RateLimiting, "/review", d.Metrics).Middleware())
	handlers.RegisterReviewPublicRoutes(public, handlers.NewReviewPublicHandler(d.Reviews))

	api := router.Group("/api/v1")
	api.Use(middleware.RateLimitMiddleware(cfg, d.Metrics))
	api.Use(middleware.AuthMiddleware(cfg))
	handlers.RegisterAutomationRoutes(api, handlers.NewAutomationHandler(d.Engine, d.Reviews))

	return router
}

func serve(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()
	cfg := a.cfg

	// 设置 Gin 模式
	if cfg.Server.Host != "localhost" {
		gin.SetMode(gin.ReleaseMode)
	}

	health := handlers.HealthDeps{DB: a.db, Redis: a.redis, Breaker: a.breaker, Version: Version}
	if depther, ok := a.queue.(handlers.QueueDepther); ok {
		health.Queue = depther
	}
	router := newRouter(routerDeps{
		Config:   cfg,
		Engine:   a.engine,
		Reviews:  a.reviews,
		Health:   handlers.NewHealthHandler(cfg, health),
		Registry: a.registry,
		Metrics:  a.metrics,
	})

	workerDone := make(chan struct{})
	// the local backend lives in this process, so it always needs the embedded worker
	if cfg.Queue.EmbeddedWorker || cfg.Queue.Backend == "local" {
		go func() {
			defer close(workerDone)
			_ = a.newWorker().Run(ctx)
		}()
	} else {
		close(workerDone)
	}

	var consumer *events.Consumer
	if cfg.Kafka.Enabled {
		reader, err := events.NewKafkaReader(cfg.Kafka)
		if err != nil {
			return err
		}
		consumer = events.NewConsumer(reader, a.engine, a.logger)
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	sweeper, err := retention.NewSweeper(cfg.Automation, a.engine, a.logger)
	if err != nil {
		return err
	}
	sweeper.Start()

	server := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	serverErr := make(chan error, 1)
	go func() {
		a.logger.Infof("Starting server on %s", server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
	case err = <-serverErr:
		stop()
	}
	a.logger.Info("Shutting down server...")

	// 优雅关闭
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Errorf("Server forced to shutdown: %v", err)
	}
	if consumer != nil {
		if err := consumer.Stop(); err != nil {
			a.logger.Errorf("Failed to stop trigger consumer: %v", err)
		}
	}
	sweeper.Stop()
	<-workerDone

	a.logger.Info("Server exited")
	return err
}
