package handlers

import (
	"context"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"tradieflow/internal/config"
	"tradieflow/internal/services"
)

// QueueDepther reports queue backlog; the Redis queue implements it.
type QueueDepther interface {
	Depth(ctx context.Context) (delayed, processing int64, err error)
}

// HealthHandler 健康检查处理器
type HealthHandler struct {
	config  *config.Config
	db      *gorm.DB
	redis   *redis.Client
	breaker *services.CircuitBreaker
	queue   QueueDepther
	version string
}

// HealthDeps are optional collaborators; nil ones are skipped.
type HealthDeps struct {
	DB      *gorm.DB
	Redis   *redis.Client
	Breaker *services.CircuitBreaker
	Queue   QueueDepther
	Version string
}

func NewHealthHandler(cfg *config.Config, deps HealthDeps) *HealthHandler {
	return &HealthHandler{
		config:  cfg,
		db:      deps.DB,
		redis:   deps.Redis,
		breaker: deps.Breaker,
		queue:   deps.Queue,
		version: deps.Version,
	}
}

// HealthResponse 健康检查响应
type HealthResponse struct {
	Status    string                 `json:"status"`
	Version   string                 `json:"version"`
	Timestamp time.Time              `json:"timestamp"`
	Services  map[string]ServiceInfo `json:"services,omitempty"`
	System    *SystemInfo            `json:"system,omitempty"`
}

// ServiceInfo 服务信息
type ServiceInfo struct {
	Status  string      `json:"status"`
	Latency string      `json:"latency,omitempty"`
	Error   string      `json:"error,omitempty"`
	Details interface{} `json:"details,omitempty"`
}

// SystemInfo 系统信息
type SystemInfo struct {
	Uptime    string `json:"uptime"`
	GoVersion string `json:"go_version"`
}

var startTime = time.Now()

// Health is liveness only; it never touches dependencies.
func (h *HealthHandler) Health(c *gin.Context) {
	c.JSON(http.StatusOK, HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Timestamp: time.Now(),
		System: &SystemInfo{
			Uptime:    time.Since(startTime).Round(time.Second).String(),
			GoVersion: runtime.Version(),
		},
	})
}

// Ready checks the database and Redis. The AI breaker and queue backlog are
// reported but never make the service unready.
func (h *HealthHandler) Ready(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	resp := HealthResponse{
		Status:    "ready",
		Version:   h.version,
		Timestamp: time.Now(),
		Services:  make(map[string]ServiceInfo),
	}
	ready := true

	if h.db != nil && h.config.Monitoring.HealthChecks.Database {
		info := h.checkDatabase(ctx)
		resp.Services["database"] = info
		ready = ready && info.Status == "healthy"
	}
	if h.redis != nil && h.config.Monitoring.HealthChecks.Redis {
		info := h.checkRedis(ctx)
		resp.Services["redis"] = info
		ready = ready && info.Status == "healthy"
	}
	if h.breaker != nil {
		stats := h.breaker.Stats()
		status := "healthy"
		if h.breaker.State() != services.StateClosedCB {
			status = "degraded"
		}
		resp.Services["ai"] = ServiceInfo{Status: status, Details: stats}
	}
	if h.queue != nil {
		delayed, processing, err := h.queue.Depth(ctx)
		info := ServiceInfo{Status: "healthy", Details: gin.H{"delayed": delayed, "processing": processing}}
		if err != nil {
			info = ServiceInfo{Status: "unknown", Error: err.Error()}
		}
		resp.Services["queue"] = info
	}

	if !ready {
		resp.Status = "not_ready"
		c.JSON(http.StatusServiceUnavailable, resp)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HealthHandler) checkDatabase(ctx context.Context) ServiceInfo {
	start := time.Now()
	sqlDB, err := h.db.DB()
	if err == nil {
		err = sqlDB.PingContext(ctx)
	}
	if err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

func (h *HealthHandler) checkRedis(ctx context.Context) ServiceInfo {
	start := time.Now()
	if err := h.redis.Ping(ctx).Err(); err != nil {
		return ServiceInfo{Status: "unhealthy", Error: err.Error()}
	}
	return ServiceInfo{Status: "healthy", Latency: time.Since(start).String()}
}

// RegisterHealthRoutes 注册健康检查路由
func RegisterHealthRoutes(r gin.IRoutes, h *HealthHandler) {
	r.GET("/health", h.Health)
	r.GET("/ready", h.Ready)
}
