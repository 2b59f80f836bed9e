package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"tradieflow/internal/config"
	"tradieflow/internal/metrics"
)

// the bucket map never holds more keys than this
const maxBuckets = 10000

// tokenBucket is a simple token bucket.
type tokenBucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	ratePerSec float64
	burst      float64
}

func newBucket(rpm, burst int, now time.Time) *tokenBucket {
	if rpm <= 0 {
		rpm = 60
	}
	if burst <= 0 {
		burst = rpm
	}
	return &tokenBucket{
		tokens:     float64(burst),
		lastRefill: now,
		ratePerSec: float64(rpm) / 60.0,
		burst:      float64(burst),
	}
}

func (b *tokenBucket) allow(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		b.tokens += elapsed * b.ratePerSec
		if b.tokens > b.burst {
			b.tokens = b.burst
		}
		b.lastRefill = now
	}
	if b.tokens >= 1 {
		b.tokens--
		return true
	}
	return false
}

func (b *tokenBucket) full(now time.Time) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tokens+now.Sub(b.lastRefill).Seconds()*b.ratePerSec >= b.burst
}

func (b *tokenBucket) lastUsed() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.lastRefill
}

// RateLimiter limits requests per client IP.
type RateLimiter struct {
	cfg     config.RateLimitingConfig
	prefix  string
	metrics *metrics.Metrics
	now     func() time.Time

	mu         sync.Mutex
	buckets    map[string]*tokenBucket
	maxBuckets int
}

// NewRateLimiter labels dropped requests with prefix in metrics.
func NewRateLimiter(cfg config.RateLimitingConfig, prefix string, m *metrics.Metrics) *RateLimiter {
	return &RateLimiter{
		cfg:     cfg,
		prefix:  prefix,
		metrics: m,
		now:        time.Now,
		buckets:    make(map[string]*tokenBucket),
		maxBuckets: maxBuckets,
	}
}

func (l *RateLimiter) bucket(key string, now time.Time) *tokenBucket {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.buckets[key]; ok {
		return b
	}
	if len(l.buckets) >= l.maxBuckets {
		l.evict(now)
	}
	b := newBucket(l.cfg.RequestsPerMinute, l.cfg.Burst, now)
	l.buckets[key] = b
	return b
}

// evict drops every refilled bucket. If that frees nothing, the least recently
// used bucket goes. Callers hold l.mu.
func (l *RateLimiter) evict(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
		found     bool
	)
	for k, b := range l.buckets {
		if b.full(now) {
			delete(l.buckets, k)
			continue
		}
		if used := b.lastUsed(); !found || used.Before(oldest) {
			oldestKey, oldest, found = k, used, true
		}
	}
	if found && len(l.buckets) >= l.maxBuckets {
		delete(l.buckets, oldestKey)
	}
}

// Allow consumes one token for key.
func (l *RateLimiter) Allow(key string) bool {
	now := l.now()
	return l.bucket(key, now).allow(now)
}

// Middleware no-ops when rate limiting is disabled.
func (l *RateLimiter) Middleware() gin.HandlerFunc {
	if !l.cfg.Enabled || l.cfg.RequestsPerMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return func(c *gin.Context) {
		key := c.ClientIP()
		if key == "" {
			key = "unknown"
		}
		if !l.Allow(key) {
			l.metrics.IncRateLimitDrop(l.prefix)
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":   "Too Many Requests",
				"message": "rate limit exceeded",
			})
			return
		}
		c.Next()
	}
}

// RateLimitMiddleware is the global per-IP limiter from cfg.Security.RateLimiting.
func RateLimitMiddleware(cfg *config.Config, m *metrics.Metrics) gin.HandlerFunc {
	return NewRateLimiter(cfg.Security.RateLimiting, "", m).Middleware()
}
