package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "tradieflow"

// Metrics holds the Prometheus collectors of the automation engine.
// All methods are safe to call on a nil *Metrics.
type Metrics struct {
	TriggersReceived  *prometheus.CounterVec
	RulesDispatched   *prometheus.CounterVec
	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	ContentGenerated  *prometheus.CounterVec
	AITokens          prometheus.Counter
	QueueEvents       *prometheus.CounterVec
	RateLimitDrops    *prometheus.CounterVec
	RetentionPruned   prometheus.Counter
}

// NewMetrics creates and registers the engine metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		TriggersReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "triggers_received_total",
			Help:      "Trigger events received, by trigger type.",
		}, []string{"trigger_type"}),
		RulesDispatched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "rules_dispatched_total",
			Help:      "Matching rules dispatched, by mode (sync, queued).",
		}, []string{"mode"}),
		Executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_total",
			Help:      "Rule executions by action type and terminal status.",
		}, []string{"action_type", "status"}),
		ExecutionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "execution_duration_seconds",
			Help:      "Duration of one rule execution (generate + act + bookkeeping).",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		ContentGenerated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "generated_total",
			Help:      "Message bodies generated, by source (ai, static, fallback).",
		}, []string{"source"}),
		AITokens: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "content",
			Name:      "ai_tokens_total",
			Help:      "Tokens reported by the AI content provider.",
		}),
		QueueEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "events_total",
			Help:      "Delayed queue events (enqueued, duplicate, delivered, retried, dead_lettered, acked).",
		}, []string{"event"}),
		RateLimitDrops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limit_drops_total",
			Help:      "Requests rejected with 429, by route prefix.",
		}, []string{"prefix"}),
		RetentionPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "engine",
			Name:      "executions_pruned_total",
			Help:      "Execution history rows removed by the retention sweep.",
		}),
	}

	reg.MustRegister(
		m.TriggersReceived,
		m.RulesDispatched,
		m.Executions,
		m.ExecutionDuration,
		m.ContentGenerated,
		m.AITokens,
		m.QueueEvents,
		m.RateLimitDrops,
		m.RetentionPruned,
	)

	return m
}

func (m *Metrics) IncTrigger(triggerType string) {
	if m == nil {
		return
	}
	m.TriggersReceived.WithLabelValues(triggerType).Inc()
}

func (m *Metrics) IncDispatched(mode string) {
	if m == nil {
		return
	}
	m.RulesDispatched.WithLabelValues(mode).Inc()
}

// ObserveExecution records the terminal status and duration of one execution.
func (m *Metrics) ObserveExecution(actionType, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.Executions.WithLabelValues(actionType, status).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

func (m *Metrics) IncContent(source string, tokens int) {
	if m == nil {
		return
	}
	m.ContentGenerated.WithLabelValues(source).Inc()
	if tokens > 0 {
		m.AITokens.Add(float64(tokens))
	}
}

func (m *Metrics) IncQueue(event string) {
	if m == nil {
		return
	}
	m.QueueEvents.WithLabelValues(event).Inc()
}

func (m *Metrics) IncQueueN(event string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.QueueEvents.WithLabelValues(event).Add(float64(n))
}

// IncRateLimitDrop counts a 429. Use prefix "global" for global limiter rejections.
func (m *Metrics) IncRateLimitDrop(prefix string) {
	if m == nil {
		return
	}
	if prefix == "" {
		prefix = "global"
	}
	m.RateLimitDrops.WithLabelValues(prefix).Inc()
}

func (m *Metrics) AddPruned(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.RetentionPruned.Add(float64(n))
}
