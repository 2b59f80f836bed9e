package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics_NilRegistry(t *testing.T) {
	if m := NewMetrics(nil); m != nil {
		t.Fatalf("expected nil metrics for nil registry")
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.IncTrigger("job_completed")
	m.IncDispatched("sync")
	m.ObserveExecution("send_email", "success", time.Second)
	m.IncContent("ai", 10)
	m.IncQueue("enqueued")
	m.IncRateLimitDrop("")
	m.AddPruned(3)
}

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.IncTrigger("job_completed")
	m.IncTrigger("job_completed")
	m.ObserveExecution("send_email", "failed", 20*time.Millisecond)
	m.IncContent("fallback", 0)
	m.IncContent("ai", 42)
	m.IncRateLimitDrop("")
	m.IncRateLimitDrop("/review")
	m.AddPruned(5)
	m.AddPruned(-1)

	if got := testutil.ToFloat64(m.TriggersReceived.WithLabelValues("job_completed")); got != 2 {
		t.Fatalf("triggers = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.Executions.WithLabelValues("send_email", "failed")); got != 1 {
		t.Fatalf("executions = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.AITokens); got != 42 {
		t.Fatalf("ai tokens = %v, want 42", got)
	}
	if got := testutil.ToFloat64(m.RateLimitDrops.WithLabelValues("global")); got != 1 {
		t.Fatalf("global drops = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.RetentionPruned); got != 5 {
		t.Fatalf("pruned = %v, want 5", got)
	}
}
