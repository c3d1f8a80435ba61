package metrics

import (
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollectors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveRun("scheduler", "completed", 2*time.Second)
	m.ObserveRun("scheduler", "completed", time.Second)
	m.AddTokens("openai", 100, 20)
	m.IncAction("create_task", "ok")
	m.IncStaleReconciled()
	m.IncHopSuppressed()
	done := m.RunStarted()

	if got := testutil.ToFloat64(m.runs.WithLabelValues("scheduler", "completed")); got != 2 {
		t.Errorf("runs = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.tokens.WithLabelValues("openai", "prompt")); got != 100 {
		t.Errorf("prompt tokens = %v", got)
	}
	if got := testutil.ToFloat64(m.runsActive); got != 1 {
		t.Errorf("active = %v", got)
	}
	done()
	if got := testutil.ToFloat64(m.runsActive); got != 0 {
		t.Errorf("active after done = %v", got)
	}

	expected := `
# HELP taskclaw_a2a_hops_suppressed_total Automatic replies suppressed by the hop limit.
# TYPE taskclaw_a2a_hops_suppressed_total counter
taskclaw_a2a_hops_suppressed_total 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "taskclaw_a2a_hops_suppressed_total"); err != nil {
		t.Error(err)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.ObserveRun("x", "y", time.Second)
	m.AddTokens("p", 1, 1)
	m.IncAction("a", "ok")
	m.IncStaleReconciled()
	m.IncHopSuppressed()
	m.RunStarted()()
}
