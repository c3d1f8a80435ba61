// Package metrics exposes Prometheus collectors for pipeline activity.
package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskclaw"

// Metrics holds the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	runs            *prometheus.CounterVec
	runDuration     *prometheus.HistogramVec
	tokens          *prometheus.CounterVec
	actions         *prometheus.CounterVec
	staleReconciled prometheus.Counter
	hopsSuppressed  prometheus.Counter
	runsActive      prometheus.Gauge
}

// New registers the collectors with reg. Registration errors panic, like
// promauto.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "runs_total",
			Help:      "Pipeline runs by trigger and final status.",
		}, []string{"trigger", "status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "run_duration_seconds",
			Help:      "Wall time of pipeline runs.",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"status"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "model",
			Name:      "tokens_total",
			Help:      "Tokens consumed by model calls.",
		}, []string{"provider", "kind"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "actions_total",
			Help:      "Executed actions by type and result.",
		}, []string{"type", "result"}),
		staleReconciled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "stale_tasks_reconciled_total",
			Help:      "Tasks failed by the staleness guard.",
		}),
		hopsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "a2a",
			Name:      "hops_suppressed_total",
			Help:      "Automatic replies suppressed by the hop limit.",
		}),
		runsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "runs_active",
			Help:      "Pipeline runs currently executing.",
		}),
	}
	reg.MustRegister(m.runs, m.runDuration, m.tokens, m.actions, m.staleReconciled, m.hopsSuppressed, m.runsActive)
	return m
}

// ObserveRun records a finished run.
func (m *Metrics) ObserveRun(trigger, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(trigger, status).Inc()
	m.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// AddTokens records prompt and completion tokens.
func (m *Metrics) AddTokens(provider string, prompt, completion int) {
	if m == nil {
		return
	}
	m.tokens.WithLabelValues(provider, "prompt").Add(float64(prompt))
	m.tokens.WithLabelValues(provider, "completion").Add(float64(completion))
}

// IncAction records one executed action.
func (m *Metrics) IncAction(actionType, result string) {
	if m == nil {
		return
	}
	m.actions.WithLabelValues(actionType, result).Inc()
}

// IncStaleReconciled records a staleness-guard failure.
func (m *Metrics) IncStaleReconciled() {
	if m == nil {
		return
	}
	m.staleReconciled.Inc()
}

// IncHopSuppressed records an auto-reply stopped by the hop limit.
func (m *Metrics) IncHopSuppressed() {
	if m == nil {
		return
	}
	m.hopsSuppressed.Inc()
}

// RunStarted increments the active gauge and returns its decrement.
func (m *Metrics) RunStarted() func() {
	if m == nil {
		return func() {}
	}
	m.runsActive.Inc()
	return m.runsActive.Dec
}

// Serve exposes g on addr under /metrics until ctx is cancelled.
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("Metrics endpoint listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
