package middleware

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/provider"
)

// FinOpsRecorder calculates per-request cost and keeps a running daily spend.
type FinOpsRecorder struct {
	cfg config.FinOpsConfig
	now func() time.Time

	mu    sync.Mutex
	day   string
	spend float64
}

// NewFinOpsRecorder builds a recorder from config.
func NewFinOpsRecorder(cfg config.FinOpsConfig) *FinOpsRecorder {
	return &FinOpsRecorder{cfg: cfg, now: time.Now}
}

func (f *FinOpsRecorder) Name() string { return "finops" }

func (f *FinOpsRecorder) ProcessRequest(_ context.Context, _ *provider.ChatRequest, _ *RequestMeta) error {
	return nil
}

func (f *FinOpsRecorder) ProcessResponse(_ context.Context, _ *provider.ChatRequest, resp *provider.ChatResponse, meta *RequestMeta) error {
	if !f.cfg.Enabled || resp == nil {
		return nil
	}
	cost := f.CalculateCost(meta.ProviderID, resp.Usage)
	if cost == 0 {
		return nil
	}
	meta.CostUSD = cost

	total := f.add(cost)
	// Budget warnings are logged only; token budgets are enforced per agent.
	if f.cfg.DailyBudget > 0 && total > f.cfg.DailyBudget {
		slog.Warn("Daily LLM spend over budget",
			"spend_usd", total, "budget_usd", f.cfg.DailyBudget,
			"provider", meta.ProviderID, "agent", meta.AgentID)
	}
	return nil
}

// CalculateCost computes the USD cost for a given usage and provider.
func (f *FinOpsRecorder) CalculateCost(providerID string, usage provider.Usage) float64 {
	if !f.cfg.Enabled {
		return 0
	}
	pricing, ok := f.cfg.Pricing[providerID]
	if !ok {
		return 0
	}
	return (float64(usage.PromptTokens)*pricing.PromptPer1kTokens +
		float64(usage.CompletionTokens)*pricing.CompletionPer1kTokens) / 1000.0
}

// DailySpend returns today's accumulated cost.
func (f *FinOpsRecorder) DailySpend() float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.day != f.now().UTC().Format("2006-01-02") {
		return 0
	}
	return f.spend
}

func (f *FinOpsRecorder) add(cost float64) float64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	day := f.now().UTC().Format("2006-01-02")
	if day != f.day {
		f.day = day
		f.spend = 0
	}
	f.spend += cost
	return f.spend
}
