package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/provider/credentials"
	"github.com/KafClaw/taskclaw/internal/provider/middleware"
	"github.com/KafClaw/taskclaw/internal/timeline"
)

var (
	// ErrBudgetExhausted is returned before any model call when the agent's
	// monthly token budget is used up.
	ErrBudgetExhausted = errors.New("monthly token budget exhausted")
	// ErrProviderFatal wraps errors that retrying cannot fix: bad or missing
	// credentials, exhausted provider quota, unknown provider.
	ErrProviderFatal = errors.New("provider failure")
)

// ClientSource returns a provider client for a provider id and API key.
type ClientSource interface {
	Get(providerID, apiKey, defaultModel string) (provider.LLMProvider, error)
}

// UsageRecorder accumulates monthly token usage.
type UsageRecorder interface {
	AddTokenUsage(agentID string, tokens int, at time.Time) (int, error)
}

// Invocation is the result of one successful model call.
type Invocation struct {
	Content   string
	Thinking  string
	Provider  string
	Model     string
	Reasoning bool
	Usage     provider.Usage
	CostUSD   float64
	Attempts  int
}

// Invoker calls the agent's model with budget enforcement, credential
// resolution, middleware and bounded retries.
type Invoker struct {
	cfg             config.PipelineConfig
	defaultProvider string
	defaultModel    string
	credentials     credentials.Resolver
	clients         ClientSource
	chain           *middleware.Chain
	usage           UsageRecorder
	metrics         *metrics.Metrics
	now             func() time.Time
	newBackOff      func() backoff.BackOff
}

// InvokerOptions configures an Invoker.
type InvokerOptions struct {
	Pipeline        config.PipelineConfig
	DefaultProvider string
	DefaultModel    string
	Credentials     credentials.Resolver
	Clients         ClientSource
	Chain           *middleware.Chain
	Usage           UsageRecorder
	Metrics         *metrics.Metrics
	Now             func() time.Time
}

// NewInvoker creates an invoker.
func NewInvoker(opts InvokerOptions) *Invoker {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Invoker{
		cfg:             opts.Pipeline,
		defaultProvider: opts.DefaultProvider,
		defaultModel:    opts.DefaultModel,
		credentials:     opts.Credentials,
		clients:         opts.Clients,
		chain:           opts.Chain,
		usage:           opts.Usage,
		metrics:         opts.Metrics,
		now:             now,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 500 * time.Millisecond
			b.MaxInterval = 10 * time.Second
			return b
		},
	}
}

// Resolve returns the provider id and model an agent runs on.
func (inv *Invoker) Resolve(agent *timeline.Agent) (providerID, model string) {
	providerID = agent.LLM.Provider
	model = agent.LLM.Model
	if model == "" {
		model = inv.defaultModel
	}
	if providerID == "" {
		if p, m := provider.ParseModelString(model); p != "" && agent.LLM.Model != "" {
			providerID, model = p, m
		}
	}
	if providerID == "" {
		providerID = inv.defaultProvider
	}
	return provider.NormalizeProviderID(providerID), model
}

// Invoke runs one model call for agent.
func (inv *Invoker) Invoke(ctx context.Context, agent *timeline.Agent, prompt Prompt, taskID string) (*Invocation, error) {
	now := inv.now()
	if agent.LLM.BudgetExhausted(timeline.UsagePeriod(now)) {
		return nil, ErrBudgetExhausted
	}

	providerID, model := inv.Resolve(agent)
	secret, err := inv.credentials.Resolve(ctx, credentials.Request{
		AgentID:  agent.ID,
		OwnerID:  agent.OwnerID,
		Provider: providerID,
	})
	if err != nil && !(errors.Is(err, credentials.ErrNoCredential) && providerID == "vllm") {
		return nil, fmt.Errorf("%w: resolve credentials for %s: %w", ErrProviderFatal, providerID, err)
	}
	client, err := inv.clients.Get(providerID, secret.Reveal(), model)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrProviderFatal, err)
	}

	reasoning := provider.IsReasoningModel(model)
	messages := []provider.Message{
		{Role: "system", Content: prompt.System},
		{Role: "user", Content: prompt.User},
	}
	if reasoning {
		messages = provider.MergeSystemPrompt(messages)
	}
	base := provider.ChatRequest{
		Messages:    messages,
		Model:       model,
		MaxTokens:   inv.cfg.MaxTokens,
		Temperature: inv.cfg.Temperature,
		Reasoning:   reasoning,
	}

	meta := middleware.NewRequestMeta(providerID, model)
	meta.AgentID = agent.ID
	meta.TaskID = taskID

	attempts := 0
	op := func() (*provider.ChatResponse, error) {
		attempts++
		callCtx := ctx
		if inv.cfg.ModelTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, inv.cfg.ModelTimeout)
			defer cancel()
		}
		req := base
		req.Messages = append([]provider.Message(nil), base.Messages...)
		resp, err := inv.chain.Process(callCtx, client, &req, meta)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil || !provider.IsTransient(err) {
			return nil, backoff.Permanent(err)
		}
		return nil, err
	}

	maxRetries := inv.cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	resp, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(inv.newBackOff()),
		backoff.WithMaxTries(uint(maxRetries+1)),
		backoff.WithNotify(func(err error, next time.Duration) {
			slog.Warn("Model call failed, retrying", "agent", agent.ID, "provider", providerID, "model", model, "retry_in", next, "error", err)
		}))
	if err != nil {
		var perm *backoff.PermanentError
		if errors.As(err, &perm) {
			err = perm.Unwrap()
		}
		if provider.IsFatal(err) {
			return nil, fmt.Errorf("%w: %w", ErrProviderFatal, err)
		}
		return nil, fmt.Errorf("model call failed after %d attempt(s): %w", attempts, err)
	}

	out := &Invocation{
		Content:   resp.Content,
		Provider:  providerID,
		Model:     model,
		Reasoning: reasoning,
		Usage:     resp.Usage,
		CostUSD:   meta.CostUSD,
		Attempts:  attempts,
	}
	if reasoning || strings.Contains(strings.ToLower(resp.Content), "<think") {
		out.Thinking, out.Content = provider.SplitThinking(resp.Content)
	}

	tokens := resp.Usage.TotalTokens
	if tokens == 0 {
		tokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	}
	if tokens > 0 && inv.usage != nil {
		total, err := inv.usage.AddTokenUsage(agent.ID, tokens, now)
		if err != nil {
			slog.Warn("Token usage not recorded", "agent", agent.ID, "tokens", tokens, "error", err)
		} else {
			agent.LLM.TokensUsed = total
			agent.LLM.UsagePeriod = timeline.UsagePeriod(now)
		}
	}
	inv.metrics.AddTokens(providerID, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	return out, nil
}
