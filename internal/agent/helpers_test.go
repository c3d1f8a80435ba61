package agent

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/KafClaw/taskclaw/internal/blob"
	"github.com/KafClaw/taskclaw/internal/bus"
	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
	"github.com/KafClaw/taskclaw/internal/policy"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/provider/credentials"
	"github.com/KafClaw/taskclaw/internal/security"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

// scriptedProvider replays responses in order; the last one repeats.
type scriptedProvider struct {
	mu       sync.Mutex
	replies  []string
	errs     []error
	usage    provider.Usage
	calls    int
	requests []*provider.ChatRequest
	panicMsg string
	// onChat runs inside each call, before the reply is chosen.
	onChat func()
}

func (p *scriptedProvider) Chat(_ context.Context, req *provider.ChatRequest) (*provider.ChatResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i := p.calls
	p.calls++
	p.requests = append(p.requests, req)
	if p.onChat != nil {
		p.onChat()
	}
	if p.panicMsg != "" {
		panic(p.panicMsg)
	}
	if i < len(p.errs) && p.errs[i] != nil {
		return nil, p.errs[i]
	}
	reply := ""
	if len(p.replies) > 0 {
		reply = p.replies[min(i, len(p.replies)-1)]
	}
	usage := p.usage
	if usage.TotalTokens == 0 {
		usage = provider.Usage{PromptTokens: 40, CompletionTokens: 10, TotalTokens: 50}
	}
	return &provider.ChatResponse{Content: reply, FinishReason: "stop", Usage: usage}, nil
}

func (p *scriptedProvider) DefaultModel() string { return "test-model" }

func (p *scriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// staticClients hands out one provider for every request.
type staticClients struct {
	prov provider.LLMProvider
	keys []string
}

func (c *staticClients) Get(providerID, apiKey, _ string) (provider.LLMProvider, error) {
	if apiKey == "" && providerID != "vllm" {
		return nil, &provider.ProviderError{Provider: providerID, Hint: "no API key resolved"}
	}
	c.keys = append(c.keys, apiKey)
	return c.prov, nil
}

var testNow = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func newTestStore(t *testing.T) *timeline.TimelineService {
	t.Helper()
	svc, err := timeline.NewTimelineService(filepath.Join(t.TempDir(), "timeline.db"))
	if err != nil {
		t.Fatalf("failed to create timeline service: %v", err)
	}
	t.Cleanup(func() { _ = svc.Close() })
	return svc
}

func newTestInvoker(store *timeline.TimelineService, prov provider.LLMProvider, maxRetries int) *Invoker {
	inv := NewInvoker(InvokerOptions{
		Pipeline:        config.PipelineConfig{MaxRetries: maxRetries, MaxTokens: 512, Temperature: 0.2},
		DefaultProvider: "openai",
		DefaultModel:    "gpt-4o-mini",
		Credentials:     credentials.NewChainResolver(credentials.StaticStore{"openai": "sk-test"}),
		Clients:         &staticClients{prov: prov},
		Usage:           store,
		Now:             func() time.Time { return testNow },
	})
	inv.newBackOff = func() backoff.BackOff { return backoff.NewConstantBackOff(time.Millisecond) }
	return inv
}

type testEnv struct {
	store     *timeline.TimelineService
	knowledge *knowledge.Store
	memory    *memory.Store
	blobs     *blob.FileStore
	triggers  *bus.TriggerBus
	prov      *scriptedProvider
	executor  *Executor
	pipeline  *Pipeline
}

func newTestEnv(t *testing.T, prov *scriptedProvider) *testEnv {
	t.Helper()
	store := newTestStore(t)
	kn, err := knowledge.NewStore(store.DB(), nil)
	if err != nil {
		t.Fatal(err)
	}
	mem, err := memory.NewStore(store.DB())
	if err != nil {
		t.Fatal(err)
	}
	blobs, err := blob.NewFileStore(filepath.Join(t.TempDir(), "blobs"))
	if err != nil {
		t.Fatal(err)
	}
	scanner := security.NewScanner(security.Options{})
	registry := tools.NewRegistry()
	registry.Register(tools.NewListTasksTool(store))
	registry.Register(tools.NewRememberTool(mem))
	triggers := bus.NewTriggerBus(16)

	exec := &Executor{
		Store:     store,
		Knowledge: kn,
		Tools:     registry,
		Policy:    policy.NewDefaultEngine(1),
		Scanner:   scanner,
		Triggers:  triggers,
		Outcomes:  &OutcomeWriter{Blobs: blobs, Threshold: 4096, SummaryChars: 280},
	}
	p := NewPipeline(Deps{
		Store:     store,
		Knowledge: kn,
		Memory:    mem,
		Scanner:   scanner,
		Invoker:   newTestInvoker(store, prov, 1),
		Executor:  exec,
		Tools:     registry,
		Now:       func() time.Time { return testNow },
	}, Options{Limits: ContextLimits{Items: 10, Seeds: 3, MaxNodes: 8}})

	return &testEnv{
		store:     store,
		knowledge: kn,
		memory:    mem,
		blobs:     blobs,
		triggers:  triggers,
		prov:      prov,
		executor:  exec,
		pipeline:  p,
	}
}

func (e *testEnv) agent(t *testing.T, slug string, mutate ...func(*timeline.Agent)) *timeline.Agent {
	t.Helper()
	a := &timeline.Agent{Slug: slug, OwnerID: "owner-1"}
	for _, m := range mutate {
		m(a)
	}
	created, err := e.store.CreateAgent(a)
	if err != nil {
		t.Fatalf("create agent: %v", err)
	}
	return created
}

func (e *testEnv) task(t *testing.T, agentID, description string, mutate ...func(*timeline.Task)) *timeline.Task {
	t.Helper()
	task := &timeline.Task{OwnerID: "owner-1", AgentID: agentID, Description: description}
	for _, m := range mutate {
		m(task)
	}
	created, err := e.store.CreateTask(task)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return created
}

func (e *testEnv) reload(t *testing.T, id string) *timeline.Task {
	t.Helper()
	task, err := e.store.GetTask(id)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	return task
}
