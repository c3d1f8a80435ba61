package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/KafClaw/taskclaw/internal/a2a"
	"github.com/KafClaw/taskclaw/internal/agent"
	"github.com/KafClaw/taskclaw/internal/blob"
	"github.com/KafClaw/taskclaw/internal/bus"
	"github.com/KafClaw/taskclaw/internal/config"
	"github.com/KafClaw/taskclaw/internal/delivery"
	"github.com/KafClaw/taskclaw/internal/knowledge"
	"github.com/KafClaw/taskclaw/internal/memory"
	"github.com/KafClaw/taskclaw/internal/metrics"
	"github.com/KafClaw/taskclaw/internal/policy"
	"github.com/KafClaw/taskclaw/internal/provider"
	"github.com/KafClaw/taskclaw/internal/provider/credentials"
	"github.com/KafClaw/taskclaw/internal/provider/middleware"
	"github.com/KafClaw/taskclaw/internal/scheduler"
	"github.com/KafClaw/taskclaw/internal/secrets"
	"github.com/KafClaw/taskclaw/internal/security"
	"github.com/KafClaw/taskclaw/internal/timeline"
	"github.com/KafClaw/taskclaw/internal/tools"
)

// stack is every long-lived component a command may need.
type stack struct {
	cfg       *config.Config
	store     *timeline.TimelineService
	knowledge *knowledge.Store
	memory    *memory.Store
	blobs     *blob.FileStore
	scanner   *security.Scanner
	triggers  *bus.TriggerBus
	metrics   *metrics.Metrics
	registry  *prometheus.Registry
	vault     *secrets.Vault
	pipeline  *agent.Pipeline
	locks     *scheduler.AgentLocks
	protocol  *a2a.Protocol
	publisher *a2a.KafkaPublisher

	closers []func() error
}

// loadConfig loads the config honouring --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// openStore opens only the timeline, for commands that never run agents.
func openStore(cfg *config.Config) (*timeline.TimelineService, error) {
	if err := config.EnsureDir(filepath.Dir(cfg.Paths.DBPath)); err != nil {
		return nil, fmt.Errorf("data dir: %w", err)
	}
	store, err := timeline.Open(cfg.Paths.DBDriver, cfg.Paths.DBPath)
	if err != nil {
		return nil, err
	}
	return store, nil
}

// openStack wires the pipeline and its collaborators from cfg.
func openStack(ctx context.Context, cfg *config.Config) (*stack, error) {
	store, err := openStore(cfg)
	if err != nil {
		return nil, err
	}
	s := &stack{cfg: cfg, store: store}
	s.closers = append(s.closers, store.Close)
	if err := s.wire(ctx); err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

func (s *stack) wire(ctx context.Context) error {
	cfg := s.cfg

	opts := security.Options{DenyKeywords: cfg.Security.DenyKeywords}
	if len(cfg.Security.ExtraSecretPatterns) > 0 {
		opts.Detector = security.NewDetector(security.SecretTypes(), cfg.Security.ExtraSecretPatterns)
	}
	s.scanner = security.NewScanner(opts)

	blobs, err := blob.NewFileStore(cfg.Paths.BlobDir)
	if err != nil {
		return err
	}
	s.blobs = blobs

	s.registry = prometheus.NewRegistry()
	s.metrics = metrics.New(s.registry)
	s.triggers = bus.NewTriggerBus(256)

	bases := map[string]string{}
	for id, p := range cfg.Providers.Endpoints() {
		if p.APIBase != "" {
			bases[id] = p.APIBase
		}
	}
	factory, err := provider.NewFactory(cfg.Providers.CacheSize, bases)
	if err != nil {
		return err
	}

	if vault, err := openVault(cfg); err != nil {
		slog.Warn("Credential vault unavailable", "dir", cfg.Paths.VaultDir, "error", err)
	} else {
		s.vault = vault
	}
	resolver := newResolver(cfg, s.vault)

	// The default client serves embeddings and media; a missing key only
	// disables those.
	var defaultClient provider.LLMProvider
	if key, err := resolver.Resolve(ctx, credentials.Request{Provider: cfg.Providers.Default}); err == nil {
		defaultClient, _ = factory.Get(cfg.Providers.Default, key.Reveal(), cfg.Providers.Model)
	} else if provider.NormalizeProviderID(cfg.Providers.Default) == "vllm" {
		defaultClient, _ = factory.Get(cfg.Providers.Default, "", cfg.Providers.Model)
	}

	var ranker knowledge.Ranker
	if cfg.Knowledge.Semantic {
		if emb, ok := defaultClient.(provider.Embedder); ok {
			sr, err := knowledge.NewSemanticRanker(provider.TextEmbedder{Provider: emb, Model: cfg.Providers.EmbeddingModel})
			if err != nil {
				slog.Warn("Semantic ranker unavailable, using lexical", "error", err)
			} else {
				ranker = sr
			}
		} else {
			slog.Warn("Semantic knowledge needs an embedding provider, using lexical", "provider", cfg.Providers.Default)
		}
	}
	kn, err := knowledge.NewStore(s.store.DB(), ranker)
	if err != nil {
		return err
	}
	s.knowledge = kn
	mem, err := memory.NewStore(s.store.DB())
	if err != nil {
		return err
	}
	s.memory = mem

	registry := tools.NewRegistry()
	registry.Register(tools.NewListTasksTool(s.store))
	registry.Register(tools.NewRememberTool(mem))
	registry.Register(tools.NewRecallTool(kn))

	invoker := agent.NewInvoker(agent.InvokerOptions{
		Pipeline:        cfg.Pipeline,
		DefaultProvider: cfg.Providers.Default,
		DefaultModel:    cfg.Providers.Model,
		Credentials:     resolver,
		Clients:         factory,
		Chain: middleware.NewChain(
			middleware.NewFinOpsRecorder(cfg.FinOps),
			middleware.NewOutputSanitizer(cfg.Sanitizer, s.scanner),
		),
		Usage:   s.store,
		Metrics: s.metrics,
	})

	protoOpts := a2a.Options{Metrics: s.metrics}
	if pub := a2a.NewKafkaPublisher(cfg.A2A); pub != nil {
		s.publisher = pub
		protoOpts.Publisher = pub
		s.closers = append(s.closers, pub.Close)
	}
	s.protocol = a2a.NewProtocol(s.store, s.scanner, protoOpts)

	exec := &agent.Executor{
		Store:     s.store,
		Knowledge: kn,
		Tools:     registry,
		Policy:    policy.NewDefaultEngine(cfg.Pipeline.MaxAutoTier),
		Scanner:   s.scanner,
		Triggers:  s.triggers,
		Delegator: s.protocol,
		Outcomes: &agent.OutcomeWriter{
			Blobs:        blobs,
			Threshold:    cfg.Pipeline.OutcomeBlobThreshold,
			SummaryChars: cfg.Pipeline.SummaryChars,
		},
		Metrics: s.metrics,
	}
	if outbox, err := delivery.NewOutbox(cfg.Email.OutboxDir, cfg.Email.From); err != nil {
		slog.Warn("Email outbox unavailable", "error", err)
	} else {
		exec.Email = outbox
	}
	if tts, ok := defaultClient.(provider.Speaker); ok {
		exec.Speaker = &delivery.ProviderSpeaker{TTS: tts, Blobs: blobs}
	}
	if img, ok := defaultClient.(provider.ImageGenerator); ok {
		exec.Images = &delivery.ProviderImager{Images: img, Blobs: blobs}
	}
	if feed := delivery.NewSlackFeedMirror(cfg.Feed); feed != nil {
		exec.Feed = feed
	}

	s.locks = scheduler.NewAgentLocks(cfg.Scheduler.StaleAfter)
	s.pipeline = agent.NewPipeline(agent.Deps{
		Store:     s.store,
		Knowledge: kn,
		Memory:    mem,
		Scanner:   s.scanner,
		Invoker:   invoker,
		Executor:  exec,
		Tools:     registry,
		Metrics:   s.metrics,
		Locks:     s.locks,
	}, agent.Options{
		Limits: agent.ContextLimits{
			Items:       cfg.Pipeline.ContextItems,
			Seeds:       cfg.Pipeline.KnowledgeSeeds,
			MaxNodes:    cfg.Pipeline.KnowledgeMaxNodes,
			TokenBudget: cfg.Pipeline.PromptTokenBudget,
		},
		RunTimeout: cfg.Scheduler.StaleAfter,
	})
	s.protocol.SetResponder(s.pipeline)
	return nil
}

// newResolver chains the vault (when open), the environment and keys from
// the config file, in that order.
func newResolver(cfg *config.Config, vault *secrets.Vault) *credentials.ChainResolver {
	var stores []credentials.Store
	if vault != nil {
		stores = append(stores, credentials.VaultStore{Vault: vault})
	}
	keys := credentials.StaticStore{}
	for id, p := range cfg.Providers.Endpoints() {
		if p.APIKey != "" {
			keys[id] = p.APIKey
		}
	}
	stores = append(stores, credentials.EnvStore{Prefix: config.EnvPrefix}, keys)
	return credentials.NewChainResolver(stores...)
}

// Close releases everything opened by openStack, last opened first.
func (s *stack) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}

// resolveAgent accepts an agent id or slug.
func resolveAgent(store *timeline.TimelineService, ref string) (*timeline.Agent, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, fmt.Errorf("agent is required")
	}
	if a, err := store.GetAgentBySlug(ref); err == nil && a != nil {
		return a, nil
	}
	a, err := store.GetAgent(ref)
	if err != nil {
		return nil, fmt.Errorf("agent %q: %w", ref, err)
	}
	return a, nil
}
