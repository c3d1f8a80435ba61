// Package config provides configuration types and loading for taskclaw.
package config

import "time"

// Config is the root configuration struct.
type Config struct {
	Paths     PathsConfig     `json:"paths"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Pipeline  PipelineConfig  `json:"pipeline"`
	Providers ProvidersConfig `json:"providers"`
	FinOps    FinOpsConfig    `json:"finops"`
	Sanitizer SanitizerConfig `json:"sanitizer"`
	Security  SecurityConfig  `json:"security"`
	A2A       A2AConfig       `json:"a2a"`
	Knowledge KnowledgeConfig `json:"knowledge"`
	Feed      FeedConfig      `json:"feed"`
	Email     EmailConfig     `json:"email"`
	Metrics   MetricsConfig   `json:"metrics"`
}

// ---------------------------------------------------------------------------
// Paths – filesystem locations
// ---------------------------------------------------------------------------

// PathsConfig groups all filesystem path settings.
type PathsConfig struct {
	Home     string `json:"home" envconfig:"DATA_DIR"`
	DBPath   string `json:"dbPath" envconfig:"DB_PATH"`
	BlobDir  string `json:"blobDir" envconfig:"BLOB_DIR"`
	LockFile string `json:"lockFile" envconfig:"LOCK_FILE"`
	VaultDir string `json:"vaultDir" envconfig:"VAULT_DIR"`
	// DBDriver selects the SQLite driver: "sqlite" (pure Go) or "sqlite3" (cgo).
	DBDriver string `json:"dbDriver" envconfig:"DB_DRIVER"`
}

// ---------------------------------------------------------------------------
// Scheduler – periodic and triggered runs
// ---------------------------------------------------------------------------

// SchedulerConfig contains settings for the run scheduler.
type SchedulerConfig struct {
	Enabled           bool          `json:"enabled" envconfig:"ENABLED"`
	TickInterval      time.Duration `json:"tickInterval" envconfig:"TICK_INTERVAL"`
	StaleAfter        time.Duration `json:"staleAfter" envconfig:"STALE_AFTER"`
	MaxConcurrentRuns int           `json:"maxConcurrentRuns" envconfig:"MAX_CONCURRENT_RUNS"`
	ThoughtRetention  int           `json:"thoughtRetention" envconfig:"THOUGHT_RETENTION"`
	ThoughtPruneCron  string        `json:"thoughtPruneCron" envconfig:"THOUGHT_PRUNE_CRON"`
}

// ---------------------------------------------------------------------------
// Pipeline – per-run limits
// ---------------------------------------------------------------------------

// PipelineConfig holds the knobs of a single agent run.
type PipelineConfig struct {
	ContextItems         int           `json:"contextItems" envconfig:"CONTEXT_ITEMS"`
	KnowledgeSeeds       int           `json:"knowledgeSeeds" envconfig:"KNOWLEDGE_SEEDS"`
	KnowledgeMaxNodes    int           `json:"knowledgeMaxNodes" envconfig:"KNOWLEDGE_MAX_NODES"`
	PromptTokenBudget    int           `json:"promptTokenBudget" envconfig:"PROMPT_TOKEN_BUDGET"`
	OutcomeBlobThreshold int           `json:"outcomeBlobThreshold" envconfig:"OUTCOME_BLOB_THRESHOLD"`
	SummaryChars         int           `json:"summaryChars" envconfig:"SUMMARY_CHARS"`
	MaxRetries           int           `json:"maxRetries" envconfig:"MAX_RETRIES"`
	ModelTimeout         time.Duration `json:"modelTimeout" envconfig:"MODEL_TIMEOUT"`
	MaxTokens            int           `json:"maxTokens" envconfig:"MAX_TOKENS"`
	Temperature          float64       `json:"temperature" envconfig:"TEMPERATURE"`
	// MaxAutoTier is the highest tool tier call_tool may run unattended.
	MaxAutoTier int `json:"maxAutoTier" envconfig:"MAX_AUTO_TIER"`
}

// ---------------------------------------------------------------------------
// Providers – LLM API keys & endpoints
// ---------------------------------------------------------------------------

// ProvidersConfig contains LLM provider configurations.
type ProvidersConfig struct {
	Default        string         `json:"default" envconfig:"DEFAULT"`
	Model          string         `json:"model" envconfig:"MODEL"`
	EmbeddingModel string         `json:"embeddingModel" envconfig:"EMBEDDING_MODEL"`
	CacheSize      int            `json:"cacheSize" envconfig:"CACHE_SIZE"`
	OpenAI         ProviderConfig `json:"openai"`
	Anthropic      ProviderConfig `json:"anthropic"`
	OpenRouter     ProviderConfig `json:"openrouter"`
	DeepSeek       ProviderConfig `json:"deepseek"`
	Groq           ProviderConfig `json:"groq"`
	XAI            ProviderConfig `json:"xai"`
	VLLM           ProviderConfig `json:"vllm"`
}

// ProviderConfig contains settings for a single LLM provider.
type ProviderConfig struct {
	APIKey  string `json:"apiKey" envconfig:"API_KEY"`
	APIBase string `json:"apiBase,omitempty" envconfig:"API_BASE"`
}

// Endpoints returns the configured providers keyed by canonical provider ID.
func (p ProvidersConfig) Endpoints() map[string]ProviderConfig {
	return map[string]ProviderConfig{
		"openai":     p.OpenAI,
		"claude":     p.Anthropic,
		"openrouter": p.OpenRouter,
		"deepseek":   p.DeepSeek,
		"groq":       p.Groq,
		"xai":        p.XAI,
		"vllm":       p.VLLM,
	}
}

// ---------------------------------------------------------------------------
// Middleware – cost attribution and output sanitation
// ---------------------------------------------------------------------------

// FinOpsConfig configures per-request cost attribution.
type FinOpsConfig struct {
	Enabled     bool                     `json:"enabled" envconfig:"ENABLED"`
	DailyBudget float64                  `json:"dailyBudget" envconfig:"DAILY_BUDGET"`
	Pricing     map[string]ProviderPrice `json:"pricing,omitempty" ignored:"true"`
}

// ProviderPrice is the USD price per thousand tokens.
type ProviderPrice struct {
	PromptPer1kTokens     float64 `json:"promptPer1kTokens"`
	CompletionPer1kTokens float64 `json:"completionPer1kTokens"`
}

// SanitizerConfig configures the model output sanitizer.
type SanitizerConfig struct {
	Enabled         bool     `json:"enabled" envconfig:"ENABLED"`
	RedactSecrets   bool     `json:"redactSecrets" envconfig:"REDACT_SECRETS"`
	DenyPatterns    []string `json:"denyPatterns,omitempty" envconfig:"DENY_PATTERNS"`
	MaxOutputLength int      `json:"maxOutputLength" envconfig:"MAX_OUTPUT_LENGTH"`
}

// ---------------------------------------------------------------------------
// Security – input scanner
// ---------------------------------------------------------------------------

// SecurityConfig configures the input scanner.
type SecurityConfig struct {
	DenyKeywords []string `json:"denyKeywords,omitempty" envconfig:"DENY_KEYWORDS"`
	// ExtraSecretPatterns are named regular expressions treated as secrets.
	ExtraSecretPatterns map[string]string `json:"extraSecretPatterns,omitempty"`
}

// ---------------------------------------------------------------------------
// A2A – agent-to-agent messaging via Kafka
// ---------------------------------------------------------------------------

// A2AConfig contains settings for mirroring A2A messages to Kafka.
type A2AConfig struct {
	KafkaBrokers  string `json:"kafkaBrokers" envconfig:"KAFKA_BROKERS"`
	Topic         string `json:"topic" envconfig:"TOPIC"`
	ConsumerGroup string `json:"consumerGroup" envconfig:"CONSUMER_GROUP"`
	NodeID        string `json:"nodeId" envconfig:"NODE_ID"`
	InboxEnabled  bool   `json:"inboxEnabled" envconfig:"INBOX_ENABLED"`
}

// ---------------------------------------------------------------------------
// Knowledge – relevance search
// ---------------------------------------------------------------------------

// KnowledgeConfig selects the knowledge ranker.
type KnowledgeConfig struct {
	// Semantic enables embedding search (requires an embedding-capable provider).
	Semantic bool `json:"semantic" envconfig:"SEMANTIC"`
}

// ---------------------------------------------------------------------------
// Delivery – outbound collaborators
// ---------------------------------------------------------------------------

// FeedConfig configures mirroring feed items to Slack.
type FeedConfig struct {
	SlackToken   string `json:"slackToken" envconfig:"SLACK_TOKEN"`
	SlackChannel string `json:"slackChannel" envconfig:"SLACK_CHANNEL"`
	SlackAPIURL  string `json:"slackApiUrl,omitempty" envconfig:"SLACK_API_URL"`
}

// EmailConfig configures the email outbox.
type EmailConfig struct {
	From      string `json:"from" envconfig:"FROM"`
	OutboxDir string `json:"outboxDir" envconfig:"OUTBOX_DIR"`
}

// MetricsConfig configures the Prometheus endpoint served by `taskclaw serve`.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" envconfig:"ENABLED"`
	Addr    string `json:"addr" envconfig:"ADDR"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Paths: PathsConfig{
			Home:     "~/.taskclaw",
			DBPath:   "~/.taskclaw/taskclaw.db",
			BlobDir:  "~/.taskclaw/blobs",
			LockFile: "~/.taskclaw/scheduler.lock",
			VaultDir: "~/.taskclaw/vault",
			DBDriver: "sqlite",
		},
		Scheduler: SchedulerConfig{
			Enabled:           true,
			TickInterval:      5 * time.Minute,
			StaleAfter:        30 * time.Minute,
			MaxConcurrentRuns: 4,
			ThoughtRetention:  200,
			ThoughtPruneCron:  "0 * * * *",
		},
		Pipeline: PipelineConfig{
			ContextItems:         10,
			KnowledgeSeeds:       3,
			KnowledgeMaxNodes:    8,
			PromptTokenBudget:    6000,
			OutcomeBlobThreshold: 4096,
			SummaryChars:         280,
			MaxRetries:           2,
			ModelTimeout:         2 * time.Minute,
			MaxTokens:            4096,
			Temperature:          0.7,
			MaxAutoTier:          1,
		},
		Providers: ProvidersConfig{
			Default:        "openai",
			Model:          "gpt-4o-mini",
			EmbeddingModel: "text-embedding-3-small",
			CacheSize:      32,
		},
		Sanitizer: SanitizerConfig{
			Enabled:       true,
			RedactSecrets: true,
		},
		A2A: A2AConfig{
			Topic:         "taskclaw.a2a",
			ConsumerGroup: "taskclaw-a2a",
		},
		Email: EmailConfig{
			From:      "taskclaw@localhost",
			OutboxDir: "~/.taskclaw/outbox",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9464",
		},
	}
}
