package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/kelseyhightower/envconfig"
)

const (
	// ConfigDir is the default config directory name.
	ConfigDir = ".taskclaw"
	// ConfigFile is the default config file name.
	ConfigFile = "config.json"
	// EnvPrefix prefixes every environment override.
	EnvPrefix = "TASKCLAW"
)

// ConfigPath returns the path to the config file.
func ConfigPath() (string, error) {
	if explicit := strings.TrimSpace(os.Getenv("TASKCLAW_CONFIG")); explicit != "" {
		return ExpandHome(explicit), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ConfigDir, ConfigFile), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(p string) string {
	if !strings.HasPrefix(p, "~") {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, p[1:])
}

// Load loads the configuration from file and environment variables.
// Priority: environment > file > defaults.
func Load() (*Config, error) {
	LoadEnvFileCandidates()

	path, err := ConfigPath()
	if err != nil {
		return finish(DefaultConfig())
	}
	return LoadFile(path)
}

// LoadFile loads path over the defaults and applies the environment overlay.
// A missing file is not an error.
func LoadFile(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		data = substituteEnv(data)
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	case !os.IsNotExist(err):
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	// Fallback for API keys set the conventional way.
	if cfg.Providers.OpenAI.APIKey == "" {
		cfg.Providers.OpenAI.APIKey = os.Getenv("OPENAI_API_KEY")
	}
	if cfg.Providers.OpenRouter.APIKey == "" {
		cfg.Providers.OpenRouter.APIKey = os.Getenv("OPENROUTER_API_KEY")
	}
	if cfg.Providers.Anthropic.APIKey == "" {
		cfg.Providers.Anthropic.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}

	for _, p := range []*string{
		&cfg.Paths.Home, &cfg.Paths.DBPath, &cfg.Paths.BlobDir,
		&cfg.Paths.LockFile, &cfg.Paths.VaultDir, &cfg.Email.OutboxDir,
	} {
		*p = ExpandHome(*p)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays every section from TASKCLAW_<SECTION>_* variables.
func applyEnv(cfg *Config) error {
	sections := []struct {
		prefix string
		spec   any
	}{
		{"PATHS", &cfg.Paths},
		{"SCHEDULER", &cfg.Scheduler},
		{"PIPELINE", &cfg.Pipeline},
		{"PROVIDER", &cfg.Providers},
		{"OPENAI", &cfg.Providers.OpenAI},
		{"ANTHROPIC", &cfg.Providers.Anthropic},
		{"OPENROUTER", &cfg.Providers.OpenRouter},
		{"DEEPSEEK", &cfg.Providers.DeepSeek},
		{"GROQ", &cfg.Providers.Groq},
		{"XAI", &cfg.Providers.XAI},
		{"VLLM", &cfg.Providers.VLLM},
		{"FINOPS", &cfg.FinOps},
		{"SANITIZER", &cfg.Sanitizer},
		{"SECURITY", &cfg.Security},
		{"A2A", &cfg.A2A},
		{"KNOWLEDGE", &cfg.Knowledge},
		{"FEED", &cfg.Feed},
		{"EMAIL", &cfg.Email},
		{"METRICS", &cfg.Metrics},
	}
	for _, s := range sections {
		if err := envconfig.Process(EnvPrefix+"_"+s.prefix, s.spec); err != nil {
			return fmt.Errorf("env %s_%s: %w", EnvPrefix, s.prefix, err)
		}
	}
	return nil
}

// Validate rejects values the runtime cannot work with.
func (c *Config) Validate() error {
	if c.Scheduler.TickInterval <= 0 {
		return fmt.Errorf("scheduler.tickInterval must be positive")
	}
	if c.Scheduler.StaleAfter <= 0 {
		return fmt.Errorf("scheduler.staleAfter must be positive")
	}
	if c.Scheduler.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("scheduler.maxConcurrentRuns must be positive")
	}
	if c.Pipeline.ModelTimeout <= 0 {
		return fmt.Errorf("pipeline.modelTimeout must be positive")
	}
	if c.Pipeline.MaxRetries < 0 {
		return fmt.Errorf("pipeline.maxRetries must not be negative")
	}
	switch c.Paths.DBDriver {
	case "sqlite", "sqlite3":
	default:
		return fmt.Errorf("paths.dbDriver %q: want sqlite or sqlite3", c.Paths.DBDriver)
	}
	return nil
}

// Save writes the configuration to the config file.
func Save(cfg *Config) error {
	path, err := ConfigPath()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// EnsureDir ensures a directory exists with proper permissions.
func EnsureDir(path string) error {
	return os.MkdirAll(path, 0o755)
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// substituteEnv replaces ${VAR} references with set environment values.
// Unset variables are left untouched.
func substituteEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envPattern.FindSubmatch(match)[1]
		if v, ok := os.LookupEnv(string(name)); ok {
			b, _ := json.Marshal(v)
			return b[1 : len(b)-1]
		}
		return match
	})
}
