package provider

import (
	"encoding/hex"
	"fmt"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/zeebo/blake3"
)

// providerAliases maps common aliases to canonical provider IDs.
var providerAliases = map[string]string{
	"anthropic": "claude",
	"grok":      "xai",
	"local":     "vllm",
}

// defaultBases are the OpenAI-compatible endpoints of the known providers.
var defaultBases = map[string]string{
	"openai":     "https://api.openai.com/v1",
	"claude":     "https://api.anthropic.com/v1",
	"openrouter": "https://openrouter.ai/api/v1",
	"deepseek":   "https://api.deepseek.com/v1",
	"groq":       "https://api.groq.com/openai/v1",
	"xai":        "https://api.x.ai/v1",
}

// NormalizeProviderID resolves aliases and normalizes the provider ID.
func NormalizeProviderID(id string) string {
	lower := strings.ToLower(strings.TrimSpace(id))
	if canonical, ok := providerAliases[lower]; ok {
		return canonical
	}
	return lower
}

// ParseModelString splits a "provider/model" string into provider ID and model name.
// For OpenRouter, the format is "openrouter/vendor/model" (three segments).
func ParseModelString(s string) (providerID, modelName string) {
	s = strings.TrimSpace(s)
	parts := strings.SplitN(s, "/", 2)
	if len(parts) < 2 {
		return "", s
	}
	return strings.ToLower(parts[0]), parts[1]
}

// ProviderError is returned when a provider cannot be constructed.
type ProviderError struct {
	Provider string
	Hint     string
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %q: %s", e.Provider, e.Hint)
}

// Factory builds provider clients and caches them, keyed by provider, base
// URL and a hash of the API key, so rotated keys get a fresh client.
type Factory struct {
	bases map[string]string
	cache *lru.Cache[string, LLMProvider]
	// build is swapped in tests.
	build func(id, key, base, model string) LLMProvider
}

// NewFactory creates a factory. bases overrides the default endpoint per
// canonical provider ID; size bounds the client cache.
func NewFactory(size int, bases map[string]string) (*Factory, error) {
	if size <= 0 {
		size = 32
	}
	cache, err := lru.New[string, LLMProvider](size)
	if err != nil {
		return nil, fmt.Errorf("provider cache: %w", err)
	}
	merged := make(map[string]string, len(defaultBases)+len(bases))
	for k, v := range defaultBases {
		merged[k] = v
	}
	for k, v := range bases {
		if v != "" {
			merged[NormalizeProviderID(k)] = v
		}
	}
	return &Factory{bases: merged, cache: cache, build: buildOpenAICompatible}, nil
}

// Get returns a client for providerID authenticated with apiKey.
func (f *Factory) Get(providerID, apiKey, defaultModel string) (LLMProvider, error) {
	id := NormalizeProviderID(providerID)
	if id == "" {
		id = "openai"
	}
	base, ok := f.bases[id]
	if !ok {
		return nil, &ProviderError{Provider: id, Hint: "unknown provider; set an apiBase for it in config"}
	}
	if apiKey == "" && id != "vllm" {
		return nil, &ProviderError{Provider: id, Hint: "no API key resolved"}
	}

	key := cacheKey(id, base, apiKey, defaultModel)
	if p, ok := f.cache.Get(key); ok {
		return p, nil
	}
	p := f.build(id, apiKey, base, defaultModel)
	f.cache.Add(key, p)
	return p, nil
}

// Len reports the number of cached clients.
func (f *Factory) Len() int { return f.cache.Len() }

func buildOpenAICompatible(id, key, base, model string) LLMProvider {
	p := NewOpenAIProvider(key, base, model)
	p.id = id
	return p
}

func cacheKey(id, base, apiKey, model string) string {
	sum := blake3.Sum256([]byte(apiKey))
	return id + "|" + base + "|" + model + "|" + hex.EncodeToString(sum[:8])
}
