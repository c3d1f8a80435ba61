package credentials

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/KafClaw/taskclaw/internal/secrets"
)

// ErrNoCredential is returned when no store holds a key for the request.
var ErrNoCredential = errors.New("no credential")

// Request names whose key is wanted.
type Request struct {
	AgentID  string
	OwnerID  string
	Provider string
}

// Resolver returns the API key for a request.
type Resolver interface {
	Resolve(ctx context.Context, req Request) (Secret, error)
}

// Store is one credential source. Names follow the scheme produced by
// AgentKey, OwnerKey and ProviderKey.
type Store interface {
	Lookup(name string) (string, bool, error)
}

// AgentKey is the store name of an agent-scoped key.
func AgentKey(agentID, provider string) string {
	return "agent:" + agentID + ":" + strings.ToLower(provider)
}

// OwnerKey is the store name of an owner-scoped key.
func OwnerKey(ownerID, provider string) string {
	return "owner:" + ownerID + ":" + strings.ToLower(provider)
}

// ProviderKey is the store name of the shared provider key.
func ProviderKey(provider string) string {
	return "provider:" + strings.ToLower(provider)
}

// ChainResolver tries each scope in order and, within a scope, each store.
type ChainResolver struct {
	Stores []Store
}

// NewChainResolver builds a resolver over stores, earliest wins.
func NewChainResolver(stores ...Store) *ChainResolver {
	return &ChainResolver{Stores: stores}
}

// Resolve implements Resolver.
func (r *ChainResolver) Resolve(ctx context.Context, req Request) (Secret, error) {
	if req.Provider == "" {
		return Secret{}, fmt.Errorf("resolve credential: provider required")
	}
	var names []string
	if req.AgentID != "" {
		names = append(names, AgentKey(req.AgentID, req.Provider))
	}
	if req.OwnerID != "" {
		names = append(names, OwnerKey(req.OwnerID, req.Provider))
	}
	names = append(names, ProviderKey(req.Provider))

	for _, name := range names {
		for _, s := range r.Stores {
			if err := ctx.Err(); err != nil {
				return Secret{}, err
			}
			v, ok, err := s.Lookup(name)
			if err != nil {
				return Secret{}, fmt.Errorf("resolve credential %s: %w", name, err)
			}
			if ok && strings.TrimSpace(v) != "" {
				return NewSecret(strings.TrimSpace(v)), nil
			}
		}
	}
	return Secret{}, fmt.Errorf("%w for provider %s", ErrNoCredential, req.Provider)
}

// VaultStore reads from the encrypted vault.
type VaultStore struct {
	Vault *secrets.Vault
}

// Lookup implements Store.
func (s VaultStore) Lookup(name string) (string, bool, error) {
	if s.Vault == nil {
		return "", false, nil
	}
	return s.Vault.Get(name)
}

// EnvStore maps names to environment variables:
//
//	provider:openai      → TASKCLAW_OPENAI_API_KEY
//	owner:alice:openai   → TASKCLAW_OWNER_ALICE_OPENAI_API_KEY
//	agent:a1:openai      → TASKCLAW_AGENT_A1_OPENAI_API_KEY
type EnvStore struct {
	Prefix string
	// Lookup defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Lookup implements Store.
func (s EnvStore) Lookup(name string) (string, bool, error) {
	lookup := s.LookupEnv
	if lookup == nil {
		lookup = os.LookupEnv
	}
	prefix := s.Prefix
	if prefix == "" {
		prefix = "TASKCLAW"
	}
	v, ok := lookup(EnvName(prefix, name))
	return v, ok, nil
}

// EnvName converts a store name into its environment variable.
func EnvName(prefix, name string) string {
	parts := strings.Split(name, ":")
	if len(parts) > 0 && parts[0] == "provider" {
		parts = parts[1:]
	}
	for i, p := range parts {
		p = strings.ToUpper(p)
		parts[i] = strings.Map(func(r rune) rune {
			if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
				return r
			}
			return '_'
		}, p)
	}
	return prefix + "_" + strings.Join(parts, "_") + "_API_KEY"
}

// StaticStore serves provider keys from configuration.
type StaticStore map[string]string

// Lookup implements Store. Only provider-scoped names are served.
func (s StaticStore) Lookup(name string) (string, bool, error) {
	provider, ok := strings.CutPrefix(name, "provider:")
	if !ok {
		return "", false, nil
	}
	v, ok := s[provider]
	return v, ok, nil
}
