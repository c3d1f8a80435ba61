package credentials

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"testing"

	"github.com/KafClaw/taskclaw/internal/secrets"
)

func TestSecretNeverPrints(t *testing.T) {
	s := NewSecret("sk-live-123")
	for _, out := range []string{s.String(), fmt.Sprintf("%v %s %#v", s, s, s)} {
		if strings.Contains(out, "sk-live") {
			t.Errorf("secret leaked: %s", out)
		}
	}
	var buf bytes.Buffer
	slog.New(slog.NewTextHandler(&buf, nil)).Info("resolved", "key", s)
	if strings.Contains(buf.String(), "sk-live") || !strings.Contains(buf.String(), redacted) {
		t.Errorf("secret leaked into log: %s", buf.String())
	}
	if s.Reveal() != "sk-live-123" {
		t.Error("Reveal must return the raw value")
	}
}

func TestChainResolverOrder(t *testing.T) {
	env := map[string]string{
		"TASKCLAW_OPENAI_API_KEY":             "provider-key",
		"TASKCLAW_OWNER_ALICE_OPENAI_API_KEY": "owner-key",
	}
	envStore := EnvStore{LookupEnv: func(k string) (string, bool) { v, ok := env[k]; return v, ok }}

	v, err := secrets.OpenVault(t.TempDir(), mustKey(t))
	if err != nil {
		t.Fatal(err)
	}
	_ = v.Set(AgentKey("a1", "openai"), "agent-key")

	r := NewChainResolver(VaultStore{Vault: v}, envStore, StaticStore{"openai": "config-key"})
	ctx := context.Background()

	tests := []struct {
		req  Request
		want string
	}{
		{Request{AgentID: "a1", OwnerID: "alice", Provider: "openai"}, "agent-key"},
		{Request{AgentID: "a2", OwnerID: "alice", Provider: "OpenAI"}, "owner-key"},
		{Request{AgentID: "a2", OwnerID: "bob", Provider: "openai"}, "provider-key"},
	}
	for _, tt := range tests {
		got, err := r.Resolve(ctx, tt.req)
		if err != nil {
			t.Fatalf("%+v: %v", tt.req, err)
		}
		if got.Reveal() != tt.want {
			t.Errorf("%+v: got %s, want %s", tt.req, got.Reveal(), tt.want)
		}
	}

	delete(env, "TASKCLAW_OPENAI_API_KEY")
	got, _ := r.Resolve(ctx, Request{OwnerID: "bob", Provider: "openai"})
	if got.Reveal() != "config-key" {
		t.Errorf("expected static config fallback, got %s", got.Reveal())
	}

	if _, err := r.Resolve(ctx, Request{Provider: "groq"}); !errors.Is(err, ErrNoCredential) {
		t.Errorf("expected ErrNoCredential, got %v", err)
	}
}

func TestEnvName(t *testing.T) {
	tests := map[string]string{
		"provider:openai":         "TASKCLAW_OPENAI_API_KEY",
		"owner:alice@x.io:openai": "TASKCLAW_OWNER_ALICE_X_IO_OPENAI_API_KEY",
		"agent:a-1:deepseek":      "TASKCLAW_AGENT_A_1_DEEPSEEK_API_KEY",
	}
	for name, want := range tests {
		if got := EnvName("TASKCLAW", name); got != want {
			t.Errorf("EnvName(%q) = %s, want %s", name, got, want)
		}
	}
}

func mustKey(t *testing.T) []byte {
	t.Helper()
	k, err := secrets.GenerateKey()
	if err != nil {
		t.Fatal(err)
	}
	return k
}
