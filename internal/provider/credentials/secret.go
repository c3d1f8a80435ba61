// Package credentials resolves provider API keys for an agent run.
// Lookups go agent key, then owner key, then provider key, across the
// configured stores (encrypted vault, environment, static config).
package credentials

import "log/slog"

const redacted = "[REDACTED]"

// Secret is a credential value that never prints itself.
type Secret struct {
	value string
}

// NewSecret wraps v.
func NewSecret(v string) Secret { return Secret{value: v} }

// Reveal returns the raw value. Call it only at the point of use.
func (s Secret) Reveal() string { return s.value }

// Empty reports whether no value is set.
func (s Secret) Empty() bool { return s.value == "" }

func (s Secret) String() string { return redacted }

// GoString keeps %#v from leaking the value.
func (s Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer.
func (s Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps encoders from leaking the value.
func (s Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }
