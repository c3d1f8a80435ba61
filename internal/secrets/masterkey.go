package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/zalando/go-keyring"
)

const (
	keyringService = "taskclaw.vault"
	keyringUser    = "master-key"
	keyFileName    = "master.key"
	// MasterKeyEnv overrides every other master key source.
	MasterKeyEnv = "TASKCLAW_MASTER_KEY"
)

// KeyOptions say where the master key may come from.
type KeyOptions struct {
	// Dir holds the fallback key file.
	Dir string
	// Backend is "auto" (keyring, then file), "keyring" or "file".
	Backend string
}

// LoadOrCreateMasterKey returns the 32-byte AES master key, creating one if
// necessary. Priority: TASKCLAW_MASTER_KEY env, then the OS keyring, then
// <Dir>/master.key.
func LoadOrCreateMasterKey(opts KeyOptions) ([]byte, error) {
	if envKey := strings.TrimSpace(os.Getenv(MasterKeyEnv)); envKey != "" {
		key, err := DecodeMasterKey(envKey)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", MasterKeyEnv, err)
		}
		return key, nil
	}

	switch strings.ToLower(strings.TrimSpace(opts.Backend)) {
	case "keyring":
		return keyringKey()
	case "file":
		return fileKey(opts.Dir)
	default:
		key, err := keyringKey()
		if err == nil {
			return key, nil
		}
		slog.Debug("Keyring unavailable, using key file", "error", err)
		return fileKey(opts.Dir)
	}
}

func keyringKey() ([]byte, error) {
	val, err := keyring.Get(keyringService, keyringUser)
	if err == nil {
		return DecodeMasterKey(val)
	}
	if !errors.Is(err, keyring.ErrNotFound) {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := keyring.Set(keyringService, keyringUser, EncodeMasterKey(key)); err != nil {
		return nil, fmt.Errorf("keyring: %w", err)
	}
	return key, nil
}

func fileKey(dir string) ([]byte, error) {
	if dir == "" {
		return nil, fmt.Errorf("no key directory configured")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, err
	}
	keyPath := filepath.Join(dir, keyFileName)
	if data, err := os.ReadFile(keyPath); err == nil {
		return DecodeMasterKey(string(data))
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(keyPath, []byte(EncodeMasterKey(key)+"\n"), 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
