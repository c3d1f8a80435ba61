package secrets

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

const (
	vaultFileName = "vault.json"
	vaultAAD      = "taskclaw-vault-v1"
)

// Vault is an encrypted name→secret map persisted as one sealed file.
type Vault struct {
	path string
	key  []byte

	mu sync.Mutex
}

// OpenVault opens (or lazily creates) the vault under dir.
func OpenVault(dir string, key []byte) (*Vault, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("vault key must be 32 bytes")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create vault dir: %w", err)
	}
	return &Vault{path: filepath.Join(dir, vaultFileName), key: key}, nil
}

// Get returns the secret stored under name.
func (v *Vault) Get(name string) (string, bool, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, err := v.load()
	if err != nil {
		return "", false, err
	}
	val, ok := m[name]
	return val, ok, nil
}

// Set stores value under name.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, err := v.load()
	if err != nil {
		return err
	}
	m[name] = value
	return v.save(m)
}

// Delete removes name. Deleting a missing name is not an error.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, err := v.load()
	if err != nil {
		return err
	}
	if _, ok := m[name]; !ok {
		return nil
	}
	delete(m, name)
	return v.save(m)
}

// Names lists stored names in sorted order.
func (v *Vault) Names() ([]string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	m, err := v.load()
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names, nil
}

func (v *Vault) load() (map[string]string, error) {
	out := map[string]string{}
	data, err := os.ReadFile(v.path)
	if os.IsNotExist(err) {
		return out, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read vault: %w", err)
	}
	plain, err := DecryptBlobWithKey(data, v.key, []byte(vaultAAD))
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	if err := json.Unmarshal(plain, &out); err != nil {
		return nil, fmt.Errorf("parse vault: %w", err)
	}
	return out, nil
}

func (v *Vault) save(m map[string]string) error {
	plain, err := json.Marshal(m)
	if err != nil {
		return err
	}
	sealed, err := EncryptBlobWithKey(plain, v.key, []byte(vaultAAD))
	if err != nil {
		return fmt.Errorf("seal vault: %w", err)
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, sealed, 0o600); err != nil {
		return fmt.Errorf("write vault: %w", err)
	}
	return os.Rename(tmp, v.path)
}
