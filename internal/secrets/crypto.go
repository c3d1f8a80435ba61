// Package secrets provides the encrypted credential vault and the AES-256-GCM
// primitives behind it. The master key lives in the OS keyring when one is
// available and in a 0600 key file otherwise.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrDecrypt is returned when a sealed blob cannot be opened with the key.
var ErrDecrypt = errors.New("decrypt blob")

type encryptedBlob struct {
	Version    string `json:"version"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// GenerateKey returns a fresh random 32-byte key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		return nil, err
	}
	return key, nil
}

// EncodeMasterKey base64-encodes a key for storage.
func EncodeMasterKey(key []byte) string {
	return base64.RawStdEncoding.EncodeToString(key)
}

// DecodeMasterKey base64-decodes a master key and validates its length (32 bytes).
func DecodeMasterKey(raw string) ([]byte, error) {
	decoded, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(raw))
	if err != nil {
		return nil, err
	}
	if len(decoded) != 32 {
		return nil, fmt.Errorf("invalid master key length: %d", len(decoded))
	}
	return decoded, nil
}

// EncryptBlobWithKey seals plain with the 32-byte key. aad binds the blob to
// its purpose and must be passed again to decrypt.
func EncryptBlobWithKey(plain, key, aad []byte) ([]byte, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	out := encryptedBlob{
		Version:    "v1",
		Nonce:      base64.RawStdEncoding.EncodeToString(nonce),
		Ciphertext: base64.RawStdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, aad)),
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// DecryptBlobWithKey opens a blob sealed by EncryptBlobWithKey.
func DecryptBlobWithKey(data, key, aad []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty blob", ErrDecrypt)
	}
	var wrapped encryptedBlob
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	if wrapped.Version != "v1" {
		return nil, fmt.Errorf("%w: unsupported version %q", ErrDecrypt, wrapped.Version)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Nonce))
	if err != nil {
		return nil, fmt.Errorf("%w: nonce: %v", ErrDecrypt, err)
	}
	ciphertext, err := base64.RawStdEncoding.DecodeString(strings.TrimSpace(wrapped.Ciphertext))
	if err != nil {
		return nil, fmt.Errorf("%w: ciphertext: %v", ErrDecrypt, err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, fmt.Errorf("%w: bad nonce size", ErrDecrypt)
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, aad)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecrypt, err)
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
