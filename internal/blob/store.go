// Package blob stores large run artifacts (long outcomes, generated images
// and audio) content-addressed on the local filesystem. IDs are the BLAKE3
// hash of the content; payloads are zstd-compressed when that saves space.
package blob

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// ErrNotFound is returned for an unknown blob ID.
var ErrNotFound = errors.New("blob not found")

// Store is the artifact store the pipeline writes to.
type Store interface {
	Put(ctx context.Context, data []byte, contentType string) (string, error)
	Get(ctx context.Context, id string) (*Blob, error)
}

// Blob is a stored artifact.
type Blob struct {
	ID          string
	ContentType string
	Data        []byte
}

const (
	magic        = "TCB1"
	flagRaw      = byte(0)
	flagZstd     = byte(1)
	maxTypeBytes = 255
)

// Zstd encoder and decoder are safe for concurrent use and reused.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("blob: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("blob: zstd decoder initialization failed: " + err.Error())
	}
}

// FileStore keeps blobs under dir/<id[:2]>/<id>.
type FileStore struct {
	dir string
}

// NewFileStore creates the store directory if needed.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create blob dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

// ID returns the content address of data.
func ID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data and returns its ID. Storing identical content twice is a
// no-op that returns the same ID.
func (s *FileStore) Put(ctx context.Context, data []byte, contentType string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(contentType) > maxTypeBytes {
		return "", fmt.Errorf("content type too long")
	}
	id := ID(data)
	path := s.path(id)
	if _, err := os.Stat(path); err == nil {
		return id, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("create blob shard: %w", err)
	}

	flag, payload := flagRaw, data
	if compressed := zstdEncoder.EncodeAll(data, nil); len(compressed) < len(data) {
		flag, payload = flagZstd, compressed
	}

	var buf bytes.Buffer
	buf.Grow(len(magic) + 2 + len(contentType) + len(payload))
	buf.WriteString(magic)
	buf.WriteByte(flag)
	buf.WriteByte(byte(len(contentType)))
	buf.WriteString(contentType)
	buf.Write(payload)

	tmp, err := os.CreateTemp(filepath.Dir(path), ".blob-*")
	if err != nil {
		return "", fmt.Errorf("write blob: %w", err)
	}
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("write blob: %w", err)
	}
	return id, nil
}

// Get reads a blob and verifies its content against the ID.
func (s *FileStore) Get(ctx context.Context, id string) (*Blob, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if !validID(id) {
		return nil, fmt.Errorf("blob %q: %w", id, ErrNotFound)
	}
	raw, err := os.ReadFile(s.path(id))
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("blob %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", id, err)
	}
	if len(raw) < len(magic)+2 || string(raw[:len(magic)]) != magic {
		return nil, fmt.Errorf("blob %s: bad header", id)
	}
	flag := raw[len(magic)]
	typeLen := int(raw[len(magic)+1])
	start := len(magic) + 2
	if len(raw) < start+typeLen {
		return nil, fmt.Errorf("blob %s: truncated header", id)
	}
	contentType := string(raw[start : start+typeLen])
	payload := raw[start+typeLen:]

	data := payload
	switch flag {
	case flagRaw:
	case flagZstd:
		data, err = zstdDecoder.DecodeAll(payload, nil)
		if err != nil {
			return nil, fmt.Errorf("blob %s: zstd decompress: %w", id, err)
		}
	default:
		return nil, fmt.Errorf("blob %s: unknown encoding %d", id, flag)
	}
	if ID(data) != id {
		return nil, fmt.Errorf("blob %s: content hash mismatch", id)
	}
	return &Blob{ID: id, ContentType: contentType, Data: data}, nil
}

func (s *FileStore) path(id string) string {
	return filepath.Join(s.dir, id[:2], id)
}

func validID(id string) bool {
	if len(id) != 64 {
		return false
	}
	return strings.Trim(id, "0123456789abcdef") == ""
}
