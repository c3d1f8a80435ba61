package blob

import (
	"bytes"
	"context"
	"errors"
	"os"
	"strings"
	"testing"
)

func TestPutGetRoundTrip(t *testing.T) {
	s, err := NewFileStore(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	tests := []struct {
		name string
		data []byte
	}{
		{"compressible", []byte(strings.Repeat("quarterly revenue grew ", 500))},
		{"tiny", []byte("x")},
		{"binary", []byte{0, 1, 2, 250, 251, 252, 253, 254, 255}},
		{"empty", []byte{}},
	}
	for _, tt := range tests {
		id, err := s.Put(ctx, tt.data, "text/markdown")
		if err != nil {
			t.Fatalf("%s: Put: %v", tt.name, err)
		}
		b, err := s.Get(ctx, id)
		if err != nil {
			t.Fatalf("%s: Get: %v", tt.name, err)
		}
		if !bytes.Equal(b.Data, tt.data) {
			t.Errorf("%s: content not byte-identical", tt.name)
		}
		if b.ContentType != "text/markdown" {
			t.Errorf("%s: content type %q", tt.name, b.ContentType)
		}
	}
}

func TestPutIsIdempotent(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	a, _ := s.Put(ctx, []byte("same"), "text/plain")
	b, _ := s.Put(ctx, []byte("same"), "text/plain")
	if a != b || a != ID([]byte("same")) {
		t.Errorf("expected content-addressed id, got %s and %s", a, b)
	}
}

func TestCompressionShrinksFile(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewFileStore(dir)
	data := []byte(strings.Repeat("a", 64*1024))
	id, _ := s.Put(context.Background(), data, "")
	info, err := os.Stat(s.path(id))
	if err != nil {
		t.Fatal(err)
	}
	if info.Size() >= int64(len(data)) {
		t.Errorf("expected compressed file, got %d bytes", info.Size())
	}
}

func TestGetErrors(t *testing.T) {
	s, _ := NewFileStore(t.TempDir())
	ctx := context.Background()
	if _, err := s.Get(ctx, "../../etc/passwd"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound for bad id, got %v", err)
	}
	if _, err := s.Get(ctx, ID([]byte("never stored"))); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	id, _ := s.Put(ctx, []byte("original"), "")
	if err := os.WriteFile(s.path(id), []byte(magic+"\x00\x00tampered"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Get(ctx, id); err == nil || !strings.Contains(err.Error(), "hash mismatch") {
		t.Errorf("expected hash mismatch, got %v", err)
	}
}
