package storage

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"testing"

	"github.com/google/uuid"
)

func newLocal(t *testing.T) *LocalStore {
	t.Helper()
	s, err := NewLocalStore(t.TempDir(), slog.New(slog.NewTextHandler(io.Discard, nil)))
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}
	return s
}

func TestLocalStore_RoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	key := TextKey(uuid.New(), uuid.New())

	if err := WriteText(ctx, s, key, "Hello World"); err != nil {
		t.Fatalf("WriteText error: %v", err)
	}
	ok, err := s.Exists(ctx, key)
	if err != nil || !ok {
		t.Fatalf("Exists = %v, %v; want true", ok, err)
	}
	data, err := ReadAll(ctx, s, key)
	if err != nil {
		t.Fatalf("ReadAll error: %v", err)
	}
	if string(data) != "Hello World" {
		t.Errorf("content = %q", data)
	}

	if err := s.Delete(ctx, key); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if ok, _ := s.Exists(ctx, key); ok {
		t.Error("expected blob to be gone")
	}
	if err := s.Delete(ctx, key); err != nil {
		t.Errorf("deleting a missing blob should succeed, got %v", err)
	}
}

func TestLocalStore_OpenMissing(t *testing.T) {
	s := newLocal(t)
	_, err := s.Open(context.Background(), "text/none.txt")
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	s := newLocal(t)
	for _, key := range []string{"../outside.txt", "/etc/passwd", "a/../../b"} {
		if err := s.Save(context.Background(), key, strings.NewReader("x"), 1, ""); err == nil {
			t.Errorf("Save(%q) should fail", key)
		}
	}
}

func TestMaterialize_LocalUsesFileInPlace(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()
	key := ImageKey(uuid.New(), "scan.png")
	if err := s.Save(ctx, key, bytes.NewReader([]byte("png")), 3, "image/png"); err != nil {
		t.Fatalf("Save error: %v", err)
	}
	p, cleanup, err := Materialize(ctx, s, key, t.TempDir())
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	cleanup()
	want, _ := s.LocalPath(key)
	if p != want {
		t.Errorf("path = %q, want %q", p, want)
	}
	if _, err := os.Stat(p); err != nil {
		t.Errorf("cleanup must not remove local blobs: %v", err)
	}
}

func TestMaterialize_MissingLocalBlob(t *testing.T) {
	s := newLocal(t)
	_, _, err := Materialize(context.Background(), s, "images/missing.png", t.TempDir())
	if !errors.Is(err, ErrNotExist) {
		t.Fatalf("expected ErrNotExist, got %v", err)
	}
}

// memStore exercises the copy-to-temp path of Materialize.
type memStore struct{ blobs map[string][]byte }

func (m *memStore) Save(_ context.Context, key string, r io.Reader, _ int64, _ string) error {
	b, err := io.ReadAll(r)
	m.blobs[key] = b
	return err
}

func (m *memStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	b, ok := m.blobs[key]
	if !ok {
		return nil, ErrNotExist
	}
	return io.NopCloser(bytes.NewReader(b)), nil
}

func (m *memStore) Exists(_ context.Context, key string) (bool, error) {
	_, ok := m.blobs[key]
	return ok, nil
}

func (m *memStore) Delete(_ context.Context, key string) error {
	delete(m.blobs, key)
	return nil
}

func TestMaterialize_RemoteCopiesToTemp(t *testing.T) {
	m := &memStore{blobs: map[string][]byte{"images/a.png": []byte("pixels")}}
	dir := t.TempDir()
	p, cleanup, err := Materialize(context.Background(), m, "images/a.png", dir)
	if err != nil {
		t.Fatalf("Materialize error: %v", err)
	}
	data, err := os.ReadFile(p)
	if err != nil || string(data) != "pixels" {
		t.Fatalf("temp copy = %q, %v", data, err)
	}
	if !strings.HasSuffix(p, ".png") {
		t.Errorf("expected extension to be kept, got %s", p)
	}
	cleanup()
	if _, err := os.Stat(p); !os.IsNotExist(err) {
		t.Errorf("expected temp copy removed, stat err = %v", err)
	}
}

func TestSanitizeName(t *testing.T) {
	cases := map[string]string{
		"scan.png":              "scan.png",
		"../../etc/passwd":      "passwd",
		`C:\Users\me\photo.jpg`: "photo.jpg",
		"a:b*c?.png":            "a_b_c_.png",
		"":                      "upload",
		"..":                    "upload",
	}
	for in, want := range cases {
		if got := SanitizeName(in); got != want {
			t.Errorf("SanitizeName(%q) = %q, want %q", in, got, want)
		}
	}
}
