// Package storage holds uploaded images and extracted text behind a small blob interface.
package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/common"
)

// ErrNotExist is returned when a key has no blob.
var ErrNotExist = errors.New("blob does not exist")

// Store is the blob interface the pipeline and services depend on.
type Store interface {
	Save(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// LocalPather is implemented by stores whose blobs are plain files.
type LocalPather interface {
	LocalPath(key string) (string, error)
}

const textContentType = "text/plain; charset=utf-8"

// ImageKey is the blob key for an uploaded image.
func ImageKey(imageID uuid.UUID, fileName string) string {
	return path.Join("images", imageID.String()+"_"+SanitizeName(fileName))
}

// TextKey is the blob key for the text produced by one job.
func TextKey(imageID, jobID uuid.UUID) string {
	return path.Join("text", imageID.String(), jobID.String()+".txt")
}

// PlaceholderKey is where a missing text blob is recreated on download.
func PlaceholderKey(imageID, textFileID uuid.UUID) string {
	return path.Join("text", imageID.String(), textFileID.String()+"_placeholder.txt")
}

// TextFileName is the user-facing name of an extraction result.
func TextFileName(imageID uuid.UUID) string {
	return imageID.String() + ".txt"
}

// SanitizeName keeps the base name and drops characters unsafe in keys.
func SanitizeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20, r == '/', r == ':', r == '*', r == '?', r == '"', r == '<', r == '>', r == '|':
			return '_'
		}
		return r
	}, name)
	if name == "." || name == ".." || name == "" {
		return "upload"
	}
	return name
}

// WriteText stores text under key.
func WriteText(ctx context.Context, s Store, key, text string) error {
	return s.Save(ctx, key, strings.NewReader(text), int64(len(text)), textContentType)
}

// ReadAll returns the full blob.
func ReadAll(ctx context.Context, s Store, key string) ([]byte, error) {
	rc, err := s.Open(ctx, key)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, rc); err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return buf.Bytes(), nil
}

// Materialize returns a filesystem path for key. Local blobs are used in place;
// others are copied to a temp file that cleanup removes.
func Materialize(ctx context.Context, s Store, key, tempDir string) (string, func(), error) {
	if lp, ok := s.(LocalPather); ok {
		p, err := lp.LocalPath(key)
		if err != nil {
			return "", func() {}, err
		}
		if _, err := os.Stat(p); err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return "", func() {}, fmt.Errorf("%s: %w", key, ErrNotExist)
			}
			return "", func() {}, err
		}
		return p, func() {}, nil
	}

	rc, err := s.Open(ctx, key)
	if err != nil {
		return "", func() {}, err
	}
	defer rc.Close()

	f, err := os.CreateTemp(tempDir, "ocrpipe-src-*"+path.Ext(key))
	if err != nil {
		return "", func() {}, err
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := io.Copy(f, rc); err != nil {
		_ = f.Close()
		cleanup()
		return "", func() {}, fmt.Errorf("copy blob %s: %w", key, err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", func() {}, err
	}
	return f.Name(), cleanup, nil
}

// New builds the configured backend.
func New(ctx context.Context, cfg common.StorageConfig, logger *slog.Logger) (Store, error) {
	switch cfg.Backend {
	case "", "local":
		return NewLocalStore(cfg.LocalRoot, logger)
	case "minio":
		s, err := NewMinioStore(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := s.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.Backend)
	}
}
