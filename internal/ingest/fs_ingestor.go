package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joseph-ayodele/ocrpipe/internal/services/images"
)

// FSIngestor uploads files from the local filesystem without an owner.
type FSIngestor struct {
	uploader     Uploader
	logger       *slog.Logger
	removeSource bool
}

type Option func(*FSIngestor)

// WithRemoveSource deletes each source file once it has been stored and queued.
func WithRemoveSource(on bool) Option {
	return func(i *FSIngestor) { i.removeSource = on }
}

func NewFSIngestor(uploader Uploader, logger *slog.Logger, opts ...Option) *FSIngestor {
	if logger == nil {
		logger = slog.Default()
	}
	i := &FSIngestor{uploader: uploader, logger: logger}
	for _, o := range opts {
		o(i)
	}
	return i
}

// IngestPath uploads a single file.
func (i *FSIngestor) IngestPath(ctx context.Context, path string) (Result, error) {
	out := Result{SourcePath: path}

	abs, err := filepath.Abs(path)
	if err != nil {
		return out, err
	}
	if !AllowedExt(filepath.Ext(abs)) {
		i.logger.Debug("ingest skipped: extension", "path", abs)
		return out, fmt.Errorf("unsupported or missing extension: %s", filepath.Ext(abs))
	}

	f, err := os.Open(abs)
	if err != nil {
		i.logger.Error("ingest open failed", "path", abs, "error", err)
		return out, err
	}
	defer func() {
		if err := f.Close(); err != nil {
			i.logger.Warn("close file error", "path", abs, "error", err)
		}
	}()

	res, err := i.uploader.Upload(ctx, images.UploadRequest{FileName: filepath.Base(abs), Body: f})
	if err != nil {
		i.logger.Warn("ingest upload failed", "path", abs, "error", err)
		return out, err
	}
	out.ImageID = res.ID

	if i.removeSource {
		if err := os.Remove(abs); err != nil && !errors.Is(err, fs.ErrNotExist) {
			i.logger.Warn("ingest source not removed", "path", abs, "error", err)
		}
	}
	i.logger.Info("file ingested", "path", abs, "image_id", res.ID)
	return out, nil
}

// IngestDirectory walks root, skips hidden entries if requested,
// and calls IngestPath for each image file. Returns per-file results + aggregate stats.
func (i *FSIngestor) IngestDirectory(ctx context.Context, root string, skipHidden bool) ([]Result, DirStats, error) {
	if strings.TrimSpace(root) == "" {
		return nil, DirStats{}, errors.New("root path is required")
	}

	var results []Result
	var stats DirStats

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		stats.Scanned++
		if walkErr != nil {
			results = append(results, Result{SourcePath: path, Err: walkErr.Error()})
			stats.Failed++
			return nil
		}
		if skipHidden && path != root && IsHidden(path) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !AllowedExt(filepath.Ext(path)) {
			return nil
		}
		stats.Matched++

		r, err := i.IngestPath(ctx, path)
		if err != nil {
			results = append(results, Result{SourcePath: path, Err: err.Error()})
			stats.Failed++
			return nil
		}
		results = append(results, r)
		stats.Succeeded++
		return nil
	})
	if err != nil {
		return results, stats, fmt.Errorf("walk: %w", err)
	}
	return results, stats, nil
}
