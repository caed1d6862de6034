// Package ocr wraps the external tesseract executable.
package ocr

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joseph-ayodele/ocrpipe/internal/common"
)

type Config struct {
	Binary      string // binary name or absolute path; if empty -> "tesseract"
	Language    string // default "eng"
	TessdataDir string // exported as TESSDATA_PREFIX when set
	TempDir     string // parent for per-call scratch dirs; empty -> os.TempDir()
}

// ConfigFrom maps the application OCR section.
func ConfigFrom(c common.OCRConfig) Config {
	return Config{
		Binary:      c.Binary,
		Language:    c.Language,
		TessdataDir: c.TessdataDir,
		TempDir:     c.TempDir,
	}
}

// Engine runs one tesseract process per call. It holds no per-call state and is safe for concurrent use.
type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger
}

type Option func(*Engine)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(e *Engine) {
		if r != nil {
			e.runner = r
		}
	}
}

func NewEngine(cfg Config, logger *slog.Logger, opts ...Option) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Binary == "" {
		cfg.Binary = "tesseract"
	}
	if cfg.Language == "" {
		cfg.Language = "eng"
	}
	e := &Engine{cfg: cfg, runner: NewExecRunner(logger), logger: logger}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Extract returns the raw text tesseract wrote for imagePath. Empty text is not an error.
func (e *Engine) Extract(ctx context.Context, imagePath string) (string, error) {
	start := time.Now()
	if _, err := os.Stat(imagePath); err != nil {
		e.logger.Warn("ocr input missing", "path", imagePath, "error", err)
		return "", &EngineError{Op: "input", Path: imagePath, ExitCode: -1, Err: err}
	}

	tmpDir, err := os.MkdirTemp(e.cfg.TempDir, "ocrpipe-*")
	if err != nil {
		return "", &EngineError{Op: "run", Path: imagePath, ExitCode: -1, Err: err}
	}
	defer func() {
		if err := os.RemoveAll(tmpDir); err != nil {
			e.logger.Warn("ocr temp cleanup failed", "dir", tmpDir, "error", err)
		}
	}()

	// tesseract <input> <outbase> -l <lang>  writes <outbase>.txt
	outBase := filepath.Join(tmpDir, "out")
	_, stderr, err := e.runner.Run(ctx, e.cfg.Binary, e.env(), imagePath, outBase, "-l", e.cfg.Language)
	if err != nil {
		return "", &EngineError{
			Op:       "run",
			Path:     imagePath,
			ExitCode: exitCode(err),
			Stderr:   truncate(strings.TrimSpace(string(stderr)), 2<<10),
			Err:      err,
		}
	}

	data, err := os.ReadFile(outBase + ".txt")
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			err = ErrNoOutput
		}
		return "", &EngineError{Op: "read", Path: imagePath, ExitCode: -1, Stderr: truncate(string(stderr), 2<<10), Err: err}
	}

	e.logger.Debug("ocr.extract.ok",
		"path", imagePath,
		"lang", e.cfg.Language,
		"chars", len(data),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return string(data), nil
}

// ExtractToFile runs Extract and also writes the text to outputPath.
func (e *Engine) ExtractToFile(ctx context.Context, imagePath, outputPath string) (string, error) {
	text, err := e.Extract(ctx, imagePath)
	if err != nil {
		return "", err
	}
	if dir := filepath.Dir(outputPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", &EngineError{Op: "write", Path: outputPath, ExitCode: -1, Err: err}
		}
	}
	if err := os.WriteFile(outputPath, []byte(text), 0o644); err != nil {
		return "", &EngineError{Op: "write", Path: outputPath, ExitCode: -1, Err: err}
	}
	return text, nil
}

func (e *Engine) env() []string {
	if e.cfg.TessdataDir == "" {
		return nil
	}
	return append(os.Environ(), "TESSDATA_PREFIX="+e.cfg.TessdataDir)
}
