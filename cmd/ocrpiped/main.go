package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core"
	"github.com/joseph-ayodele/ocrpipe/internal/core/ocr"
	"github.com/joseph-ayodele/ocrpipe/internal/core/pipeline"
	"github.com/joseph-ayodele/ocrpipe/internal/core/progress"
	"github.com/joseph-ayodele/ocrpipe/internal/httpapi"
	"github.com/joseph-ayodele/ocrpipe/internal/ingest"
	"github.com/joseph-ayodele/ocrpipe/internal/ratelimit"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/server"
	"github.com/joseph-ayodele/ocrpipe/internal/services/images"
	"github.com/joseph-ayodele/ocrpipe/internal/services/textfiles"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("OCRPIPE_CONFIG"), "path to YAML config file")
	flag.Parse()

	cfg, err := common.LoadConfig(*configPath)
	if err != nil {
		slog.Error("failed to load config", "path", *configPath, "error", err)
		os.Exit(2)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(2)
	}

	logger := common.NewLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)
	if cfg.Auth.Secret == "" {
		logger.Error("auth.secret (TOKEN_SECRET) is required")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("ocrpiped exited with error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *common.Config, logger *slog.Logger) error {
	store, err := repository.Open(ctx, repository.ConfigFrom(cfg.Database), logger)
	if err != nil {
		logger.Error("failed to open database", "driver", cfg.Database.Driver, "error", err)
		return err
	}
	defer store.Close()

	if err := store.HealthCheck(ctx, 5*time.Second); err != nil {
		logger.Error("failed to ping database", "error", err)
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return err
	}
	if n, err := store.Jobs.AbandonActive(ctx, "abandoned by restart"); err != nil {
		logger.Warn("failed to abandon stale jobs", "error", err)
	} else if n > 0 {
		logger.Info("abandoned stale jobs", "count", n)
	}

	blobs, err := storage.New(ctx, cfg.Storage, logger)
	if err != nil {
		logger.Error("failed to open blob storage", "backend", cfg.Storage.Backend, "error", err)
		return err
	}

	limiter, err := ratelimit.New(ctx, cfg.RateLimit, logger)
	if err != nil {
		logger.Error("failed to build rate limiter", "backend", cfg.RateLimit.Backend, "error", err)
		return err
	}
	if c, ok := limiter.(io.Closer); ok {
		defer c.Close()
	}

	engine := ocr.NewEngine(ocr.ConfigFrom(cfg.OCR), logger)
	broadcaster := progress.NewBroadcaster(logger)
	processor := core.NewProcessor(logger, store, blobs, engine, broadcaster,
		core.WithTempDir(cfg.OCR.TempDir),
		core.WithOCRTimeout(cfg.OCR.Timeout),
	)

	pipe := pipeline.New(processor, logger,
		pipeline.WithWorkers(cfg.Queue.Workers),
		pipeline.WithProcessTimeout(cfg.OCR.Timeout),
		pipeline.WithDedup(cfg.Queue.Dedup),
		pipeline.WithBroadcaster(broadcaster),
	)
	pipe.Start(ctx)

	signer := auth.NewSigner([]byte(cfg.Auth.Secret), cfg.Auth.TokenTTL)

	imageSvc := images.NewService(store, blobs, pipe, logger,
		images.WithMaxBytes(cfg.Server.MaxUploadBytes),
		images.WithLimiter(limiter),
	)
	textSvc := textfiles.NewService(store, blobs, limiter, logger)

	api := httpapi.New(httpapi.Deps{
		Images:    imageSvc,
		TextFiles: textSvc,
		Tokens:    signer,
		Health:    store,
	}, logger)

	lis, err := net.Listen("tcp", cfg.Server.GRPCAddr)
	if err != nil {
		logger.Error("failed to listen on address", "addr", cfg.Server.GRPCAddr, "error", err)
		return err
	}
	progressSvc := server.NewProgressService(broadcaster, store, pipe, logger)
	grpcServer, healthServer := server.New(progressSvc, signer, logger)

	errCh := make(chan error, 2)
	go func() {
		logger.Info("grpc listening", "addr", cfg.Server.GRPCAddr)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()
	go func() {
		logger.Info("http listening", "addr", cfg.Server.HTTPAddr)
		if err := api.Start(cfg.Server.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	if cfg.Ingest.Dir != "" {
		ingestor := ingest.NewFSIngestor(imageSvc, logger, ingest.WithRemoveSource(true))
		go func() {
			if cfg.Ingest.InitialScan {
				if _, stats, err := ingestor.IngestDirectory(ctx, cfg.Ingest.Dir, true); err != nil {
					logger.Warn("initial ingest scan failed", "dir", cfg.Ingest.Dir, "error", err)
				} else {
					logger.Info("initial ingest scan done", "dir", cfg.Ingest.Dir, "stats", stats)
				}
			}
			err := ingestor.Watch(ctx, ingest.WatchConfig{
				Roots:      []string{cfg.Ingest.Dir},
				Debounce:   cfg.Ingest.Debounce,
				SkipHidden: true,
			})
			if err != nil {
				logger.Error("hot folder watcher stopped", "dir", cfg.Ingest.Dir, "error", err)
			}
		}()
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-errCh:
		logger.Error("server failed", "error", runErr)
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := api.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	stopped := make(chan struct{})
	go func() {
		grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		grpcServer.Stop()
	}
	if err := pipe.Shutdown(shutdownCtx); err != nil {
		logger.Warn("pipeline shutdown incomplete", "error", err, "pending", pipe.Queue().Len())
	}
	logger.Info("ocrpiped stopped")
	return runErr
}
