package async

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"
)

// Handler processes one dequeued request.
type Handler interface {
	Handle(ctx context.Context, req JobRequest) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req JobRequest) error

func (f HandlerFunc) Handle(ctx context.Context, req JobRequest) error { return f(ctx, req) }

// Worker pulls from a Queue and runs each request to completion, one at a time per loop.
type Worker struct {
	queue   *Queue
	handler Handler
	logger  *slog.Logger
	workers int
	timeout time.Duration

	wg   sync.WaitGroup
	once sync.Once
}

type Option func(*Worker)

func WithWorkers(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.workers = n
		}
	}
}

func WithProcessTimeout(d time.Duration) Option {
	return func(w *Worker) {
		if d > 0 {
			w.timeout = d
		}
	}
}

func NewWorker(queue *Queue, handler Handler, logger *slog.Logger, opts ...Option) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	w := &Worker{
		queue:   queue,
		handler: handler,
		logger:  logger,
		workers: 1,
		timeout: 3 * time.Minute,
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run starts the worker loops once. They stop when ctx is cancelled or the queue is closed and drained.
func (w *Worker) Run(ctx context.Context) {
	w.once.Do(func() {
		for i := 0; i < w.workers; i++ {
			w.wg.Add(1)
			go func(workerID int) {
				defer w.wg.Done()
				w.loop(ctx, workerID)
			}(i + 1)
		}
	})
}

func (w *Worker) loop(ctx context.Context, workerID int) {
	w.logger.Info("worker started", "worker_id", workerID)
	defer w.logger.Info("worker stopped", "worker_id", workerID)

	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			if !errors.Is(err, ErrQueueClosed) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
				w.logger.Error("dequeue failed", "worker_id", workerID, "error", err)
			}
			return
		}
		w.execute(ctx, workerID, req)
	}
}

// execute runs one request on a context that survives shutdown but not the per-job timeout.
func (w *Worker) execute(parent context.Context, workerID int, req JobRequest) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(parent), w.timeout)
	defer cancel()

	start := time.Now()
	err := w.safeHandle(ctx, req)
	dur := time.Since(start)

	if err != nil {
		w.logger.Error("processing failed",
			"worker_id", workerID,
			"image_id", req.ImageID,
			"trace_id", req.TraceID,
			"duration_ms", dur.Milliseconds(),
			"error", err,
		)
		return
	}
	w.logger.Info("processed image successfully",
		"worker_id", workerID,
		"image_id", req.ImageID,
		"trace_id", req.TraceID,
		"duration_ms", dur.Milliseconds(),
	)
}

func (w *Worker) safeHandle(ctx context.Context, req JobRequest) (err error) {
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("worker recovered from panic",
				"image_id", req.ImageID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return w.handler.Handle(ctx, req)
}

// Wait blocks until every loop has exited or ctx is done.
func (w *Worker) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() { defer close(done); w.wg.Wait() }()

	select {
	case <-ctx.Done():
		w.logger.Warn("shutdown interrupted by context")
		return ctx.Err()
	case <-done:
		w.logger.Info("workers stopped, shutdown complete")
		return nil
	}
}
