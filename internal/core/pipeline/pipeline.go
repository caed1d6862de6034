// Package pipeline wires the work queue, the worker loop and the progress broadcaster
// into one object that producers submit to.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/async"
	"github.com/joseph-ayodele/ocrpipe/internal/core/progress"
)

// ErrDuplicateJob is returned by Submit when the image already has a request queued or running.
var ErrDuplicateJob = errors.New("ocr job already pending for image")

// Pipeline owns the queue, the worker and the broadcaster.
type Pipeline struct {
	logger      *slog.Logger
	queue       *async.Queue
	worker      *async.Worker
	broadcaster *progress.Broadcaster
	dedup       bool

	mu     sync.Mutex
	active map[uuid.UUID]int

	runMu  sync.Mutex
	cancel context.CancelFunc
}

type Option func(*options)

type options struct {
	workers     int
	timeout     time.Duration
	dedup       bool
	broadcaster *progress.Broadcaster
}

func WithWorkers(n int) Option { return func(o *options) { o.workers = n } }

func WithProcessTimeout(d time.Duration) Option { return func(o *options) { o.timeout = d } }

// WithDedup toggles duplicate suppression in Submit. On by default.
func WithDedup(on bool) Option { return func(o *options) { o.dedup = on } }

func WithBroadcaster(b *progress.Broadcaster) Option { return func(o *options) { o.broadcaster = b } }

// New builds a pipeline around handler. The handler runs on the worker goroutine(s).
func New(handler async.Handler, logger *slog.Logger, opts ...Option) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	o := options{workers: 1, dedup: true}
	for _, fn := range opts {
		fn(&o)
	}
	if o.broadcaster == nil {
		o.broadcaster = progress.NewBroadcaster(logger)
	}

	p := &Pipeline{
		logger:      logger,
		queue:       async.NewQueue(),
		broadcaster: o.broadcaster,
		dedup:       o.dedup,
		active:      make(map[uuid.UUID]int),
	}
	wrapped := async.HandlerFunc(func(ctx context.Context, req async.JobRequest) error {
		defer p.release(req.ImageID)
		return handler.Handle(ctx, req)
	})
	p.worker = async.NewWorker(p.queue, wrapped, logger,
		async.WithWorkers(o.workers),
		async.WithProcessTimeout(o.timeout),
	)
	return p
}

// Broadcaster returns the progress broadcaster shared with the transport layer.
func (p *Pipeline) Broadcaster() *progress.Broadcaster { return p.broadcaster }

// Queue exposes the underlying queue for inspection.
func (p *Pipeline) Queue() *async.Queue { return p.queue }

// Submit enqueues req. It never blocks on processing.
func (p *Pipeline) Submit(ctx context.Context, req async.JobRequest) error {
	if req.ImageID == uuid.Nil {
		return fmt.Errorf("submit: %w", common.ErrInvalidInput)
	}
	if req.SubmittedAt.IsZero() {
		req.SubmittedAt = time.Now().UTC()
	}
	if req.TraceID == "" {
		req.TraceID = common.RequestIDFromContext(ctx)
	}
	if req.TraceID == "" {
		req.TraceID = uuid.NewString()
	}

	p.mu.Lock()
	if p.dedup && !req.Force && p.active[req.ImageID] > 0 {
		p.mu.Unlock()
		p.logger.Info("pipeline.submit.duplicate", "image_id", req.ImageID, "trace_id", req.TraceID)
		return ErrDuplicateJob
	}
	p.active[req.ImageID]++
	p.mu.Unlock()

	if err := p.queue.Enqueue(req); err != nil {
		p.release(req.ImageID)
		return err
	}
	p.logger.Debug("pipeline.submit.queued",
		"image_id", req.ImageID,
		"trace_id", req.TraceID,
		"force", req.Force,
		"queued", p.queue.Len(),
	)
	return nil
}

// Active reports whether a request for imageID is queued or running.
func (p *Pipeline) Active(imageID uuid.UUID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[imageID] > 0
}

func (p *Pipeline) release(imageID uuid.UUID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if n := p.active[imageID]; n > 1 {
		p.active[imageID] = n - 1
	} else {
		delete(p.active, imageID)
	}
}

// Start launches the worker loops. Calling it twice is a no-op.
func (p *Pipeline) Start(ctx context.Context) {
	p.runMu.Lock()
	defer p.runMu.Unlock()
	if p.cancel != nil {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.worker.Run(runCtx)
	p.logger.Info("pipeline started")
}

// Shutdown stops accepting work, cancels the loops and waits for the in-flight item, bounded by ctx.
// Queued items that were never dequeued are abandoned.
func (p *Pipeline) Shutdown(ctx context.Context) error {
	p.queue.Close()
	p.runMu.Lock()
	cancel := p.cancel
	p.runMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	abandoned := p.queue.Len()
	if err := p.worker.Wait(ctx); err != nil {
		p.logger.Warn("pipeline shutdown timed out", "error", err)
		return err
	}
	p.logger.Info("pipeline stopped", "abandoned", abandoned)
	return nil
}
