package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/core/async"
	"github.com/joseph-ayodele/ocrpipe/internal/core/progress"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

// TextExtractor is the OCR engine contract.
type TextExtractor interface {
	Extract(ctx context.Context, imagePath string) (string, error)
}

// Publisher receives progress events.
type Publisher interface {
	Publish(topic string, ev progress.Event) int
}

// Outcome summarises one processed request.
type Outcome struct {
	JobID    uuid.UUID
	State    constants.JobStatus
	Content  string // what was written to the text blob
	TextPath string
	OCRErr   error // engine failure recovered into the error placeholder
}

// Processor runs the OCR job state machine for one request at a time.
type Processor struct {
	logger    *slog.Logger
	store     *repository.Store
	blobs     storage.Store
	engine    TextExtractor
	publisher Publisher
	tempDir   string

	ocrTimeout    time.Duration
	commitTimeout time.Duration
}

type ProcessorOption func(*Processor)

// WithTempDir sets where remote blobs are copied before OCR.
func WithTempDir(dir string) ProcessorOption {
	return func(p *Processor) { p.tempDir = dir }
}

// WithOCRTimeout bounds the engine call only. Persisting the result is not subject to it.
func WithOCRTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) { p.ocrTimeout = d }
}

// WithCommitTimeout bounds the blob write and transaction that follow extraction.
func WithCommitTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.commitTimeout = d
		}
	}
}

func NewProcessor(logger *slog.Logger, store *repository.Store, blobs storage.Store, engine TextExtractor, publisher Publisher, opts ...ProcessorOption) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	p := &Processor{
		logger:    logger,
		store:     store,
		blobs:     blobs,
		engine:    engine,
		publisher: publisher,

		commitTimeout: 30 * time.Second,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Handle implements async.Handler.
func (p *Processor) Handle(ctx context.Context, req async.JobRequest) error {
	_, err := p.Process(ctx, req)
	return err
}

// Process creates a job for req.ImageID, runs OCR and commits the result.
// Engine failures are recovered into the error placeholder; store failures are returned
// and leave the job at its last committed state without a completed event.
func (p *Processor) Process(ctx context.Context, req async.JobRequest) (Outcome, error) {
	start := time.Now()
	topic := req.ImageID.String()
	tr := &tracker{pub: p.publisher, topic: topic}
	log := p.logger.With("image_id", req.ImageID, "trace_id", req.TraceID)

	img, err := p.store.Images.GetByID(ctx, req.ImageID)
	if err != nil {
		log.Error("processor.image.lookup_failed", "err", err)
		return Outcome{}, fmt.Errorf("load image: %w", err)
	}

	job, err := p.store.Jobs.Start(ctx, img.ID)
	if err != nil {
		log.Error("processor.job.create_failed", "err", err)
		return Outcome{}, fmt.Errorf("create job: %w", err)
	}
	out := Outcome{JobID: job.ID}
	log = log.With("job_id", job.ID)
	tr.progress(progress.Accepted)

	if err := p.store.Jobs.MarkExtracting(ctx, job.ID); err != nil {
		log.Error("processor.job.transition_failed", "to", constants.JobStatusExtracting, "err", err)
		return out, fmt.Errorf("mark extracting: %w", err)
	}

	sourceKey := req.SourcePath
	if sourceKey == "" {
		sourceKey = img.StoragePath
	}
	text, ocrErr := p.extract(ctx, sourceKey)
	tr.progress(progress.Extracted)

	// A timed-out or cancelled extraction still ends in a committed terminal state.
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.commitTimeout)
	defer cancel()

	var errMsg *string
	empty := false
	switch {
	case ocrErr != nil:
		log.Warn("processor.ocr.failed", "err", ocrErr)
		out.State = constants.JobStatusFailed
		out.Content = constants.PlaceholderOCRError
		out.OCRErr = ocrErr
		msg := ocrErr.Error()
		errMsg = &msg
	case strings.TrimSpace(text) == "":
		log.Info("processor.ocr.empty")
		empty = true
		out.State = constants.JobStatusSucceeded
		out.Content = constants.PlaceholderNoText
	default:
		out.State = constants.JobStatusSucceeded
		out.Content = text
	}

	out.TextPath = storage.TextKey(img.ID, job.ID)
	if err := storage.WriteText(pctx, p.blobs, out.TextPath, out.Content); err != nil {
		log.Error("processor.blob.write_failed", "key", out.TextPath, "err", err)
		return out, fmt.Errorf("write text blob: %w", err)
	}
	if empty {
		tr.progress(progress.Placeholder)
	}

	err = p.store.WithTx(pctx, func(r repository.Repos) error {
		tf := &entity.TextFile{
			FileName:    storage.TextFileName(img.ID),
			StoragePath: out.TextPath,
			ImageID:     img.ID,
			CreatedBy:   img.UploadedBy,
		}
		if err := r.TextFiles.Create(pctx, tf); err != nil {
			return err
		}
		var resultPath *string
		if out.State == constants.JobStatusSucceeded {
			resultPath = &out.TextPath
		}
		if err := r.Jobs.Finish(pctx, job.ID, out.State, resultPath, errMsg); err != nil {
			return err
		}
		if _, err := r.Images.MarkProcessed(pctx, img.ID); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		log.Error("processor.commit.failed", "err", err)
		if delErr := p.blobs.Delete(pctx, out.TextPath); delErr != nil {
			log.Warn("processor.blob.cleanup_failed", "key", out.TextPath, "err", delErr)
		}
		return out, fmt.Errorf("commit result: %w", err)
	}

	tr.progress(progress.Done)
	tr.complete()

	log.Info("processor.job.done",
		"state", out.State,
		"chars", len(out.Content),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

// extract materializes the source blob and runs the engine. A missing source counts as an engine failure.
func (p *Processor) extract(ctx context.Context, key string) (string, error) {
	if p.ocrTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.ocrTimeout)
		defer cancel()
	}
	path, cleanup, err := storage.Materialize(ctx, p.blobs, key, p.tempDir)
	if err != nil {
		if errors.Is(err, storage.ErrNotExist) {
			return "", fmt.Errorf("source image %s: %w", key, err)
		}
		return "", fmt.Errorf("materialize %s: %w", key, err)
	}
	defer cleanup()
	return p.engine.Extract(ctx, path)
}

// tracker keeps one job's events monotonic and stops after completed.
type tracker struct {
	pub   Publisher
	topic string
	last  int
	done  bool
}

func (t *tracker) progress(v int) {
	if t.done || v < t.last || t.pub == nil {
		return
	}
	t.last = v
	t.pub.Publish(t.topic, progress.ProgressEvent(t.topic, v))
}

func (t *tracker) complete() {
	if t.done {
		return
	}
	t.done = true
	if t.pub != nil {
		t.pub.Publish(t.topic, progress.CompletedEvent(t.topic))
	}
}
