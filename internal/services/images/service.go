// Package images implements upload, listing, reprocessing and deletion of images.
package images

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/async"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
	"github.com/joseph-ayodele/ocrpipe/internal/ratelimit"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

var (
	ErrEmptyUpload     = fmt.Errorf("no file uploaded: %w", common.ErrInvalidInput)
	ErrUnsupportedType = fmt.Errorf("unsupported file type: %w", common.ErrInvalidInput)
	ErrNotImage        = fmt.Errorf("file is not a decodable image: %w", common.ErrInvalidInput)
	ErrTooLarge        = fmt.Errorf("file too large: %w", common.ErrInvalidInput)
)

// Submitter accepts OCR work. Satisfied by *pipeline.Pipeline.
type Submitter interface {
	Submit(ctx context.Context, req async.JobRequest) error
}

// Service handles image business logic.
type Service struct {
	store    *repository.Store
	blobs    storage.Store
	submit   Submitter
	limiter  ratelimit.Limiter
	maxBytes int64
	logger   *slog.Logger
}

type Option func(*Service)

// WithMaxBytes caps the accepted upload size.
func WithMaxBytes(n int64) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxBytes = n
		}
	}
}

// WithLimiter enables the per-user upload rate limit.
func WithLimiter(l ratelimit.Limiter) Option {
	return func(s *Service) { s.limiter = l }
}

// NewService creates a new image service.
func NewService(store *repository.Store, blobs storage.Store, submit Submitter, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		store:    store,
		blobs:    blobs,
		submit:   submit,
		maxBytes: 25 << 20,
		logger:   logger,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// UploadRequest carries one image. UploadedBy is nil for hot-folder ingest, which also skips the rate limit.
type UploadRequest struct {
	FileName   string
	Body       io.Reader
	UploadedBy *uuid.UUID
}

type UploadResult struct {
	ID           uuid.UUID `json:"id"`
	FileName     string    `json:"fileName"`
	OCRProcessed bool      `json:"ocrProcessed"`
}

// Upload validates and stores the image, creates its record and submits it for OCR.
func (s *Service) Upload(ctx context.Context, req UploadRequest) (UploadResult, error) {
	if req.UploadedBy != nil && s.limiter != nil {
		if err := ratelimit.Check(ctx, s.limiter, *req.UploadedBy, ratelimit.ActionUpload); err != nil {
			s.logger.Info("upload rate limited", "user_id", *req.UploadedBy, "error", err)
			return UploadResult{}, err
		}
	}

	name := strings.TrimSpace(req.FileName)
	if name == "" || req.Body == nil {
		return UploadResult{}, ErrEmptyUpload
	}
	if !constants.IsAllowedExt(filepath.Ext(name)) {
		s.logger.Warn("upload rejected: extension", "file_name", name)
		return UploadResult{}, ErrUnsupportedType
	}

	data, err := io.ReadAll(io.LimitReader(req.Body, s.maxBytes+1))
	if err != nil {
		return UploadResult{}, fmt.Errorf("read upload: %w", err)
	}
	switch {
	case len(data) == 0:
		return UploadResult{}, ErrEmptyUpload
	case int64(len(data)) > s.maxBytes:
		return UploadResult{}, ErrTooLarge
	}
	format, err := sniff(data)
	if err != nil {
		s.logger.Warn("upload rejected: not an image", "file_name", name, "error", err)
		return UploadResult{}, ErrNotImage
	}

	img := &entity.Image{
		ID:         uuid.New(),
		FileName:   name,
		UploadedBy: req.UploadedBy,
		UploadedAt: time.Now().UTC(),
	}
	img.StoragePath = storage.ImageKey(img.ID, name)

	if err := s.blobs.Save(ctx, img.StoragePath, bytes.NewReader(data), int64(len(data)), contentType(format)); err != nil {
		s.logger.Error("image blob write failed", "image_id", img.ID, "error", err)
		return UploadResult{}, fmt.Errorf("store image: %w", err)
	}
	if err := s.store.Images.Create(ctx, img); err != nil {
		if delErr := s.blobs.Delete(context.WithoutCancel(ctx), img.StoragePath); delErr != nil {
			s.logger.Warn("orphan image blob", "key", img.StoragePath, "error", delErr)
		}
		return UploadResult{}, err
	}

	if err := s.submit.Submit(ctx, async.JobRequest{
		ImageID:     img.ID,
		SourcePath:  img.StoragePath,
		RequestedBy: req.UploadedBy,
	}); err != nil {
		s.logger.Error("image not queued, rolling back", "image_id", img.ID, "error", err)
		cleanup := context.WithoutCancel(ctx)
		if delErr := s.store.Images.Delete(cleanup, img.ID); delErr != nil {
			s.logger.Warn("orphan image row", "image_id", img.ID, "error", delErr)
		}
		s.removeBlob(cleanup, img.StoragePath)
		return UploadResult{}, err
	}

	if req.UploadedBy != nil && s.limiter != nil {
		if err := s.limiter.Record(ctx, *req.UploadedBy, ratelimit.ActionUpload); err != nil {
			s.logger.Warn("rate limit record failed", "user_id", *req.UploadedBy, "error", err)
		}
	}

	s.logger.Info("image uploaded", "image_id", img.ID, "file_name", name, "format", format, "bytes", len(data))
	return UploadResult{ID: img.ID, FileName: img.FileName, OCRProcessed: img.OCRProcessed}, nil
}

// View is an image with the state of its most recent job.
type View struct {
	ID           uuid.UUID  `json:"id"`
	FileName     string     `json:"fileName"`
	UploadedBy   *uuid.UUID `json:"uploadedBy,omitempty"`
	UploadedAt   time.Time  `json:"uploadedAt"`
	OCRProcessed bool       `json:"ocrProcessed"`
	JobState     string     `json:"jobState,omitempty"`
	JobError     *string    `json:"jobError,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

func toView(img *entity.Image, job *entity.OCRJob) View {
	v := View{
		ID:           img.ID,
		FileName:     img.FileName,
		UploadedBy:   img.UploadedBy,
		UploadedAt:   img.UploadedAt,
		OCRProcessed: img.OCRProcessed,
	}
	if job != nil {
		v.JobState = job.State.String()
		v.JobError = job.ErrorMessage
		v.CompletedAt = job.CompletedAt
	}
	return v
}

// List returns the caller's images newest first, or every image for admins.
func (s *Service) List(ctx context.Context, caller auth.Claims) ([]View, error) {
	var owner *uuid.UUID
	if !caller.IsAdmin() {
		owner = &caller.UserID
	}
	imgs, err := s.store.Images.List(ctx, owner)
	if err != nil {
		s.logger.Error("failed to list images", "user_id", caller.UserID, "error", err)
		return nil, err
	}
	out := make([]View, 0, len(imgs))
	for _, img := range imgs {
		out = append(out, toView(img, nil))
	}
	return out, nil
}

// Get returns one image with its latest job, for status polling.
func (s *Service) Get(ctx context.Context, caller auth.Claims, id uuid.UUID) (View, error) {
	img, err := s.authorized(ctx, caller, id)
	if err != nil {
		return View{}, err
	}
	job, err := s.store.Jobs.Latest(ctx, id)
	switch {
	case errors.Is(err, repository.ErrNotFound):
		job = nil
	case err != nil:
		return View{}, err
	}
	return toView(img, job), nil
}

// Reprocess submits an existing image again. Duplicate suppression applies.
func (s *Service) Reprocess(ctx context.Context, caller auth.Claims, id uuid.UUID) error {
	img, err := s.authorized(ctx, caller, id)
	if err != nil {
		return err
	}
	requestedBy := caller.UserID
	if err := s.submit.Submit(ctx, async.JobRequest{
		ImageID:     img.ID,
		SourcePath:  img.StoragePath,
		RequestedBy: &requestedBy,
	}); err != nil {
		s.logger.Info("reprocess not queued", "image_id", id, "error", err)
		return err
	}
	s.logger.Info("image resubmitted", "image_id", id, "user_id", caller.UserID)
	return nil
}

// Delete removes the image, its jobs and text files, then their blobs. Missing blobs are logged.
func (s *Service) Delete(ctx context.Context, caller auth.Claims, id uuid.UUID) error {
	img, err := s.authorized(ctx, caller, id)
	if err != nil {
		return err
	}
	tfs, err := s.store.TextFiles.ListForImage(ctx, id)
	if err != nil {
		return err
	}
	if err := s.store.Images.Delete(ctx, id); err != nil {
		s.logger.Error("failed to delete image", "image_id", id, "error", err)
		return err
	}

	keys := make([]string, 0, len(tfs)+1)
	for _, tf := range tfs {
		keys = append(keys, tf.StoragePath)
	}
	keys = append(keys, img.StoragePath)
	for _, key := range keys {
		s.removeBlob(ctx, key)
	}
	s.logger.Info("image deleted", "image_id", id, "text_files", len(tfs), "user_id", caller.UserID)
	return nil
}

func (s *Service) removeBlob(ctx context.Context, key string) {
	ok, err := s.blobs.Exists(ctx, key)
	if err != nil {
		s.logger.Warn("blob check failed", "key", key, "error", err)
		return
	}
	if !ok {
		s.logger.Warn("blob already missing", "key", key)
		return
	}
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.logger.Warn("blob delete failed", "key", key, "error", err)
	}
}

func (s *Service) authorized(ctx context.Context, caller auth.Claims, id uuid.UUID) (*entity.Image, error) {
	img, err := s.store.Images.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !caller.CanAccess(img.UploadedBy) {
		s.logger.Warn("image access denied", "image_id", id, "user_id", caller.UserID)
		return nil, common.ErrForbidden
	}
	return img, nil
}
