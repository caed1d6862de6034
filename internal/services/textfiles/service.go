// Package textfiles lists and serves OCR text results.
package textfiles

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
	"github.com/joseph-ayodele/ocrpipe/internal/ratelimit"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

type Service struct {
	store   *repository.Store
	blobs   storage.Store
	limiter ratelimit.Limiter
	logger  *slog.Logger
}

// NewService creates a text file service. limiter may be nil.
func NewService(store *repository.Store, blobs storage.Store, limiter ratelimit.Limiter, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, blobs: blobs, limiter: limiter, logger: logger}
}

type View struct {
	ID         uuid.UUID  `json:"id"`
	FileName   string     `json:"fileName"`
	ImageID    uuid.UUID  `json:"imageId"`
	CreatedAt  time.Time  `json:"createdAt"`
	CreatedBy  *uuid.UUID `json:"createdById,omitempty"`
	TextStatus string     `json:"textStatus"`
}

// List returns the caller's text files newest first, or all of them for admins.
func (s *Service) List(ctx context.Context, caller auth.Claims) ([]View, error) {
	var owner *uuid.UUID
	if !caller.IsAdmin() {
		owner = &caller.UserID
	}
	tfs, err := s.store.TextFiles.List(ctx, owner)
	if err != nil {
		s.logger.Error("failed to list text files", "user_id", caller.UserID, "error", err)
		return nil, err
	}
	out := make([]View, 0, len(tfs))
	for _, tf := range tfs {
		out = append(out, View{
			ID:         tf.ID,
			FileName:   tf.FileName,
			ImageID:    tf.ImageID,
			CreatedAt:  tf.CreatedAt,
			CreatedBy:  tf.CreatedBy,
			TextStatus: s.status(ctx, tf),
		})
	}
	return out, nil
}

func (s *Service) status(ctx context.Context, tf *entity.TextFile) string {
	ok, err := s.blobs.Exists(ctx, tf.StoragePath)
	if err != nil {
		s.logger.Warn("text blob check failed", "text_file_id", tf.ID, "error", err)
	}
	if ok {
		return constants.TextStatusAvailable
	}
	return constants.TextStatusMissing
}

// Download is the content served for one text file.
type Download struct {
	FileName string
	Content  []byte
}

// Download returns the text content. A missing blob is replaced by the no-text placeholder and the record repointed.
func (s *Service) Download(ctx context.Context, caller auth.Claims, id uuid.UUID) (Download, error) {
	if s.limiter != nil {
		if err := ratelimit.Check(ctx, s.limiter, caller.UserID, ratelimit.ActionDownload); err != nil {
			s.logger.Info("download rate limited", "user_id", caller.UserID)
			return Download{}, err
		}
	}

	tf, err := s.store.TextFiles.GetByID(ctx, id)
	if err != nil {
		return Download{}, err
	}
	if !caller.CanAccess(tf.CreatedBy) {
		s.logger.Warn("text file access denied", "text_file_id", id, "user_id", caller.UserID)
		return Download{}, common.ErrForbidden
	}

	ok, err := s.blobs.Exists(ctx, tf.StoragePath)
	if err != nil {
		return Download{}, err
	}
	if !ok {
		key := storage.PlaceholderKey(tf.ImageID, tf.ID)
		s.logger.Warn("text blob missing, writing placeholder", "text_file_id", id, "missing", tf.StoragePath, "key", key)
		if err := storage.WriteText(ctx, s.blobs, key, constants.PlaceholderNoText); err != nil {
			return Download{}, err
		}
		if err := s.store.TextFiles.UpdatePath(ctx, tf.ID, key); err != nil {
			return Download{}, err
		}
		tf.StoragePath = key
	}

	content, err := storage.ReadAll(ctx, s.blobs, tf.StoragePath)
	if err != nil {
		s.logger.Error("failed to read text blob", "text_file_id", id, "error", err)
		return Download{}, err
	}

	if s.limiter != nil {
		if err := s.limiter.Record(ctx, caller.UserID, ratelimit.ActionDownload); err != nil {
			s.logger.Warn("rate limit record failed", "user_id", caller.UserID, "error", err)
		}
	}
	return Download{FileName: tf.FileName, Content: content}, nil
}
