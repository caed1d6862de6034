// Package export renders image and OCR status reports.
package export

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/xuri/excelize/v2"

	"github.com/joseph-ayodele/ocrpipe/internal/entity"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

const sheet = "Images"

// Service produces XLSX bytes from the metadata store.
type Service struct {
	store  *repository.Store
	blobs  storage.Store
	logger *slog.Logger
}

// NewService creates an export service. blobs may be nil, which leaves the text preview column empty.
func NewService(store *repository.Store, blobs storage.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, blobs: blobs, logger: logger}
}

// Filter narrows the report. Zero values mean no restriction.
type Filter struct {
	Owner *uuid.UUID
	From  *time.Time // inclusive, by upload date
	To    *time.Time // inclusive, by upload date
}

func (f Filter) match(img *entity.Image) bool {
	day := time.Date(img.UploadedAt.Year(), img.UploadedAt.Month(), img.UploadedAt.Day(), 0, 0, 0, 0, time.UTC)
	if f.From != nil && day.Before(dateOnly(*f.From)) {
		return false
	}
	if f.To != nil && day.After(dateOnly(*f.To)) {
		return false
	}
	return true
}

func dateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

var headers = []string{
	"Image ID",
	"File Name",
	"Uploaded At",
	"Uploaded By",
	"OCR Processed",
	"Job State",
	"Completed At",
	"Error",
	"Text Files",
	"Text Preview",
}

// ImagesXLSX returns a workbook with one row per image, newest first.
func (s *Service) ImagesXLSX(ctx context.Context, filter Filter) ([]byte, error) {
	start := time.Now()

	imgs, err := s.store.Images.List(ctx, filter.Owner)
	if err != nil {
		return nil, fmt.Errorf("query images: %w", err)
	}

	f := excelize.NewFile()
	defer func() { _ = f.Close() }()
	idx, err := f.NewSheet(sheet)
	if err != nil {
		return nil, err
	}
	f.SetActiveSheet(idx)
	if err := f.DeleteSheet("Sheet1"); err != nil {
		return nil, err
	}

	for i, h := range headers {
		cell, _ := excelize.CoordinatesToCellName(i+1, 1)
		_ = f.SetCellValue(sheet, cell, h)
	}

	row := 2
	for _, img := range imgs {
		if !filter.match(img) {
			continue
		}
		write := func(col int, v any) {
			cell, _ := excelize.CoordinatesToCellName(col, row)
			_ = f.SetCellValue(sheet, cell, v)
		}

		write(1, img.ID.String())
		write(2, img.FileName)
		write(3, img.UploadedAt.UTC().Format(time.RFC3339))
		if img.UploadedBy != nil {
			write(4, img.UploadedBy.String())
		} else {
			write(4, "ingest")
		}
		write(5, img.OCRProcessed)

		job, err := s.store.Jobs.Latest(ctx, img.ID)
		switch {
		case err == nil:
			write(6, job.State.String())
			if job.CompletedAt != nil {
				write(7, job.CompletedAt.UTC().Format(time.RFC3339))
			}
			if job.ErrorMessage != nil {
				write(8, truncate(*job.ErrorMessage, 140))
			}
		case !errors.Is(err, repository.ErrNotFound):
			return nil, fmt.Errorf("latest job for %s: %w", img.ID, err)
		}

		tfs, err := s.store.TextFiles.ListForImage(ctx, img.ID)
		if err != nil {
			return nil, fmt.Errorf("text files for %s: %w", img.ID, err)
		}
		write(9, len(tfs))
		if len(tfs) > 0 {
			write(10, s.preview(ctx, tfs[0].StoragePath))
		}
		row++
	}

	_ = f.SetColWidth(sheet, "A", "A", 38) // id
	_ = f.SetColWidth(sheet, "B", "B", 28) // name
	_ = f.SetColWidth(sheet, "C", "C", 22) // uploaded
	_ = f.SetColWidth(sheet, "D", "D", 38) // owner
	_ = f.SetColWidth(sheet, "E", "F", 14)
	_ = f.SetColWidth(sheet, "G", "G", 22)
	_ = f.SetColWidth(sheet, "H", "H", 40)
	_ = f.SetColWidth(sheet, "J", "J", 60) // preview

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}

	s.logger.Info("export.xlsx.ok",
		"rows", row-2,
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return buf.Bytes(), nil
}

func (s *Service) preview(ctx context.Context, key string) string {
	if s.blobs == nil {
		return ""
	}
	b, err := storage.ReadAll(ctx, s.blobs, key)
	if err != nil {
		s.logger.Debug("export preview unavailable", "key", key, "error", err)
		return ""
	}
	return truncate(strings.Join(strings.Fields(string(b)), " "), 140)
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
