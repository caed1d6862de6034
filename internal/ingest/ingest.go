// Package ingest feeds image files from a local directory into the OCR pipeline.
package ingest

import (
	"context"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/services/images"
)

// Result is the per-file ingest outcome.
type Result struct {
	SourcePath string
	ImageID    uuid.UUID
	Err        string
}

// DirStats summarizes a directory ingest.
type DirStats struct {
	Scanned   uint32
	Matched   uint32
	Succeeded uint32
	Failed    uint32
}

// Uploader stores an image and submits it for OCR. Satisfied by *images.Service.
type Uploader interface {
	Upload(ctx context.Context, req images.UploadRequest) (images.UploadResult, error)
}
