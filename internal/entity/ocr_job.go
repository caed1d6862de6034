package entity

import (
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
)

// OCRJob is one extraction attempt for an image.
type OCRJob struct {
	ID           uuid.UUID           `json:"id"`
	ImageID      uuid.UUID           `json:"image_id"`
	State        constants.JobStatus `json:"state"`
	ResultPath   *string             `json:"result_path,omitempty"`
	ErrorMessage *string             `json:"error_message,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
	CompletedAt  *time.Time          `json:"completed_at,omitempty"`
}
