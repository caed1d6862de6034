package entity

import (
	"time"

	"github.com/google/uuid"
)

// TextFile records a stored extraction result.
type TextFile struct {
	ID          uuid.UUID  `json:"id"`
	FileName    string     `json:"file_name"`
	StoragePath string     `json:"storage_path"`
	ImageID     uuid.UUID  `json:"image_id"`
	CreatedBy   *uuid.UUID `json:"created_by,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}
