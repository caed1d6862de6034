package entity

import (
	"time"

	"github.com/google/uuid"
)

// Image represents an uploaded image for data transfer between layers.
type Image struct {
	ID           uuid.UUID  `json:"id"`
	FileName     string     `json:"file_name"`
	StoragePath  string     `json:"storage_path"`
	UploadedBy   *uuid.UUID `json:"uploaded_by,omitempty"`
	UploadedAt   time.Time  `json:"uploaded_at"`
	OCRProcessed bool       `json:"ocr_processed"`
}

// OwnedBy reports whether userID uploaded the image.
func (i *Image) OwnedBy(userID uuid.UUID) bool {
	return i.UploadedBy != nil && *i.UploadedBy == userID
}
