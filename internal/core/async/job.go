package async

import (
	"time"

	"github.com/google/uuid"
)

// JobRequest is the self-contained unit carried by the queue.
// It holds values only, never handles to request-scoped state.
type JobRequest struct {
	ImageID     uuid.UUID
	SourcePath  string     // blob key of the image; empty -> the image record's path
	RequestedBy *uuid.UUID // nil for hot-folder ingest
	Force       bool       // enqueue even if a job for the image is in flight
	SubmittedAt time.Time
	TraceID     string
}
