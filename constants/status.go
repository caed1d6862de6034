package constants

// JobStatus is the canonical status for rows in ocr_jobs.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "PENDING"    // accepted, waiting for a worker
	JobStatusExtracting JobStatus = "EXTRACTING" // engine running
	JobStatusSucceeded  JobStatus = "SUCCEEDED"  // text (or the empty placeholder) stored
	JobStatusFailed     JobStatus = "FAILED"     // engine failed, error placeholder stored
)

// IsTerminal reports whether no further transition is allowed.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusSucceeded || s == JobStatusFailed
}

func (s JobStatus) String() string { return string(s) }
