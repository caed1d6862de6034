package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
)

type JobRepository interface {
	// Start records a PENDING job for the image.
	Start(ctx context.Context, imageID uuid.UUID) (*entity.OCRJob, error)
	MarkExtracting(ctx context.Context, jobID uuid.UUID) error
	// Finish moves a non-terminal job to SUCCEEDED or FAILED.
	Finish(ctx context.Context, jobID uuid.UUID, state constants.JobStatus, resultPath, errorMessage *string) error
	GetByID(ctx context.Context, jobID uuid.UUID) (*entity.OCRJob, error)
	Latest(ctx context.Context, imageID uuid.UUID) (*entity.OCRJob, error)
	ListForImage(ctx context.Context, imageID uuid.UUID) ([]*entity.OCRJob, error)
	HasActive(ctx context.Context, imageID uuid.UUID) (bool, error)
	// AbandonActive fails every non-terminal job; used at startup since the queue does not survive restarts.
	AbandonActive(ctx context.Context, reason string) (int64, error)
}

type jobRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

var jobColumns = []string{"id", "image_id", "state", "result_path", "error_message", "created_at", "completed_at"}

func activeStates() []any {
	return []any{string(constants.JobStatusPending), string(constants.JobStatusExtracting)}
}

func (r *jobRepo) Start(ctx context.Context, imageID uuid.UUID) (*entity.OCRJob, error) {
	job := &entity.OCRJob{
		ID:        uuid.New(),
		ImageID:   imageID,
		State:     constants.JobStatusPending,
		CreatedAt: time.Now().UTC(),
	}
	query, args := r.b.Insert(tableJobs).
		Columns("id", "image_id", "state", "created_at").
		Values(job.ID, job.ImageID, string(job.State), job.CreatedAt).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("ocr_job start failed", "image_id", imageID, "err", err)
		return nil, storeErr("start job", err)
	}
	r.log.Info("ocr_job started", "job_id", job.ID, "image_id", imageID)
	return job, nil
}

func (r *jobRepo) MarkExtracting(ctx context.Context, jobID uuid.UUID) error {
	query, args := r.b.Update(tableJobs).
		Set("state", string(constants.JobStatusExtracting)).
		Where(entsql.And(
			entsql.EQ("id", jobID),
			entsql.EQ("state", string(constants.JobStatusPending)),
		)).
		Query()
	return r.transition(ctx, jobID, constants.JobStatusExtracting, query, args)
}

func (r *jobRepo) Finish(ctx context.Context, jobID uuid.UUID, state constants.JobStatus, resultPath, errorMessage *string) error {
	if !state.IsTerminal() {
		return ErrInvalidTransition
	}
	query, args := r.b.Update(tableJobs).
		Set("state", string(state)).
		Set("result_path", nullString(resultPath)).
		Set("error_message", nullString(errorMessage)).
		Set("completed_at", time.Now().UTC()).
		Where(entsql.And(
			entsql.EQ("id", jobID),
			entsql.In("state", activeStates()...),
		)).
		Query()
	if err := r.transition(ctx, jobID, state, query, args); err != nil {
		return err
	}
	if state == constants.JobStatusFailed {
		r.log.Warn("ocr_job finished (FAILED)", "job_id", jobID)
	} else {
		r.log.Info("ocr_job finished", "job_id", jobID, "state", state)
	}
	return nil
}

func (r *jobRepo) transition(ctx context.Context, jobID uuid.UUID, to constants.JobStatus, query string, args []any) error {
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("ocr_job update failed", "job_id", jobID, "to", to, "err", err)
		return storeErr("update job", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storeErr("update job", err)
	}
	if n == 0 {
		if _, getErr := r.GetByID(ctx, jobID); getErr != nil {
			return getErr
		}
		r.log.Warn("ocr_job transition rejected", "job_id", jobID, "to", to)
		return ErrInvalidTransition
	}
	return nil
}

func (r *jobRepo) GetByID(ctx context.Context, jobID uuid.UUID) (*entity.OCRJob, error) {
	query, args := r.b.Select(jobColumns...).
		From(r.b.Table(tableJobs)).
		Where(entsql.EQ("id", jobID)).
		Query()
	job, err := scanJob(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, storeErr("get job", err)
	}
	return job, nil
}

func (r *jobRepo) Latest(ctx context.Context, imageID uuid.UUID) (*entity.OCRJob, error) {
	query, args := r.b.Select(jobColumns...).
		From(r.b.Table(tableJobs)).
		Where(entsql.EQ("image_id", imageID)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id")).
		Limit(1).
		Query()
	job, err := scanJob(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, storeErr("latest job", err)
	}
	return job, nil
}

func (r *jobRepo) ListForImage(ctx context.Context, imageID uuid.UUID) ([]*entity.OCRJob, error) {
	query, args := r.b.Select(jobColumns...).
		From(r.b.Table(tableJobs)).
		Where(entsql.EQ("image_id", imageID)).
		OrderBy(entsql.Asc("created_at")).
		Query()
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storeErr("list jobs", err)
	}
	defer rows.Close()

	var out []*entity.OCRJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, storeErr("scan job", err)
		}
		out = append(out, job)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list jobs", err)
	}
	return out, nil
}

func (r *jobRepo) HasActive(ctx context.Context, imageID uuid.UUID) (bool, error) {
	query, args := r.b.Select("id").
		From(r.b.Table(tableJobs)).
		Where(entsql.And(
			entsql.EQ("image_id", imageID),
			entsql.In("state", activeStates()...),
		)).
		Limit(1).
		Query()
	var id uuid.UUID
	err := r.q.QueryRowContext(ctx, query, args...).Scan(&id)
	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, storeErr("active job", err)
	}
	return true, nil
}

func (r *jobRepo) AbandonActive(ctx context.Context, reason string) (int64, error) {
	query, args := r.b.Update(tableJobs).
		Set("state", string(constants.JobStatusFailed)).
		Set("error_message", reason).
		Set("completed_at", time.Now().UTC()).
		Where(entsql.In("state", activeStates()...)).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("ocr_job abandon failed", "err", err)
		return 0, storeErr("abandon jobs", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		r.log.Warn("abandoned unfinished ocr jobs", "count", n, "reason", reason)
	}
	return n, nil
}

func scanJob(s rowScanner) (*entity.OCRJob, error) {
	var (
		job         entity.OCRJob
		state       string
		resultPath  sql.NullString
		errMessage  sql.NullString
		completedAt sql.NullTime
	)
	if err := s.Scan(&job.ID, &job.ImageID, &state, &resultPath, &errMessage, &job.CreatedAt, &completedAt); err != nil {
		return nil, err
	}
	job.State = constants.JobStatus(state)
	job.ResultPath = stringPtr(resultPath)
	job.ErrorMessage = stringPtr(errMessage)
	job.CompletedAt = timePtr(completedAt)
	return &job, nil
}
