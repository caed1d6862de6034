package repository

import (
	"context"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/entity"
)

type TextFileRepository interface {
	Create(ctx context.Context, tf *entity.TextFile) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.TextFile, error)
	// List returns text files newest first; a nil owner lists every file.
	List(ctx context.Context, owner *uuid.UUID) ([]*entity.TextFile, error)
	ListForImage(ctx context.Context, imageID uuid.UUID) ([]*entity.TextFile, error)
	UpdatePath(ctx context.Context, id uuid.UUID, storagePath string) error
}

type textFileRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

var textFileColumns = []string{"id", "file_name", "storage_path", "image_id", "created_by", "created_at"}

func (r *textFileRepo) Create(ctx context.Context, tf *entity.TextFile) error {
	if tf.ID == uuid.Nil {
		tf.ID = uuid.New()
	}
	if tf.CreatedAt.IsZero() {
		tf.CreatedAt = time.Now().UTC()
	}
	query, args := r.b.Insert(tableTextFiles).
		Columns(textFileColumns...).
		Values(tf.ID, tf.FileName, tf.StoragePath, tf.ImageID, nullUUID(tf.CreatedBy), tf.CreatedAt).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("text_file create failed", "image_id", tf.ImageID, "err", err)
		return storeErr("create text file", err)
	}
	return nil
}

func (r *textFileRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.TextFile, error) {
	query, args := r.b.Select(textFileColumns...).
		From(r.b.Table(tableTextFiles)).
		Where(entsql.EQ("id", id)).
		Query()
	tf, err := scanTextFile(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		return nil, storeErr("get text file", err)
	}
	return tf, nil
}

func (r *textFileRepo) List(ctx context.Context, owner *uuid.UUID) ([]*entity.TextFile, error) {
	sel := r.b.Select(textFileColumns...).
		From(r.b.Table(tableTextFiles)).
		OrderBy(entsql.Desc("created_at"), entsql.Desc("id"))
	if owner != nil {
		sel.Where(entsql.EQ("created_by", *owner))
	}
	query, args := sel.Query()
	return r.query(ctx, query, args)
}

func (r *textFileRepo) ListForImage(ctx context.Context, imageID uuid.UUID) ([]*entity.TextFile, error) {
	query, args := r.b.Select(textFileColumns...).
		From(r.b.Table(tableTextFiles)).
		Where(entsql.EQ("image_id", imageID)).
		OrderBy(entsql.Desc("created_at")).
		Query()
	return r.query(ctx, query, args)
}

func (r *textFileRepo) UpdatePath(ctx context.Context, id uuid.UUID, storagePath string) error {
	query, args := r.b.Update(tableTextFiles).
		Set("storage_path", storagePath).
		Where(entsql.EQ("id", id)).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("text_file update path failed", "text_file_id", id, "err", err)
		return storeErr("update text file", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *textFileRepo) query(ctx context.Context, query string, args []any) ([]*entity.TextFile, error) {
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("text_file list failed", "err", err)
		return nil, storeErr("list text files", err)
	}
	defer rows.Close()

	var out []*entity.TextFile
	for rows.Next() {
		tf, err := scanTextFile(rows)
		if err != nil {
			return nil, storeErr("scan text file", err)
		}
		out = append(out, tf)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list text files", err)
	}
	return out, nil
}

func scanTextFile(s rowScanner) (*entity.TextFile, error) {
	var (
		tf        entity.TextFile
		createdBy uuid.NullUUID
	)
	if err := s.Scan(&tf.ID, &tf.FileName, &tf.StoragePath, &tf.ImageID, &createdBy, &tf.CreatedAt); err != nil {
		return nil, err
	}
	tf.CreatedBy = uuidPtr(createdBy)
	return &tf, nil
}
