package repository

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	entsql "entgo.io/ent/dialect/sql"
	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/entity"
)

type ImageRepository interface {
	Create(ctx context.Context, img *entity.Image) error
	GetByID(ctx context.Context, id uuid.UUID) (*entity.Image, error)
	// List returns images newest first; a nil owner lists every image.
	List(ctx context.Context, owner *uuid.UUID) ([]*entity.Image, error)
	// MarkProcessed flips ocr_processed false->true and reports whether this call did it.
	MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error)
	// Delete removes the image with its jobs and text file rows.
	Delete(ctx context.Context, id uuid.UUID) error
}

type imageRepo struct {
	q   querier
	b   *entsql.DialectBuilder
	log *slog.Logger
}

var imageColumns = []string{"id", "file_name", "storage_path", "uploaded_by", "uploaded_at", "ocr_processed"}

func (r *imageRepo) Create(ctx context.Context, img *entity.Image) error {
	if img.ID == uuid.Nil {
		img.ID = uuid.New()
	}
	if img.UploadedAt.IsZero() {
		img.UploadedAt = time.Now().UTC()
	}
	query, args := r.b.Insert(tableImages).
		Columns(imageColumns...).
		Values(img.ID, img.FileName, img.StoragePath, nullUUID(img.UploadedBy), img.UploadedAt, img.OCRProcessed).
		Query()
	if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
		r.log.Error("image create failed", "image_id", img.ID, "err", err)
		return storeErr("create image", err)
	}
	r.log.Debug("image created", "image_id", img.ID, "file_name", img.FileName)
	return nil
}

func (r *imageRepo) GetByID(ctx context.Context, id uuid.UUID) (*entity.Image, error) {
	query, args := r.b.Select(imageColumns...).
		From(r.b.Table(tableImages)).
		Where(entsql.EQ("id", id)).
		Query()
	img, err := scanImage(r.q.QueryRowContext(ctx, query, args...))
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		r.log.Error("image get failed", "image_id", id, "err", err)
		return nil, storeErr("get image", err)
	}
	return img, nil
}

func (r *imageRepo) List(ctx context.Context, owner *uuid.UUID) ([]*entity.Image, error) {
	sel := r.b.Select(imageColumns...).
		From(r.b.Table(tableImages)).
		OrderBy(entsql.Desc("uploaded_at"), entsql.Desc("id"))
	if owner != nil {
		sel.Where(entsql.EQ("uploaded_by", *owner))
	}
	query, args := sel.Query()
	rows, err := r.q.QueryContext(ctx, query, args...)
	if err != nil {
		r.log.Error("image list failed", "err", err)
		return nil, storeErr("list images", err)
	}
	defer rows.Close()

	var out []*entity.Image
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, storeErr("scan image", err)
		}
		out = append(out, img)
	}
	if err := rows.Err(); err != nil {
		return nil, storeErr("list images", err)
	}
	return out, nil
}

func (r *imageRepo) MarkProcessed(ctx context.Context, id uuid.UUID) (bool, error) {
	query, args := r.b.Update(tableImages).
		Set("ocr_processed", true).
		Where(entsql.And(entsql.EQ("id", id), entsql.EQ("ocr_processed", false))).
		Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("image mark processed failed", "image_id", id, "err", err)
		return false, storeErr("mark processed", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, storeErr("mark processed", err)
	}
	return n == 1, nil
}

func (r *imageRepo) Delete(ctx context.Context, id uuid.UUID) error {
	for _, table := range []string{tableTextFiles, tableJobs} {
		query, args := r.b.Delete(table).Where(entsql.EQ("image_id", id)).Query()
		if _, err := r.q.ExecContext(ctx, query, args...); err != nil {
			r.log.Error("image cascade delete failed", "image_id", id, "table", table, "err", err)
			return storeErr("delete "+table, err)
		}
	}
	query, args := r.b.Delete(tableImages).Where(entsql.EQ("id", id)).Query()
	res, err := r.q.ExecContext(ctx, query, args...)
	if err != nil {
		r.log.Error("image delete failed", "image_id", id, "err", err)
		return storeErr("delete image", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	r.log.Info("image deleted", "image_id", id)
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanImage(s rowScanner) (*entity.Image, error) {
	var (
		img        entity.Image
		uploadedBy uuid.NullUUID
	)
	if err := s.Scan(&img.ID, &img.FileName, &img.StoragePath, &uploadedBy, &img.UploadedAt, &img.OCRProcessed); err != nil {
		return nil, err
	}
	img.UploadedBy = uuidPtr(uploadedBy)
	return &img, nil
}

func nullUUID(id *uuid.UUID) uuid.NullUUID {
	if id == nil {
		return uuid.NullUUID{}
	}
	return uuid.NullUUID{UUID: *id, Valid: true}
}

func uuidPtr(n uuid.NullUUID) *uuid.UUID {
	if !n.Valid {
		return nil
	}
	id := n.UUID
	return &id
}

func nullString(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func stringPtr(n sql.NullString) *string {
	if !n.Valid {
		return nil
	}
	s := n.String
	return &s
}

func timePtr(n sql.NullTime) *time.Time {
	if !n.Valid {
		return nil
	}
	t := n.Time
	return &t
}
