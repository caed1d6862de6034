package repository

import (
	"context"
)

// Table and column names shared by the repositories.
const (
	tableImages    = "images"
	tableJobs      = "ocr_jobs"
	tableTextFiles = "text_files"
)

// schemaDDL is portable between Postgres and SQLite.
var schemaDDL = []string{
	`CREATE TABLE IF NOT EXISTS images (
		id            TEXT PRIMARY KEY,
		file_name     TEXT NOT NULL,
		storage_path  TEXT NOT NULL,
		uploaded_by   TEXT NULL,
		uploaded_at   TIMESTAMP NOT NULL,
		ocr_processed BOOLEAN NOT NULL DEFAULT FALSE
	)`,
	`CREATE INDEX IF NOT EXISTS images_uploaded_by_idx ON images (uploaded_by, uploaded_at)`,
	`CREATE TABLE IF NOT EXISTS ocr_jobs (
		id            TEXT PRIMARY KEY,
		image_id      TEXT NOT NULL REFERENCES images (id) ON DELETE CASCADE,
		state         TEXT NOT NULL,
		result_path   TEXT NULL,
		error_message TEXT NULL,
		created_at    TIMESTAMP NOT NULL,
		completed_at  TIMESTAMP NULL
	)`,
	`CREATE INDEX IF NOT EXISTS ocr_jobs_image_id_idx ON ocr_jobs (image_id, created_at)`,
	`CREATE TABLE IF NOT EXISTS text_files (
		id           TEXT PRIMARY KEY,
		file_name    TEXT NOT NULL,
		storage_path TEXT NOT NULL,
		image_id     TEXT NOT NULL REFERENCES images (id) ON DELETE CASCADE,
		created_by   TEXT NULL,
		created_at   TIMESTAMP NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS text_files_image_id_idx ON text_files (image_id)`,
}

// EnsureSchema creates the tables if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	db := s.drv.DB()
	for _, stmt := range schemaDDL {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.logger.Error("schema migration failed", "error", err)
			return storeErr("ensure schema", err)
		}
	}
	s.logger.Info("database schema ready", "dialect", s.Dialect())
	return nil
}
