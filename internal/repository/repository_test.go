package repository

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "test.db")}
	s, err := Open(context.Background(), cfg, logger)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	t.Cleanup(s.Close)
	return s
}

func createImage(t *testing.T, s *Store, owner *uuid.UUID, at time.Time) *entity.Image {
	t.Helper()
	img := &entity.Image{FileName: "scan.png", StoragePath: "images/scan.png", UploadedBy: owner, UploadedAt: at}
	if err := s.Images.Create(context.Background(), img); err != nil {
		t.Fatalf("Create image error: %v", err)
	}
	return img
}

func TestImages_CreateAndGet(t *testing.T) {
	s := newTestStore(t)
	owner := uuid.New()
	img := createImage(t, s, &owner, time.Now().UTC())

	got, err := s.Images.GetByID(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.FileName != "scan.png" || got.StoragePath != "images/scan.png" {
		t.Errorf("unexpected image %+v", got)
	}
	if got.UploadedBy == nil || *got.UploadedBy != owner {
		t.Errorf("UploadedBy = %v, want %v", got.UploadedBy, owner)
	}
	if got.OCRProcessed {
		t.Error("new image should not be processed")
	}
}

func TestImages_GetMissing(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Images.GetByID(context.Background(), uuid.New())
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestImages_ListNewestFirstAndByOwner(t *testing.T) {
	s := newTestStore(t)
	alice, bob := uuid.New(), uuid.New()
	base := time.Now().UTC().Add(-time.Hour)
	old := createImage(t, s, &alice, base)
	mid := createImage(t, s, &bob, base.Add(time.Minute))
	recent := createImage(t, s, &alice, base.Add(2*time.Minute))

	all, err := s.Images.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 images, got %d", len(all))
	}
	want := []uuid.UUID{recent.ID, mid.ID, old.ID}
	for i, img := range all {
		if img.ID != want[i] {
			t.Errorf("all[%d] = %s, want %s", i, img.ID, want[i])
		}
	}

	mine, err := s.Images.List(context.Background(), &alice)
	if err != nil {
		t.Fatalf("List(owner) error: %v", err)
	}
	if len(mine) != 2 || mine[0].ID != recent.ID || mine[1].ID != old.ID {
		t.Errorf("unexpected owner listing: %+v", mine)
	}
}

func TestImages_MarkProcessedOnce(t *testing.T) {
	s := newTestStore(t)
	img := createImage(t, s, nil, time.Time{})

	first, err := s.Images.MarkProcessed(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	second, err := s.Images.MarkProcessed(context.Background(), img.ID)
	if err != nil {
		t.Fatalf("MarkProcessed error: %v", err)
	}
	if !first || second {
		t.Fatalf("expected transition exactly once, got first=%v second=%v", first, second)
	}
	got, _ := s.Images.GetByID(context.Background(), img.ID)
	if !got.OCRProcessed {
		t.Error("expected image to be processed")
	}
}

func TestJobs_StateMachine(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	img := createImage(t, s, nil, time.Time{})

	job, err := s.Jobs.Start(ctx, img.ID)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	if job.State != constants.JobStatusPending {
		t.Fatalf("state = %s, want PENDING", job.State)
	}
	active, err := s.Jobs.HasActive(ctx, img.ID)
	if err != nil || !active {
		t.Fatalf("HasActive = %v, %v; want true", active, err)
	}

	if err := s.Jobs.MarkExtracting(ctx, job.ID); err != nil {
		t.Fatalf("MarkExtracting error: %v", err)
	}
	path := "text/out.txt"
	if err := s.Jobs.Finish(ctx, job.ID, constants.JobStatusSucceeded, &path, nil); err != nil {
		t.Fatalf("Finish error: %v", err)
	}

	got, err := s.Jobs.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if got.State != constants.JobStatusSucceeded {
		t.Errorf("state = %s, want SUCCEEDED", got.State)
	}
	if got.ResultPath == nil || *got.ResultPath != path {
		t.Errorf("result path = %v", got.ResultPath)
	}
	if got.CompletedAt == nil {
		t.Error("expected completed_at to be set")
	}

	// terminal states are final
	msg := "late failure"
	err = s.Jobs.Finish(ctx, job.ID, constants.JobStatusFailed, nil, &msg)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	if err := s.Jobs.MarkExtracting(ctx, job.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	active, _ = s.Jobs.HasActive(ctx, img.ID)
	if active {
		t.Error("expected no active job after finish")
	}
}

func TestJobs_FinishRejectsNonTerminal(t *testing.T) {
	s := newTestStore(t)
	img := createImage(t, s, nil, time.Time{})
	job, _ := s.Jobs.Start(context.Background(), img.ID)
	err := s.Jobs.Finish(context.Background(), job.ID, constants.JobStatusExtracting, nil, nil)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
}

func TestJobs_FinishUnknownJob(t *testing.T) {
	s := newTestStore(t)
	err := s.Jobs.Finish(context.Background(), uuid.New(), constants.JobStatusSucceeded, nil, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestJobs_LatestAndAbandon(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	img := createImage(t, s, nil, time.Time{})

	first, _ := s.Jobs.Start(ctx, img.ID)
	msg := "engine exploded"
	if err := s.Jobs.Finish(ctx, first.ID, constants.JobStatusFailed, nil, &msg); err != nil {
		t.Fatalf("Finish error: %v", err)
	}
	time.Sleep(5 * time.Millisecond)
	second, _ := s.Jobs.Start(ctx, img.ID)

	latest, err := s.Jobs.Latest(ctx, img.ID)
	if err != nil {
		t.Fatalf("Latest error: %v", err)
	}
	if latest.ID != second.ID {
		t.Errorf("latest = %s, want %s", latest.ID, second.ID)
	}

	n, err := s.Jobs.AbandonActive(ctx, "abandoned at shutdown")
	if err != nil {
		t.Fatalf("AbandonActive error: %v", err)
	}
	if n != 1 {
		t.Errorf("abandoned %d jobs, want 1", n)
	}
	jobs, _ := s.Jobs.ListForImage(ctx, img.ID)
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	for _, j := range jobs {
		if j.State != constants.JobStatusFailed {
			t.Errorf("job %s state = %s, want FAILED", j.ID, j.State)
		}
	}
	if jobs[0].ErrorMessage == nil || *jobs[0].ErrorMessage != msg {
		t.Errorf("first job error message = %v", jobs[0].ErrorMessage)
	}
}

func TestTextFiles_CreateListUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := uuid.New()
	img := createImage(t, s, &owner, time.Time{})

	tf := &entity.TextFile{FileName: img.ID.String() + ".txt", StoragePath: "text/a.txt", ImageID: img.ID, CreatedBy: &owner}
	if err := s.TextFiles.Create(ctx, tf); err != nil {
		t.Fatalf("Create error: %v", err)
	}
	other := &entity.TextFile{FileName: "x.txt", StoragePath: "text/b.txt", ImageID: img.ID}
	if err := s.TextFiles.Create(ctx, other); err != nil {
		t.Fatalf("Create error: %v", err)
	}

	mine, err := s.TextFiles.List(ctx, &owner)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != tf.ID {
		t.Fatalf("unexpected owner list: %+v", mine)
	}
	forImage, _ := s.TextFiles.ListForImage(ctx, img.ID)
	if len(forImage) != 2 {
		t.Fatalf("expected 2 text files for image, got %d", len(forImage))
	}

	if err := s.TextFiles.UpdatePath(ctx, tf.ID, "text/a_placeholder.txt"); err != nil {
		t.Fatalf("UpdatePath error: %v", err)
	}
	got, _ := s.TextFiles.GetByID(ctx, tf.ID)
	if got.StoragePath != "text/a_placeholder.txt" {
		t.Errorf("storage path = %q", got.StoragePath)
	}
	if err := s.TextFiles.UpdatePath(ctx, uuid.New(), "x"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestImages_DeleteCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	img := createImage(t, s, nil, time.Time{})
	job, _ := s.Jobs.Start(ctx, img.ID)
	_ = s.TextFiles.Create(ctx, &entity.TextFile{FileName: "a.txt", StoragePath: "text/a.txt", ImageID: img.ID})

	if err := s.Images.Delete(ctx, img.ID); err != nil {
		t.Fatalf("Delete error: %v", err)
	}
	if _, err := s.Images.GetByID(ctx, img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected image gone, got %v", err)
	}
	if _, err := s.Jobs.GetByID(ctx, job.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected job gone, got %v", err)
	}
	files, _ := s.TextFiles.ListForImage(ctx, img.ID)
	if len(files) != 0 {
		t.Errorf("expected text files gone, got %d", len(files))
	}
	if err := s.Images.Delete(ctx, img.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("second delete: expected ErrNotFound, got %v", err)
	}
}

func TestWithTx_RollsBackOnError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	img := createImage(t, s, nil, time.Time{})
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(r Repos) error {
		if _, err := r.Images.MarkProcessed(ctx, img.ID); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.Images.GetByID(ctx, img.ID)
	if got.OCRProcessed {
		t.Error("expected rollback to keep image unprocessed")
	}

	err = s.WithTx(ctx, func(r Repos) error {
		_, err := r.Images.MarkProcessed(ctx, img.ID)
		return err
	})
	if err != nil {
		t.Fatalf("WithTx commit error: %v", err)
	}
	got, _ = s.Images.GetByID(ctx, img.ID)
	if !got.OCRProcessed {
		t.Error("expected committed update")
	}
}

func TestStore_ClosedReportsUnavailable(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	s, err := Open(context.Background(), Config{Driver: "sqlite", DSN: "file:" + filepath.Join(t.TempDir(), "c.db")}, logger)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	s.Close()

	_, err = s.Images.GetByID(context.Background(), uuid.New())
	if !errors.Is(err, common.ErrStoreUnavailable) {
		t.Fatalf("expected ErrStoreUnavailable, got %v", err)
	}
}

func TestSQLiteDSN(t *testing.T) {
	cases := map[string]string{
		"sqlite:///tmp/x.db":                "/tmp/x.db?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		"file:x.db?cache=shared":            "file:x.db?cache=shared&_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_time_format=sqlite",
		"file:y.db?_pragma=foreign_keys(0)": "file:y.db?_pragma=foreign_keys(0)",
	}
	for in, want := range cases {
		if got := sqliteDSN(in); got != want {
			t.Errorf("sqliteDSN(%q) = %q, want %q", in, got, want)
		}
	}
}
