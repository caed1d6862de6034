package images

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/color"
	"image/png"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/constants"
	"github.com/joseph-ayodele/ocrpipe/internal/auth"
	"github.com/joseph-ayodele/ocrpipe/internal/common"
	"github.com/joseph-ayodele/ocrpipe/internal/core/async"
	"github.com/joseph-ayodele/ocrpipe/internal/entity"
	"github.com/joseph-ayodele/ocrpipe/internal/ratelimit"
	"github.com/joseph-ayodele/ocrpipe/internal/repository"
	"github.com/joseph-ayodele/ocrpipe/internal/storage"
)

type recordingSubmitter struct {
	mu   sync.Mutex
	reqs []async.JobRequest
	err  error
}

func (r *recordingSubmitter) Submit(_ context.Context, req async.JobRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.reqs = append(r.reqs, req)
	return nil
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 4, 4))
	img.Set(1, 1, color.White)
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode error: %v", err)
	}
	return buf.Bytes()
}

type env struct {
	svc   *Service
	store *repository.Store
	blobs *storage.LocalStore
	sub   *recordingSubmitter
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	dir := t.TempDir()

	store, err := repository.Open(ctx, repository.Config{Driver: "sqlite", DSN: "file:" + filepath.Join(dir, "img.db")}, logger)
	if err != nil {
		t.Fatalf("Open error: %v", err)
	}
	if err := store.EnsureSchema(ctx); err != nil {
		t.Fatalf("EnsureSchema error: %v", err)
	}
	t.Cleanup(store.Close)

	blobs, err := storage.NewLocalStore(filepath.Join(dir, "blobs"), logger)
	if err != nil {
		t.Fatalf("NewLocalStore error: %v", err)
	}
	sub := &recordingSubmitter{}
	return &env{svc: NewService(store, blobs, sub, logger, opts...), store: store, blobs: blobs, sub: sub}
}

func (e *env) upload(t *testing.T, owner uuid.UUID) UploadResult {
	t.Helper()
	res, err := e.svc.Upload(context.Background(), UploadRequest{FileName: "scan.png", Body: bytes.NewReader(pngBytes(t)), UploadedBy: &owner})
	if err != nil {
		t.Fatalf("Upload error: %v", err)
	}
	return res
}

func TestUpload_StoresAndSubmits(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := uuid.New()

	res := e.upload(t, owner)
	if res.FileName != "scan.png" || res.OCRProcessed {
		t.Fatalf("result = %+v", res)
	}

	img, err := e.store.Images.GetByID(ctx, res.ID)
	if err != nil {
		t.Fatalf("GetByID error: %v", err)
	}
	if img.UploadedBy == nil || *img.UploadedBy != owner {
		t.Fatalf("uploaded_by = %v", img.UploadedBy)
	}
	if ok, _ := e.blobs.Exists(ctx, img.StoragePath); !ok {
		t.Fatalf("blob %s missing", img.StoragePath)
	}
	if len(e.sub.reqs) != 1 {
		t.Fatalf("submitted = %d, want 1", len(e.sub.reqs))
	}
	req := e.sub.reqs[0]
	if req.ImageID != res.ID || req.SourcePath != img.StoragePath || req.RequestedBy == nil || *req.RequestedBy != owner {
		t.Fatalf("request = %+v", req)
	}
}

func TestUpload_Rejections(t *testing.T) {
	e := newEnv(t, WithMaxBytes(64))
	owner := uuid.New()
	big := append(pngBytes(t), bytes.Repeat([]byte{0}, 128)...)

	tests := []struct {
		name string
		file string
		body io.Reader
		want error
	}{
		{"empty name", "", strings.NewReader("x"), ErrEmptyUpload},
		{"nil body", "a.png", nil, ErrEmptyUpload},
		{"empty body", "a.png", strings.NewReader(""), ErrEmptyUpload},
		{"bad extension", "notes.txt", strings.NewReader("hello"), ErrUnsupportedType},
		{"not an image", "fake.png", strings.NewReader("definitely not png"), ErrNotImage},
		{"too large", "big.png", bytes.NewReader(big), ErrTooLarge},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.svc.Upload(context.Background(), UploadRequest{FileName: tt.file, Body: tt.body, UploadedBy: &owner})
			if !errors.Is(err, tt.want) {
				t.Fatalf("err = %v, want %v", err, tt.want)
			}
			if !errors.Is(err, common.ErrInvalidInput) {
				t.Fatalf("err = %v should match ErrInvalidInput", err)
			}
		})
	}
	if len(e.sub.reqs) != 0 {
		t.Fatalf("nothing should be submitted, got %d", len(e.sub.reqs))
	}
	imgs, _ := e.store.Images.List(context.Background(), nil)
	if len(imgs) != 0 {
		t.Fatalf("no images should be stored, got %d", len(imgs))
	}
}

func TestUpload_RateLimited(t *testing.T) {
	e := newEnv(t, WithLimiter(ratelimit.NewMemoryLimiter(time.Minute)))
	owner := uuid.New()
	e.upload(t, owner)

	_, err := e.svc.Upload(context.Background(), UploadRequest{FileName: "b.png", Body: bytes.NewReader(pngBytes(t)), UploadedBy: &owner})
	if !errors.Is(err, ratelimit.ErrLimited) {
		t.Fatalf("err = %v, want ErrLimited", err)
	}

	// ingest uploads have no user and bypass the limiter
	if _, err := e.svc.Upload(context.Background(), UploadRequest{FileName: "c.png", Body: bytes.NewReader(pngBytes(t))}); err != nil {
		t.Fatalf("anonymous upload error: %v", err)
	}
}

func TestUpload_QueueClosed(t *testing.T) {
	e := newEnv(t)
	e.sub.err = async.ErrQueueClosed
	owner := uuid.New()
	_, err := e.svc.Upload(context.Background(), UploadRequest{FileName: "a.png", Body: bytes.NewReader(pngBytes(t)), UploadedBy: &owner})
	if !errors.Is(err, async.ErrQueueClosed) {
		t.Fatalf("err = %v, want ErrQueueClosed", err)
	}

	imgs, err := e.store.Images.List(context.Background(), nil)
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(imgs) != 0 {
		t.Fatalf("unqueued image left behind: %+v", imgs[0])
	}
	dir, err := e.blobs.LocalPath("images")
	if err != nil {
		t.Fatalf("LocalPath error: %v", err)
	}
	if entries, err := os.ReadDir(dir); err == nil && len(entries) != 0 {
		t.Fatalf("image blob left behind: %s", entries[0].Name())
	}
}

func TestListAndGet_Ownership(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	alice, bob := uuid.New(), uuid.New()
	a := e.upload(t, alice)
	e.upload(t, bob)

	views, err := e.svc.List(ctx, auth.Claims{UserID: alice, Role: auth.RoleUser})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	if len(views) != 1 || views[0].ID != a.ID {
		t.Fatalf("alice sees %+v", views)
	}
	all, err := e.svc.List(ctx, auth.Claims{UserID: uuid.New(), Role: auth.RoleAdmin})
	if err != nil {
		t.Fatalf("admin List error: %v", err)
	}
	if len(all) != 2 {
		t.Fatalf("admin sees %d, want 2", len(all))
	}

	if _, err := e.svc.Get(ctx, auth.Claims{UserID: bob, Role: auth.RoleUser}, a.ID); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("bob Get err = %v, want ErrForbidden", err)
	}
	if _, err := e.svc.Get(ctx, auth.Claims{UserID: alice}, uuid.New()); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("missing Get err = %v, want ErrNotFound", err)
	}

	v, err := e.svc.Get(ctx, auth.Claims{UserID: alice, Role: auth.RoleUser}, a.ID)
	if err != nil {
		t.Fatalf("Get error: %v", err)
	}
	if v.JobState != "" {
		t.Fatalf("job state = %q before any job", v.JobState)
	}

	job, err := e.store.Jobs.Start(ctx, a.ID)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	v, _ = e.svc.Get(ctx, auth.Claims{UserID: alice}, a.ID)
	if v.JobState != constants.JobStatusPending.String() {
		t.Fatalf("job state = %q, want PENDING (job %s)", v.JobState, job.ID)
	}
}

func TestReprocess(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := uuid.New()
	res := e.upload(t, owner)

	if err := e.svc.Reprocess(ctx, auth.Claims{UserID: uuid.New()}, res.ID); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("stranger err = %v", err)
	}
	if err := e.svc.Reprocess(ctx, auth.Claims{UserID: owner}, res.ID); err != nil {
		t.Fatalf("Reprocess error: %v", err)
	}
	if len(e.sub.reqs) != 2 || e.sub.reqs[1].ImageID != res.ID {
		t.Fatalf("submitted = %+v", e.sub.reqs)
	}

	dup := errors.New("ocr job already pending for image")
	e.sub.err = dup
	if err := e.svc.Reprocess(ctx, auth.Claims{UserID: owner}, res.ID); !errors.Is(err, dup) {
		t.Fatalf("err = %v, want submitter error", err)
	}
}

func TestDelete_CascadesAndRemovesBlobs(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	owner := uuid.New()
	res := e.upload(t, owner)
	img, _ := e.store.Images.GetByID(ctx, res.ID)

	job, err := e.store.Jobs.Start(ctx, res.ID)
	if err != nil {
		t.Fatalf("Start error: %v", err)
	}
	kept := storage.TextKey(res.ID, job.ID)
	if err := storage.WriteText(ctx, e.blobs, kept, "hello"); err != nil {
		t.Fatalf("WriteText error: %v", err)
	}
	for _, p := range []string{kept, "text/missing.txt"} {
		if err := e.store.TextFiles.Create(ctx, &entity.TextFile{FileName: "x.txt", StoragePath: p, ImageID: res.ID, CreatedBy: &owner}); err != nil {
			t.Fatalf("TextFiles.Create error: %v", err)
		}
	}

	if err := e.svc.Delete(ctx, auth.Claims{UserID: uuid.New()}, res.ID); !errors.Is(err, common.ErrForbidden) {
		t.Fatalf("stranger err = %v", err)
	}
	if err := e.svc.Delete(ctx, auth.Claims{UserID: uuid.New(), Role: auth.RoleAdmin}, res.ID); err != nil {
		t.Fatalf("admin Delete error: %v", err)
	}

	if _, err := e.store.Images.GetByID(ctx, res.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("image still present: %v", err)
	}
	if _, err := e.store.Jobs.GetByID(ctx, job.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("job still present: %v", err)
	}
	for _, key := range []string{kept, img.StoragePath} {
		if ok, _ := e.blobs.Exists(ctx, key); ok {
			t.Fatalf("blob %s still present", key)
		}
	}
	if err := e.svc.Delete(ctx, auth.Claims{UserID: owner}, res.ID); !errors.Is(err, repository.ErrNotFound) {
		t.Fatalf("second Delete err = %v, want ErrNotFound", err)
	}
}

func TestSniff(t *testing.T) {
	format, err := sniff(pngBytes(t))
	if err != nil || format != "png" {
		t.Fatalf("sniff = %q, %v", format, err)
	}
	if _, err := sniff([]byte("GIF89a?")); err == nil {
		t.Fatal("truncated gif should fail")
	}
	if got := contentType("tiff"); got != "image/tiff" {
		t.Fatalf("contentType = %q", got)
	}
}
