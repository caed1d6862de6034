package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/joseph-ayodele/ocrpipe/internal/services/images"
)

type fakeUploader struct {
	mu    sync.Mutex
	names []string
	body  map[string]string
	fail  map[string]error
	calls chan string
}

func newFakeUploader() *fakeUploader {
	return &fakeUploader{body: map[string]string{}, fail: map[string]error{}, calls: make(chan string, 32)}
}

func (f *fakeUploader) Upload(_ context.Context, req images.UploadRequest) (images.UploadResult, error) {
	data, err := io.ReadAll(req.Body)
	if err != nil {
		return images.UploadResult{}, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if req.UploadedBy != nil {
		return images.UploadResult{}, errors.New("ingest must not set an owner")
	}
	if err := f.fail[req.FileName]; err != nil {
		return images.UploadResult{}, err
	}
	f.names = append(f.names, req.FileName)
	f.body[req.FileName] = string(data)
	f.calls <- req.FileName
	return images.UploadResult{ID: uuid.New(), FileName: req.FileName}, nil
}

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("MkdirAll error: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile error: %v", err)
	}
}

func TestIngestPath_UploadsAndRemovesSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scan.PNG")
	writeFile(t, path, "pixels")
	up := newFakeUploader()
	ing := NewFSIngestor(up, discardLogger(), WithRemoveSource(true))

	res, err := ing.IngestPath(context.Background(), path)
	if err != nil {
		t.Fatalf("IngestPath error: %v", err)
	}
	if res.ImageID == uuid.Nil {
		t.Fatal("expected image id")
	}
	if up.body["scan.PNG"] != "pixels" {
		t.Fatalf("uploaded body = %q", up.body["scan.PNG"])
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("source should be removed, stat err = %v", err)
	}
}

func TestIngestPath_KeepsSourceOnFailure(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.png")
	writeFile(t, path, "not an image")
	up := newFakeUploader()
	up.fail["bad.png"] = images.ErrNotImage
	ing := NewFSIngestor(up, discardLogger(), WithRemoveSource(true))

	if _, err := ing.IngestPath(context.Background(), path); !errors.Is(err, images.ErrNotImage) {
		t.Fatalf("err = %v, want ErrNotImage", err)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("source should remain: %v", err)
	}
}

func TestIngestPath_RejectsExtension(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "notes.pdf")
	writeFile(t, path, "%PDF")
	up := newFakeUploader()

	if _, err := NewFSIngestor(up, discardLogger()).IngestPath(context.Background(), path); err == nil {
		t.Fatal("expected error for pdf")
	}
	if len(up.names) != 0 {
		t.Fatalf("uploaded = %v", up.names)
	}
}

func TestIngestDirectory_Stats(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.png"), "a")
	writeFile(t, filepath.Join(root, "nested", "b.jpg"), "b")
	writeFile(t, filepath.Join(root, "nested", "readme.txt"), "r")
	writeFile(t, filepath.Join(root, ".hidden", "c.png"), "c")
	writeFile(t, filepath.Join(root, "broken.tiff"), "x")

	up := newFakeUploader()
	up.fail["broken.tiff"] = images.ErrNotImage
	ing := NewFSIngestor(up, discardLogger())

	results, stats, err := ing.IngestDirectory(context.Background(), root, true)
	if err != nil {
		t.Fatalf("IngestDirectory error: %v", err)
	}
	if stats.Matched != 3 || stats.Succeeded != 2 || stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	names := append([]string(nil), up.names...)
	sort.Strings(names)
	if len(names) != 2 || names[0] != "a.png" || names[1] != "b.jpg" {
		t.Fatalf("uploaded = %v", names)
	}

	if _, _, err := ing.IngestDirectory(context.Background(), "  ", false); err == nil {
		t.Fatal("expected error for empty root")
	}
}

func TestWatch_IngestsNewFiles(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "existing.png"), "old")

	up := newFakeUploader()
	ing := NewFSIngestor(up, discardLogger(), WithRemoveSource(true))
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- ing.Watch(ctx, WatchConfig{Roots: []string{root}, InitialScan: true, Debounce: 20 * time.Millisecond, SkipHidden: true})
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitFor(t, up, "existing.png")

	writeFile(t, filepath.Join(root, "fresh.jpg"), "new")
	waitFor(t, up, "fresh.jpg")

	writeFile(t, filepath.Join(root, "ignored.txt"), "nope")
	writeFile(t, filepath.Join(root, ".tmp.png"), "partial")
	select {
	case name := <-up.calls:
		t.Fatalf("unexpected upload of %s", name)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitFor(t *testing.T, up *fakeUploader, name string) {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case got := <-up.calls:
			if got == name {
				return
			}
		case <-timeout:
			t.Fatalf("timed out waiting for upload of %s", name)
		}
	}
}

func TestStartWatcher_NoRoots(t *testing.T) {
	if _, _, err := StartWatcher(context.Background(), WatchConfig{}, discardLogger()); err == nil {
		t.Fatal("expected error")
	}
}

func TestIsHidden(t *testing.T) {
	cases := map[string]bool{
		"/a/.git":     true,
		"/a/b.png":    false,
		".":           false,
		"/x/.env.png": true,
	}
	for path, want := range cases {
		if got := IsHidden(path); got != want {
			t.Errorf("IsHidden(%q) = %v, want %v", path, got, want)
		}
	}
}
