package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"media-pipeline-go/internal/compression"
	"media-pipeline-go/internal/config"
	"media-pipeline-go/internal/statistics"
	"media-pipeline-go/internal/storage"
)

// fakeStore is an in-memory ObjectStore. Objects live in a nested
// bucket -> key -> content map; downloads materialize as real temp files
// so the compressors can operate on them.
type fakeStore struct {
	mu      sync.Mutex
	objects map[string]map[string][]byte
	tempDir string

	listErr   error
	uploadErr error

	// downloadGate, when set, blocks Download until the channel closes.
	downloadGate chan struct{}

	removed []string
}

func newFakeStore(t *testing.T) *fakeStore {
	return &fakeStore{
		objects: make(map[string]map[string][]byte),
		tempDir: t.TempDir(),
	}
}

func (f *fakeStore) put(bucket, key string, content []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.objects[bucket] == nil {
		f.objects[bucket] = make(map[string][]byte)
	}
	f.objects[bucket][key] = content
}

func (f *fakeStore) get(bucket, key string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.objects[bucket][key]
	return content, ok
}

func (f *fakeStore) List(ctx context.Context, bucket string, maxFiles int) ([]storage.MediaFile, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.objects[bucket]))
	for key := range f.objects[bucket] {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var files []storage.MediaFile
	for _, key := range keys {
		if len(files) >= maxFiles {
			break
		}
		files = append(files, storage.MediaFile{
			Key:       key,
			Name:      filepath.Base(key),
			Size:      int64(len(f.objects[bucket][key])),
			Extension: strings.ToLower(filepath.Ext(key)),
		})
	}
	return files, nil
}

func (f *fakeStore) Exists(ctx context.Context, bucket, key string) (bool, error) {
	_, ok := f.get(bucket, key)
	return ok, nil
}

func (f *fakeStore) Size(ctx context.Context, bucket, key string) (int64, error) {
	content, ok := f.get(bucket, key)
	if !ok {
		return 0, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}
	return int64(len(content)), nil
}

func (f *fakeStore) Download(ctx context.Context, bucket, key string) (string, error) {
	if f.downloadGate != nil {
		select {
		case <-f.downloadGate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	content, ok := f.get(bucket, key)
	if !ok {
		return "", fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	}

	tmp, err := os.CreateTemp(f.tempDir, "dl_*"+filepath.Ext(key))
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return "", err
	}
	return tmp.Name(), tmp.Close()
}

func (f *fakeStore) Upload(ctx context.Context, localPath, bucket, key string) error {
	if f.uploadErr != nil {
		return f.uploadErr
	}

	content, err := os.ReadFile(localPath)
	if err != nil {
		return err
	}
	f.put(bucket, key, content)
	return nil
}

func (f *fakeStore) RemoveLocal(path string) {
	f.mu.Lock()
	f.removed = append(f.removed, path)
	f.mu.Unlock()
	_ = os.Remove(path)
}

func testConfig(t *testing.T) *config.Config {
	cfg := config.DefaultConfig()
	cfg.AWS.SourceBucket = "src"
	cfg.AWS.DestBucket = "dst"
	cfg.Compression.OutputDir = t.TempDir()
	cfg.Compression.FFmpegPath = "/nonexistent/ffmpeg"
	cfg.Pipeline.Workers = 1
	cfg.Pipeline.QueueSize = 8
	cfg.Pipeline.TaskTimeout = 10 * time.Second
	return cfg
}

func newTestPipeline(t *testing.T, cfg *config.Config, store ObjectStore) *Pipeline {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	service := compression.NewService(log,
		compression.NewImageCompressor(cfg.Compression.OutputDir, cfg.Compression.FFmpegPath, false, log),
		compression.NewVideoCompressor(cfg.Compression.OutputDir, cfg.Compression.FFmpegPath, compression.VideoOptions{
			Codec:         cfg.Compression.VideoCodec,
			Preset:        cfg.Compression.VideoPreset,
			CRF:           cfg.Compression.VideoCRF,
			AudioBitrate:  cfg.Compression.AudioBitrate,
			SkipThreshold: cfg.Compression.SkipThreshold,
		}, log),
	)

	p := New(cfg, store, service, statistics.NewStatistics(), log)
	t.Cleanup(p.Shutdown)
	return p
}

// pngBytes encodes a uniform image without compression so recompression
// is guaranteed to shrink it.
func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	enc := png.Encoder{CompressionLevel: png.NoCompression}
	if err := enc.Encode(&buf, image.NewNRGBA(image.Rect(0, 0, 64, 64))); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// waitForStage drains events until the wanted terminal stage appears.
func waitForStage(t *testing.T, events <-chan Event, want Stage) []Stage {
	t.Helper()

	var seen []Stage
	deadline := time.After(15 * time.Second)
	for {
		select {
		case e := <-events:
			seen = append(seen, e.Stage)
			if e.Stage == want {
				return seen
			}
			if e.Stage == StageDone || e.Stage == StageFailed {
				t.Fatalf("terminal stage %q, want %q (seen: %v)", e.Stage, want, seen)
			}
		case <-deadline:
			t.Fatalf("timed out waiting for stage %q (seen: %v)", want, seen)
		}
	}
}

func TestDestinationKey(t *testing.T) {
	if got := DestinationKey("photos/a.jpg", true); got != "compressed/photos/a.jpg" {
		t.Errorf("DestinationKey(compress) = %q", got)
	}
	if got := DestinationKey("photos/a.jpg", false); got != "copied/photos/a.jpg" {
		t.Errorf("DestinationKey(copy) = %q", got)
	}
}

func TestValidateKey(t *testing.T) {
	tests := []struct {
		key     string
		wantErr bool
	}{
		{"photos/a.jpg", false},
		{"a.jpg", false},
		{"", true},
		{"/absolute.jpg", true},
		{"photos/../etc/passwd", true},
	}

	for _, tt := range tests {
		err := validateKey(tt.key)
		if (err != nil) != tt.wantErr {
			t.Errorf("validateKey(%q) error = %v, wantErr %v", tt.key, err, tt.wantErr)
		}
		if err != nil && !errors.Is(err, ErrInvalidKey) {
			t.Errorf("validateKey(%q) error = %v, want ErrInvalidKey", tt.key, err)
		}
	}
}

func TestStartProcessingInvalidTier(t *testing.T) {
	store := newFakeStore(t)
	p := newTestPipeline(t, testConfig(t), store)

	_, err := p.StartProcessing(context.Background(), "a.jpg", true, "ultra")
	if !errors.Is(err, compression.ErrInvalidTier) {
		t.Fatalf("error = %v, want ErrInvalidTier", err)
	}
}

func TestStartProcessingNotFound(t *testing.T) {
	store := newFakeStore(t)
	p := newTestPipeline(t, testConfig(t), store)

	_, err := p.StartProcessing(context.Background(), "missing.jpg", true, "medium")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("error = %v, want ErrNotFound", err)
	}
}

func TestStartProcessingSkipsAlreadyProcessed(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", pngBytes(t))
	store.put("dst", "compressed/a.png", []byte("done"))

	p := newTestPipeline(t, testConfig(t), store)

	result, err := p.StartProcessing(context.Background(), "a.png", true, "medium")
	if err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if result.Action != ActionSkipped {
		t.Errorf("Action = %q, want %q", result.Action, ActionSkipped)
	}
	if result.TaskID != "" {
		t.Error("skipped request should not carry a task id")
	}
	if got := p.Statistics().TasksSkipped; got != 1 {
		t.Errorf("TasksSkipped = %d, want 1", got)
	}
}

func TestUnifiedDedupe(t *testing.T) {
	for _, unified := range []bool{false, true} {
		t.Run(fmt.Sprintf("unified=%v", unified), func(t *testing.T) {
			store := newFakeStore(t)
			store.put("src", "a.png", pngBytes(t))
			// Only the copied variant exists; the request asks for compression.
			store.put("dst", "copied/a.png", []byte("done"))

			cfg := testConfig(t)
			cfg.Pipeline.UnifiedDedupe = unified
			p := newTestPipeline(t, cfg, store)

			result, err := p.StartProcessing(context.Background(), "a.png", true, "medium")
			if err != nil {
				t.Fatalf("StartProcessing failed: %v", err)
			}

			want := ActionQueued
			if unified {
				want = ActionSkipped
			}
			if result.Action != want {
				t.Errorf("Action = %q, want %q", result.Action, want)
			}
		})
	}
}

func TestProcessFlowCompressed(t *testing.T) {
	store := newFakeStore(t)
	original := pngBytes(t)
	store.put("src", "photos/a.png", original)

	p := newTestPipeline(t, testConfig(t), store)

	events := make(chan Event, 32)
	p.SetEventHook(func(e Event) { events <- e })

	result, err := p.StartProcessing(context.Background(), "photos/a.png", true, "medium")
	if err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if result.Action != ActionQueued {
		t.Fatalf("Action = %q, want %q", result.Action, ActionQueued)
	}
	if result.DestKey != "compressed/photos/a.png" {
		t.Errorf("DestKey = %q", result.DestKey)
	}
	if result.TaskID == "" {
		t.Error("queued request has no task id")
	}

	seen := waitForStage(t, events, StageDone)

	// The pending event is emitted by the submitting goroutine and may
	// interleave with the worker's events; the worker-side order is fixed.
	var workerStages []Stage
	pending := false
	for _, stage := range seen {
		if stage == StagePending {
			pending = true
			continue
		}
		workerStages = append(workerStages, stage)
	}
	if !pending {
		t.Errorf("no pending event observed (all: %v)", seen)
	}
	wantOrder := []Stage{StageDownloading, StageCompressing, StageUploading, StageCleaningUp, StageDone}
	if len(workerStages) != len(wantOrder) {
		t.Fatalf("worker stages = %v, want %v", workerStages, wantOrder)
	}
	for i, stage := range wantOrder {
		if workerStages[i] != stage {
			t.Fatalf("stage[%d] = %q, want %q (all: %v)", i, workerStages[i], stage, seen)
		}
	}

	uploaded, ok := store.get("dst", "compressed/photos/a.png")
	if !ok {
		t.Fatal("destination object missing")
	}
	if len(uploaded) == 0 || len(uploaded) >= len(original) {
		t.Errorf("uploaded %d bytes, want smaller than original %d", len(uploaded), len(original))
	}

	stats := p.Statistics()
	if stats.TasksCompleted != 1 || stats.TasksFailed != 0 {
		t.Errorf("completed=%d failed=%d, want 1/0", stats.TasksCompleted, stats.TasksFailed)
	}
	if stats.FilesCompressed != 1 {
		t.Errorf("FilesCompressed = %d, want 1", stats.FilesCompressed)
	}

	// Local artifacts must be gone once the task is done.
	store.mu.Lock()
	removed := append([]string(nil), store.removed...)
	store.mu.Unlock()
	if len(removed) < 2 {
		t.Fatalf("removed %d artifacts, want download plus compressed output", len(removed))
	}
	for _, path := range removed {
		if _, err := os.Stat(path); !os.IsNotExist(err) {
			t.Errorf("artifact %s still exists", path)
		}
	}
}

func TestProcessFlowCopyOnly(t *testing.T) {
	store := newFakeStore(t)
	content := []byte("opaque blob")
	store.put("src", "docs/raw.png", content)

	p := newTestPipeline(t, testConfig(t), store)

	events := make(chan Event, 32)
	p.SetEventHook(func(e Event) { events <- e })

	result, err := p.StartProcessing(context.Background(), "docs/raw.png", false, "medium")
	if err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}
	if result.DestKey != "copied/docs/raw.png" {
		t.Errorf("DestKey = %q", result.DestKey)
	}

	waitForStage(t, events, StageDone)

	uploaded, ok := store.get("dst", "copied/docs/raw.png")
	if !ok {
		t.Fatal("destination object missing")
	}
	if !bytes.Equal(uploaded, content) {
		t.Error("copied object differs from source")
	}
	if got := p.Statistics().FilesCopied; got != 1 {
		t.Errorf("FilesCopied = %d, want 1", got)
	}
}

func TestProcessFlowUploadFailure(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", pngBytes(t))
	store.uploadErr = errors.New("bucket unavailable")

	p := newTestPipeline(t, testConfig(t), store)

	events := make(chan Event, 32)
	p.SetEventHook(func(e Event) { events <- e })

	if _, err := p.StartProcessing(context.Background(), "a.png", true, "medium"); err != nil {
		t.Fatalf("StartProcessing failed: %v", err)
	}

	deadline := time.After(15 * time.Second)
	for {
		var e Event
		select {
		case e = <-events:
		case <-deadline:
			t.Fatal("timed out waiting for failure")
		}
		if e.Stage == StageFailed {
			break
		}
		if e.Stage == StageDone {
			t.Fatal("task succeeded despite upload failure")
		}
	}

	stats := p.Statistics()
	if stats.TasksFailed != 1 {
		t.Errorf("TasksFailed = %d, want 1", stats.TasksFailed)
	}

	// Cleanup still ran.
	store.mu.Lock()
	removed := len(store.removed)
	store.mu.Unlock()
	if removed == 0 {
		t.Error("no artifacts removed after failed upload")
	}
}

func TestStartProcessingQueueFull(t *testing.T) {
	store := newFakeStore(t)
	store.downloadGate = make(chan struct{})
	for _, key := range []string{"a.png", "b.png", "c.png"} {
		store.put("src", key, pngBytes(t))
	}

	cfg := testConfig(t)
	cfg.Pipeline.QueueSize = 1
	p := newTestPipeline(t, cfg, store)

	// First task occupies the single worker, second fills the queue.
	if _, err := p.StartProcessing(context.Background(), "a.png", true, "medium"); err != nil {
		t.Fatalf("first submission failed: %v", err)
	}

	// Give the worker a moment to pick up the first task.
	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, err := p.StartProcessing(context.Background(), "b.png", true, "medium"); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("second submission never accepted")
		}
		time.Sleep(10 * time.Millisecond)
	}

	_, err := p.StartProcessing(context.Background(), "c.png", true, "medium")
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("third submission error = %v, want ErrQueueFull", err)
	}

	close(store.downloadGate)
}

func TestShutdownRejectsNewSubmissions(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", pngBytes(t))
	p := newTestPipeline(t, testConfig(t), store)

	p.Shutdown()

	// Submissions after shutdown must be rejected, never panic.
	_, err := p.StartProcessing(context.Background(), "a.png", true, "medium")
	if !errors.Is(err, ErrShuttingDown) {
		t.Fatalf("submission after shutdown error = %v, want ErrShuttingDown", err)
	}
}

func TestStartBatch(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", pngBytes(t))
	store.put("src", "b.png", pngBytes(t))
	store.put("src", "c.png", pngBytes(t))
	store.put("dst", "compressed/b.png", []byte("done"))

	p := newTestPipeline(t, testConfig(t), store)

	result, err := p.StartBatch(context.Background(), 10, "", true, "medium")
	if err != nil {
		t.Fatalf("StartBatch failed: %v", err)
	}

	if result.Found != 3 {
		t.Errorf("Found = %d, want 3", result.Found)
	}
	if result.Queued != 2 {
		t.Errorf("Queued = %d, want 2", result.Queued)
	}
	if result.AlreadyProcessed != 1 {
		t.Errorf("AlreadyProcessed = %d, want 1", result.AlreadyProcessed)
	}
}

func TestStatus(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", bytes.Repeat([]byte("x"), 1000))
	store.put("dst", "compressed/a.png", bytes.Repeat([]byte("x"), 400))

	p := newTestPipeline(t, testConfig(t), store)

	status, err := p.Status(context.Background(), "a.png")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}

	if !status.Processed || !status.CompressedExists {
		t.Errorf("status = %+v, want processed with compressed variant", status)
	}
	if status.CopiedExists {
		t.Error("CopiedExists = true, want false")
	}
	if status.SourceSize != 1000 || status.CompressedSize != 400 {
		t.Errorf("sizes = %d/%d, want 1000/400", status.SourceSize, status.CompressedSize)
	}
	if status.CompressionRatio < 59.9 || status.CompressionRatio > 60.1 {
		t.Errorf("CompressionRatio = %v, want 60", status.CompressionRatio)
	}

	if _, err := p.Status(context.Background(), "missing.png"); !errors.Is(err, ErrNotFound) {
		t.Errorf("Status(missing) error = %v, want ErrNotFound", err)
	}
}

func TestListSourceFilter(t *testing.T) {
	store := newFakeStore(t)
	store.put("src", "a.png", []byte("1"))
	store.put("src", "b.jpg", []byte("2"))
	store.put("src", "c.mp4", []byte("3"))

	p := newTestPipeline(t, testConfig(t), store)

	files, err := p.ListSource(context.Background(), 10, "")
	if err != nil {
		t.Fatalf("ListSource failed: %v", err)
	}
	if len(files) != 3 {
		t.Errorf("unfiltered = %d files, want 3", len(files))
	}

	// Filter accepts the extension with or without the leading dot.
	for _, filter := range []string{"jpg", ".jpg", "JPG"} {
		files, err = p.ListSource(context.Background(), 10, filter)
		if err != nil {
			t.Fatalf("ListSource(%q) failed: %v", filter, err)
		}
		if len(files) != 1 || files[0].Key != "b.jpg" {
			t.Errorf("ListSource(%q) = %v, want only b.jpg", filter, files)
		}
	}
}

func TestHealth(t *testing.T) {
	store := newFakeStore(t)
	p := newTestPipeline(t, testConfig(t), store)

	if err := p.Health(context.Background()); err != nil {
		t.Errorf("Health on reachable store failed: %v", err)
	}

	store.listErr = errors.New("connection refused")
	if err := p.Health(context.Background()); err == nil {
		t.Error("Health on unreachable store succeeded")
	}
}

func TestGetCapabilities(t *testing.T) {
	store := newFakeStore(t)
	p := newTestPipeline(t, testConfig(t), store)

	caps := p.GetCapabilities()
	if len(caps.SupportedExtensions) == 0 {
		t.Error("no supported extensions reported")
	}
	if len(caps.Tiers) != 3 {
		t.Errorf("Tiers = %v, want three entries", caps.Tiers)
	}
	if len(caps.Methods) == 0 {
		t.Error("no compression methods reported")
	}
}
