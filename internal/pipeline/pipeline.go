package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"media-pipeline-go/internal/compression"
	"media-pipeline-go/internal/config"
	"media-pipeline-go/internal/statistics"
	"media-pipeline-go/internal/storage"
)

var (
	// ErrNotFound indicates the source key does not exist.
	ErrNotFound = storage.ErrNotFound
	// ErrInvalidKey indicates a malformed storage key.
	ErrInvalidKey = errors.New("invalid storage key")
	// ErrQueueFull indicates the task queue cannot accept more work.
	ErrQueueFull = errors.New("processing queue is full")
	// ErrShuttingDown indicates the pipeline no longer accepts work.
	ErrShuttingDown = errors.New("pipeline is shutting down")
)

// ObjectStore is the storage capability consumed by the pipeline.
type ObjectStore interface {
	List(ctx context.Context, bucket string, maxFiles int) ([]storage.MediaFile, error)
	Exists(ctx context.Context, bucket, key string) (bool, error)
	Size(ctx context.Context, bucket, key string) (int64, error)
	Download(ctx context.Context, bucket, key string) (string, error)
	Upload(ctx context.Context, localPath, bucket, key string) error
	RemoveLocal(path string)
}

// Action describes the synchronous outcome of a processing request.
type Action string

const (
	ActionQueued  Action = "queued"
	ActionSkipped Action = "skipped"
)

// Stage is one state of a processing task.
type Stage string

const (
	StagePending     Stage = "pending"
	StageDownloading Stage = "downloading"
	StageCompressing Stage = "compressing"
	StageUploading   Stage = "uploading"
	StageCleaningUp  Stage = "cleaning_up"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Event is emitted on every task stage transition.
type Event struct {
	TaskID    string    `json:"task_id"`
	Key       string    `json:"key"`
	Stage     Stage     `json:"stage"`
	Timestamp time.Time `json:"timestamp"`
}

// ProcessingResult is the synchronous response to a processing request.
// The actual work completes asynchronously.
type ProcessingResult struct {
	TaskID     string `json:"task_id,omitempty"`
	SourceKey  string `json:"source_key"`
	DestKey    string `json:"dest_key"`
	Action     Action `json:"action"`
	Compressed bool   `json:"compressed"`
	Quality    string `json:"quality,omitempty"`
}

// BatchResult summarizes a batch submission.
type BatchResult struct {
	Found            int `json:"files_found"`
	Queued           int `json:"files_queued"`
	AlreadyProcessed int `json:"files_already_processed"`
}

// StatusResult reports the processing state of a key.
type StatusResult struct {
	Key              string  `json:"key"`
	SourceExists     bool    `json:"source_exists"`
	SourceSize       int64   `json:"source_size"`
	Processed        bool    `json:"processed"`
	CompressedExists bool    `json:"compressed_version_exists"`
	CopiedExists     bool    `json:"copied_version_exists"`
	CompressedSize   int64   `json:"compressed_size,omitempty"`
	CompressionRatio float64 `json:"compression_ratio,omitempty"`
}

// Capabilities describes what the pipeline can process.
type Capabilities struct {
	SupportedExtensions []string `json:"supported_extensions"`
	Tiers               []string `json:"quality_levels"`
	Methods             []string `json:"compression_methods"`
}

type task struct {
	id       string
	key      string
	destKey  string
	compress bool
	settings compression.Settings
}

// Pipeline orchestrates download, compression, upload and cleanup per
// storage key, running each unit of work on a bounded worker pool.
type Pipeline struct {
	cfg     *config.Config
	store   ObjectStore
	service *compression.Service
	stats   *statistics.Statistics
	log     *logrus.Logger

	jobs   chan task
	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	hookMutex sync.RWMutex
	eventHook func(Event)
}

// New returns a running Pipeline with its worker pool started.
func New(cfg *config.Config, store ObjectStore, service *compression.Service, stats *statistics.Statistics, log *logrus.Logger) *Pipeline {
	ctx, cancel := context.WithCancel(context.Background())
	p := &Pipeline{
		cfg:     cfg,
		store:   store,
		service: service,
		stats:   stats,
		log:     log,
		jobs:    make(chan task, cfg.Pipeline.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}

	for i := 0; i < cfg.Pipeline.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

// SetEventHook registers a callback invoked on every task stage
// transition. Used by the web layer to stream events.
func (p *Pipeline) SetEventHook(hook func(Event)) {
	p.hookMutex.Lock()
	p.eventHook = hook
	p.hookMutex.Unlock()
}

// Shutdown stops accepting work and waits for the workers to exit.
// The jobs channel is never closed so a submission racing Shutdown
// cannot panic; it is rejected with ErrShuttingDown instead.
func (p *Pipeline) Shutdown() {
	p.cancel()
	p.wg.Wait()
}

// DestinationKey computes the destination key for a source key. The
// mapping is deterministic so re-runs can be detected.
func DestinationKey(key string, compress bool) string {
	if compress {
		return "compressed/" + key
	}
	return "copied/" + key
}

// StartProcessing validates the request, checks for duplicates and
// enqueues one background task. It returns immediately; the work itself
// completes asynchronously.
func (p *Pipeline) StartProcessing(ctx context.Context, key string, compress bool, tierName string) (ProcessingResult, error) {
	tier, err := compression.ParseTier(tierName)
	if err != nil {
		return ProcessingResult{}, err
	}
	if err := validateKey(key); err != nil {
		return ProcessingResult{}, err
	}

	exists, err := p.store.Exists(ctx, p.cfg.AWS.SourceBucket, key)
	if err != nil {
		return ProcessingResult{}, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return ProcessingResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	destKey := DestinationKey(key, compress)
	processed, err := p.alreadyProcessed(ctx, key, compress)
	if err != nil {
		return ProcessingResult{}, fmt.Errorf("check destination: %w", err)
	}
	if processed {
		p.stats.IncrementSkipped()
		return ProcessingResult{
			SourceKey:  key,
			DestKey:    destKey,
			Action:     ActionSkipped,
			Compressed: compress,
		}, nil
	}

	// Each task carries its own settings value so concurrent requests
	// with different tiers cannot interfere.
	settings, err := compression.SettingsForTier(tier)
	if err != nil {
		return ProcessingResult{}, err
	}

	t := task{
		id:       uuid.NewString(),
		key:      key,
		destKey:  destKey,
		compress: compress,
		settings: settings,
	}
	if err := p.enqueue(t); err != nil {
		return ProcessingResult{}, err
	}

	return ProcessingResult{
		TaskID:     t.id,
		SourceKey:  key,
		DestKey:    destKey,
		Action:     ActionQueued,
		Compressed: compress,
		Quality:    string(tier),
	}, nil
}

// StartBatch lists the source bucket and enqueues one task per file that
// has not been processed yet.
func (p *Pipeline) StartBatch(ctx context.Context, maxFiles int, extFilter string, compress bool, tierName string) (BatchResult, error) {
	tier, err := compression.ParseTier(tierName)
	if err != nil {
		return BatchResult{}, err
	}
	settings, err := compression.SettingsForTier(tier)
	if err != nil {
		return BatchResult{}, err
	}

	files, err := p.ListSource(ctx, maxFiles, extFilter)
	if err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Found: len(files)}
	for _, file := range files {
		processed, err := p.alreadyProcessed(ctx, file.Key, compress)
		if err != nil {
			return result, fmt.Errorf("check destination for %s: %w", file.Key, err)
		}
		if processed {
			result.AlreadyProcessed++
			p.stats.IncrementSkipped()
			continue
		}

		t := task{
			id:       uuid.NewString(),
			key:      file.Key,
			destKey:  DestinationKey(file.Key, compress),
			compress: compress,
			settings: settings,
		}
		if err := p.enqueue(t); err != nil {
			p.log.Warnf("Batch submission stopped after %d tasks: %v", result.Queued, err)
			return result, err
		}
		result.Queued++
	}

	return result, nil
}

// Status reports whether a key has been processed and with what result.
func (p *Pipeline) Status(ctx context.Context, key string) (StatusResult, error) {
	if err := validateKey(key); err != nil {
		return StatusResult{}, err
	}

	exists, err := p.store.Exists(ctx, p.cfg.AWS.SourceBucket, key)
	if err != nil {
		return StatusResult{}, fmt.Errorf("check source: %w", err)
	}
	if !exists {
		return StatusResult{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	sourceSize, err := p.store.Size(ctx, p.cfg.AWS.SourceBucket, key)
	if err != nil {
		return StatusResult{}, fmt.Errorf("source size: %w", err)
	}

	compressedKey := DestinationKey(key, true)
	copiedKey := DestinationKey(key, false)

	compressedExists, err := p.store.Exists(ctx, p.cfg.AWS.DestBucket, compressedKey)
	if err != nil {
		return StatusResult{}, fmt.Errorf("check destination: %w", err)
	}
	copiedExists, err := p.store.Exists(ctx, p.cfg.AWS.DestBucket, copiedKey)
	if err != nil {
		return StatusResult{}, fmt.Errorf("check destination: %w", err)
	}

	result := StatusResult{
		Key:              key,
		SourceExists:     true,
		SourceSize:       sourceSize,
		Processed:        compressedExists || copiedExists,
		CompressedExists: compressedExists,
		CopiedExists:     copiedExists,
	}

	if compressedExists {
		compressedSize, err := p.store.Size(ctx, p.cfg.AWS.DestBucket, compressedKey)
		if err == nil {
			result.CompressedSize = compressedSize
			result.CompressionRatio = compression.Ratio(sourceSize, compressedSize)
		}
	}

	return result, nil
}

// ListSource lists media files in the source bucket, optionally filtered
// by extension.
func (p *Pipeline) ListSource(ctx context.Context, maxFiles int, extFilter string) ([]storage.MediaFile, error) {
	files, err := p.store.List(ctx, p.cfg.AWS.SourceBucket, maxFiles)
	if err != nil {
		return nil, fmt.Errorf("list source bucket: %w", err)
	}
	if extFilter == "" {
		return files, nil
	}

	ext := strings.ToLower(extFilter)
	if !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}

	filtered := files[:0]
	for _, f := range files {
		if f.Extension == ext {
			filtered = append(filtered, f)
		}
	}
	return filtered, nil
}

// GetCapabilities returns the supported formats and quality tiers.
func (p *Pipeline) GetCapabilities() Capabilities {
	return Capabilities{
		SupportedExtensions: p.service.SupportedExtensions(),
		Tiers:               compression.Tiers(),
		Methods: []string{
			string(compression.MethodFFmpeg),
			string(compression.MethodLibrary),
			string(compression.MethodStreamCopy),
			string(compression.MethodSkipCopy),
			string(compression.MethodReencode),
		},
	}
}

// Health verifies that the source bucket is reachable.
func (p *Pipeline) Health(ctx context.Context) error {
	if _, err := p.store.List(ctx, p.cfg.AWS.SourceBucket, 1); err != nil {
		return fmt.Errorf("storage connection failed: %w", err)
	}
	return nil
}

// Statistics returns the pipeline counters.
func (p *Pipeline) Statistics() *statistics.Statistics {
	return p.stats
}

// alreadyProcessed checks the destination bucket for the key variant
// matching the compress flag. With unified dedupe enabled, a key processed
// under either variant counts as processed.
func (p *Pipeline) alreadyProcessed(ctx context.Context, key string, compress bool) (bool, error) {
	exists, err := p.store.Exists(ctx, p.cfg.AWS.DestBucket, DestinationKey(key, compress))
	if err != nil || exists {
		return exists, err
	}
	if !p.cfg.Pipeline.UnifiedDedupe {
		return false, nil
	}
	return p.store.Exists(ctx, p.cfg.AWS.DestBucket, DestinationKey(key, !compress))
}

func (p *Pipeline) enqueue(t task) error {
	select {
	case <-p.ctx.Done():
		return ErrShuttingDown
	default:
	}

	select {
	case p.jobs <- t:
	default:
		return ErrQueueFull
	}

	p.stats.IncrementQueued()
	p.emit(t, StagePending)
	return nil
}

func (p *Pipeline) emit(t task, stage Stage) {
	p.hookMutex.RLock()
	hook := p.eventHook
	p.hookMutex.RUnlock()

	if hook != nil {
		hook(Event{
			TaskID:    t.id,
			Key:       t.key,
			Stage:     stage,
			Timestamp: time.Now(),
		})
	}
}

func validateKey(key string) error {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "..") {
		return fmt.Errorf("%w: %q", ErrInvalidKey, key)
	}
	return nil
}
