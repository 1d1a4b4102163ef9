package pipeline

import (
	"context"
	"fmt"
	"os"

	"media-pipeline-go/internal/compression"
	"media-pipeline-go/internal/logger"
)

// worker consumes tasks from the job channel until shutdown.
func (p *Pipeline) worker(id int) {
	defer p.wg.Done()
	for {
		select {
		case t := <-p.jobs:
			select {
			case <-p.ctx.Done():
				p.log.Debugf("Worker %d: task %s cancelled by shutdown", id, t.id)
			default:
				p.runTask(t)
			}
		case <-p.ctx.Done():
			return
		}
	}
}

// runTask executes one unit of work under the per-task timeout and
// records the terminal state.
func (p *Pipeline) runTask(t task) {
	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Pipeline.TaskTimeout)
	defer cancel()

	entry := logger.WithTask(p.log, t.id, t.key)
	entry.Infof("Processing started (compress=%v tier=%s)", t.compress, t.settings.Tier)

	if err := p.process(ctx, t); err != nil {
		p.stats.IncrementFailed()
		p.stats.RecordError(t.key, string(StageFailed), err)
		p.emit(t, StageFailed)
		entry.Errorf("Processing failed: %v", err)
		return
	}

	p.stats.IncrementCompleted()
	p.emit(t, StageDone)
	entry.Info("Processing completed")
}

// process walks the task through download, compression, upload and
// cleanup. Local artifacts are always deleted before the terminal state
// is reached, whatever the outcome.
func (p *Pipeline) process(ctx context.Context, t task) error {
	entry := logger.WithTask(p.log, t.id, t.key)

	p.emit(t, StageDownloading)
	localPath, err := p.store.Download(ctx, p.cfg.AWS.SourceBucket, t.key)
	if err != nil {
		return fmt.Errorf("download: %w", err)
	}

	artifacts := []string{localPath}
	defer func() {
		p.emit(t, StageCleaningUp)
		for _, artifact := range artifacts {
			p.store.RemoveLocal(artifact)
		}
	}()

	originalSize := localFileSize(localPath)
	p.stats.AddBytesDownloaded(originalSize)

	uploadPath := localPath
	compressed := false

	if t.compress {
		p.emit(t, StageCompressing)
		outcome, err := p.service.CompressFile(ctx, localPath, t.settings)
		if outcome.OutputPath != "" && outcome.OutputPath != localPath {
			artifacts = append(artifacts, outcome.OutputPath)
		}

		switch {
		case err != nil:
			// Compression is an optimization, not a correctness
			// requirement: unsupported or unreadable input falls back to
			// uploading the original.
			entry.Warnf("Compression unavailable, uploading original: %v", err)
		case !outcome.Success:
			entry.Warnf("Compression failed, uploading original")
		case outcome.CompressedSize >= originalSize && originalSize > 0:
			entry.Debugf("Compressed result not smaller (%d >= %d bytes), uploading original",
				outcome.CompressedSize, originalSize)
		default:
			uploadPath = outcome.OutputPath
			compressed = true
			p.stats.RecordMethod(string(outcome.Method))
			entry.Infof("Compressed with %s: %d -> %d bytes (%.1f%%)",
				outcome.Method, originalSize, outcome.CompressedSize,
				compression.Ratio(originalSize, outcome.CompressedSize))
		}
	}

	p.emit(t, StageUploading)
	if err := p.store.Upload(ctx, uploadPath, p.cfg.AWS.DestBucket, t.destKey); err != nil {
		return fmt.Errorf("upload: %w", err)
	}
	p.stats.AddBytesUploaded(localFileSize(uploadPath))

	if compressed {
		p.stats.IncrementCompressed()
	} else {
		p.stats.IncrementCopied()
	}
	return nil
}

func localFileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}
