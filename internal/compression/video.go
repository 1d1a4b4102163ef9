package compression

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"
)

var videoExtensions = map[string]struct{}{
	".mp4": {}, ".avi": {}, ".mov": {}, ".mkv": {}, ".webm": {}, ".flv": {},
}

// VideoOptions configures the ffmpeg re-encode stage.
type VideoOptions struct {
	Codec         string // video codec, e.g. libx264
	Preset        string // encoder speed preset
	CRF           int    // constant rate factor
	AudioBitrate  string // e.g. 96k
	SkipThreshold int64  // below this size the original is copied verbatim
}

// DefaultVideoOptions returns the default re-encode parameters.
func DefaultVideoOptions() VideoOptions {
	return VideoOptions{
		Codec:         "libx264",
		Preset:        "medium",
		CRF:           23,
		AudioBitrate:  "96k",
		SkipThreshold: 5_000_000,
	}
}

// VideoCompressor compresses video files with a three stage strategy:
// stream remux, skip-copy for small files, full re-encode.
type VideoCompressor struct {
	outputDir  string
	ffmpegPath string
	opts       VideoOptions
	log        *logrus.Logger
}

// NewVideoCompressor returns a new VideoCompressor writing results into outputDir.
func NewVideoCompressor(outputDir, ffmpegPath string, opts VideoOptions, log *logrus.Logger) *VideoCompressor {
	if opts.Codec == "" {
		opts = DefaultVideoOptions()
	}
	return &VideoCompressor{
		outputDir:  outputDir,
		ffmpegPath: ffmpegPath,
		opts:       opts,
		log:        log,
	}
}

// SupportsFormat reports whether the extension is a supported video format.
func (c *VideoCompressor) SupportsFormat(ext string) bool {
	_, ok := videoExtensions[strings.ToLower(ext)]
	return ok
}

// Compress compresses a single video file. The first winning strategy
// stops the chain; when re-encoding fails there is no further fallback and
// the outcome reports failure so the caller retains the original.
func (c *VideoCompressor) Compress(ctx context.Context, inputPath string, settings Settings) (Outcome, error) {
	ext := strings.ToLower(filepath.Ext(inputPath))
	if !c.SupportsFormat(ext) {
		return Outcome{Method: MethodNone}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
	}

	if err := ensureDir(c.outputDir); err != nil {
		return Outcome{Method: MethodNone}, fmt.Errorf("create output dir: %w", err)
	}

	originalSize := fileSize(inputPath)
	outPath := outputPath(c.outputDir, inputPath, "compressed_")

	if c.tryStreamCopy(ctx, inputPath, outPath, originalSize) {
		return Outcome{
			Success:        true,
			Method:         MethodStreamCopy,
			OriginalSize:   originalSize,
			CompressedSize: fileSize(outPath),
			OutputPath:     outPath,
		}, nil
	}

	// Already small enough, not worth the encode cost. The copy keeps the
	// plain filename since the content is byte-identical.
	if originalSize < c.opts.SkipThreshold {
		copyPath := outputPath(c.outputDir, inputPath, "")
		if err := copyFile(inputPath, copyPath); err != nil {
			c.log.Warnf("Skip-copy failed for %s: %v", filepath.Base(inputPath), err)
			return Outcome{Method: MethodNone, OriginalSize: originalSize}, nil
		}
		c.log.Debugf("Video %s below threshold (%d bytes), copied without re-encoding",
			filepath.Base(inputPath), originalSize)
		return Outcome{
			Success:        true,
			Method:         MethodSkipCopy,
			OriginalSize:   originalSize,
			CompressedSize: originalSize,
			OutputPath:     copyPath,
		}, nil
	}

	return c.reencode(ctx, inputPath, outPath, originalSize), nil
}

// tryStreamCopy re-containerizes without re-encoding. The result is
// accepted only when strictly smaller than the original.
func (c *VideoCompressor) tryStreamCopy(ctx context.Context, inputPath, outPath string, originalSize int64) bool {
	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-i", inputPath,
		"-c", "copy",
		"-avoid_negative_ts", "make_zero",
		"-y", outPath,
	)
	if err := cmd.Run(); err != nil {
		_ = os.Remove(outPath)
		return false
	}

	if copySize := fileSize(outPath); copySize > 0 && copySize < originalSize {
		return true
	}
	_ = os.Remove(outPath)
	return false
}

// reencode transcodes the video stream and converts audio to AAC. The
// container index is moved to the front for progressive download.
func (c *VideoCompressor) reencode(ctx context.Context, inputPath, outPath string, originalSize int64) Outcome {
	c.log.Debugf("Re-encoding video %s (crf=%d preset=%s)", filepath.Base(inputPath), c.opts.CRF, c.opts.Preset)

	cmd := exec.CommandContext(ctx, c.ffmpegPath,
		"-i", inputPath,
		"-c:v", c.opts.Codec,
		"-preset", c.opts.Preset,
		"-crf", strconv.Itoa(c.opts.CRF),
		"-c:a", "aac",
		"-b:a", c.opts.AudioBitrate,
		"-movflags", "+faststart",
		"-y", outPath,
	)
	if err := cmd.Run(); err != nil {
		c.log.Warnf("Re-encoding failed for %s: %v", filepath.Base(inputPath), err)
		_ = os.Remove(outPath)
		return Outcome{Method: MethodNone, OriginalSize: originalSize}
	}

	if !nonEmptyFile(outPath) {
		_ = os.Remove(outPath)
		return Outcome{Method: MethodNone, OriginalSize: originalSize}
	}

	return Outcome{
		Success:        true,
		Method:         MethodReencode,
		OriginalSize:   originalSize,
		CompressedSize: fileSize(outPath),
		OutputPath:     outPath,
	}
}
