package compression

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Method identifies the strategy that produced a compression result.
type Method string

const (
	MethodFFmpeg     Method = "ffmpeg"
	MethodLibrary    Method = "library"
	MethodStreamCopy Method = "stream-copy"
	MethodSkipCopy   Method = "skip-copy"
	MethodReencode   Method = "re-encode"
	MethodNone       Method = "none"
)

// ErrUnsupportedFormat is returned when no compressor handles an extension.
var ErrUnsupportedFormat = fmt.Errorf("unsupported file format")

// Outcome describes the result of one compression attempt.
type Outcome struct {
	Success        bool   `json:"success"`
	Method         Method `json:"method"`
	OriginalSize   int64  `json:"original_size"`
	CompressedSize int64  `json:"compressed_size"`
	OutputPath     string `json:"output_path,omitempty"`
}

// Compressor is the capability contract implemented per media kind.
// Compress on an unsupported extension is a caller error and fails fast
// with ErrUnsupportedFormat without attempting any strategy.
type Compressor interface {
	SupportsFormat(ext string) bool
	Compress(ctx context.Context, inputPath string, settings Settings) (Outcome, error)
}

// Ratio returns the compression ratio as a percentage. A zero original
// size yields 0, never a division by zero.
func Ratio(originalSize, compressedSize int64) float64 {
	if originalSize == 0 {
		return 0
	}
	return (1 - float64(compressedSize)/float64(originalSize)) * 100
}

// fileSize returns the size of the file at path, or 0 if it cannot be stat'd.
func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// outputPath returns the output location for an input file. The prefix is
// "compressed_" for re-encoded results and empty for verbatim copies.
func outputPath(outputDir, inputPath, prefix string) string {
	return filepath.Join(outputDir, prefix+filepath.Base(inputPath))
}

// ensureDir creates the output directory if it does not exist yet.
func ensureDir(dir string) error {
	return os.MkdirAll(dir, 0755)
}

// nonEmptyFile reports whether path exists and has content.
func nonEmptyFile(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Size() > 0
}

// copyFile copies src to dst verbatim.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() {
		_ = out.Close()
	}()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
