package compression

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"
)

// FileResult is one record of a batch compression run.
type FileResult struct {
	InputPath      string  `json:"input_file"`
	OutputPath     string  `json:"output_file,omitempty"`
	OriginalSize   int64   `json:"original_size"`
	CompressedSize int64   `json:"compressed_size"`
	Ratio          float64 `json:"compression_ratio"`
	Method         Method  `json:"method"`
	Success        bool    `json:"success"`
	Error          string  `json:"error,omitempty"`
}

// Service dispatches files to the first capable compressor. Compressors
// are consulted in registration order (images before video).
type Service struct {
	compressors []Compressor
	log         *logrus.Logger
}

// NewService returns a Service over the given compressors.
func NewService(log *logrus.Logger, compressors ...Compressor) *Service {
	return &Service{
		compressors: compressors,
		log:         log,
	}
}

// CompressFile compresses a single file with the first compressor that
// supports its extension.
func (s *Service) CompressFile(ctx context.Context, inputPath string, settings Settings) (Outcome, error) {
	if _, err := os.Stat(inputPath); err != nil {
		return Outcome{Method: MethodNone}, fmt.Errorf("input file: %w", err)
	}

	ext := strings.ToLower(filepath.Ext(inputPath))
	for _, c := range s.compressors {
		if c.SupportsFormat(ext) {
			return c.Compress(ctx, inputPath, settings)
		}
	}

	return Outcome{Method: MethodNone}, fmt.Errorf("%w: %s", ErrUnsupportedFormat, ext)
}

// Supports reports whether any registered compressor handles the extension.
func (s *Service) Supports(ext string) bool {
	ext = strings.ToLower(ext)
	for _, c := range s.compressors {
		if c.SupportsFormat(ext) {
			return true
		}
	}
	return false
}

// CompressDirectory compresses every regular file in a directory,
// non-recursively. A single file's failure never aborts the batch.
func (s *Service) CompressDirectory(ctx context.Context, dir string, settings Settings) ([]FileResult, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read directory: %w", err)
	}

	var results []FileResult
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		results = append(results, s.compressOne(ctx, filepath.Join(dir, entry.Name()), settings))
	}
	return results, nil
}

// CompressMultiple compresses a list of files and directories, returning
// one result record per input file.
func (s *Service) CompressMultiple(ctx context.Context, inputPaths []string, settings Settings) []FileResult {
	var results []FileResult
	for _, inputPath := range inputPaths {
		info, err := os.Stat(inputPath)
		if err != nil {
			results = append(results, FileResult{
				InputPath: inputPath,
				Method:    MethodNone,
				Error:     err.Error(),
			})
			continue
		}

		if info.IsDir() {
			dirResults, err := s.CompressDirectory(ctx, inputPath, settings)
			if err != nil {
				s.log.Warnf("Failed to process directory %s: %v", inputPath, err)
				continue
			}
			results = append(results, dirResults...)
			continue
		}

		results = append(results, s.compressOne(ctx, inputPath, settings))
	}
	return results
}

// SupportedExtensions returns the union of all registered formats, sorted.
func (s *Service) SupportedExtensions() []string {
	var exts []string
	for _, c := range s.compressors {
		if lister, ok := c.(interface{ Extensions() []string }); ok {
			exts = append(exts, lister.Extensions()...)
		}
	}
	sort.Strings(exts)
	return exts
}

func (s *Service) compressOne(ctx context.Context, inputPath string, settings Settings) FileResult {
	originalSize := fileSize(inputPath)

	outcome, err := s.CompressFile(ctx, inputPath, settings)
	if err != nil {
		return FileResult{
			InputPath:    inputPath,
			OriginalSize: originalSize,
			Method:       MethodNone,
			Error:        err.Error(),
		}
	}
	if !outcome.Success {
		return FileResult{
			InputPath:    inputPath,
			OriginalSize: originalSize,
			Method:       outcome.Method,
			Error:        "compression produced no result",
		}
	}

	return FileResult{
		InputPath:      inputPath,
		OutputPath:     outcome.OutputPath,
		OriginalSize:   originalSize,
		CompressedSize: outcome.CompressedSize,
		Ratio:          Ratio(originalSize, outcome.CompressedSize),
		Method:         outcome.Method,
		Success:        true,
	}
}

// Extensions returns the supported image extensions, sorted.
func (c *ImageCompressor) Extensions() []string {
	return sortedKeys(imageExtensions)
}

// Extensions returns the supported video extensions, sorted.
func (c *VideoCompressor) Extensions() []string {
	return sortedKeys(videoExtensions)
}

func sortedKeys(set map[string]struct{}) []string {
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
