package metadata

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/barasher/go-exiftool"
	"github.com/rwcarlsen/goexif/exif"
	"github.com/sirupsen/logrus"

	"media-pipeline-go/internal/compression"
)

// Inspector reads metadata from local media files. EXIF parsing is done
// in process with goexif; the full-tag dump shells out to exiftool.
type Inspector struct {
	log   *logrus.Logger
	cache sync.Map
}

// NewInspector returns a new Inspector.
func NewInspector(log *logrus.Logger) *Inspector {
	return &Inspector{log: log}
}

// CaptureDate returns the capture date from EXIF metadata, falling back
// to the file modification time when no EXIF date is present.
func (i *Inspector) CaptureDate(filePath string) (time.Time, error) {
	fileInfo, err := os.Stat(filePath)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to stat file: %w", err)
	}

	cacheKey := fmt.Sprintf("%s:%d:%d", filePath, fileInfo.Size(), fileInfo.ModTime().Unix())
	if cached, ok := i.cache.Load(cacheKey); ok {
		return cached.(time.Time), nil
	}

	date, err := i.extractEXIFDate(filePath)
	if err != nil {
		i.log.Debugf("No EXIF date in %s, using modification time: %v", filePath, err)
		date = fileInfo.ModTime()
	}

	i.cache.Store(cacheKey, date)
	return date, nil
}

// HasCompressionMark reports whether the file carries the Software tag
// marker written by this tool after recompression.
func (i *Inspector) HasCompressionMark(filePath string) bool {
	f, err := os.Open(filePath)
	if err != nil {
		return false
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return false
	}
	tag, err := x.Get(exif.Software)
	if err != nil {
		return false
	}
	val, err := tag.StringVal()
	if err != nil {
		return false
	}
	return strings.Contains(val, compression.SoftwareMark)
}

// Describe returns all metadata fields of a file using the exiftool
// binary. Used by the inspect command.
func (i *Inspector) Describe(filePath string) (map[string]interface{}, error) {
	et, err := exiftool.NewExiftool()
	if err != nil {
		return nil, fmt.Errorf("start exiftool: %w", err)
	}
	defer et.Close()

	files := et.ExtractMetadata(filePath)
	if len(files) == 0 {
		return nil, fmt.Errorf("no metadata extracted from %s", filePath)
	}
	if files[0].Err != nil {
		return nil, fmt.Errorf("extract metadata: %w", files[0].Err)
	}
	return files[0].Fields, nil
}

// extractEXIFDate reads the capture date using the goexif library.
func (i *Inspector) extractEXIFDate(filePath string) (time.Time, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to open file: %w", err)
	}
	defer f.Close()

	x, err := exif.Decode(f)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to decode EXIF: %w", err)
	}

	if tm, err := x.DateTime(); err == nil {
		return tm, nil
	}

	for _, field := range []exif.FieldName{exif.DateTimeOriginal, exif.DateTimeDigitized} {
		tag, err := x.Get(field)
		if err != nil {
			continue
		}
		dateStr, err := tag.StringVal()
		if err != nil {
			continue
		}
		if date, ok := parseEXIFDateTime(dateStr); ok {
			return date, nil
		}
	}

	return time.Time{}, fmt.Errorf("no valid date found in EXIF")
}

// parseEXIFDateTime parses the date formats seen in EXIF tags.
func parseEXIFDateTime(dateStr string) (time.Time, bool) {
	if dateStr == "" {
		return time.Time{}, false
	}

	formats := []string{
		"2006:01:02 15:04:05",
		"2006-01-02 15:04:05",
		"2006:01:02",
		"2006-01-02",
		time.RFC3339,
	}
	for _, format := range formats {
		if date, err := time.Parse(format, dateStr); err == nil {
			return date, true
		}
	}
	return time.Time{}, false
}
