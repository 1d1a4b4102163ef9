package metadata

import (
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func TestParseEXIFDateTime(t *testing.T) {
	tests := []struct {
		input string
		want  time.Time
		ok    bool
	}{
		{"2023:06:15 14:30:00", time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC), true},
		{"2023-06-15 14:30:00", time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC), true},
		{"2023:06:15", time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"2023-06-15", time.Date(2023, 6, 15, 0, 0, 0, 0, time.UTC), true},
		{"2023-06-15T14:30:00Z", time.Date(2023, 6, 15, 14, 30, 0, 0, time.UTC), true},
		{"not a date", time.Time{}, false},
		{"", time.Time{}, false},
	}

	for _, tt := range tests {
		got, ok := parseEXIFDateTime(tt.input)
		if ok != tt.ok {
			t.Errorf("parseEXIFDateTime(%q) ok = %v, want %v", tt.input, ok, tt.ok)
			continue
		}
		if ok && !got.Equal(tt.want) {
			t.Errorf("parseEXIFDateTime(%q) = %v, want %v", tt.input, got, tt.want)
		}
	}
}

// Files without EXIF data fall back to the modification time.
func TestCaptureDateFallsBackToModTime(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.jpg")
	if err := os.WriteFile(path, []byte("no exif here"), 0644); err != nil {
		t.Fatal(err)
	}

	modTime := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := os.Chtimes(path, modTime, modTime); err != nil {
		t.Fatal(err)
	}

	inspector := NewInspector(testLogger())
	date, err := inspector.CaptureDate(path)
	if err != nil {
		t.Fatalf("CaptureDate failed: %v", err)
	}
	if !date.Equal(modTime) {
		t.Errorf("CaptureDate = %v, want mod time %v", date, modTime)
	}

	// Second lookup must hit the cache and agree.
	cached, err := inspector.CaptureDate(path)
	if err != nil {
		t.Fatalf("cached CaptureDate failed: %v", err)
	}
	if !cached.Equal(date) {
		t.Errorf("cached date %v differs from first result %v", cached, date)
	}
}

func TestCaptureDateMissingFile(t *testing.T) {
	inspector := NewInspector(testLogger())
	if _, err := inspector.CaptureDate("/nonexistent/file.jpg"); err == nil {
		t.Fatal("CaptureDate on missing file succeeded")
	}
}

func TestHasCompressionMarkUnmarkedFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "plain.jpg")
	if err := os.WriteFile(path, []byte("no exif here"), 0644); err != nil {
		t.Fatal(err)
	}

	inspector := NewInspector(testLogger())
	if inspector.HasCompressionMark(path) {
		t.Error("HasCompressionMark = true for a file without EXIF")
	}
	if inspector.HasCompressionMark("/nonexistent/file.jpg") {
		t.Error("HasCompressionMark = true for a missing file")
	}
}
