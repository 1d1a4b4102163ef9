package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestNewLoggerInvalidLevel(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Level = "chatty"

	if _, err := NewLogger(cfg); err == nil {
		t.Fatal("NewLogger accepted an invalid level")
	}
}

func TestNewLoggerWritesJSON(t *testing.T) {
	cfg := DefaultConfig()
	cfg.FilePath = filepath.Join(t.TempDir(), "test.log")
	cfg.Console = false

	log, err := NewLogger(cfg)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	log.WithField("key", "photos/a.jpg").Info("processed")

	content, err := os.ReadFile(cfg.FilePath)
	if err != nil {
		t.Fatalf("log file not written: %v", err)
	}
	for _, want := range []string{`"key":"photos/a.jpg"`, `"message":"processed"`} {
		if !strings.Contains(string(content), want) {
			t.Errorf("log output missing %s:\n%s", want, content)
		}
	}
}

func TestFieldHelpers(t *testing.T) {
	log := logrus.New()

	entry := WithKey(log, "photos/a.jpg")
	if entry.Data["key"] != "photos/a.jpg" {
		t.Errorf("WithKey data = %v", entry.Data)
	}

	entry = WithTask(log, "task-1", "photos/a.jpg")
	if entry.Data["task"] != "task-1" || entry.Data["key"] != "photos/a.jpg" {
		t.Errorf("WithTask data = %v", entry.Data)
	}
}
