package statistics

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// Statistics contains the counters for the processing pipeline.
type Statistics struct {
	TasksQueued    int64
	TasksCompleted int64
	TasksFailed    int64
	TasksSkipped   int64

	FilesCompressed int64
	FilesCopied     int64

	BytesDownloaded int64
	BytesUploaded   int64

	StartTime time.Time

	mutex       sync.RWMutex
	MethodStats map[string]int64
	Errors      []TaskError
}

// TaskError represents an error that occurred during processing.
type TaskError struct {
	Key       string
	Stage     string
	Error     string
	Timestamp time.Time
}

// NewStatistics returns a new Statistics instance.
func NewStatistics() *Statistics {
	return &Statistics{
		StartTime:   time.Now(),
		MethodStats: make(map[string]int64),
		Errors:      make([]TaskError, 0),
	}
}

// IncrementQueued increases the count of queued tasks by 1.
func (s *Statistics) IncrementQueued() {
	atomic.AddInt64(&s.TasksQueued, 1)
}

// IncrementCompleted increases the count of completed tasks by 1.
func (s *Statistics) IncrementCompleted() {
	atomic.AddInt64(&s.TasksCompleted, 1)
}

// IncrementFailed increases the count of failed tasks by 1.
func (s *Statistics) IncrementFailed() {
	atomic.AddInt64(&s.TasksFailed, 1)
}

// IncrementSkipped increases the count of skipped tasks by 1.
func (s *Statistics) IncrementSkipped() {
	atomic.AddInt64(&s.TasksSkipped, 1)
}

// IncrementCompressed increases the count of compressed files by 1.
func (s *Statistics) IncrementCompressed() {
	atomic.AddInt64(&s.FilesCompressed, 1)
}

// IncrementCopied increases the count of files uploaded without compression by 1.
func (s *Statistics) IncrementCopied() {
	atomic.AddInt64(&s.FilesCopied, 1)
}

// AddBytesDownloaded adds to the number of bytes fetched from the source bucket.
func (s *Statistics) AddBytesDownloaded(n int64) {
	atomic.AddInt64(&s.BytesDownloaded, n)
}

// AddBytesUploaded adds to the number of bytes written to the destination bucket.
func (s *Statistics) AddBytesUploaded(n int64) {
	atomic.AddInt64(&s.BytesUploaded, n)
}

// RecordMethod increases the usage counter for a compression method.
func (s *Statistics) RecordMethod(method string) {
	s.mutex.Lock()
	s.MethodStats[method]++
	s.mutex.Unlock()
}

// RecordError appends a task error to the error log.
func (s *Statistics) RecordError(key, stage string, err error) {
	s.mutex.Lock()
	s.Errors = append(s.Errors, TaskError{
		Key:       key,
		Stage:     stage,
		Error:     err.Error(),
		Timestamp: time.Now(),
	})
	s.mutex.Unlock()
}

// Snapshot returns a map view of the counters for API responses.
func (s *Statistics) Snapshot() map[string]interface{} {
	s.mutex.RLock()
	methods := make(map[string]int64, len(s.MethodStats))
	for k, v := range s.MethodStats {
		methods[k] = v
	}
	errorCount := len(s.Errors)
	s.mutex.RUnlock()

	return map[string]interface{}{
		"tasks": map[string]int64{
			"queued":    atomic.LoadInt64(&s.TasksQueued),
			"completed": atomic.LoadInt64(&s.TasksCompleted),
			"failed":    atomic.LoadInt64(&s.TasksFailed),
			"skipped":   atomic.LoadInt64(&s.TasksSkipped),
		},
		"files": map[string]int64{
			"compressed": atomic.LoadInt64(&s.FilesCompressed),
			"copied":     atomic.LoadInt64(&s.FilesCopied),
		},
		"bytes": map[string]int64{
			"downloaded": atomic.LoadInt64(&s.BytesDownloaded),
			"uploaded":   atomic.LoadInt64(&s.BytesUploaded),
		},
		"methods":     methods,
		"error_count": errorCount,
		"uptime":      time.Since(s.StartTime).String(),
	}
}

// GetSummary returns a formatted summary of all statistics.
func (s *Statistics) GetSummary() string {
	s.mutex.RLock()
	errorCount := len(s.Errors)
	s.mutex.RUnlock()

	return fmt.Sprintf(`Media Pipeline Statistics Summary:

Tasks:
		Queued: %d
		Completed: %d
		Failed: %d
		Skipped: %d

Files:
		Compressed: %d
		Copied: %d

Transfer:
		Downloaded: %s
		Uploaded: %s

Errors: %d
Uptime: %v`,
		atomic.LoadInt64(&s.TasksQueued),
		atomic.LoadInt64(&s.TasksCompleted),
		atomic.LoadInt64(&s.TasksFailed),
		atomic.LoadInt64(&s.TasksSkipped),
		atomic.LoadInt64(&s.FilesCompressed),
		atomic.LoadInt64(&s.FilesCopied),
		formatBytes(atomic.LoadInt64(&s.BytesDownloaded)),
		formatBytes(atomic.LoadInt64(&s.BytesUploaded)),
		errorCount,
		time.Since(s.StartTime).Round(time.Second),
	)
}

// formatBytes formats a byte count in a human-readable form.
func formatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}
