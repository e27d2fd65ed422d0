// Package orchestrator runs agent sessions back to back until the task
// list is complete, waiting out rate limits and backing off after failures.
package orchestrator

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

var (
	pkgLoggerMu sync.RWMutex
	// pkgLogger serves helpers that run outside an Orchestrator method,
	// such as the stop-file watcher goroutine.
	pkgLogger *DebugLogger
)

func setPackageLogger(l *DebugLogger) {
	pkgLoggerMu.Lock()
	pkgLogger = l
	pkgLoggerMu.Unlock()
}

func debugLog(format string, args ...any) {
	pkgLoggerMu.RLock()
	l := pkgLogger
	pkgLoggerMu.RUnlock()
	l.Log(format, args...)
}

// DebugLogger appends timestamped lines to a debug log file. A nil or
// zero DebugLogger discards everything.
type DebugLogger struct {
	mu   sync.Mutex
	file *os.File
	out  *log.Logger
}

// DebugLogPath returns the debug log location for a project.
func DebugLogPath(projectDir string) string {
	return filepath.Join(projectDir, ".marathon", "logs", "orchestrator-debug.log")
}

// NewDebugLogger opens path for appending. An empty path yields a logger
// that discards everything.
func NewDebugLogger(path string) (*DebugLogger, error) {
	if path == "" {
		return NopLogger(), nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open debug log: %w", err)
	}

	l := &DebugLogger{file: f, out: log.New(f, "", log.Ltime|log.Lmicroseconds)}
	l.Log("--- marathon started %s (pid %d) ---", time.Now().Format(time.RFC3339), os.Getpid())
	return l, nil
}

// NewDebugLoggerForProject opens the project's debug log. Failure to open
// it only disables debug logging.
func NewDebugLoggerForProject(projectDir string) *DebugLogger {
	l, err := NewDebugLogger(DebugLogPath(projectDir))
	if err != nil {
		log.Printf("[orchestrator] debug log disabled: %v", err)
		return NopLogger()
	}
	return l
}

// NopLogger returns a logger that discards everything.
func NopLogger() *DebugLogger {
	return &DebugLogger{}
}

// Log writes one line.
func (l *DebugLogger) Log(format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.out != nil {
		l.out.Printf(format, args...)
	}
}

// Close closes the log file. Later Log calls are dropped.
func (l *DebugLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	l.out = nil
	return l.file.Close()
}
