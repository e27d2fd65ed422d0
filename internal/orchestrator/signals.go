package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// StopFileName is created in the signals directory to stop a run.
const StopFileName = "stop"

// SignalsDir returns the project's signals directory.
func SignalsDir(projectDir string) string {
	return filepath.Join(projectDir, ".marathon", "signals")
}

// StopSignal watches for the operator's stop file. When the file appears
// the watched context is cancelled; the loop then stops at its next
// suspension point.
type StopSignal struct {
	dir string

	mu        sync.Mutex
	requested bool

	watcher *fsnotify.Watcher
}

// NewStopSignal prepares the signals directory for projectDir.
func NewStopSignal(projectDir string) (*StopSignal, error) {
	dir := SignalsDir(projectDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	return &StopSignal{dir: dir}, nil
}

// Path returns the stop file path.
func (s *StopSignal) Path() string {
	return filepath.Join(s.dir, StopFileName)
}

// Send creates the stop file.
func (s *StopSignal) Send() error {
	return os.WriteFile(s.Path(), []byte(time.Now().Format(time.RFC3339)), 0644)
}

// Clear removes a stop file left by an earlier run.
func (s *StopSignal) Clear() {
	s.mu.Lock()
	s.requested = false
	s.mu.Unlock()
	os.Remove(s.Path())
}

// Requested reports whether a stop was seen. The file is checked directly
// as well, in case the watcher missed the event.
func (s *StopSignal) Requested() bool {
	if _, err := os.Stat(s.Path()); err == nil {
		s.mark()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requested
}

func (s *StopSignal) mark() {
	s.mu.Lock()
	s.requested = true
	s.mu.Unlock()
}

// Watch returns a context that is cancelled when the stop file appears or
// parent is done. The returned function releases the watcher. Without
// fsnotify support the stop file is still honored through Requested.
func (s *StopSignal) Watch(parent context.Context) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		debugLog("[signals] fsnotify unavailable: %v", err)
		return ctx, cancel
	}
	if err := watcher.Add(s.dir); err != nil {
		debugLog("[signals] watch %s: %v", s.dir, err)
		watcher.Close()
		return ctx, cancel
	}
	s.watcher = watcher

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Base(event.Name) == StopFileName && event.Op&(fsnotify.Create|fsnotify.Write) != 0 {
					s.mark()
					cancel()
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				debugLog("[signals] watcher error: %v", err)
			}
		}
	}()

	return ctx, func() {
		cancel()
		watcher.Close()
		<-done
	}
}
