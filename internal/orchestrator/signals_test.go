package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStopSignal_SendClear(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStopSignal(dir)
	if err != nil {
		t.Fatalf("NewStopSignal() error = %v", err)
	}
	want := filepath.Join(dir, ".marathon", "signals", "stop")
	if s.Path() != want {
		t.Errorf("Path() = %q, want %q", s.Path(), want)
	}
	if s.Requested() {
		t.Error("Requested() before Send")
	}

	if err := s.Send(); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !s.Requested() {
		t.Error("Requested() = false after Send")
	}

	s.Clear()
	if s.Requested() {
		t.Error("Requested() = true after Clear")
	}
	if _, err := os.Stat(s.Path()); !os.IsNotExist(err) {
		t.Errorf("stop file still present: %v", err)
	}
}

func TestStopSignal_Watch(t *testing.T) {
	dir := t.TempDir()
	s, err := NewStopSignal(dir)
	if err != nil {
		t.Fatalf("NewStopSignal() error = %v", err)
	}

	ctx, release := s.Watch(context.Background())
	defer release()

	// A second handle, as `marathon stop` would create.
	other, err := NewStopSignal(dir)
	if err != nil {
		t.Fatal(err)
	}
	if err := other.Send(); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("watched context was not cancelled by the stop file")
	}
	if !s.Requested() {
		t.Error("Requested() = false after the watcher fired")
	}
}

func TestStopSignal_WatchParentCancel(t *testing.T) {
	s, err := NewStopSignal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	parent, cancel := context.WithCancel(context.Background())
	ctx, release := s.Watch(parent)
	cancel()
	<-ctx.Done()
	release()
	if s.Requested() {
		t.Error("parent cancellation should not count as a stop request")
	}
}
