package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestStopWatcherDetectsSentinel(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewStopWatcher(dir)
	if err != nil {
		t.Fatalf("NewStopWatcher: %v", err)
	}
	defer sw.Close()

	if sw.Requested() {
		t.Fatal("stop requested before the sentinel exists")
	}

	if err := os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	select {
	case <-sw.Stopped():
	case <-time.After(5 * time.Second):
		t.Fatal("sentinel not detected within five seconds")
	}
	if !sw.Requested() {
		t.Error("Requested() = false after the stop fired")
	}
}

func TestStopWatcherPreexistingSentinel(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, StopFileName), nil, 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	sw, err := NewStopWatcher(dir)
	if err != nil {
		t.Fatalf("NewStopWatcher: %v", err)
	}
	defer sw.Close()

	if !sw.Requested() {
		t.Error("preexisting sentinel not detected at startup")
	}
}

func TestStopWatcherIgnoresOtherFiles(t *testing.T) {
	dir := t.TempDir()
	sw, err := NewStopWatcher(dir)
	if err != nil {
		t.Fatalf("NewStopWatcher: %v", err)
	}
	defer sw.Close()

	if err := os.WriteFile(filepath.Join(dir, "job.db"), []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if sw.Requested() {
		t.Error("unrelated file triggered a stop")
	}
}
