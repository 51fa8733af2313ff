package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// StopFileName is the sentinel file that requests an orderly stop: the
// engine finishes the current iteration, checkpoints it, and exits.
const StopFileName = "STOP"

// StopWatcher watches a job directory for the stop sentinel.
type StopWatcher struct {
	watcher *fsnotify.Watcher
	path    string

	once    sync.Once
	stopped chan struct{}
	done    chan struct{}
}

// NewStopWatcher starts watching dir for the sentinel. A sentinel that
// already exists when the watcher starts triggers immediately.
func NewStopWatcher(dir string) (*StopWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("stop watcher: %w", err)
	}
	if err := w.Add(dir); err != nil {
		_ = w.Close()
		return nil, fmt.Errorf("stop watcher: watch %s: %w", dir, err)
	}

	sw := &StopWatcher{
		watcher: w,
		path:    filepath.Join(dir, StopFileName),
		stopped: make(chan struct{}),
		done:    make(chan struct{}),
	}
	if _, err := os.Stat(sw.path); err == nil {
		sw.trigger()
	}
	go sw.loop()
	return sw, nil
}

func (sw *StopWatcher) loop() {
	defer close(sw.done)
	for {
		select {
		case ev, ok := <-sw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != StopFileName {
				continue
			}
			if ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) {
				sw.trigger()
			}
		case _, ok := <-sw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

func (sw *StopWatcher) trigger() {
	sw.once.Do(func() { close(sw.stopped) })
}

// Stopped returns a channel closed once a stop was requested.
func (sw *StopWatcher) Stopped() <-chan struct{} {
	return sw.stopped
}

// Requested reports whether a stop has been requested.
func (sw *StopWatcher) Requested() bool {
	select {
	case <-sw.stopped:
		return true
	default:
		return false
	}
}

// Close stops watching. The sentinel file itself is left in place so the
// operator can see why the run ended.
func (sw *StopWatcher) Close() error {
	err := sw.watcher.Close()
	<-sw.done
	return err
}
