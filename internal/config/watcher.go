package config

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"mcphub/pkg/logging"
)

// DefaultDebounce collapses the burst of events an editor produces when
// saving a file.
const DefaultDebounce = 300 * time.Millisecond

// ChangeFunc receives the reloaded configuration, or the error that
// prevented loading it.
type ChangeFunc func(f *File, err error)

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	mu       sync.Mutex
	path     string
	debounce time.Duration
	watcher  *fsnotify.Watcher
	timer    *time.Timer
	onChange ChangeFunc
}

// NewWatcher creates a watcher for path. The directory is watched rather
// than the file so that editors replacing the file by rename are noticed.
func NewWatcher(path string, debounce time.Duration, onChange ChangeFunc) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return &Watcher{
		path:     abs,
		debounce: debounce,
		watcher:  fw,
		onChange: onChange,
	}, nil
}

// Run processes events until ctx is done.
func (w *Watcher) Run(ctx context.Context) {
	logging.Info("Config", "Watching %s for changes", w.path)
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Error("Config", err, "Configuration watcher error")
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	name := filepath.Base(event.Name)
	if filepath.Clean(event.Name) != w.path && name != ".env" {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	f, err := Load(w.path)
	if err != nil {
		logging.Warn("Config", "Ignoring changed configuration %s: %v", w.path, err)
	} else {
		logging.Info("Config", "Reloaded %s (%d servers)", w.path, len(f.Servers))
	}
	w.onChange(f, err)
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
