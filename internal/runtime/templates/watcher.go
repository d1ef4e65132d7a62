package templates

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/drblury/stmtflow/internal/runtime/logging"
)

// DefaultDebounce collapses bursts of file events (editors, copies of whole
// version directories) into one reload.
const DefaultDebounce = 500 * time.Millisecond

// Reloader is the part of Registry the watcher drives.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher reloads a registry when files below a template directory change.
type Watcher struct {
	dir      string
	target   Reloader
	logger   logging.ServiceLogger
	debounce time.Duration
	watcher  *fsnotify.Watcher

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches dir and every directory below it.
func NewWatcher(dir string, target Reloader, logger logging.ServiceLogger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create template watcher: %w", err)
	}
	if logger == nil {
		logger = logging.NewNopServiceLogger()
	}
	w := &Watcher{
		dir:      dir,
		target:   target,
		logger:   logger,
		debounce: DefaultDebounce,
		watcher:  fw,
	}
	if err := w.addTree(dir); err != nil {
		_ = fw.Close()
		return nil, err
	}
	return w, nil
}

// SetDebounce overrides DefaultDebounce. Call before Run.
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Run blocks until ctx is done, reloading after each debounced burst of
// changes. Reload failures are logged; the registry keeps its last good
// table.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				// New name or version directories need their own watch.
				_ = w.addTree(event.Name)
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			w.logger.Debug("Template change detected", logging.LogFields{
				"file": event.Name,
				"op":   event.Op.String(),
			})
			w.schedule(ctx)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("Template watcher error", err, nil)
		}
	}
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.target.Reload(ctx); err != nil {
			w.logger.Error("Template reload after change failed", err, logging.LogFields{"dir": w.dir})
		}
	})
}

func (w *Watcher) stop() {
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}
