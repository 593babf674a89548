// Package observer watches the persisted entity store for edits made by
// other processes.
package observer

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeCallback is called once per debounced burst of changes to the file
type ChangeCallback func(path string)

// StoreWatcher monitors a single store file. It watches the parent directory
// so atomic replace-by-rename saves are seen.
type StoreWatcher struct {
	watcher  *fsnotify.Watcher
	path     string
	callback ChangeCallback
	logger   *zap.Logger
	debounce time.Duration

	timer *time.Timer
	mu    sync.Mutex

	cancel context.CancelFunc
	done   chan struct{}
}

// NewStoreWatcher creates a watcher for path. The directory must exist.
func NewStoreWatcher(path string, callback ChangeCallback, logger *zap.Logger) (*StoreWatcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	return &StoreWatcher{
		watcher:  watcher,
		path:     abs,
		callback: callback,
		logger:   logger,
		debounce: 500 * time.Millisecond,
		done:     make(chan struct{}),
	}, nil
}

// SetDebounce sets how long to wait for further changes before calling back
func (w *StoreWatcher) SetDebounce(d time.Duration) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.debounce = d
}

// Start begins watching in the background
func (w *StoreWatcher) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)

	go func() {
		defer close(w.done)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				w.handleEvent(event)
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.logger.Warn("store watcher error", zap.Error(err))
			}
		}
	}()
}

// Run watches until ctx is cancelled
func (w *StoreWatcher) Run(ctx context.Context) error {
	w.Start(ctx)
	<-ctx.Done()
	return w.Stop()
}

// Stop stops watching and cancels any pending callback
func (w *StoreWatcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *StoreWatcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.flush)
}

func (w *StoreWatcher) flush() {
	w.logger.Debug("store file changed", zap.String("path", w.path))
	if w.callback != nil {
		w.callback(w.path)
	}
}
