package permission

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/frumu-ai/tandem/internal/common/logger"
)

// PolicyWatcher hot-reloads the policy file when it changes on disk.
// Editors and the Save path both replace the file, so events are
// debounced before reloading.
type PolicyWatcher struct {
	engine  *Engine
	path    string
	logger  *logger.Logger
	watcher *fsnotify.Watcher

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup
}

// NewPolicyWatcher creates a watcher for the engine's policy file.
func NewPolicyWatcher(engine *Engine, path string, log *logger.Logger) *PolicyWatcher {
	return &PolicyWatcher{
		engine: engine,
		path:   path,
		logger: log.WithFields(zap.String("component", "policy-watcher")),
	}
}

// Start begins watching the policy file's directory. Watching the
// directory instead of the file survives atomic rename-replace saves.
func (w *PolicyWatcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.running = true
	w.stopCh = make(chan struct{})

	w.wg.Add(1)
	go w.watchLoop(ctx)

	w.logger.Info("watching policy file", zap.String("path", w.path))
	return nil
}

// Stop stops the watcher.
func (w *PolicyWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stopCh)
	w.mu.Unlock()

	w.wg.Wait()
	_ = w.watcher.Close()
}

func (w *PolicyWatcher) watchLoop(ctx context.Context) {
	defer w.wg.Done()

	const debounceDuration = 300 * time.Millisecond
	var debounceTimer *time.Timer

	timerC := func() <-chan time.Time {
		if debounceTimer != nil {
			return debounceTimer.C
		}
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if event.Op == fsnotify.Chmod {
				continue
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if debounceTimer == nil {
				debounceTimer = time.NewTimer(debounceDuration)
			} else {
				if !debounceTimer.Stop() {
					select {
					case <-debounceTimer.C:
					default:
					}
				}
				debounceTimer.Reset(debounceDuration)
			}
		case <-timerC():
			debounceTimer = nil
			if err := w.engine.LoadPolicy(); err != nil {
				w.logger.Warn("failed to reload policy file, keeping previous policy",
					zap.Error(err))
				continue
			}
			w.logger.Info("policy file reloaded", zap.String("path", w.path))
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Debug("policy watcher error", zap.Error(err))
		}
	}
}
