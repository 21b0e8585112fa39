package config

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/nimbusgraph/graphcore/internal/logging"
)

// ReloadCallback is invoked with a newly reloaded, already-validated
// Config. A returned error is logged but does not stop the watcher.
type ReloadCallback func(cfg *Config) error

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	FilePath       string
	DebounceMillis int
}

// Watcher reloads a config file on change, debouncing bursts of
// filesystem events (editor saves routinely fire several in a row)
// into a single reload.
type Watcher struct {
	config   WatcherConfig
	callback ReloadCallback
	logger   *logging.Logger

	cancel  context.CancelFunc
	stopped chan struct{}

	mu            sync.Mutex
	debounceTimer *time.Timer
}

func NewWatcher(config WatcherConfig, callback ReloadCallback) (*Watcher, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("config: watcher FilePath cannot be empty")
	}
	if callback == nil {
		return nil, fmt.Errorf("config: watcher callback cannot be nil")
	}
	if config.DebounceMillis == 0 {
		config.DebounceMillis = 500
	}
	return &Watcher{
		config:   config,
		callback: callback,
		logger:   logging.GetLogger("config.watcher"),
		stopped:  make(chan struct{}),
	}, nil
}

// Start loads the file once, invokes the callback, and then watches
// for changes in the background. It returns once the initial load
// and callback succeed; Stop ends the background watch.
func (w *Watcher) Start(ctx context.Context) error {
	initial, err := Load(w.config.FilePath)
	if err != nil {
		return fmt.Errorf("config: watcher initial load: %w", err)
	}
	if err := w.callback(initial); err != nil {
		return fmt.Errorf("config: watcher initial callback: %w", err)
	}
	w.logger.Info("config watcher loaded initial config from %s", w.config.FilePath)

	watchCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.watchLoop(watchCtx)

	return nil
}

func (w *Watcher) watchLoop(ctx context.Context) {
	defer close(w.stopped)

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Error("config watcher: create fsnotify watcher: %v", err)
		return
	}
	defer fsw.Close()

	if err := fsw.Add(w.config.FilePath); err != nil {
		w.logger.Error("config watcher: watch %s: %v", w.config.FilePath, err)
		return
	}
	w.logger.Info("config watcher watching %s (debounce=%dms)", w.config.FilePath, w.config.DebounceMillis)

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-fsw.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				w.handleFileChange(ctx)
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher fsnotify error: %v", err)
		}
	}
}

func (w *Watcher) handleFileChange(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.debounceTimer != nil {
		w.debounceTimer.Stop()
	}
	w.debounceTimer = time.AfterFunc(time.Duration(w.config.DebounceMillis)*time.Millisecond, func() {
		w.reload(ctx)
	})
}

func (w *Watcher) reload(ctx context.Context) {
	cfg, err := Load(w.config.FilePath)
	if err != nil {
		w.logger.Warn("config watcher: reload failed, keeping previous config: %v", err)
		return
	}
	if err := w.callback(cfg); err != nil {
		w.logger.Warn("config watcher: reload callback failed: %v", err)
		return
	}
	w.logger.Info("config watcher reloaded %s", w.config.FilePath)
}

// Stop cancels the background watch and waits up to five seconds for
// it to exit.
func (w *Watcher) Stop() error {
	if w.cancel != nil {
		w.cancel()
	}
	select {
	case <-w.stopped:
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("config: watcher stop timed out")
	}
}
