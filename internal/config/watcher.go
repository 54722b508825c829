package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches the configuration file and invokes a callback with the
// freshly loaded configuration after changes settle.
type Watcher struct {
	logger  *zap.Logger
	path    string
	watcher *fsnotify.Watcher

	mu       sync.Mutex
	running  bool
	debounce time.Duration
	timer    *time.Timer

	ctx    context.Context
	cancel context.CancelFunc
}

// NewWatcher creates a configuration watcher for the given file.
func NewWatcher(logger *zap.Logger, configPath string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		logger:   logger,
		path:     configPath,
		watcher:  fsw,
		debounce: time.Second,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Start begins watching. onReload receives each successfully reloaded
// configuration; load errors are logged and the previous config stays active.
func (w *Watcher) Start(onReload func(*Config)) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.running {
		return fmt.Errorf("watcher already running")
	}

	if err := w.watcher.Add(w.path); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	// Watch the directory too; editors often replace the file by rename.
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		w.logger.Warn("Failed to watch config directory", zap.Error(err))
	}

	w.running = true
	go w.handleEvents(onReload)

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop stops watching.
func (w *Watcher) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.running {
		return
	}

	w.cancel()
	w.watcher.Close()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.running = false

	w.logger.Info("Configuration watcher stopped")
}

func (w *Watcher) handleEvents(onReload func(*Config)) {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			switch {
			case event.Op&fsnotify.Write != 0:
				w.scheduleReload(onReload)
			case event.Op&fsnotify.Create != 0:
				w.watcher.Add(w.path)
				w.scheduleReload(onReload)
			case event.Op&fsnotify.Remove != 0, event.Op&fsnotify.Rename != 0:
				w.logger.Warn("Config file removed or renamed",
					zap.String("path", event.Name),
				)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))

		case <-w.ctx.Done():
			return
		}
	}
}

func (w *Watcher) scheduleReload(onReload func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		cfg, err := Load(w.path)
		if err != nil {
			w.logger.Error("Config reload failed, keeping previous configuration",
				zap.Error(err),
			)
			return
		}

		w.logger.Info("Configuration reloaded", zap.String("path", w.path))
		onReload(cfg)
	})
}
