// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls a configuration file for modification-time changes and
// reloads it, notifying listeners with the fresh Config. Operators use
// this to flip delegation settings without a restart.
type Watcher struct {
	mu          sync.RWMutex
	path        string
	interval    time.Duration
	lastModTime time.Time
	config      *Config
	listeners   []func(*Config)
	stopCh      chan struct{}
	doneCh      chan struct{}
	logger      *slog.Logger
}

// WatcherOption configures the watcher.
type WatcherOption func(*Watcher)

// WithWatchInterval sets the polling interval for file changes.
func WithWatchInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithWatchLogger sets the logger for the watcher.
func WithWatchLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// NewWatcher creates a watcher for the given config file and performs
// the initial load.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:     path,
		interval: time.Second,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(w)
		}
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	w.config = cfg
	if info, err := os.Stat(path); err == nil {
		w.lastModTime = info.ModTime()
	}
	return w, nil
}

// Config returns the most recently loaded configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.config
}

// OnReload registers a listener invoked after every successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	if fn == nil {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Start begins polling until Stop is called or the context is done.
func (w *Watcher) Start(ctx context.Context) {
	go func() {
		defer close(w.doneCh)
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stopCh:
				return
			case <-ticker.C:
				w.checkAndReload(ctx)
			}
		}
	}()
}

// Stop terminates the polling loop and waits for it to finish.
func (w *Watcher) Stop() {
	select {
	case <-w.stopCh:
	default:
		close(w.stopCh)
	}
	<-w.doneCh
}

func (w *Watcher) checkAndReload(ctx context.Context) {
	info, err := os.Stat(w.path)
	if err != nil {
		return
	}

	w.mu.RLock()
	unchanged := !info.ModTime().After(w.lastModTime)
	w.mu.RUnlock()
	if unchanged {
		return
	}

	cfg, err := Load(w.path)
	if err != nil {
		w.logger.WarnContext(ctx, "config reload failed",
			slog.String("path", w.path), slog.Any("error", err))
		return
	}

	w.mu.Lock()
	w.config = cfg
	w.lastModTime = info.ModTime()
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.InfoContext(ctx, "config reloaded", slog.String("path", w.path))
	for _, fn := range listeners {
		fn(cfg)
	}
}
