// SPDX-License-Identifier: Apache-2.0

package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// Watcher polls configuration files and reloads them when they change.
// Reloads reuse the profile and --set overrides given at construction, so
// a file edit never undoes a command-line override.
type Watcher struct {
	mu          sync.RWMutex
	path        string
	profile     string
	overrides   map[string]any
	interval    time.Duration
	lastModTime map[string]time.Time
	current     *Config
	listeners   []func(*Config)
	stopOnce    sync.Once
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

// WithWatchProfile overlays the given profile on every load.
func WithWatchProfile(profile string) WatcherOption {
	return func(w *Watcher) {
		w.profile = profile
	}
}

// WithWatchOverrides applies key=value overrides on every load.
func WithWatchOverrides(overrides map[string]any) WatcherOption {
	return func(w *Watcher) {
		w.overrides = overrides
	}
}

// NewWatcher loads path and prepares to watch it and its profile overlay.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{
		path:        path,
		interval:    time.Second,
		lastModTime: make(map[string]time.Time),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(w)
	}
	for _, p := range w.paths() {
		if info, err := os.Stat(p); err == nil {
			w.lastModTime[p] = info.ModTime()
		}
	}
	cfg, err := load(w.path, w.profile, w.overrides)
	if err != nil {
		return nil, err
	}
	w.current = cfg
	return w, nil
}

// NewWatcherFromCLI builds a watcher from the same arguments LoadWithCLI takes.
func NewWatcherFromCLI(args []string, opts ...WatcherOption) (*Watcher, error) {
	cli, err := parseCLIOverrides(args)
	if err != nil {
		return nil, err
	}
	opts = append([]WatcherOption{WithWatchProfile(cli.profile), WithWatchOverrides(cli.overrides)}, opts...)
	return NewWatcher(cli.path, opts...)
}

func (w *Watcher) paths() []string {
	if w.path == "" {
		return nil
	}
	out := []string{w.path}
	if w.profile != "" {
		out = append(out, ProfileConfigPath(w.path, w.profile))
	}
	return out
}

// OnChange registers a callback invoked after each successful reload.
func (w *Watcher) OnChange(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.listeners = append(w.listeners, fn)
}

// Config returns the current configuration.
func (w *Watcher) Config() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Start begins watching until ctx ends or Stop is called.
func (w *Watcher) Start(ctx context.Context) {
	go w.watch(ctx)
}

// Stop stops a started watcher and waits for it to exit.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	<-w.doneCh
}

func (w *Watcher) watch(ctx context.Context) {
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
			if w.checkForChanges() {
				w.reload()
			}
		}
	}
}

func (w *Watcher) checkForChanges() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	changed := false
	for _, p := range w.paths() {
		info, err := os.Stat(p)
		if err != nil {
			continue
		}
		last, seen := w.lastModTime[p]
		if !seen || info.ModTime().After(last) {
			w.lastModTime[p] = info.ModTime()
			changed = true
		}
	}
	return changed
}

func (w *Watcher) reload() {
	cfg, err := load(w.path, w.profile, w.overrides)
	if err != nil {
		w.logger.Error("config.reload.failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	w.mu.Lock()
	w.current = cfg
	listeners := make([]func(*Config), len(w.listeners))
	copy(listeners, w.listeners)
	w.mu.Unlock()

	w.logger.Info("config.reload.ok", slog.String("path", w.path))
	for _, fn := range listeners {
		fn(cfg)
	}
}

// Reloadable is a configuration value that can be swapped atomically, for
// consumers that read settings on every use.
type Reloadable struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewReloadable wraps cfg.
func NewReloadable(cfg *Config) *Reloadable {
	return &Reloadable{cfg: cfg}
}

// Get returns the current configuration.
func (r *Reloadable) Get() *Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg
}

// Update replaces the configuration.
func (r *Reloadable) Update(cfg *Config) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cfg = cfg
}

// Negotiation returns the current round defaults.
func (r *Reloadable) Negotiation() NegotiationConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.cfg.Negotiation
}
