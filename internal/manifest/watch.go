// ABOUTME: Watches a manifest file with fsnotify and re-applies it after changes settle
// ABOUTME: Watches the parent directory so editors that replace the file are picked up

package manifest

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is how long the file must be quiet before a reload.
const DefaultDebounce = 500 * time.Millisecond

// ReloadFunc is called with the freshly applied manifest result.
type ReloadFunc func(ctx context.Context, res *Result) error

// Watcher re-applies a manifest whenever its file changes.
type Watcher struct {
	path     string
	applier  *Applier
	onApply  ReloadFunc
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for path. onApply may be nil.
func NewWatcher(path string, applier *Applier, onApply ReloadFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		path:     path,
		applier:  applier,
		onApply:  onApply,
		debounce: DefaultDebounce,
		logger:   logger.With("component", "manifest-watcher"),
	}
}

// Reload loads and applies the manifest once, then calls onApply.
func (w *Watcher) Reload(ctx context.Context) (*Result, error) {
	m, err := Load(w.path)
	if err != nil {
		return nil, err
	}
	res, err := w.applier.Apply(ctx, m)
	if err != nil {
		return res, err
	}
	if w.onApply != nil {
		if err := w.onApply(ctx, res); err != nil {
			return res, fmt.Errorf("after manifest apply: %w", err)
		}
	}
	return res, nil
}

// Run watches the manifest until ctx is done. A manifest that fails to load
// or apply is logged and the previous state stays in effect.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	abs, err := filepath.Abs(w.path)
	if err != nil {
		return fmt.Errorf("resolving manifest path: %w", err)
	}
	if err := fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watching %s: %w", filepath.Dir(abs), err)
	}
	w.logger.Info("watching manifest", "path", abs)

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watcher error", "error", err)

		case <-timer.C:
			res, err := w.Reload(ctx)
			if err != nil {
				w.logger.Error("manifest reload failed", "path", abs, "error", err)
				continue
			}
			w.logger.Info("manifest reloaded", "path", abs, "servers_changed", len(res.ServersChanged))
		}
	}
}
