package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"
)

// WatchSites reloads the sites file whenever it changes and sends the new
// list on the returned channel. Invalid edits are logged and skipped. The
// directory is watched so editors that replace the file are handled.
func WatchSites(ctx context.Context, path string, logger *slog.Logger) (<-chan []Site, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "config")

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, errors.Wrap(err, "create sites watcher")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "resolve %s", path)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		_ = watcher.Close()
		return nil, errors.Wrapf(err, "watch %s", filepath.Dir(abs))
	}

	out := make(chan []Site, 1)
	go func() {
		defer close(out)
		defer watcher.Close()

		// Editors often emit several events per save.
		const settle = 200 * time.Millisecond
		var debounce <-chan time.Time

		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != abs {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				debounce = time.After(settle)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				logger.Warn("sites watcher error", "error", err)
			case <-debounce:
				debounce = nil
				sites, err := LoadSites(abs)
				if err != nil {
					logger.Warn("sites file reload failed", "path", abs, "error", err)
					continue
				}
				logger.Info("sites file reloaded", "path", abs, "sites", len(sites))
				// Drop a pending list nobody consumed yet; the newest wins.
				select {
				case <-out:
				default:
				}
				select {
				case out <- sites:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}
