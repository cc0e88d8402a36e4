package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/chatmesh/chatmesh/internal/logger"
)

// Watch re-reads the config file whenever it changes and applies the keys
// that are safe to change at runtime (currently only the log level and
// format). Structural keys (cluster table, ports, storage) require a
// restart; changes to them are logged and ignored.
//
// Watch blocks until ctx is cancelled. Editors often replace config files by
// rename, so the parent directory is watched rather than the file itself.
func Watch(ctx context.Context, path string, current *Config) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config: create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("config: watch %s: %w", dir, err)
	}

	target := filepath.Clean(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			applyReload(path, current)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", logger.KeyError, err)
		}
	}
}

func applyReload(path string, current *Config) {
	fresh, err := Load(path)
	if err != nil {
		logger.Warn("config reload failed, keeping previous settings", logger.KeyError, err)
		return
	}

	if fresh.Logging.Level != current.Logging.Level {
		logger.Info("log level changed", "from", current.Logging.Level, "to", fresh.Logging.Level)
		logger.SetLevel(fresh.Logging.Level)
		current.Logging.Level = fresh.Logging.Level
	}
	if fresh.Logging.Format != current.Logging.Format {
		logger.Info("log format changed", "from", current.Logging.Format, "to", fresh.Logging.Format)
		logger.SetFormat(fresh.Logging.Format)
		current.Logging.Format = fresh.Logging.Format
	}
}
