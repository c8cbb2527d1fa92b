package config

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"github.com/marmos91/extentdb/internal/logger"
)

// Watch reloads the configuration file at path whenever it changes and
// passes the result to onChange. A file that fails to load is reported with
// a nil Config. Watch blocks until ctx is done.
//
// Only settings that can change at runtime (the log level) should be acted
// upon; the storage layers read their configuration once at open.
func Watch(ctx context.Context, path string, onChange func(*Config, error)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create config watcher: %w", err)
	}
	defer func() { _ = w.Close() }()

	// Editors replace files by rename, so watch the directory.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("failed to resolve config path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs || ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			logger.Debug("Configuration file changed", "path", abs, logger.KeyOperation, ev.Op.String())
			cfg, err := Load(abs)
			if err != nil {
				onChange(nil, err)
				continue
			}
			onChange(cfg, nil)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("Configuration watcher error", logger.KeyError, err)
		}
	}
}
