// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// settle absorbs the burst of events editors produce for one save.
const settle = 50 * time.Millisecond

// Watch reloads the file at path whenever it changes and passes every
// valid result to fn.
//
// # Description
//
// The parent directory is watched rather than the file so that editors
// that save by renaming a temp file over the original are seen. Invalid
// files are logged and skipped; fn keeps the last good settings. Blocks
// until ctx is cancelled. Run it in a goroutine.
//
// # Inputs
//
//   - ctx: Stops the watcher.
//   - path: Config file. Must be non-empty.
//   - fn: Called on the watcher goroutine with each reloaded Config.
//   - logger: Optional. Default: slog.Default().
//
// # Outputs
//
//   - error: Non-nil if the watcher cannot be started.
func Watch(ctx context.Context, path string, fn func(Config), logger *slog.Logger) error {
	if path == "" {
		return fmt.Errorf("watch: path is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "config"), slog.String("path", path))

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch %s: %w", path, err)
	}

	timer := time.NewTimer(settle)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			timer.Reset(settle)

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Warn("ignoring invalid config", slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded")
			fn(cfg)
		}
	}
}
