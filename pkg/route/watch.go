// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package route

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the table whenever the file at path changes, until ctx is
// done. The parent directory is watched so editors replacing the file by
// rename are picked up. onReload, if set, receives the outcome of every
// reload; a failed reload keeps the previous routes.
func (t *Table) Watch(ctx context.Context, path string, logger *slog.Logger, onReload func(error)) error {
	if logger == nil {
		logger = slog.Default()
	}
	path = filepath.Clean(path)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(path)); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create|fsnotify.Rename) {
				continue
			}
			err := t.Reload(path)
			if err != nil {
				logger.Warn("failed to reload routes",
					slog.String("path", path),
					slog.String("error", err.Error()))
			} else {
				logger.Info("routes reloaded",
					slog.String("path", path),
					slog.Int("routes", len(t.Routes())))
			}
			if onReload != nil {
				onReload(err)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("route watcher error", slog.String("error", err.Error()))
		}
	}
}
