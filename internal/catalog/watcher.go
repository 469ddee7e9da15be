package catalog

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher registers recordings dropped into watched directories.
// Writers produce files over time, so a newly seen file is catalogued
// only after it has stopped growing for a settle period.
type Watcher struct {
	service *Service
	logger  *slog.Logger

	mu      sync.Mutex
	pending map[string]time.Time
}

// settleDelay is how long a file must stay quiet before cataloguing.
const settleDelay = 2 * time.Second

// NewWatcher creates a directory watcher feeding the catalog service.
func NewWatcher(service *Service) *Watcher {
	return &Watcher{
		service: service,
		logger:  slog.Default().With("component", "catalog_watcher"),
		pending: map[string]time.Time{},
	}
}

// Watch watches directories until the context is cancelled.
func (w *Watcher) Watch(ctx context.Context, dirs []string) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer notifier.Close()
	for _, dir := range dirs {
		if err := notifier.Add(dir); err != nil {
			return err
		}
		w.logger.Info("Watching directory", "dir", dir)
	}
	ticker := time.NewTicker(settleDelay / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write) == 0 {
				continue
			}
			if !isRecordingPath(event.Name) {
				continue
			}
			w.mu.Lock()
			w.pending[event.Name] = time.Now()
			w.mu.Unlock()
		case err, ok := <-notifier.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Watcher error", "error", err)
		case <-ticker.C:
			w.flushSettled(ctx)
		}
	}
}

// flushSettled catalogs the pending files that have stopped changing.
func (w *Watcher) flushSettled(ctx context.Context) {
	now := time.Now()
	var ready []string
	w.mu.Lock()
	for path, last := range w.pending {
		if now.Sub(last) >= settleDelay {
			ready = append(ready, path)
			delete(w.pending, path)
		}
	}
	w.mu.Unlock()
	for _, path := range ready {
		if _, err := w.service.AddFile(ctx, path); err != nil {
			w.logger.Warn("Could not catalog file", "path", path, "error", err)
		}
	}
}

// isRecordingPath recognizes recording files, chunk continuations
// excluded (the main chunk's entry covers them).
func isRecordingPath(path string) bool {
	return strings.HasSuffix(filepath.Base(path), ".vrs")
}
