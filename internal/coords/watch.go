package coords

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// WatchMetadata loads the metadata file at path into store and reloads it
// whenever the file is written or replaced, until ctx is done. A file that
// fails to parse is logged and the previous snapshot stays published. The
// initial load must succeed.
func WatchMetadata(ctx context.Context, path string, store *MetadataStore, log *slog.Logger) error {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	snap, err := LoadMetadataFile(path)
	if err != nil {
		return fmt.Errorf("load reticle metadata: %w", err)
	}
	store.Publish(snap)

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch reticle metadata: %w", err)
	}
	defer w.Close()
	// Editors often replace the file, so watch the directory.
	if err := w.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	target := filepath.Clean(path)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			snap, err := LoadMetadataFile(path)
			if err != nil {
				log.Warn("reticle metadata reload failed", "path", path, "err", err)
				continue
			}
			store.Publish(snap)
			log.Info("reticle metadata reloaded", "path", path, "reticles", snap.Len())
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			log.Warn("reticle metadata watcher", "err", err)
		}
	}
}
