package persist

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Watcher reports changes to a durable store's files made by any process.
//
// It watches the directory holding path and reacts to entries whose name
// starts with the file's base name, so SQLite's -wal and -shm siblings count
// as changes too. onChange runs on the watcher goroutine; hosts post it onto
// their run loop before touching an engine.
type Watcher struct {
	dir      string
	base     string
	watcher  *fsnotify.Watcher
	onChange func(path string)
	logger   *slog.Logger
}

// NewWatcher creates a Watcher for path. Call Start to begin watching.
func NewWatcher(path string, onChange func(path string), logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", path, err)
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	return &Watcher{
		dir:      filepath.Dir(abs),
		base:     filepath.Base(abs),
		watcher:  w,
		onChange: onChange,
		logger:   logger,
	}, nil
}

// Start watches until ctx is cancelled or Stop is called. It blocks.
func (w *Watcher) Start(ctx context.Context) error {
	if err := w.watcher.Add(w.dir); err != nil {
		return fmt.Errorf("watch %s: %w", w.dir, err)
	}

	w.logger.Debug("watching store", "dir", w.dir, "file", w.base)

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("store watcher error", "error", err)

		case <-ctx.Done():
			w.logger.Debug("store watcher stopping")
			return nil
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasPrefix(filepath.Base(event.Name), w.base) {
		return
	}
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return
	}

	w.logger.Debug("store changed", "path", event.Name, "op", event.Op.String())
	if w.onChange != nil {
		w.onChange(event.Name)
	}
}

// Stop releases the watcher. Start returns once its channels close.
func (w *Watcher) Stop() error {
	return w.watcher.Close()
}
