package retrieval

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher calls a function after files matching a filter change under a
// directory. Bursts of events are collapsed into one call.
type Watcher struct {
	watcher  *fsnotify.Watcher
	match    func(path string) bool
	debounce time.Duration
	logger   *slog.Logger
}

// NewWatcher watches dir and, when recursive is set, its subdirectories.
// A nil match accepts every path.
func NewWatcher(dir string, recursive bool, match func(string) bool, debounce time.Duration, logger *slog.Logger) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if match == nil {
		match = func(string) bool { return true }
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}

	add := func(path string) error {
		if err := w.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	}
	if recursive {
		err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				return add(path)
			}
			return nil
		})
	} else {
		err = add(dir)
	}
	if err != nil {
		w.Close()
		return nil, err
	}

	return &Watcher{
		watcher:  w,
		match:    match,
		debounce: debounce,
		logger:   logger.With("component", "watcher", "dir", dir),
	}, nil
}

// Run blocks until ctx is done, calling onChange once per settled burst of
// matching create, write, remove or rename events.
func (w *Watcher) Run(ctx context.Context, onChange func()) error {
	defer w.watcher.Close()

	timer := time.NewTimer(w.debounce)
	timer.Stop()

	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if !w.match(event.Name) {
				continue
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
				!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
				continue
			}
			w.logger.Debug("file changed", "path", event.Name, "op", event.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-timer.C:
			onChange()
		}
	}
}
