package notify

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/kalambet/ascmsync/internal/storage"
)

const defaultDebounce = 250 * time.Millisecond

// Watcher calls its handlers when files in the data directory change, which
// is how a process learns that another process wrote the shared slots. It
// also fires on this process's own writes; handlers must tolerate that.
type Watcher struct {
	dir      string
	prefix   string
	debounce time.Duration
	handlers []func()
	logger   *slog.Logger
}

// NewWatcher watches the database files inside dir.
func NewWatcher(dir string, logger *slog.Logger, handlers ...func()) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		dir:      dir,
		prefix:   storage.DBFileName,
		debounce: defaultDebounce,
		handlers: handlers,
		logger:   logger,
	}
}

// Run blocks until ctx is cancelled. Bursts of events within the debounce
// window collapse into one handler call.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("watching %s: %w", w.dir, err)
	}
	w.logger.Debug("storage watcher started", "dir", w.dir)

	timer := time.NewTimer(w.debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if !strings.HasPrefix(filepath.Base(ev.Name), w.prefix) {
				continue
			}
			timer.Reset(w.debounce)
		case <-timer.C:
			for _, h := range w.handlers {
				h()
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("storage watcher error", "error", err)
		}
	}
}
