package manifest

import (
	"context"
	"crypto/sha256"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const defaultDebounce = 250 * time.Millisecond

// ApplyFunc receives each successfully decoded revision of the file.
type ApplyFunc func(ctx context.Context, doc *Document) error

// Watcher reapplies a manifest file whenever it changes on disk.
type Watcher struct {
	path     string
	apply    ApplyFunc
	logger   *slog.Logger
	debounce time.Duration

	mu       sync.Mutex
	lastHash [sha256.Size]byte
	timer    *time.Timer
}

// NewWatcher watches path. Editors often replace files, so the parent
// directory is watched and events are matched by base name.
func NewWatcher(path string, apply ApplyFunc, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{path: path, apply: apply, logger: logger, debounce: defaultDebounce}
}

// Load applies the file once, recording its hash so an unchanged rewrite is
// skipped later.
func (w *Watcher) Load(ctx context.Context) error {
	return w.reload(ctx, true)
}

func (w *Watcher) reload(ctx context.Context, force bool) error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(data)
	w.mu.Lock()
	unchanged := sum == w.lastHash
	w.mu.Unlock()
	if unchanged && !force {
		w.logger.Debug("manifest unchanged; skipping", "path", w.path)
		return nil
	}
	doc, err := ReadFile(w.path)
	if err != nil {
		return err
	}
	if err := w.apply(ctx, doc); err != nil {
		return err
	}
	w.mu.Lock()
	w.lastHash = sum
	w.mu.Unlock()
	w.logger.Info("manifest applied", "path", w.path, "tasks", len(doc.Tasks))
	return nil
}

func (w *Watcher) schedule(ctx context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		if ctx.Err() != nil {
			return
		}
		if err := w.reload(ctx, false); err != nil {
			w.logger.Warn("manifest reload failed", "path", w.path, "err", err)
		}
	})
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer fw.Close()
	dir := filepath.Dir(w.path)
	file := filepath.Base(w.path)
	if err := fw.Add(dir); err != nil {
		return err
	}
	w.logger.Debug("manifest watcher started", "dir", dir, "file", file)
	defer func() {
		w.mu.Lock()
		if w.timer != nil {
			w.timer.Stop()
		}
		w.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if !strings.EqualFold(filepath.Base(ev.Name), file) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				w.schedule(ctx)
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("manifest watch error", "dir", dir, "err", err)
		}
	}
}
