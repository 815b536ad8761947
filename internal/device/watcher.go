package device

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads a device file into a Directory when it changes on disk.
type Watcher struct {
	log      *zap.Logger
	dir      *Directory
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onReload func(added int)
}

// NewWatcher watches path's parent directory so editors that replace the file
// are still observed.
func NewWatcher(log *zap.Logger, dir *Directory, path string, debounce time.Duration) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		_ = fw.Close()
		return nil, err
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	return &Watcher{
		log:      log.With(zap.String("module", "device"), zap.String("file", abs)),
		dir:      dir,
		watcher:  fw,
		path:     abs,
		debounce: debounce,
	}, nil
}

// OnReload registers a callback invoked after every successful reload.
func (w *Watcher) OnReload(fn func(added int)) {
	w.onReload = fn
}

// Run blocks until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	debounceTimer := time.NewTimer(time.Hour)
	debounceTimer.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.shouldProcessEvent(event) {
				w.log.Debug("device file change detected", zap.String("op", event.Op.String()))
				debounceTimer.Reset(w.debounce)
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.log.Error("watcher error", zap.Error(err))

		case <-debounceTimer.C:
			w.Reload()

		case <-ctx.Done():
			debounceTimer.Stop()
			return nil
		}
	}
}

// Reload parses the file and merges it into the directory.
func (w *Watcher) Reload() {
	devices, err := LoadFile(w.path)
	if err != nil {
		w.log.Warn("device file rejected, keeping current directory", zap.Error(err))
		return
	}
	added := 0
	for _, d := range devices {
		isNew, err := w.dir.Merge(d)
		if err != nil {
			w.log.Warn("device skipped", zap.String("device_id", d.ID), zap.Error(err))
			continue
		}
		if isNew {
			added++
		}
	}
	w.log.Info("device file reloaded", zap.Int("devices", len(devices)), zap.Int("added", added))
	if w.onReload != nil {
		w.onReload(added)
	}
}

func (w *Watcher) shouldProcessEvent(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}
