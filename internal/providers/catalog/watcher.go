package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce is the quiet period before a changed file is reloaded.
const DefaultDebounce = 250 * time.Millisecond

// Watch reloads the catalog whenever its file changes, until ctx is done.
// The parent directory is watched so editors that replace the file on save
// are picked up. Failed reloads keep the previous snapshot.
func (s *Store) Watch(ctx context.Context, debounce time.Duration, log *slog.Logger) error {
	if s.path == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("catalog: create watcher: %w", err)
	}
	defer w.Close()

	abs, err := filepath.Abs(s.path)
	if err != nil {
		return fmt.Errorf("catalog: resolve path: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("catalog: watch %s: %w", filepath.Dir(abs), err)
	}

	d := newDebouncer(debounce)
	defer d.stop()

	log.Info("catalog_watch_started", slog.String("path", abs))

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return fmt.Errorf("catalog: watcher events channel closed")
			}
			if ev.Op&fsnotify.Chmod == fsnotify.Chmod {
				continue
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			d.trigger(func() {
				if err := s.Reload(); err != nil {
					log.Error("catalog_reload_failed", slog.String("error", err.Error()))
					return
				}
				snap := s.Snapshot()
				log.Info("catalog_reloaded",
					slog.Int("providers", len(snap.Providers())),
					slog.String("op", ev.Op.String()),
				)
			})

		case err, ok := <-w.Errors:
			if !ok {
				return fmt.Errorf("catalog: watcher errors channel closed")
			}
			log.Warn("catalog_watch_error", slog.String("error", err.Error()))
		}
	}
}

// debouncer runs the last triggered callback after a quiet period.
type debouncer struct {
	interval time.Duration

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
}

func newDebouncer(interval time.Duration) *debouncer {
	return &debouncer{interval: interval}
}

func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return
	}
	if d.timer != nil {
		d.timer.Stop()
	}
	d.timer = time.AfterFunc(d.interval, func() {
		d.mu.Lock()
		stopped := d.stopped
		d.mu.Unlock()
		if !stopped {
			fn()
		}
	})
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopped = true
	if d.timer != nil {
		d.timer.Stop()
	}
}
