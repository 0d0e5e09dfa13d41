package settings

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"labkit/pkg/devices"
)

const (
	defaultDebounce = 500 * time.Millisecond
	sweepInterval   = 100 * time.Millisecond
)

// WatchOptions tunes a settings watcher.
type WatchOptions struct {
	// Debounce delays the apply until writes to the file have settled.
	Debounce time.Duration
	Logger   *zap.Logger
}

// Stats tracks watcher activity.
type Stats struct {
	Applied   int
	Skipped   int
	Errors    int
	LastApply time.Time
}

// Watcher keeps a device synchronized with a snapshot file: every settled
// write or create of the file is loaded and applied.
type Watcher struct {
	dev    *devices.Device
	path   string
	fw     *fsnotify.Watcher
	logger *zap.Logger

	mu          sync.Mutex
	debounceMap map[string]time.Time
	debounceDur time.Duration
	stats       Stats

	done chan struct{}
}

// Watch starts a watcher on a snapshot file. If the file already exists it
// is applied once at startup. The watcher stops when ctx is cancelled or
// Stop is called.
func Watch(ctx context.Context, dev *devices.Device, path string, opts WatchOptions) (*Watcher, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	// Watch the directory; editors replace files rather than write in place.
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}

	w := &Watcher{
		dev:         dev,
		path:        filepath.Clean(path),
		fw:          fw,
		logger:      opts.Logger,
		debounceMap: make(map[string]time.Time),
		debounceDur: opts.Debounce,
		done:        make(chan struct{}),
	}

	if _, err := os.Stat(w.path); err == nil {
		w.applyFile(ctx)
	}

	go w.run(ctx)
	return w, nil
}

// Stop shuts the watcher down and waits for the event loop to exit.
func (w *Watcher) Stop() {
	_ = w.fw.Close()
	<-w.done
}

// Stats returns a snapshot of the watcher counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			_ = w.fw.Close()
			return

		case event, ok := <-w.fw.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.fw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", zap.Error(err))
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()

		case <-ticker.C:
			w.processSettled(ctx)
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if filepath.Clean(event.Name) != w.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
		return
	}
	w.mu.Lock()
	w.debounceMap[w.path] = time.Now()
	w.mu.Unlock()
}

func (w *Watcher) processSettled(ctx context.Context) {
	w.mu.Lock()
	due := false
	if at, ok := w.debounceMap[w.path]; ok && time.Since(at) >= w.debounceDur {
		delete(w.debounceMap, w.path)
		due = true
	}
	w.mu.Unlock()

	if due {
		w.applyFile(ctx)
	}
}

func (w *Watcher) applyFile(ctx context.Context) {
	snap, err := Load(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		w.logger.Warn("settings file unreadable", zap.String("file", w.path), zap.Error(err))
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
		return
	}

	report, err := Apply(ctx, w.dev, snap)
	w.mu.Lock()
	defer w.mu.Unlock()
	if err != nil {
		w.logger.Warn("settings apply failed", zap.String("file", w.path), zap.Error(err))
		w.stats.Errors++
		return
	}
	w.stats.Applied += report.Applied
	w.stats.Skipped += len(report.Skipped)
	w.stats.LastApply = time.Now()
	w.logger.Info("settings applied",
		zap.String("file", w.path),
		zap.Int("applied", report.Applied),
		zap.Int("skipped", len(report.Skipped)))
}
