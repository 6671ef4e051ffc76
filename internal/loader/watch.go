package loader

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatcherStats tracks reload statistics.
type WatcherStats struct {
	ReloadsTotal   int64     `json:"reloads_total"`
	ReloadsSuccess int64     `json:"reloads_success"`
	ReloadsFailed  int64     `json:"reloads_failed"`
	LastReload     time.Time `json:"last_reload,omitempty"`
	LastError      string    `json:"last_error,omitempty"`
}

// Watcher reloads a Catalog when its manifest directory changes. Bursts of
// file events are coalesced into one reload per debounce period.
type Watcher struct {
	catalog  *Catalog
	debounce time.Duration
	onReload func(err error)

	running atomic.Bool
	fsw     *fsnotify.Watcher
	done    chan struct{}

	mu    sync.Mutex
	stats WatcherStats
}

// NewWatcher creates a watcher for c. onReload, if set, is called after every
// reload attempt.
func NewWatcher(c *Catalog, debounce time.Duration, onReload func(error)) *Watcher {
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	return &Watcher{catalog: c, debounce: debounce, onReload: onReload}
}

// Start begins watching. It returns once the watch is established; events
// are processed until ctx is done or Stop is called.
func (w *Watcher) Start(ctx context.Context) error {
	if w.catalog.dir == "" {
		return fmt.Errorf("catalog has no directory to watch")
	}
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watcher already running")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.running.Store(false)
		return fmt.Errorf("creating watcher: %w", err)
	}
	if err := fsw.Add(w.catalog.dir); err != nil {
		fsw.Close()
		w.running.Store(false)
		return fmt.Errorf("watching %s: %w", w.catalog.dir, err)
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.processEvents(ctx)
	return nil
}

func (w *Watcher) processEvents(ctx context.Context) {
	defer close(w.done)

	var (
		dirty      bool
		lastChange time.Time
	)
	ticker := time.NewTicker(w.debounce / 4)
	defer ticker.Stop()

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if !isManifest(ev.Name) {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
				dirty, lastChange = true, time.Now()
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.catalog.logger.Warn("loader: watch error", "error", err)
		case <-ticker.C:
			if dirty && time.Since(lastChange) >= w.debounce {
				dirty = false
				w.reload()
			}
		case <-ctx.Done():
			return
		}
	}
}

func (w *Watcher) reload() {
	err := w.catalog.Reload()

	w.mu.Lock()
	w.stats.ReloadsTotal++
	if err != nil {
		w.stats.ReloadsFailed++
		w.stats.LastError = err.Error()
	} else {
		w.stats.ReloadsSuccess++
		w.stats.LastReload = time.Now()
	}
	w.mu.Unlock()

	if err != nil {
		w.catalog.logger.Error("loader: catalog reload failed; keeping previous programs", "error", err)
	}
	if w.onReload != nil {
		w.onReload(err)
	}
}

// Stop stops the watcher and waits for the event loop to exit.
func (w *Watcher) Stop() error {
	if !w.running.CompareAndSwap(true, false) {
		return nil
	}
	err := w.fsw.Close()
	<-w.done
	return err
}

func (w *Watcher) Stats() WatcherStats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}
