package flatpak

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/jonboulle/clockwork"

	"github.com/schaermu/paksyncd/internal/model"
)

// changedMarker is touched by flatpak after every transaction on an installation
const changedMarker = ".changed"

// Monitor watches installation directories and reports local package changes.
// Bursts of filesystem events are debounced, and undelivered signals coalesce
// into one.
type Monitor struct {
	dirs     map[model.Scope]string
	logger   *slog.Logger
	changes  chan struct{}
	debounce *debouncer
}

// debouncer delays a callback until events stop arriving
type debouncer struct {
	mu    sync.Mutex
	clock clockwork.Clock
	timer clockwork.Timer
	delay time.Duration
}

// NewMonitor creates a monitor for the given installation directories
func NewMonitor(dirs map[model.Scope]string, delay time.Duration, clock clockwork.Clock, logger *slog.Logger) *Monitor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Monitor{
		dirs:     dirs,
		logger:   logger,
		changes:  make(chan struct{}, 1),
		debounce: &debouncer{clock: clock, delay: delay},
	}
}

// Changes delivers one value per coalesced burst of local changes
func (m *Monitor) Changes() <-chan struct{} {
	return m.changes
}

// Run watches every configured directory until ctx is cancelled. Directories
// that do not exist are skipped.
func (m *Monitor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	started := 0

	for scope, dir := range m.dirs {
		if _, err := os.Stat(dir); err != nil {
			m.logger.Warn("installation directory not watchable, skipping", "scope", scope, "dir", dir, "error", err)
			continue
		}

		w, err := fsnotify.NewWatcher()
		if err != nil {
			return fmt.Errorf("failed to create watcher: %w", err)
		}
		if err := w.Add(dir); err != nil {
			_ = w.Close()
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}

		started++
		wg.Add(1)
		go func(scope model.Scope, w *fsnotify.Watcher) {
			defer wg.Done()
			defer func() {
				_ = w.Close()
			}()
			m.watch(ctx, scope, w)
		}(scope, w)
		m.logger.Debug("watching installation", "scope", scope, "dir", dir)
	}

	if started == 0 {
		m.logger.Warn("no installation directories watched, local changes will only be seen on restart")
	}

	<-ctx.Done()
	wg.Wait()
	m.debounce.stop()
	return nil
}

func (m *Monitor) watch(ctx context.Context, scope model.Scope, w *fsnotify.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != changedMarker {
				continue
			}
			m.logger.Debug("installation changed", "scope", scope, "op", ev.Op.String())
			m.debounce.trigger(m.signal)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			m.logger.Warn("watcher error", "scope", scope, "error", err)
		}
	}
}

// signal queues a change without blocking. A pending signal already covers
// this one.
func (m *Monitor) signal() {
	select {
	case m.changes <- struct{}{}:
	default:
	}
}

// trigger schedules fn to run after the debounce delay, restarting the delay
// if already scheduled
func (d *debouncer) trigger(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.timer != nil {
		d.timer.Stop()
	}
	if d.delay <= 0 {
		d.timer = nil
		fn()
		return
	}
	d.timer = d.clock.AfterFunc(d.delay, fn)
}

func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
}
