// Package scheduler serializes every synchronization trigger through one
// event loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	paksyncd "github.com/schaermu/paksyncd/internal/sync"
)

// queueSize bounds the number of pending events
const queueSize = 16

// Kind tags an event
type Kind int

const (
	LocalStateChanged Kind = iota
	TimerElapsed
	ManualSyncRequested
	TimerIntervalChanged
	CommandRequested
)

func (k Kind) String() string {
	switch k {
	case LocalStateChanged:
		return "local-state-changed"
	case TimerElapsed:
		return "timer-elapsed"
	case ManualSyncRequested:
		return "manual-sync-requested"
	case TimerIntervalChanged:
		return "timer-interval-changed"
	case CommandRequested:
		return "command-requested"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Command runs inside the event loop, serialized with every poll
type Command func(ctx context.Context) error

// Event is a single message on the scheduler channel
type Event struct {
	Kind Kind
	// Interval is set for TimerIntervalChanged
	Interval time.Duration
	// Command and Reply are set for CommandRequested
	Command Command
	Reply   chan<- error
}

// Coordinator is the part of the sync engine driven by the scheduler
type Coordinator interface {
	RefreshLocal(ctx context.Context) (bool, error)
	Poll(ctx context.Context, manual bool) error
}

// Settings reports whether automatic syncs are enabled
type Settings interface {
	Autosync(ctx context.Context) (bool, error)
}

// timerTask is a running ticker goroutine
type timerTask struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler multiplexes local changes, the periodic timer, manual requests,
// interval changes and control commands into sequential coordinator calls
type Scheduler struct {
	coord    Coordinator
	settings Settings
	clock    clockwork.Clock
	logger   *slog.Logger

	events   chan Event
	interval time.Duration
	timer    *timerTask
}

// New creates a scheduler whose timer fires every interval
func New(coord Coordinator, settings Settings, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	s := &Scheduler{
		coord:    coord,
		settings: settings,
		clock:    clock,
		logger:   logger,
		events:   make(chan Event, queueSize),
		interval: interval,
	}
	// first reconciliation at startup, ahead of any request made before Run
	s.events <- Event{Kind: TimerElapsed}
	return s
}

// Run processes events until ctx is cancelled, starting with the TimerElapsed
// queued by New.
func (s *Scheduler) Run(ctx context.Context) error {
	if s.interval <= 0 {
		return fmt.Errorf("invalid sync interval %s", s.interval)
	}

	s.startTimer(ctx, s.interval)
	defer s.stopTimer()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopped")
			return nil
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Scheduler) handle(ctx context.Context, ev Event) {
	s.logger.Debug("handling event", "event", ev.Kind)

	switch ev.Kind {
	case LocalStateChanged:
		if _, err := s.coord.RefreshLocal(ctx); err != nil {
			s.logger.Error("failed to refresh local snapshot", "error", err)
		}

	case TimerIntervalChanged:
		if ev.Interval <= 0 {
			s.logger.Warn("ignoring invalid sync interval", "interval", ev.Interval)
			return
		}
		s.stopTimer()
		s.interval = ev.Interval
		s.startTimer(ctx, ev.Interval)
		s.logger.Info("sync interval changed", "interval", ev.Interval)

	case TimerElapsed, ManualSyncRequested:
		manual := ev.Kind == ManualSyncRequested
		if !manual && !s.autosync(ctx) {
			s.logger.Debug("autosync disabled, skipping timer")
			return
		}
		err := s.coord.Poll(ctx, manual)
		switch {
		case err == nil:
		case errors.Is(err, paksyncd.ErrRemoteIDMissing):
			s.logger.Debug("no remote configured, skipping sync")
		default:
			s.logger.Error("sync failed", "manual", manual, "error", err)
		}

	case CommandRequested:
		err := ev.Command(ctx)
		if ev.Reply != nil {
			ev.Reply <- err
		}
	}
}

func (s *Scheduler) autosync(ctx context.Context) bool {
	if s.settings == nil {
		return true
	}
	enabled, err := s.settings.Autosync(ctx)
	if err != nil {
		s.logger.Warn("failed to read autosync setting", "error", err)
		return false
	}
	return enabled
}

// startTimer creates the ticker before returning, so a clock advance after
// the triggering event was handled is always observed
func (s *Scheduler) startTimer(ctx context.Context, d time.Duration) {
	tctx, cancel := context.WithCancel(ctx)
	ticker := s.clock.NewTicker(d)
	task := &timerTask{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(task.done)
		defer ticker.Stop()
		for {
			select {
			case <-tctx.Done():
				return
			case <-ticker.Chan():
				s.send(tctx, Event{Kind: TimerElapsed})
			}
		}
	}()
	s.timer = task
}

// stopTimer cancels the running ticker and waits until it can no longer fire
func (s *Scheduler) stopTimer() {
	if s.timer == nil {
		return
	}
	s.timer.cancel()
	<-s.timer.done
	s.timer = nil
}

func (s *Scheduler) send(ctx context.Context, ev Event) bool {
	select {
	case s.events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// RequestManualSync queues a manual sync. It returns false when the queue is full.
func (s *Scheduler) RequestManualSync() bool {
	select {
	case s.events <- Event{Kind: ManualSyncRequested}:
		return true
	default:
		s.logger.Warn("event queue full, dropping manual sync request")
		return false
	}
}

// SetInterval replaces the periodic timer
func (s *Scheduler) SetInterval(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return fmt.Errorf("invalid sync interval %s", d)
	}
	if !s.send(ctx, Event{Kind: TimerIntervalChanged, Interval: d}) {
		return ctx.Err()
	}
	return nil
}

// NotifyLocalChange queues a local snapshot refresh
func (s *Scheduler) NotifyLocalChange(ctx context.Context) error {
	if !s.send(ctx, Event{Kind: LocalStateChanged}) {
		return ctx.Err()
	}
	return nil
}

// Forward bridges a change-notification channel into the event loop until
// ctx is cancelled or changes is closed
func (s *Scheduler) Forward(ctx context.Context, changes <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case _, ok := <-changes:
			if !ok {
				return nil
			}
			if !s.send(ctx, Event{Kind: LocalStateChanged}) {
				return nil
			}
		}
	}
}

// Do runs fn inside the event loop and returns its error
func (s *Scheduler) Do(ctx context.Context, fn Command) error {
	reply := make(chan error, 1)
	if !s.send(ctx, Event{Kind: CommandRequested, Command: fn, Reply: reply}) {
		return ctx.Err()
	}
	select {
	case err := <-reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
