// Package control exposes the daemon's control operations to the CLI.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/schaermu/paksyncd/internal/config"
	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/scheduler"
	"github.com/schaermu/paksyncd/internal/secret"
	"github.com/schaermu/paksyncd/internal/store"
	paksyncd "github.com/schaermu/paksyncd/internal/sync"
)

var (
	// ErrIntervalOutOfRange is returned for sync intervals outside 1-1440 minutes
	ErrIntervalOutOfRange = fmt.Errorf("interval must be between %d and %d minutes", config.MinIntervalMinutes, config.MaxIntervalMinutes)
	// ErrInvalidSecret is returned for empty secrets
	ErrInvalidSecret = errors.New("secret must not be empty")
)

// statusJournalLimit is the number of journal entries included in Status
const statusJournalLimit = 10

// Engine is the sync coordinator as seen by the control surface
type Engine interface {
	CreateRemote(ctx context.Context, public bool) (string, error)
	Push(ctx context.Context) error
	RemoteID(ctx context.Context) (string, error)
	SetRemoteID(ctx context.Context, id string) error
	Compare(ctx context.Context) (*paksyncd.Comparison, error)
	Journal(ctx context.Context, limit int) ([]store.Event, error)
	Local() *model.Payload
}

// Scheduler serializes coordinator calls with the sync loop
type Scheduler interface {
	Do(ctx context.Context, fn scheduler.Command) error
	RequestManualSync() bool
	SetInterval(ctx context.Context, d time.Duration) error
}

// Settings holds the durable runtime settings
type Settings interface {
	Autosync(ctx context.Context) (bool, error)
	SetAutosync(ctx context.Context, enabled bool) error
	IntervalMinutes(ctx context.Context) (uint32, error)
	SetIntervalMinutes(ctx context.Context, minutes uint32) error
}

// Autostart installs or removes the login service
type Autostart interface {
	Set(ctx context.Context, enabled bool) error
	Installed() (bool, error)
}

// Service implements the control operations
type Service struct {
	engine    Engine
	sched     Scheduler
	settings  Settings
	secrets   secret.Store
	purpose   string
	autostart Autostart
	logger    *slog.Logger
}

// NewService creates a control service. purpose is the secret store key of
// the active remote backend.
func NewService(engine Engine, sched Scheduler, settings Settings, secrets secret.Store, purpose string, autostart Autostart, logger *slog.Logger) *Service {
	return &Service{
		engine:    engine,
		sched:     sched,
		settings:  settings,
		secrets:   secrets,
		purpose:   purpose,
		autostart: autostart,
		logger:    logger,
	}
}

// SetSecret stores the remote store credential
func (s *Service) SetSecret(ctx context.Context, value string) error {
	value = strings.TrimSpace(value)
	if value == "" {
		return ErrInvalidSecret
	}
	if err := s.secrets.Set(s.purpose, value); err != nil {
		return fmt.Errorf("failed to store secret: %w", err)
	}
	s.logger.Info("secret updated", "purpose", s.purpose)
	return nil
}

// CreateRemote creates a remote snapshot from the local state
func (s *Service) CreateRemote(ctx context.Context, public bool) (string, error) {
	var id string
	err := s.sched.Do(ctx, func(ctx context.Context) error {
		var err error
		id, err = s.engine.CreateRemote(ctx, public)
		return err
	})
	return id, err
}

// Push uploads the local state to the remote
func (s *Service) Push(ctx context.Context) error {
	return s.sched.Do(ctx, s.engine.Push)
}

// TriggerManualSync queues a manual sync and reports whether it was accepted
func (s *Service) TriggerManualSync(ctx context.Context) bool {
	return s.sched.RequestManualSync()
}

// Autosync reports whether automatic syncs are enabled
func (s *Service) Autosync(ctx context.Context) (bool, error) {
	return s.settings.Autosync(ctx)
}

// SetAutosync enables or disables automatic syncs
func (s *Service) SetAutosync(ctx context.Context, enabled bool) error {
	if err := s.settings.SetAutosync(ctx, enabled); err != nil {
		return err
	}
	s.logger.Info("autosync changed", "enabled", enabled)
	return nil
}

// Interval returns the automatic sync interval in minutes
func (s *Service) Interval(ctx context.Context) (uint32, error) {
	return s.settings.IntervalMinutes(ctx)
}

// SetInterval persists the sync interval and restarts the timer
func (s *Service) SetInterval(ctx context.Context, minutes uint32) error {
	if minutes < config.MinIntervalMinutes || minutes > config.MaxIntervalMinutes {
		return ErrIntervalOutOfRange
	}
	if err := s.settings.SetIntervalMinutes(ctx, minutes); err != nil {
		return err
	}
	return s.sched.SetInterval(ctx, time.Duration(minutes)*time.Minute)
}

// RemoteID returns the bound remote identifier
func (s *Service) RemoteID(ctx context.Context) (string, error) {
	return s.engine.RemoteID(ctx)
}

// SetRemoteID binds an existing remote
func (s *Service) SetRemoteID(ctx context.Context, id string) error {
	id = strings.TrimSpace(id)
	return s.sched.Do(ctx, func(ctx context.Context) error {
		return s.engine.SetRemoteID(ctx, id)
	})
}

// Autostart reports whether the login service is installed
func (s *Service) Autostart(ctx context.Context) (bool, error) {
	return s.autostart.Installed()
}

// SetAutostart installs or removes the login service
func (s *Service) SetAutostart(ctx context.Context, enabled bool) error {
	return s.autostart.Set(ctx, enabled)
}

// Diff compares the local cache with the remote snapshot
func (s *Service) Diff(ctx context.Context) (*paksyncd.Comparison, error) {
	var c *paksyncd.Comparison
	err := s.sched.Do(ctx, func(ctx context.Context) error {
		var err error
		c, err = s.engine.Compare(ctx)
		return err
	})
	return c, err
}

// Status summarizes the daemon state
func (s *Service) Status(ctx context.Context) (*Status, error) {
	st := &Status{}

	var err error
	if st.RemoteID, err = s.engine.RemoteID(ctx); err != nil {
		return nil, err
	}
	if st.Autosync, err = s.settings.Autosync(ctx); err != nil {
		return nil, err
	}
	if st.IntervalMinutes, err = s.settings.IntervalMinutes(ctx); err != nil {
		return nil, err
	}
	if st.Autostart, err = s.autostart.Installed(); err != nil {
		s.logger.Warn("failed to check autostart", "error", err)
	}

	if local := s.engine.Local(); local != nil {
		st.LocalAlteredAt = local.AlteredAt
		st.Refs = map[model.Scope]int{}
		for scope, inst := range local.Installations {
			if inst != nil {
				st.Refs[scope] = len(inst.Refs)
			}
		}
	}

	if st.Recent, err = s.engine.Journal(ctx, statusJournalLimit); err != nil {
		return nil, err
	}
	return st, nil
}
