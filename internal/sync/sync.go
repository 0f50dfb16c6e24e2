package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/schaermu/paksyncd/internal/apply"
	"github.com/schaermu/paksyncd/internal/auth"
	"github.com/schaermu/paksyncd/internal/config"
	"github.com/schaermu/paksyncd/internal/diff"
	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/remote"
	"github.com/schaermu/paksyncd/internal/snapshot"
	"github.com/schaermu/paksyncd/internal/store"
	"github.com/schaermu/paksyncd/internal/sysstate"
)

// journalKeep bounds the number of journal entries kept
const journalKeep = 200

// Deps are the collaborators of an Engine
type Deps struct {
	Provider   *snapshot.Provider
	Cache      *snapshot.Cache
	Remote     remote.Store
	Store      *store.Store
	Conditions sysstate.Conditions
	Applier    *apply.Applier
	Clock      clockwork.Clock
}

// Engine reconciles the local package set with the remote snapshot.
// Callers must not run Poll, Push, CreateRemote or SetRemoteID concurrently.
type Engine struct {
	cfg    *config.Config
	deps   Deps
	logger *slog.Logger

	mu    stdsync.RWMutex
	local *model.Payload
}

// NewEngine creates a new sync engine
func NewEngine(cfg *config.Config, deps Deps, logger *slog.Logger) *Engine {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	return &Engine{
		cfg:    cfg,
		deps:   deps,
		logger: logger,
	}
}

// Load reads the local snapshot cache, seeding it from the live state when
// missing or unreadable. When the live state cannot be queried the seed is
// retried by the next sync operation.
func (e *Engine) Load(ctx context.Context) error {
	_, err := e.ensureLocal(ctx)
	var qe *snapshot.QueryError
	if errors.As(err, &qe) {
		e.logger.Warn("failed to seed local snapshot, retrying on next sync", "error", err)
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to load local snapshot: %w", err)
	}
	return nil
}

// ensureLocal returns the cached local snapshot, loading or seeding it first
// if that has not happened yet
func (e *Engine) ensureLocal(ctx context.Context) (*model.Payload, error) {
	if local := e.Local(); local != nil {
		return local, nil
	}
	p, err := snapshot.LoadOrSeed(ctx, e.deps.Cache, e.deps.Provider, e.logger)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	e.local = p
	e.mu.Unlock()
	e.logger.Info("local snapshot loaded", "altered_at", p.AlteredAt, "scopes", len(p.Installations))
	return p.Clone(), nil
}

// Local returns a copy of the cached local snapshot
func (e *Engine) Local() *model.Payload {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.local.Clone()
}

// RemoteID returns the bound remote identifier, or "" when none is bound
func (e *Engine) RemoteID(ctx context.Context) (string, error) {
	return e.deps.Store.RemoteID(ctx, e.deps.Remote.Kind().IDKey())
}

// SetRemoteID binds an existing remote
func (e *Engine) SetRemoteID(ctx context.Context, id string) error {
	if err := e.deps.Store.SetRemoteID(ctx, e.deps.Remote.Kind().IDKey(), id); err != nil {
		return err
	}
	e.logger.Info("remote id set", "remote_id", id)
	return nil
}

// RefreshLocal re-captures the live state and persists it when the package
// set changed. It reports whether the cache was updated.
func (e *Engine) RefreshLocal(ctx context.Context) (bool, error) {
	p, err := e.deps.Provider.Capture(ctx)
	if err != nil {
		return false, err
	}

	current := e.Local()
	if current != nil && diff.Compute(p.Installations, current.Installations).Empty() {
		e.logger.Debug("local change notification without package changes")
		return false, nil
	}

	if err := e.commit(p); err != nil {
		return false, err
	}
	e.logger.Info("local snapshot updated", "altered_at", p.AlteredAt)
	return true, nil
}

// CreateRemote stores the current local state as a new remote snapshot and
// binds its id. It fails with ErrAlreadyInitialized when a remote is bound.
func (e *Engine) CreateRemote(ctx context.Context, public bool) (string, error) {
	started := e.deps.Clock.Now()

	existing, err := e.RemoteID(ctx)
	if err != nil {
		return "", err
	}
	if existing != "" {
		return "", &AlreadyInitializedError{ID: existing}
	}

	p, err := e.deps.Provider.Capture(ctx)
	if err != nil {
		return "", err
	}

	rctx, cancel := e.remoteContext(ctx)
	defer cancel()
	id, err := e.deps.Remote.Create(rctx, p, public)
	if err != nil {
		e.record(ctx, TriggerControl, store.OutcomeError, err.Error(), started)
		return "", fmt.Errorf("failed to create remote: %w", err)
	}

	if err := e.SetRemoteID(ctx, id); err != nil {
		return "", err
	}
	if err := e.commit(p); err != nil {
		return "", err
	}

	e.logger.Info("remote created", "remote_id", id, "public", public)
	e.record(ctx, TriggerControl, store.OutcomeCreate, id, started)
	return id, nil
}

// Push uploads the current local state to the bound remote
func (e *Engine) Push(ctx context.Context) error {
	return e.push(ctx, TriggerControl)
}

func (e *Engine) push(ctx context.Context, trigger Trigger) error {
	started := e.deps.Clock.Now()

	id, err := e.requireRemoteID(ctx)
	if err != nil {
		return err
	}

	p, err := e.deps.Provider.Capture(ctx)
	if err != nil {
		return err
	}
	if current := e.Local(); current != nil && p.AlteredAt.Before(current.AlteredAt) {
		p.AlteredAt = current.AlteredAt
	}

	rctx, cancel := e.remoteContext(ctx)
	defer cancel()
	if err := e.deps.Remote.Update(rctx, id, p); err != nil {
		e.record(ctx, trigger, store.OutcomeError, err.Error(), started)
		return fmt.Errorf("failed to push: %w", err)
	}

	if err := e.commit(p); err != nil {
		return err
	}

	e.logger.Info("pushed local state", "remote_id", id, "altered_at", p.AlteredAt)
	e.record(ctx, trigger, store.OutcomePush, "", started)
	return nil
}

// Poll fetches the remote snapshot and reconciles it with the local cache.
// Automatic polls (manual false) are skipped on metered networks and in
// power saving mode. Network failures are logged and absorbed;
// authentication failures and a missing remote snapshot are returned.
func (e *Engine) Poll(ctx context.Context, manual bool) error {
	trigger := TriggerTimer
	if manual {
		trigger = TriggerManual
	}
	started := e.deps.Clock.Now()

	if !manual {
		if reason := e.deferReason(ctx); reason != "" {
			e.logger.Info("skipping automatic sync", "reason", reason)
			e.record(ctx, trigger, store.OutcomeSkip, reason, started)
			return nil
		}
	}

	id, err := e.requireRemoteID(ctx)
	if err != nil {
		return err
	}

	local, err := e.ensureLocal(ctx)
	if err != nil {
		e.record(ctx, trigger, store.OutcomeError, err.Error(), started)
		return err
	}

	rctx, cancel := e.remoteContext(ctx)
	remotePayload, err := e.deps.Remote.Fetch(rctx, id)
	cancel()
	if err != nil {
		e.record(ctx, trigger, store.OutcomeError, err.Error(), started)
		if isConfigError(err) {
			return fmt.Errorf("failed to fetch remote: %w", err)
		}
		e.logger.Warn("failed to fetch remote, skipping sync", "remote_id", id, "error", err)
		return nil
	}

	d := diff.Compute(e.comparable(remotePayload.Installations), e.comparable(local.Installations))
	if d.Empty() {
		e.logger.Debug("remote and local in sync", "remote_id", id)
		e.record(ctx, trigger, store.OutcomeNoop, "", started)
		return nil
	}

	added, altered, removed := d.Counts()
	e.logger.Info("remote differs from local",
		"remote_id", id,
		"added", added,
		"altered", altered,
		"removed", removed,
		"local_altered_at", local.AlteredAt,
		"remote_altered_at", remotePayload.AlteredAt)

	if local.AlteredAt.After(remotePayload.AlteredAt) {
		if err := e.push(ctx, trigger); err != nil {
			if isConfigError(err) || isLocalError(err) {
				return err
			}
			e.logger.Warn("failed to push, will retry next cycle", "error", err)
		}
		return nil
	}

	return e.pull(ctx, trigger, remotePayload, started)
}

// pull converges the live installations onto the remote snapshot and adopts
// its timestamp
func (e *Engine) pull(ctx context.Context, trigger Trigger, remotePayload *model.Payload, started time.Time) error {
	report := e.deps.Applier.Apply(ctx, remotePayload.Installations)
	failures := report.Failures()
	for _, f := range failures {
		e.logger.Warn("transaction step failed", "scope", f.Scope, "op", f.Op, "target", f.Target, "error", f.Err)
	}

	p, err := e.deps.Provider.Capture(ctx)
	if err != nil {
		e.record(ctx, trigger, store.OutcomeError, err.Error(), started)
		return err
	}
	p.AlteredAt = remotePayload.AlteredAt
	if err := e.commit(p); err != nil {
		e.record(ctx, trigger, store.OutcomeError, err.Error(), started)
		return err
	}

	detail := ""
	if len(failures) > 0 {
		detail = fmt.Sprintf("%d transaction steps failed", len(failures))
	}
	e.logger.Info("pulled remote state", "altered_at", p.AlteredAt, "failures", len(failures))
	e.record(ctx, trigger, store.OutcomePull, detail, started)
	return nil
}

// Compare fetches the remote snapshot and describes how it differs from the
// local cache without changing anything
func (e *Engine) Compare(ctx context.Context) (*Comparison, error) {
	id, err := e.requireRemoteID(ctx)
	if err != nil {
		return nil, err
	}

	local, err := e.ensureLocal(ctx)
	if err != nil {
		return nil, err
	}

	rctx, cancel := e.remoteContext(ctx)
	defer cancel()
	remotePayload, err := e.deps.Remote.Fetch(rctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch remote: %w", err)
	}

	patch, err := diff.Patch(local.Installations, remotePayload.Installations)
	if err != nil {
		return nil, err
	}
	return &Comparison{
		RemoteID:        id,
		LocalAlteredAt:  local.AlteredAt,
		RemoteAlteredAt: remotePayload.AlteredAt,
		Diff:            diff.Compute(e.comparable(local.Installations), e.comparable(remotePayload.Installations)),
		Patch:           patch,
	}, nil
}

// Journal returns the most recent sync events
func (e *Engine) Journal(ctx context.Context, limit int) ([]store.Event, error) {
	return e.deps.Store.Recent(ctx, limit)
}

func (e *Engine) requireRemoteID(ctx context.Context) (string, error) {
	id, err := e.RemoteID(ctx)
	if err != nil {
		return "", err
	}
	if id == "" {
		return "", ErrRemoteIDMissing
	}
	return id, nil
}

// commit persists p as the local cache. The cached timestamp never moves
// backwards.
func (e *Engine) commit(p *model.Payload) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.local != nil && p.AlteredAt.Before(e.local.AlteredAt) {
		p.AlteredAt = e.local.AlteredAt
	}
	if err := e.deps.Cache.Save(p); err != nil {
		return err
	}
	e.local = p.Clone()
	return nil
}

// deferReason returns why an automatic sync should wait, or ""
func (e *Engine) deferReason(ctx context.Context) string {
	if e.deps.Conditions == nil {
		return ""
	}
	if e.cfg.SkipOnMetered() {
		metered, err := e.deps.Conditions.Metered(ctx)
		if err != nil {
			e.logger.Debug("failed to read metered state", "error", err)
		} else if metered {
			return "metered network"
		}
	}
	if e.cfg.SkipOnPowerSaver() {
		saver, err := e.deps.Conditions.PowerSaver(ctx)
		if err != nil {
			e.logger.Debug("failed to read power profile", "error", err)
		} else if saver {
			return "power saver"
		}
	}
	return ""
}

// comparable clears the repository GPG flag when pulls override it, so a
// pulled state does not keep differing from its source
func (e *Engine) comparable(m model.InstallationMap) model.InstallationMap {
	if !e.cfg.DisableGPGVerify() {
		return m
	}
	out := m.Clone()
	for _, inst := range out {
		if inst == nil {
			continue
		}
		for i := range inst.Remotes {
			inst.Remotes[i].GPGVerify = false
		}
	}
	return out
}

func (e *Engine) remoteContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if e.cfg.Remote.Timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, e.cfg.Remote.Timeout)
}

func (e *Engine) record(ctx context.Context, trigger Trigger, outcome store.Outcome, detail string, started time.Time) {
	ev := store.Event{
		Trigger:    string(trigger),
		Outcome:    outcome,
		Detail:     detail,
		StartedAt:  started,
		FinishedAt: e.deps.Clock.Now(),
	}
	if err := e.deps.Store.Record(ctx, ev); err != nil {
		e.logger.Warn("failed to record sync event", "error", err)
		return
	}
	if err := e.deps.Store.Prune(ctx, journalKeep); err != nil {
		e.logger.Warn("failed to prune sync journal", "error", err)
	}
}

func isLocalError(err error) bool {
	var qe *snapshot.QueryError
	var fe *snapshot.FileError
	return errors.As(err, &qe) || errors.As(err, &fe)
}

// isConfigError reports remote errors that retrying cannot fix without
// user action
func isConfigError(err error) bool {
	return errors.Is(err, remote.ErrUnauthorized) ||
		errors.Is(err, remote.ErrNotFound) ||
		errors.Is(err, remote.ErrMissingFile) ||
		errors.Is(err, auth.ErrNoCredentials) ||
		errors.Is(err, auth.ErrRefreshFailed)
}
