package testutil

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/schaermu/paksyncd/internal/flatpak"
	"github.com/schaermu/paksyncd/internal/model"
	"github.com/schaermu/paksyncd/internal/remote"
)

// Logger returns a logger that only prints errors, to keep test output clean
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// Flatpak is an in-memory flatpak.Client
type Flatpak struct {
	mu    sync.Mutex
	State model.InstallationMap
	Calls []string

	QueryErr      error
	AddRemoteErr  map[string]error
	RefreshErr    map[string]error
	InstallErr    map[string]error
	UpdateErr     map[string]error
	UninstallErr  map[string]error
	LatestCommits map[string]string
}

var _ flatpak.Client = (*Flatpak)(nil)

// NewFlatpak creates a fake holding state
func NewFlatpak(state model.InstallationMap) *Flatpak {
	if state == nil {
		state = model.InstallationMap{}
	}
	return &Flatpak{State: state.Clone()}
}

func (f *Flatpak) record(format string, args ...any) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

// CallLog returns a copy of the recorded calls
func (f *Flatpak) CallLog() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}

// Snapshot returns a copy of the current state
func (f *Flatpak) Snapshot() model.InstallationMap {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.State.Clone()
}

// SetState replaces the current state, as if changed outside the daemon
func (f *Flatpak) SetState(state model.InstallationMap) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.State = state.Clone()
}

func (f *Flatpak) Installations(ctx context.Context) (model.InstallationMap, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	return f.State.Clone(), nil
}

func (f *Flatpak) Installation(ctx context.Context, scope model.Scope) (*model.Installation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.QueryErr != nil {
		return nil, f.QueryErr
	}
	inst, ok := f.State[scope]
	if !ok {
		return &model.Installation{ID: string(scope)}, nil
	}
	return model.InstallationMap{scope: inst}.Clone()[scope], nil
}

func (f *Flatpak) installation(scope model.Scope) *model.Installation {
	inst, ok := f.State[scope]
	if !ok || inst == nil {
		inst = &model.Installation{ID: string(scope)}
		f.State[scope] = inst
	}
	return inst
}

func (f *Flatpak) AddRemote(ctx context.Context, scope model.Scope, r model.Remote) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("remote-add %s %s gpg=%t", scope, r.Name, r.GPGVerify)
	if err := f.AddRemoteErr[r.Name]; err != nil {
		return err
	}
	inst := f.installation(scope)
	for _, existing := range inst.Remotes {
		if existing.Name == r.Name {
			return nil
		}
	}
	inst.Remotes = append(inst.Remotes, r)
	return nil
}

func (f *Flatpak) RefreshRemote(ctx context.Context, scope model.Scope, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("refresh %s %s", scope, name)
	return f.RefreshErr[name]
}

func (f *Flatpak) Install(ctx context.Context, scope model.Scope, ref model.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("install %s %s", scope, ref.Ref)
	if err := f.InstallErr[ref.Ref]; err != nil {
		return err
	}
	inst := f.installation(scope)
	for _, existing := range inst.Refs {
		if existing.Key() == ref.Key() {
			return fmt.Errorf("%s: %w", ref.Ref, flatpak.ErrAlreadyInstalled)
		}
	}
	installed := ref
	if latest, ok := f.LatestCommits[ref.Ref]; ok {
		installed.Commit = latest
	}
	inst.Refs = append(inst.Refs, installed)
	return nil
}

func (f *Flatpak) Update(ctx context.Context, scope model.Scope, ref model.Ref, commit string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("update %s %s %s", scope, ref.Ref, commit)
	if err := f.UpdateErr[ref.Ref]; err != nil {
		return err
	}
	inst := f.installation(scope)
	for i, existing := range inst.Refs {
		if existing.Key() == ref.Key() {
			updated := ref
			updated.Commit = commit
			inst.Refs[i] = updated
			return nil
		}
	}
	return fmt.Errorf("%s: %w", ref.Ref, flatpak.ErrNotInstalled)
}

func (f *Flatpak) Uninstall(ctx context.Context, scope model.Scope, ref model.Ref) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("uninstall %s %s", scope, ref.Ref)
	if err := f.UninstallErr[ref.Ref]; err != nil {
		return err
	}
	inst := f.installation(scope)
	for i, existing := range inst.Refs {
		if existing.Key() == ref.Key() {
			inst.Refs = append(inst.Refs[:i], inst.Refs[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("%s: %w", ref.Ref, flatpak.ErrNotInstalled)
}

// Remote is an in-memory remote.Store
type Remote struct {
	mu       sync.Mutex
	Payloads map[string]*model.Payload
	NextID   string

	CreateErr error
	FetchErr  error
	UpdateErr error

	Creates int
	Fetches int
	Updates int
}

var _ remote.Store = (*Remote)(nil)

// NewRemote creates an empty fake remote
func NewRemote() *Remote {
	return &Remote{Payloads: map[string]*model.Payload{}, NextID: "remote-1"}
}

func (r *Remote) Kind() remote.Kind {
	return remote.KindGitHubGists
}

func (r *Remote) Create(ctx context.Context, p *model.Payload, public bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Creates++
	if r.CreateErr != nil {
		return "", r.CreateErr
	}
	r.Payloads[r.NextID] = p.Clone()
	return r.NextID, nil
}

func (r *Remote) Fetch(ctx context.Context, id string) (*model.Payload, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Fetches++
	if r.FetchErr != nil {
		return nil, r.FetchErr
	}
	p, ok := r.Payloads[id]
	if !ok {
		return nil, remote.ErrNotFound
	}
	return p.Clone(), nil
}

func (r *Remote) Update(ctx context.Context, id string, p *model.Payload) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Updates++
	if r.UpdateErr != nil {
		return r.UpdateErr
	}
	if _, ok := r.Payloads[id]; !ok {
		return remote.ErrNotFound
	}
	r.Payloads[id] = p.Clone()
	return nil
}

// Get returns a copy of the payload stored under id
func (r *Remote) Get(id string) *model.Payload {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.Payloads[id].Clone()
}

// Put stores a copy of p under id
func (r *Remote) Put(id string, p *model.Payload) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Payloads[id] = p.Clone()
}
