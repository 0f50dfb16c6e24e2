// Package apply converges local installations onto a target package set.
package apply

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/schaermu/paksyncd/internal/diff"
	"github.com/schaermu/paksyncd/internal/flatpak"
	"github.com/schaermu/paksyncd/internal/model"
)

// Op names a single transaction step
type Op string

const (
	OpQuery     Op = "query"
	OpAddRemote Op = "add-remote"
	OpInstall   Op = "install"
	OpUpdate    Op = "update"
	OpUninstall Op = "uninstall"
)

// Failure records one transaction step that did not succeed
type Failure struct {
	Scope  model.Scope
	Op     Op
	Target string
	Err    error
}

func (f Failure) Error() string {
	return fmt.Sprintf("%s %s %s: %v", f.Scope, f.Op, f.Target, f.Err)
}

func (f Failure) Unwrap() error { return f.Err }

// Result summarizes the transactions run for one scope
type Result struct {
	Scope        model.Scope
	RemotesAdded []string
	Installed    []string
	Updated      []string
	Uninstalled  []string
	Skipped      []string
	Failures     []Failure
}

// Changed reports whether any step modified the installation
func (r *Result) Changed() bool {
	return len(r.RemotesAdded)+len(r.Installed)+len(r.Updated)+len(r.Uninstalled) > 0
}

// Report holds the result of every scope in application order
type Report []*Result

// Failures returns every failure across scopes
func (r Report) Failures() []Failure {
	var out []Failure
	for _, res := range r {
		out = append(out, res.Failures...)
	}
	return out
}

// Err joins all failures, or returns nil when every step succeeded
func (r Report) Err() error {
	var errs []error
	for _, f := range r.Failures() {
		errs = append(errs, f)
	}
	return errors.Join(errs...)
}

// Options tunes how repositories are added
type Options struct {
	// DisableGPGVerify adds synced repositories without signature checks
	DisableGPGVerify bool
}

// Applier runs the transactions that turn the live state into a target.
// Every step is attempted even when earlier steps fail.
type Applier struct {
	pm     flatpak.Client
	logger *slog.Logger
	opts   Options
}

// New creates an applier driving pm
func New(pm flatpak.Client, logger *slog.Logger, opts Options) *Applier {
	return &Applier{pm: pm, logger: logger, opts: opts}
}

// Apply converges every scope of target. Scopes are processed in a fixed
// order and scopes absent from target are left untouched. Within a scope,
// repositories are added first, then refs are installed or moved to their
// commit, then refs missing from target are removed.
func (a *Applier) Apply(ctx context.Context, target model.InstallationMap) Report {
	var report Report
	for _, scope := range target.SortedScopes() {
		if err := ctx.Err(); err != nil {
			a.logger.Warn("transaction aborted", "scope", scope, "error", err)
			break
		}
		report = append(report, a.applyScope(ctx, scope, target[scope]))
	}
	return report
}

func (a *Applier) applyScope(ctx context.Context, scope model.Scope, target *model.Installation) *Result {
	res := &Result{Scope: scope}
	if target == nil {
		target = &model.Installation{ID: string(scope)}
	}

	live, err := a.pm.Installation(ctx, scope)
	if err != nil {
		a.logger.Error("failed to read installation", "scope", scope, "error", err)
		res.Failures = append(res.Failures, Failure{Scope: scope, Op: OpQuery, Target: string(scope), Err: err})
		return res
	}

	d := diff.Scope(target, live)
	a.logger.Info("applying transaction",
		"scope", scope,
		"remotes_added", len(d.Remotes.Added),
		"refs_added", len(d.Refs.Added),
		"refs_altered", len(d.Refs.Altered),
		"refs_removed", len(d.Refs.Removed))

	a.addRemotes(ctx, res, d.Remotes.Added)
	a.installRefs(ctx, res, d.Refs.Added)
	a.updateRefs(ctx, res, d.Refs.Altered)
	a.removeRefs(ctx, res, d.Refs.Removed)

	return res
}

func (a *Applier) addRemotes(ctx context.Context, res *Result, remotes []model.Remote) {
	for _, r := range remotes {
		if r.IsLocal() {
			a.logger.Info("skipping local repository", "scope", res.Scope, "remote", r.Name, "url", *r.URL)
			res.Skipped = append(res.Skipped, r.Name)
			continue
		}
		if a.opts.DisableGPGVerify {
			r.GPGVerify = false
		}

		a.logger.Info("adding repository", "scope", res.Scope, "remote", r.Name)
		if err := a.pm.AddRemote(ctx, res.Scope, r); err != nil {
			a.logger.Error("failed to add repository", "scope", res.Scope, "remote", r.Name, "error", err)
			res.Failures = append(res.Failures, Failure{Scope: res.Scope, Op: OpAddRemote, Target: r.Name, Err: err})
			continue
		}
		res.RemotesAdded = append(res.RemotesAdded, r.Name)

		if err := a.pm.RefreshRemote(ctx, res.Scope, r.Name); err != nil {
			a.logger.Warn("failed to refresh repository metadata", "scope", res.Scope, "remote", r.Name, "error", err)
		}
	}
}

func (a *Applier) installRefs(ctx context.Context, res *Result, refs []model.Ref) {
	for _, ref := range refs {
		a.logger.Info("installing", "scope", res.Scope, "ref", ref.Ref, "origin", ref.Origin)
		err := a.pm.Install(ctx, res.Scope, ref)
		switch {
		case errors.Is(err, flatpak.ErrAlreadyInstalled):
			a.logger.Debug("already installed", "scope", res.Scope, "ref", ref.Ref)
		case err != nil:
			a.logger.Error("failed to install", "scope", res.Scope, "ref", ref.Ref, "error", err)
			res.Failures = append(res.Failures, Failure{Scope: res.Scope, Op: OpInstall, Target: ref.Ref, Err: err})
			continue
		default:
			res.Installed = append(res.Installed, ref.Ref)
		}

		if ref.Commit == "" {
			continue
		}
		if err := a.pm.Update(ctx, res.Scope, ref, ref.Commit); err != nil {
			a.logger.Warn("failed to pin commit, keeping latest", "scope", res.Scope, "ref", ref.Ref, "commit", ref.Commit, "error", err)
		}
	}
}

func (a *Applier) updateRefs(ctx context.Context, res *Result, changes []diff.Change[model.Ref]) {
	for _, c := range changes {
		if c.New.Commit == "" || c.New.Commit == c.Old.Commit {
			continue
		}
		a.logger.Info("updating", "scope", res.Scope, "ref", c.New.Ref, "from", c.Old.Commit, "to", c.New.Commit)
		if err := a.pm.Update(ctx, res.Scope, c.New, c.New.Commit); err != nil {
			a.logger.Error("failed to update", "scope", res.Scope, "ref", c.New.Ref, "error", err)
			res.Failures = append(res.Failures, Failure{Scope: res.Scope, Op: OpUpdate, Target: c.New.Ref, Err: err})
			continue
		}
		res.Updated = append(res.Updated, c.New.Ref)
	}
}

func (a *Applier) removeRefs(ctx context.Context, res *Result, refs []model.Ref) {
	for _, ref := range refs {
		a.logger.Info("uninstalling", "scope", res.Scope, "ref", ref.Ref)
		err := a.pm.Uninstall(ctx, res.Scope, ref)
		switch {
		case errors.Is(err, flatpak.ErrNotInstalled):
			a.logger.Debug("already removed", "scope", res.Scope, "ref", ref.Ref)
		case err != nil:
			a.logger.Error("failed to uninstall", "scope", res.Scope, "ref", ref.Ref, "error", err)
			res.Failures = append(res.Failures, Failure{Scope: res.Scope, Op: OpUninstall, Target: ref.Ref, Err: err})
		default:
			res.Uninstalled = append(res.Uninstalled, ref.Ref)
		}
	}
}
