package flatpak

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/schaermu/paksyncd/internal/model"
)

var (
	// ErrNotInstalled is returned when uninstalling a ref that is not present
	ErrNotInstalled = errors.New("ref not installed")
	// ErrAlreadyInstalled is returned when installing a ref that is already present
	ErrAlreadyInstalled = errors.New("ref already installed")
)

// Client provides package-manager operations on flatpak installations
type Client interface {
	// Installations enumerates every known installation with its refs and remotes
	Installations(ctx context.Context) (model.InstallationMap, error)
	// Installation reads a single scope
	Installation(ctx context.Context, scope model.Scope) (*model.Installation, error)
	// AddRemote configures a repository if it does not exist yet
	AddRemote(ctx context.Context, scope model.Scope, remote model.Remote) error
	// RefreshRemote downloads fresh metadata for a repository
	RefreshRemote(ctx context.Context, scope model.Scope, name string) error
	// Install installs the latest commit of a ref from its origin
	Install(ctx context.Context, scope model.Scope, ref model.Ref) error
	// Update moves an installed ref to the given commit
	Update(ctx context.Context, scope model.Scope, ref model.Ref, commit string) error
	// Uninstall removes a ref
	Uninstall(ctx context.Context, scope model.Scope, ref model.Ref) error
}

const (
	refColumns    = "ref,application,arch,branch,active,origin,name,version,description"
	remoteColumns = "name,title,url,collection,priority,options,description"
)

// ShellClient implements Client by shelling out to the flatpak command
type ShellClient struct {
	binary    string
	userDir   string
	systemDir string
}

// NewShellClient creates a new flatpak client. userDir and systemDir are the
// installation paths reported in snapshots.
func NewShellClient(binary, userDir, systemDir string) *ShellClient {
	if binary == "" {
		binary = "flatpak"
	}
	return &ShellClient{
		binary:    binary,
		userDir:   userDir,
		systemDir: systemDir,
	}
}

// Installations reads the user and system installations. A system
// installation whose directory does not exist is left out.
func (c *ShellClient) Installations(ctx context.Context) (model.InstallationMap, error) {
	out := make(model.InstallationMap)
	for _, scope := range model.Scopes {
		if scope == model.ScopeSystem {
			if _, err := os.Stat(c.systemDir); err != nil {
				continue
			}
		}
		inst, err := c.Installation(ctx, scope)
		if err != nil {
			return nil, err
		}
		out[scope] = inst
	}
	return out, nil
}

// Installation reads the refs and remotes of one scope
func (c *ShellClient) Installation(ctx context.Context, scope model.Scope) (*model.Installation, error) {
	inst := &model.Installation{
		ID:          string(scope),
		Path:        c.pathFor(scope),
		StorageType: model.StorageDefault,
		Refs:        []model.Ref{},
		Remotes:     []model.Remote{},
	}
	if scope == model.ScopeUser {
		inst.DisplayName = model.Str("User installation")
	} else {
		inst.DisplayName = model.Str("Default system installation")
	}

	for _, kind := range []model.RefKind{model.KindApp, model.KindRuntime} {
		output, err := c.output(ctx, "list", scopeFlag(scope), "--"+string(kind), "--columns="+refColumns)
		if err != nil {
			return nil, fmt.Errorf("flatpak list %s failed: %w", kind, err)
		}
		refs, err := parseRefs(kind, output)
		if err != nil {
			return nil, err
		}
		for i := range refs {
			commit, err := c.commit(ctx, scope, refs[i].Ref)
			if err != nil {
				return nil, err
			}
			refs[i].Commit = commit
		}
		inst.Refs = append(inst.Refs, refs...)
	}

	output, err := c.output(ctx, "remotes", scopeFlag(scope), "--show-disabled", "--columns="+remoteColumns)
	if err != nil {
		return nil, fmt.Errorf("flatpak remotes failed: %w", err)
	}
	remotes, err := parseRemotes(output)
	if err != nil {
		return nil, err
	}
	inst.Remotes = remotes

	return inst, nil
}

// AddRemote adds a repository unless one with the same name exists
func (c *ShellClient) AddRemote(ctx context.Context, scope model.Scope, remote model.Remote) error {
	if remote.URL == nil {
		return fmt.Errorf("remote %s has no url", remote.Name)
	}

	args := []string{"remote-add", scopeFlag(scope), "--if-not-exists"}
	if !remote.GPGVerify {
		args = append(args, "--no-gpg-verify")
	}
	if remote.Title != nil {
		args = append(args, "--title="+*remote.Title)
	}
	if remote.Description != nil {
		args = append(args, "--description="+*remote.Description)
	}
	if remote.CollectionID != nil {
		args = append(args, "--collection-id="+*remote.CollectionID)
	}
	if remote.Prio != 0 {
		args = append(args, "--prio="+strconv.Itoa(int(remote.Prio)))
	}
	args = append(args, remote.Name, *remote.URL)

	if err := c.run(ctx, args...); err != nil {
		return fmt.Errorf("flatpak remote-add %s failed: %w", remote.Name, err)
	}
	return nil
}

// RefreshRemote updates the appstream metadata of a repository
func (c *ShellClient) RefreshRemote(ctx context.Context, scope model.Scope, name string) error {
	if err := c.run(ctx, "update", scopeFlag(scope), "--noninteractive", "--appstream", name); err != nil {
		return fmt.Errorf("flatpak update --appstream %s failed: %w", name, err)
	}
	return nil
}

// Install installs ref from its origin
func (c *ShellClient) Install(ctx context.Context, scope model.Scope, ref model.Ref) error {
	err := c.run(ctx, "install", scopeFlag(scope), "--noninteractive", "-y", ref.Origin, ref.Ref)
	if err != nil {
		if strings.Contains(err.Error(), "already installed") {
			return fmt.Errorf("%s: %w", ref.Ref, ErrAlreadyInstalled)
		}
		return fmt.Errorf("flatpak install %s failed: %w", ref.Ref, err)
	}
	return nil
}

// Update pins ref to commit
func (c *ShellClient) Update(ctx context.Context, scope model.Scope, ref model.Ref, commit string) error {
	if err := c.run(ctx, "update", scopeFlag(scope), "--noninteractive", "-y", "--commit="+commit, ref.Ref); err != nil {
		return fmt.Errorf("flatpak update %s to %s failed: %w", ref.Ref, commit, err)
	}
	return nil
}

// Uninstall removes ref
func (c *ShellClient) Uninstall(ctx context.Context, scope model.Scope, ref model.Ref) error {
	err := c.run(ctx, "uninstall", scopeFlag(scope), "--noninteractive", "-y", ref.Ref)
	if err != nil {
		if strings.Contains(err.Error(), "not installed") {
			return fmt.Errorf("%s: %w", ref.Ref, ErrNotInstalled)
		}
		return fmt.Errorf("flatpak uninstall %s failed: %w", ref.Ref, err)
	}
	return nil
}

// commit returns the full checksum of the deployed commit of ref. The
// active column of flatpak list is truncated and cannot be passed to
// update --commit.
func (c *ShellClient) commit(ctx context.Context, scope model.Scope, ref string) (string, error) {
	output, err := c.output(ctx, "info", scopeFlag(scope), "--show-commit", ref)
	if err != nil {
		return "", fmt.Errorf("flatpak info %s failed: %w", ref, err)
	}
	commit := strings.TrimSpace(output)
	if !isChecksum(commit) {
		return "", fmt.Errorf("unexpected commit %q for %s", commit, ref)
	}
	return commit, nil
}

// isChecksum reports whether s is a full ostree commit checksum
func isChecksum(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdef", r) {
			return false
		}
	}
	return true
}

func (c *ShellClient) pathFor(scope model.Scope) string {
	if scope == model.ScopeSystem {
		return c.systemDir
	}
	return c.userDir
}

func scopeFlag(scope model.Scope) string {
	if scope == model.ScopeSystem {
		return "--system"
	}
	return "--user"
}

// run executes flatpak and returns an error carrying its output on failure
func (c *ShellClient) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}

// output executes flatpak and returns stdout
func (c *ShellClient) output(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, c.binary, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return "", fmt.Errorf("%w: %s", err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return "", err
	}
	return string(out), nil
}

// parseRefs parses tab separated `flatpak list --columns` output
func parseRefs(kind model.RefKind, output string) ([]model.Ref, error) {
	var refs []model.Ref
	err := eachRow(output, 9, func(f []string) {
		full := f[0]
		if !strings.HasPrefix(full, "app/") && !strings.HasPrefix(full, "runtime/") {
			full = string(kind) + "/" + full
		}
		refs = append(refs, model.Ref{
			Kind:    kind,
			Ref:     full,
			ID:      f[1],
			Arch:    f[2],
			Branch:  f[3],
			Commit:  f[4],
			Origin:  f[5],
			Name:    model.Str(f[6]),
			Version: model.Str(f[7]),
			Summary: model.Str(f[8]),
		})
	})
	return refs, err
}

// parseRemotes parses tab separated `flatpak remotes --columns` output
func parseRemotes(output string) ([]model.Remote, error) {
	remotes := []model.Remote{}
	var convErr error
	err := eachRow(output, 7, func(f []string) {
		prio := 1
		if f[4] != "" {
			p, err := strconv.Atoi(f[4])
			if err != nil && convErr == nil {
				convErr = fmt.Errorf("invalid priority %q for remote %s", f[4], f[0])
			}
			prio = p
		}
		remotes = append(remotes, model.Remote{
			Type:         model.RemoteStatic,
			Name:         f[0],
			Title:        model.Str(f[1]),
			URL:          model.Str(f[2]),
			CollectionID: model.Str(f[3]),
			Prio:         int32(prio),
			GPGVerify:    !hasOption(f[5], "no-gpg-verify"),
			Description:  model.Str(f[6]),
		})
	})
	if err != nil {
		return nil, err
	}
	return remotes, convErr
}

func hasOption(options, want string) bool {
	for _, o := range strings.Split(options, ",") {
		if strings.TrimSpace(o) == want {
			return true
		}
	}
	return false
}

// eachRow splits output into tab separated rows padded to n fields. Cells
// flatpak prints as "-" are treated as empty.
func eachRow(output string, n int, fn func([]string)) error {
	sc := bufio.NewScanner(strings.NewReader(output))
	for sc.Scan() {
		line := sc.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fields := strings.Split(line, "\t")
		if len(fields) > n {
			fields = fields[:n]
		}
		for len(fields) < n {
			fields = append(fields, "")
		}
		for i, f := range fields {
			f = strings.TrimSpace(f)
			if f == "-" {
				f = ""
			}
			fields[i] = f
		}
		fn(fields)
	}
	if err := sc.Err(); err != nil {
		return fmt.Errorf("failed to read flatpak output: %w", err)
	}
	return nil
}
