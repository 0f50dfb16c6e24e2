// Package autostart installs paksyncd as a systemd user service.
package autostart

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/mitchellh/go-homedir"
	"github.com/spf13/afero"
)

// UnitName is the name of the installed user unit
const UnitName = "paksyncd.service"

// Systemd provides the systemctl --user operations needed for autostart
type Systemd interface {
	// DaemonReload reloads systemd user configuration
	DaemonReload(ctx context.Context) error
	// Enable enables unit for the default target
	Enable(ctx context.Context, unit string) error
	// Disable disables unit
	Disable(ctx context.Context, unit string) error
	// IsEnabled reports whether unit is enabled
	IsEnabled(ctx context.Context, unit string) (bool, error)
}

// Client implements Systemd by shelling out to systemctl --user
type Client struct {
	binary string
}

// NewClient creates a systemd client running binary (default "systemctl")
func NewClient(binary string) *Client {
	if binary == "" {
		binary = "systemctl"
	}
	return &Client{binary: binary}
}

// DaemonReload reloads systemd user daemon configuration
func (c *Client) DaemonReload(ctx context.Context) error {
	return c.run(ctx, "daemon-reload")
}

// Enable enables unit
func (c *Client) Enable(ctx context.Context, unit string) error {
	return c.run(ctx, "enable", unit)
}

// Disable disables unit
func (c *Client) Disable(ctx context.Context, unit string) error {
	return c.run(ctx, "disable", unit)
}

// IsEnabled reports whether unit is enabled. systemctl exits non-zero for
// disabled and unknown units, which is not an error here.
func (c *Client) IsEnabled(ctx context.Context, unit string) (bool, error) {
	cmd := exec.CommandContext(ctx, c.binary, "--user", "is-enabled", unit)
	err := cmd.Run()
	if err == nil {
		return true, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return false, nil
	}
	return false, fmt.Errorf("systemctl is-enabled failed: %w", err)
}

func (c *Client) run(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, c.binary, append([]string{"--user"}, args...)...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("systemctl %s failed: %w: %s", args[0], err, strings.TrimSpace(string(output)))
	}
	return nil
}

// UnitDir returns the systemd user unit directory
func UnitDir() (string, error) {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" && filepath.IsAbs(dir) {
		return filepath.Join(dir, "systemd", "user"), nil
	}
	home, err := homedir.Dir()
	if err != nil {
		return "", fmt.Errorf("failed to resolve home directory: %w", err)
	}
	return filepath.Join(home, ".config", "systemd", "user"), nil
}

// Unit renders the service unit starting exe as a daemon
func Unit(exe, configPath string) string {
	execStart := exe + " daemon"
	if configPath != "" {
		execStart += " --config " + configPath
	}

	var b strings.Builder
	b.WriteString("[Unit]\n")
	b.WriteString("Description=Synchronize installed Flatpaks across machines\n")
	b.WriteString("Wants=network-online.target\n")
	b.WriteString("After=network-online.target\n\n")
	b.WriteString("[Service]\n")
	b.WriteString("Type=simple\n")
	fmt.Fprintf(&b, "ExecStart=%s\n", execStart)
	b.WriteString("Restart=on-failure\n")
	b.WriteString("RestartSec=30\n\n")
	b.WriteString("[Install]\n")
	b.WriteString("WantedBy=default.target\n")
	return b.String()
}

// Manager installs and removes the user unit
type Manager struct {
	fs         afero.Fs
	dir        string
	exe        string
	configPath string
	systemd    Systemd
	logger     *slog.Logger
}

// NewManager creates a manager writing units into dir
func NewManager(fs afero.Fs, dir, exe, configPath string, systemd Systemd, logger *slog.Logger) *Manager {
	return &Manager{
		fs:         fs,
		dir:        dir,
		exe:        exe,
		configPath: configPath,
		systemd:    systemd,
		logger:     logger,
	}
}

// UnitPath returns the location of the unit file
func (m *Manager) UnitPath() string {
	return filepath.Join(m.dir, UnitName)
}

// Installed reports whether the unit file exists
func (m *Manager) Installed() (bool, error) {
	return afero.Exists(m.fs, m.UnitPath())
}

// Set installs or removes the unit
func (m *Manager) Set(ctx context.Context, enabled bool) error {
	if enabled {
		return m.Install(ctx)
	}
	return m.Uninstall(ctx)
}

// Install writes the unit file, reloads systemd and enables the unit
func (m *Manager) Install(ctx context.Context) error {
	if err := m.fs.MkdirAll(m.dir, 0755); err != nil {
		return fmt.Errorf("failed to create unit directory: %w", err)
	}

	tmp, err := afero.TempFile(m.fs, m.dir, ".paksyncd-unit-*")
	if err != nil {
		return fmt.Errorf("failed to create temp unit: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() {
		_ = m.fs.Remove(tmpPath)
	}()

	if _, err := tmp.WriteString(Unit(m.exe, m.configPath)); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write unit: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write unit: %w", err)
	}
	if err := m.fs.Chmod(tmpPath, 0644); err != nil {
		return fmt.Errorf("failed to chmod unit: %w", err)
	}
	if err := m.fs.Rename(tmpPath, m.UnitPath()); err != nil {
		return fmt.Errorf("failed to install unit: %w", err)
	}

	if err := m.systemd.DaemonReload(ctx); err != nil {
		return err
	}
	if err := m.systemd.Enable(ctx, UnitName); err != nil {
		return err
	}
	m.logger.Info("autostart installed", "unit", m.UnitPath())
	return nil
}

// Uninstall disables the unit and removes its file. A missing unit is not an error.
func (m *Manager) Uninstall(ctx context.Context) error {
	installed, err := m.Installed()
	if err != nil {
		return err
	}
	if !installed {
		m.logger.Debug("autostart not installed", "unit", m.UnitPath())
		return nil
	}

	if err := m.systemd.Disable(ctx, UnitName); err != nil {
		m.logger.Warn("failed to disable unit", "unit", UnitName, "error", err)
	}
	if err := m.fs.Remove(m.UnitPath()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove unit: %w", err)
	}
	if err := m.systemd.DaemonReload(ctx); err != nil {
		return err
	}
	m.logger.Info("autostart removed", "unit", m.UnitPath())
	return nil
}
