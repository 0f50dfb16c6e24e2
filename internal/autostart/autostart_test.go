package autostart

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/afero"

	"github.com/schaermu/paksyncd/internal/testutil"
)

type mockSystemd struct {
	calls      []string
	disableErr error
}

func (m *mockSystemd) DaemonReload(ctx context.Context) error {
	m.calls = append(m.calls, "daemon-reload")
	return nil
}

func (m *mockSystemd) Enable(ctx context.Context, unit string) error {
	m.calls = append(m.calls, "enable "+unit)
	return nil
}

func (m *mockSystemd) Disable(ctx context.Context, unit string) error {
	m.calls = append(m.calls, "disable "+unit)
	return m.disableErr
}

func (m *mockSystemd) IsEnabled(ctx context.Context, unit string) (bool, error) {
	return false, nil
}

const unitDir = "/home/test/.config/systemd/user"

func TestUnit(t *testing.T) {
	unit := Unit("/usr/bin/paksyncd", "/etc/paksyncd.yaml")
	if !strings.Contains(unit, "ExecStart=/usr/bin/paksyncd daemon --config /etc/paksyncd.yaml\n") {
		t.Errorf("unexpected ExecStart in unit:\n%s", unit)
	}
	if !strings.Contains(unit, "WantedBy=default.target") {
		t.Errorf("unit is missing install section:\n%s", unit)
	}

	if !strings.Contains(Unit("/usr/bin/paksyncd", ""), "ExecStart=/usr/bin/paksyncd daemon\n") {
		t.Error("unit without config must not pass --config")
	}
}

func TestManager_InstallUninstall(t *testing.T) {
	fs := afero.NewMemMapFs()
	sd := &mockSystemd{}
	m := NewManager(fs, unitDir, "/usr/bin/paksyncd", "", sd, testutil.Logger())
	ctx := context.Background()

	if err := m.Install(ctx); err != nil {
		t.Fatalf("Install: %v", err)
	}
	data, err := afero.ReadFile(fs, filepath.Join(unitDir, UnitName))
	if err != nil {
		t.Fatalf("unit not written: %v", err)
	}
	if string(data) != Unit("/usr/bin/paksyncd", "") {
		t.Errorf("unexpected unit content:\n%s", data)
	}
	entries, _ := afero.ReadDir(fs, unitDir)
	if len(entries) != 1 {
		t.Errorf("expected only the unit file, got %d entries", len(entries))
	}

	installed, err := m.Installed()
	if err != nil || !installed {
		t.Fatalf("Installed() = %v, %v; want true", installed, err)
	}

	if err := m.Uninstall(ctx); err != nil {
		t.Fatalf("Uninstall: %v", err)
	}
	if installed, _ := m.Installed(); installed {
		t.Error("unit still present after Uninstall")
	}

	want := []string{"daemon-reload", "enable " + UnitName, "disable " + UnitName, "daemon-reload"}
	if strings.Join(sd.calls, ",") != strings.Join(want, ",") {
		t.Errorf("systemd calls = %v, want %v", sd.calls, want)
	}
}

func TestManager_UninstallMissing(t *testing.T) {
	sd := &mockSystemd{}
	m := NewManager(afero.NewMemMapFs(), unitDir, "/usr/bin/paksyncd", "", sd, testutil.Logger())

	if err := m.Uninstall(context.Background()); err != nil {
		t.Fatalf("Uninstall of missing unit: %v", err)
	}
	if len(sd.calls) != 0 {
		t.Errorf("expected no systemd calls, got %v", sd.calls)
	}
}

func TestManager_UninstallDisableFailure(t *testing.T) {
	fs := afero.NewMemMapFs()
	sd := &mockSystemd{disableErr: errors.New("unit not loaded")}
	m := NewManager(fs, unitDir, "/usr/bin/paksyncd", "", sd, testutil.Logger())
	if err := afero.WriteFile(fs, m.UnitPath(), []byte("[Unit]\n"), 0644); err != nil {
		t.Fatal(err)
	}

	if err := m.Set(context.Background(), false); err != nil {
		t.Fatalf("Set(false): %v", err)
	}
	if installed, _ := m.Installed(); installed {
		t.Error("unit file must be removed even when disable fails")
	}
}

func TestClient_ShellOut(t *testing.T) {
	ctx := context.Background()

	ok := NewClient("true")
	if err := ok.DaemonReload(ctx); err != nil {
		t.Errorf("DaemonReload: %v", err)
	}
	if enabled, err := ok.IsEnabled(ctx, UnitName); err != nil || !enabled {
		t.Errorf("IsEnabled = %v, %v; want true", enabled, err)
	}

	failing := NewClient("false")
	if err := failing.Enable(ctx, UnitName); err == nil {
		t.Error("expected Enable to fail")
	}
	if enabled, err := failing.IsEnabled(ctx, UnitName); err != nil || enabled {
		t.Errorf("IsEnabled = %v, %v; want false, nil", enabled, err)
	}

	missing := NewClient("/nonexistent/systemctl")
	if _, err := missing.IsEnabled(ctx, UnitName); err == nil {
		t.Error("expected error for missing binary")
	}
}

func TestUnitDir(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", "/tmp/xdg")
	dir, err := UnitDir()
	if err != nil {
		t.Fatal(err)
	}
	if dir != "/tmp/xdg/systemd/user" {
		t.Errorf("UnitDir() = %q", dir)
	}
}
