package activation

import (
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/schaermu/paksyncd/internal/testutil"
)

func TestListeners_NoEnvironment(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners when no env vars set, got %v", listeners)
	}
}

func TestListeners_WrongPID(t *testing.T) {
	t.Setenv("LISTEN_PID", "99999999")
	t.Setenv("LISTEN_FDS", "1")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners when PID doesn't match, got %v", listeners)
	}
}

func TestListeners_InvalidEnvironment(t *testing.T) {
	tests := []struct {
		name string
		pid  string
		fds  string
	}{
		{name: "invalid pid", pid: "not-a-number", fds: "1"},
		{name: "invalid fds", pid: strconv.Itoa(os.Getpid()), fds: "not-a-number"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("LISTEN_PID", tt.pid)
			t.Setenv("LISTEN_FDS", tt.fds)
			if _, err := Listeners(); err == nil {
				t.Error("expected error, got nil")
			}
		})
	}
}

func TestListeners_ZeroFDs(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "0")

	listeners, err := Listeners()
	if err != nil {
		t.Fatalf("Listeners() unexpected error: %v", err)
	}
	if listeners != nil {
		t.Errorf("expected nil listeners when LISTEN_FDS=0, got %v", listeners)
	}
}

func shortTempDir(t *testing.T) string {
	t.Helper()
	// unix socket paths are limited to ~100 bytes, t.TempDir() can exceed that
	dir, err := os.MkdirTemp("", "paksyncd")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return dir
}

func TestListen_CreatesSocket(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	path := filepath.Join(shortTempDir(t), "run", "control.sock")

	l, err := Listen(path, testutil.Logger())
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer func() { _ = l.Close() }()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("socket not created: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("socket mode = %v, want 0600", info.Mode().Perm())
	}

	conn, err := net.Dial("unix", path)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = conn.Close()
}

func TestListen_ReplacesStaleSocket(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	path := filepath.Join(shortTempDir(t), "control.sock")

	stale, err := net.Listen("unix", path)
	if err != nil {
		t.Fatal(err)
	}
	// keep the file, drop the listener
	stale.(*net.UnixListener).SetUnlinkOnClose(false)
	_ = stale.Close()

	l, err := Listen(path, testutil.Logger())
	if err != nil {
		t.Fatalf("Listen over stale socket: %v", err)
	}
	_ = l.Close()
}

func TestListen_SocketInUse(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	path := filepath.Join(shortTempDir(t), "control.sock")

	first, err := Listen(path, testutil.Logger())
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = first.Close() }()

	_, err = Listen(path, testutil.Logger())
	if err == nil || !strings.Contains(err.Error(), "in use") {
		t.Fatalf("expected in-use error, got %v", err)
	}
}

func TestListen_RefusesRegularFile(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	path := filepath.Join(shortTempDir(t), "control.sock")
	if err := os.WriteFile(path, []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Listen(path, testutil.Logger()); err == nil {
		t.Fatal("expected error for non-socket path")
	}
}
