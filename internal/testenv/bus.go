// Package testenv provides a private session bus for tests that talk D-Bus.
package testenv

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"
)

// Bus is a dbus-daemon listening on a socket in a temp directory.
type Bus struct {
	SocketPath string
	Address    string

	daemon *exec.Cmd
}

// StartBus launches dbus-daemon and points DBUS_SESSION_BUS_ADDRESS at it
// for the rest of the test. The test is skipped if dbus-daemon is not
// installed.
func StartBus(t testing.TB) *Bus {
	t.Helper()

	if _, err := exec.LookPath("dbus-daemon"); err != nil {
		t.Skip("dbus-daemon not installed")
	}

	b := &Bus{SocketPath: filepath.Join(t.TempDir(), "bus.sock")}
	b.Address = "unix:path=" + b.SocketPath

	b.daemon = exec.Command("dbus-daemon",
		"--session",
		"--nofork",
		"--address="+b.Address,
	)
	b.daemon.Stderr = os.Stderr
	if err := b.daemon.Start(); err != nil {
		t.Fatalf("start dbus-daemon: %v", err)
	}
	t.Cleanup(func() {
		b.daemon.Process.Kill()
		b.daemon.Wait()
	})

	// Wait for socket to appear
	for i := 0; ; i++ {
		if _, err := os.Stat(b.SocketPath); err == nil {
			break
		}
		if i == 200 {
			t.Fatalf("dbus-daemon socket %s never appeared", b.SocketPath)
		}
		time.Sleep(10 * time.Millisecond)
	}

	t.Setenv("DBUS_SESSION_BUS_ADDRESS", b.Address)
	return b
}
