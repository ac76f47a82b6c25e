// Package dirs resolves where notifysms keeps its files. Each directory can
// be pinned with a NOTIFYSMS_* variable and otherwise follows the XDG base
// directory layout.
package dirs

import (
	"os"
	"path/filepath"
	"strconv"

	"golang.org/x/sys/unix"
)

const app = "notifysms"

// StateDir holds the channel registry.
func StateDir() string {
	return resolve("NOTIFYSMS_STATE_DIR", "XDG_STATE_HOME", ".local/state")
}

// ConfigDir holds config.toml.
func ConfigDir() string {
	return resolve("", "XDG_CONFIG_HOME", ".config")
}

// RuntimeDir holds the start request handed from the bridge to the
// executor. Without XDG_RUNTIME_DIR it uses the login manager's
// /run/user/<uid>, then a per-uid directory under the temp dir.
func RuntimeDir() string {
	if v := os.Getenv("NOTIFYSMS_RUNTIME_DIR"); v != "" {
		return v
	}
	if base := os.Getenv("XDG_RUNTIME_DIR"); base != "" {
		return filepath.Join(base, app)
	}
	uid := strconv.Itoa(unix.Getuid())
	if info, err := os.Stat(filepath.Join("/run/user", uid)); err == nil && info.IsDir() {
		return filepath.Join("/run/user", uid, app)
	}
	return filepath.Join(os.TempDir(), app+"-"+uid)
}

func resolve(override, xdgVar, homeRel string) string {
	if override != "" {
		if v := os.Getenv(override); v != "" {
			return v
		}
	}
	if base := os.Getenv(xdgVar); base != "" {
		return filepath.Join(base, app)
	}
	if home := os.Getenv("HOME"); home != "" {
		return filepath.Join(home, filepath.FromSlash(homeRel), app)
	}
	return filepath.Join(os.TempDir(), app+"-"+filepath.Base(homeRel))
}
