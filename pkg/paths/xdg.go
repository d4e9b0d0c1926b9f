// Package paths provides XDG-compliant path resolution for grove preview.
//
// Resolution order:
// 1. GROVE_PREVIEW_HOME (portable root) → $GROVE_PREVIEW_HOME/{config,data,state,cache,run}
// 2. XDG env vars → $XDG_*_HOME/grove-preview
// 3. Platform defaults → ~/.config/grove-preview, ~/.local/share/grove-preview, etc.
package paths

import (
	"os"
	"path/filepath"
)

const appName = "grove-preview"

// resolve picks the base directory for one XDG category.
func resolve(homeSub, xdgEnv string, fallback ...string) string {
	if home := os.Getenv("GROVE_PREVIEW_HOME"); home != "" {
		return filepath.Join(home, homeSub)
	}
	if xdg := os.Getenv(xdgEnv); xdg != "" {
		return filepath.Join(xdg, appName)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(append(append([]string{homeDir}, fallback...), appName)...)
	}
	return ""
}

// ConfigDir returns the configuration directory holding the global preview.yml.
func ConfigDir() string {
	return resolve("config", "XDG_CONFIG_HOME", ".config")
}

// DataDir returns the data directory.
// Used for kits and persisted projects.
func DataDir() string {
	return resolve("data", "XDG_DATA_HOME", ".local", "share")
}

// StateDir returns the state directory.
// Used for the companion pidfile and logs.
func StateDir() string {
	return resolve("state", "XDG_STATE_HOME", ".local", "state")
}

// CacheDir returns the cache directory.
// Used for materialised workspaces and node_modules.
func CacheDir() string {
	return resolve("cache", "XDG_CACHE_HOME", ".cache")
}

// RuntimeDir returns the runtime directory for sockets.
// Uses XDG_RUNTIME_DIR when available (Linux), falls back to StateDir (macOS).
func RuntimeDir() string {
	if home := os.Getenv("GROVE_PREVIEW_HOME"); home != "" {
		return filepath.Join(home, "run")
	}
	if dir := os.Getenv("XDG_RUNTIME_DIR"); dir != "" {
		return filepath.Join(dir, appName)
	}
	return StateDir()
}

// KitsDir returns the default kit directory.
func KitsDir() string {
	return filepath.Join(DataDir(), "kits")
}

// ProjectsDir returns the default persisted project directory.
func ProjectsDir() string {
	return filepath.Join(DataDir(), "projects")
}

// WorkspacesDir returns where backends materialise project trees.
func WorkspacesDir() string {
	return filepath.Join(CacheDir(), "workspaces")
}

// SocketPath returns the path to the companion unix socket.
func SocketPath() string {
	return filepath.Join(RuntimeDir(), "companion.sock")
}

// PidFilePath returns the path to the companion PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "companion.pid")
}

// LogFilePath returns the companion log file.
func LogFilePath() string {
	return filepath.Join(StateDir(), "logs", "companion.log")
}

// EnsureDirs creates all preview directories if they don't exist.
func EnsureDirs() error {
	dirs := []string{
		ConfigDir(),
		DataDir(),
		StateDir(),
		CacheDir(),
		RuntimeDir(),
	}

	for _, dir := range dirs {
		if dir == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}
	return nil
}
