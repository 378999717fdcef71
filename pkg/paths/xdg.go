// Package paths provides XDG-compliant path resolution for tabsync.
//
// Resolution order:
// 1. TABSYNC_HOME (portable root) → $TABSYNC_HOME/{config,state,run}
// 2. XDG env vars → $XDG_*_HOME/tabsync
// 3. Platform defaults → ~/.config/tabsync, ~/.local/state/tabsync, etc.
package paths

import (
	"os"
	"path/filepath"
)

const appName = "tabsync"

// getConfigHome returns the base config home directory.
func getConfigHome() string {
	if home := os.Getenv("TABSYNC_HOME"); home != "" {
		return filepath.Join(home, "config")
	}
	if xdgConfigHome := os.Getenv("XDG_CONFIG_HOME"); xdgConfigHome != "" {
		return xdgConfigHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".config")
	}
	return ""
}

// getStateHome returns the base state home directory.
func getStateHome() string {
	if home := os.Getenv("TABSYNC_HOME"); home != "" {
		return filepath.Join(home, "state")
	}
	if xdgStateHome := os.Getenv("XDG_STATE_HOME"); xdgStateHome != "" {
		return xdgStateHome
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		return filepath.Join(homeDir, ".local", "state")
	}
	return ""
}

// ConfigDir returns the tabsync configuration directory.
// Holds the global tabsync.yml layer.
func ConfigDir() string {
	base := getConfigHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// StateDir returns the tabsync state directory.
// Used for the durable store, logs and the relay pid file.
func StateDir() string {
	base := getStateHome()
	if base == "" {
		return ""
	}
	return filepath.Join(base, appName)
}

// StoreDir returns the default durable store directory shared by all tabs.
func StoreDir() string {
	return filepath.Join(StateDir(), "store")
}

// LogsDir returns the directory for component log files.
func LogsDir() string {
	return filepath.Join(StateDir(), "logs")
}

// PidFilePath returns the path to the relay PID file.
func PidFilePath() string {
	return filepath.Join(StateDir(), "relay.pid")
}

// EnsureDirs creates all tabsync directories if they don't exist.
func EnsureDirs() error {
	dirs := []string{
		ConfigDir(),
		StateDir(),
		StoreDir(),
		LogsDir(),
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
