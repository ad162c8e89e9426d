// Package paths resolves the per-user directories clientgrid keeps its
// config, caches and state in.
package paths

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

const appName = "clientgrid"

var userHomeDir = os.UserHomeDir

// resolve returns $env/clientgrid, then ~/<homeRel>/clientgrid, then
// $XDG_RUNTIME_DIR/clientgrid.
func resolve(env, kind string, homeRel ...string) (string, error) {
	if dir := strings.TrimSpace(os.Getenv(env)); dir != "" {
		return filepath.Join(dir, appName), nil
	}

	runtimeDir := strings.TrimSpace(os.Getenv("XDG_RUNTIME_DIR"))
	home, err := userHomeDir()
	if err != nil {
		if runtimeDir != "" {
			return filepath.Join(runtimeDir, appName), nil
		}
		return "", err
	}
	if home != "" {
		return filepath.Join(append(append([]string{home}, homeRel...), appName)...), nil
	}
	if runtimeDir != "" {
		return filepath.Join(runtimeDir, appName), nil
	}
	return "", errors.New("unable to resolve " + kind + " directory from XDG or home")
}

// StateBaseDir resolves the base directory for clientgrid state.
// Preference order:
// 1. $XDG_STATE_HOME/clientgrid
// 2. ~/.local/state/clientgrid
// 3. $XDG_RUNTIME_DIR/clientgrid
func StateBaseDir() (string, error) {
	return resolve("XDG_STATE_HOME", "state", ".local", "state")
}

// StoreDBPath is the default client ledger database.
func StoreDBPath() (string, error) {
	base, err := StateBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "clients.db"), nil
}
