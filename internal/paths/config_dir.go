package paths

import "path/filepath"

// ConfigBaseDir is $XDG_CONFIG_HOME/clientgrid or ~/.config/clientgrid.
func ConfigBaseDir() (string, error) {
	return resolve("XDG_CONFIG_HOME", "config", ".config")
}

// ConfigPath is the runtime config file.
func ConfigPath() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "config.yaml"), nil
}

// CatalogPath is the user descriptor catalog layered over the built-in one.
func CatalogPath() (string, error) {
	base, err := ConfigBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "clients.yaml"), nil
}
