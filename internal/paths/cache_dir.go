package paths

import "path/filepath"

// CacheBaseDir resolves the base directory for clientgrid caches.
// Preference order:
// 1. $XDG_CACHE_HOME/clientgrid
// 2. ~/.cache/clientgrid
// 3. $XDG_RUNTIME_DIR/clientgrid
func CacheBaseDir() (string, error) {
	return resolve("XDG_CACHE_HOME", "cache", ".cache")
}

// ClientCacheDir holds downloaded client releases.
func ClientCacheDir() (string, error) {
	base, err := CacheBaseDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(base, "clients"), nil
}
