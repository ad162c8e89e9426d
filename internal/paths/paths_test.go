package paths

import (
	"errors"
	"path/filepath"
	"testing"
)

func TestDirsPreferXDG(t *testing.T) {
	tmp := t.TempDir()
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "state"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(tmp, "config"))

	checks := []struct {
		name string
		fn   func() (string, error)
		want string
	}{
		{name: "store", fn: StoreDBPath, want: filepath.Join(tmp, "state", "clientgrid", "clients.db")},
		{name: "cache", fn: ClientCacheDir, want: filepath.Join(tmp, "cache", "clientgrid", "clients")},
		{name: "config", fn: ConfigPath, want: filepath.Join(tmp, "config", "clientgrid", "config.yaml")},
		{name: "catalog", fn: CatalogPath, want: filepath.Join(tmp, "config", "clientgrid", "clients.yaml")},
	}
	for _, tc := range checks {
		got, err := tc.fn()
		if err != nil {
			t.Fatalf("%s: unexpected error: %v", tc.name, err)
		}
		if got != tc.want {
			t.Fatalf("%s: got %q want %q", tc.name, got, tc.want)
		}
	}
}

func TestDirsFallBackToHome(t *testing.T) {
	t.Setenv("XDG_STATE_HOME", "")
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", "")

	prev := userHomeDir
	userHomeDir = func() (string, error) { return "/home/dev", nil }
	t.Cleanup(func() { userHomeDir = prev })

	got, err := StateBaseDir()
	if err != nil {
		t.Fatalf("StateBaseDir returned error: %v", err)
	}
	if want := "/home/dev/.local/state/clientgrid"; got != want {
		t.Fatalf("unexpected state dir: got %q want %q", got, want)
	}
	got, err = CacheBaseDir()
	if err != nil {
		t.Fatalf("CacheBaseDir returned error: %v", err)
	}
	if want := "/home/dev/.cache/clientgrid"; got != want {
		t.Fatalf("unexpected cache dir: got %q want %q", got, want)
	}
}

func TestDirsFallBackToRuntimeDir(t *testing.T) {
	t.Setenv("XDG_CACHE_HOME", "")
	t.Setenv("XDG_RUNTIME_DIR", "/run/user/1000")

	prev := userHomeDir
	userHomeDir = func() (string, error) { return "", errors.New("no home") }
	t.Cleanup(func() { userHomeDir = prev })

	got, err := CacheBaseDir()
	if err != nil {
		t.Fatalf("CacheBaseDir returned error: %v", err)
	}
	if want := "/run/user/1000/clientgrid"; got != want {
		t.Fatalf("unexpected cache dir: got %q want %q", got, want)
	}
}
