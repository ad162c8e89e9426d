package runtimeconfig

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	tmp := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", tmp)
	t.Setenv("XDG_STATE_HOME", filepath.Join(tmp, "state"))
	t.Setenv("XDG_CACHE_HOME", filepath.Join(tmp, "cache"))
	t.Setenv("DOCKER_SOCKET", "")
	configPath := filepath.Join(tmp, "clientgrid", "config.yaml")
	if content == "" {
		return configPath
	}
	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		t.Fatalf("mkdir config dir: %v", err)
	}
	if err := os.WriteFile(configPath, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	configPath := writeConfig(t, "")

	cfg, path, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if path != configPath {
		t.Fatalf("unexpected path: got %q want %q", path, configPath)
	}
	if got, want := cfg.LogLevel, DefaultLogLevel; got != want {
		t.Fatalf("unexpected log level: got %q want %q", got, want)
	}
	if got, want := cfg.Docker.ContainerPrefix, DefaultContainerPrefix; got != want {
		t.Fatalf("unexpected prefix: got %q want %q", got, want)
	}
	if got, want := cfg.Store.Path, filepath.Join(filepath.Dir(filepath.Dir(configPath)), "state", "clientgrid", "clients.db"); got != want {
		t.Fatalf("unexpected store path: got %q want %q", got, want)
	}
	if got, want := cfg.ExecuteTimeout(), 30*time.Second; got != want {
		t.Fatalf("unexpected execute timeout: got %s want %s", got, want)
	}
}

func TestLoadMergesFileOverDefaults(t *testing.T) {
	writeConfig(t, `log_level: debug
docker:
  socket: /tmp/docker.sock
  shared_volume: /srv/data:/shared_data
clients:
  cache_dir: /tmp/clients
  execute_timeout_seconds: -1
`)

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Docker.Socket != "/tmp/docker.sock" || cfg.Clients.CacheDir != "/tmp/clients" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
	if got, want := cfg.Docker.SharedVolume, "/srv/data:/shared_data"; got != want {
		t.Fatalf("unexpected shared volume: got %q want %q", got, want)
	}
	if cfg.Docker.ContainerPrefix != DefaultContainerPrefix {
		t.Fatalf("expected default prefix to fill the gap, got %q", cfg.Docker.ContainerPrefix)
	}
	if got := cfg.ExecuteTimeout(); got >= 0 {
		t.Fatalf("expected negative timeout to disable it, got %s", got)
	}
}

func TestDockerSocketEnvOverridesFile(t *testing.T) {
	writeConfig(t, "docker:\n  socket: /tmp/docker.sock\n")
	t.Setenv("DOCKER_SOCKET", "/run/podman/podman.sock")

	cfg, _, err := Load()
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if got, want := cfg.Docker.Socket, "/run/podman/podman.sock"; got != want {
		t.Fatalf("unexpected socket: got %q want %q", got, want)
	}
}

func TestLoadRejectsInvalidYAML(t *testing.T) {
	writeConfig(t, "docker: [unterminated\n")
	if _, _, err := Load(); err == nil {
		t.Fatal("expected parse error")
	}
}
