// Package runtimeconfig loads the per-user clientgrid configuration.
package runtimeconfig

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/buildkite/clientgrid/internal/paths"
)

const (
	DefaultLogLevel              = "info"
	DefaultContainerPrefix       = "clientgrid"
	DefaultExecuteTimeoutSeconds = 30

	dockerSocketEnv = "DOCKER_SOCKET"
)

type Config struct {
	LogLevel string        `yaml:"log_level"`
	Docker   DockerConfig  `yaml:"docker"`
	Clients  ClientsConfig `yaml:"clients"`
	Store    StoreConfig   `yaml:"store"`
}

type DockerConfig struct {
	Socket          string `yaml:"socket"`
	ContainerPrefix string `yaml:"container_prefix"`
	// SharedVolume is a host:container bind mounted into client containers.
	SharedVolume string `yaml:"shared_volume"`
}

type ClientsConfig struct {
	CacheDir              string `yaml:"cache_dir"`
	Catalog               string `yaml:"catalog"`
	ExecuteTimeoutSeconds int64  `yaml:"execute_timeout_seconds"` // negative disables the timeout
}

type StoreConfig struct {
	// Path is the client ledger; "none" disables it.
	Path string `yaml:"path"`
}

const StoreDisabled = "none"

// ExecuteTimeout is the default per-call timeout for execute and run.
func (c Config) ExecuteTimeout() time.Duration {
	switch {
	case c.Clients.ExecuteTimeoutSeconds == 0:
		return DefaultExecuteTimeoutSeconds * time.Second
	case c.Clients.ExecuteTimeoutSeconds < 0:
		return -1
	default:
		return time.Duration(c.Clients.ExecuteTimeoutSeconds) * time.Second
	}
}

// Defaults returns the configuration written by "config init". Directory
// fields are resolved to the user's XDG locations.
func Defaults() (Config, error) {
	cacheDir, err := paths.ClientCacheDir()
	if err != nil {
		return Config{}, err
	}
	catalog, err := paths.CatalogPath()
	if err != nil {
		return Config{}, err
	}
	storePath, err := paths.StoreDBPath()
	if err != nil {
		return Config{}, err
	}
	return Config{
		LogLevel: DefaultLogLevel,
		Docker: DockerConfig{
			ContainerPrefix: DefaultContainerPrefix,
		},
		Clients: ClientsConfig{
			CacheDir:              cacheDir,
			Catalog:               catalog,
			ExecuteTimeoutSeconds: DefaultExecuteTimeoutSeconds,
		},
		Store: StoreConfig{Path: storePath},
	}, nil
}

func Path() (string, error) {
	return paths.ConfigPath()
}

// Load reads the config file. A missing file yields the defaults. Empty
// fields are filled from the defaults and $DOCKER_SOCKET overrides the
// configured socket.
func Load() (Config, string, error) {
	path, err := Path()
	if err != nil {
		return Config{}, "", err
	}
	cfg, err := LoadFile(path)
	return cfg, path, err
}

func LoadFile(path string) (Config, error) {
	defaults, err := Defaults()
	if err != nil {
		return Config{}, err
	}

	cfg := Config{}
	b, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.LogLevel = orDefault(cfg.LogLevel, defaults.LogLevel)
	cfg.Docker.Socket = strings.TrimSpace(cfg.Docker.Socket)
	if socket := strings.TrimSpace(os.Getenv(dockerSocketEnv)); socket != "" {
		cfg.Docker.Socket = socket
	}
	cfg.Docker.ContainerPrefix = orDefault(cfg.Docker.ContainerPrefix, defaults.Docker.ContainerPrefix)
	cfg.Docker.SharedVolume = strings.TrimSpace(cfg.Docker.SharedVolume)
	cfg.Clients.CacheDir = orDefault(cfg.Clients.CacheDir, defaults.Clients.CacheDir)
	cfg.Clients.Catalog = orDefault(cfg.Clients.Catalog, defaults.Clients.Catalog)
	cfg.Store.Path = orDefault(cfg.Store.Path, defaults.Store.Path)
	return cfg, nil
}

// Marshal renders cfg as YAML.
func Marshal(cfg Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}
