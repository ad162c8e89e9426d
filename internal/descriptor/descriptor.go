// Package descriptor defines how a client is obtained and run, and the
// catalog descriptors are registered in.
package descriptor

import (
	"runtime"
	"slices"
	"strings"

	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstate"
)

const (
	// AutoEntryPoint asks the container backend to detect the entry point.
	AutoEntryPoint = "auto"
	// PlatformToken in a prefix or filter rule expands to the target
	// platform.
	PlatformToken = "{platform}"
)

// Filter selects release files by case-insensitive substring rules. A file
// matches when it contains every include and none of the excludes.
type Filter struct {
	Includes []string `yaml:"includes,omitempty" json:"includes,omitempty"`
	Excludes []string `yaml:"excludes,omitempty" json:"excludes,omitempty"`
}

func (f Filter) Match(fileName string) bool {
	if fileName == "" {
		return false
	}
	name := strings.ToLower(fileName)
	for _, include := range f.Includes {
		if !strings.Contains(name, strings.ToLower(include)) {
			return false
		}
	}
	for _, exclude := range f.Excludes {
		if strings.Contains(name, strings.ToLower(exclude)) {
			return false
		}
	}
	return true
}

// Descriptor is immutable once registered in a catalog; accessors return
// copies.
type Descriptor struct {
	Name        string   `yaml:"name" json:"name"`
	DisplayName string   `yaml:"display_name,omitempty" json:"display_name,omitempty"`
	Repository  string   `yaml:"repository,omitempty" json:"repository,omitempty"`
	Image       string   `yaml:"image,omitempty" json:"image,omitempty"`
	Flags       []string `yaml:"flags,omitempty" json:"flags,omitempty"`
	Ports       []string `yaml:"ports,omitempty" json:"ports,omitempty"`
	EntryPoint  string   `yaml:"entry_point,omitempty" json:"entry_point,omitempty"`
	Service     bool     `yaml:"service,omitempty" json:"service,omitempty"`
	BinaryName  string   `yaml:"binary_name,omitempty" json:"binary_name,omitempty"`
	Prefix      string   `yaml:"prefix,omitempty" json:"prefix,omitempty"`
	Filter      Filter   `yaml:"filter,omitempty" json:"filter,omitempty"`
	PublicKey   string   `yaml:"public_key,omitempty" json:"public_key,omitempty"`
}

// Backend reports which backend runs the client. An image reference selects
// the container backend and a repository selects the process backend.
func (d Descriptor) Backend() (clientstate.Kind, error) {
	switch {
	case strings.TrimSpace(d.Image) != "":
		return clientstate.KindContainer, nil
	case strings.TrimSpace(d.Repository) != "":
		return clientstate.KindProcess, nil
	default:
		return "", clienterr.Configuration("resolve backend", "client %q specifies neither repository nor image", d.Name)
	}
}

func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return clienterr.Configuration("validate descriptor", "descriptor name is required")
	}
	if strings.TrimSpace(d.Image) != "" && strings.TrimSpace(d.Repository) != "" {
		return clienterr.Configuration("validate descriptor", "client %q specifies both repository and image", d.Name)
	}
	_, err := d.Backend()
	return err
}

// WithDefaults fills display name and entry point and returns a copy that
// shares no slices with d.
func (d Descriptor) WithDefaults() Descriptor {
	out := d.Clone()
	out.Name = strings.TrimSpace(out.Name)
	if strings.TrimSpace(out.DisplayName) == "" {
		out.DisplayName = out.Name
	}
	if strings.TrimSpace(out.EntryPoint) == "" {
		out.EntryPoint = AutoEntryPoint
	}
	return out
}

func (d Descriptor) Clone() Descriptor {
	out := d
	out.Flags = slices.Clone(d.Flags)
	out.Ports = slices.Clone(d.Ports)
	out.Filter.Includes = slices.Clone(d.Filter.Includes)
	out.Filter.Excludes = slices.Clone(d.Filter.Excludes)
	return out
}

// ForPlatform expands the platform token in the prefix and filter rules.
func (d Descriptor) ForPlatform(platform string) Descriptor {
	platform = NormalizePlatform(platform)
	out := d.Clone()
	out.Prefix = strings.ReplaceAll(out.Prefix, PlatformToken, platform)
	for i, include := range out.Filter.Includes {
		out.Filter.Includes[i] = strings.ReplaceAll(include, PlatformToken, platform)
	}
	for i, exclude := range out.Filter.Excludes {
		out.Filter.Excludes[i] = strings.ReplaceAll(exclude, PlatformToken, platform)
	}
	return out
}

// ExecutableName returns the binary name to look for on platform. Windows
// binaries carry an .exe suffix.
func (d Descriptor) ExecutableName(platform string) string {
	name := strings.TrimSpace(d.BinaryName)
	if name == "" {
		return ""
	}
	if NormalizePlatform(platform) == "windows" && !strings.HasSuffix(strings.ToLower(name), ".exe") {
		return name + ".exe"
	}
	return name
}

// NormalizePlatform maps aliases to GOOS names. Empty means the host.
func NormalizePlatform(platform string) string {
	platform = strings.ToLower(strings.TrimSpace(platform))
	switch platform {
	case "":
		return runtime.GOOS
	case "mac", "macos", "osx":
		return "darwin"
	case "win32", "win":
		return "windows"
	default:
		return platform
	}
}
