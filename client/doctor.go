package client

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/buildkite/clientgrid/internal/artifact"
	"github.com/buildkite/clientgrid/internal/backend"
)

type DoctorCheck = backend.DoctorCheck

var lookPath = exec.LookPath

// Doctor reports whether this host can run the catalog's clients.
func (c *Client) Doctor(ctx context.Context) ([]DoctorCheck, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	var checks []DoctorCheck
	add := func(name, status, message string) {
		checks = append(checks, DoctorCheck{Name: name, Status: status, Message: message})
	}

	if dir := strings.TrimSpace(c.cacheDir); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			add("cache_dir", "fail", fmt.Sprintf("cache directory %s is not writable: %v", dir, err))
		} else {
			add("cache_dir", "pass", "cache directory "+dir)
		}
	}

	for _, d := range c.orch.Catalog().List() {
		if strings.TrimSpace(d.Repository) != artifact.RepositoryPath {
			continue
		}
		name := d.ExecutableName("")
		if name == "" {
			name = d.Name
		}
		if path, err := lookPath(name); err != nil {
			add("client_"+d.Name, "warn", fmt.Sprintf("%s not found on PATH", name))
		} else {
			add("client_"+d.Name, "pass", fmt.Sprintf("%s found at %s", name, path))
		}
	}

	if doctor, ok := c.engine.(backend.Doctor); ok {
		report, err := doctor.Doctor(ctx)
		if err != nil {
			return checks, err
		}
		checks = append(checks, report.Checks...)
	}
	return checks, nil
}
