package dockerengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"

	"github.com/buildkite/clientgrid/internal/clienterr"
)

const (
	overrideEntrypoint = "/bin/sh"
	loopbackHostIP     = "127.0.0.1"
)

type ContainerOptions struct {
	// Overwrite removes an existing container of the same name first.
	Overwrite bool
	// Dispose asks the engine to remove the container once it stops.
	Dispose bool
	// OverwriteEntrypoint keeps the container alive on an idle shell so
	// commands can be exec'd into it. The image's own entry point is
	// remembered in the session.
	OverwriteEntrypoint bool
	// AutoPort lets the engine pick host ports instead of mirroring the
	// container port.
	AutoPort bool
	Ports    []string
	// Volume is a bind spec of the form host:container.
	Volume string
}

// CreateContainer creates (or reuses) the named container for imageName and
// records a session for it.
func (a *Adapter) CreateContainer(ctx context.Context, imageName, containerName string, opts ContainerOptions) (*Session, error) {
	api, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}

	existing, err := a.findContainer(ctx, containerName)
	if err != nil {
		return nil, clienterr.Launch("create container", containerName, err)
	}

	originalEntrypoint := ""
	if opts.OverwriteEntrypoint {
		originalEntrypoint, err = a.imageEntrypoint(ctx, imageName)
		if err != nil {
			return nil, clienterr.Launch("create container", containerName, err)
		}
	}

	if existing != "" {
		if !opts.Overwrite {
			running, err := a.IsRunning(ctx, existing)
			if err != nil {
				return nil, err
			}
			if running {
				if err := a.StopContainer(ctx, existing); err != nil {
					return nil, err
				}
			}
			session := &Session{
				ContainerID:          existing,
				Name:                 containerName,
				Image:                imageName,
				OriginalEntrypoint:   originalEntrypoint,
				EntrypointOverridden: opts.OverwriteEntrypoint,
			}
			a.putSession(session)
			a.logger.Debug("reusing container", "container_id", existing, "name", containerName)
			return session, nil
		}
		if err := api.ContainerRemove(ctx, existing, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
			return nil, clienterr.Launch("remove container", containerName, err)
		}
		a.dropSession(existing)
	}

	exposed, bindings, err := portConfig(opts.Ports, opts.AutoPort)
	if err != nil {
		return nil, clienterr.Launch("create container", containerName, err)
	}

	config := &container.Config{
		Image:        imageName,
		Tty:          true,
		OpenStdin:    true,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		ExposedPorts: exposed,
	}
	if opts.OverwriteEntrypoint {
		config.Entrypoint = []string{overrideEntrypoint}
	}
	hostConfig := &container.HostConfig{
		AutoRemove:   opts.Dispose,
		PortBindings: bindings,
	}
	if volume := strings.TrimSpace(opts.Volume); volume != "" {
		hostConfig.Binds = []string{volume}
	}

	resp, err := api.ContainerCreate(ctx, config, hostConfig, nil, nil, containerName)
	if err != nil {
		return nil, clienterr.Launch("create container", containerName, err)
	}
	for _, warning := range resp.Warnings {
		a.logger.Warn("engine warning", "container_id", resp.ID, "warning", warning)
	}

	session := &Session{
		ContainerID:          resp.ID,
		Name:                 containerName,
		Image:                imageName,
		OriginalEntrypoint:   originalEntrypoint,
		EntrypointOverridden: opts.OverwriteEntrypoint,
	}
	a.putSession(session)
	a.logger.Debug("created container", "container_id", resp.ID, "name", containerName, "image", imageName)
	return session, nil
}

func (a *Adapter) StartContainer(ctx context.Context, containerID string) error {
	api, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	if err := api.ContainerStart(ctx, containerID, container.StartOptions{}); err != nil {
		return clienterr.Launch("start container", containerID, err)
	}
	return nil
}

// StopContainer stops containerID. A container that is already gone counts
// as stopped.
func (a *Adapter) StopContainer(ctx context.Context, containerID string) error {
	api, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	if err := api.ContainerStop(ctx, containerID, container.StopOptions{}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("stop container %s: %w", containerID, err)
	}
	return nil
}

func (a *Adapter) RemoveContainer(ctx context.Context, containerID string) error {
	api, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	a.dropSession(containerID)
	if err := api.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil && !errdefs.IsNotFound(err) {
		return fmt.Errorf("remove container %s: %w", containerID, err)
	}
	return nil
}

func (a *Adapter) IsRunning(ctx context.Context, containerID string) (bool, error) {
	api, err := a.Connect(ctx)
	if err != nil {
		return false, err
	}
	info, err := api.ContainerInspect(ctx, containerID)
	if err != nil {
		if errdefs.IsNotFound(err) {
			return false, clienterr.NotFound("inspect container", containerID)
		}
		return false, fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	return info.ContainerJSONBase != nil && info.State != nil && info.State.Running, nil
}

// DetectEntryPoint reports the executable the container would run by
// default: the first entry point element, or the first command element when
// the image has no entry point.
func (a *Adapter) DetectEntryPoint(ctx context.Context, containerID string) (string, error) {
	api, err := a.Connect(ctx)
	if err != nil {
		return "", err
	}
	info, err := api.ContainerInspect(ctx, containerID)
	if err != nil {
		return "", fmt.Errorf("inspect container %s: %w", containerID, err)
	}
	if info.Config == nil {
		return "", nil
	}
	if len(info.Config.Entrypoint) > 0 {
		return info.Config.Entrypoint[0], nil
	}
	if len(info.Config.Cmd) > 0 {
		return info.Config.Cmd[0], nil
	}
	return "", nil
}

func (a *Adapter) findContainer(ctx context.Context, containerName string) (string, error) {
	api, err := a.Connect(ctx)
	if err != nil {
		return "", err
	}
	containers, err := api.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", containerName)),
	})
	if err != nil {
		return "", fmt.Errorf("list containers: %w", err)
	}
	for _, c := range containers {
		for _, n := range c.Names {
			// The name filter matches substrings; engine names carry a
			// leading slash.
			if n == "/"+containerName {
				return c.ID, nil
			}
		}
	}
	return "", nil
}

func (a *Adapter) imageEntrypoint(ctx context.Context, imageName string) (string, error) {
	api, err := a.Connect(ctx)
	if err != nil {
		return "", err
	}
	inspect, _, err := api.ImageInspectWithRaw(ctx, imageName)
	if err != nil {
		return "", fmt.Errorf("inspect image %s: %w", imageName, err)
	}
	if inspect.Config == nil || len(inspect.Config.Entrypoint) == 0 {
		return "", nil
	}
	return inspect.Config.Entrypoint[0], nil
}

// portConfig expands port specs like "8545" or "30303/udp" into exposed
// ports and loopback bindings.
func portConfig(ports []string, autoPort bool) (nat.PortSet, nat.PortMap, error) {
	if len(ports) == 0 {
		return nil, nil, nil
	}
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for _, raw := range ports {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		portNum, proto, ok := strings.Cut(raw, "/")
		if !ok || proto == "" {
			proto = "tcp"
		}
		port, err := nat.NewPort(proto, portNum)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid port %q: %w", raw, err)
		}
		hostPort := port.Port()
		if autoPort {
			hostPort = ""
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: loopbackHostIP, HostPort: hostPort}}
	}
	return exposed, bindings, nil
}
