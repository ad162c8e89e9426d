package dockerengine

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
)

const removeTimeout = 10 * time.Second

type RunOptions struct {
	Volume string
	Stdio  backend.Stdio
	// Stdin, Stdout and Stderr are the host streams used in inherit mode.
	// They default to the process's own.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

// Run executes argv in a disposable container created from imageName. The
// first element becomes the entry point. The container is force removed
// once it exits.
func (a *Adapter) Run(ctx context.Context, imageName string, argv []string, opts RunOptions) (*ExecResult, error) {
	if len(argv) == 0 {
		return nil, clienterr.Configuration("run", "empty command for image %s", imageName)
	}
	api, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}

	interactive := opts.Stdio.OrDefault() == backend.StdioInherit
	config := &container.Config{
		Image:        imageName,
		Entrypoint:   argv[:1],
		Cmd:          argv[1:],
		Tty:          interactive,
		OpenStdin:    interactive,
		AttachStdin:  interactive,
		AttachStdout: true,
		AttachStderr: true,
	}
	hostConfig := &container.HostConfig{}
	if volume := strings.TrimSpace(opts.Volume); volume != "" {
		hostConfig.Binds = []string{volume}
	}

	created, err := api.ContainerCreate(ctx, config, hostConfig, nil, nil, "")
	if err != nil {
		return nil, clienterr.Launch("create run container", imageName, err)
	}
	defer func() {
		removeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
		defer cancel()
		if err := api.ContainerRemove(removeCtx, created.ID, container.RemoveOptions{Force: true}); err != nil {
			a.logger.Warn("remove run container failed", "container_id", created.ID, "error", err)
		}
	}()

	conn, err := api.ContainerAttach(ctx, created.ID, container.AttachOptions{
		Stream: true,
		Stdin:  interactive,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return nil, clienterr.Launch("attach run container", created.ID, err)
	}
	stream := &ExecStream{ContainerID: created.ID, TTY: interactive, conn: conn}
	defer stream.Close()

	if err := api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return nil, clienterr.Launch("start run container", created.ID, err)
	}
	a.logger.Debug("run container started", "container_id", created.ID, "image", imageName, "argv", argv)

	var result *ExecResult
	if interactive {
		in := opts.Stdin
		if in == nil {
			in = os.Stdin
		}
		out := opts.Stdout
		if out == nil {
			out = os.Stdout
		}
		errOut := opts.Stderr
		if errOut == nil {
			errOut = os.Stderr
		}
		result, err = a.Interactive(ctx, stream, in, out, errOut)
	} else {
		result, err = a.Collect(ctx, stream, nil)
	}
	if err != nil {
		return result, err
	}

	exitCode, err := a.waitExit(ctx, api, created.ID)
	if err != nil {
		return result, err
	}
	result.ExitCode = exitCode
	return result, nil
}

func (a *Adapter) waitExit(ctx context.Context, api API, containerID string) (int, error) {
	statusCh, errCh := api.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case status := <-statusCh:
		if status.Error != nil && status.Error.Message != "" {
			return int(status.StatusCode), fmt.Errorf("wait for container %s: %s", containerID, status.Error.Message)
		}
		return int(status.StatusCode), nil
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container %s: %w", containerID, err)
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
