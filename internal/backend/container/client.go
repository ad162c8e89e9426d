// Package container implements clients that run inside containers managed
// by the container engine.
package container

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"vawter.tech/stopper"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/dockerengine"
)

const (
	autoEntryPoint   = "auto"
	serviceStopGrace = 100 * time.Millisecond
	killExecTimeout  = 5 * time.Second
)

// Engine is the container engine surface the client drives.
type Engine interface {
	StartContainer(ctx context.Context, containerID string) error
	StopContainer(ctx context.Context, containerID string) error
	IsRunning(ctx context.Context, containerID string) (bool, error)
	DetectEntryPoint(ctx context.Context, containerID string) (string, error)
	Session(containerID string) (*dockerengine.Session, bool)
	Exec(ctx context.Context, containerID string, argv []string, tty bool) (*dockerengine.ExecStream, error)
	Collect(ctx context.Context, stream *dockerengine.ExecStream, onLine func(string)) (*dockerengine.ExecResult, error)
	Pump(ctx context.Context, stream *dockerengine.ExecStream, mirror io.Writer, onLine func(string)) error
	Interactive(ctx context.Context, stream *dockerengine.ExecStream, in io.Reader, out, errOut io.Writer) (*dockerengine.ExecResult, error)
	Run(ctx context.Context, imageName string, argv []string, opts dockerengine.RunOptions) (*dockerengine.ExecResult, error)
	KillExec(ctx context.Context, stream *dockerengine.ExecStream) error
}

type Options struct {
	ID          string
	Name        string
	ContainerID string
	Image       string
	// EntryPoint is the descriptor's entry point; "auto" or empty means
	// detect it from the container.
	EntryPoint string
	// Service clients run their entry point as a long-lived exec on start.
	Service  bool
	Engine   Engine
	Logger   *log.Logger
	LogLimit int
	// Stdin, Stdout and Stderr are the host streams used in inherit mode.
	Stdin  io.Reader
	Stdout io.Writer
	Stderr io.Writer
}

type Client struct {
	*clientstate.Machine

	containerID string
	image       string
	entryPoint  string
	service     bool
	engine      Engine
	logger      *log.Logger
	stdin       io.Reader
	stdout      io.Writer
	stderr      io.Writer

	mu         sync.Mutex
	serviceRun *serviceExec
}

type serviceExec struct {
	stream *dockerengine.ExecStream
	ctx    *stopper.Context
}

var _ backend.Client = (*Client)(nil)
var _ backend.Runner = (*Client)(nil)

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	machine := clientstate.New(clientstate.Options{
		ID:       opts.ID,
		Name:     opts.Name,
		Kind:     clientstate.KindContainer,
		LogLimit: opts.LogLimit,
	})
	machine.SetLocator(opts.ContainerID)

	stdin, stdout, stderr := opts.Stdin, opts.Stdout, opts.Stderr
	if stdin == nil {
		stdin = os.Stdin
	}
	if stdout == nil {
		stdout = os.Stdout
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	return &Client{
		Machine:     machine,
		containerID: opts.ContainerID,
		image:       opts.Image,
		entryPoint:  strings.TrimSpace(opts.EntryPoint),
		service:     opts.Service,
		engine:      opts.Engine,
		logger:      logger.With("client_id", opts.ID, "container_id", opts.ContainerID),
		stdin:       stdin,
		stdout:      stdout,
		stderr:      stderr,
	}
}

func (c *Client) ContainerID() string {
	return c.containerID
}

func (c *Client) Info() clientstate.Snapshot {
	return c.Snapshot()
}

func (c *Client) Capabilities() map[string]bool {
	return map[string]bool{backend.CapabilityClientService: c.service}
}

// Start starts the container. Service clients additionally exec their entry
// point with flags and feed its output through readiness detection.
func (c *Client) Start(ctx context.Context, flags []string, opts backend.StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.serviceRun != nil {
		return clienterr.AlreadyRunning("start", c.ID())
	}

	backend.Emit(opts.Listener, backend.ProgressEvent{Kind: backend.ProgressStartStarted, Name: c.Name(), Flags: flags})
	c.MarkStarted()

	if err := c.engine.StartContainer(ctx, c.containerID); err != nil {
		c.MarkError(err)
		return err
	}

	if c.service {
		entryPoint, err := c.resolveEntryPoint(ctx)
		if err != nil {
			err = clienterr.Launch("start service", c.ID(), err)
			c.MarkError(err)
			return err
		}
		argv := append([]string{entryPoint}, flags...)
		stream, err := c.engine.Exec(ctx, c.containerID, argv, true)
		if err != nil {
			c.MarkError(err)
			return err
		}

		var mirror io.Writer
		if opts.Stdio.OrDefault() == backend.StdioInherit {
			mirror = c.stdout
		}
		pumpCtx := stopper.WithContext(context.Background())
		c.serviceRun = &serviceExec{stream: stream, ctx: pumpCtx}
		pumpCtx.Go(func(ctx *stopper.Context) error {
			err := c.engine.Pump(ctx, stream, mirror, c.IngestLine)
			if err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Warn("service exec ended", "error", err)
			} else {
				c.logger.Debug("service exec ended")
			}
			return nil
		})
		c.logger.Info("service started", "argv", argv)
	}

	c.logger.Info("client started")
	backend.Emit(opts.Listener, backend.ProgressEvent{Kind: backend.ProgressStartFinished, Name: c.Name(), Flags: flags})
	return nil
}

// Stop closes the service exec, if any, and stops the container.
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	run := c.serviceRun
	c.serviceRun = nil
	c.mu.Unlock()

	if run != nil {
		_ = run.stream.Close()
		run.ctx.Stop(serviceStopGrace)
		if err := run.ctx.Wait(); err != nil {
			c.logger.Debug("service exec shutdown", "error", err)
		}
	}

	if err := c.engine.StopContainer(ctx, c.containerID); err != nil {
		c.MarkError(err)
		return err
	}
	c.MarkStopped()
	c.logger.Info("client stopped")
	return nil
}

// Execute runs command inside the container, starting it first if needed.
// With stdio inherit the exec gets a TTY connected to the host terminal.
func (c *Client) Execute(ctx context.Context, command string, opts backend.CommandOptions) (*backend.CommandResult, error) {
	running, err := c.engine.IsRunning(ctx, c.containerID)
	if err != nil {
		return nil, err
	}
	if !running {
		if err := c.engine.StartContainer(ctx, c.containerID); err != nil {
			return nil, err
		}
	}

	entryPoint := ""
	if !opts.SkipEntrypoint {
		entryPoint, err = c.resolveEntryPoint(ctx)
		if err != nil {
			return nil, err
		}
	}
	argv := CommandArgv(entryPoint, command, opts.UseBash)
	if len(argv) == 0 {
		return nil, clienterr.Configuration("execute", "empty command for client %s", c.ID())
	}

	execCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		execCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	interactive := opts.Stdio.OrDefault() == backend.StdioInherit
	stream, err := c.engine.Exec(execCtx, c.containerID, argv, interactive)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var result *dockerengine.ExecResult
	if interactive {
		result, err = c.engine.Interactive(execCtx, stream, c.stdin, c.stdout, c.stderr)
	} else {
		result, err = c.engine.Collect(execCtx, stream, nil)
	}
	if err != nil {
		if execCtx.Err() != nil {
			c.killExec(ctx, stream)
		}
		if errors.Is(err, context.DeadlineExceeded) && opts.Timeout > 0 {
			var partial []string
			if result != nil {
				partial = result.Lines
			}
			c.logger.Warn("execute timed out", "command", command, "timeout", opts.Timeout, "partial_output", strings.Join(partial, "\n"))
			return nil, &clienterr.TimeoutError{Op: "execute", ID: c.ID(), Timeout: opts.Timeout, Output: partial}
		}
		return nil, err
	}
	return &backend.CommandResult{ExitCode: result.ExitCode, Lines: result.Lines}, nil
}

// killExec stops an exec abandoned by Execute. Closing the attach connection
// leaves the process running in the container.
func (c *Client) killExec(ctx context.Context, stream *dockerengine.ExecStream) {
	killCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), killExecTimeout)
	defer cancel()
	if err := c.engine.KillExec(killCtx, stream); err != nil {
		c.logger.Warn("kill abandoned exec failed", "exec_id", stream.ID, "error", err)
	}
}

// Run executes command in a disposable container created from the client's
// image.
func (c *Client) Run(ctx context.Context, command string, opts backend.CommandOptions) (*backend.CommandResult, error) {
	argv := strings.Fields(command)
	if opts.UseBash {
		argv = []string{"/bin/sh", "-c", command}
	}
	if len(argv) == 0 {
		return nil, clienterr.Configuration("run", "empty command for client %s", c.ID())
	}

	runCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}
	result, err := c.engine.Run(runCtx, c.image, argv, dockerengine.RunOptions{
		Volume: opts.Volume,
		Stdio:  opts.Stdio,
		Stdin:  c.stdin,
		Stdout: c.stdout,
		Stderr: c.stderr,
	})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && opts.Timeout > 0 {
			var partial []string
			if result != nil {
				partial = result.Lines
			}
			return nil, &clienterr.TimeoutError{Op: "run", ID: c.ID(), Timeout: opts.Timeout, Output: partial}
		}
		return nil, err
	}
	return &backend.CommandResult{ExitCode: result.ExitCode, Lines: result.Lines}, nil
}

// Input writes text and a newline to the service exec.
func (c *Client) Input(text string) error {
	c.mu.Lock()
	run := c.serviceRun
	c.mu.Unlock()

	if run == nil {
		return clienterr.NotRunning("input", c.ID())
	}
	if _, err := run.stream.Write([]byte(text + "\n")); err != nil {
		return fmt.Errorf("write input to %s: %w", c.ID(), err)
	}
	return nil
}

// resolveEntryPoint prefers the image's own entry point when it was
// replaced at creation, then the descriptor's, then whatever the container
// reports.
func (c *Client) resolveEntryPoint(ctx context.Context) (string, error) {
	if session, ok := c.engine.Session(c.containerID); ok && session.EntrypointOverridden && session.OriginalEntrypoint != "" {
		return session.OriginalEntrypoint, nil
	}
	if c.entryPoint != "" && c.entryPoint != autoEntryPoint {
		return c.entryPoint, nil
	}
	entryPoint, err := c.engine.DetectEntryPoint(ctx, c.containerID)
	if err != nil {
		return "", err
	}
	if entryPoint == "" {
		return "", clienterr.Configuration("resolve entry point", "container %s has no entry point; set entry_point on the descriptor", c.containerID)
	}
	return entryPoint, nil
}

// CommandArgv builds the exec argv for command. entryPoint is empty when the
// caller skips it.
func CommandArgv(entryPoint, command string, useBash bool) []string {
	if useBash {
		script := command
		if entryPoint != "" {
			script = strings.TrimSpace(entryPoint + " " + command)
		}
		return []string{"/bin/sh", "-c", script}
	}
	args := strings.Fields(command)
	if entryPoint == "" {
		return args
	}
	return append([]string{entryPoint}, args...)
}
