// Package process implements clients that run as native OS processes.
package process

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"

	"github.com/charmbracelet/log"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/lines"
	"github.com/buildkite/clientgrid/internal/supervisor"
)

type Options struct {
	ID         string
	Name       string
	BinaryPath string
	Supervisor *supervisor.Supervisor
	Logger     *log.Logger
	LogLimit   int
}

type Client struct {
	*clientstate.Machine

	binaryPath string
	supervisor *supervisor.Supervisor
	logger     *log.Logger

	mu        sync.Mutex
	live      *supervisor.Process
	attached  bool
	executing bool
	// run identifies the current launch so output and exit notifications
	// from a previous process are ignored after a restart.
	run int
}

var _ backend.Client = (*Client)(nil)

func New(opts Options) *Client {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	sup := opts.Supervisor
	if sup == nil {
		sup = supervisor.New(logger)
	}
	machine := clientstate.New(clientstate.Options{
		ID:       opts.ID,
		Name:     opts.Name,
		Kind:     clientstate.KindProcess,
		LogLimit: opts.LogLimit,
	})
	machine.SetBinaryPath(opts.BinaryPath)
	return &Client{
		Machine:    machine,
		binaryPath: opts.BinaryPath,
		supervisor: sup,
		logger:     logger.With("client_id", opts.ID),
	}
}

func (c *Client) Info() clientstate.Snapshot {
	return c.Snapshot()
}

// Start spawns the binary with flags. It returns once the process has been
// launched; readiness is observed later through log lines.
func (c *Client) Start(_ context.Context, flags []string, opts backend.StartOptions) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.liveLocked() {
		return clienterr.AlreadyRunning("start", c.ID())
	}

	backend.Emit(opts.Listener, backend.ProgressEvent{Kind: backend.ProgressStartStarted, Name: c.Name(), Flags: flags})
	c.MarkStarted()
	c.run++
	run := c.run

	intercept := func(line string) { c.intercept(run, line) }
	stdout := lines.NewSplitter(intercept)
	stderr := lines.NewSplitter(intercept)
	proc, err := c.supervisor.Spawn(c.ID(), c.binaryPath, flags, supervisor.SpawnOptions{
		Stdio:    opts.Stdio,
		OnStdout: func(b []byte) { _, _ = stdout.Write(b) },
		OnStderr: func(b []byte) { _, _ = stderr.Write(b) },
		OnExit: func(err error) {
			stdout.Flush()
			stderr.Flush()
			c.exited(run, err)
		},
	})
	if err != nil {
		c.MarkError(err)
		return err
	}

	c.live = proc
	c.attached = true
	c.SetLocator(proc.ID)
	c.logger.Info("client started", "pid", proc.PID, "binary", c.binaryPath)
	backend.Emit(opts.Listener, backend.ProgressEvent{Kind: backend.ProgressStartFinished, Name: c.Name(), Flags: flags})
	return nil
}

// Stop kills the live process. A client without one still moves to
// STOPPED.
func (c *Client) Stop(context.Context) error {
	c.mu.Lock()
	proc := c.live
	c.attached = false
	c.live = nil
	c.mu.Unlock()

	if proc != nil {
		if err := c.supervisor.Kill(proc.ID); err != nil && !errors.Is(err, clienterr.ErrNotFound) {
			c.MarkError(err)
			return err
		}
	}
	c.MarkStopped()
	c.logger.Info("client stopped")
	return nil
}

// Execute runs the binary once with the whitespace separated command as
// arguments and returns its output. It refuses to run while the client is
// live or another execute is in flight.
func (c *Client) Execute(ctx context.Context, command string, opts backend.CommandOptions) (*backend.CommandResult, error) {
	c.mu.Lock()
	if c.liveLocked() || c.executing {
		c.mu.Unlock()
		return nil, clienterr.AlreadyRunning("execute", c.ID())
	}
	c.executing = true
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.executing = false
		c.mu.Unlock()
	}()

	args := strings.Fields(command)
	result, err := c.supervisor.Exec(ctx, c.ID(), c.binaryPath, args, supervisor.ExecOptions{
		Stdio:   opts.Stdio,
		Timeout: opts.Timeout,
	})
	if err != nil {
		var timeoutErr *clienterr.TimeoutError
		if errors.As(err, &timeoutErr) {
			c.logger.Warn("execute timed out", "command", command, "timeout", opts.Timeout, "partial_output", strings.Join(timeoutErr.Output, "\n"))
		}
		return nil, err
	}
	return &backend.CommandResult{ExitCode: result.ExitCode, Lines: result.Lines}, nil
}

// Input writes text followed by a newline to the live process.
func (c *Client) Input(text string) error {
	c.mu.Lock()
	proc := c.live
	live := c.liveLocked()
	c.mu.Unlock()

	if !live {
		return clienterr.NotRunning("input", c.ID())
	}
	return proc.WriteInput([]byte(text + "\n"))
}

func (c *Client) intercept(run int, line string) {
	c.mu.Lock()
	current := c.attached && c.run == run
	c.mu.Unlock()
	if !current {
		return
	}
	c.IngestLine(line)
}

func (c *Client) exited(run int, err error) {
	c.mu.Lock()
	current := c.attached && c.run == run
	if current {
		c.attached = false
		c.live = nil
	}
	c.mu.Unlock()

	if !current {
		return
	}
	if err != nil {
		c.logger.Warn("client process exited", "error", err)
	} else {
		c.logger.Info("client process exited")
	}
}

func (c *Client) liveLocked() bool {
	if c.live == nil {
		return false
	}
	select {
	case <-c.live.Done():
		return false
	default:
		return true
	}
}
