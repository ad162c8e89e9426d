// Package supervisor spawns, tracks and kills the OS processes that back
// process clients.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/lines"
)

const (
	// waitDelay bounds how long Wait blocks on output pipes held open by
	// orphaned grandchildren after the process itself exits.
	waitDelay = 2 * time.Second
	// killWait bounds how long Kill waits for the exit to be observed.
	killWait = 5 * time.Second
)

type SpawnOptions struct {
	Stdio    backend.Stdio
	Env      []string
	Dir      string
	OnStdout func([]byte)
	OnStderr func([]byte)
	// OnExit runs once after the process has exited and been untracked.
	OnExit func(error)
}

type ExecOptions struct {
	Stdio   backend.Stdio
	Env     []string
	Dir     string
	Timeout time.Duration
}

type ExecResult struct {
	ProcessID string
	ExitCode  int
	Lines     []string
}

// Process is one supervised OS process.
type Process struct {
	ID        string
	ClientID  string
	Path      string
	Args      []string
	PID       int
	StartedAt time.Time

	cmd     *exec.Cmd
	stdin   io.WriteCloser
	inputMu sync.Mutex
	done    chan struct{}
	waitErr error
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err returns the wait error. It is only meaningful after Done is closed.
func (p *Process) Err() error {
	<-p.done
	return p.waitErr
}

func (p *Process) ExitCode() int {
	<-p.done
	if p.cmd.ProcessState == nil {
		return -1
	}
	return p.cmd.ProcessState.ExitCode()
}

// WriteInput writes to the process stdin. Only pipe mode processes accept
// input.
func (p *Process) WriteInput(b []byte) error {
	if p.stdin == nil {
		return clienterr.NotRunning("write input", p.ClientID)
	}
	select {
	case <-p.done:
		return clienterr.NotRunning("write input", p.ClientID)
	default:
	}
	p.inputMu.Lock()
	defer p.inputMu.Unlock()
	if _, err := p.stdin.Write(b); err != nil {
		return fmt.Errorf("write input to process %s: %w", p.ID, err)
	}
	return nil
}

type Supervisor struct {
	logger *log.Logger

	mu        sync.Mutex
	processes map[string]*Process
}

func New(logger *log.Logger) *Supervisor {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Supervisor{
		logger:    logger,
		processes: map[string]*Process{},
	}
}

// Spawn starts path with args and tracks the resulting process under its
// pid. The entry is removed when the process exits or is killed, whichever
// happens first.
func (s *Supervisor) Spawn(clientID, path string, args []string, opts SpawnOptions) (*Process, error) {
	if path == "" {
		return nil, clienterr.Launch("spawn", clientID, errors.New("missing executable path"))
	}

	cmd := exec.Command(path, args...)
	cmd.Dir = opts.Dir
	if len(opts.Env) > 0 {
		cmd.Env = append(os.Environ(), opts.Env...)
	}
	cmd.WaitDelay = waitDelay
	configureProcessGroup(cmd)

	stdio := opts.Stdio.OrDefault()
	cmd.Stdout = outputWriter(stdio, os.Stdout, opts.OnStdout)
	cmd.Stderr = outputWriter(stdio, os.Stderr, opts.OnStderr)

	var stdin io.WriteCloser
	switch stdio {
	case backend.StdioInherit:
		cmd.Stdin = os.Stdin
	default:
		pipe, err := cmd.StdinPipe()
		if err != nil {
			return nil, clienterr.Launch("spawn", clientID, fmt.Errorf("open stdin pipe: %w", err))
		}
		stdin = pipe
	}

	if err := cmd.Start(); err != nil {
		return nil, clienterr.Launch("spawn", clientID, fmt.Errorf("start %s: %w", path, err))
	}

	proc := &Process{
		ID:        strconv.Itoa(cmd.Process.Pid),
		ClientID:  clientID,
		Path:      path,
		Args:      append([]string(nil), args...),
		PID:       cmd.Process.Pid,
		StartedAt: time.Now().UTC(),
		cmd:       cmd,
		stdin:     stdin,
		done:      make(chan struct{}),
	}

	s.mu.Lock()
	s.processes[proc.ID] = proc
	s.mu.Unlock()

	s.logger.Debug("spawned process", "client_id", clientID, "pid", proc.PID, "path", path)

	go func() {
		proc.waitErr = cmd.Wait()
		if stdin != nil {
			_ = stdin.Close()
		}
		s.untrack(proc.ID)
		close(proc.done)
		s.logger.Debug("process exited", "client_id", clientID, "pid", proc.PID, "exit_code", proc.ExitCode())
		if opts.OnExit != nil {
			opts.OnExit(proc.waitErr)
		}
	}()

	return proc, nil
}

// Exec spawns path, collects its decoded output lines and waits for it to
// exit. When the timeout fires first the process is killed and a
// *clienterr.TimeoutError carrying the partial output is returned; when ctx
// is done first the process is killed and ctx's error is returned. A
// non-zero exit code is reported in the result, not as an error.
func (s *Supervisor) Exec(ctx context.Context, clientID, path string, args []string, opts ExecOptions) (*ExecResult, error) {
	var (
		mu        sync.Mutex
		collected []string
	)
	collect := func(line string) {
		mu.Lock()
		collected = append(collected, line)
		mu.Unlock()
	}
	snapshot := func() []string {
		mu.Lock()
		defer mu.Unlock()
		return append([]string(nil), collected...)
	}
	stdout := lines.NewSplitter(collect)
	stderr := lines.NewSplitter(collect)

	proc, err := s.Spawn(clientID, path, args, SpawnOptions{
		Stdio:    opts.Stdio,
		Env:      opts.Env,
		Dir:      opts.Dir,
		OnStdout: func(b []byte) { _, _ = stdout.Write(b) },
		OnStderr: func(b []byte) { _, _ = stderr.Write(b) },
	})
	if err != nil {
		return nil, err
	}
	if proc.stdin != nil {
		_ = proc.stdin.Close()
	}

	var timeout <-chan time.Time
	if opts.Timeout > 0 {
		timer := time.NewTimer(opts.Timeout)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-proc.Done():
		stdout.Flush()
		stderr.Flush()
		return &ExecResult{
			ProcessID: proc.ID,
			ExitCode:  proc.ExitCode(),
			Lines:     snapshot(),
		}, nil
	case <-timeout:
	case <-ctx.Done():
		s.abandon(clientID, proc)
		return nil, fmt.Errorf("exec %s: %w", clientID, ctx.Err())
	}

	s.abandon(clientID, proc)
	stdout.Flush()
	stderr.Flush()
	return nil, &clienterr.TimeoutError{
		Op:      "exec",
		ID:      clientID,
		Timeout: opts.Timeout,
		Output:  snapshot(),
	}
}

// abandon kills an exec whose caller stopped waiting for it.
func (s *Supervisor) abandon(clientID string, proc *Process) {
	if err := s.Kill(proc.ID); err != nil && !errors.Is(err, clienterr.ErrNotFound) {
		s.logger.Warn("kill abandoned exec failed", "client_id", clientID, "pid", proc.PID, "error", err)
	}
}

// Kill forcefully terminates the process group and untracks it. Unknown ids
// fail with a not-found error, including ids that were already killed.
func (s *Supervisor) Kill(processID string) error {
	proc, ok := s.untrack(processID)
	if !ok {
		return clienterr.NotFound("kill process", processID)
	}

	if err := killProcessGroup(proc.cmd); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill process %s: %w", processID, err)
	}

	select {
	case <-proc.done:
	case <-time.After(killWait):
		s.logger.Warn("process did not exit after kill", "client_id", proc.ClientID, "pid", proc.PID)
	}
	return nil
}

func (s *Supervisor) Lookup(processID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[processID]
	return proc, ok
}

// List returns tracked processes ordered by start time.
func (s *Supervisor) List() []*Process {
	s.mu.Lock()
	out := make([]*Process, 0, len(s.processes))
	for _, proc := range s.processes {
		out = append(out, proc)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// untrack removes processID if present. Exit handling and Kill both go
// through here so an entry is released exactly once.
func (s *Supervisor) untrack(processID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	proc, ok := s.processes[processID]
	if !ok {
		return nil, false
	}
	delete(s.processes, processID)
	return proc, true
}

func outputWriter(stdio backend.Stdio, host io.Writer, fn func([]byte)) io.Writer {
	var w io.Writer = io.Discard
	if fn != nil {
		w = callbackWriter(fn)
	}
	if stdio == backend.StdioInherit {
		return io.MultiWriter(host, w)
	}
	return w
}

type callbackWriter func([]byte)

func (fn callbackWriter) Write(p []byte) (int, error) {
	b := make([]byte, len(p))
	copy(b, p)
	fn(b)
	return len(p), nil
}
