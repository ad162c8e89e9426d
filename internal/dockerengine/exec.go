package dockerengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"golang.org/x/term"

	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/dockerexec"
	"github.com/buildkite/clientgrid/internal/lines"
)

const (
	readChunkSize = 32 * 1024
	procRoot      = "/proc"
)

// ExecStream is an attached exec or container session.
type ExecStream struct {
	ID          string
	ContainerID string
	TTY         bool

	conn      types.HijackedResponse
	closeOnce sync.Once
	writeMu   sync.Mutex
}

func (s *ExecStream) Reader() io.Reader {
	if s.conn.Reader == nil {
		return nil
	}
	return s.conn.Reader
}

func (s *ExecStream) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn.Conn == nil {
		return 0, io.ErrClosedPipe
	}
	return s.conn.Conn.Write(p)
}

// CloseWrite signals end of input to the session.
func (s *ExecStream) CloseWrite() error {
	return s.conn.CloseWrite()
}

func (s *ExecStream) Close() error {
	s.closeOnce.Do(func() {
		s.conn.Close()
	})
	return nil
}

type ExecResult struct {
	ExitCode int
	Lines    []string
}

// Exec creates and attaches an exec session running argv inside
// containerID.
func (a *Adapter) Exec(ctx context.Context, containerID string, argv []string, tty bool) (*ExecStream, error) {
	if len(argv) == 0 {
		return nil, clienterr.Configuration("exec", "empty command for container %s", containerID)
	}
	api, err := a.Connect(ctx)
	if err != nil {
		return nil, err
	}

	created, err := api.ContainerExecCreate(ctx, containerID, container.ExecOptions{
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          tty,
		Cmd:          argv,
	})
	if err != nil {
		return nil, clienterr.Launch("create exec", containerID, err)
	}
	conn, err := api.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{Tty: tty})
	if err != nil {
		return nil, clienterr.Launch("attach exec", containerID, err)
	}
	a.logger.Debug("exec attached", "container_id", containerID, "exec_id", created.ID, "tty", tty, "argv", argv)
	return &ExecStream{ID: created.ID, ContainerID: containerID, TTY: tty, conn: conn}, nil
}

// Collect reads a batch exec to completion. Output is checked for the
// engine's exec failure marker as it arrives; at end of stream it is
// sanitized, split into lines and passed to onLine. When ctx ends first the
// stream is closed and the partial result is returned with ctx's error.
func (a *Adapter) Collect(ctx context.Context, stream *ExecStream, onLine func(string)) (*ExecResult, error) {
	_ = stream.CloseWrite()

	text, err := a.readStream(ctx, stream, nil, nil)
	result := &ExecResult{ExitCode: -1, Lines: lines.Split(dockerexec.Sanitize(text))}
	if onLine != nil {
		for _, line := range result.Lines {
			onLine(line)
		}
	}
	if err != nil {
		return result, err
	}
	if stream.ID != "" {
		result.ExitCode = a.execExitCode(ctx, stream.ID)
	}
	return result, nil
}

// Pump streams a long-running session line by line until it ends or ctx is
// done. mirror, when set, receives the raw output.
func (a *Adapter) Pump(ctx context.Context, stream *ExecStream, mirror io.Writer, onLine func(string)) error {
	splitter := lines.NewSplitter(func(line string) {
		if line = dockerexec.Sanitize(line); line != "" {
			onLine(line)
		}
	})
	defer splitter.Flush()

	out := io.Writer(splitter)
	if mirror != nil {
		out = io.MultiWriter(mirror, splitter)
	}
	_, err := a.readStream(ctx, stream, out, out)
	return err
}

// Interactive connects host input and output to stream. A terminal stdin is
// put in raw mode for the duration and restored afterwards.
func (a *Adapter) Interactive(ctx context.Context, stream *ExecStream, in io.Reader, out, errOut io.Writer) (*ExecResult, error) {
	if file, ok := in.(*os.File); ok && term.IsTerminal(int(file.Fd())) {
		state, err := term.MakeRaw(int(file.Fd()))
		if err != nil {
			return nil, fmt.Errorf("set terminal raw mode: %w", err)
		}
		defer func() {
			_ = term.Restore(int(file.Fd()), state)
		}()
	}

	copyDone := make(chan struct{})
	go func() {
		defer close(copyDone)
		if in == nil {
			return
		}
		_, _ = io.Copy(stream, in)
		_ = stream.CloseWrite()
	}()
	defer func() {
		// Unblock the input copier when the session ends before host input
		// does. Readers without deadline support release on their next read.
		if file, ok := in.(*os.File); ok {
			_ = file.SetReadDeadline(time.Now())
			select {
			case <-copyDone:
			case <-time.After(100 * time.Millisecond):
			}
			_ = file.SetReadDeadline(time.Time{})
		}
	}()

	if out == nil {
		out = io.Discard
	}
	if errOut == nil {
		errOut = out
	}
	text, err := a.readStream(ctx, stream, out, errOut)
	result := &ExecResult{ExitCode: -1, Lines: lines.Split(dockerexec.Sanitize(text))}
	if err != nil {
		return result, err
	}
	if stream.ID != "" {
		result.ExitCode = a.execExitCode(ctx, stream.ID)
	}
	return result, nil
}

// readStream consumes stream until EOF, demultiplexing when it is not a TTY.
// Decoded output is accumulated and returned; stdout and stderr, when set,
// also receive it as it arrives.
func (a *Adapter) readStream(ctx context.Context, stream *ExecStream, stdout, stderr io.Writer) (string, error) {
	var (
		mu      sync.Mutex
		text    strings.Builder
		failure string
	)
	sink := func(w io.Writer) func([]byte) {
		return func(b []byte) {
			mu.Lock()
			text.Write(b)
			if failure == "" && dockerexec.ContainsExecFailure(b) {
				failure = strings.TrimSpace(dockerexec.Sanitize(string(b)))
			}
			mu.Unlock()
			if w != nil {
				_, _ = w.Write(b)
			}
		}
	}
	onStdout := sink(stdout)
	onStderr := sink(stderr)

	var write func([]byte) error
	var decoder *dockerexec.Decoder
	if stream.TTY {
		write = func(b []byte) error {
			onStdout(b)
			return nil
		}
	} else {
		decoder = dockerexec.NewDecoder(onStdout, onStderr)
		decoder.OnSystemError = onStderr
		write = func(b []byte) error {
			_, err := decoder.Write(b)
			return err
		}
	}

	stop := context.AfterFunc(ctx, func() {
		_ = stream.Close()
	})
	defer stop()

	failed := func() error {
		mu.Lock()
		defer mu.Unlock()
		if failure == "" {
			return nil
		}
		return clienterr.ExecFailure("exec", stream.ContainerID, errors.New(failure))
	}
	collected := func() string {
		mu.Lock()
		defer mu.Unlock()
		return text.String()
	}

	reader := stream.Reader()
	if reader == nil {
		return "", io.ErrClosedPipe
	}
	buf := make([]byte, readChunkSize)
	for {
		n, readErr := reader.Read(buf)
		if n > 0 {
			if err := write(buf[:n]); err != nil {
				_ = stream.Close()
				return collected(), fmt.Errorf("decode exec stream: %w", err)
			}
			if err := failed(); err != nil {
				_ = stream.Close()
				return collected(), err
			}
		}
		if readErr == nil {
			continue
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return collected(), ctxErr
		}
		if errors.Is(readErr, io.EOF) {
			if decoder != nil {
				if err := decoder.Close(); err != nil {
					a.logger.Warn("exec stream ended mid-frame", "container_id", stream.ContainerID, "error", err)
				}
			}
			return collected(), nil
		}
		return collected(), fmt.Errorf("read exec stream: %w", readErr)
	}
}

func (a *Adapter) execExitCode(ctx context.Context, execID string) int {
	api, err := a.Connect(ctx)
	if err != nil {
		return -1
	}
	inspect, err := api.ContainerExecInspect(ctx, execID)
	if err != nil {
		a.logger.Debug("exec inspect failed", "exec_id", execID, "error", err)
		return -1
	}
	return inspect.ExitCode
}

// KillExec terminates the process behind stream if it is still running. The
// engine has no call to kill an exec, so the process is sent SIGKILL from a
// second exec in the same container.
func (a *Adapter) KillExec(ctx context.Context, stream *ExecStream) error {
	if stream.ID == "" {
		return nil
	}
	api, err := a.Connect(ctx)
	if err != nil {
		return err
	}
	inspect, err := api.ContainerExecInspect(ctx, stream.ID)
	if err != nil {
		return fmt.Errorf("inspect exec %s: %w", stream.ID, err)
	}
	if !inspect.Running || inspect.Pid <= 0 {
		return nil
	}

	pid := containerPID(procRoot, inspect.Pid)
	kill, err := a.Exec(ctx, stream.ContainerID, []string{"kill", "-9", strconv.Itoa(pid)}, false)
	if err != nil {
		return err
	}
	defer kill.Close()
	result, err := a.Collect(ctx, kill, nil)
	if err != nil {
		return err
	}
	if result.ExitCode != 0 {
		return fmt.Errorf("kill exec %s (pid %d): exit code %d: %s", stream.ID, pid, result.ExitCode, strings.Join(result.Lines, "; "))
	}
	a.logger.Debug("exec killed", "container_id", stream.ContainerID, "exec_id", stream.ID, "pid", pid)
	return nil
}

// containerPID maps a pid reported by the engine, which is in the host's
// namespace, to the pid inside the container using the NSpid line of the
// host's proc entry. When the entry cannot be read, as when the engine runs
// in a VM, the reported pid is returned unchanged.
func containerPID(root string, hostPID int) int {
	b, err := os.ReadFile(filepath.Join(root, strconv.Itoa(hostPID), "status"))
	if err != nil {
		return hostPID
	}
	for _, line := range strings.Split(string(b), "\n") {
		rest, ok := strings.CutPrefix(line, "NSpid:")
		if !ok {
			continue
		}
		fields := strings.Fields(rest)
		if len(fields) == 0 {
			break
		}
		if pid, err := strconv.Atoi(fields[len(fields)-1]); err == nil && pid > 0 {
			return pid
		}
		break
	}
	return hostPID
}
