// Package enginetest provides an in-memory container engine for tests.
package enginetest

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/errdefs"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/buildkite/clientgrid/internal/dockerexec"
)

// Script describes what an exec or run session writes back.
type Script struct {
	Stdout   string
	Stderr   string
	ExitCode int
	// Hold keeps the session open after writing output until the session
	// is closed or the container is stopped.
	Hold bool
}

type Container struct {
	ID         string
	Name       string
	Config     container.Config
	HostConfig container.HostConfig
	Running    bool
	Removed    bool
}

type Exec struct {
	ID          string
	ContainerID string
	Cmd         []string
	TTY         bool
	Input       bytes.Buffer
	ExitCode    int
	// Pid is reported by exec inspect. A held session stays Running after
	// its attach connection closes, until it is killed or its container stops.
	Pid     int
	Running bool

	server net.Conn
}

// fakePIDBase keeps fake pids above any pid a real host can allocate.
const fakePIDBase = 5_000_000

// Engine is a fake engine API. Handlers may be replaced before use.
type Engine struct {
	mu sync.Mutex

	// ExecHandler decides the output of each exec session.
	ExecHandler func(argv []string, tty bool) Script
	// RunHandler decides the output of containers attached by ContainerAttach.
	RunHandler func(cfg container.Config) Script

	ImageEntrypoints map[string][]string
	PullMessages     []string
	BuildMessages    []string
	PingErr          error
	StartErr         error

	Containers map[string]*Container
	Execs      map[string]*Exec
	Pulled     []string
	Built      []types.ImageBuildOptions
	Calls      []string

	holds   map[string][]net.Conn
	nextID  int
	nextPID int
}

func New() *Engine {
	return &Engine{
		ExecHandler:      func([]string, bool) Script { return Script{} },
		RunHandler:       func(container.Config) Script { return Script{} },
		ImageEntrypoints: map[string][]string{},
		Containers:       map[string]*Container{},
		Execs:            map[string]*Exec{},
		holds:            map[string][]net.Conn{},
	}
}

func (e *Engine) record(call string) {
	e.Calls = append(e.Calls, call)
}

// CallLog returns the recorded API calls in order.
func (e *Engine) CallLog() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.Calls...)
}

func (e *Engine) Container(id string) (Container, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.Containers[id]
	if !ok {
		return Container{}, false
	}
	return *c, true
}

func (e *Engine) ExecsFor(containerID string) []Exec {
	e.mu.Lock()
	defer e.mu.Unlock()
	var out []Exec
	for i := 1; i <= e.nextID; i++ {
		ex, ok := e.Execs[fmt.Sprintf("exec-%d", i)]
		if ok && ex.ContainerID == containerID {
			out = append(out, Exec{ID: ex.ID, ContainerID: ex.ContainerID, Cmd: ex.Cmd, TTY: ex.TTY, ExitCode: ex.ExitCode, Pid: ex.Pid, Running: ex.Running})
		}
	}
	return out
}

// ExecInput returns what a session received on stdin so far.
func (e *Engine) ExecInput(execID string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ex, ok := e.Execs[execID]
	if !ok {
		return ""
	}
	return ex.Input.String()
}

func (e *Engine) newID(prefix string) string {
	e.nextID++
	return fmt.Sprintf("%s-%d", prefix, e.nextID)
}

func (e *Engine) Ping(context.Context) (types.Ping, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("ping")
	if e.PingErr != nil {
		return types.Ping{}, e.PingErr
	}
	return types.Ping{APIVersion: "1.47"}, nil
}

func (e *Engine) ImageBuild(_ context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error) {
	_, _ = io.Copy(io.Discard, buildContext)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("image_build")
	e.Built = append(e.Built, options)
	return types.ImageBuildResponse{Body: io.NopCloser(strings.NewReader(strings.Join(e.BuildMessages, "\n")))}, nil
}

func (e *Engine) ImagePull(_ context.Context, ref string, _ image.PullOptions) (io.ReadCloser, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("image_pull")
	e.Pulled = append(e.Pulled, ref)
	return io.NopCloser(strings.NewReader(strings.Join(e.PullMessages, "\n"))), nil
}

func (e *Engine) ImageInspectWithRaw(_ context.Context, imageID string) (types.ImageInspect, []byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("image_inspect")
	return types.ImageInspect{
		ID:     imageID,
		Config: &container.Config{Entrypoint: e.ImageEntrypoints[imageID]},
	}, nil, nil
}

func (e *Engine) ContainerList(_ context.Context, options container.ListOptions) ([]types.Container, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_list")
	filter := options.Filters.Get("name")
	var out []types.Container
	for _, c := range e.Containers {
		if c.Removed {
			continue
		}
		if len(filter) > 0 && !strings.Contains(c.Name, filter[0]) {
			continue
		}
		state := "exited"
		if c.Running {
			state = "running"
		}
		out = append(out, types.Container{ID: c.ID, Names: []string{"/" + c.Name}, State: state})
	}
	return out, nil
}

func (e *Engine) ContainerCreate(_ context.Context, config *container.Config, hostConfig *container.HostConfig, _ *network.NetworkingConfig, _ *ocispec.Platform, containerName string) (container.CreateResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_create")
	id := e.newID("ctr")
	c := &Container{ID: id, Name: containerName}
	if config != nil {
		c.Config = *config
	}
	if hostConfig != nil {
		c.HostConfig = *hostConfig
	}
	e.Containers[id] = c
	return container.CreateResponse{ID: id}, nil
}

func (e *Engine) ContainerInspect(_ context.Context, containerID string) (types.ContainerJSON, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_inspect")
	c, ok := e.Containers[containerID]
	if !ok || c.Removed {
		return types.ContainerJSON{}, errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	cfg := c.Config
	return types.ContainerJSON{
		ContainerJSONBase: &types.ContainerJSONBase{
			ID:    c.ID,
			Name:  "/" + c.Name,
			State: &types.ContainerState{Running: c.Running},
		},
		Config: &cfg,
	}, nil
}

func (e *Engine) ContainerStart(_ context.Context, containerID string, _ container.StartOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_start")
	if e.StartErr != nil {
		return e.StartErr
	}
	c, ok := e.Containers[containerID]
	if !ok || c.Removed {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	c.Running = true
	return nil
}

func (e *Engine) ContainerStop(_ context.Context, containerID string, _ container.StopOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_stop")
	c, ok := e.Containers[containerID]
	if !ok || c.Removed {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	c.Running = false
	for _, conn := range e.holds[containerID] {
		_ = conn.Close()
	}
	delete(e.holds, containerID)
	for _, ex := range e.Execs {
		if ex.ContainerID == containerID {
			ex.Running = false
		}
	}
	if c.HostConfig.AutoRemove {
		c.Removed = true
	}
	return nil
}

func (e *Engine) ContainerRemove(_ context.Context, containerID string, _ container.RemoveOptions) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_remove")
	c, ok := e.Containers[containerID]
	if !ok || c.Removed {
		return errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	c.Removed = true
	c.Running = false
	return nil
}

func (e *Engine) ContainerAttach(_ context.Context, containerID string, _ container.AttachOptions) (types.HijackedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_attach")
	c, ok := e.Containers[containerID]
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	script := e.RunHandler(c.Config)
	ex := &Exec{ID: containerID, ContainerID: containerID, TTY: c.Config.Tty, ExitCode: script.ExitCode}
	return e.serveLocked(ex, script), nil
}

func (e *Engine) ContainerWait(_ context.Context, containerID string, _ container.WaitCondition) (<-chan container.WaitResponse, <-chan error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("container_wait")
	statusCh := make(chan container.WaitResponse, 1)
	errCh := make(chan error, 1)
	c, ok := e.Containers[containerID]
	if !ok {
		errCh <- errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
		return statusCh, errCh
	}
	script := e.RunHandler(c.Config)
	c.Running = false
	statusCh <- container.WaitResponse{StatusCode: int64(script.ExitCode)}
	return statusCh, errCh
}

func (e *Engine) ContainerExecCreate(_ context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("exec_create")
	c, ok := e.Containers[containerID]
	if !ok || c.Removed {
		return types.IDResponse{}, errdefs.NotFound(fmt.Errorf("no such container: %s", containerID))
	}
	if !c.Running {
		return types.IDResponse{}, errdefs.Conflict(fmt.Errorf("container %s is not running", containerID))
	}
	id := e.newID("exec")
	e.Execs[id] = &Exec{ID: id, ContainerID: containerID, Cmd: append([]string(nil), options.Cmd...), TTY: options.Tty}
	return types.IDResponse{ID: id}, nil
}

func (e *Engine) ContainerExecAttach(_ context.Context, execID string, _ container.ExecAttachOptions) (types.HijackedResponse, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("exec_attach")
	ex, ok := e.Execs[execID]
	if !ok {
		return types.HijackedResponse{}, errdefs.NotFound(fmt.Errorf("no such exec: %s", execID))
	}
	script, ok := e.killLocked(ex)
	if !ok {
		script = e.ExecHandler(ex.Cmd, ex.TTY)
	}
	ex.ExitCode = script.ExitCode
	e.nextPID++
	ex.Pid = fakePIDBase + e.nextPID
	ex.Running = script.Hold
	return e.serveLocked(ex, script), nil
}

// killLocked runs "kill -9 <pid>" against another session in the same
// container.
func (e *Engine) killLocked(ex *Exec) (Script, bool) {
	if len(ex.Cmd) != 3 || ex.Cmd[0] != "kill" || ex.Cmd[1] != "-9" {
		return Script{}, false
	}
	pid, err := strconv.Atoi(ex.Cmd[2])
	if err != nil {
		return Script{Stderr: "kill: bad pid\n", ExitCode: 1}, true
	}
	for _, target := range e.Execs {
		if target.ContainerID != ex.ContainerID || target.Pid != pid || !target.Running {
			continue
		}
		target.Running = false
		target.ExitCode = 137
		if target.server != nil {
			_ = target.server.Close()
		}
		return Script{}, true
	}
	return Script{Stderr: "kill: no such process\n", ExitCode: 1}, true
}

func (e *Engine) ContainerExecInspect(_ context.Context, execID string) (container.ExecInspect, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.record("exec_inspect")
	ex, ok := e.Execs[execID]
	if !ok {
		return container.ExecInspect{}, errdefs.NotFound(fmt.Errorf("no such exec: %s", execID))
	}
	return container.ExecInspect{ExecID: ex.ID, ContainerID: ex.ContainerID, ExitCode: ex.ExitCode, Pid: ex.Pid, Running: ex.Running}, nil
}

func (e *Engine) Close() error {
	return nil
}

// serveLocked returns the client side of a pipe whose server side writes
// script's output framed the way the engine does for the session mode.
func (e *Engine) serveLocked(ex *Exec, script Script) types.HijackedResponse {
	clientConn, serverConn := net.Pipe()
	ex.server = serverConn
	if script.Hold {
		e.holds[ex.ContainerID] = append(e.holds[ex.ContainerID], serverConn)
	}

	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := serverConn.Read(buf)
			if n > 0 {
				e.mu.Lock()
				ex.Input.Write(buf[:n])
				e.mu.Unlock()
			}
			if err != nil {
				return
			}
		}
	}()

	go func() {
		var payload bytes.Buffer
		if ex.TTY {
			payload.WriteString(script.Stdout)
			payload.WriteString(script.Stderr)
		} else {
			if script.Stdout != "" {
				_ = dockerexec.EncodeFrame(&payload, dockerexec.Stdout, []byte(script.Stdout))
			}
			if script.Stderr != "" {
				_ = dockerexec.EncodeFrame(&payload, dockerexec.Stderr, []byte(script.Stderr))
			}
		}
		if payload.Len() > 0 {
			if _, err := serverConn.Write(payload.Bytes()); err != nil {
				return
			}
		}
		if !script.Hold {
			_ = serverConn.Close()
		}
	}()

	return types.HijackedResponse{Conn: clientConn, Reader: bufio.NewReader(clientConn)}
}
