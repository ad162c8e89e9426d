// Package dockerengine adapts the Docker Engine API to the operations
// container clients need: image acquisition, container lifecycle and exec
// sessions in batch or interactive mode.
package dockerengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
)

const (
	DefaultSocket      = "/var/run/docker.sock"
	DefaultImagePrefix = "clientgrid"
	socketEnv          = "DOCKER_SOCKET"
)

var ErrEngineUnavailable = errors.New("container engine unavailable")

// API is the subset of the Docker Engine client the adapter uses.
type API interface {
	Ping(ctx context.Context) (types.Ping, error)
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePull(ctx context.Context, ref string, options image.PullOptions) (io.ReadCloser, error)
	ImageInspectWithRaw(ctx context.Context, imageID string) (types.ImageInspect, []byte, error)
	ContainerList(ctx context.Context, options container.ListOptions) ([]types.Container, error)
	ContainerCreate(ctx context.Context, config *container.Config, hostConfig *container.HostConfig, networkingConfig *network.NetworkingConfig, platform *ocispec.Platform, containerName string) (container.CreateResponse, error)
	ContainerInspect(ctx context.Context, containerID string) (types.ContainerJSON, error)
	ContainerStart(ctx context.Context, containerID string, options container.StartOptions) error
	ContainerStop(ctx context.Context, containerID string, options container.StopOptions) error
	ContainerRemove(ctx context.Context, containerID string, options container.RemoveOptions) error
	ContainerAttach(ctx context.Context, containerID string, options container.AttachOptions) (types.HijackedResponse, error)
	ContainerWait(ctx context.Context, containerID string, condition container.WaitCondition) (<-chan container.WaitResponse, <-chan error)
	ContainerExecCreate(ctx context.Context, containerID string, options container.ExecOptions) (types.IDResponse, error)
	ContainerExecAttach(ctx context.Context, execID string, options container.ExecAttachOptions) (types.HijackedResponse, error)
	ContainerExecInspect(ctx context.Context, execID string) (container.ExecInspect, error)
	Close() error
}

type Options struct {
	// Socket is the engine's unix control socket. Empty falls back to
	// $DOCKER_SOCKET and then DefaultSocket.
	Socket      string
	ImagePrefix string
	Logger      *log.Logger
}

// Session records what the adapter created for one container client.
type Session struct {
	ContainerID          string
	Name                 string
	Image                string
	OriginalEntrypoint   string
	EntrypointOverridden bool
}

var newAPIClient = func(host string) (API, error) {
	cli, err := client.NewClientWithOpts(client.WithHost(host), client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, err
	}
	return cli, nil
}

var statSocket = os.Stat

type Adapter struct {
	socket      string
	imagePrefix string
	logger      *log.Logger

	mu       sync.Mutex
	api      API
	sessions map[string]*Session
}

func New(opts Options) *Adapter {
	socket := strings.TrimSpace(opts.Socket)
	if socket == "" {
		socket = strings.TrimSpace(os.Getenv(socketEnv))
	}
	if socket == "" {
		socket = DefaultSocket
	}
	prefix := strings.TrimSpace(opts.ImagePrefix)
	if prefix == "" {
		prefix = DefaultImagePrefix
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	return &Adapter{
		socket:      socket,
		imagePrefix: prefix,
		logger:      logger,
		sessions:    map[string]*Session{},
	}
}

// NewWithAPI returns an adapter that is already connected to api.
func NewWithAPI(api API, opts Options) *Adapter {
	a := New(opts)
	a.api = api
	return a
}

func (a *Adapter) Name() string {
	return "container"
}

func (a *Adapter) Socket() string {
	return a.socket
}

// Connect opens the engine client on first use. Process clients never call
// it, so a host without a container engine only fails when a container
// client is requested.
func (a *Adapter) Connect(context.Context) (API, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.api != nil {
		return a.api, nil
	}

	if err := checkSocket(a.socket); err != nil {
		return nil, clienterr.Launch("connect engine", a.socket, err)
	}
	api, err := newAPIClient("unix://" + a.socket)
	if err != nil {
		return nil, clienterr.Launch("connect engine", a.socket, fmt.Errorf("%w: %v", ErrEngineUnavailable, err))
	}
	a.api = api
	a.logger.Debug("connected to container engine", "socket", a.socket)
	return api, nil
}

func (a *Adapter) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.api == nil {
		return nil
	}
	err := a.api.Close()
	a.api = nil
	return err
}

// Session returns the session recorded for containerID.
func (a *Adapter) Session(containerID string) (*Session, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	session, ok := a.sessions[containerID]
	if !ok {
		return nil, false
	}
	copied := *session
	return &copied, true
}

func (a *Adapter) putSession(session *Session) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[session.ContainerID] = session
}

func (a *Adapter) dropSession(containerID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.sessions, containerID)
}

func (a *Adapter) Doctor(ctx context.Context) (*backend.DoctorReport, error) {
	report := &backend.DoctorReport{Backend: a.Name()}
	appendCheck := func(name, status, message string) {
		report.Checks = append(report.Checks, backend.DoctorCheck{Name: name, Status: status, Message: message})
	}

	if err := checkSocket(a.socket); err != nil {
		appendCheck("engine_socket", "fail", err.Error())
		appendCheck("engine_ping", "warn", "skipped because the engine socket is unavailable")
		return report, nil
	}
	appendCheck("engine_socket", "pass", fmt.Sprintf("engine socket present: %s", a.socket))

	api, err := a.Connect(ctx)
	if err != nil {
		appendCheck("engine_ping", "fail", err.Error())
		return report, nil
	}
	ping, err := api.Ping(ctx)
	if err != nil {
		appendCheck("engine_ping", "fail", fmt.Sprintf("engine ping failed: %v", err))
		return report, nil
	}
	message := "engine responded"
	if ping.APIVersion != "" {
		message = fmt.Sprintf("engine responded with API version %s", ping.APIVersion)
	}
	appendCheck("engine_ping", "pass", message)
	return report, nil
}

func checkSocket(path string) error {
	info, err := statSocket(path)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	if info.Mode()&os.ModeSocket == 0 {
		return fmt.Errorf("%w: %s is not a socket", ErrEngineUnavailable, path)
	}
	return nil
}
