// Package client is the public Go API for running node clients locally as
// processes or containers.
package client

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/charmbracelet/log"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/descriptor"
	"github.com/buildkite/clientgrid/internal/dockerengine"
	"github.com/buildkite/clientgrid/internal/orchestrator"
	"github.com/buildkite/clientgrid/internal/runtimeconfig"
)

// Client owns a set of node clients on this host.
type Client struct {
	orch     *orchestrator.Orchestrator
	engine   orchestrator.ContainerEngine
	cacheDir string
}

// Option configures the client.
type Option func(*options)

type options struct {
	logger          *log.Logger
	cacheDir        string
	catalogPath     string
	storePath       string
	dockerSocket    string
	containerPrefix string
	sharedVolume    string
	executeTimeout  time.Duration
	engine          orchestrator.ContainerEngine
}

func WithLogger(logger *log.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithCacheDir sets where downloaded releases are kept.
func WithCacheDir(dir string) Option {
	return func(o *options) { o.cacheDir = dir }
}

// WithCatalog layers the descriptor catalog at path over the built-in one.
func WithCatalog(path string) Option {
	return func(o *options) { o.catalogPath = path }
}

// WithStore records client state transitions in the ledger at path.
func WithStore(path string) Option {
	return func(o *options) { o.storePath = path }
}

func WithDockerSocket(socket string) Option {
	return func(o *options) { o.dockerSocket = socket }
}

func WithContainerPrefix(prefix string) Option {
	return func(o *options) { o.containerPrefix = prefix }
}

// WithSharedVolume sets the host:container bind mounted into containers.
func WithSharedVolume(volume string) Option {
	return func(o *options) { o.sharedVolume = volume }
}

// WithExecuteTimeout sets the default timeout for Execute and Run. A
// negative value disables it.
func WithExecuteTimeout(timeout time.Duration) Option {
	return func(o *options) { o.executeTimeout = timeout }
}

func New(opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	logger := o.logger
	if logger == nil {
		logger = log.New(io.Discard)
	}

	var catalog *descriptor.Catalog
	var err error
	if path := strings.TrimSpace(o.catalogPath); path != "" {
		catalog, err = descriptor.LoadCatalog(path)
	} else {
		catalog, err = descriptor.Default()
	}
	if err != nil {
		return nil, err
	}

	engine := o.engine
	if engine == nil {
		engine = dockerengine.New(dockerengine.Options{
			Socket:      o.dockerSocket,
			ImagePrefix: o.containerPrefix,
			Logger:      logger,
		})
	}

	var store *clientstore.Store
	if path := strings.TrimSpace(o.storePath); path != "" {
		store, err = clientstore.Open(context.Background(), path)
		if err != nil {
			return nil, err
		}
	}

	orch, err := orchestrator.New(orchestrator.Options{
		Catalog:         catalog,
		Engine:          engine,
		Store:           store,
		Logger:          logger,
		CacheDir:        o.cacheDir,
		ContainerPrefix: o.containerPrefix,
		SharedVolume:    o.sharedVolume,
		ExecuteTimeout:  o.executeTimeout,
	})
	if err != nil {
		if store != nil {
			_ = store.Close()
		}
		return nil, err
	}
	return &Client{orch: orch, engine: engine, cacheDir: o.cacheDir}, nil
}

// NewFromConfig builds a client from a runtime configuration.
func NewFromConfig(cfg runtimeconfig.Config, opts ...Option) (*Client, error) {
	base := []Option{
		WithCacheDir(cfg.Clients.CacheDir),
		WithCatalog(cfg.Clients.Catalog),
		WithDockerSocket(cfg.Docker.Socket),
		WithContainerPrefix(cfg.Docker.ContainerPrefix),
		WithSharedVolume(cfg.Docker.SharedVolume),
		WithExecuteTimeout(cfg.ExecuteTimeout()),
	}
	if path := strings.TrimSpace(cfg.Store.Path); path != "" && path != runtimeconfig.StoreDisabled {
		base = append(base, WithStore(path))
	}
	return New(append(base, opts...)...)
}

// NewFromEnv builds a client from the user's config file.
func NewFromEnv(opts ...Option) (*Client, error) {
	cfg, _, err := runtimeconfig.Load()
	if err != nil {
		return nil, err
	}
	return NewFromConfig(cfg, opts...)
}

var errNilClient = errors.New("nil client")

func (c *Client) ready() error {
	if c == nil || c.orch == nil {
		return errNilClient
	}
	return nil
}

// Clients returns the names of all known descriptors.
func (c *Client) Clients() []string {
	if c.ready() != nil {
		return nil
	}
	return c.orch.Catalog().Names()
}

// Descriptor returns the catalog entry for name.
func (c *Client) Descriptor(name string) (Descriptor, error) {
	if err := c.ready(); err != nil {
		return Descriptor{}, err
	}
	return c.orch.Catalog().Get(name)
}

func (c *Client) GetClient(ctx context.Context, d Descriptor, opts GetOptions) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.GetClient(ctx, d, opts)
}

func (c *Client) GetClientByName(ctx context.Context, name string, opts GetOptions) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.GetClientByName(ctx, name, opts)
}

func (c *Client) Status(id string) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.Status(id)
}

// Capabilities returns the sorted names of the optional operations id
// supports, such as "client.run".
func (c *Client) Capabilities(id string) ([]string, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	caps, err := c.orch.Capabilities(id)
	if err != nil {
		return nil, err
	}
	var enabled []string
	for _, key := range backend.SortedCapabilityKeys(caps) {
		if caps[key] {
			enabled = append(enabled, key)
		}
	}
	return enabled, nil
}

func (c *Client) StatusAll() []Snapshot {
	if c.ready() != nil {
		return nil
	}
	return c.orch.StatusAll()
}

// Start starts id. Nil flags use the descriptor's flags.
func (c *Client) Start(ctx context.Context, id string, flags []string, opts StartOptions) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.StartClient(ctx, id, flags, opts)
}

func (c *Client) Stop(ctx context.Context, id string) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.StopClient(ctx, id)
}

func (c *Client) Execute(ctx context.Context, id, command string, opts CommandOptions) (*CommandResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.orch.Execute(ctx, id, command, opts)
}

// Run executes command in a disposable container from a container client's
// image.
func (c *Client) Run(ctx context.Context, id, command string, opts CommandOptions) (*CommandResult, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	return c.orch.Run(ctx, id, command, opts)
}

func (c *Client) Input(id, text string) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.Input(id, text)
}

func (c *Client) WhenState(ctx context.Context, id string, cond Condition) (Snapshot, error) {
	if err := c.ready(); err != nil {
		return Snapshot{}, err
	}
	return c.orch.WhenState(ctx, id, cond)
}

// Cleanup stops every client that is still running and returns how many
// stops were attempted.
func (c *Client) Cleanup(ctx context.Context) int {
	if c.ready() != nil {
		return 0
	}
	return c.orch.Cleanup(ctx)
}

// Close releases the store and the container engine connection. Running
// clients are not stopped.
func (c *Client) Close() error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.orch.Close()
}
