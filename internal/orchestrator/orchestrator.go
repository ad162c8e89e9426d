// Package orchestrator owns the live clients of one host: it turns
// descriptors into registered clients, routes calls to them by id and stops
// them on teardown.
package orchestrator

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"vawter.tech/stopper"

	"github.com/buildkite/clientgrid/internal/artifact"
	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/backend/container"
	"github.com/buildkite/clientgrid/internal/backend/process"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/descriptor"
	"github.com/buildkite/clientgrid/internal/dockerengine"
	"github.com/buildkite/clientgrid/internal/ids"
	"github.com/buildkite/clientgrid/internal/supervisor"
)

const (
	DefaultExecuteTimeout  = 30 * time.Second
	DefaultContainerPrefix = dockerengine.DefaultImagePrefix
	// SharedDataDir is where the host volume is mounted in containers.
	SharedDataDir = "/shared_data"

	recorderBuffer = 256
	recorderGrace  = time.Second
)

// ContainerEngine is the container adapter surface the orchestrator needs on
// top of what container clients use.
type ContainerEngine interface {
	container.Engine
	GetOrCreateImage(ctx context.Context, clientName, specifier string, listener func(backend.ProgressEvent)) (string, error)
	CreateContainer(ctx context.Context, imageName, containerName string, opts dockerengine.ContainerOptions) (*dockerengine.Session, error)
	Close() error
}

var _ ContainerEngine = (*dockerengine.Adapter)(nil)

type Options struct {
	Catalog    *descriptor.Catalog
	Resolver   artifact.Resolver
	Downloader artifact.Downloader
	Verifier   artifact.Verifier
	Supervisor *supervisor.Supervisor
	// Engine is connected lazily; hosts without a container engine only fail
	// when a container client is requested.
	Engine ContainerEngine
	// Store, when set, receives every client's state transitions.
	Store  *clientstore.Store
	Logger *log.Logger

	CacheDir        string
	ContainerPrefix string
	// SharedVolume is bound into every client container. Empty means the
	// working directory mounted at /shared_data.
	SharedVolume   string
	ExecuteTimeout time.Duration
	LogLimit       int
}

type GetOptions struct {
	Version  string
	Platform string
	CacheDir string
	Listener func(backend.ProgressEvent)
}

// Condition is what WhenState waits for: a target state, or the first log
// line accepted by Line.
type Condition struct {
	State clientstate.State
	Line  func(string) bool
}

type entry struct {
	client     backend.Client
	descriptor descriptor.Descriptor
}

type Orchestrator struct {
	catalog         *descriptor.Catalog
	resolver        artifact.Resolver
	downloader      artifact.Downloader
	verifier        artifact.Verifier
	supervisor      *supervisor.Supervisor
	engine          ContainerEngine
	store           *clientstore.Store
	logger          *log.Logger
	cacheDir        string
	containerPrefix string
	sharedVolume    string
	executeTimeout  time.Duration
	logLimit        int

	recorders *stopper.Context

	mu      sync.RWMutex
	clients map[string]*entry
	order   []string
	closed  bool
}

func New(opts Options) (*Orchestrator, error) {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard)
	}
	catalog := opts.Catalog
	if catalog == nil {
		var err error
		catalog, err = descriptor.Default()
		if err != nil {
			return nil, err
		}
	}
	downloader := opts.Downloader
	if downloader == nil {
		downloader = artifact.NewHTTPDownloader(nil)
	}
	resolver := opts.Resolver
	if resolver == nil {
		resolver = artifact.NewResolver(artifact.ResolverOptions{Downloader: downloader, Logger: logger})
	}
	verifier := opts.Verifier
	if verifier == nil {
		verifier = artifact.Ed25519Verifier{}
	}
	sup := opts.Supervisor
	if sup == nil {
		sup = supervisor.New(logger)
	}
	prefix := strings.TrimSpace(opts.ContainerPrefix)
	if prefix == "" {
		prefix = DefaultContainerPrefix
	}
	engine := opts.Engine
	if engine == nil {
		engine = dockerengine.New(dockerengine.Options{ImagePrefix: prefix, Logger: logger})
	}
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		if cwd, err := os.Getwd(); err == nil {
			cacheDir = filepath.Join(cwd, "cache")
		}
	}
	volume := strings.TrimSpace(opts.SharedVolume)
	if volume == "" {
		if cwd, err := os.Getwd(); err == nil {
			volume = cwd + ":" + SharedDataDir
		}
	}
	timeout := opts.ExecuteTimeout
	if timeout == 0 {
		timeout = DefaultExecuteTimeout
	}

	return &Orchestrator{
		catalog:         catalog,
		resolver:        resolver,
		downloader:      downloader,
		verifier:        verifier,
		supervisor:      sup,
		engine:          engine,
		store:           opts.Store,
		logger:          logger,
		cacheDir:        cacheDir,
		containerPrefix: prefix,
		sharedVolume:    volume,
		executeTimeout:  timeout,
		logLimit:        opts.LogLimit,
		recorders:       stopper.WithContext(context.Background()),
		clients:         map[string]*entry{},
	}, nil
}

func (o *Orchestrator) Catalog() *descriptor.Catalog {
	return o.catalog
}

// GetClient prepares backend resources for d and returns the new client's
// snapshot. The client is not started. d is added to the catalog only once
// its backend is ready.
func (o *Orchestrator) GetClient(ctx context.Context, d descriptor.Descriptor, opts GetOptions) (clientstate.Snapshot, error) {
	prepared, err := descriptor.Prepare(d)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	snap, err := o.getClient(ctx, prepared, opts)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	if _, err := o.catalog.Register(prepared); err != nil {
		return clientstate.Snapshot{}, err
	}
	return snap, nil
}

// GetClientByName is GetClient for a descriptor already in the catalog.
func (o *Orchestrator) GetClientByName(ctx context.Context, name string, opts GetOptions) (clientstate.Snapshot, error) {
	d, err := o.catalog.Get(name)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	return o.getClient(ctx, d, opts)
}

func (o *Orchestrator) getClient(ctx context.Context, d descriptor.Descriptor, opts GetOptions) (clientstate.Snapshot, error) {
	kind, err := d.Backend()
	if err != nil {
		return clientstate.Snapshot{}, err
	}

	id := ids.NewClientID()
	logger := o.logger.With("client", d.Name)

	var c backend.Client
	switch kind {
	case clientstate.KindContainer:
		c, err = o.newContainerClient(ctx, id, d, opts, logger)
	case clientstate.KindProcess:
		c, err = o.newProcessClient(ctx, id, d, opts, logger)
	default:
		err = clienterr.Configuration("get client", "unknown backend %q for client %q", kind, d.Name)
	}
	if err != nil {
		return clientstate.Snapshot{}, err
	}

	if err := o.register(d, c); err != nil {
		return clientstate.Snapshot{}, err
	}
	logger.Info("client registered", "client_id", id, "kind", kind)
	return c.Info(), nil
}

func (o *Orchestrator) newContainerClient(ctx context.Context, id string, d descriptor.Descriptor, opts GetOptions, logger *log.Logger) (backend.Client, error) {
	imageName, err := o.engine.GetOrCreateImage(ctx, d.Name, d.Image, opts.Listener)
	if err != nil {
		return nil, err
	}
	logger.Debug("image ready", "image", imageName)

	// Containers are replaced on acquire and kept after stop so they can be
	// inspected.
	session, err := o.engine.CreateContainer(ctx, imageName, o.ContainerName(d.Name), dockerengine.ContainerOptions{
		Overwrite:           true,
		Dispose:             false,
		OverwriteEntrypoint: true,
		Ports:               d.Ports,
		Volume:              o.sharedVolume,
	})
	if err != nil {
		return nil, err
	}

	return container.New(container.Options{
		ID:          id,
		Name:        d.Name,
		ContainerID: session.ContainerID,
		Image:       imageName,
		EntryPoint:  d.EntryPoint,
		Service:     d.Service,
		Engine:      o.engine,
		Logger:      logger,
		LogLimit:    o.logLimit,
	}), nil
}

func (o *Orchestrator) newProcessClient(ctx context.Context, id string, d descriptor.Descriptor, opts GetOptions, logger *log.Logger) (backend.Client, error) {
	cacheDir := strings.TrimSpace(opts.CacheDir)
	if cacheDir == "" {
		cacheDir = o.cacheDir
	}
	if cacheDir != "" {
		if err := os.MkdirAll(cacheDir, 0o755); err != nil {
			return nil, fmt.Errorf("create cache directory %q: %w", cacheDir, err)
		}
	}

	resolved, err := o.resolver.Resolve(ctx, d, artifact.Request{
		Version:  opts.Version,
		Platform: opts.Platform,
		CacheDir: cacheDir,
		Listener: opts.Listener,
	})
	if err != nil {
		return nil, err
	}
	if err := o.verify(ctx, d, resolved); err != nil {
		return nil, err
	}

	return process.New(process.Options{
		ID:         id,
		Name:       d.Name,
		BinaryPath: resolved.FilePath,
		Supervisor: o.supervisor,
		Logger:     logger,
		LogLimit:   o.logLimit,
	}), nil
}

// verify checks the release signature when its metadata names one.
func (o *Orchestrator) verify(ctx context.Context, d descriptor.Descriptor, resolved *artifact.Artifact) error {
	signatureURL := strings.TrimSpace(resolved.Metadata.Signature)
	if signatureURL == "" {
		return nil
	}
	if strings.TrimSpace(d.PublicKey) == "" {
		return clienterr.Verification("verify", d.Name, fmt.Errorf("release %s is signed but the descriptor specifies no public key", resolved.Metadata.FileName))
	}
	signature, err := o.downloader.Download(ctx, signatureURL, nil)
	if err != nil {
		return clienterr.Verification("verify", d.Name, fmt.Errorf("download signature: %w", err))
	}
	result, err := o.verifier.Verify(ctx, resolved.FilePath, d.PublicKey, signature)
	if err != nil {
		return err
	}
	if !result.Valid {
		return clienterr.Verification("verify", d.Name, fmt.Errorf("invalid signature for %s", resolved.FilePath))
	}
	o.logger.Info("release verified", "client", d.Name, "signed_by", result.SignedBy)
	return nil
}

// ContainerName is the engine name used for a client's container.
func (o *Orchestrator) ContainerName(clientName string) string {
	return fmt.Sprintf("%s_%s_container", o.containerPrefix, dockerengine.SanitizeName(clientName))
}

func (o *Orchestrator) register(d descriptor.Descriptor, c backend.Client) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return fmt.Errorf("orchestrator is closed")
	}
	o.clients[c.ID()] = &entry{client: c, descriptor: d}
	o.order = append(o.order, c.ID())
	if o.store != nil {
		o.startRecorderLocked(c)
	}
	return nil
}

func (o *Orchestrator) lookup(op, id string) (*entry, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	e, ok := o.clients[strings.TrimSpace(id)]
	if !ok {
		return nil, clienterr.NotFound(op, id)
	}
	return e, nil
}

func (o *Orchestrator) entries() []*entry {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*entry, 0, len(o.order))
	for _, id := range o.order {
		out = append(out, o.clients[id])
	}
	return out
}

// Client returns the live handle for id.
func (o *Orchestrator) Client(id string) (backend.Client, error) {
	e, err := o.lookup("get client", id)
	if err != nil {
		return nil, err
	}
	return e.client, nil
}

// Descriptor returns the descriptor id was created from.
func (o *Orchestrator) Descriptor(id string) (descriptor.Descriptor, error) {
	e, err := o.lookup("get descriptor", id)
	if err != nil {
		return descriptor.Descriptor{}, err
	}
	return e.descriptor.Clone(), nil
}

func (o *Orchestrator) Status(id string) (clientstate.Snapshot, error) {
	e, err := o.lookup("status", id)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	return e.client.Info(), nil
}

// Capabilities reports which optional operations id supports.
func (o *Orchestrator) Capabilities(id string) (map[string]bool, error) {
	e, err := o.lookup("capabilities", id)
	if err != nil {
		return nil, err
	}
	return backend.CapabilitiesForClient(e.client), nil
}

// StatusAll returns every client's snapshot in registration order.
func (o *Orchestrator) StatusAll() []clientstate.Snapshot {
	entries := o.entries()
	out := make([]clientstate.Snapshot, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.client.Info())
	}
	return out
}

// StartClient starts id with flags, or with the descriptor's flags when
// flags is nil.
func (o *Orchestrator) StartClient(ctx context.Context, id string, flags []string, opts backend.StartOptions) (clientstate.Snapshot, error) {
	e, err := o.lookup("start", id)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	if flags == nil {
		flags = slices.Clone(e.descriptor.Flags)
	}
	if err := e.client.Start(ctx, flags, opts); err != nil {
		return e.client.Info(), err
	}
	return e.client.Info(), nil
}

func (o *Orchestrator) StopClient(ctx context.Context, id string) (clientstate.Snapshot, error) {
	e, err := o.lookup("stop", id)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	if err := e.client.Stop(ctx); err != nil {
		return e.client.Info(), err
	}
	return e.client.Info(), nil
}

func (o *Orchestrator) commandOptions(opts backend.CommandOptions) backend.CommandOptions {
	switch {
	case opts.Timeout == 0:
		opts.Timeout = o.executeTimeout
	case opts.Timeout < 0:
		opts.Timeout = 0
	}
	return opts
}

// Execute runs command on id and returns its output lines. A zero timeout
// takes the orchestrator default; a negative one disables it.
func (o *Orchestrator) Execute(ctx context.Context, id, command string, opts backend.CommandOptions) (*backend.CommandResult, error) {
	e, err := o.lookup("execute", id)
	if err != nil {
		return nil, err
	}
	o.logger.Debug("execute", "client_id", id, "command", command)
	return e.client.Execute(ctx, command, o.commandOptions(opts))
}

// Run executes command in a disposable container from id's image. Only
// container clients support it.
func (o *Orchestrator) Run(ctx context.Context, id, command string, opts backend.CommandOptions) (*backend.CommandResult, error) {
	e, err := o.lookup("run", id)
	if err != nil {
		return nil, err
	}
	runner, ok := e.client.(backend.Runner)
	if !ok {
		return nil, clienterr.Configuration("run", "client %s (%s) does not support run; only container clients do", id, e.client.Kind())
	}
	opts = o.commandOptions(opts)
	if strings.TrimSpace(opts.Volume) == "" {
		opts.Volume = o.sharedVolume
	}
	return runner.Run(ctx, command, opts)
}

func (o *Orchestrator) Input(id, text string) (clientstate.Snapshot, error) {
	e, err := o.lookup("input", id)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	if err := e.client.Input(text); err != nil {
		return e.client.Info(), err
	}
	return e.client.Info(), nil
}

// Cleanup stops every client that is not already stopped, one at a time.
// Individual failures are logged and do not prevent the remaining stops.
// It returns the number of stop attempts.
func (o *Orchestrator) Cleanup(ctx context.Context) int {
	var pending []*entry
	for _, e := range o.entries() {
		if e.client.Info().State != clientstate.StateStopped {
			pending = append(pending, e)
		}
	}
	o.logger.Info("stopping clients", "count", len(pending))

	for _, e := range pending {
		snap := e.client.Info()
		o.logger.Info("stopping client", "client_id", snap.ID, "kind", snap.Kind, "state", snap.State)
		if err := e.client.Stop(ctx); err != nil {
			o.logger.Error("stop failed", "client_id", snap.ID, "error", err)
			continue
		}
		o.logger.Info("client stopped", "client_id", snap.ID)
	}
	return len(pending)
}

// Close stops the recorders, writes each client's final snapshot and closes
// the store and the container engine. It does not stop clients; call
// Cleanup first.
func (o *Orchestrator) Close() error {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return nil
	}
	o.closed = true
	o.mu.Unlock()

	o.recorders.Stop(recorderGrace)
	if err := o.recorders.Wait(); err != nil {
		o.logger.Warn("recorders stopped with error", "error", err)
	}

	var errs []error
	if o.store != nil {
		ctx := context.Background()
		for _, e := range o.entries() {
			if err := o.store.Put(ctx, clientstore.RecordFromSnapshot(e.client.Info())); err != nil {
				errs = append(errs, err)
			}
		}
		if err := o.store.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if err := o.engine.Close(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("close orchestrator: %v", errs)
	}
	return nil
}
