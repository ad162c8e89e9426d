package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/charmbracelet/log"
	"github.com/dustin/go-humanize"
	"github.com/google/renameio/v2"

	"github.com/buildkite/clientgrid/client"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/descriptor"
	"github.com/buildkite/clientgrid/internal/runtimeconfig"
)

const cleanupTimeout = 30 * time.Second

type runtimeContext struct {
	CWD        string
	Stdout     io.Writer
	Stderr     io.Writer
	Config     runtimeconfig.Config
	ConfigPath string
}

type CLI struct {
	List   ListCommand   `cmd:"" help:"List the clients in the catalog"`
	Start  StartCommand  `cmd:"" help:"Start a client and keep it running until interrupted"`
	Exec   ExecCommand   `cmd:"" help:"Execute a command with a client"`
	Run    RunCommand    `cmd:"" help:"Run a command in a disposable container from a client's image"`
	Status StatusCommand `cmd:"" help:"Show recorded clients and their state history"`
	Doctor DoctorCommand `cmd:"" help:"Run environment diagnostics"`
	Config ConfigCommand `cmd:"" help:"Runtime configuration commands"`
}

type ListCommand struct {
	JSON bool `help:"Print descriptors as JSON"`
}

type AcquireFlags struct {
	LogLevel string `help:"Log level (debug|info|warn|error)"`
	Version  string `help:"Release version to resolve (latest, cache or a version)"`
	Platform string `help:"Release platform (defaults to this host)"`
}

type StartCommand struct {
	AcquireFlags

	Wait    string        `enum:"none,started,ipc,rpc" default:"ipc" help:"Readiness to wait for (none|started|ipc|rpc)"`
	Timeout time.Duration `default:"2m" help:"How long to wait for readiness"`
	Inherit bool          `help:"Mirror client output to this terminal"`

	Name  string   `arg:"" help:"Client name from the catalog"`
	Flags []string `arg:"" optional:"" passthrough:"" help:"Client flags (default: the descriptor's flags)"`
}

type CommandFlags struct {
	AcquireFlags

	Bash    bool          `help:"Run the command through /bin/sh -c"`
	TTY     bool          `help:"Attach the command to this terminal"`
	Timeout time.Duration `help:"Command timeout (default from runtime config)"`
}

type ExecCommand struct {
	CommandFlags

	SkipEntrypoint bool `help:"Do not prefix container commands with the entry point"`

	Name    string   `arg:"" help:"Client name from the catalog"`
	Command []string `arg:"" passthrough:"" required:"" help:"Command to execute"`
}

type RunCommand struct {
	CommandFlags

	Volume string `help:"Bind mount for the container (host:container)"`

	Name    string   `arg:"" help:"Container client name from the catalog"`
	Command []string `arg:"" passthrough:"" required:"" help:"Command to run"`
}

type StatusCommand struct {
	JSON bool   `help:"Print records as JSON"`
	ID   string `arg:"" optional:"" help:"Client ID whose state history to show"`
}

type DoctorCommand struct {
	JSON bool `help:"Print doctor report as JSON"`
}

type ConfigCommand struct {
	Init ConfigInitCommand `cmd:"" help:"Write the default runtime config"`
}

type ConfigInitCommand struct {
	Path  string `help:"Config path (default: $XDG_CONFIG_HOME/clientgrid/config.yaml)"`
	Force bool   `help:"Overwrite an existing config file"`
}

type exitCodeError struct {
	code int
}

func (e exitCodeError) Error() string {
	return fmt.Sprintf("command failed with exit code %d", e.code)
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

type hasExitCode interface {
	ExitCode() int
}

var (
	newSignalChannel = func() chan os.Signal {
		return make(chan os.Signal, 2)
	}
	notifySignals = func(ch chan os.Signal, sig ...os.Signal) {
		signal.Notify(ch, sig...)
	}
	stopSignals = func(ch chan os.Signal) {
		signal.Stop(ch)
	}
	newClient = func(cfg runtimeconfig.Config, logger *log.Logger) (*client.Client, error) {
		return client.NewFromConfig(cfg, client.WithLogger(logger))
	}
)

func newParser(c *CLI) (*kong.Kong, error) {
	return kong.New(
		c,
		kong.Name("clientgrid"),
		kong.Description("Run node clients locally as processes or containers"),
	)
}

func Run(args []string) error {
	cfg, cfgPath, err := runtimeconfig.Load()
	if err != nil {
		return err
	}
	cwd, err := os.Getwd()
	if err != nil {
		return err
	}

	cli := CLI{}
	parser, err := newParser(&cli)
	if err != nil {
		return err
	}
	ctx, err := parser.Parse(args)
	if err != nil {
		return err
	}
	return ctx.Run(&runtimeContext{
		CWD:        cwd,
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		Config:     cfg,
		ConfigPath: cfgPath,
	})
}

func ExitCode(err error) int {
	var codeErr hasExitCode
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return 1
}

func (l *ListCommand) Run(ctx *runtimeContext) error {
	catalog, err := descriptor.LoadCatalog(ctx.Config.Clients.Catalog)
	if err != nil {
		return err
	}
	descriptors := catalog.List()
	if l.JSON {
		enc := json.NewEncoder(ctx.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(descriptors)
	}
	_, err = io.WriteString(ctx.Stdout, renderCatalog(descriptors))
	return err
}

// session is one command's client set. close stops whatever the command
// started and releases the client.
type session struct {
	client *client.Client
	logger *log.Logger
	ctx    context.Context
	cancel context.CancelFunc
	stop   func()
}

func openSession(rt *runtimeContext, rawLevel, component string) (*session, error) {
	level := rawLevel
	if strings.TrimSpace(level) == "" {
		level = rt.Config.LogLevel
	}
	logger, err := newLogger(rt.Stderr, level, component)
	if err != nil {
		return nil, err
	}
	c, err := newClient(rt.Config, logger)
	if err != nil {
		return nil, err
	}
	signalCtx, stop := withSignalCancel(context.Background(), logger)
	ctx, cancel := context.WithCancel(signalCtx)
	return &session{client: c, logger: logger, ctx: ctx, cancel: cancel, stop: stop}, nil
}

// close keeps signal handling installed until cleanup returns, so a repeated
// interrupt cannot kill the process with clients still running.
func (s *session) close() {
	defer s.stop()
	s.cancel()
	cleanupCtx, cancel := context.WithTimeout(context.Background(), cleanupTimeout)
	defer cancel()
	if n := s.client.Cleanup(cleanupCtx); n > 0 {
		s.logger.Info("stopped clients", "count", n)
	}
	if err := s.client.Close(); err != nil {
		s.logger.Warn("close failed", "error", err)
	}
}

// withSignalCancel cancels the returned context on SIGINT or SIGTERM so the
// command unwinds into its cleanup. Later signals are absorbed until stop.
func withSignalCancel(parent context.Context, logger *log.Logger) (context.Context, func()) {
	ctx, cancel := context.WithCancel(parent)
	ch := newSignalChannel()
	notifySignals(ch, os.Interrupt, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		stopping := false
		for {
			select {
			case sig := <-ch:
				if stopping {
					logger.Warn("cleanup in progress; ignoring signal", "signal", sig.String())
					continue
				}
				stopping = true
				logger.Warn("received signal; stopping clients", "signal", sig.String())
				cancel()
			case <-done:
				return
			}
		}
	}()
	var once sync.Once
	return ctx, func() {
		once.Do(func() {
			stopSignals(ch)
			close(done)
			cancel()
		})
	}
}

func (f AcquireFlags) getOptions(logger *log.Logger) client.GetOptions {
	return client.GetOptions{
		Version:  f.Version,
		Platform: f.Platform,
		Listener: progressLogger(logger),
	}
}

func waitState(raw string) (client.State, bool) {
	switch raw {
	case "started":
		return client.StateStarted, true
	case "ipc":
		return client.StateIPCReady, true
	case "rpc":
		return client.StateHTTPRPCReady, true
	default:
		return "", false
	}
}

func (s *StartCommand) Run(rt *runtimeContext) error {
	sess, err := openSession(rt, s.LogLevel, "start")
	if err != nil {
		return err
	}
	defer sess.close()

	snap, err := sess.client.GetClientByName(sess.ctx, s.Name, s.getOptions(sess.logger))
	if err != nil {
		return err
	}
	if shouldShowStartupHeader(rt.Stderr) {
		caps, _ := sess.client.Capabilities(snap.ID)
		_ = writeStartupHeader(rt.Stderr, startupHeader{
			Title: "clientgrid start",
			Fields: []startupField{
				{Key: "client", Value: snap.Name},
				{Key: "id", Value: snap.ID},
				{Key: "kind", Value: string(snap.Kind)},
				{Key: "binary", Value: snap.BinaryPath},
				{Key: "container", Value: containerLocator(snap)},
				{Key: "capabilities", Value: strings.Join(caps, ", ")},
			},
		}, shouldUseANSI(rt.Stderr))
	}

	var flags []string
	if len(s.Flags) > 0 {
		flags = s.Flags
	}
	opts := client.StartOptions{Listener: progressLogger(sess.logger)}
	if s.Inherit {
		opts.Stdio = client.StdioInherit
	}
	if _, err := sess.client.Start(sess.ctx, snap.ID, flags, opts); err != nil {
		return err
	}

	if target, ok := waitState(s.Wait); ok {
		waitCtx, cancel := context.WithTimeout(sess.ctx, s.Timeout)
		ready, err := sess.client.WhenState(waitCtx, snap.ID, client.Condition{State: target})
		cancel()
		if err != nil {
			return fmt.Errorf("wait for %s: %w", target, err)
		}
		sess.logger.Info("client ready", "client_id", ready.ID, "state", ready.State, "ipc", ready.IPC, "rpc_url", ready.RPCURL)
		if _, err := io.WriteString(rt.Stdout, renderSnapshot(ready)); err != nil {
			return err
		}
	}

	failed := make(chan client.Snapshot, 1)
	go func() {
		snap, err := sess.client.WhenState(sess.ctx, snap.ID, client.Condition{State: client.StateError})
		if err == nil {
			failed <- snap
		}
	}()
	select {
	case <-sess.ctx.Done():
		return nil
	case snap := <-failed:
		return fmt.Errorf("client %s entered %s", snap.ID, snap.State)
	}
}

func (f CommandFlags) commandOptions() client.CommandOptions {
	opts := client.CommandOptions{UseBash: f.Bash, Timeout: f.Timeout}
	if f.TTY {
		opts.Stdio = client.StdioInherit
	}
	return opts
}

func (e *ExecCommand) Run(rt *runtimeContext) error {
	sess, err := openSession(rt, e.LogLevel, "exec")
	if err != nil {
		return err
	}
	defer sess.close()

	snap, err := sess.client.GetClientByName(sess.ctx, e.Name, e.getOptions(sess.logger))
	if err != nil {
		return err
	}
	opts := e.commandOptions()
	opts.SkipEntrypoint = e.SkipEntrypoint
	result, err := sess.client.Execute(sess.ctx, snap.ID, strings.Join(e.Command, " "), opts)
	if err != nil {
		return err
	}
	return writeResult(rt.Stdout, result)
}

func (r *RunCommand) Run(rt *runtimeContext) error {
	sess, err := openSession(rt, r.LogLevel, "run")
	if err != nil {
		return err
	}
	defer sess.close()

	snap, err := sess.client.GetClientByName(sess.ctx, r.Name, r.getOptions(sess.logger))
	if err != nil {
		return err
	}
	opts := r.commandOptions()
	opts.Volume = r.Volume
	result, err := sess.client.Run(sess.ctx, snap.ID, strings.Join(r.Command, " "), opts)
	if err != nil {
		return err
	}
	return writeResult(rt.Stdout, result)
}

func writeResult(w io.Writer, result *client.CommandResult) error {
	for _, line := range result.Lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	if result.ExitCode != 0 {
		return exitCodeError{code: result.ExitCode}
	}
	return nil
}

func (s *StatusCommand) Run(rt *runtimeContext) error {
	path := strings.TrimSpace(rt.Config.Store.Path)
	if path == "" || path == runtimeconfig.StoreDisabled {
		return errors.New("the client store is disabled in the runtime config")
	}
	ctx := context.Background()
	store, err := clientstore.Open(ctx, path)
	if err != nil {
		return err
	}
	defer store.Close()

	if id := strings.TrimSpace(s.ID); id != "" {
		record, ok, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		if !ok {
			return clienterr.NotFound("status", id)
		}
		history, err := store.History(ctx, id)
		if err != nil {
			return err
		}
		if s.JSON {
			return encodeJSON(rt.Stdout, map[string]any{"client": record, "history": history})
		}
		_, err = io.WriteString(rt.Stdout, renderHistory(record, history))
		return err
	}

	records, err := store.List(ctx)
	if err != nil {
		return err
	}
	if s.JSON {
		return encodeJSON(rt.Stdout, records)
	}
	if len(records) == 0 {
		_, err := fmt.Fprintf(rt.Stdout, "no clients recorded in %s\n", path)
		return err
	}
	_, err = io.WriteString(rt.Stdout, renderRecords(records, time.Now()))
	return err
}

func (d *DoctorCommand) Run(rt *runtimeContext) error {
	logger, err := newLogger(rt.Stderr, rt.Config.LogLevel, "doctor")
	if err != nil {
		return err
	}
	c, err := newClient(rt.Config, logger)
	if err != nil {
		return err
	}
	defer c.Close()

	checks := []client.DoctorCheck{
		{Name: "runtime_config", Status: "pass", Message: fmt.Sprintf("using runtime config path %s", rt.ConfigPath)},
		{Name: "catalog", Status: "pass", Message: fmt.Sprintf("%d clients: %s", len(c.Clients()), strings.Join(c.Clients(), ", "))},
	}
	if path := rt.Config.Store.Path; path == runtimeconfig.StoreDisabled {
		checks = append(checks, client.DoctorCheck{Name: "client_store", Status: "warn", Message: "client store disabled"})
	} else {
		checks = append(checks, client.DoctorCheck{Name: "client_store", Status: "pass", Message: "client store " + path})
	}
	report, err := c.Doctor(context.Background())
	if err != nil {
		return err
	}
	checks = append(checks, report...)

	if d.JSON {
		return encodeJSON(rt.Stdout, map[string]any{"checks": checks})
	}
	_, err = io.WriteString(rt.Stdout, renderDoctorReport("clientgrid", checks, shouldUseANSI(rt.Stdout)))
	return err
}

func (c *ConfigInitCommand) Run(rt *runtimeContext) error {
	path := strings.TrimSpace(c.Path)
	if path == "" {
		var err error
		path, err = runtimeconfig.Path()
		if err != nil {
			return err
		}
	} else if !filepath.IsAbs(path) {
		path = filepath.Join(rt.CWD, path)
	}

	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("runtime config %s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("stat %s: %w", path, err)
	}

	defaults, err := runtimeconfig.Defaults()
	if err != nil {
		return err
	}
	b, err := runtimeconfig.Marshal(defaults)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}
	if err := renameio.WriteFile(path, b, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	_, err = fmt.Fprintf(rt.Stdout, "wrote runtime config to %s\n", path)
	return err
}

func encodeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func containerLocator(snap client.Snapshot) string {
	if snap.Kind != client.KindContainer {
		return ""
	}
	return snap.Locator
}

func newLogger(w io.Writer, rawLevel, component string) (*log.Logger, error) {
	levelName := strings.TrimSpace(strings.ToLower(rawLevel))
	if levelName == "" {
		levelName = "info"
	}
	level, err := log.ParseLevel(levelName)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", rawLevel, err)
	}
	if w == nil {
		w = os.Stderr
	}
	logger := log.NewWithOptions(w, log.Options{
		Level:     level,
		Formatter: log.TextFormatter,
	})
	applyPolishedLoggerStyles(logger, shouldUseANSI(w))
	return logger.With("component", component), nil
}

func humanizeAge(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	return humanize.RelTime(at, now, "ago", "from now")
}
