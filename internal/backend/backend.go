package backend

import (
	"context"
	"sort"
	"time"

	"github.com/buildkite/clientgrid/internal/clientstate"
)

const (
	CapabilityClientRun     = "client.run"
	CapabilityClientInput   = "client.input"
	CapabilityClientService = "client.service"
)

var knownCapabilityKeys = []string{
	CapabilityClientRun,
	CapabilityClientInput,
	CapabilityClientService,
}

// Stdio selects how a client's standard streams are wired.
type Stdio string

const (
	// StdioPipe captures output for readiness detection and exposes an input
	// channel.
	StdioPipe Stdio = "pipe"
	// StdioInherit mirrors output to the host terminal while still feeding
	// the log interceptor.
	StdioInherit Stdio = "inherit"
)

func (s Stdio) OrDefault() Stdio {
	if s == "" {
		return StdioPipe
	}
	return s
}

// Client is the contract every backend variant implements. The set of
// variants is closed: process and container.
type Client interface {
	ID() string
	Kind() clientstate.Kind
	Info() clientstate.Snapshot
	Start(ctx context.Context, flags []string, opts StartOptions) error
	Stop(ctx context.Context) error
	Execute(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error)
	Input(text string) error
	Subscribe(buffer int) (<-chan clientstate.Event, func())
}

// Runner is implemented by backends that can run a disposable one-off
// command against the client's image.
type Runner interface {
	Run(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error)
}

// CapabilityReporter allows backends to publish backend-specific capability
// flags in a machine-readable form.
type CapabilityReporter interface {
	Capabilities() map[string]bool
}

type StartOptions struct {
	Stdio    Stdio
	Listener func(ProgressEvent)
}

type CommandOptions struct {
	Stdio          Stdio
	UseBash        bool
	SkipEntrypoint bool
	Timeout        time.Duration
	Volume         string
}

type CommandResult struct {
	ExitCode int
	Lines    []string
}

type ProgressKind string

const (
	ProgressStartStarted  ProgressKind = "start_started"
	ProgressStartFinished ProgressKind = "start_finished"
	ProgressPullStarted   ProgressKind = "pull_started"
	ProgressPullProgress  ProgressKind = "pull_progress"
	ProgressPullFinished  ProgressKind = "pull_finished"
	ProgressBuildLog      ProgressKind = "build_log"
	ProgressDownload      ProgressKind = "download_progress"
)

type ProgressEvent struct {
	Kind     ProgressKind
	Name     string
	Flags    []string
	ID       string
	Status   string
	Progress float64
	Message  string
}

// Emit calls listener when it is set.
func Emit(listener func(ProgressEvent), event ProgressEvent) {
	if listener != nil {
		listener(event)
	}
}

// CapabilitiesForClient returns a merged capability map for the client.
//
// Baseline capabilities are inferred from backend interfaces:
// - Runner => client.run
//
// Additional backend-specific capabilities can be provided by implementing
// CapabilityReporter.
func CapabilitiesForClient(client Client) map[string]bool {
	caps := make(map[string]bool, len(knownCapabilityKeys))
	for _, key := range knownCapabilityKeys {
		caps[key] = false
	}

	if client == nil {
		return caps
	}
	caps[CapabilityClientInput] = true
	if _, ok := client.(Runner); ok {
		caps[CapabilityClientRun] = true
	}

	if reporter, ok := client.(CapabilityReporter); ok {
		for key, value := range reporter.Capabilities() {
			caps[key] = value
		}
	}

	return caps
}

// SortedCapabilityKeys returns deterministic capability keys for presentation.
func SortedCapabilityKeys(caps map[string]bool) []string {
	keys := make([]string, 0, len(caps))
	for key := range caps {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

type DoctorReport struct {
	Backend string        `json:"backend"`
	Checks  []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // pass|warn|fail
	Message string `json:"message"`
}

// Doctor is implemented by components that can diagnose their host
// prerequisites.
type Doctor interface {
	Doctor(ctx context.Context) (*DoctorReport, error)
}
