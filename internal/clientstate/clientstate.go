// Package clientstate holds the lifecycle state, readiness fields and log
// history shared by every client backend.
package clientstate

import (
	"strings"
	"sync"
	"time"

	"github.com/buildkite/clientgrid/internal/readiness"
)

type State string

const (
	StateInit         State = "INIT"
	StateStarted      State = "STARTED"
	StateStopped      State = "STOPPED"
	StateIPCReady     State = "IPC_READY"
	StateHTTPRPCReady State = "HTTP_RPC_READY"
	StateError        State = "ERROR"
)

func ParseState(raw string) (State, bool) {
	switch State(strings.ToUpper(strings.TrimSpace(raw))) {
	case StateInit:
		return StateInit, true
	case StateStarted:
		return StateStarted, true
	case StateStopped:
		return StateStopped, true
	case StateIPCReady:
		return StateIPCReady, true
	case StateHTTPRPCReady:
		return StateHTTPRPCReady, true
	case StateError:
		return StateError, true
	}
	return "", false
}

type Kind string

const (
	KindProcess   Kind = "process"
	KindContainer Kind = "container"
)

const DefaultLogLimit = 1000

// Snapshot is a detached copy of a client's observable state. Timestamps are
// unix milliseconds and zero means unset.
type Snapshot struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Kind       Kind     `json:"kind"`
	State      State    `json:"state"`
	Started    int64    `json:"started"`
	Stopped    int64    `json:"stopped"`
	IPC        string   `json:"ipc,omitempty"`
	RPCURL     string   `json:"rpc_url,omitempty"`
	Locator    string   `json:"locator,omitempty"`
	BinaryPath string   `json:"binary_path,omitempty"`
	Logs       []string `json:"logs"`

	// runLogs counts the trailing Logs entries written since the latest
	// MarkStarted.
	runLogs int
}

// RunLogs returns the log lines written since the latest start. Lines from
// earlier runs are excluded.
func (s Snapshot) RunLogs() []string {
	n := min(s.runLogs, len(s.Logs))
	return s.Logs[len(s.Logs)-n:]
}

type EventType string

const (
	EventState EventType = "state"
	EventLog   EventType = "log"
)

type Event struct {
	ClientID string
	Type     EventType
	State    State
	Line     string
	At       time.Time
}

var now = time.Now

type Options struct {
	ID         string
	Name       string
	Kind       Kind
	LogLimit   int
	Classifier readiness.Classifier
}

// Machine tracks one client handle. Transitions happen only through its
// methods; subscribers observe them as events in the order they occurred.
type Machine struct {
	mu         sync.Mutex
	snap       Snapshot
	logLimit   int
	classifier readiness.Classifier

	subscribers map[int]chan Event
	nextSubID   int
}

func New(opts Options) *Machine {
	limit := opts.LogLimit
	if limit <= 0 {
		limit = DefaultLogLimit
	}
	classifier := opts.Classifier
	if classifier == nil {
		classifier = readiness.Classify
	}
	return &Machine{
		snap: Snapshot{
			ID:    opts.ID,
			Name:  opts.Name,
			Kind:  opts.Kind,
			State: StateInit,
		},
		logLimit:    limit,
		classifier:  classifier,
		subscribers: map[int]chan Event{},
	}
}

func (m *Machine) ID() string {
	return m.snap.ID
}

func (m *Machine) Name() string {
	return m.snap.Name
}

func (m *Machine) Kind() Kind {
	return m.snap.Kind
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snap.State
}

// MarkStarted begins a new run. Readiness fields from a previous run are
// cleared and started is guaranteed to be greater than its previous value.
func (m *Machine) MarkStarted() {
	m.mu.Lock()
	defer m.mu.Unlock()

	started := now().UnixMilli()
	if started <= m.snap.Started {
		started = m.snap.Started + 1
	}
	m.snap.Started = started
	m.snap.Stopped = 0
	m.snap.IPC = ""
	m.snap.RPCURL = ""
	m.snap.runLogs = 0
	m.transitionLocked(StateStarted)
}

func (m *Machine) MarkStopped() {
	m.mu.Lock()
	defer m.mu.Unlock()

	stopped := now().UnixMilli()
	if stopped < m.snap.Started {
		stopped = m.snap.Started
	}
	if stopped == 0 {
		stopped = 1
	}
	m.snap.Stopped = stopped
	m.transitionLocked(StateStopped)
}

// MarkError moves the client to ERROR. The cause is recorded in the log
// history.
func (m *Machine) MarkError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err != nil {
		m.appendLogLocked("error: " + err.Error())
	}
	m.transitionLocked(StateError)
}

// IngestLine records one line of client output and applies readiness
// detection to it.
func (m *Machine) IngestLine(line string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.publishLocked(Event{ClientID: m.snap.ID, Type: EventLog, Line: line, At: now()})
	m.appendLogLocked(line)

	signal, ok := m.classifier(line)
	if !ok {
		return
	}
	switch signal.Kind {
	case readiness.KindIPC:
		if m.snap.IPC != "" {
			return
		}
		m.snap.IPC = signal.Value
		if m.snap.State == StateStarted {
			m.transitionLocked(StateIPCReady)
		}
	case readiness.KindHTTP:
		if m.snap.RPCURL == "" {
			m.snap.RPCURL = signal.Value
		}
	}
}

func (m *Machine) SetLocator(locator string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.Locator = locator
}

func (m *Machine) SetBinaryPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snap.BinaryPath = path
}

func (m *Machine) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.snap
	out.Logs = append([]string(nil), m.snap.Logs...)
	return out
}

// Subscribe registers for state and log events. A subscriber that falls
// more than buffer events behind is closed and dropped. The returned
// function unsubscribes and may be called more than once.
func (m *Machine) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	updates := make(chan Event, buffer)
	subID := m.nextSubID
	m.nextSubID++
	m.subscribers[subID] = updates

	unsubscribe := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		ch, ok := m.subscribers[subID]
		if !ok {
			return
		}
		delete(m.subscribers, subID)
		close(ch)
	}
	return updates, unsubscribe
}

func (m *Machine) transitionLocked(state State) {
	m.snap.State = state
	m.publishLocked(Event{ClientID: m.snap.ID, Type: EventState, State: state, At: now()})
}

func (m *Machine) publishLocked(event Event) {
	for id, ch := range m.subscribers {
		select {
		case ch <- event:
		default:
			close(ch)
			delete(m.subscribers, id)
		}
	}
}

func (m *Machine) appendLogLocked(line string) {
	m.snap.Logs = appendBounded(m.snap.Logs, line, m.logLimit)
	m.snap.runLogs = min(m.snap.runLogs+1, len(m.snap.Logs))
}

func appendBounded[T any](history []T, item T, limit int) []T {
	if limit <= 0 {
		return nil
	}
	history = append(history, item)
	if len(history) <= limit {
		return history
	}
	trimmed := make([]T, limit)
	copy(trimmed, history[len(history)-limit:])
	return trimmed
}
