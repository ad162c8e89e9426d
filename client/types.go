package client

import (
	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/descriptor"
	"github.com/buildkite/clientgrid/internal/orchestrator"
)

type Descriptor = descriptor.Descriptor
type Filter = descriptor.Filter

type Snapshot = clientstate.Snapshot

type State = clientstate.State

const (
	StateInit         = clientstate.StateInit
	StateStarted      = clientstate.StateStarted
	StateStopped      = clientstate.StateStopped
	StateIPCReady     = clientstate.StateIPCReady
	StateHTTPRPCReady = clientstate.StateHTTPRPCReady
	StateError        = clientstate.StateError
)

type Kind = clientstate.Kind

const (
	KindProcess   = clientstate.KindProcess
	KindContainer = clientstate.KindContainer
)

type Stdio = backend.Stdio

const (
	StdioPipe    = backend.StdioPipe
	StdioInherit = backend.StdioInherit
)

type StartOptions = backend.StartOptions
type CommandOptions = backend.CommandOptions
type CommandResult = backend.CommandResult
type ProgressEvent = backend.ProgressEvent
type ProgressKind = backend.ProgressKind

type GetOptions = orchestrator.GetOptions
type Condition = orchestrator.Condition

const (
	ProgressStartStarted  = backend.ProgressStartStarted
	ProgressStartFinished = backend.ProgressStartFinished
	ProgressPullStarted   = backend.ProgressPullStarted
	ProgressPullProgress  = backend.ProgressPullProgress
	ProgressPullFinished  = backend.ProgressPullFinished
	ProgressBuildLog      = backend.ProgressBuildLog
	ProgressDownload      = backend.ProgressDownload
)
