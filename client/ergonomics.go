package client

import (
	"context"
	"errors"
	"strings"

	"github.com/buildkite/clientgrid/internal/clienterr"
)

// ErrorCode is a stable classifier for clientgrid errors.
type ErrorCode string

const (
	ErrorCodeUnknown          ErrorCode = "unknown"
	ErrorCodeCanceled         ErrorCode = "canceled"
	ErrorCodeDeadlineExceeded ErrorCode = "deadline_exceeded"
	ErrorCodeConfiguration    ErrorCode = "configuration"
	ErrorCodeResolution       ErrorCode = "resolution"
	ErrorCodeVerification     ErrorCode = "verification"
	ErrorCodeLaunch           ErrorCode = "launch_failed"
	ErrorCodeNotFound         ErrorCode = "not_found"
	ErrorCodeAlreadyRunning   ErrorCode = "already_running"
	ErrorCodeNotRunning       ErrorCode = "not_running"
	ErrorCodeTimeout          ErrorCode = "timeout"
	ErrorCodeExecFailure      ErrorCode = "exec_failure"
	ErrorCodeUnsupported      ErrorCode = "unsupported"
)

var errorCodes = []struct {
	kind error
	code ErrorCode
}{
	{clienterr.ErrTimeout, ErrorCodeTimeout},
	{clienterr.ErrConfiguration, ErrorCodeConfiguration},
	{clienterr.ErrResolution, ErrorCodeResolution},
	{clienterr.ErrVerification, ErrorCodeVerification},
	{clienterr.ErrLaunch, ErrorCodeLaunch},
	{clienterr.ErrNotFound, ErrorCodeNotFound},
	{clienterr.ErrAlreadyRunning, ErrorCodeAlreadyRunning},
	{clienterr.ErrNotRunning, ErrorCodeNotRunning},
	{clienterr.ErrExecFailure, ErrorCodeExecFailure},
	{clienterr.ErrUnsupported, ErrorCodeUnsupported},
}

// ErrCode classifies err into a stable code. Client error kinds win over
// context errors so a timed out execute reports timeout.
func ErrCode(err error) ErrorCode {
	if err == nil {
		return ErrorCodeUnknown
	}
	for _, entry := range errorCodes {
		if errors.Is(err, entry.kind) {
			return entry.code
		}
	}
	switch {
	case errors.Is(err, context.Canceled):
		return ErrorCodeCanceled
	case errors.Is(err, context.DeadlineExceeded):
		return ErrorCodeDeadlineExceeded
	default:
		return ErrorCodeUnknown
	}
}

// Must returns the client if err is nil; otherwise it panics.
func Must(c *Client, err error) *Client {
	if err != nil {
		panic(err)
	}
	return c
}

// Single binds a Client to one node client so callers do not carry its id.
type Single struct {
	client *Client
	id     string
}

// Single acquires the named client from the catalog and binds to it.
func (c *Client) Single(ctx context.Context, name string, opts GetOptions) (*Single, error) {
	snap, err := c.GetClientByName(ctx, name, opts)
	if err != nil {
		return nil, err
	}
	return &Single{client: c, id: snap.ID}, nil
}

// Bind returns a Single for an already acquired client id.
func (c *Client) Bind(id string) (*Single, error) {
	snap, err := c.Status(strings.TrimSpace(id))
	if err != nil {
		return nil, err
	}
	return &Single{client: c, id: snap.ID}, nil
}

func (s *Single) ID() string {
	return s.id
}

func (s *Single) Info() (Snapshot, error) {
	return s.client.Status(s.id)
}

// Start starts the client with flags, or the descriptor's flags when none
// are given.
func (s *Single) Start(ctx context.Context, flags ...string) (Snapshot, error) {
	return s.client.Start(ctx, s.id, flags, StartOptions{})
}

func (s *Single) Stop(ctx context.Context) (Snapshot, error) {
	return s.client.Stop(ctx, s.id)
}

func (s *Single) Execute(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error) {
	return s.client.Execute(ctx, s.id, command, opts)
}

func (s *Single) Run(ctx context.Context, command string, opts CommandOptions) (*CommandResult, error) {
	return s.client.Run(ctx, s.id, command, opts)
}

func (s *Single) Input(text string) (Snapshot, error) {
	return s.client.Input(s.id, text)
}

// WaitFor blocks until the client reaches state or ctx is done.
func (s *Single) WaitFor(ctx context.Context, state State) (Snapshot, error) {
	return s.client.WhenState(ctx, s.id, Condition{State: state})
}

// WaitForLine blocks until a log line containing substr appears.
func (s *Single) WaitForLine(ctx context.Context, substr string) (Snapshot, error) {
	return s.client.WhenState(ctx, s.id, Condition{Line: func(line string) bool {
		return strings.Contains(line, substr)
	}})
}
