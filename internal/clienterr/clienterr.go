package clienterr

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Error kinds. Every error returned by clientgrid operations matches exactly
// one of these with errors.Is.
var (
	ErrConfiguration  = errors.New("client configuration invalid")
	ErrResolution     = errors.New("client artifact could not be resolved")
	ErrVerification   = errors.New("client artifact verification failed")
	ErrLaunch         = errors.New("client launch failed")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("client already running")
	ErrTimeout        = errors.New("deadline exceeded")
	ErrExecFailure    = errors.New("exec failed")
	ErrNotRunning     = errors.New("client not running")
	ErrUnsupported    = errors.New("operation not supported by backend")
)

var kinds = []error{
	ErrConfiguration,
	ErrResolution,
	ErrVerification,
	ErrLaunch,
	ErrNotFound,
	ErrAlreadyRunning,
	ErrTimeout,
	ErrExecFailure,
	ErrNotRunning,
	ErrUnsupported,
}

// Error attaches an operation and subject id to one of the error kinds.
type Error struct {
	Kind error
	Op   string
	ID   string
	Err  error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
	}
	if e.ID != "" {
		if b.Len() > 0 {
			b.WriteByte(' ')
		}
		fmt.Fprintf(&b, "%q", e.ID)
	}
	if b.Len() > 0 {
		b.WriteString(": ")
	}
	switch {
	case e.Err != nil && e.Kind != nil:
		fmt.Fprintf(&b, "%v: %v", e.Kind, e.Err)
	case e.Err != nil:
		b.WriteString(e.Err.Error())
	case e.Kind != nil:
		b.WriteString(e.Kind.Error())
	default:
		b.WriteString("unknown error")
	}
	return b.String()
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	out := make([]error, 0, 2)
	if e.Kind != nil {
		out = append(out, e.Kind)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}

func New(kind error, op, id string, err error) error {
	return &Error{Kind: kind, Op: op, ID: id, Err: err}
}

func Configuration(op string, format string, args ...any) error {
	return &Error{Kind: ErrConfiguration, Op: op, Err: fmt.Errorf(format, args...)}
}

func Resolution(op, id string, err error) error {
	return &Error{Kind: ErrResolution, Op: op, ID: id, Err: err}
}

func Verification(op, id string, err error) error {
	return &Error{Kind: ErrVerification, Op: op, ID: id, Err: err}
}

func Launch(op, id string, err error) error {
	return &Error{Kind: ErrLaunch, Op: op, ID: id, Err: err}
}

func NotFound(op, id string) error {
	return &Error{Kind: ErrNotFound, Op: op, ID: id}
}

func AlreadyRunning(op, id string) error {
	return &Error{Kind: ErrAlreadyRunning, Op: op, ID: id}
}

func NotRunning(op, id string) error {
	return &Error{Kind: ErrNotRunning, Op: op, ID: id}
}

func ExecFailure(op, id string, err error) error {
	return &Error{Kind: ErrExecFailure, Op: op, ID: id, Err: err}
}

func Unsupported(op, id string, err error) error {
	return &Error{Kind: ErrUnsupported, Op: op, ID: id, Err: err}
}

// TimeoutError reports an operation that exceeded its deadline. Output holds
// whatever the operation produced before it was cancelled.
type TimeoutError struct {
	Op      string
	ID      string
	Timeout time.Duration
	Output  []string
}

func (e *TimeoutError) Error() string {
	subject := e.Op
	if e.ID != "" {
		subject = fmt.Sprintf("%s %q", e.Op, e.ID)
	}
	return fmt.Sprintf("%s: %v after %s (%d output lines collected)", subject, ErrTimeout, e.Timeout, len(e.Output))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrTimeout
}

// Kind returns the error kind carried by err, or nil if err is not one of
// ours.
func Kind(err error) error {
	if err == nil {
		return nil
	}
	for _, kind := range kinds {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}
