package cli

import (
	"errors"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/clientgrid/client"
)

func parseForTest(t *testing.T, args ...string) (*CLI, error) {
	t.Helper()
	c := &CLI{}
	parser, err := newParser(c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	_, err = parser.Parse(args)
	return c, err
}

func TestExecCommandRequiresArgs(t *testing.T) {
	t.Parallel()

	_, err := parseForTest(t, "exec", "geth")
	if err == nil {
		t.Fatal("expected parse error for missing exec command")
	}
	if !strings.Contains(err.Error(), "<command>") {
		t.Fatalf("expected missing command parse error, got %v", err)
	}
}

func TestExecCommandPassesFlagsThrough(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "exec", "--bash", "--timeout", "5s", "geth", "version", "--verbose")
	if err != nil {
		t.Fatalf("parse exec returned error: %v", err)
	}
	if got, want := c.Exec.Command, []string{"version", "--verbose"}; !slices.Equal(got, want) {
		t.Fatalf("unexpected command: got %q want %q", got, want)
	}
	opts := c.Exec.commandOptions()
	if !opts.UseBash || opts.Timeout != 5*time.Second {
		t.Fatalf("unexpected command options: %+v", opts)
	}
}

func TestStartCommandDefaults(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "start", "geth")
	if err != nil {
		t.Fatalf("parse start returned error: %v", err)
	}
	if got, want := c.Start.Wait, "ipc"; got != want {
		t.Fatalf("unexpected wait default: got %q want %q", got, want)
	}
	if got, want := c.Start.Timeout, 2*time.Minute; got != want {
		t.Fatalf("unexpected timeout default: got %s want %s", got, want)
	}
	if len(c.Start.Flags) != 0 {
		t.Fatalf("expected no flags, got %q", c.Start.Flags)
	}
}

func TestStartCommandPassesClientFlagsThrough(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "start", "--wait", "rpc", "geth", "--dev", "--http")
	if err != nil {
		t.Fatalf("parse start returned error: %v", err)
	}
	if got, want := c.Start.Flags, []string{"--dev", "--http"}; !slices.Equal(got, want) {
		t.Fatalf("unexpected client flags: got %q want %q", got, want)
	}
	if got, ok := waitState(c.Start.Wait); !ok || got != client.StateHTTPRPCReady {
		t.Fatalf("unexpected wait state: %q %v", got, ok)
	}
}

func TestStartCommandRejectsUnknownWait(t *testing.T) {
	t.Parallel()

	if _, err := parseForTest(t, "start", "--wait", "synced", "geth"); err == nil {
		t.Fatal("expected parse error for unknown wait target")
	}
}

func TestStatusCommandIDIsOptional(t *testing.T) {
	t.Parallel()

	c, err := parseForTest(t, "status")
	if err != nil {
		t.Fatalf("parse status returned error: %v", err)
	}
	if c.Status.ID != "" {
		t.Fatalf("expected empty id, got %q", c.Status.ID)
	}
}

func TestExitCode(t *testing.T) {
	t.Parallel()

	if got := ExitCode(exitCodeError{code: 3}); got != 3 {
		t.Fatalf("unexpected exit code: got %d want 3", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("unexpected exit code for plain error: got %d want 1", got)
	}
}
