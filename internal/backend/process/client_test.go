//go:build unix

package process

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clienterr"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/supervisor"
)

const fakeNode = `#!/bin/sh
case "$1" in
  version)
    echo "Geth"
    echo "Version: 1.13.0-stable"
    exit 0
    ;;
  hang)
    echo "hanging"
    sleep 30
    exit 0
    ;;
esac
echo "Starting peer-to-peer node"
echo "IPC endpoint opened url=/tmp/fake-node.ipc"
echo "HTTP endpoint opened url=http://127.0.0.1:8545/ cors=*" >&2
while read line; do
  echo "input:$line"
done
`

func writeFakeNode(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-node")
	if err := os.WriteFile(path, []byte(fakeNode), 0o755); err != nil {
		t.Fatalf("write fake node: %v", err)
	}
	return path
}

func newTestClient(t *testing.T) (*Client, *supervisor.Supervisor) {
	t.Helper()
	sup := supervisor.New(nil)
	c := New(Options{
		ID:         "client_test",
		Name:       "fake",
		BinaryPath: writeFakeNode(t),
		Supervisor: sup,
	})
	t.Cleanup(func() {
		_ = c.Stop(context.Background())
	})
	return c, sup
}

func TestStartDetectsReadinessAndStopReleasesProcess(t *testing.T) {
	t.Parallel()

	c, sup := newTestClient(t)
	var progress []backend.ProgressKind
	err := c.Start(context.Background(), nil, backend.StartOptions{Listener: func(event backend.ProgressEvent) {
		progress = append(progress, event.Kind)
	}})
	if err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if got, want := progress, []backend.ProgressKind{backend.ProgressStartStarted, backend.ProgressStartFinished}; !slices.Equal(got, want) {
		t.Fatalf("unexpected progress events: got %v want %v", got, want)
	}

	require.Eventually(t, func() bool {
		snap := c.Info()
		return snap.State == clientstate.StateIPCReady && snap.RPCURL != ""
	}, 5*time.Second, 10*time.Millisecond)

	snap := c.Info()
	if got, want := snap.IPC, "/tmp/fake-node.ipc"; got != want {
		t.Fatalf("unexpected ipc: got %q want %q", got, want)
	}
	if got, want := snap.RPCURL, "http://127.0.0.1:8545/"; got != want {
		t.Fatalf("unexpected rpc url: got %q want %q", got, want)
	}
	if snap.Locator == "" {
		t.Fatal("expected pid locator to be recorded")
	}

	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	snap = c.Info()
	if snap.State != clientstate.StateStopped || snap.Stopped == 0 {
		t.Fatalf("unexpected snapshot after stop: %+v", snap)
	}
	if n := len(sup.List()); n != 0 {
		t.Fatalf("expected no tracked processes after stop, got %d", n)
	}
}

func TestStartTwiceIsAlreadyRunning(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	if err := c.Start(context.Background(), nil, backend.StartOptions{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := c.Start(context.Background(), nil, backend.StartOptions{}); !errors.Is(err, clienterr.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
}

func TestExecuteRejectedWhileLive(t *testing.T) {
	t.Parallel()

	c, sup := newTestClient(t)
	if err := c.Start(context.Background(), nil, backend.StartOptions{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	before := sup.List()

	_, err := c.Execute(context.Background(), "version", backend.CommandOptions{Timeout: time.Second})
	if !errors.Is(err, clienterr.ErrAlreadyRunning) {
		t.Fatalf("expected already running, got %v", err)
	}
	after := sup.List()
	if len(before) != 1 || len(after) != 1 || before[0].ID != after[0].ID {
		t.Fatalf("expected live process to be untouched, before=%v after=%v", before, after)
	}
}

func TestExecuteCollectsOutput(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	result, err := c.Execute(context.Background(), "version", backend.CommandOptions{Timeout: 5 * time.Second})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if got, want := result.Lines, []string{"Geth", "Version: 1.13.0-stable"}; !slices.Equal(got, want) {
		t.Fatalf("unexpected lines: got %q want %q", got, want)
	}
	if result.ExitCode != 0 {
		t.Fatalf("unexpected exit code %d", result.ExitCode)
	}
}

func TestExecuteTimeoutUntracksProcess(t *testing.T) {
	t.Parallel()

	c, sup := newTestClient(t)
	_, err := c.Execute(context.Background(), "hang", backend.CommandOptions{Timeout: 100 * time.Millisecond})
	if !errors.Is(err, clienterr.ErrTimeout) {
		t.Fatalf("expected timeout, got %v", err)
	}
	if n := len(sup.List()); n != 0 {
		t.Fatalf("expected timed out process to be untracked, got %d", n)
	}

	// A later execute is allowed once the first has been released.
	if _, err := c.Execute(context.Background(), "version", backend.CommandOptions{Timeout: 5 * time.Second}); err != nil {
		t.Fatalf("follow-up Execute returned error: %v", err)
	}
}

func TestInputReachesProcess(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	if err := c.Input("ignored"); !errors.Is(err, clienterr.ErrNotRunning) {
		t.Fatalf("expected not running before start, got %v", err)
	}
	if err := c.Start(context.Background(), nil, backend.StartOptions{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	if err := c.Input("admin.peers"); err != nil {
		t.Fatalf("Input returned error: %v", err)
	}
	require.Eventually(t, func() bool {
		return slices.ContainsFunc(c.Info().Logs, func(line string) bool {
			return strings.Contains(line, "input:admin.peers")
		})
	}, 5*time.Second, 10*time.Millisecond)
}

func TestStartFailureMarksError(t *testing.T) {
	t.Parallel()

	c := New(Options{ID: "client_missing", Name: "missing", BinaryPath: filepath.Join(t.TempDir(), "missing")})
	err := c.Start(context.Background(), nil, backend.StartOptions{})
	if !errors.Is(err, clienterr.ErrLaunch) {
		t.Fatalf("expected launch error, got %v", err)
	}
	if got, want := c.Info().State, clientstate.StateError; got != want {
		t.Fatalf("unexpected state: got %q want %q", got, want)
	}
}

func TestStopWithoutLiveProcess(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	if err := c.Stop(context.Background()); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if got, want := c.Info().State, clientstate.StateStopped; got != want {
		t.Fatalf("unexpected state: got %q want %q", got, want)
	}
}

func TestRestartClearsReadiness(t *testing.T) {
	t.Parallel()

	c, _ := newTestClient(t)
	ctx := context.Background()
	if err := c.Start(ctx, nil, backend.StartOptions{}); err != nil {
		t.Fatalf("Start returned error: %v", err)
	}
	require.Eventually(t, func() bool { return c.Info().State == clientstate.StateIPCReady }, 5*time.Second, 10*time.Millisecond)
	first := c.Info().Started
	if err := c.Stop(ctx); err != nil {
		t.Fatalf("Stop returned error: %v", err)
	}
	if err := c.Start(ctx, nil, backend.StartOptions{}); err != nil {
		t.Fatalf("restart returned error: %v", err)
	}
	snap := c.Info()
	if snap.Started <= first || snap.Stopped != 0 {
		t.Fatalf("unexpected timestamps after restart: %+v", snap)
	}
	require.Eventually(t, func() bool { return c.Info().State == clientstate.StateIPCReady }, 5*time.Second, 10*time.Millisecond)
}
