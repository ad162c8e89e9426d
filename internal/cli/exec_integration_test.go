//go:build unix

package cli

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/runtimeconfig"
)

const fakeNode = `#!/bin/sh
case "$1" in
  version)
    echo "Version: 1.13.0-stable"
    exit 0
    ;;
  fail)
    echo "fatal: bad flag"
    exit 3
    ;;
esac
echo "IPC endpoint opened url=/tmp/clientgrid-cli.ipc"
echo "HTTP endpoint opened url=http://127.0.0.1:8545/ cors=*"
while read line; do
  echo "console:$line"
done
`

// syncBuffer is written by the command goroutine while the test polls it.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func fakeNodeContext(t *testing.T, storePath string) (*runtimeContext, *syncBuffer) {
	t.Helper()
	dir := t.TempDir()
	releases := filepath.Join(dir, "releases")
	if err := os.MkdirAll(releases, 0o755); err != nil {
		t.Fatalf("mkdir releases: %v", err)
	}
	if err := os.WriteFile(filepath.Join(releases, "fakenode-1.13.0"), []byte(fakeNode), 0o755); err != nil {
		t.Fatalf("write fake node: %v", err)
	}
	catalog := filepath.Join(dir, "clients.yaml")
	content := "clients:\n  - name: fakenode\n    repository: " + releases + "\n"
	if err := os.WriteFile(catalog, []byte(content), 0o644); err != nil {
		t.Fatalf("write catalog: %v", err)
	}

	stdout := &syncBuffer{}
	return &runtimeContext{
		CWD:    dir,
		Stdout: stdout,
		Stderr: &syncBuffer{},
		Config: runtimeconfig.Config{
			LogLevel: "debug",
			Docker:   runtimeconfig.DockerConfig{Socket: filepath.Join(dir, "missing.sock")},
			Clients:  runtimeconfig.ClientsConfig{
				CacheDir:              filepath.Join(dir, "cache"),
				Catalog:               catalog,
				ExecuteTimeoutSeconds: 10,
			},
			Store: runtimeconfig.StoreConfig{Path: storePath},
		},
	}, stdout
}

func TestExecCommandPrintsOutput(t *testing.T) {
	injectSignals(t)
	rt, stdout := fakeNodeContext(t, runtimeconfig.StoreDisabled)

	cmd := &ExecCommand{Name: "fakenode", Command: []string{"version"}}
	if err := cmd.Run(rt); err != nil {
		t.Fatalf("ExecCommand.Run returned error: %v", err)
	}
	if got, want := stdout.String(), "Version: 1.13.0-stable\n"; got != want {
		t.Fatalf("unexpected output: got %q want %q", got, want)
	}
}

func TestExecCommandPropagatesExitCode(t *testing.T) {
	injectSignals(t)
	rt, stdout := fakeNodeContext(t, runtimeconfig.StoreDisabled)

	cmd := &ExecCommand{Name: "fakenode", Command: []string{"fail"}}
	err := cmd.Run(rt)
	var codeErr exitCodeError
	if !errors.As(err, &codeErr) || codeErr.code != 3 {
		t.Fatalf("expected exit code 3, got %v", err)
	}
	if !strings.Contains(stdout.String(), "fatal: bad flag") {
		t.Fatalf("expected output before failure, got %q", stdout.String())
	}
}

func TestRunCommandRejectsProcessClient(t *testing.T) {
	injectSignals(t)
	rt, _ := fakeNodeContext(t, runtimeconfig.StoreDisabled)

	cmd := &RunCommand{Name: "fakenode", Command: []string{"ls"}}
	if err := cmd.Run(rt); err == nil {
		t.Fatal("expected run on a process client to fail")
	}
}

func TestStartCommandRunsUntilInterrupted(t *testing.T) {
	ch := injectSignals(t)
	storePath := filepath.Join(t.TempDir(), "clients.db")
	rt, stdout := fakeNodeContext(t, storePath)

	cmd := &StartCommand{Name: "fakenode", Wait: "rpc", Timeout: 10 * time.Second}
	done := make(chan error, 1)
	go func() { done <- cmd.Run(rt) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "rpc_url: http://127.0.0.1:8545/")
	}, 10*time.Second, 20*time.Millisecond)

	ch <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartCommand.Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("start command did not return after interrupt")
	}

	store, err := clientstore.Open(context.Background(), storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	records, err := store.List(context.Background())
	if err != nil {
		t.Fatalf("list records: %v", err)
	}
	if len(records) != 1 || records[0].State != clientstate.StateStopped {
		t.Fatalf("expected one stopped record after cleanup, got %+v", records)
	}
}

func TestStartCommandHoldsSignalsUntilCleanupReturns(t *testing.T) {
	ch := injectSignals(t)
	storePath := filepath.Join(t.TempDir(), "clients.db")
	rt, stdout := fakeNodeContext(t, storePath)
	stderr := rt.Stderr.(*syncBuffer)

	var cleanedBeforeRelease atomic.Bool
	stopSignals = func(chan os.Signal) {
		cleanedBeforeRelease.Store(strings.Contains(stderr.String(), "stopped clients"))
	}

	cmd := &StartCommand{Name: "fakenode", Wait: "rpc", Timeout: 10 * time.Second}
	done := make(chan error, 1)
	go func() { done <- cmd.Run(rt) }()

	require.Eventually(t, func() bool {
		return strings.Contains(stdout.String(), "rpc_url: http://127.0.0.1:8545/")
	}, 10*time.Second, 20*time.Millisecond)

	ch <- os.Interrupt
	ch <- os.Interrupt
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("StartCommand.Run returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("start command did not return after interrupt")
	}
	if !cleanedBeforeRelease.Load() {
		t.Fatal("expected signal handling to be released only after cleanup")
	}
	if !strings.Contains(stderr.String(), "cleanup in progress") {
		t.Fatalf("expected repeated interrupt to be absorbed, stderr:\n%s", stderr.String())
	}
}
