//go:build unix

package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/buildkite/clientgrid/internal/artifact"
	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/clientstore"
	"github.com/buildkite/clientgrid/internal/descriptor"
)

const fakeNode = `#!/bin/sh
echo "Starting peer-to-peer node flags=$*"
echo "IPC endpoint opened url=/tmp/orchestrator-node.ipc"
echo "HTTP endpoint opened url=http://127.0.0.1:8545/ cors=*" >&2
while read line; do
  echo "input:$line"
done
`

func TestProcessClientLifecycleIsRecorded(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	binary := filepath.Join(dir, "geth-1.13.0")
	if err := os.WriteFile(binary, []byte(fakeNode), 0o755); err != nil {
		t.Fatalf("write fake node: %v", err)
	}
	storePath := filepath.Join(dir, "state", "clients.db")
	store, err := clientstore.Open(context.Background(), storePath)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	o, _ := newTestOrchestrator(t, Options{
		Store:    store,
		Resolver: artifact.NewResolver(artifact.ResolverOptions{}),
	})
	ctx := context.Background()

	snap, err := o.GetClient(ctx, descriptor.Descriptor{Name: "geth", Repository: dir, Flags: []string{"--dev"}}, GetOptions{})
	if err != nil {
		t.Fatalf("GetClient returned error: %v", err)
	}
	if snap.State != clientstate.StateInit || snap.BinaryPath != binary {
		t.Fatalf("unexpected snapshot: %+v", snap)
	}

	if _, err := o.StartClient(ctx, snap.ID, nil, backend.StartOptions{}); err != nil {
		t.Fatalf("StartClient returned error: %v", err)
	}
	ready, err := o.WhenState(ctx, snap.ID, Condition{State: clientstate.StateHTTPRPCReady})
	if err != nil {
		t.Fatalf("WhenState returned error: %v", err)
	}
	if ready.RPCURL != "http://127.0.0.1:8545/" {
		t.Fatalf("unexpected rpc url: %q", ready.RPCURL)
	}
	if _, err := o.WhenState(ctx, snap.ID, Condition{Line: func(line string) bool { return strings.Contains(line, "flags=--dev") }}); err != nil {
		t.Fatalf("expected descriptor flags in output: %v", err)
	}

	if _, err := o.Input(snap.ID, "admin.peers"); err != nil {
		t.Fatalf("Input returned error: %v", err)
	}
	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := o.WhenState(waitCtx, snap.ID, Condition{Line: func(line string) bool { return line == "input:admin.peers" }}); err != nil {
		t.Fatalf("input echo not observed: %v", err)
	}

	if n := o.Cleanup(ctx); n != 1 {
		t.Fatalf("expected one stop attempt, got %d", n)
	}
	if err := o.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	reopened, err := clientstore.Open(ctx, storePath)
	if err != nil {
		t.Fatalf("reopen store: %v", err)
	}
	defer reopened.Close()

	record, ok, err := reopened.Get(ctx, snap.ID)
	if err != nil || !ok {
		t.Fatalf("expected recorded client, ok=%v err=%v", ok, err)
	}
	if record.State != clientstate.StateStopped || record.RPCURL != "http://127.0.0.1:8545/" {
		t.Fatalf("unexpected record: %+v", record)
	}
	history, err := reopened.History(ctx, snap.ID)
	if err != nil {
		t.Fatalf("History returned error: %v", err)
	}
	var states []clientstate.State
	for _, transition := range history {
		states = append(states, transition.State)
	}
	want := []clientstate.State{clientstate.StateStarted, clientstate.StateIPCReady, clientstate.StateStopped}
	if !slices.Equal(states, want) {
		t.Fatalf("unexpected history: got %v want %v", states, want)
	}
}
