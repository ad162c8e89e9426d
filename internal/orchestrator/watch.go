package orchestrator

import (
	"context"
	"slices"

	"vawter.tech/stopper"

	"github.com/buildkite/clientgrid/internal/backend"
	"github.com/buildkite/clientgrid/internal/clientstate"
	"github.com/buildkite/clientgrid/internal/clientstore"
)

const watchBuffer = 64

// Satisfied reports whether snap already meets target. Readiness states are
// judged by their fields because HTTP readiness does not change the state.
func Satisfied(snap clientstate.Snapshot, target clientstate.State) bool {
	switch target {
	case clientstate.StateHTTPRPCReady:
		return snap.RPCURL != ""
	case clientstate.StateIPCReady:
		return snap.IPC != ""
	case clientstate.StateStarted:
		return snap.State != clientstate.StateStopped && snap.State != clientstate.StateInit
	default:
		return snap.State == target
	}
}

// met checks snap. Line conditions only consider output from the current
// run so a restart never resolves on a previous run's lines.
func (c Condition) met(snap clientstate.Snapshot) bool {
	if c.Line != nil {
		return slices.ContainsFunc(snap.RunLogs(), c.Line)
	}
	return Satisfied(snap, c.State)
}

// WhenState blocks until id meets cond or ctx is done, and returns the
// snapshot that satisfied it.
func (o *Orchestrator) WhenState(ctx context.Context, id string, cond Condition) (clientstate.Snapshot, error) {
	e, err := o.lookup("when state", id)
	if err != nil {
		return clientstate.Snapshot{}, err
	}
	return waitFor(ctx, e.client, cond)
}

func waitFor(ctx context.Context, c backend.Client, cond Condition) (clientstate.Snapshot, error) {
	events, unsubscribe := c.Subscribe(watchBuffer)
	defer func() { unsubscribe() }()

	if snap := c.Info(); cond.met(snap) {
		return snap, nil
	}
	for {
		select {
		case <-ctx.Done():
			return c.Info(), ctx.Err()
		case event, ok := <-events:
			if !ok {
				// Dropped for falling behind; resubscribe and recheck so
				// nothing missed in between is lost.
				events, unsubscribe = c.Subscribe(watchBuffer)
				if snap := c.Info(); cond.met(snap) {
					return snap, nil
				}
				continue
			}
			if cond.Line != nil {
				if event.Type == clientstate.EventLog && cond.Line(event.Line) {
					return c.Info(), nil
				}
				continue
			}
			if snap := c.Info(); Satisfied(snap, cond.State) {
				return snap, nil
			}
		}
	}
}

// startRecorderLocked persists c's state transitions until the orchestrator
// closes.
func (o *Orchestrator) startRecorderLocked(c backend.Client) {
	store := o.store
	events, unsubscribe := c.Subscribe(recorderBuffer)
	if err := store.Put(context.Background(), clientstore.RecordFromSnapshot(c.Info())); err != nil {
		o.logger.Warn("record client failed", "client_id", c.ID(), "error", err)
	}

	record := func(ctx context.Context, event clientstate.Event) {
		if event.Type != clientstate.EventState {
			return
		}
		if err := store.AppendTransition(ctx, event.ClientID, event.State, event.At); err != nil {
			o.logger.Warn("record transition failed", "client_id", event.ClientID, "state", event.State, "error", err)
			return
		}
		if err := store.Put(ctx, clientstore.RecordFromSnapshot(c.Info())); err != nil {
			o.logger.Warn("record client failed", "client_id", event.ClientID, "error", err)
		}
	}

	o.recorders.Go(func(sctx *stopper.Context) error {
		defer func() { unsubscribe() }()
		for {
			select {
			case <-sctx.Stopping():
				// Drain what was published before the stop.
				for {
					select {
					case event, ok := <-events:
						if !ok {
							return nil
						}
						record(sctx, event)
					default:
						return nil
					}
				}
			case event, ok := <-events:
				if !ok {
					if sctx.IsStopping() {
						return nil
					}
					o.logger.Warn("recorder fell behind; resubscribing", "client_id", c.ID())
					events, unsubscribe = c.Subscribe(recorderBuffer)
					continue
				}
				record(sctx, event)
			}
		}
	})
}
