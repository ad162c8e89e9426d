// Package clientstore keeps a durable ledger of clients and their state
// transitions so past runs can be inspected after the host exits.
package clientstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/buildkite/clientgrid/internal/clientstate"
)

type Record struct {
	ID         string
	Name       string
	Kind       clientstate.Kind
	State      clientstate.State
	Started    int64
	Stopped    int64
	IPC        string
	RPCURL     string
	Locator    string
	BinaryPath string
	UpdatedAt  time.Time
}

type Transition struct {
	ClientID string
	State    clientstate.State
	At       time.Time
}

func RecordFromSnapshot(snap clientstate.Snapshot) Record {
	return Record{
		ID:         snap.ID,
		Name:       snap.Name,
		Kind:       snap.Kind,
		State:      snap.State,
		Started:    snap.Started,
		Stopped:    snap.Stopped,
		IPC:        snap.IPC,
		RPCURL:     snap.RPCURL,
		Locator:    snap.Locator,
		BinaryPath: snap.BinaryPath,
	}
}

type Store struct {
	db   *sql.DB
	path string
}

var now = time.Now

// Open opens (creating if needed) the ledger at path.
func Open(ctx context.Context, path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, errors.New("client store path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create client store directory %q: %w", filepath.Dir(path), err)
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open client store %q: %w", path, err)
	}
	// Writers come from recorder goroutines; sqlite serializes them anyway.
	db.SetMaxOpenConns(1)

	s := &Store{db: db, path: path}
	if err := s.initDB(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initDB(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS clients (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			state TEXT NOT NULL,
			started_unix_ms INTEGER NOT NULL,
			stopped_unix_ms INTEGER NOT NULL,
			ipc TEXT NOT NULL,
			rpc_url TEXT NOT NULL,
			locator TEXT NOT NULL,
			binary_path TEXT NOT NULL,
			updated_at_unix INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_clients_name ON clients(name);
		CREATE TABLE IF NOT EXISTS transitions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			client_id TEXT NOT NULL,
			state TEXT NOT NULL,
			at_unix_ms INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transitions_client ON transitions(client_id);
	`)
	if err != nil {
		return fmt.Errorf("initialise client store schema: %w", err)
	}
	return nil
}

// Put upserts the latest view of a client.
func (s *Store) Put(ctx context.Context, record Record) error {
	updated := record.UpdatedAt
	if updated.IsZero() {
		updated = now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO clients (
			id,
			name,
			kind,
			state,
			started_unix_ms,
			stopped_unix_ms,
			ipc,
			rpc_url,
			locator,
			binary_path,
			updated_at_unix
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			state = excluded.state,
			started_unix_ms = excluded.started_unix_ms,
			stopped_unix_ms = excluded.stopped_unix_ms,
			ipc = excluded.ipc,
			rpc_url = excluded.rpc_url,
			locator = excluded.locator,
			binary_path = excluded.binary_path,
			updated_at_unix = excluded.updated_at_unix
	`,
		record.ID,
		record.Name,
		string(record.Kind),
		string(record.State),
		record.Started,
		record.Stopped,
		record.IPC,
		record.RPCURL,
		record.Locator,
		record.BinaryPath,
		updated.Unix(),
	)
	if err != nil {
		return fmt.Errorf("upsert client %s: %w", record.ID, err)
	}
	return nil
}

// AppendTransition records that clientID entered state at at.
func (s *Store) AppendTransition(ctx context.Context, clientID string, state clientstate.State, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO transitions (client_id, state, at_unix_ms) VALUES (?, ?, ?)`, clientID, string(state), at.UnixMilli())
	if err != nil {
		return fmt.Errorf("record transition for %s: %w", clientID, err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, selectClients+` WHERE id = ?`, id)
	record, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, fmt.Errorf("query client %s: %w", id, err)
	}
	return record, true, nil
}

// List returns every recorded client, most recently updated first.
func (s *Store) List(ctx context.Context) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, selectClients+` ORDER BY updated_at_unix DESC, id`)
	if err != nil {
		return nil, fmt.Errorf("list clients: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		record, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan client: %w", err)
		}
		out = append(out, record)
	}
	return out, rows.Err()
}

// History returns clientID's transitions in the order they were recorded.
func (s *Store) History(ctx context.Context, clientID string) ([]Transition, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT client_id, state, at_unix_ms FROM transitions WHERE client_id = ? ORDER BY seq`, clientID)
	if err != nil {
		return nil, fmt.Errorf("query transitions for %s: %w", clientID, err)
	}
	defer rows.Close()

	var out []Transition
	for rows.Next() {
		var (
			t     Transition
			state string
			atMS  int64
		)
		if err := rows.Scan(&t.ClientID, &state, &atMS); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		t.State = clientstate.State(state)
		t.At = time.UnixMilli(atMS).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

const selectClients = `
	SELECT
		id,
		name,
		kind,
		state,
		started_unix_ms,
		stopped_unix_ms,
		ipc,
		rpc_url,
		locator,
		binary_path,
		updated_at_unix
	FROM clients`

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(s scanner) (Record, error) {
	var (
		record    Record
		kind      string
		state     string
		updatedAt int64
	)
	if err := s.Scan(
		&record.ID,
		&record.Name,
		&kind,
		&state,
		&record.Started,
		&record.Stopped,
		&record.IPC,
		&record.RPCURL,
		&record.Locator,
		&record.BinaryPath,
		&updatedAt,
	); err != nil {
		return Record{}, err
	}
	record.Kind = clientstate.Kind(kind)
	record.State = clientstate.State(state)
	record.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return record, nil
}
