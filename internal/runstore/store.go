// Package runstore persists RunState snapshots so an interrupted agent run
// can be resumed out of band — e.g. by a web UI that collects a human's
// approval decision minutes or hours after the run paused. It mirrors the
// harness's sessions-store pattern (github.com/haasonsaas/nexus's
// CockroachBranchStore): parameterized SQL, one row per key, errors
// wrapped with the failing operation's name.
package runstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentrt/harness/pkg/models"
)

// ErrNotFound names a missing run for callers. Load itself does not return
// it: it reports a run_id with no saved RunState as found == false.
var ErrNotFound = errors.New("runstore: run not found")

// Store is the RunStore contract from §4.7: Save persists a snapshot
// keyed by runID, Load retrieves it, Delete removes it. Implementations
// must be crash-safe — a Save that is interrupted mid-write must never
// leave a corrupt or partially-written row visible to a later Load.
type Store interface {
	Save(ctx context.Context, runID string, state models.RunState) error
	Load(ctx context.Context, runID string) (models.RunState, bool, error)
	Delete(ctx context.Context, runID string) error
}

// MemoryStore is an in-process Store for tests and local single-process
// runs, where the approval UI lives in the same binary as the session.
type MemoryStore struct {
	mu    sync.RWMutex
	runs  map[string]models.RunState
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{runs: make(map[string]models.RunState)}
}

func (m *MemoryStore) Save(_ context.Context, runID string, state models.RunState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[runID] = state
	return nil
}

func (m *MemoryStore) Load(_ context.Context, runID string) (models.RunState, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rs, ok := m.runs[runID]
	return rs, ok, nil
}

func (m *MemoryStore) Delete(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}

// Dialect abstracts the one thing that differs between the sqlite3 and
// lib/pq drivers for this single-table store: parameter placeholder
// syntax and the upsert statement.
type Dialect int

const (
	// DialectSQLite speaks mattn/go-sqlite3's "?" placeholders.
	DialectSQLite Dialect = iota
	// DialectPostgres speaks lib/pq's "$1" placeholders.
	DialectPostgres
)

// SQLStore is the persistent single-table RunStore backed by
// database/sql: one row per run_id holding the serialized RunState,
// written inside a transaction so a crash mid-save never leaves a torn
// write visible to Load.
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLStore wraps an already-open *sql.DB (mattn/go-sqlite3 or lib/pq)
// as a RunStore and ensures the backing table exists.
func NewSQLStore(ctx context.Context, db *sql.DB, dialect Dialect) (*SQLStore, error) {
	s := &SQLStore{db: db, dialect: dialect}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("runstore: migrate: %w", err)
	}
	return s, nil
}

func (s *SQLStore) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_run_states (
			run_id     TEXT PRIMARY KEY,
			state_json TEXT NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)
	`)
	return err
}

func (s *SQLStore) placeholder(n int) string {
	if s.dialect == DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Save writes state for runID inside a transaction: delete-then-insert, so
// a concurrent Load never observes a half-updated row.
func (s *SQLStore) Save(ctx context.Context, runID string, state models.RunState) error {
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("runstore: marshal run state: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("runstore: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	deleteQuery := fmt.Sprintf("DELETE FROM agent_run_states WHERE run_id = %s", s.placeholder(1))
	if _, err := tx.ExecContext(ctx, deleteQuery, runID); err != nil {
		return fmt.Errorf("runstore: delete existing row: %w", err)
	}

	insertQuery := fmt.Sprintf(
		"INSERT INTO agent_run_states (run_id, state_json, updated_at) VALUES (%s, %s, CURRENT_TIMESTAMP)",
		s.placeholder(1), s.placeholder(2),
	)
	if _, err := tx.ExecContext(ctx, insertQuery, runID, string(payload)); err != nil {
		return fmt.Errorf("runstore: insert row: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("runstore: commit: %w", err)
	}
	return nil
}

// Load retrieves the RunState for runID, reporting (zero, false, nil) when
// no row exists rather than an error.
func (s *SQLStore) Load(ctx context.Context, runID string) (models.RunState, bool, error) {
	query := fmt.Sprintf("SELECT state_json FROM agent_run_states WHERE run_id = %s", s.placeholder(1))
	row := s.db.QueryRowContext(ctx, query, runID)

	var payload string
	if err := row.Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return models.RunState{}, false, nil
		}
		return models.RunState{}, false, fmt.Errorf("runstore: scan row: %w", err)
	}

	var rs models.RunState
	if err := json.Unmarshal([]byte(payload), &rs); err != nil {
		return models.RunState{}, false, fmt.Errorf("runstore: unmarshal run state: %w", err)
	}
	return rs, true, nil
}

// Delete removes runID's row, if present. Deleting an absent row is not an
// error.
func (s *SQLStore) Delete(ctx context.Context, runID string) error {
	query := fmt.Sprintf("DELETE FROM agent_run_states WHERE run_id = %s", s.placeholder(1))
	if _, err := s.db.ExecContext(ctx, query, runID); err != nil {
		return fmt.Errorf("runstore: delete: %w", err)
	}
	return nil
}
