package signal

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/agentrt/harness/internal/runstore"
)

// DBTransport is the cross-node mirror of Manager's file-based protocol:
// a database-backed agent registry with heartbeats and a directive
// queue, for deployments where the controlling process and the running
// session are not guaranteed to share a filesystem. It covers Manager's
// register, heartbeat, deregister, cancel, directive and GC operations,
// substituting time-based staleness (a heartbeat older than StaleAfter)
// for pid liveness, since a remote node's pid is meaningless locally. It
// has no pause, context-export or response operations.
type DBTransport struct {
	db         *sql.DB
	dialect    runstore.Dialect
	StaleAfter time.Duration
}

// NewDBTransport wraps an already-open *sql.DB (lib/pq or
// mattn/go-sqlite3) and ensures its backing tables exist.
func NewDBTransport(ctx context.Context, db *sql.DB, dialect runstore.Dialect) (*DBTransport, error) {
	t := &DBTransport{db: db, dialect: dialect, StaleAfter: 30 * time.Second}
	if err := t.migrate(ctx); err != nil {
		return nil, fmt.Errorf("signal: migrate db transport: %w", err)
	}
	return t, nil
}

func (t *DBTransport) migrate(ctx context.Context) error {
	_, err := t.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_signal_registry (
			session_id  TEXT PRIMARY KEY,
			registration_json TEXT NOT NULL,
			cancel_requested  BOOLEAN NOT NULL DEFAULT FALSE,
			pause_requested   BOOLEAN NOT NULL DEFAULT FALSE,
			last_heartbeat    TIMESTAMP NOT NULL
		)
	`)
	if err != nil {
		return err
	}
	idCol := "INTEGER PRIMARY KEY AUTOINCREMENT"
	if t.dialect == runstore.DialectPostgres {
		idCol = "BIGSERIAL PRIMARY KEY"
	}
	_, err = t.db.ExecContext(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS agent_signal_directives (
			id         %s,
			session_id TEXT NOT NULL,
			message    TEXT NOT NULL
		)
	`, idCol))
	return err
}

func (t *DBTransport) ph(n int) string {
	if t.dialect == runstore.DialectPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

// Register upserts sessionID's registration and stamps the heartbeat.
func (t *DBTransport) Register(ctx context.Context, sessionID string, reg Registration) error {
	reg.SessionID = sessionID
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("signal: marshal registration: %w", err)
	}
	query := fmt.Sprintf(`
		DELETE FROM agent_signal_registry WHERE session_id = %s
	`, t.ph(1))
	if _, err := t.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("signal: clear prior registration: %w", err)
	}
	insert := fmt.Sprintf(`
		INSERT INTO agent_signal_registry (session_id, registration_json, last_heartbeat)
		VALUES (%s, %s, CURRENT_TIMESTAMP)
	`, t.ph(1), t.ph(2))
	if _, err := t.db.ExecContext(ctx, insert, sessionID, string(data)); err != nil {
		return fmt.Errorf("signal: register session: %w", err)
	}
	return nil
}

// Heartbeat refreshes sessionID's last-seen timestamp, the mirror
// transport's substitute for pid liveness.
func (t *DBTransport) Heartbeat(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`
		UPDATE agent_signal_registry SET last_heartbeat = CURRENT_TIMESTAMP WHERE session_id = %s
	`, t.ph(1))
	_, err := t.db.ExecContext(ctx, query, sessionID)
	if err != nil {
		return fmt.Errorf("signal: heartbeat: %w", err)
	}
	return nil
}

// Deregister removes sessionID from the registry.
func (t *DBTransport) Deregister(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`DELETE FROM agent_signal_registry WHERE session_id = %s`, t.ph(1))
	if _, err := t.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("signal: deregister: %w", err)
	}
	return nil
}

// RequestCancel flags sessionID for cancellation.
func (t *DBTransport) RequestCancel(ctx context.Context, sessionID string) error {
	query := fmt.Sprintf(`UPDATE agent_signal_registry SET cancel_requested = TRUE WHERE session_id = %s`, t.ph(1))
	if _, err := t.db.ExecContext(ctx, query, sessionID); err != nil {
		return fmt.Errorf("signal: request cancel: %w", err)
	}
	return nil
}

// IsCancelRequested reports the cancel flag for sessionID.
func (t *DBTransport) IsCancelRequested(ctx context.Context, sessionID string) (bool, error) {
	query := fmt.Sprintf(`SELECT cancel_requested FROM agent_signal_registry WHERE session_id = %s`, t.ph(1))
	var cancelled bool
	err := t.db.QueryRowContext(ctx, query, sessionID).Scan(&cancelled)
	if err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, fmt.Errorf("signal: check cancel flag: %w", err)
	}
	return cancelled, nil
}

// EnqueueDirective appends an out-of-band message to sessionID's queue.
func (t *DBTransport) EnqueueDirective(ctx context.Context, sessionID, message string) error {
	query := fmt.Sprintf(`INSERT INTO agent_signal_directives (session_id, message) VALUES (%s, %s)`, t.ph(1), t.ph(2))
	if _, err := t.db.ExecContext(ctx, query, sessionID, message); err != nil {
		return fmt.Errorf("signal: enqueue directive: %w", err)
	}
	return nil
}

// DrainDirectives consumes and deletes sessionID's queued messages in
// enqueue order, inside a transaction so a crash mid-drain never loses
// or duplicates a message.
func (t *DBTransport) DrainDirectives(ctx context.Context, sessionID string) ([]string, error) {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("signal: begin drain tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := fmt.Sprintf(`SELECT id, message FROM agent_signal_directives WHERE session_id = %s ORDER BY id`, t.ph(1))
	rows, err := tx.QueryContext(ctx, query, sessionID)
	if err != nil {
		return nil, fmt.Errorf("signal: query directives: %w", err)
	}
	var ids []int64
	var messages []string
	for rows.Next() {
		var id int64
		var msg string
		if err := rows.Scan(&id, &msg); err != nil {
			rows.Close()
			return nil, fmt.Errorf("signal: scan directive: %w", err)
		}
		ids = append(ids, id)
		messages = append(messages, msg)
	}
	rows.Close()

	if len(ids) > 0 {
		placeholders := make([]string, len(ids))
		args := make([]any, len(ids))
		for i, id := range ids {
			placeholders[i] = t.ph(i + 1)
			args[i] = id
		}
		del := fmt.Sprintf(`DELETE FROM agent_signal_directives WHERE id IN (%s)`, strings.Join(placeholders, ", "))
		if _, err := tx.ExecContext(ctx, del, args...); err != nil {
			return nil, fmt.Errorf("signal: delete drained directives: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("signal: commit drain: %w", err)
	}
	return messages, nil
}

// GCStale deregisters every session whose last heartbeat is older than
// StaleAfter, the mirror transport's equivalent of Manager.GCStale.
func (t *DBTransport) GCStale(ctx context.Context) ([]string, error) {
	rows, err := t.db.QueryContext(ctx, `SELECT session_id FROM agent_signal_registry`)
	if err != nil {
		return nil, fmt.Errorf("signal: list registry: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("signal: scan registry row: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()

	cutoffQuery := fmt.Sprintf(`
		SELECT session_id FROM agent_signal_registry
		WHERE last_heartbeat < %s
	`, t.ph(1))
	staleRows, err := t.db.QueryContext(ctx, cutoffQuery, time.Now().Add(-t.StaleAfter))
	if err != nil {
		return nil, fmt.Errorf("signal: query stale sessions: %w", err)
	}
	var stale []string
	for staleRows.Next() {
		var id string
		if err := staleRows.Scan(&id); err != nil {
			staleRows.Close()
			return nil, fmt.Errorf("signal: scan stale session: %w", err)
		}
		stale = append(stale, id)
	}
	staleRows.Close()

	for _, id := range stale {
		if err := t.Deregister(ctx, id); err != nil {
			return nil, err
		}
	}
	return stale, nil
}
