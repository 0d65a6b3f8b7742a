// Package oplog is the durable log of pending write operations. Every write
// attempted while the backend is unreachable lands here and survives process
// restarts; the flusher replays entries in insertion order and deletes them
// once the backend has confirmed them.
package oplog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"
)

// Kind is the type of a queued write.
type Kind string

const (
	KindInsert Kind = "insert"
	KindUpdate Kind = "update"
	KindDelete Kind = "delete"
)

// Valid reports whether k is a known operation kind.
func (k Kind) Valid() bool {
	switch k {
	case KindInsert, KindUpdate, KindDelete:
		return true
	}
	return false
}

// Operation is one pending write intent. Once appended it is immutable: it is
// only ever read back and then removed (after a successful replay) or moved
// to the dead-letter table (after the backend rejected it).
type Operation struct {
	ID        int64
	CreatedAt time.Time
	Resource  string
	Kind      Kind
	Payload   map[string]any
	Filter    map[string]any
	CacheKeys []string
}

// DeadLetter is an operation the backend explicitly rejected during replay.
type DeadLetter struct {
	Operation
	DeadAt time.Time
	Reason string
}

// Log is the SQLite-backed operation log. Safe for concurrent use.
type Log struct {
	db     *sql.DB
	logger *slog.Logger
}

// Open opens (or creates) the operation log at path.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("oplog: open db: %w", err)
	}

	// WAL mode so a reader (pending count for the UI badge) never blocks
	// an append.
	if _, err := db.Exec(`PRAGMA journal_mode=WAL`); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: wal mode: %w", err)
	}

	l := &Log{db: db, logger: logger.With("component", "oplog")}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("oplog: migrate: %w", err)
	}
	return l, nil
}

// migrate creates tables on first run.
func (l *Log) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS queue (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			created_at INTEGER NOT NULL,
			resource   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			filter     TEXT,
			cache_keys TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_created ON queue(created_at)`,
		`CREATE TABLE IF NOT EXISTS dead_letters (
			id         INTEGER PRIMARY KEY,
			created_at INTEGER NOT NULL,
			dead_at    INTEGER NOT NULL,
			resource   TEXT NOT NULL,
			kind       TEXT NOT NULL,
			payload    TEXT NOT NULL DEFAULT '{}',
			filter     TEXT,
			reason     TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := l.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate %q: %w", stmt[:40], err)
		}
	}
	return nil
}

// Append persists op, assigning it the next identifier and a creation
// timestamp. The assigned values are written back into op.
func (l *Log) Append(ctx context.Context, op *Operation) error {
	if op.Resource == "" {
		return fmt.Errorf("oplog: resource required")
	}
	if !op.Kind.Valid() {
		return fmt.Errorf("oplog: unknown kind %q", op.Kind)
	}

	payloadJSON, err := json.Marshal(op.Payload)
	if err != nil {
		return fmt.Errorf("oplog: marshal payload: %w", err)
	}
	var filterJSON any
	if op.Filter != nil {
		b, err := json.Marshal(op.Filter)
		if err != nil {
			return fmt.Errorf("oplog: marshal filter: %w", err)
		}
		filterJSON = string(b)
	}
	keysJSON, err := json.Marshal(op.CacheKeys)
	if err != nil {
		return fmt.Errorf("oplog: marshal cache keys: %w", err)
	}

	now := time.Now().UTC()
	res, err := l.db.ExecContext(ctx,
		`INSERT INTO queue(created_at, resource, kind, payload, filter, cache_keys)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		now.Unix(), op.Resource, string(op.Kind), string(payloadJSON), filterJSON, string(keysJSON),
	)
	if err != nil {
		return fmt.Errorf("oplog: append: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("oplog: last insert id: %w", err)
	}
	op.ID = id
	op.CreatedAt = now

	l.logger.Debug("operation queued", "id", id, "resource", op.Resource, "kind", op.Kind)
	return nil
}

// ListOrdered returns all pending operations sorted by identifier ascending.
// Insertion order is replay order.
func (l *Log) ListOrdered(ctx context.Context) ([]Operation, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, created_at, resource, kind, payload, filter, cache_keys
		 FROM queue ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("oplog: list: %w", err)
	}
	defer rows.Close()

	var ops []Operation
	for rows.Next() {
		op, err := scanOperation(rows)
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("oplog: list: %w", err)
	}
	return ops, nil
}

// Remove deletes one operation by identifier. Removing an id that is no
// longer present is a no-op.
func (l *Log) Remove(ctx context.Context, id int64) error {
	if _, err := l.db.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("oplog: remove %d: %w", id, err)
	}
	return nil
}

// Count returns the number of pending operations.
func (l *Log) Count(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM queue`).Scan(&n); err != nil {
		return 0, fmt.Errorf("oplog: count: %w", err)
	}
	return n, nil
}

// MarkDead moves one operation from the live queue to the dead-letter table,
// recording why the backend rejected it. A rejected write would fail the same
// way on every future replay, so it must not stay in the queue.
func (l *Log) MarkDead(ctx context.Context, id int64, reason string) error {
	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("oplog: mark dead %d: %w", id, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters(id, created_at, dead_at, resource, kind, payload, filter, reason)
		 SELECT id, created_at, ?, resource, kind, payload, filter, ? FROM queue WHERE id = ?`,
		time.Now().UTC().Unix(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("oplog: mark dead %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("oplog: mark dead %d: not found", id)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM queue WHERE id = ?`, id); err != nil {
		return fmt.Errorf("oplog: mark dead %d: %w", id, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("oplog: mark dead %d: %w", id, err)
	}

	l.logger.Warn("operation dead-lettered", "id", id, "reason", reason)
	return nil
}

// ListDead returns all dead-lettered operations, oldest first.
func (l *Log) ListDead(ctx context.Context) ([]DeadLetter, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT id, created_at, dead_at, resource, kind, payload, filter, reason
		 FROM dead_letters ORDER BY id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("oplog: list dead: %w", err)
	}
	defer rows.Close()

	var dead []DeadLetter
	for rows.Next() {
		var d DeadLetter
		var deadAt int64
		var createdAt int64
		var kind, payload string
		var filter sql.NullString
		if err := rows.Scan(&d.ID, &createdAt, &deadAt, &d.Resource, &kind, &payload, &filter, &d.Reason); err != nil {
			return nil, fmt.Errorf("oplog: scan dead letter: %w", err)
		}
		d.Kind = Kind(kind)
		d.CreatedAt = time.Unix(createdAt, 0).UTC()
		d.DeadAt = time.Unix(deadAt, 0).UTC()
		if err := json.Unmarshal([]byte(payload), &d.Payload); err != nil {
			return nil, fmt.Errorf("oplog: decode payload: %w", err)
		}
		if filter.Valid {
			if err := json.Unmarshal([]byte(filter.String), &d.Filter); err != nil {
				return nil, fmt.Errorf("oplog: decode filter: %w", err)
			}
		}
		dead = append(dead, d)
	}
	return dead, rows.Err()
}

// DeadCount returns the number of dead-lettered operations.
func (l *Log) DeadCount(ctx context.Context) (int, error) {
	var n int
	if err := l.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM dead_letters`).Scan(&n); err != nil {
		return 0, fmt.Errorf("oplog: dead count: %w", err)
	}
	return n, nil
}

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func scanOperation(rows *sql.Rows) (Operation, error) {
	var op Operation
	var createdAt int64
	var kind, payload, keys string
	var filter sql.NullString

	if err := rows.Scan(&op.ID, &createdAt, &op.Resource, &kind, &payload, &filter, &keys); err != nil {
		return op, fmt.Errorf("oplog: scan: %w", err)
	}
	op.CreatedAt = time.Unix(createdAt, 0).UTC()
	op.Kind = Kind(kind)
	if err := json.Unmarshal([]byte(payload), &op.Payload); err != nil {
		return op, fmt.Errorf("oplog: decode payload: %w", err)
	}
	if filter.Valid && filter.String != "" {
		if err := json.Unmarshal([]byte(filter.String), &op.Filter); err != nil {
			return op, fmt.Errorf("oplog: decode filter: %w", err)
		}
	}
	if err := json.Unmarshal([]byte(keys), &op.CacheKeys); err != nil {
		return op, fmt.Errorf("oplog: decode cache keys: %w", err)
	}
	return op, nil
}
