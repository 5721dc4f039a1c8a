package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" database/sql driver

	"github.com/ashita-ai/tasuki/internal/model"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              TEXT PRIMARY KEY,
	intent          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	version         INTEGER NOT NULL,
	document        TEXT NOT NULL,
	created_at      INTEGER NOT NULL,
	updated_at      INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_key
	ON runs (idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS runs_intent_updated_at ON runs (intent, updated_at);
`

// SQLite is the single-node durable run store, backed by modernc.org/sqlite
// (pure Go, no cgo). The connection pool is capped at one connection, which
// serializes writes and sidesteps SQLITE_BUSY; for an embedded file store
// that is the throughput profile we want anyway.
//
// Timestamps are stored as Unix microseconds so range predicates compare as
// integers; the document column remains the authoritative record.
type SQLite struct {
	db       *sql.DB
	logger   *slog.Logger
	onChange ChangeHandler
}

// NewSQLite opens (or creates) the database file and applies the schema.
func NewSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL; PRAGMA busy_timeout=5000;`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: sqlite pragmas: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}
	return &SQLite{db: db, logger: logger}, nil
}

// SetChangeHandler registers the change consumer.
func (s *SQLite) SetChangeHandler(fn ChangeHandler) {
	s.onChange = fn
}

// CreateRun inserts the run; the partial unique index on idempotency_key
// turns the concurrent-duplicate race into an ignored insert, after which
// the winner is read back.
func (s *SQLite) CreateRun(ctx context.Context, run model.Run) (model.Run, bool, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: marshal run: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, intent, idempotency_key, status, version, document, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT DO NOTHING`,
		run.ID.String(), run.Intent, run.IdempotencyKey, string(run.Status), run.Version,
		string(doc), run.CreatedAt.UnixMicro(), run.UpdatedAt.UnixMicro(),
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: create run: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: create run rows affected: %w", err)
	}
	if affected == 0 {
		var existingDoc string
		err := s.db.QueryRowContext(ctx,
			`SELECT document FROM runs WHERE idempotency_key = ?`, run.IdempotencyKey,
		).Scan(&existingDoc)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return model.Run{}, false, ErrNotFound
			}
			return model.Run{}, false, fmt.Errorf("store: dedup lookup: %w", err)
		}
		existing, err := decodeRun([]byte(existingDoc))
		if err != nil {
			return model.Run{}, false, err
		}
		return existing, false, nil
	}

	if s.onChange != nil {
		s.onChange(run)
	}
	return run, true, nil
}

// GetRun retrieves a run snapshot by ID.
func (s *SQLite) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var doc string
	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM runs WHERE id = ?`, id.String(),
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}
	return decodeRun([]byte(doc))
}

// UpdateRun performs the same optimistic read-modify-write as the Postgres
// backend. With the pool capped at one connection, conflicts are rare; the
// retry loop covers the cancel-versus-step-transition race.
func (s *SQLite) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.Run) error) (model.Run, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		run, err := s.GetRun(ctx, id)
		if err != nil {
			return model.Run{}, err
		}
		prevVersion := run.Version
		if err := applyMutation(&run, mutate); err != nil {
			return model.Run{}, err
		}

		doc, err := json.Marshal(run)
		if err != nil {
			return model.Run{}, fmt.Errorf("store: marshal run: %w", err)
		}
		res, err := s.db.ExecContext(ctx,
			`UPDATE runs SET status = ?, version = ?, document = ?, updated_at = ?
			 WHERE id = ? AND version = ?`,
			string(run.Status), run.Version, string(doc), run.UpdatedAt.UnixMicro(),
			id.String(), prevVersion,
		)
		if err != nil {
			return model.Run{}, fmt.Errorf("store: update run: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return model.Run{}, fmt.Errorf("store: update run rows affected: %w", err)
		}
		if affected == 1 {
			if s.onChange != nil {
				s.onChange(run)
			}
			return run, nil
		}
		select {
		case <-ctx.Done():
			return model.Run{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return model.Run{}, fmt.Errorf("store: update run %s: too many version conflicts", id)
}

// ListRuns returns matching runs newest first with a total count.
func (s *SQLite) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE (? = '' OR intent = ?) AND (? = '' OR status = ?)`
	args := []any{f.Intent, f.Intent, string(f.Status), string(f.Status)}

	var total int
	if err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM runs `+where, args...,
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM runs `+where+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanSQLRunDocs(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, rows.Err()
}

// ListTerminalSince returns terminal runs for an intent by terminal time.
func (s *SQLite) ListTerminalSince(ctx context.Context, intent string, since time.Time) ([]model.Run, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT document FROM runs
		 WHERE intent = ? AND status IN ('succeeded', 'failed') AND updated_at >= ?`,
		intent, since.UnixMicro(),
	)
	if err != nil {
		return nil, fmt.Errorf("store: list terminal runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanSQLRunDocs(rows)
	if err != nil {
		return nil, err
	}
	return runs, rows.Err()
}

// DeleteTerminalBefore removes expired terminal runs and their keys.
func (s *SQLite) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN ('succeeded', 'failed') AND updated_at < ?`,
		cutoff.UnixMicro(),
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired runs: %w", err)
	}
	return res.RowsAffected()
}

// Ping checks the database file is reachable.
func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLite) Close(context.Context) error {
	return s.db.Close()
}

func scanSQLRunDocs(rows *sql.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		run, err := decodeRun([]byte(doc))
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
