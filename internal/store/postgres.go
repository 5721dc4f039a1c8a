package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ashita-ai/tasuki/internal/model"
)

// notifyChannel is the Postgres LISTEN/NOTIFY channel carrying run changes.
// Payloads are {"id","version"} pairs; receivers re-read the snapshot.
const notifyChannel = "tasuki_runs"

// pgSchema is applied at startup. The partial unique index on
// idempotency_key is what makes CreateRun's key check-and-insert atomic.
const pgSchema = `
CREATE TABLE IF NOT EXISTS runs (
	id              UUID PRIMARY KEY,
	intent          TEXT NOT NULL,
	idempotency_key TEXT NOT NULL DEFAULT '',
	status          TEXT NOT NULL,
	version         BIGINT NOT NULL,
	document        JSONB NOT NULL,
	created_at      TIMESTAMPTZ NOT NULL,
	updated_at      TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS runs_idempotency_key
	ON runs (idempotency_key) WHERE idempotency_key <> '';
CREATE INDEX IF NOT EXISTS runs_intent_updated_at ON runs (intent, updated_at);
CREATE INDEX IF NOT EXISTS runs_status_updated_at ON runs (status, updated_at);
`

// Postgres is the pgx-backed run store for multi-instance deployments.
//
// It manages a pgxpool.Pool for queries plus an optional dedicated
// connection for LISTEN/NOTIFY: mutations committed by this process reach
// the local change handler directly, and pg_notify carries them to the
// publishers of other instances.
type Postgres struct {
	pool       *pgxpool.Pool
	notifyConn *pgx.Conn
	logger     *slog.Logger
	onChange   ChangeHandler
}

// NewPostgres connects a pool, applies the schema, and (when notifyDSN is
// non-empty) opens a dedicated connection for LISTEN. notifyDSN must point
// directly at Postgres, not a transaction-pooling PgBouncer.
func NewPostgres(ctx context.Context, poolDSN, notifyDSN string, logger *slog.Logger) (*Postgres, error) {
	poolCfg, err := pgxpool.ParseConfig(poolDSN)
	if err != nil {
		return nil, fmt.Errorf("store: parse pool DSN: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: ping pool: %w", err)
	}
	if _, err := pool.Exec(ctx, pgSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("store: apply schema: %w", err)
	}

	var notifyConn *pgx.Conn
	if notifyDSN != "" {
		notifyConn, err = pgx.Connect(ctx, notifyDSN)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("store: connect notify: %w", err)
		}
	}

	return &Postgres{pool: pool, notifyConn: notifyConn, logger: logger}, nil
}

// SetChangeHandler registers the change consumer.
func (p *Postgres) SetChangeHandler(fn ChangeHandler) {
	p.onChange = fn
}

// CreateRun inserts the run; ON CONFLICT on the idempotency-key index
// resolves the concurrent-duplicate race inside Postgres, so exactly one
// submission creates and the rest read back the winner.
func (p *Postgres) CreateRun(ctx context.Context, run model.Run) (model.Run, bool, error) {
	doc, err := json.Marshal(run)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: marshal run: %w", err)
	}

	tag, err := p.pool.Exec(ctx,
		`INSERT INTO runs (id, intent, idempotency_key, status, version, document, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT DO NOTHING`,
		run.ID, run.Intent, run.IdempotencyKey, string(run.Status), run.Version, doc, run.CreatedAt, run.UpdatedAt,
	)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("store: create run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		existing, err := p.getByKey(ctx, run.IdempotencyKey)
		if err != nil {
			return model.Run{}, false, fmt.Errorf("store: dedup lookup: %w", err)
		}
		return existing, false, nil
	}

	p.notify(ctx, run)
	return run, true, nil
}

func (p *Postgres) getByKey(ctx context.Context, key string) (model.Run, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT document FROM runs WHERE idempotency_key = $1`, key,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, err
	}
	return decodeRun(doc)
}

// GetRun retrieves a run snapshot by ID.
func (p *Postgres) GetRun(ctx context.Context, id uuid.UUID) (model.Run, error) {
	var doc []byte
	err := p.pool.QueryRow(ctx,
		`SELECT document FROM runs WHERE id = $1`, id,
	).Scan(&doc)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Run{}, ErrNotFound
		}
		return model.Run{}, fmt.Errorf("store: get run: %w", err)
	}
	return decodeRun(doc)
}

// updateAttempts bounds the optimistic-concurrency retry loop in UpdateRun.
// The executor is the only writer advancing a run, so conflicts only occur
// when a cancellation races a step transition; they resolve immediately.
const updateAttempts = 5

// UpdateRun performs an optimistic read-modify-write: the UPDATE is guarded
// by the version read, so a concurrent commit forces a clean retry rather
// than a lost update.
func (p *Postgres) UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.Run) error) (model.Run, error) {
	for attempt := 0; attempt < updateAttempts; attempt++ {
		run, err := p.GetRun(ctx, id)
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
		tag, err := p.pool.Exec(ctx,
			`UPDATE runs SET status = $1, version = $2, document = $3, updated_at = $4
			 WHERE id = $5 AND version = $6`,
			string(run.Status), run.Version, doc, run.UpdatedAt, id, prevVersion,
		)
		if err != nil {
			return model.Run{}, fmt.Errorf("store: update run: %w", err)
		}
		if tag.RowsAffected() == 1 {
			p.notify(ctx, run)
			return run, nil
		}
		// Version moved under us; back off briefly and retry.
		select {
		case <-ctx.Done():
			return model.Run{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}
	return model.Run{}, fmt.Errorf("store: update run %s: too many version conflicts", id)
}

// ListRuns returns matching runs newest first with a total count.
func (p *Postgres) ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	where := `WHERE ($1 = '' OR intent = $1) AND ($2 = '' OR status = $2)`
	var total int
	if err := p.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM runs `+where, f.Intent, string(f.Status),
	).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count runs: %w", err)
	}

	rows, err := p.pool.Query(ctx,
		`SELECT document FROM runs `+where+` ORDER BY created_at DESC, id DESC LIMIT $3 OFFSET $4`,
		f.Intent, string(f.Status), limit, f.Offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRunDocs(rows)
	if err != nil {
		return nil, 0, err
	}
	return runs, total, rows.Err()
}

// ListTerminalSince returns terminal runs for an intent by terminal time.
func (p *Postgres) ListTerminalSince(ctx context.Context, intent string, since time.Time) ([]model.Run, error) {
	rows, err := p.pool.Query(ctx,
		`SELECT document FROM runs
		 WHERE intent = $1 AND status IN ('succeeded', 'failed') AND updated_at >= $2`,
		intent, since,
	)
	if err != nil {
		return nil, fmt.Errorf("store: list terminal runs: %w", err)
	}
	defer rows.Close()

	runs, err := scanRunDocs(rows)
	if err != nil {
		return nil, err
	}
	return runs, rows.Err()
}

// DeleteTerminalBefore removes expired terminal runs. Idempotency keys live
// in the same row, so deleting the run releases the key.
func (p *Postgres) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := p.pool.Exec(ctx,
		`DELETE FROM runs WHERE status IN ('succeeded', 'failed') AND updated_at < $1`, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("store: delete expired runs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// notify delivers the committed snapshot to the local change handler and
// broadcasts an {id, version} hint over pg_notify for other instances.
// The broadcast is best-effort: the local handler is the correctness path.
func (p *Postgres) notify(ctx context.Context, run model.Run) {
	if p.onChange != nil {
		p.onChange(run)
	}
	payload, err := json.Marshal(changeHint{ID: run.ID, Version: run.Version})
	if err != nil {
		return
	}
	if _, err := p.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, notifyChannel, string(payload)); err != nil {
		p.logger.Warn("store: pg_notify failed", "error", err, "run_id", run.ID)
	}
}

type changeHint struct {
	ID      uuid.UUID `json:"id"`
	Version uint64    `json:"version"`
}

// WatchRemote blocks listening for change hints published by other
// instances and feeds re-read snapshots to the change handler. Duplicate
// and stale deliveries are expected; the publisher drops non-advancing
// versions. Call in a goroutine; returns when ctx is cancelled.
func (p *Postgres) WatchRemote(ctx context.Context) error {
	if p.notifyConn == nil {
		return fmt.Errorf("store: notify connection not configured")
	}
	if _, err := p.notifyConn.Exec(ctx, "LISTEN "+pgx.Identifier{notifyChannel}.Sanitize()); err != nil {
		return fmt.Errorf("store: listen %s: %w", notifyChannel, err)
	}

	for {
		notification, err := p.notifyConn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			p.logger.Warn("store: notification error, retrying", "error", err)
			continue
		}
		var hint changeHint
		if err := json.Unmarshal([]byte(notification.Payload), &hint); err != nil {
			p.logger.Warn("store: malformed change hint", "payload", notification.Payload)
			continue
		}
		run, err := p.GetRun(ctx, hint.ID)
		if err != nil {
			continue // deleted or not yet visible
		}
		if p.onChange != nil {
			p.onChange(run)
		}
	}
}

// Ping checks connectivity.
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

// Close shuts down the pool and notify connection.
func (p *Postgres) Close(ctx context.Context) error {
	p.pool.Close()
	if p.notifyConn != nil {
		if err := p.notifyConn.Close(ctx); err != nil {
			return fmt.Errorf("store: close notify connection: %w", err)
		}
	}
	return nil
}

func decodeRun(doc []byte) (model.Run, error) {
	var run model.Run
	if err := json.Unmarshal(doc, &run); err != nil {
		return model.Run{}, fmt.Errorf("store: decode run document: %w", err)
	}
	return run, nil
}

func scanRunDocs(rows pgx.Rows) ([]model.Run, error) {
	var runs []model.Run
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, fmt.Errorf("store: scan run: %w", err)
		}
		run, err := decodeRun(doc)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, nil
}
