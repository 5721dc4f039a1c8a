// Package store provides the durable run store for Tasuki.
//
// The store is the single source of truth for run state. Three backends
// implement the same interface: an in-memory map (default, tests), Postgres
// via pgx (multi-instance deployments), and SQLite via modernc (single-node
// durable mode). The backend is selected by DSN scheme in config.
//
// Write discipline: at most one writer advances a given run at a time. The
// executor owns a run's execution exclusively; the only other mutation path
// is the cancellation flag, which goes through the same UpdateRun entry
// point and is serialized per run by each backend.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

var (
	// ErrNotFound is returned when a requested run does not exist.
	ErrNotFound = errors.New("store: run not found")
	// ErrRunTerminal is returned by UpdateRun when the run has already
	// reached succeeded or failed. Terminal runs never mutate.
	ErrRunTerminal = errors.New("store: run is terminal")
)

// RunFilter narrows ListRuns.
type RunFilter struct {
	Intent string          // empty = all intents
	Status model.RunStatus // empty = all statuses
	Limit  int
	Offset int
}

// ChangeHandler receives a snapshot of every committed run mutation,
// in commit order per run. Handlers must not block: the publisher side
// decouples slow subscribers from this path.
type ChangeHandler func(run model.Run)

// Store is the durable keyed state for runs.
type Store interface {
	// CreateRun persists a new run. If the run carries a non-empty
	// idempotency key that has been seen before, no new run is created and
	// the existing run is returned with created=false. The key check and
	// insert are atomic: of N concurrent submissions bearing the same key,
	// exactly one creates.
	CreateRun(ctx context.Context, run model.Run) (created model.Run, isNew bool, err error)

	// GetRun returns a consistent snapshot of the run.
	GetRun(ctx context.Context, id uuid.UUID) (model.Run, error)

	// UpdateRun applies mutate to the current run state and commits the
	// result, bumping Version and UpdatedAt. Returns ErrRunTerminal without
	// calling mutate if the run is already terminal. The committed snapshot
	// is returned and delivered to the change handler.
	UpdateRun(ctx context.Context, id uuid.UUID, mutate func(*model.Run) error) (model.Run, error)

	// ListRuns returns runs matching the filter, newest first, plus the
	// total match count before limit/offset.
	ListRuns(ctx context.Context, f RunFilter) ([]model.Run, int, error)

	// ListTerminalSince returns terminal runs for an intent whose terminal
	// transition (UpdatedAt) falls at or after since. Feeds usage analytics.
	ListTerminalSince(ctx context.Context, intent string, since time.Time) ([]model.Run, error)

	// DeleteTerminalBefore removes terminal runs whose UpdatedAt is older
	// than cutoff, releasing their idempotency keys. Returns the count.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)

	// SetChangeHandler registers the single change consumer. Must be called
	// before any writes; not safe to swap concurrently with writes.
	SetChangeHandler(fn ChangeHandler)

	Ping(ctx context.Context) error
	Close(ctx context.Context) error
}

// applyMutation enforces the shared mutation contract for all backends:
// terminal runs are immutable, Version advances by exactly one, and
// UpdatedAt moves forward on every commit.
func applyMutation(run *model.Run, mutate func(*model.Run) error) error {
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	if err := mutate(run); err != nil {
		return err
	}
	run.Version++
	run.UpdatedAt = time.Now().UTC()
	return nil
}

// NewRun builds a queued run for an intent with pending step records in
// declared order. Callers persist it via CreateRun.
func NewRun(intent string, stepNames []string, payload []byte, idempotencyKey string) model.Run {
	now := time.Now().UTC()
	steps := make([]model.StepRecord, len(stepNames))
	for i, name := range stepNames {
		steps[i] = model.StepRecord{Name: name, Status: model.StepStatusPending}
	}
	return model.Run{
		ID:             uuid.New(),
		Intent:         intent,
		IdempotencyKey: idempotencyKey,
		Payload:        payload,
		Status:         model.RunStatusQueued,
		Steps:          steps,
		Version:        1,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
}
