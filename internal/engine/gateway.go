package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/store"
)

// ErrInvalidRequest wraps submission validation failures so callers can
// distinguish them from store errors.
var ErrInvalidRequest = errors.New("engine: invalid request")

// Gateway is the write-side entry point: it validates submissions, performs
// idempotent creation through the store, and hands new runs to the executor.
type Gateway struct {
	store    store.Store
	registry *Registry
	executor *Executor
	logger   *slog.Logger
}

func NewGateway(st store.Store, reg *Registry, ex *Executor, logger *slog.Logger) *Gateway {
	return &Gateway{store: st, registry: reg, executor: ex, logger: logger}
}

// Submit creates a run for the request and dispatches it. When the request
// carries an idempotency key that matches an existing run, that run is
// returned with created=false and nothing is dispatched: replaying a submit
// is always safe.
func (g *Gateway) Submit(ctx context.Context, req model.SubmitRunRequest) (model.Run, bool, error) {
	if err := model.ValidateIntent(req.Intent); err != nil {
		return model.Run{}, false, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if err := model.ValidateIdempotencyKey(req.IdempotencyKey); err != nil {
		return model.Run{}, false, fmt.Errorf("%w: %s", ErrInvalidRequest, err)
	}
	if len(req.Payload) > model.MaxPayloadBytes {
		return model.Run{}, false, fmt.Errorf("%w: payload exceeds %d bytes", ErrInvalidRequest, model.MaxPayloadBytes)
	}
	intent, ok := g.registry.Intent(req.Intent)
	if !ok {
		return model.Run{}, false, fmt.Errorf("%w: %q", ErrUnknownIntent, req.Intent)
	}

	stepNames := make([]string, len(intent.Steps))
	for i, s := range intent.Steps {
		stepNames[i] = s.Name
	}
	run := store.NewRun(req.Intent, stepNames, req.Payload, req.IdempotencyKey)

	created, isNew, err := g.store.CreateRun(ctx, run)
	if err != nil {
		return model.Run{}, false, fmt.Errorf("create run: %w", err)
	}
	if !isNew {
		g.logger.Debug("engine: submit deduplicated",
			"run_id", created.ID, "intent", created.Intent, "idempotency_key", req.IdempotencyKey)
		return created, false, nil
	}

	g.executor.Dispatch(created.ID)
	g.logger.Info("engine: run submitted", "run_id", created.ID, "intent", created.Intent)
	return created, true, nil
}

// Status returns the current snapshot of a run.
func (g *Gateway) Status(ctx context.Context, id uuid.UUID) (model.Run, error) {
	return g.store.GetRun(ctx, id)
}

// Cancel requests cooperative cancellation. The flag is committed as its
// own version; the executor honors it at the next step boundary, so an
// in-flight step always finishes cleanly. Cancelling a terminal run
// returns store.ErrRunTerminal.
func (g *Gateway) Cancel(ctx context.Context, id uuid.UUID) (model.Run, error) {
	run, err := g.store.UpdateRun(ctx, id, func(r *model.Run) error {
		r.CancelRequested = true
		return nil
	})
	if err != nil {
		return model.Run{}, err
	}
	g.logger.Info("engine: cancellation requested", "run_id", id)
	return run, nil
}

// List returns runs matching the filter, newest first.
func (g *Gateway) List(ctx context.Context, filter store.RunFilter) ([]model.Run, int, error) {
	return g.store.ListRuns(ctx, filter)
}
