package tasuki

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
)

// Collaborator executes one step kind. Registered via WithCollaborator, it
// replaces the built-in demo collaborator for that kind. The run id is
// passed for correlation only; collaborators must not retain it.
//
// Returning an error wrapped with ErrTransient marks the failure retryable;
// any other error is permanent and fails the step immediately.
type Collaborator interface {
	Invoke(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (StepOutput, error)
}

// CollaboratorFunc adapts a function to the Collaborator interface.
type CollaboratorFunc func(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (StepOutput, error)

// Invoke implements Collaborator.
func (f CollaboratorFunc) Invoke(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (StepOutput, error) {
	return f(ctx, runID, stepName, payload)
}

// RunHook receives an async notification each time a run reaches a terminal
// status. Hook methods run in goroutines with a bounded context and must not
// block indefinitely; failures are logged, never surfaced to the run.
type RunHook interface {
	OnRunFinished(ctx context.Context, run Run) error
}

// Middleware wraps the root HTTP handler. Applied outermost, before
// routing, so it sees every request including /health. Multiple middlewares
// apply in registration order: first registered is outermost.
type Middleware func(http.Handler) http.Handler
