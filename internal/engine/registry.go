// Package engine implements run lifecycle orchestration: idempotent
// submission, ordered step execution with retries, and incremental result
// aggregation. It owns all mutation of a run between creation and terminal
// status; every other component is a reader.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// StepSpec declares one step of an intent.
type StepSpec struct {
	Name    string
	Kind    string        // selects the registered collaborator
	Timeout time.Duration // 0 = executor default
}

// Intent declares an ordered step sequence for a named workflow.
// ContinueOnFailure is opt-in per intent: the default is to halt on the
// first failed step.
type Intent struct {
	Name              string
	Steps             []StepSpec
	ContinueOnFailure bool
}

// Invoker is the boundary to an external step collaborator. Collaborators
// are stateless with respect to the run: they receive the run id for
// correlation only and must not retain it.
//
// A transient failure (timeout, upstream 5xx) is reported by wrapping
// ErrTransient so the executor retries; any other error is permanent.
type Invoker interface {
	Invoke(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (model.StepOutput, error)
}

// InvokerFunc adapts a function to the Invoker interface.
type InvokerFunc func(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (model.StepOutput, error)

// Invoke implements Invoker.
func (f InvokerFunc) Invoke(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (model.StepOutput, error) {
	return f(ctx, runID, stepName, payload)
}

// Registry maps intent names to step sequences and step kinds to
// collaborators. Registration happens at startup; lookups are concurrent.
type Registry struct {
	mu       sync.RWMutex
	intents  map[string]Intent
	invokers map[string]Invoker
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		intents:  make(map[string]Intent),
		invokers: make(map[string]Invoker),
	}
}

// RegisterIntent adds or replaces an intent definition.
func (r *Registry) RegisterIntent(in Intent) error {
	if err := model.ValidateIntent(in.Name); err != nil {
		return fmt.Errorf("engine: register intent: %w", err)
	}
	if len(in.Steps) == 0 {
		return fmt.Errorf("engine: register intent %q: at least one step required", in.Name)
	}
	seen := make(map[string]bool, len(in.Steps))
	for _, s := range in.Steps {
		if s.Name == "" || s.Kind == "" {
			return fmt.Errorf("engine: register intent %q: step name and kind are required", in.Name)
		}
		if seen[s.Name] {
			return fmt.Errorf("engine: register intent %q: duplicate step %q", in.Name, s.Name)
		}
		seen[s.Name] = true
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.intents[in.Name] = in
	return nil
}

// RegisterInvoker binds a collaborator to a step kind.
func (r *Registry) RegisterInvoker(kind string, inv Invoker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.invokers[kind] = inv
}

// Intent looks up an intent by name.
func (r *Registry) Intent(name string) (Intent, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	in, ok := r.intents[name]
	return in, ok
}

// Invoker looks up a collaborator by step kind.
func (r *Registry) Invoker(kind string) (Invoker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inv, ok := r.invokers[kind]
	return inv, ok
}

// Intents returns the registered intent names, for diagnostics.
func (r *Registry) Intents() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.intents))
	for name := range r.intents {
		names = append(names, name)
	}
	return names
}
