package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/store"
	"github.com/ashita-ai/tasuki/internal/telemetry"
)

var (
	// ErrUnknownIntent is returned by Submit for an unregistered intent.
	ErrUnknownIntent = errors.New("engine: unknown intent")
	// ErrTransient marks a step failure as retriable. Collaborators wrap it
	// (fmt.Errorf("upstream 503: %w", engine.ErrTransient)) to request the
	// executor's backoff-and-retry treatment.
	ErrTransient = errors.New("engine: transient step failure")
)

// isTransient reports whether a step error should be retried. Timeouts are
// transient by definition: the per-step deadline triggers the same backoff
// policy as an upstream 5xx.
func isTransient(err error) bool {
	return errors.Is(err, ErrTransient) || errors.Is(err, context.DeadlineExceeded)
}

// RetryPolicy bounds the executor's exponential backoff for transient
// step failures.
type RetryPolicy struct {
	Attempts  int           // total attempts, including the first
	BaseDelay time.Duration // delay before the second attempt
	Factor    float64       // multiplier per attempt
	MaxDelay  time.Duration // cap on a single delay
}

// DefaultRetryPolicy is 3 attempts: 500ms then 1s, capped at 5s.
var DefaultRetryPolicy = RetryPolicy{
	Attempts:  3,
	BaseDelay: 500 * time.Millisecond,
	Factor:    2,
	MaxDelay:  5 * time.Second,
}

// delay returns the jittered backoff before attempt n (1-based; n=1 means
// the delay after the first failure).
func (p RetryPolicy) delay(n int) time.Duration {
	d := p.BaseDelay
	for i := 1; i < n; i++ {
		d = time.Duration(float64(d) * p.Factor)
		if d >= p.MaxDelay {
			d = p.MaxDelay
			break
		}
	}
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	jitter := time.Duration(rand.Int64N(int64(d)/4 + 1)) //nolint:gosec // jitter doesn't need crypto-strength randomness
	return d + jitter
}

// ExecutorConfig holds dependencies and tuning for the executor.
type ExecutorConfig struct {
	Store    store.Store
	Registry *Registry
	Logger   *slog.Logger

	MaxConcurrentRuns  int64         // 0 = 64
	DefaultStepTimeout time.Duration // 0 = 30s
	Retry              RetryPolicy   // zero value = DefaultRetryPolicy
}

// Executor advances runs through their step sequences. Each run executes
// in its own goroutine; total in-flight runs are bounded by a weighted
// semaphore. Within one run everything is strictly sequential, which is the
// single-writer discipline the store's consistency model relies on.
type Executor struct {
	store       store.Store
	registry    *Registry
	logger      *slog.Logger
	sem         *semaphore.Weighted
	stepTimeout time.Duration
	retry       RetryPolicy

	mu      sync.Mutex
	baseCtx context.Context
	wg      sync.WaitGroup

	inflight     atomic.Int64
	runsStarted  metric.Int64Counter
	runsFinished metric.Int64Counter
}

// NewExecutor creates an executor. Call Start before dispatching.
func NewExecutor(cfg ExecutorConfig) *Executor {
	maxRuns := cfg.MaxConcurrentRuns
	if maxRuns <= 0 {
		maxRuns = 64
	}
	stepTimeout := cfg.DefaultStepTimeout
	if stepTimeout <= 0 {
		stepTimeout = 30 * time.Second
	}
	retry := cfg.Retry
	if retry.Attempts <= 0 {
		retry = DefaultRetryPolicy
	}
	return &Executor{
		store:       cfg.Store,
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		sem:         semaphore.NewWeighted(maxRuns),
		stepTimeout: stepTimeout,
		retry:       retry,
	}
}

// Start sets the base context for run goroutines and registers metrics.
func (e *Executor) Start(ctx context.Context) {
	e.mu.Lock()
	e.baseCtx = ctx
	e.mu.Unlock()
	e.registerMetrics()
}

// Dispatch hands a queued run to the executor and returns immediately.
// Execution begins once a semaphore slot is available.
func (e *Executor) Dispatch(runID uuid.UUID) {
	e.mu.Lock()
	ctx := e.baseCtx
	e.mu.Unlock()
	if ctx == nil {
		ctx = context.Background()
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if err := e.sem.Acquire(ctx, 1); err != nil {
			return // shutting down before the run started
		}
		defer e.sem.Release(1)

		e.inflight.Add(1)
		defer e.inflight.Add(-1)
		e.execute(ctx, runID)
	}()
}

// Drain waits for in-flight runs to finish, up to ctx's deadline.
func (e *Executor) Drain(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		e.logger.Warn("engine: drain timed out with runs in flight", "in_flight", e.InFlight())
	}
}

// InFlight returns the number of runs currently executing.
func (e *Executor) InFlight() int {
	return int(e.inflight.Load())
}

// execute advances one run from queued to terminal. Every step transition
// is committed to the store before the next step starts, so observers never
// see a gap; the partial result is recomputed with each completed step.
func (e *Executor) execute(ctx context.Context, runID uuid.UUID) {
	run, err := e.store.GetRun(ctx, runID)
	if err != nil {
		e.logger.Error("engine: load run", "error", err, "run_id", runID)
		return
	}
	if run.Status.Terminal() {
		return
	}

	intent, ok := e.registry.Intent(run.Intent)
	if !ok {
		// The gateway validates intents at submission; hitting this means
		// the registry changed under a queued run.
		e.failRun(ctx, runID, model.ErrKindPermanent, fmt.Sprintf("intent %q no longer registered", run.Intent))
		return
	}

	e.countStart(ctx, run.Intent)
	e.logger.Info("engine: run started", "run_id", runID, "intent", run.Intent, "steps", len(intent.Steps))

	var failed *model.StepError
	for _, spec := range intent.Steps {
		// Steps that already succeeded are skipped so a run interrupted by
		// a restart resumes where it left off instead of re-invoking
		// collaborators whose output is already committed.
		if s := run.Step(spec.Name); s != nil && s.Status == model.StepStatusSucceeded {
			continue
		}
		cancelled, err := e.beginStep(ctx, runID, spec.Name)
		if err != nil {
			e.logger.Error("engine: begin step", "error", err, "run_id", runID, "step", spec.Name)
			return
		}
		if cancelled {
			e.finishRun(ctx, runID, &model.StepError{Kind: model.ErrKindCancelled, Message: "run cancelled"})
			return
		}

		output, stepErr := e.invokeWithRetry(ctx, run, spec)
		if stepErr != nil {
			if commitErr := e.commitStepFailure(ctx, runID, spec.Name, stepErr); commitErr != nil {
				e.logger.Error("engine: commit step failure", "error", commitErr, "run_id", runID, "step", spec.Name)
				return
			}
			e.logger.Warn("engine: step failed",
				"run_id", runID, "step", spec.Name, "kind", stepErr.Kind, "error", stepErr.Message)
			if !intent.ContinueOnFailure {
				e.finishRun(ctx, runID, stepErr)
				return
			}
			if failed == nil {
				failed = stepErr
			}
			continue
		}

		if err := e.commitStepSuccess(ctx, runID, spec.Name, output); err != nil {
			e.logger.Error("engine: commit step success", "error", err, "run_id", runID, "step", spec.Name)
			return
		}
	}

	e.finishRun(ctx, runID, failed)
}

// beginStep commits queued→running (first step only) and pending→running
// for the named step. It reports cancelled=true without transitioning the
// step when cancellation was requested; the caller finishes the run.
func (e *Executor) beginStep(ctx context.Context, runID uuid.UUID, stepName string) (cancelled bool, err error) {
	_, err = e.store.UpdateRun(ctx, runID, func(r *model.Run) error {
		if r.CancelRequested {
			cancelled = true
			return nil
		}
		if r.Status == model.RunStatusQueued {
			r.Status = model.RunStatusRunning
		}
		step := r.Step(stepName)
		if step == nil {
			return fmt.Errorf("engine: run %s has no step %q", r.ID, stepName)
		}
		now := time.Now().UTC()
		step.Status = model.StepStatusRunning
		step.StartedAt = &now
		return nil
	})
	return cancelled, err
}

// invokeWithRetry calls the step's collaborator under the per-step timeout,
// retrying transient failures with jittered exponential backoff. Retries
// are internal: they never appear as extra StepRecords.
func (e *Executor) invokeWithRetry(ctx context.Context, run model.Run, spec StepSpec) (model.StepOutput, *model.StepError) {
	invoker, ok := e.registry.Invoker(spec.Kind)
	if !ok {
		return model.StepOutput{}, &model.StepError{
			Kind:    model.ErrKindPermanent,
			Message: fmt.Sprintf("no collaborator registered for step kind %q", spec.Kind),
		}
	}
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = e.stepTimeout
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.Attempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		output, err := invoker.Invoke(stepCtx, run.ID, spec.Name, run.Payload)
		cancel()
		if err == nil {
			if vErr := output.Validate(); vErr != nil {
				return model.StepOutput{}, &model.StepError{Kind: model.ErrKindPermanent, Message: vErr.Error()}
			}
			return output, nil
		}
		lastErr = err

		if !isTransient(err) {
			return model.StepOutput{}, &model.StepError{Kind: model.ErrKindPermanent, Message: err.Error()}
		}
		if attempt == e.retry.Attempts {
			break
		}
		e.logger.Debug("engine: retrying transient step failure",
			"run_id", run.ID, "step", spec.Name, "attempt", attempt, "error", err)
		select {
		case <-ctx.Done():
			return model.StepOutput{}, &model.StepError{Kind: model.ErrKindCancelled, Message: "run cancelled"}
		case <-time.After(e.retry.delay(attempt)):
		}
	}
	return model.StepOutput{}, &model.StepError{
		Kind:    model.ErrKindTransient,
		Message: fmt.Sprintf("retries exhausted after %d attempts: %v", e.retry.Attempts, lastErr),
	}
}

// commitStepSuccess records the step output and recomputes the partial
// result in the same commit, so readers of a running run always see a
// result consistent with the steps marked succeeded.
func (e *Executor) commitStepSuccess(ctx context.Context, runID uuid.UUID, stepName string, output model.StepOutput) error {
	_, err := e.store.UpdateRun(ctx, runID, func(r *model.Run) error {
		step := r.Step(stepName)
		if step == nil {
			return fmt.Errorf("engine: run %s has no step %q", r.ID, stepName)
		}
		now := time.Now().UTC()
		step.Status = model.StepStatusSucceeded
		step.FinishedAt = &now
		step.Output = &output
		r.Result = Aggregate(r.Steps)
		return nil
	})
	return err
}

func (e *Executor) commitStepFailure(ctx context.Context, runID uuid.UUID, stepName string, stepErr *model.StepError) error {
	_, err := e.store.UpdateRun(ctx, runID, func(r *model.Run) error {
		step := r.Step(stepName)
		if step == nil {
			return fmt.Errorf("engine: run %s has no step %q", r.ID, stepName)
		}
		now := time.Now().UTC()
		step.Status = model.StepStatusFailed
		step.FinishedAt = &now
		step.Error = stepErr
		return nil
	})
	return err
}

// finishRun commits the terminal status. A nil runErr means success; the
// partial result accumulated so far is preserved either way.
func (e *Executor) finishRun(ctx context.Context, runID uuid.UUID, runErr *model.StepError) {
	status := model.RunStatusSucceeded
	if runErr != nil {
		status = model.RunStatusFailed
	}
	final, err := e.store.UpdateRun(ctx, runID, func(r *model.Run) error {
		r.Status = status
		r.Error = runErr
		return nil
	})
	if err != nil {
		e.logger.Error("engine: commit terminal status", "error", err, "run_id", runID, "status", status)
		return
	}
	e.countFinish(ctx, final.Intent, status)
	e.logger.Info("engine: run finished", "run_id", runID, "intent", final.Intent, "status", status)
}

func (e *Executor) failRun(ctx context.Context, runID uuid.UUID, kind model.ErrorKind, msg string) {
	e.finishRun(ctx, runID, &model.StepError{Kind: kind, Message: msg})
}

func (e *Executor) registerMetrics() {
	meter := telemetry.Meter("tasuki/engine")

	e.runsStarted, _ = meter.Int64Counter("tasuki.runs.started",
		metric.WithDescription("Runs the executor has begun executing"))
	e.runsFinished, _ = meter.Int64Counter("tasuki.runs.finished",
		metric.WithDescription("Runs that reached a terminal status"))

	_, _ = meter.Int64ObservableGauge("tasuki.runs.in_flight",
		metric.WithDescription("Runs currently executing"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			o.Observe(e.inflight.Load())
			return nil
		}),
	)
}

func (e *Executor) countStart(ctx context.Context, intent string) {
	if e.runsStarted != nil {
		e.runsStarted.Add(ctx, 1, metric.WithAttributes(attribute.String("intent", intent)))
	}
}

func (e *Executor) countFinish(ctx context.Context, intent string, status model.RunStatus) {
	if e.runsFinished != nil {
		e.runsFinished.Add(ctx, 1, metric.WithAttributes(
			attribute.String("intent", intent),
			attribute.String("status", string(status)),
		))
	}
}
