package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

var fastRetry = RetryPolicy{
	Attempts:  3,
	BaseDelay: time.Millisecond,
	Factor:    2,
	MaxDelay:  5 * time.Millisecond,
}

type testHarness struct {
	store    *store.Memory
	registry *Registry
	executor *Executor
	gateway  *Gateway
}

func newHarness(t *testing.T) *testHarness {
	t.Helper()
	st := store.NewMemory()
	reg := NewRegistry()
	ex := NewExecutor(ExecutorConfig{
		Store:              st,
		Registry:           reg,
		Logger:             testLogger,
		DefaultStepTimeout: time.Second,
		Retry:              fastRetry,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ex.Start(ctx)
	return &testHarness{
		store:    st,
		registry: reg,
		executor: ex,
		gateway:  NewGateway(st, reg, ex, testLogger),
	}
}

func (h *testHarness) waitTerminal(t *testing.T, id uuid.UUID) model.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := h.store.GetRun(context.Background(), id)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", id)
	return model.Run{}
}

func staticInvoker(out model.StepOutput) Invoker {
	return InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		return out, nil
	})
}

func registerIntent(t *testing.T, h *testHarness, name string, continueOnFailure bool, steps ...StepSpec) {
	t.Helper()
	require.NoError(t, h.registry.RegisterIntent(Intent{
		Name:              name,
		Steps:             steps,
		ContinueOnFailure: continueOnFailure,
	}))
}

func TestExecutorRunsAllStepsAndAggregates(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.report", false,
		StepSpec{Name: "enrich", Kind: "entities"},
		StepSpec{Name: "ioc", Kind: "indicators"},
	)
	h.registry.RegisterInvoker("entities", staticInvoker(
		model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"})))
	h.registry.RegisterInvoker("indicators", staticInvoker(
		model.IndicatorsOutput(map[string][]string{"ip": {"10.0.0.1"}})))

	run, created, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.report"})
	require.NoError(t, err)
	require.True(t, created)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, final.Status)
	assert.Nil(t, final.Error)
	for _, step := range final.Steps {
		assert.Equal(t, model.StepStatusSucceeded, step.Status)
		assert.NotNil(t, step.StartedAt)
		assert.NotNil(t, step.FinishedAt)
	}
	assert.Len(t, final.Result.Entities, 1)
	assert.Len(t, final.Result.Indicators["ip"], 1)
}

func TestExecutorRetriesTransientThenSucceeds(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.flaky", false, StepSpec{Name: "enrich", Kind: "flaky"})

	var calls atomic.Int32
	h.registry.RegisterInvoker("flaky", InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		if calls.Add(1) < 3 {
			return model.StepOutput{}, fmt.Errorf("upstream 503: %w", ErrTransient)
		}
		return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.9"}), nil
	}))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.flaky"})
	require.NoError(t, err)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, final.Status)
	assert.Equal(t, int32(3), calls.Load())
	// Retries are internal: single step record, marked succeeded.
	require.Len(t, final.Steps, 1)
	assert.Equal(t, model.StepStatusSucceeded, final.Steps[0].Status)
}

func TestExecutorExhaustsRetriesAndFails(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.down", false, StepSpec{Name: "enrich", Kind: "down"})

	var calls atomic.Int32
	h.registry.RegisterInvoker("down", InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		calls.Add(1)
		return model.StepOutput{}, fmt.Errorf("connection refused: %w", ErrTransient)
	}))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.down"})
	require.NoError(t, err)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	assert.Equal(t, int32(fastRetry.Attempts), calls.Load())
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrKindTransient, final.Error.Kind)
}

func TestExecutorPermanentFailureHaltsSequence(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.halting", false,
		StepSpec{Name: "enrich", Kind: "ok"},
		StepSpec{Name: "score", Kind: "broken"},
		StepSpec{Name: "draft", Kind: "ok"},
	)
	var calls atomic.Int32
	h.registry.RegisterInvoker("ok", InvokerFunc(func(_ context.Context, _ uuid.UUID, _ string, _ json.RawMessage) (model.StepOutput, error) {
		calls.Add(1)
		return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"}), nil
	}))
	h.registry.RegisterInvoker("broken", InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		return model.StepOutput{}, errors.New("malformed payload")
	}))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.halting"})
	require.NoError(t, err)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrKindPermanent, final.Error.Kind)

	// Permanent failures are not retried, and the halt means the "ok"
	// collaborator ran exactly once (for enrich).
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, model.StepStatusSucceeded, final.Steps[0].Status)
	assert.Equal(t, model.StepStatusFailed, final.Steps[1].Status)
	assert.Equal(t, model.StepStatusPending, final.Steps[2].Status)
	assert.Nil(t, final.Steps[2].StartedAt)

	// Partial result from the steps that did succeed survives.
	assert.Len(t, final.Result.Entities, 1)
}

func TestExecutorContinueOnFailure(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.sweep", true,
		StepSpec{Name: "scan", Kind: "broken"},
		StepSpec{Name: "enrich", Kind: "ok"},
	)
	h.registry.RegisterInvoker("broken", InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		return model.StepOutput{}, errors.New("scanner offline")
	}))
	h.registry.RegisterInvoker("ok", staticInvoker(
		model.EntitiesOutput(model.Entity{Type: "domain", Value: "example.com"})))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.sweep"})
	require.NoError(t, err)

	final := h.waitTerminal(t, run.ID)
	// The failed step still makes the run failed, but later steps ran.
	assert.Equal(t, model.RunStatusFailed, final.Status)
	assert.Equal(t, model.StepStatusFailed, final.Steps[0].Status)
	assert.Equal(t, model.StepStatusSucceeded, final.Steps[1].Status)
	assert.Len(t, final.Result.Entities, 1)
}

func TestExecutorStepTimeoutIsTransient(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.slow", false,
		StepSpec{Name: "enrich", Kind: "slow", Timeout: 10 * time.Millisecond})

	var calls atomic.Int32
	h.registry.RegisterInvoker("slow", InvokerFunc(func(ctx context.Context, _ uuid.UUID, _ string, _ json.RawMessage) (model.StepOutput, error) {
		if calls.Add(1) < 3 {
			<-ctx.Done()
			return model.StepOutput{}, ctx.Err()
		}
		return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.5"}), nil
	}))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.slow"})
	require.NoError(t, err)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusSucceeded, final.Status, "two timeouts then success")
	assert.Equal(t, int32(3), calls.Load())
}

func TestExecutorCancellationBetweenSteps(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.long", false,
		StepSpec{Name: "first", Kind: "gate"},
		StepSpec{Name: "second", Kind: "gate"},
	)

	started := make(chan uuid.UUID, 1)
	release := make(chan struct{})
	h.registry.RegisterInvoker("gate", InvokerFunc(func(_ context.Context, runID uuid.UUID, stepName string, _ json.RawMessage) (model.StepOutput, error) {
		if stepName == "first" {
			started <- runID
			<-release
		}
		return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"}), nil
	}))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.long"})
	require.NoError(t, err)

	<-started
	_, err = h.gateway.Cancel(context.Background(), run.ID)
	require.NoError(t, err)
	close(release)

	final := h.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrKindCancelled, final.Error.Kind)

	// The in-flight step finished cleanly; the next one never started.
	assert.Equal(t, model.StepStatusSucceeded, final.Steps[0].Status)
	assert.Equal(t, model.StepStatusPending, final.Steps[1].Status)
	// Its output still counts toward the partial result.
	assert.Len(t, final.Result.Entities, 1)
}

func TestGatewaySubmitDeduplicates(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.report", false, StepSpec{Name: "enrich", Kind: "ok"})

	var calls atomic.Int32
	h.registry.RegisterInvoker("ok", InvokerFunc(func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
		calls.Add(1)
		return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"}), nil
	}))

	req := model.SubmitRunRequest{Intent: "triage.report", IdempotencyKey: "req-42"}
	first, created, err := h.gateway.Submit(context.Background(), req)
	require.NoError(t, err)
	require.True(t, created)

	final := h.waitTerminal(t, first.ID)

	second, created, err := h.gateway.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, final.Status, second.Status, "replay returns the completed run")
	assert.Equal(t, int32(1), calls.Load(), "dedup must not re-execute")
}

func TestGatewayRejectsUnknownIntent(t *testing.T) {
	h := newHarness(t)
	_, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "no.such.intent"})
	assert.ErrorIs(t, err, ErrUnknownIntent)
}

func TestGatewayCancelTerminalRunFails(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.report", false, StepSpec{Name: "enrich", Kind: "ok"})
	h.registry.RegisterInvoker("ok", staticInvoker(
		model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"})))

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.report"})
	require.NoError(t, err)
	h.waitTerminal(t, run.ID)

	_, err = h.gateway.Cancel(context.Background(), run.ID)
	assert.ErrorIs(t, err, store.ErrRunTerminal)
}

func TestExecutorVersionsAdvanceMonotonically(t *testing.T) {
	h := newHarness(t)
	registerIntent(t, h, "triage.report", false,
		StepSpec{Name: "enrich", Kind: "ok"},
		StepSpec{Name: "draft", Kind: "ok"},
	)
	h.registry.RegisterInvoker("ok", staticInvoker(
		model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"})))

	versions := make(chan uint64, 32)
	h.store.SetChangeHandler(func(r model.Run) { versions <- r.Version })

	run, _, err := h.gateway.Submit(context.Background(), model.SubmitRunRequest{Intent: "triage.report"})
	require.NoError(t, err)
	h.waitTerminal(t, run.ID)

	close(versions)
	var prev uint64
	for v := range versions {
		assert.Greater(t, v, prev, "each commit bumps the version")
		prev = v
	}
	assert.GreaterOrEqual(t, prev, uint64(5), "begin/commit per step plus terminal commit")
}
