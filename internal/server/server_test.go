package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/analytics"
	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/publish"
	"github.com/ashita-ai/tasuki/internal/store"
)

var testLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

type testServer struct {
	srv      *Server
	store    *store.Memory
	registry *engine.Registry
	release  chan struct{} // gates the "slow" step kind
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	st := store.NewMemory()
	pub := publish.NewPublisher(testLogger)
	st.SetChangeHandler(pub.Publish)

	reg := engine.NewRegistry()
	require.NoError(t, reg.RegisterIntent(engine.Intent{
		Name: "triage.report",
		Steps: []engine.StepSpec{
			{Name: "enrich", Kind: "entities"},
			{Name: "ioc", Kind: "indicators"},
		},
	}))
	require.NoError(t, reg.RegisterIntent(engine.Intent{
		Name: "triage.slow",
		Steps: []engine.StepSpec{
			{Name: "wait", Kind: "gated"},
			{Name: "enrich", Kind: "entities"},
		},
	}))

	reg.RegisterInvoker("entities", engine.InvokerFunc(
		func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
			return model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"}), nil
		}))
	reg.RegisterInvoker("indicators", engine.InvokerFunc(
		func(context.Context, uuid.UUID, string, json.RawMessage) (model.StepOutput, error) {
			return model.IndicatorsOutput(map[string][]string{"ip": {"10.0.0.1"}}), nil
		}))

	release := make(chan struct{})
	reg.RegisterInvoker("gated", engine.InvokerFunc(
		func(ctx context.Context, _ uuid.UUID, _ string, _ json.RawMessage) (model.StepOutput, error) {
			select {
			case <-release:
			case <-ctx.Done():
				return model.StepOutput{}, ctx.Err()
			}
			return model.EntitiesOutput(model.Entity{Type: "domain", Value: "example.com"}), nil
		}))

	ex := engine.NewExecutor(engine.ExecutorConfig{
		Store:              st,
		Registry:           reg,
		Logger:             testLogger,
		DefaultStepTimeout: 5 * time.Second,
	})
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ex.Start(ctx)

	gw := engine.NewGateway(st, reg, ex, testLogger)
	usage := analytics.NewUsage(st, 0.8, testLogger)

	srv := New(ServerConfig{
		Gateway:      gw,
		Executor:     ex,
		Publisher:    pub,
		Usage:        usage,
		Store:        st,
		Logger:       testLogger,
		Version:      "test",
		StoreName:    "memory",
		SSEKeepalive: 100 * time.Millisecond,
	})
	return &testServer{srv: srv, store: st, registry: reg, release: release}
}

type runEnvelope struct {
	Data model.Run          `json:"data"`
	Meta model.ResponseMeta `json:"meta"`
}

type errEnvelope struct {
	Error model.ErrorDetail  `json:"error"`
	Meta  model.ResponseMeta `json:"meta"`
}

func (ts *testServer) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}
	req := httptest.NewRequest(method, path, reader)
	req.RemoteAddr = "10.0.0.100:40000"
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func (ts *testServer) submit(t *testing.T, intent, key string) model.Run {
	t.Helper()
	rec := ts.do(t, http.MethodPost, "/v1/runs", model.SubmitRunRequest{Intent: intent, IdempotencyKey: key}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env.Data
}

func (ts *testServer) waitTerminal(t *testing.T, id uuid.UUID) model.Run {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		run, err := ts.store.GetRun(context.Background(), id)
		require.NoError(t, err)
		if run.Status.Terminal() {
			return run
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("run %s never reached a terminal status", id)
	return model.Run{}
}

func TestSubmitRunCreated(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodPost, "/v1/runs",
		model.SubmitRunRequest{Intent: "triage.report", Payload: json.RawMessage(`{"subject":"x"}`)}, nil)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.NotEqual(t, uuid.Nil, env.Data.ID)
	assert.Equal(t, "triage.report", env.Data.Intent)
	assert.NotEmpty(t, env.Meta.RequestID)
	assert.JSONEq(t, `{"subject":"x"}`, string(env.Data.Payload))
}

func TestSubmitRunDeduplicates(t *testing.T) {
	ts := newTestServer(t)

	first := ts.submit(t, "triage.report", "order-7")

	rec := ts.do(t, http.MethodPost, "/v1/runs",
		model.SubmitRunRequest{Intent: "triage.report", IdempotencyKey: "order-7"}, nil)
	require.Equal(t, http.StatusOK, rec.Code, "replay must not create")

	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, first.ID, env.Data.ID)
}

func TestSubmitRunHeaderKeyWins(t *testing.T) {
	ts := newTestServer(t)

	first := ts.submit(t, "triage.report", "header-key")

	rec := ts.do(t, http.MethodPost, "/v1/runs",
		model.SubmitRunRequest{Intent: "triage.report", IdempotencyKey: "body-key"},
		map[string]string{"Idempotency-Key": "header-key"})
	require.Equal(t, http.StatusOK, rec.Code)

	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, first.ID, env.Data.ID)
}

func TestSubmitRunValidation(t *testing.T) {
	ts := newTestServer(t)

	cases := []struct {
		name string
		body any
	}{
		{"unknown intent", model.SubmitRunRequest{Intent: "no.such.intent"}},
		{"bad intent grammar", model.SubmitRunRequest{Intent: "Not Valid!"}},
		{"empty intent", model.SubmitRunRequest{}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := ts.do(t, http.MethodPost, "/v1/runs", tc.body, nil)
			require.Equal(t, http.StatusBadRequest, rec.Code)
			var env errEnvelope
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
			assert.Equal(t, model.ErrCodeInvalidInput, env.Error.Code)
		})
	}
}

func TestSubmitRunRejectsMalformedJSON(t *testing.T) {
	ts := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/runs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	ts.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetRun(t *testing.T) {
	ts := newTestServer(t)
	run := ts.submit(t, "triage.report", "")
	final := ts.waitTerminal(t, run.ID)

	rec := ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, final.Status, env.Data.Status)
	assert.Equal(t, final.Version, env.Data.Version)
	assert.Len(t, env.Data.Result.Entities, 1)
}

func TestGetRunNotFound(t *testing.T) {
	ts := newTestServer(t)

	rec := ts.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString(), nil, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeNotFound, env.Error.Code)
}

func TestGetRunBadID(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/runs/not-a-uuid", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListRuns(t *testing.T) {
	ts := newTestServer(t)
	for i := 0; i < 3; i++ {
		run := ts.submit(t, "triage.report", "")
		ts.waitTerminal(t, run.ID)
	}

	rec := ts.do(t, http.MethodGet, "/v1/runs?intent=triage.report&limit=2", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data    []model.Run `json:"data"`
		Total   int         `json:"total"`
		HasMore bool        `json:"has_more"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Len(t, env.Data, 2)
	assert.Equal(t, 3, env.Total)
	assert.True(t, env.HasMore)
}

func TestCancelRun(t *testing.T) {
	ts := newTestServer(t)
	run := ts.submit(t, "triage.slow", "")

	rec := ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)

	close(ts.release)
	final := ts.waitTerminal(t, run.ID)
	assert.Equal(t, model.RunStatusFailed, final.Status)
	require.NotNil(t, final.Error)
	assert.Equal(t, model.ErrKindCancelled, final.Error.Kind)
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	ts := newTestServer(t)
	run := ts.submit(t, "triage.report", "")
	ts.waitTerminal(t, run.ID)

	rec := ts.do(t, http.MethodPost, "/v1/runs/"+run.ID.String()+"/cancel", nil, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	var env errEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, model.ErrCodeConflict, env.Error.Code)
}

func TestStreamRunEmitsSnapshotsUntilTerminal(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	run := ts.submit(t, "triage.slow", "")

	resp, err := http.Get(fmt.Sprintf("%s/v1/runs/%s/stream", httpSrv.URL, run.ID))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Let the step finish while the stream is attached.
	close(ts.release)

	var snapshots []model.Run
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var run model.Run
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &run))
		snapshots = append(snapshots, run)
	}
	// Stream ends (EOF) after the terminal snapshot; scanner.Scan returns false.

	require.NotEmpty(t, snapshots)
	last := snapshots[len(snapshots)-1]
	assert.True(t, last.Status.Terminal())
	assert.Equal(t, model.RunStatusSucceeded, last.Status)
	for i := 1; i < len(snapshots); i++ {
		assert.Greater(t, snapshots[i].Version, snapshots[i-1].Version)
	}

	// A poll right after a streamed snapshot reflects at least its version:
	// both read paths feed off the same committed state.
	rec := ts.do(t, http.MethodGet, "/v1/runs/"+run.ID.String(), nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var env runEnvelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.GreaterOrEqual(t, env.Data.Version, last.Version)
}

func TestMiddlewareChainSupportsWriteDeadlineControl(t *testing.T) {
	// The stream handler lifts the server's WriteTimeout via
	// http.NewResponseController; every wrapper in the middleware chain must
	// unwrap down to the real connection or long streams die at the timeout.
	errCh := make(chan error, 1)
	var handler http.Handler = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		errCh <- http.NewResponseController(w).SetWriteDeadline(time.Time{})
		w.WriteHeader(http.StatusNoContent)
	})
	handler = recoveryMiddleware(testLogger, handler)
	handler = loggingMiddleware(testLogger, handler)
	handler = tracingMiddleware(handler)
	handler = requestIDMiddleware(handler)

	httpSrv := httptest.NewServer(handler)
	defer httpSrv.Close()

	resp, err := http.Get(httpSrv.URL)
	require.NoError(t, err)
	require.NoError(t, resp.Body.Close())
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	select {
	case err := <-errCh:
		require.NoError(t, err, "SetWriteDeadline must reach the connection through the wrappers")
	case <-time.After(time.Second):
		t.Fatal("handler never reported a deadline result")
	}
}

func TestStreamTerminalRunEndsImmediately(t *testing.T) {
	ts := newTestServer(t)
	httpSrv := httptest.NewServer(ts.srv.Handler())
	defer httpSrv.Close()

	run := ts.submit(t, "triage.report", "")
	final := ts.waitTerminal(t, run.ID)

	resp, err := http.Get(fmt.Sprintf("%s/v1/runs/%s/stream", httpSrv.URL, run.ID))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body) // returns once the server closes the stream
	require.NoError(t, err)
	assert.Contains(t, string(body), "event: run")
	assert.Contains(t, string(body), string(final.Status))
}

func TestStreamUnknownRun(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/runs/"+uuid.NewString()+"/stream", nil, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUsageSummaryEndpoint(t *testing.T) {
	ts := newTestServer(t)
	run := ts.submit(t, "triage.report", "")
	ts.waitTerminal(t, run.ID)

	rec := ts.do(t, http.MethodGet, "/v1/usage/summary?intent=triage.report&window=1h&buckets=4", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var env struct {
		Data model.UsageSummary `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "triage.report", env.Data.Intent)
	assert.Len(t, env.Data.Series, 4)
	assert.Equal(t, 1.0, env.Data.SuccessRate)
	assert.False(t, env.Data.Alert)
}

func TestUsageSummaryRequiresIntent(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/v1/usage/summary", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t)
	rec := ts.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var env struct {
		Data model.HealthResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	assert.Equal(t, "healthy", env.Data.Status)
	assert.Equal(t, "memory:connected", env.Data.Store)
}
