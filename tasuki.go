// Package tasuki is the public API for embedding the Tasuki run
// orchestration server.
//
// Host programs import this package to register their own intents and
// collaborators and run the server without forking it:
//
//	app, err := tasuki.New(
//	    tasuki.WithVersion(version),
//	    tasuki.WithLogger(logger),
//	    tasuki.WithIntent(myIntent),
//	    tasuki.WithCollaborator("enrich.whois", myWhoisClient),
//	)
//	if err != nil { ... }
//	if err := app.Run(ctx); err != nil { ... }
//
// The import graph enforces a strict no-cycle rule: tasuki (root) imports
// internal/*, but internal/* never imports tasuki (root). Public types
// (Run, StepOutput, Intent) are standalone structs with no internal
// imports; conversion helpers live here because this is the only file that
// sees both sides of the boundary.
package tasuki

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/ashita-ai/tasuki/api"
	"github.com/ashita-ai/tasuki/internal/analytics"
	"github.com/ashita-ai/tasuki/internal/collab"
	"github.com/ashita-ai/tasuki/internal/config"
	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/mcp"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/publish"
	"github.com/ashita-ai/tasuki/internal/ratelimit"
	"github.com/ashita-ai/tasuki/internal/server"
	"github.com/ashita-ai/tasuki/internal/store"
	"github.com/ashita-ai/tasuki/internal/telemetry"
)

// ErrTransient marks a collaborator failure as retryable. Wrap it:
//
//	return tasuki.StepOutput{}, fmt.Errorf("upstream 503: %w", tasuki.ErrTransient)
var ErrTransient = engine.ErrTransient

// App is the Tasuki server lifecycle. Construct with New(), run with Run().
// App has no public fields — use New() options to configure it.
type App struct {
	cfg          config.Config
	st           store.Store
	executor     *engine.Executor
	gateway      *engine.Gateway
	publisher    *publish.Publisher
	sweeper      *store.Sweeper
	srv          *server.Server
	watchRemote  func(context.Context) error
	otelShutdown telemetry.Shutdown
	logger       *slog.Logger
	version      string
}

// New initialises the Tasuki server. It connects to the configured store,
// registers intents and collaborators, and wires all subsystems into a
// ready-to-run App. It does NOT start any goroutines or accept HTTP
// connections — call Run().
func New(opts ...Option) (*App, error) {
	o := resolvedOptions{}
	for _, fn := range opts {
		fn(&o)
	}

	logger := o.logger
	if logger == nil {
		logger = slog.Default()
	}

	// Load .env file if present (non-fatal; production won't have one).
	_ = godotenv.Load()

	// Load configuration (env vars), then apply option overrides.
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if o.port != 0 {
		cfg.Port = o.port
	}
	if o.storeURL != "" {
		cfg.StoreURL = o.storeURL
		if o.notifyURL == "" {
			cfg.NotifyURL = o.storeURL
		}
	}
	if o.notifyURL != "" {
		cfg.NotifyURL = o.notifyURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	version := o.version
	if version == "" {
		version = "dev"
	}

	logger.Info("tasuki starting", "version", version, "port", cfg.Port)

	// Initialize OpenTelemetry.
	otelShutdown, err := telemetry.Init(context.Background(), cfg.OTELEndpoint, cfg.ServiceName, version, cfg.OTELInsecure)
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	// Open the run store selected by URL scheme.
	backend, err := cfg.StoreBackend()
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store: %w", err)
	}
	var st store.Store
	var watchRemote func(context.Context) error
	switch backend {
	case config.StoreMemory:
		st = store.NewMemory()
	case config.StoreSQLite:
		st, err = store.NewSQLite(context.Background(), cfg.SQLitePath(), logger)
	case config.StorePostgres:
		var pg *store.Postgres
		pg, err = store.NewPostgres(context.Background(), cfg.StoreURL, cfg.NotifyURL, logger)
		if pg != nil {
			st = pg
			watchRemote = pg.WatchRemote
		}
	}
	if err != nil {
		_ = otelShutdown(context.Background())
		return nil, fmt.Errorf("store %s: %w", backend, err)
	}
	logger.Info("run store ready", "backend", backend)

	// Registry: built-in collaborators first, host overrides after.
	reg := engine.NewRegistry()
	collab.Register(reg)
	for kind, c := range o.collaborators {
		reg.RegisterInvoker(kind, &collaboratorAdapter{c: c})
	}
	intents := o.intents
	if len(intents) == 0 {
		logger.Info("no intents configured, registering built-in demo intent",
			"intent", collab.DefaultIntentName)
		if err := reg.RegisterIntent(collab.DefaultIntent()); err != nil {
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("register demo intent: %w", err)
		}
	}
	for _, in := range intents {
		if err := reg.RegisterIntent(toInternalIntent(in)); err != nil {
			_ = st.Close(context.Background())
			_ = otelShutdown(context.Background())
			return nil, fmt.Errorf("register intent %q: %w", in.Name, err)
		}
	}

	// Status publisher fed synchronously from the store's change feed.
	// Terminal transitions additionally fan out to run hooks, off the
	// commit path.
	pub := publish.NewPublisher(logger)
	hooks := o.runHooks
	st.SetChangeHandler(func(run model.Run) {
		pub.Publish(run)
		if run.Status.Terminal() && len(hooks) > 0 {
			snapshot := toPublicRun(run)
			go func() {
				hookCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				for _, h := range hooks {
					if err := h.OnRunFinished(hookCtx, snapshot); err != nil {
						logger.Warn("run hook OnRunFinished failed", "error", err, "run_id", snapshot.ID)
					}
				}
			}()
		}
	})

	executor := engine.NewExecutor(engine.ExecutorConfig{
		Store:              st,
		Registry:           reg,
		Logger:             logger,
		MaxConcurrentRuns:  int64(cfg.MaxConcurrentRuns),
		DefaultStepTimeout: cfg.StepTimeout,
	})
	gateway := engine.NewGateway(st, reg, executor, logger)
	usage := analytics.NewUsage(st, cfg.AlertThreshold, logger)

	var sweeper *store.Sweeper
	if cfg.RetentionTTL > 0 {
		sweeper = store.NewSweeper(st, cfg.RetentionTTL, cfg.SweepInterval, logger)
	}

	mcpSrv := mcp.New(gateway, reg, usage, version, logger)

	var middlewares []func(http.Handler) http.Handler
	for _, mw := range o.middlewares {
		middlewares = append(middlewares, (func(http.Handler) http.Handler)(mw))
	}

	srv := server.New(server.ServerConfig{
		Gateway:             gateway,
		Executor:            executor,
		Publisher:           pub,
		Usage:               usage,
		Store:               st,
		Logger:              logger,
		SubmitLimiter:       newLimiter(cfg.SubmitRatePerMin, logger, "submit"),
		QueryLimiter:        newLimiter(cfg.QueryRatePerMin, logger, "query"),
		MCPServer:           mcpSrv.MCPServer(),
		ExtraRoutes:         o.extraRoutes,
		Middlewares:         middlewares,
		OpenAPISpec:         api.OpenAPISpec,
		Port:                cfg.Port,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		Version:             version,
		StoreName:           backend,
		MaxRequestBodyBytes: cfg.MaxRequestBodyBytes,
		SSEKeepalive:        cfg.SSEKeepalive,
	})

	return &App{
		cfg:          cfg,
		st:           st,
		executor:     executor,
		gateway:      gateway,
		publisher:    pub,
		sweeper:      sweeper,
		srv:          srv,
		watchRemote:  watchRemote,
		otelShutdown: otelShutdown,
		logger:       logger,
		version:      version,
	}, nil
}

// Run starts the executor, background loops, and the HTTP server, then
// blocks until ctx is cancelled or a fatal server error occurs. On return,
// Shutdown is called automatically — callers should not call Shutdown
// separately.
func (a *App) Run(ctx context.Context) error {
	a.executor.Start(ctx)
	a.recoverUnfinished(ctx)

	if a.sweeper != nil {
		go a.sweeper.Start(ctx)
	}
	if a.watchRemote != nil {
		go func() {
			if err := a.watchRemote(ctx); err != nil && ctx.Err() == nil {
				a.logger.Error("store change feed stopped", "error", err)
			}
		}()
	}

	errCh := make(chan error, 1)
	go func() {
		if err := a.srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	return a.Shutdown(context.Background())
}

// Shutdown performs a graceful shutdown: stop accepting HTTP requests and
// drain in-flight handlers, then drain in-flight runs (every committed step
// transition is durable, so an interrupted run resumes on next start), then
// close the store and OTEL provider.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("tasuki shutting down")

	httpCtx, httpCancel := context.WithTimeout(ctx, a.cfg.DrainTimeout)
	if err := a.srv.Shutdown(httpCtx); err != nil {
		a.logger.Error("http shutdown error", "error", err)
	}
	httpCancel()

	drainCtx, drainCancel := context.WithTimeout(ctx, a.cfg.DrainTimeout)
	a.executor.Drain(drainCtx)
	drainCancel()

	_ = a.otelShutdown(context.Background())
	if err := a.st.Close(context.Background()); err != nil {
		a.logger.Error("store close error", "error", err)
	}

	a.logger.Info("tasuki stopped")
	return nil
}

// recoverUnfinished re-dispatches runs a previous process left queued or
// running. The executor skips steps that already succeeded, so a recovered
// run resumes at its first unfinished step.
func (a *App) recoverUnfinished(ctx context.Context) {
	for _, status := range []model.RunStatus{model.RunStatusQueued, model.RunStatusRunning} {
		var recovered int
		for offset := 0; ; {
			runs, total, err := a.st.ListRuns(ctx, store.RunFilter{Status: status, Limit: 200, Offset: offset})
			if err != nil {
				a.logger.Error("recovery: list runs failed", "error", err, "status", status)
				break
			}
			for _, run := range runs {
				a.executor.Dispatch(run.ID)
				recovered++
			}
			offset += len(runs)
			if len(runs) == 0 || offset >= total {
				break
			}
		}
		if recovered > 0 {
			a.logger.Info("recovery: re-dispatched unfinished runs", "status", status, "count", recovered)
		}
	}
}

func newLimiter(perMin int, logger *slog.Logger, name string) ratelimit.Limiter {
	if perMin <= 0 {
		logger.Info("rate limiting: disabled", "path", name)
		return nil
	}
	burst := perMin / 10
	if burst < 1 {
		burst = 1
	}
	logger.Info("rate limiting: memory (in-process token bucket)",
		"path", name, "per_min", perMin, "burst", burst)
	return ratelimit.NewMemoryLimiter(float64(perMin)/60.0, burst)
}

// ── Adapters (defined here because this file imports both sides) ───────────────

// collaboratorAdapter wraps a public Collaborator to satisfy engine.Invoker.
// It converts the internal payload boundary to public types and back.
type collaboratorAdapter struct {
	c Collaborator
}

func (a *collaboratorAdapter) Invoke(ctx context.Context, runID uuid.UUID, stepName string, payload json.RawMessage) (model.StepOutput, error) {
	out, err := a.c.Invoke(ctx, runID, stepName, payload)
	if err != nil {
		return model.StepOutput{}, err
	}
	return toInternalOutput(out)
}

// ── Type converters ────────────────────────────────────────────────────────────

func toInternalIntent(in Intent) engine.Intent {
	steps := make([]engine.StepSpec, len(in.Steps))
	for i, s := range in.Steps {
		steps[i] = engine.StepSpec{Name: s.Name, Kind: s.Kind, Timeout: s.Timeout}
	}
	return engine.Intent{Name: in.Name, Steps: steps, ContinueOnFailure: in.ContinueOnFailure}
}

func toInternalOutput(out StepOutput) (model.StepOutput, error) {
	internal := model.StepOutput{
		Kind:       model.OutputKind(out.Kind),
		Indicators: out.Indicators,
		Freeform:   out.Freeform,
	}
	if out.Entities != nil {
		internal.Entities = make([]model.Entity, len(out.Entities))
		for i, e := range out.Entities {
			internal.Entities[i] = model.Entity{Type: e.Type, Value: e.Value}
		}
	}
	if out.Timeline != nil {
		internal.Timeline = make([]model.TimelineEvent, len(out.Timeline))
		for i, ev := range out.Timeline {
			internal.Timeline[i] = model.TimelineEvent{
				Timestamp:   ev.Timestamp,
				Source:      ev.Source,
				Description: ev.Description,
			}
		}
	}
	if err := internal.Validate(); err != nil {
		return model.StepOutput{}, fmt.Errorf("tasuki: collaborator output: %w", err)
	}
	return internal, nil
}

// toPublicRun converts an internal model.Run to the public tasuki.Run.
// Lives here because this is the only file that imports both sides of the
// boundary.
func toPublicRun(r model.Run) Run {
	out := Run{
		ID:              r.ID,
		Intent:          r.Intent,
		Status:          RunStatus(r.Status),
		Version:         r.Version,
		CancelRequested: r.CancelRequested,
		Result:          toPublicResult(r.Result),
		CreatedAt:       r.CreatedAt,
		UpdatedAt:       r.UpdatedAt,
	}
	if r.Error != nil {
		out.Error = &RunError{Kind: string(r.Error.Kind), Message: r.Error.Message}
	}
	return out
}

func toPublicResult(res model.Result) Result {
	out := Result{TimelineTruncated: res.TimelineTruncated}
	if res.Entities != nil {
		out.Entities = make([]Entity, len(res.Entities))
		for i, e := range res.Entities {
			out.Entities[i] = Entity{Type: e.Type, Value: e.Value}
		}
	}
	if res.Timeline != nil {
		out.Timeline = make([]TimelineEvent, len(res.Timeline))
		for i, ev := range res.Timeline {
			out.Timeline[i] = TimelineEvent{
				Timestamp:   ev.Timestamp,
				Source:      ev.Source,
				Description: ev.Description,
			}
		}
	}
	if res.Indicators != nil {
		out.Indicators = make(map[string][]string, len(res.Indicators))
		for k, v := range res.Indicators {
			out.Indicators[k] = append([]string(nil), v...)
		}
	}
	if res.Freeform != nil {
		out.Freeform = make(map[string]json.RawMessage, len(res.Freeform))
		for k, v := range res.Freeform {
			out.Freeform[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}
