package tasuki

import (
	"log/slog"
	"net/http"
)

// Option configures an App.
type Option func(*resolvedOptions)

// resolvedOptions holds all extension points after applying defaults.
// Unexported — callers use the With* functions.
type resolvedOptions struct {
	port          int
	storeURL      string
	notifyURL     string
	logger        *slog.Logger
	version       string
	intents       []Intent
	collaborators map[string]Collaborator
	runHooks      []RunHook
	extraRoutes   map[string]http.Handler
	middlewares   []Middleware
}

// WithPort overrides the TCP port from config (TASUKI_PORT env var).
func WithPort(port int) Option {
	return func(o *resolvedOptions) { o.port = port }
}

// WithStoreURL overrides the store connection string from config
// (TASUKI_STORE_URL env var). The scheme selects the backend:
// "memory://", "sqlite://<path>", or a postgres:// DSN.
func WithStoreURL(url string) Option {
	return func(o *resolvedOptions) { o.storeURL = url }
}

// WithNotifyURL overrides the direct Postgres URL used for LISTEN/NOTIFY
// (TASUKI_NOTIFY_URL env var). Set this when queries go through a pooler
// (e.g. PgBouncer) — LISTEN requires a direct connection.
func WithNotifyURL(url string) Option {
	return func(o *resolvedOptions) { o.notifyURL = url }
}

// WithLogger sets the structured logger for the App.
// If not set, the default slog logger is used.
func WithLogger(logger *slog.Logger) Option {
	return func(o *resolvedOptions) { o.logger = logger }
}

// WithVersion sets the version string reported in the health endpoint and logs.
func WithVersion(version string) Option {
	return func(o *resolvedOptions) { o.version = version }
}

// WithIntent registers an intent. Multiple intents may be registered; when
// none are, the built-in demo intent is registered so the server stays
// usable.
func WithIntent(in Intent) Option {
	return func(o *resolvedOptions) { o.intents = append(o.intents, in) }
}

// WithCollaborator binds a collaborator to a step kind, replacing any
// built-in collaborator registered for the same kind. The last call for a
// kind wins.
func WithCollaborator(kind string, c Collaborator) Option {
	return func(o *resolvedOptions) {
		if o.collaborators == nil {
			o.collaborators = make(map[string]Collaborator)
		}
		o.collaborators[kind] = c
	}
}

// WithRunHook registers a hook notified when runs reach a terminal status.
// Multiple hooks may be registered; all receive every event.
func WithRunHook(h RunHook) Option {
	return func(o *resolvedOptions) { o.runHooks = append(o.runHooks, h) }
}

// WithExtraRoute mounts an additional handler on the shared HTTP mux. The
// pattern uses ServeMux syntax ("GET /v1/custom"). Extra routes sit inside
// the built-in middleware chain, so they get request IDs, tracing, and
// panic recovery for free.
func WithExtraRoute(pattern string, h http.Handler) Option {
	return func(o *resolvedOptions) {
		if o.extraRoutes == nil {
			o.extraRoutes = make(map[string]http.Handler)
		}
		o.extraRoutes[pattern] = h
	}
}

// WithMiddleware registers an outermost HTTP middleware.
// Multiple middlewares may be registered. Applied in registration order:
// the first-registered middleware is outermost (called first by every request).
func WithMiddleware(mw Middleware) Option {
	return func(o *resolvedOptions) { o.middlewares = append(o.middlewares, mw) }
}
