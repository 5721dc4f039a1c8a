package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/analytics"
	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/publish"
	"github.com/ashita-ai/tasuki/internal/store"
)

// Handlers holds all HTTP handlers and their dependencies.
type Handlers struct {
	gateway   *engine.Gateway
	executor  *engine.Executor
	publisher *publish.Publisher
	usage     *analytics.Usage
	store     store.Store
	logger    *slog.Logger

	version      string
	storeName    string
	maxBodyBytes int64
	sseKeepalive time.Duration
	startedAt    time.Time
}

// HandlersDeps holds everything Handlers needs.
type HandlersDeps struct {
	Gateway   *engine.Gateway
	Executor  *engine.Executor
	Publisher *publish.Publisher
	Usage     *analytics.Usage
	Store     store.Store
	Logger    *slog.Logger

	Version      string
	StoreName    string
	MaxBodyBytes int64
	SSEKeepalive time.Duration
}

// NewHandlers creates the handler set.
func NewHandlers(deps HandlersDeps) *Handlers {
	keepalive := deps.SSEKeepalive
	if keepalive <= 0 {
		keepalive = 15 * time.Second
	}
	maxBody := deps.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Handlers{
		gateway:      deps.Gateway,
		executor:     deps.Executor,
		publisher:    deps.Publisher,
		usage:        deps.Usage,
		store:        deps.Store,
		logger:       deps.Logger,
		version:      deps.Version,
		storeName:    deps.StoreName,
		maxBodyBytes: maxBody,
		sseKeepalive: keepalive,
		startedAt:    time.Now(),
	}
}

// HandleSubmitRun handles POST /v1/runs.
// Returns 201 for a newly created run and 200 when the idempotency key
// matched an existing one.
func (h *Handlers) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodyBytes)

	var req model.SubmitRunRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body: "+err.Error())
		return
	}
	// The header form wins over the body field.
	if key := r.Header.Get("Idempotency-Key"); key != "" {
		req.IdempotencyKey = key
	}

	run, created, err := h.gateway.Submit(r.Context(), req)
	if err != nil {
		if errors.Is(err, engine.ErrUnknownIntent) || errors.Is(err, engine.ErrInvalidRequest) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
			return
		}
		h.logger.Error("submit run", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, r, status, run)
}

// HandleGetRun handles GET /v1/runs/{run_id}.
func (h *Handlers) HandleGetRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.gateway.Status(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusOK, run)
}

// HandleListRuns handles GET /v1/runs.
func (h *Handlers) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.RunFilter{
		Intent: q.Get("intent"),
		Status: model.RunStatus(q.Get("status")),
		Limit:  queryInt(q.Get("limit"), 50),
		Offset: queryInt(q.Get("offset"), 0),
	}
	if filter.Limit < 1 || filter.Limit > 200 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be between 1 and 200")
		return
	}

	runs, total, err := h.gateway.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("list runs", "error", err, "request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(model.ListResponse{
		Data:    runs,
		Total:   total,
		HasMore: filter.Offset+len(runs) < total,
		Limit:   filter.Limit,
		Offset:  filter.Offset,
		Meta: model.ResponseMeta{
			RequestID: RequestIDFromContext(r.Context()),
			Timestamp: time.Now().UTC(),
		},
	})
}

// HandleCancelRun handles POST /v1/runs/{run_id}/cancel.
// Cancellation is cooperative: 202 means the request was recorded, not that
// the run has stopped.
func (h *Handlers) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	run, err := h.gateway.Cancel(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrRunTerminal) {
			writeError(w, r, http.StatusConflict, model.ErrCodeConflict, "run already finished")
			return
		}
		h.writeRunError(w, r, err)
		return
	}
	writeJSON(w, r, http.StatusAccepted, run)
}

// HandleStreamRun handles GET /v1/runs/{run_id}/stream.
// Emits the current snapshot immediately, then every committed change the
// client keeps up with (intermediate versions coalesce), ending with the
// terminal snapshot and EOF.
func (h *Handlers) HandleStreamRun(w http.ResponseWriter, r *http.Request) {
	id, ok := h.runID(w, r)
	if !ok {
		return
	}
	snapshot, err := h.gateway.Status(r.Context(), id)
	if err != nil {
		h.writeRunError(w, r, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	if err := http.NewResponseController(w).SetWriteDeadline(time.Time{}); err != nil {
		h.logger.Warn("stream run: clear write deadline, stream limited by server write timeout",
			"error", err, "run_id", id)
	}

	sub := h.publisher.Subscribe(r.Context(), snapshot)
	defer sub.Close()

	// Commits between the snapshot read and the subscription attaching are
	// invisible to the feed; re-read once so a run that went terminal in
	// that window still ends the stream.
	if latest, err := h.gateway.Status(r.Context(), id); err == nil {
		sub.Refresh(latest)
	}

	keepalive := time.NewTicker(h.sseKeepalive)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case run, open := <-sub.Events():
			if !open {
				return // terminal snapshot delivered
			}
			data, err := json.Marshal(run)
			if err != nil {
				h.logger.Error("stream run: marshal snapshot", "error", err, "run_id", id)
				return
			}
			if _, err := w.Write(formatSSE("run", data)); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// formatSSE formats a payload as a Server-Sent Events message.
func formatSSE(eventType string, data []byte) []byte {
	out := make([]byte, 0, len(eventType)+len(data)+16)
	out = append(out, "event: "...)
	out = append(out, eventType...)
	out = append(out, "\ndata: "...)
	out = append(out, data...)
	out = append(out, "\n\n"...)
	return out
}

// HandleUsageSummary handles GET /v1/usage/summary.
func (h *Handlers) HandleUsageSummary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	intent := q.Get("intent")
	if intent == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "intent query parameter is required")
		return
	}

	var window time.Duration
	if raw := q.Get("window"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "window must be a positive duration like 24h")
			return
		}
		window = d
	}
	buckets := queryInt(q.Get("buckets"), 0)

	summary, err := h.usage.Summarize(r.Context(), intent, window, buckets)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}
	writeJSON(w, r, http.StatusOK, summary)
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	storeStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.store.Ping(r.Context()); err != nil {
		storeStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := model.HealthResponse{
		Status:       status,
		Version:      h.version,
		Store:        h.storeName + ":" + storeStatus,
		InFlightRuns: h.executor.InFlight(),
		Uptime:       int64(time.Since(h.startedAt).Seconds()),
	}
	writeJSON(w, r, httpStatus, resp)
}

func (h *Handlers) runID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("run_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "run_id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handlers) writeRunError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "run not found")
		return
	}
	h.logger.Error("run request failed", "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal server error")
}

func queryInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}
