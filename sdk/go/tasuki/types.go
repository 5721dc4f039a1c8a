package tasuki

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Run statuses. Succeeded and failed are terminal.
const (
	RunQueued    = "queued"
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunFailed    = "failed"
)

// SubmitRequest is the body for submitting a run.
// Payload is opaque structured input forwarded to every step collaborator.
// A non-empty IdempotencyKey deduplicates: resubmitting the same key returns
// the original run instead of creating a new one.
type SubmitRequest struct {
	Intent         string          `json:"intent"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// Entity is a single extracted entity in a run result.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TimelineEvent is one event on a run's merged timeline.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	Description string    `json:"description"`
}

// StepOutput is the typed output one step produced.
type StepOutput struct {
	Kind       string              `json:"kind"`
	Entities   []Entity            `json:"entities,omitempty"`
	Timeline   []TimelineEvent     `json:"timeline,omitempty"`
	Indicators map[string][]string `json:"indicators,omitempty"`
	Freeform   json.RawMessage     `json:"freeform,omitempty"`
}

// StepError describes why a step or run failed.
type StepError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// StepRecord tracks one unit of work within a run.
type StepRecord struct {
	Name       string      `json:"name"`
	Status     string      `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Output     *StepOutput `json:"output,omitempty"`
	Error      *StepError  `json:"error,omitempty"`
}

// Result is the aggregated output document of a run. It grows as steps
// complete; reading a running run returns a valid partial result.
type Result struct {
	Entities          []Entity                   `json:"entities,omitempty"`
	Timeline          []TimelineEvent            `json:"timeline,omitempty"`
	Indicators        map[string][]string        `json:"indicators,omitempty"`
	Freeform          map[string]json.RawMessage `json:"freeform,omitempty"`
	TimelineTruncated bool                       `json:"timeline_truncated,omitempty"`
}

// Run is one execution instance of an intent. Version increases on every
// committed mutation; use it to order snapshots from Stream against polls.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	Intent          string          `json:"intent"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          string          `json:"status"`
	Steps           []StepRecord    `json:"steps"`
	Result          Result          `json:"result"`
	Error           *StepError      `json:"error,omitempty"`
	Version         uint64          `json:"version"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Terminal reports whether the run has reached a final status.
func (r *Run) Terminal() bool {
	return r.Status == RunSucceeded || r.Status == RunFailed
}

// ListOptions are optional filters for the ListRuns method.
type ListOptions struct {
	Intent string
	Status string
	Limit  int
	Offset int
}

// RunList is one page of runs plus pagination metadata.
type RunList struct {
	Runs    []Run
	Total   int
	HasMore bool
	Limit   int
	Offset  int
}

// UsageBucket is one fixed-width interval of the usage series.
type UsageBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Success     int       `json:"success"`
	Failed      int       `json:"failed"`
}

// UsageSummary is the time-bucketed success/failure rollup for one intent.
type UsageSummary struct {
	Intent      string        `json:"intent"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Series      []UsageBucket `json:"series"`
	SuccessRate float64       `json:"success_rate"`
	Threshold   float64       `json:"threshold"`
	Alert       bool          `json:"alert"`
}

// UsageOptions are optional parameters for the Usage method.
type UsageOptions struct {
	Window  time.Duration // 0 = server default (24h)
	Buckets int           // 0 = server default (24)
}

// HealthResponse is the server's health report.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	InFlightRuns int    `json:"in_flight_runs"`
	Uptime       int64  `json:"uptime_seconds"`
}
