package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// Field limits on submission requests. These bound what a caller can push
// into store documents and the aggregation pipeline.
const (
	MaxIntentLen         = 200
	MaxIdempotencyKeyLen = 255
	MaxPayloadBytes      = 256 * 1024
)

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "invalid_input"
	ErrCodeNotFound      = "not_found"
	ErrCodeConflict      = "conflict"
	ErrCodeRateLimited   = "rate_limited"
	ErrCodeInternalError = "internal_error"
)

// ValidateIntent checks the intent name against the allowed grammar:
// dotted lowercase segments like "lead.intake" or "phishing.triage".
func ValidateIntent(intent string) error {
	if len(intent) == 0 {
		return fmt.Errorf("intent is required")
	}
	if len(intent) > MaxIntentLen {
		return fmt.Errorf("intent must be at most %d characters", MaxIntentLen)
	}
	for i := 0; i < len(intent); i++ {
		c := intent[i]
		if (c < 'a' || c > 'z') && (c < '0' || c > '9') && c != '.' && c != '-' && c != '_' {
			return fmt.Errorf("intent contains invalid character at position %d: %q", i, c)
		}
	}
	return nil
}

// ValidateIdempotencyKey checks an optional caller-supplied idempotency key.
func ValidateIdempotencyKey(key string) error {
	if len(key) > MaxIdempotencyKeyLen {
		return fmt.Errorf("idempotency_key must be at most %d characters", MaxIdempotencyKeyLen)
	}
	return nil
}

// SubmitRunRequest is the request body for POST /v1/runs.
// Payload is the caller's opaque structured input, kept as raw JSON.
type SubmitRunRequest struct {
	Intent         string          `json:"intent"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// UsageBucket is one fixed-width interval of the usage series.
type UsageBucket struct {
	BucketStart time.Time `json:"bucket_start"`
	Success     int       `json:"success"`
	Failed      int       `json:"failed"`
}

// UsageSummary is the time-bucketed rollup for one intent over a window.
// Alert is a pure function of the counts: set when the success rate over the
// whole window falls below Threshold. Rate is 1.0 for an empty window so an
// idle intent never alerts.
type UsageSummary struct {
	Intent      string        `json:"intent"`
	WindowStart time.Time     `json:"window_start"`
	WindowEnd   time.Time     `json:"window_end"`
	Series      []UsageBucket `json:"series"`
	SuccessRate float64       `json:"success_rate"`
	Threshold   float64       `json:"threshold"`
	Alert       bool          `json:"alert"`
}

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// ListResponse is the standard envelope for paginated list endpoints.
type ListResponse struct {
	Data    any          `json:"data"`
	Total   int          `json:"total"`
	HasMore bool         `json:"has_more"`
	Limit   int          `json:"limit"`
	Offset  int          `json:"offset"`
	Meta    ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for request correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthResponse is the GET /health response body.
type HealthResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	Store        string `json:"store"`
	InFlightRuns int    `json:"in_flight_runs"`
	Uptime       int64  `json:"uptime_seconds"`
}
