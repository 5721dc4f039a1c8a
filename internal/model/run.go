// Package model defines the core domain types for Tasuki.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid interface{}
// except at the opaque payload boundary, which is caller-owned JSON.
package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// RunStatus represents the lifecycle state of a run.
// Transitions only ever follow queued → running → {succeeded, failed};
// succeeded and failed are terminal and immutable.
type RunStatus string

const (
	RunStatusQueued    RunStatus = "queued"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a single step within a run.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusSucceeded StepStatus = "succeeded"
	StepStatusFailed    StepStatus = "failed"
)

// ErrorKind classifies why a run or step failed.
type ErrorKind string

const (
	ErrKindTransient ErrorKind = "step_transient_failure"
	ErrKindPermanent ErrorKind = "step_permanent_failure"
	ErrKindCancelled ErrorKind = "cancelled"
)

// StepError is the recorded failure of a step or run. Present iff failed.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StepRecord tracks one unit of work within a run. Records are created
// pending in intent order when the run is created; each record's status
// then mutates in place as the executor advances.
type StepRecord struct {
	Name       string      `json:"name"`
	Status     StepStatus  `json:"status"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
	Output     *StepOutput `json:"output,omitempty"`
	Error      *StepError  `json:"error,omitempty"`
}

// Run is one execution instance of an intent.
//
// Version is a monotonic counter incremented on every committed mutation.
// The status publisher relies on it for ordering, and the poll path exposes
// it so clients can correlate stream and snapshot reads.
type Run struct {
	ID              uuid.UUID       `json:"id"`
	Intent          string          `json:"intent"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Status          RunStatus       `json:"status"`
	Steps           []StepRecord    `json:"steps"`
	Result          Result          `json:"result"`
	Error           *StepError      `json:"error,omitempty"`
	Version         uint64          `json:"version"`
	CancelRequested bool            `json:"cancel_requested,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// Clone returns a deep copy of the run. Snapshots handed to readers must
// never alias the stored run's slices or maps.
func (r Run) Clone() Run {
	out := r
	if r.Payload != nil {
		out.Payload = append(json.RawMessage(nil), r.Payload...)
	}
	out.Steps = make([]StepRecord, len(r.Steps))
	for i, s := range r.Steps {
		out.Steps[i] = s.clone()
	}
	out.Result = r.Result.Clone()
	if r.Error != nil {
		e := *r.Error
		out.Error = &e
	}
	return out
}

func (s StepRecord) clone() StepRecord {
	out := s
	if s.StartedAt != nil {
		t := *s.StartedAt
		out.StartedAt = &t
	}
	if s.FinishedAt != nil {
		t := *s.FinishedAt
		out.FinishedAt = &t
	}
	if s.Output != nil {
		o := s.Output.Clone()
		out.Output = &o
	}
	if s.Error != nil {
		e := *s.Error
		out.Error = &e
	}
	return out
}

// Step returns a pointer to the named step record, or nil.
func (r *Run) Step(name string) *StepRecord {
	for i := range r.Steps {
		if r.Steps[i].Name == name {
			return &r.Steps[i]
		}
	}
	return nil
}
