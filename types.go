package tasuki

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Step declares one unit of work within an intent. Kind selects the
// collaborator that executes it; a zero Timeout uses the server default.
type Step struct {
	Name    string
	Kind    string
	Timeout time.Duration
}

// Intent declares an ordered step pipeline for a named workflow.
// With ContinueOnFailure the run visits every step and reports the first
// failure; without it the run halts at the first failed step.
type Intent struct {
	Name              string
	Steps             []Step
	ContinueOnFailure bool
}

// RunStatus is the lifecycle state of a run. Succeeded and failed are
// terminal.
type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// Entity is a single extracted entity. Two entities are identical iff both
// fields match exactly.
type Entity struct {
	Type  string
	Value string
}

// TimelineEvent is one event on a run's merged timeline.
type TimelineEvent struct {
	Timestamp   time.Time
	Source      string
	Description string
}

// OutputKind discriminates the shape of a collaborator's output.
type OutputKind string

const (
	OutputEntities   OutputKind = "entities"
	OutputTimeline   OutputKind = "timeline"
	OutputIndicators OutputKind = "indicators"
	OutputFreeform   OutputKind = "freeform"
)

// StepOutput is what a Collaborator returns from one step invocation.
// Exactly one payload field is set, discriminated by Kind; use the
// constructor helpers rather than building the struct by hand.
type StepOutput struct {
	Kind       OutputKind
	Entities   []Entity
	Timeline   []TimelineEvent
	Indicators map[string][]string
	Freeform   json.RawMessage
}

// Entities builds an entity-bearing step output.
func Entities(entities ...Entity) StepOutput {
	return StepOutput{Kind: OutputEntities, Entities: entities}
}

// Timeline builds a timeline-bearing step output.
func Timeline(events ...TimelineEvent) StepOutput {
	return StepOutput{Kind: OutputTimeline, Timeline: events}
}

// Indicators builds an indicator-bearing step output, bucketed by category.
func Indicators(buckets map[string][]string) StepOutput {
	return StepOutput{Kind: OutputIndicators, Indicators: buckets}
}

// Freeform builds a freeform step output from any JSON-marshalable value.
func Freeform(v any) (StepOutput, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return StepOutput{}, fmt.Errorf("tasuki: marshal freeform output: %w", err)
	}
	return StepOutput{Kind: OutputFreeform, Freeform: raw}, nil
}

// Result is the aggregated output document of a run, growing as steps
// complete. On failure it holds the partial result as of the last
// successful step.
type Result struct {
	Entities          []Entity
	Timeline          []TimelineEvent
	Indicators        map[string][]string
	Freeform          map[string]json.RawMessage
	TimelineTruncated bool
}

// RunError is the recorded failure of a run.
type RunError struct {
	Kind    string
	Message string
}

// Run is the public snapshot of a run handed to hooks. It is a curated
// view of the internal run record with no internal package imports, so it
// is safe to use from outside the module.
type Run struct {
	ID              uuid.UUID
	Intent          string
	Status          RunStatus
	Version         uint64
	CancelRequested bool
	Result          Result
	Error           *RunError
	CreatedAt       time.Time
	UpdatedAt       time.Time
}
