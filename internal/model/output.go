package model

import (
	"encoding/json"
	"fmt"
	"time"
)

// OutputKind discriminates the shape of a step's output.
type OutputKind string

const (
	OutputKindEntities   OutputKind = "entities"
	OutputKindTimeline   OutputKind = "timeline"
	OutputKindIndicators OutputKind = "indicators"
	OutputKindFreeform   OutputKind = "freeform"
)

// Entity is a single extracted entity (person, domain, account, ...).
// Two entities are the same iff both fields match exactly.
type Entity struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// TimelineEvent is one event on a merged investigation timeline.
// Identity for deduplication is the (timestamp, description) pair.
type TimelineEvent struct {
	Timestamp   time.Time `json:"timestamp"`
	Source      string    `json:"source,omitempty"`
	Description string    `json:"description"`
}

// StepOutput is a tagged union over the output shapes a collaborator may
// return. Exactly one of the payload fields is set, discriminated by Kind,
// so the aggregator can switch on Kind instead of sniffing JSON shapes.
type StepOutput struct {
	Kind       OutputKind          `json:"kind"`
	Entities   []Entity            `json:"entities,omitempty"`
	Timeline   []TimelineEvent     `json:"timeline,omitempty"`
	Indicators map[string][]string `json:"indicators,omitempty"`
	Freeform   json.RawMessage     `json:"freeform,omitempty"`
}

// Validate checks that the populated payload matches the declared kind.
func (o StepOutput) Validate() error {
	switch o.Kind {
	case OutputKindEntities, OutputKindTimeline, OutputKindIndicators, OutputKindFreeform:
		return nil
	default:
		return fmt.Errorf("model: unknown output kind %q", o.Kind)
	}
}

// Clone returns a deep copy of the output.
func (o StepOutput) Clone() StepOutput {
	out := o
	if o.Entities != nil {
		out.Entities = append([]Entity(nil), o.Entities...)
	}
	if o.Timeline != nil {
		out.Timeline = append([]TimelineEvent(nil), o.Timeline...)
	}
	if o.Indicators != nil {
		out.Indicators = make(map[string][]string, len(o.Indicators))
		for k, v := range o.Indicators {
			out.Indicators[k] = append([]string(nil), v...)
		}
	}
	if o.Freeform != nil {
		out.Freeform = append(json.RawMessage(nil), o.Freeform...)
	}
	return out
}

// EntitiesOutput builds an entity-bearing output.
func EntitiesOutput(entities ...Entity) StepOutput {
	return StepOutput{Kind: OutputKindEntities, Entities: entities}
}

// TimelineOutput builds a timeline-bearing output.
func TimelineOutput(events ...TimelineEvent) StepOutput {
	return StepOutput{Kind: OutputKindTimeline, Timeline: events}
}

// IndicatorsOutput builds an indicator-bearing output.
func IndicatorsOutput(buckets map[string][]string) StepOutput {
	return StepOutput{Kind: OutputKindIndicators, Indicators: buckets}
}

// FreeformOutput builds a freeform output from any JSON-marshalable value.
func FreeformOutput(v any) (StepOutput, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return StepOutput{}, fmt.Errorf("model: marshal freeform output: %w", err)
	}
	return StepOutput{Kind: OutputKindFreeform, Freeform: raw}, nil
}

// Result is the aggregated output document of a run. It is recomputed
// incrementally after every completed step, so a client reading a running
// run sees a valid, growing result. On failure the partial result as of the
// last successful step is preserved.
type Result struct {
	Entities   []Entity                   `json:"entities,omitempty"`
	Timeline   []TimelineEvent            `json:"timeline,omitempty"`
	Indicators map[string][]string        `json:"indicators,omitempty"`
	Freeform   map[string]json.RawMessage `json:"freeform,omitempty"`
	// TimelineTruncated is set when the merged timeline exceeded the cap
	// and the oldest events were dropped.
	TimelineTruncated bool `json:"timeline_truncated,omitempty"`
}

// Clone returns a deep copy of the result.
func (res Result) Clone() Result {
	out := res
	if res.Entities != nil {
		out.Entities = append([]Entity(nil), res.Entities...)
	}
	if res.Timeline != nil {
		out.Timeline = append([]TimelineEvent(nil), res.Timeline...)
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
