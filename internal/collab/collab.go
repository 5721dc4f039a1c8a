// Package collab ships the built-in collaborators behind the default demo
// intent. They work entirely off the submitted payload, so the binary is
// usable end-to-end without any external services; real deployments register
// their own collaborators through the root package and these stay dormant.
package collab

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/model"
)

// Step kinds served by the built-in collaborators.
const (
	KindExtract  = "demo.extract"
	KindTimeline = "demo.timeline"
	KindClassify = "demo.classify"
	KindReport   = "demo.report"
)

// DefaultIntentName is the intent registered when the host configures none.
const DefaultIntentName = "demo.triage"

// casePayload is the payload shape the demo collaborators understand.
// Unknown fields are ignored so callers can carry extra context through.
type casePayload struct {
	Subject     string       `json:"subject"`
	Observables []observable `json:"observables"`
	Notes       []caseNote   `json:"notes"`
}

type observable struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

type caseNote struct {
	At     time.Time `json:"at"`
	Source string    `json:"source,omitempty"`
	Text   string    `json:"text"`
}

// Register installs the built-in collaborators on a registry. Hosts that
// register their own invoker for one of these kinds must do so after this
// call; later registrations win.
func Register(reg *engine.Registry) {
	reg.RegisterInvoker(KindExtract, engine.InvokerFunc(extract))
	reg.RegisterInvoker(KindTimeline, engine.InvokerFunc(chronicle))
	reg.RegisterInvoker(KindClassify, engine.InvokerFunc(classify))
	reg.RegisterInvoker(KindReport, engine.InvokerFunc(report))
}

// DefaultIntent is the shipped four-step triage pipeline over the built-in
// collaborators.
func DefaultIntent() engine.Intent {
	return engine.Intent{
		Name: DefaultIntentName,
		Steps: []engine.StepSpec{
			{Name: "extract", Kind: KindExtract},
			{Name: "timeline", Kind: KindTimeline},
			{Name: "classify", Kind: KindClassify},
			{Name: "report", Kind: KindReport},
		},
	}
}

func parsePayload(raw json.RawMessage) (casePayload, error) {
	var p casePayload
	if len(raw) == 0 {
		return p, nil
	}
	if err := json.Unmarshal(raw, &p); err != nil {
		return p, fmt.Errorf("collab: decode payload: %w", err)
	}
	return p, nil
}

func extract(_ context.Context, _ uuid.UUID, _ string, raw json.RawMessage) (model.StepOutput, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return model.StepOutput{}, err
	}
	entities := make([]model.Entity, 0, len(p.Observables))
	for _, o := range p.Observables {
		if o.Type == "" || o.Value == "" {
			continue
		}
		entities = append(entities, model.Entity{Type: o.Type, Value: o.Value})
	}
	return model.EntitiesOutput(entities...), nil
}

func chronicle(_ context.Context, _ uuid.UUID, _ string, raw json.RawMessage) (model.StepOutput, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return model.StepOutput{}, err
	}
	events := make([]model.TimelineEvent, 0, len(p.Notes))
	for _, n := range p.Notes {
		if n.Text == "" || n.At.IsZero() {
			continue
		}
		events = append(events, model.TimelineEvent{
			Timestamp:   n.At.UTC(),
			Source:      n.Source,
			Description: n.Text,
		})
	}
	return model.TimelineOutput(events...), nil
}

func classify(_ context.Context, _ uuid.UUID, _ string, raw json.RawMessage) (model.StepOutput, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return model.StepOutput{}, err
	}
	buckets := make(map[string][]string)
	for _, o := range p.Observables {
		if o.Type == "" || o.Value == "" {
			continue
		}
		buckets[o.Type] = append(buckets[o.Type], o.Value)
	}
	return model.IndicatorsOutput(buckets), nil
}

func report(_ context.Context, runID uuid.UUID, _ string, raw json.RawMessage) (model.StepOutput, error) {
	p, err := parsePayload(raw)
	if err != nil {
		return model.StepOutput{}, err
	}
	return model.FreeformOutput(map[string]any{
		"run_id":       runID,
		"subject":      p.Subject,
		"observables":  len(p.Observables),
		"notes":        len(p.Notes),
		"generated_at": time.Now().UTC(),
	})
}
