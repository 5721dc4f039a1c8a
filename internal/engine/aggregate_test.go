package engine

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
)

func succeededStep(name string, out model.StepOutput) model.StepRecord {
	now := time.Now().UTC()
	return model.StepRecord{
		Name:       name,
		Status:     model.StepStatusSucceeded,
		StartedAt:  &now,
		FinishedAt: &now,
		Output:     &out,
	}
}

func TestAggregateDedupAndMerge(t *testing.T) {
	steps := []model.StepRecord{
		succeededStep("enrich", model.EntitiesOutput(
			model.Entity{Type: "domain", Value: "example.com"},
			model.Entity{Type: "ip", Value: "10.0.0.1"},
		)),
		succeededStep("scan", model.EntitiesOutput(
			model.Entity{Type: "domain", Value: "example.com"}, // duplicate
			model.Entity{Type: "ip", Value: "10.0.0.2"},
		)),
	}

	result := Aggregate(steps)
	require.Len(t, result.Entities, 3)
	assert.False(t, result.TimelineTruncated)
}

func TestAggregateSkipsFailedAndPending(t *testing.T) {
	out := model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"})
	steps := []model.StepRecord{
		succeededStep("enrich", out),
		{Name: "scan", Status: model.StepStatusFailed, Output: &out},
		{Name: "draft", Status: model.StepStatusPending},
	}

	result := Aggregate(steps)
	assert.Len(t, result.Entities, 1, "only succeeded steps contribute")
}

func TestAggregateTimelineCapKeepsNewest(t *testing.T) {
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	events := make([]model.TimelineEvent, 0, maxTimelineEvents+10)
	for i := 0; i < maxTimelineEvents+10; i++ {
		events = append(events, model.TimelineEvent{
			Timestamp:   base.Add(time.Duration(i) * time.Minute),
			Source:      "scanner",
			Description: fmt.Sprintf("event %d", i),
		})
	}
	steps := []model.StepRecord{succeededStep("timeline", model.TimelineOutput(events...))}

	result := Aggregate(steps)
	require.Len(t, result.Timeline, maxTimelineEvents)
	assert.True(t, result.TimelineTruncated)

	// Oldest 10 dropped; survivors stay in ascending order.
	assert.Equal(t, "event 10", result.Timeline[0].Description)
	assert.Equal(t, fmt.Sprintf("event %d", maxTimelineEvents+9), result.Timeline[len(result.Timeline)-1].Description)
	for i := 1; i < len(result.Timeline); i++ {
		assert.False(t, result.Timeline[i].Timestamp.Before(result.Timeline[i-1].Timestamp))
	}
}

func TestAggregateTimelineSortedAcrossSteps(t *testing.T) {
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	steps := []model.StepRecord{
		succeededStep("late", model.TimelineOutput(
			model.TimelineEvent{Timestamp: base.Add(2 * time.Hour), Source: "b", Description: "second"},
		)),
		succeededStep("early", model.TimelineOutput(
			model.TimelineEvent{Timestamp: base, Source: "a", Description: "first"},
		)),
	}

	result := Aggregate(steps)
	require.Len(t, result.Timeline, 2)
	assert.Equal(t, "first", result.Timeline[0].Description)
	assert.Equal(t, "second", result.Timeline[1].Description)
}

func TestAggregateIndicatorCapPerCategory(t *testing.T) {
	indicators := map[string][]string{"url": {"https://example.com/a"}}
	for i := 0; i < maxIndicatorsPerCategory+5; i++ {
		indicators["hash"] = append(indicators["hash"], fmt.Sprintf("%064d", i))
	}
	steps := []model.StepRecord{succeededStep("ioc", model.IndicatorsOutput(indicators))}

	result := Aggregate(steps)
	assert.Len(t, result.Indicators["hash"], maxIndicatorsPerCategory)
	assert.Len(t, result.Indicators["url"], 1)
}

func TestAggregateFreeformKeyedByStep(t *testing.T) {
	out, err := model.FreeformOutput(map[string]any{"summary": "ok"})
	require.NoError(t, err)
	steps := []model.StepRecord{succeededStep("draft", out)}

	result := Aggregate(steps)
	require.Contains(t, result.Freeform, "draft")
	assert.JSONEq(t, `{"summary":"ok"}`, string(result.Freeform["draft"]))
}

func TestAggregateIsIdempotent(t *testing.T) {
	steps := []model.StepRecord{
		succeededStep("enrich", model.EntitiesOutput(model.Entity{Type: "ip", Value: "10.0.0.1"})),
		succeededStep("ioc", model.IndicatorsOutput(map[string][]string{"ip": {"10.0.0.1"}})),
	}

	first := Aggregate(steps)
	second := Aggregate(steps)
	assert.Equal(t, first, second)
}
