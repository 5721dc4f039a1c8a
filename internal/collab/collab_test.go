package collab

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/engine"
	"github.com/ashita-ai/tasuki/internal/model"
)

var samplePayload = json.RawMessage(`{
	"subject": "phishing report",
	"observables": [
		{"type": "domain", "value": "evil.example"},
		{"type": "ip", "value": "203.0.113.9"},
		{"type": "ip", "value": "203.0.113.10"},
		{"type": "", "value": "dropped"}
	],
	"notes": [
		{"at": "2026-03-01T10:00:00Z", "source": "mailgw", "text": "message quarantined"},
		{"at": "2026-03-01T10:05:00Z", "text": "user reported click"}
	]
}`)

func TestExtractBuildsEntities(t *testing.T) {
	out, err := extract(context.Background(), uuid.New(), "extract", samplePayload)
	require.NoError(t, err)
	assert.Equal(t, model.OutputKindEntities, out.Kind)
	assert.Equal(t, []model.Entity{
		{Type: "domain", Value: "evil.example"},
		{Type: "ip", Value: "203.0.113.9"},
		{Type: "ip", Value: "203.0.113.10"},
	}, out.Entities)
}

func TestChronicleBuildsTimeline(t *testing.T) {
	out, err := chronicle(context.Background(), uuid.New(), "timeline", samplePayload)
	require.NoError(t, err)
	assert.Equal(t, model.OutputKindTimeline, out.Kind)
	require.Len(t, out.Timeline, 2)
	assert.Equal(t, "message quarantined", out.Timeline[0].Description)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), out.Timeline[0].Timestamp)
}

func TestClassifyBucketsByType(t *testing.T) {
	out, err := classify(context.Background(), uuid.New(), "classify", samplePayload)
	require.NoError(t, err)
	assert.Equal(t, model.OutputKindIndicators, out.Kind)
	assert.Equal(t, []string{"203.0.113.9", "203.0.113.10"}, out.Indicators["ip"])
	assert.Equal(t, []string{"evil.example"}, out.Indicators["domain"])
}

func TestReportSummarizes(t *testing.T) {
	out, err := report(context.Background(), uuid.New(), "report", samplePayload)
	require.NoError(t, err)
	assert.Equal(t, model.OutputKindFreeform, out.Kind)

	var summary map[string]any
	require.NoError(t, json.Unmarshal(out.Freeform, &summary))
	assert.Equal(t, "phishing report", summary["subject"])
	assert.Equal(t, float64(4), summary["observables"])
}

func TestEmptyPayloadIsAccepted(t *testing.T) {
	out, err := extract(context.Background(), uuid.New(), "extract", nil)
	require.NoError(t, err)
	assert.Empty(t, out.Entities)
}

func TestMalformedPayloadErrors(t *testing.T) {
	_, err := extract(context.Background(), uuid.New(), "extract", json.RawMessage("{broken"))
	assert.Error(t, err)
}

func TestDefaultIntentRegisters(t *testing.T) {
	reg := engine.NewRegistry()
	Register(reg)
	require.NoError(t, reg.RegisterIntent(DefaultIntent()))

	in, ok := reg.Intent(DefaultIntentName)
	require.True(t, ok)
	require.Len(t, in.Steps, 4)
	for _, s := range in.Steps {
		_, found := reg.Invoker(s.Kind)
		assert.True(t, found, "kind %s must have a collaborator", s.Kind)
	}
}
