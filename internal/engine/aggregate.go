package engine

import (
	"encoding/json"
	"sort"

	"github.com/ashita-ai/tasuki/internal/model"
)

// Caps keep the aggregated document bounded no matter how many steps
// contribute. Timeline truncation drops the oldest excess events; indicator
// categories are capped independently.
const (
	maxTimelineEvents        = 50
	maxIndicatorsPerCategory = 20
)

// Aggregate folds the outputs of the run's succeeded steps, in step order,
// into one result document. It is a pure function of the step records: the
// executor recomputes it after every completed step, which makes partial
// results valid at all times and makes the merge trivially idempotent —
// merging the same output twice yields the same document as merging it once.
func Aggregate(steps []model.StepRecord) model.Result {
	var res model.Result

	entitySeen := make(map[model.Entity]bool)
	timelineSeen := make(map[timelineKey]bool)
	indicatorSeen := make(map[string]map[string]bool)

	for _, step := range steps {
		if step.Status != model.StepStatusSucceeded || step.Output == nil {
			continue
		}
		out := step.Output

		switch out.Kind {
		case model.OutputKindEntities:
			for _, e := range out.Entities {
				if entitySeen[e] {
					continue
				}
				entitySeen[e] = true
				res.Entities = append(res.Entities, e)
			}

		case model.OutputKindTimeline:
			for _, ev := range out.Timeline {
				key := timelineKey{ts: ev.Timestamp.UnixNano(), desc: ev.Description}
				if timelineSeen[key] {
					continue
				}
				timelineSeen[key] = true
				res.Timeline = append(res.Timeline, ev)
			}

		case model.OutputKindIndicators:
			for category, values := range out.Indicators {
				seen := indicatorSeen[category]
				if seen == nil {
					seen = make(map[string]bool)
					indicatorSeen[category] = seen
				}
				for _, v := range values {
					if seen[v] {
						continue
					}
					seen[v] = true
					if res.Indicators == nil {
						res.Indicators = make(map[string][]string)
					}
					if len(res.Indicators[category]) < maxIndicatorsPerCategory {
						res.Indicators[category] = append(res.Indicators[category], v)
					}
				}
			}

		case model.OutputKindFreeform:
			if res.Freeform == nil {
				res.Freeform = make(map[string]json.RawMessage)
			}
			res.Freeform[step.Name] = append(json.RawMessage(nil), out.Freeform...)
		}
	}

	// Timeline: ascending by timestamp, capped keeping the most recent.
	sort.SliceStable(res.Timeline, func(i, j int) bool {
		return res.Timeline[i].Timestamp.Before(res.Timeline[j].Timestamp)
	})
	if len(res.Timeline) > maxTimelineEvents {
		res.Timeline = res.Timeline[len(res.Timeline)-maxTimelineEvents:]
		res.TimelineTruncated = true
	}

	return res
}

type timelineKey struct {
	ts   int64
	desc string
}
