// Package analytics computes time-bucketed usage rollups over terminal runs.
//
// Summaries are recomputed from the store on every read rather than
// maintained as counters. Terminal runs are immutable, so the rollup is a
// pure function of the store's contents and two concurrent readers always
// agree.
package analytics

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ashita-ai/tasuki/internal/model"
)

const (
	DefaultWindow    = 24 * time.Hour
	DefaultBuckets   = 24
	MaxBuckets       = 168
	MaxWindow        = 365 * 24 * time.Hour
	DefaultThreshold = 0.8
)

// TerminalLister is the slice of the run store the rollup reads from.
type TerminalLister interface {
	ListTerminalSince(ctx context.Context, intent string, since time.Time) ([]model.Run, error)
}

// Usage summarizes terminal run outcomes per intent.
type Usage struct {
	store     TerminalLister
	threshold float64
	logger    *slog.Logger
	now       func() time.Time
}

func NewUsage(st TerminalLister, threshold float64, logger *slog.Logger) *Usage {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultThreshold
	}
	return &Usage{store: st, threshold: threshold, logger: logger, now: time.Now}
}

// Summarize rolls up terminal runs for one intent into a contiguous series
// of fixed-width buckets covering exactly window, the last bucket ending at
// now. Each terminal run counts in exactly one bucket by the time it reached
// its terminal status. An empty window reports a success rate of 1.0, so an
// idle intent never alerts.
func (u *Usage) Summarize(ctx context.Context, intent string, window time.Duration, buckets int) (model.UsageSummary, error) {
	if err := model.ValidateIntent(intent); err != nil {
		return model.UsageSummary{}, err
	}
	if window <= 0 {
		window = DefaultWindow
	}
	if buckets <= 0 {
		buckets = DefaultBuckets
	}
	if buckets > MaxBuckets {
		return model.UsageSummary{}, fmt.Errorf("analytics: buckets %d exceeds maximum %d", buckets, MaxBuckets)
	}
	if window > MaxWindow {
		return model.UsageSummary{}, fmt.Errorf("analytics: window %s exceeds maximum %s", window, MaxWindow)
	}

	end := u.now().UTC()
	start := end.Add(-window)

	runs, err := u.store.ListTerminalSince(ctx, intent, start)
	if err != nil {
		return model.UsageSummary{}, fmt.Errorf("analytics: list terminal runs: %w", err)
	}

	// Boundaries are derived proportionally rather than from a truncated
	// width so the buckets tile the window exactly: bucket i covers
	// [start+window*i/buckets, start+window*(i+1)/buckets) and the last
	// bucket ends at end even when window does not divide evenly.
	series := make([]model.UsageBucket, buckets)
	for i := range series {
		series[i].BucketStart = start.Add(time.Duration(int64(window) * int64(i) / int64(buckets)))
	}

	var success, failed int
	for _, run := range runs {
		at := run.UpdatedAt
		if at.Before(start) || !at.Before(end) {
			// Runs that went terminal after `end` was captured belong to
			// the next read's window.
			continue
		}
		idx := int(int64(at.Sub(start)) * int64(buckets) / int64(window))
		switch run.Status {
		case model.RunStatusSucceeded:
			series[idx].Success++
			success++
		case model.RunStatusFailed:
			series[idx].Failed++
			failed++
		}
	}

	rate := 1.0
	if success+failed > 0 {
		rate = float64(success) / float64(success+failed)
	}

	summary := model.UsageSummary{
		Intent:      intent,
		WindowStart: start,
		WindowEnd:   end,
		Series:      series,
		SuccessRate: rate,
		Threshold:   u.threshold,
		Alert:       rate < u.threshold,
	}
	if summary.Alert {
		u.logger.Warn("analytics: success rate below threshold",
			"intent", intent, "rate", rate, "threshold", u.threshold, "failed", failed)
	}
	return summary, nil
}
