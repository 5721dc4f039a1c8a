package store

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
)

func newTestSQLite(t *testing.T) *SQLite {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	st, err := NewSQLite(context.Background(), filepath.Join(t.TempDir(), "tasuki.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close(context.Background()) })
	return st
}

func TestSQLiteRoundTrip(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	run := newQueuedRun("lead.intake", "k1")
	created, isNew, err := st.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, isNew)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Equal(t, created.Intent, got.Intent)
	assert.Len(t, got.Steps, 3)

	// Duplicate key returns the original run.
	dup, isNew, err := st.CreateRun(ctx, newQueuedRun("lead.intake", "k1"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, dup.ID)
}

func TestSQLiteUpdateAndTerminalImmutability(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	run, _, err := st.CreateRun(ctx, newQueuedRun("lead.intake", ""))
	require.NoError(t, err)

	updated, err := st.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusRunning
		now := time.Now().UTC()
		r.Steps[0].Status = model.StepStatusRunning
		r.Steps[0].StartedAt = &now
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, run.Version+1, updated.Version)

	_, err = st.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusSucceeded
		return nil
	})
	require.NoError(t, err)

	_, err = st.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusRunning
		return nil
	})
	assert.ErrorIs(t, err, ErrRunTerminal)
}

func TestSQLiteRetentionSweep(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	run, _, err := st.CreateRun(ctx, newQueuedRun("lead.intake", "k1"))
	require.NoError(t, err)
	_, err = st.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusFailed
		return nil
	})
	require.NoError(t, err)

	deleted, err := st.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.EqualValues(t, 1, deleted)

	_, err = st.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	// Key released with the run.
	_, isNew, err := st.CreateRun(ctx, newQueuedRun("lead.intake", "k1"))
	require.NoError(t, err)
	assert.True(t, isNew)
}

func TestSQLiteListRuns(t *testing.T) {
	ctx := context.Background()
	st := newTestSQLite(t)

	for i := 0; i < 3; i++ {
		_, _, err := st.CreateRun(ctx, newQueuedRun("lead.intake", ""))
		require.NoError(t, err)
	}
	_, _, err := st.CreateRun(ctx, newQueuedRun("phishing.triage", ""))
	require.NoError(t, err)

	runs, total, err := st.ListRuns(ctx, RunFilter{Intent: "lead.intake", Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, runs, 2)
}
