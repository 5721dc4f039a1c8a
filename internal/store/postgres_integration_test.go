//go:build integration

package store

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/tasuki/internal/model"
	"github.com/ashita-ai/tasuki/internal/testutil"
)

// testPG holds a shared Postgres-backed store for all tests in this file.
var testPG *Postgres

func TestMain(m *testing.M) {
	ctx := context.Background()

	tc := testutil.MustStartPostgres()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	var err error
	testPG, err = NewPostgres(ctx, tc.DSN, tc.DSN, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create store: %v\n", err)
		os.Exit(1)
	}

	code := m.Run()
	_ = testPG.Close(ctx)
	tc.Terminate()
	os.Exit(code)
}

func TestPostgresCreateDedupAndGet(t *testing.T) {
	ctx := context.Background()

	run := newQueuedRun("lead.intake", "pg-k1")
	created, isNew, err := testPG.CreateRun(ctx, run)
	require.NoError(t, err)
	assert.True(t, isNew)

	dup, isNew, err := testPG.CreateRun(ctx, newQueuedRun("lead.intake", "pg-k1"))
	require.NoError(t, err)
	assert.False(t, isNew)
	assert.Equal(t, created.ID, dup.ID)

	got, err := testPG.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.Len(t, got.Steps, 3)
}

func TestPostgresUpdateTerminalAndSweep(t *testing.T) {
	ctx := context.Background()

	run, _, err := testPG.CreateRun(ctx, newQueuedRun("phishing.triage", ""))
	require.NoError(t, err)

	updated, err := testPG.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusRunning
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, run.Version+1, updated.Version)

	_, err = testPG.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusSucceeded
		return nil
	})
	require.NoError(t, err)

	_, err = testPG.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusFailed
		return nil
	})
	assert.ErrorIs(t, err, ErrRunTerminal)

	terminal, err := testPG.ListTerminalSince(ctx, "phishing.triage", time.Now().UTC().Add(-time.Minute))
	require.NoError(t, err)
	require.NotEmpty(t, terminal)

	deleted, err := testPG.DeleteTerminalBefore(ctx, time.Now().UTC().Add(time.Minute))
	require.NoError(t, err)
	assert.Positive(t, deleted)

	_, err = testPG.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresChangeHandler(t *testing.T) {
	ctx := context.Background()

	changes := make(chan model.Run, 8)
	testPG.SetChangeHandler(func(r model.Run) { changes <- r })
	defer testPG.SetChangeHandler(nil)

	run, _, err := testPG.CreateRun(ctx, newQueuedRun("lead.intake", ""))
	require.NoError(t, err)
	_, err = testPG.UpdateRun(ctx, run.ID, func(r *model.Run) error {
		r.Status = model.RunStatusRunning
		return nil
	})
	require.NoError(t, err)

	first := <-changes
	second := <-changes
	assert.Equal(t, uint64(1), first.Version)
	assert.Equal(t, uint64(2), second.Version)
}
