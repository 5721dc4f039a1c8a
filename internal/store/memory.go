package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// Memory is the in-memory run store. It is the default backend and the one
// integration tests run against. All access goes through a single mutex;
// snapshots handed out are deep copies, so readers never observe a torn or
// aliased run.
type Memory struct {
	mu       sync.Mutex
	runs     map[uuid.UUID]*model.Run
	keyIndex map[string]uuid.UUID // idempotency key → run id
	onChange ChangeHandler
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		runs:     make(map[uuid.UUID]*model.Run),
		keyIndex: make(map[string]uuid.UUID),
	}
}

// SetChangeHandler registers the change consumer.
func (m *Memory) SetChangeHandler(fn ChangeHandler) {
	m.onChange = fn
}

// CreateRun implements the atomic idempotency-key compare-and-set: the key
// lookup and insert happen under one lock, so of N concurrent submissions
// with the same key exactly one creates and the rest observe the winner.
func (m *Memory) CreateRun(_ context.Context, run model.Run) (model.Run, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if run.IdempotencyKey != "" {
		if existingID, ok := m.keyIndex[run.IdempotencyKey]; ok {
			if existing, ok := m.runs[existingID]; ok {
				return existing.Clone(), false, nil
			}
			// Key points at a deleted run; the retention window for the key
			// ends with the run, so fall through and create fresh.
			delete(m.keyIndex, run.IdempotencyKey)
		}
		m.keyIndex[run.IdempotencyKey] = run.ID
	}

	stored := run.Clone()
	m.runs[run.ID] = &stored

	snapshot := stored.Clone()
	if m.onChange != nil {
		m.onChange(snapshot)
	}
	return snapshot, true, nil
}

// GetRun returns a deep-copied snapshot.
func (m *Memory) GetRun(_ context.Context, id uuid.UUID) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}
	return run.Clone(), nil
}

// UpdateRun applies mutate under the store lock. The change handler is
// invoked before the lock is released, which is what guarantees per-run
// commit-order delivery; the handler must therefore never block.
func (m *Memory) UpdateRun(_ context.Context, id uuid.UUID, mutate func(*model.Run) error) (model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	run, ok := m.runs[id]
	if !ok {
		return model.Run{}, ErrNotFound
	}

	next := run.Clone()
	if err := applyMutation(&next, mutate); err != nil {
		return model.Run{}, err
	}
	m.runs[id] = &next

	snapshot := next.Clone()
	if m.onChange != nil {
		m.onChange(snapshot)
	}
	return snapshot, nil
}

// ListRuns returns matching runs newest first.
func (m *Memory) ListRuns(_ context.Context, f RunFilter) ([]model.Run, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*model.Run
	for _, run := range m.runs {
		if f.Intent != "" && run.Intent != f.Intent {
			continue
		}
		if f.Status != "" && run.Status != f.Status {
			continue
		}
		matched = append(matched, run)
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].CreatedAt.Equal(matched[j].CreatedAt) {
			return matched[i].CreatedAt.After(matched[j].CreatedAt)
		}
		return matched[i].ID.String() > matched[j].ID.String()
	})

	total := len(matched)
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	start := f.Offset
	if start > total {
		start = total
	}
	end := start + limit
	if end > total {
		end = total
	}

	out := make([]model.Run, 0, end-start)
	for _, run := range matched[start:end] {
		out = append(out, run.Clone())
	}
	return out, total, nil
}

// ListTerminalSince returns terminal runs for an intent by terminal time.
func (m *Memory) ListTerminalSince(_ context.Context, intent string, since time.Time) ([]model.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Run
	for _, run := range m.runs {
		if run.Intent != intent || !run.Status.Terminal() {
			continue
		}
		if run.UpdatedAt.Before(since) {
			continue
		}
		out = append(out, run.Clone())
	}
	return out, nil
}

// DeleteTerminalBefore removes expired terminal runs and their keys.
func (m *Memory) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var deleted int64
	for id, run := range m.runs {
		if !run.Status.Terminal() || !run.UpdatedAt.Before(cutoff) {
			continue
		}
		if run.IdempotencyKey != "" {
			delete(m.keyIndex, run.IdempotencyKey)
		}
		delete(m.runs, id)
		deleted++
	}
	return deleted, nil
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(context.Context) error { return nil }

// Close is a no-op for the in-memory store.
func (m *Memory) Close(context.Context) error { return nil }
