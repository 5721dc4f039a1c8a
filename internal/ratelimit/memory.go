package ratelimit

import (
	"context"
	"sync"
	"time"
)

// entry tracks the token balance for one key.
type entry struct {
	remaining float64
	refilled  time.Time
}

// MemoryLimiter is a per-key token bucket held in process memory.
//
// Every key refills at the configured sustained rate up to the burst
// capacity. Keys that stay idle are evicted by a background goroutine
// so the map does not grow without bound under churning client IPs.
type MemoryLimiter struct {
	rate  float64 // tokens per second
	burst float64

	mu      sync.Mutex
	entries map[string]*entry

	now func() time.Time // swapped in tests

	stopOnce sync.Once
	done     chan struct{}
}

// NewMemoryLimiter creates a token bucket limiter with the given sustained
// rate (requests per second per key) and burst capacity. Call Close to stop
// the eviction goroutine.
func NewMemoryLimiter(rate float64, burst int) *MemoryLimiter {
	m := &MemoryLimiter{
		rate:    rate,
		burst:   float64(burst),
		entries: make(map[string]*entry),
		now:     time.Now,
		done:    make(chan struct{}),
	}
	go m.evictLoop()
	return m
}

// Allow consumes one token for key, reporting whether one was available.
// The error return is always nil; it exists to satisfy Limiter so shared
// backends can surface transport failures.
func (m *MemoryLimiter) Allow(_ context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	e, ok := m.entries[key]
	if !ok {
		// New keys start full; this request takes the first token.
		m.entries[key] = &entry{remaining: m.burst - 1, refilled: now}
		return true, nil
	}

	e.remaining += now.Sub(e.refilled).Seconds() * m.rate
	if e.remaining > m.burst {
		e.remaining = m.burst
	}
	e.refilled = now

	if e.remaining < 1 {
		return false, nil
	}
	e.remaining--
	return true, nil
}

// Close stops the eviction goroutine. Safe to call multiple times.
func (m *MemoryLimiter) Close() error {
	m.stopOnce.Do(func() { close(m.done) })
	return nil
}

const idleEvictAfter = 10 * time.Minute

func (m *MemoryLimiter) evictLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictIdle()
		}
	}
}

func (m *MemoryLimiter) evictIdle() {
	m.mu.Lock()
	defer m.mu.Unlock()

	cutoff := m.now().Add(-idleEvictAfter)
	for key, e := range m.entries {
		if e.refilled.Before(cutoff) {
			delete(m.entries, key)
		}
	}
}
