package store

import (
	"context"
	"log/slog"
	"time"
)

// Sweeper deletes terminal runs older than the configured retention window.
// A run's idempotency key is retained exactly as long as the run itself, so
// sweeping a run also ends its key's deduplication window.
type Sweeper struct {
	store    Store
	ttl      time.Duration
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a retention sweeper. A zero ttl disables sweeping.
func NewSweeper(st Store, ttl, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	return &Sweeper{store: st, ttl: ttl, interval: interval, logger: logger}
}

// Start runs the sweep loop until ctx is cancelled. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	if s.ttl <= 0 {
		s.logger.Info("retention: disabled, keeping runs forever")
		return
	}
	s.logger.Info("retention: sweeping", "ttl", s.ttl, "interval", s.interval)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-s.ttl)
	deleted, err := s.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("retention: sweep failed", "error", err)
		return
	}
	if deleted > 0 {
		s.logger.Info("retention: swept expired runs", "deleted", deleted, "cutoff", cutoff)
	}
}
