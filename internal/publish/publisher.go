// Package publish fans out run change notifications to live subscribers.
//
// The publisher is wired as the store's change handler, so it observes every
// committed version in commit order. Each subscriber holds a one-slot
// mailbox: when a subscriber is slower than the run it watches, intermediate
// snapshots are coalesced away and only the newest one is delivered. A
// subscriber therefore sees a strictly version-increasing subsequence of
// snapshots ending in the terminal one, never a stale or duplicate state.
package publish

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ashita-ai/tasuki/internal/model"
)

// Publisher routes run snapshots to per-run subscribers.
type Publisher struct {
	logger *slog.Logger

	mu   sync.RWMutex
	subs map[uuid.UUID]map[*subscriber]struct{}
}

func NewPublisher(logger *slog.Logger) *Publisher {
	return &Publisher{
		logger: logger,
		subs:   make(map[uuid.UUID]map[*subscriber]struct{}),
	}
}

// Publish delivers a committed run snapshot to that run's subscribers.
// It never blocks: slow subscribers coalesce. Out-of-order or duplicate
// deliveries (possible when remote change hints race local commits) are
// dropped by the per-subscriber version guard.
func (p *Publisher) Publish(run model.Run) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	for sub := range p.subs[run.ID] {
		sub.offer(run)
	}
}

// Subscribe registers a watcher for one run and returns a subscription whose
// first event is the given snapshot. The subscription closes itself after
// delivering a terminal snapshot; callers must call Close on early exit.
func (p *Publisher) Subscribe(ctx context.Context, snapshot model.Run) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &subscriber{
		runID:  snapshot.ID,
		ready:  make(chan struct{}, 1),
		out:    make(chan model.Run, 1),
		ctx:    subCtx,
		cancel: cancel,
	}

	p.mu.Lock()
	set, ok := p.subs[snapshot.ID]
	if !ok {
		set = make(map[*subscriber]struct{})
		p.subs[snapshot.ID] = set
	}
	set[sub] = struct{}{}
	p.mu.Unlock()

	// Seed the mailbox before the loop starts so the initial snapshot is
	// the first delivery, and commits racing the subscribe coalesce on it.
	sub.offer(snapshot)
	p.logger.Debug("publish: subscriber attached", "run_id", snapshot.ID, "version", snapshot.Version)
	go func() {
		sub.loop()
		p.remove(sub)
	}()

	return &Subscription{sub: sub}
}

// SubscriberCount reports active subscribers for a run. Test and metrics
// hook, not part of the delivery path.
func (p *Publisher) SubscriberCount(runID uuid.UUID) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.subs[runID])
}

func (p *Publisher) remove(sub *subscriber) {
	p.mu.Lock()
	defer p.mu.Unlock()
	set := p.subs[sub.runID]
	delete(set, sub)
	if len(set) == 0 {
		delete(p.subs, sub.runID)
	}
}

// Subscription is one client's view of a run's change feed.
type Subscription struct {
	sub *subscriber
}

// Events returns the snapshot channel. It is closed after a terminal
// snapshot is delivered, or after Close.
func (s *Subscription) Events() <-chan model.Run {
	return s.sub.out
}

// Close detaches the subscription. Safe to call more than once.
func (s *Subscription) Close() {
	s.sub.cancel()
}

// Refresh offers a snapshot read outside the change feed, closing the gap
// between the caller's initial read and the subscription attaching. The
// version guard drops it if the feed already delivered something newer.
func (s *Subscription) Refresh(run model.Run) {
	s.sub.offer(run)
}

type subscriber struct {
	runID  uuid.UUID
	ready  chan struct{}
	out    chan model.Run
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	pending *model.Run
	version uint64 // highest version offered so far
}

// offer places a snapshot in the one-slot mailbox, replacing any pending
// older one. Snapshots that do not advance the version are dropped.
func (s *subscriber) offer(run model.Run) {
	s.mu.Lock()
	if run.Version <= s.version {
		s.mu.Unlock()
		return
	}
	s.version = run.Version
	s.pending = &run
	s.mu.Unlock()

	select {
	case s.ready <- struct{}{}:
	default: // already signalled, loop will pick up the newest pending
	}
}

func (s *subscriber) loop() {
	defer s.cancel()
	defer close(s.out)
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-s.ready:
		}

		s.mu.Lock()
		run := s.pending
		s.pending = nil
		s.mu.Unlock()
		if run == nil {
			continue
		}

		select {
		case s.out <- *run:
		case <-s.ctx.Done():
			return
		}
		if run.Status.Terminal() {
			return
		}
	}
}
