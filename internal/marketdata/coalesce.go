package marketdata

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"orion/pkg/types"
)

// Subscription is one consumer's coalesced view. Updates delivers batches
// of latest-per-instrument ticks at most once per coalescing interval.
type Subscription struct {
	mu          sync.Mutex
	instruments map[string]bool
	pending     map[string]types.Tick
	out         chan []types.Tick
	closed      bool
}

// Updates is the subscriber's receive channel. It closes on unsubscribe.
func (s *Subscription) Updates() <-chan []types.Tick { return s.out }

// SetInstruments replaces the subscribed set. Pending ticks for dropped
// instruments are discarded.
func (s *Subscription) SetInstruments(instruments []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.instruments = make(map[string]bool, len(instruments))
	for _, id := range instruments {
		s.instruments[id] = true
	}
	for id := range s.pending {
		if !s.instruments[id] {
			delete(s.pending, id)
		}
	}
}

func (s *Subscription) offer(tick types.Tick) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || !s.instruments[tick.InstrumentID] {
		return
	}
	// Latest per instrument only; intermediates are discarded.
	s.pending[tick.InstrumentID] = tick
}

// flush tries to hand the pending batch to the subscriber. A full channel
// means the subscriber is behind; the batch stays pending and keeps
// absorbing newer ticks, so the client converges to the latest state.
func (s *Subscription) flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || len(s.pending) == 0 {
		return
	}
	batch := make([]types.Tick, 0, len(s.pending))
	for _, tick := range s.pending {
		batch = append(batch, tick)
	}
	sort.Slice(batch, func(i, j int) bool {
		return batch[i].InstrumentID < batch[j].InstrumentID
	})
	select {
	case s.out <- batch:
		s.pending = make(map[string]types.Tick)
	default:
	}
}

func (s *Subscription) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed {
		s.closed = true
		close(s.out)
	}
}

// Coalescer bounds every subscriber's update rate to one batch per
// interval regardless of the raw tick rate. The raw stream is never
// throttled; slow subscribers only lose intermediates.
type Coalescer struct {
	interval time.Duration
	cache    TickCache
	logger   *slog.Logger

	mu   sync.Mutex
	subs map[*Subscription]struct{}
}

func NewCoalescer(interval time.Duration, cache TickCache, logger *slog.Logger) *Coalescer {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	return &Coalescer{
		interval: interval,
		cache:    cache,
		logger:   logger.With("component", "md_coalesce"),
		subs:     make(map[*Subscription]struct{}),
	}
}

// Subscribe registers a consumer for an instrument set. The latest known
// tick per instrument is staged immediately as the snapshot; incremental
// updates follow at the coalescing cadence.
func (c *Coalescer) Subscribe(instruments []string) *Subscription {
	sub := &Subscription{
		instruments: make(map[string]bool, len(instruments)),
		pending:     make(map[string]types.Tick),
		out:         make(chan []types.Tick, 1),
	}
	for _, id := range instruments {
		sub.instruments[id] = true
		if tick, ok := c.cache.Latest(id); ok {
			sub.pending[id] = tick
		}
	}
	// Snapshot goes out ahead of the first interval.
	sub.flush()

	c.mu.Lock()
	c.subs[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

// Unsubscribe removes the consumer and closes its channel.
func (c *Coalescer) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	delete(c.subs, sub)
	c.mu.Unlock()
	sub.close()
}

// Offer routes one raw tick into every matching subscription's pending
// set. It never blocks.
func (c *Coalescer) Offer(tick types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for sub := range c.subs {
		sub.offer(tick)
	}
}

// Run flushes all subscriptions once per interval until ctx ends.
func (c *Coalescer) Run(ctx context.Context) {
	c.logger.Info("coalescer started", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			c.mu.Lock()
			for sub := range c.subs {
				delete(c.subs, sub)
				sub.close()
			}
			c.mu.Unlock()
			c.logger.Info("coalescer stopped")
			return
		case <-ticker.C:
			c.FlushAll()
		}
	}
}

// FlushAll delivers every subscription's pending batch.
func (c *Coalescer) FlushAll() {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for sub := range c.subs {
		subs = append(subs, sub)
	}
	c.mu.Unlock()
	for _, sub := range subs {
		sub.flush()
	}
}
