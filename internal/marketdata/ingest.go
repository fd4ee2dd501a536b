package marketdata

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/bus"
	"orion/internal/event"
	"orion/pkg/types"
)

const producer = "tec-marketdata"

var two = decimal.NewFromInt(2)

// IngestConfig tunes normalization and staleness tracking.
type IngestConfig struct {
	Env                string
	StalenessThreshold time.Duration // default 5s
	LateThreshold      time.Duration // default 1s
	StalenessSweep     time.Duration // default 1s
}

func (c *IngestConfig) defaults() {
	if c.Env == "" {
		c.Env = "dev"
	}
	if c.StalenessThreshold <= 0 {
		c.StalenessThreshold = 5 * time.Second
	}
	if c.LateThreshold <= 0 {
		c.LateThreshold = time.Second
	}
	if c.StalenessSweep <= 0 {
		c.StalenessSweep = time.Second
	}
}

type feedKey struct {
	instrumentID string
	source       string
}

type feedState struct {
	lastTickAt time.Time
	stale      bool
}

// Ingestor normalizes ticks and publishes them to the raw stream at full
// rate, keyed by instrument for per-instrument FIFO. Malformed ticks are
// dropped with a counter, never an error.
type Ingestor struct {
	cfg   IngestConfig
	pub   bus.Publisher
	cache TickCache

	logger *slog.Logger
	now    func() time.Time

	mu        sync.Mutex
	sequences map[string]uint64
	latestTS  map[string]time.Time
	feeds     map[feedKey]*feedState

	dropped   atomic.Uint64
	published atomic.Uint64
}

func NewIngestor(cfg IngestConfig, pub bus.Publisher, cache TickCache, logger *slog.Logger) *Ingestor {
	cfg.defaults()
	return &Ingestor{
		cfg:       cfg,
		pub:       pub,
		cache:     cache,
		logger:    logger.With("component", "md_ingest"),
		now:       time.Now,
		sequences: make(map[string]uint64),
		latestTS:  make(map[string]time.Time),
		feeds:     make(map[feedKey]*feedState),
	}
}

// WithClock overrides the ingestor clock.
func (i *Ingestor) WithClock(now func() time.Time) *Ingestor {
	i.now = now
	return i
}

// Dropped returns how many malformed ticks were discarded.
func (i *Ingestor) Dropped() uint64 { return i.dropped.Load() }

// Published returns how many ticks reached the raw stream.
func (i *Ingestor) Published() uint64 { return i.published.Load() }

// Run consumes the connector's output until ctx ends or the channel
// closes, sweeping for stale feeds in between.
func (i *Ingestor) Run(ctx context.Context, ticks <-chan types.Tick) {
	i.logger.Info("ingest started",
		"staleness", i.cfg.StalenessThreshold, "late", i.cfg.LateThreshold)
	sweep := time.NewTicker(i.cfg.StalenessSweep)
	defer sweep.Stop()
	for {
		select {
		case <-ctx.Done():
			i.logger.Info("ingest stopped",
				"published", i.Published(), "dropped", i.Dropped())
			return
		case <-sweep.C:
			i.SweepStale(ctx)
		case tick, ok := <-ticks:
			if !ok {
				i.logger.Info("feed closed",
					"published", i.Published(), "dropped", i.Dropped())
				return
			}
			i.Process(ctx, tick)
		}
	}
}

// Process normalizes and publishes one tick. Invalid ticks are dropped.
func (i *Ingestor) Process(ctx context.Context, tick types.Tick) {
	if !i.valid(tick) {
		i.dropped.Add(1)
		i.logger.Warn("dropped malformed tick",
			"instrument", tick.InstrumentID, "source", tick.Source,
			"bid", tick.Bid, "ask", tick.Ask)
		return
	}
	if tick.Mid.IsZero() {
		tick.Mid = tick.Bid.Add(tick.Ask).Div(two)
	}

	now := i.now().UTC()
	i.mu.Lock()
	latest := i.latestTS[tick.InstrumentID]
	if tick.Timestamp.After(latest) {
		i.latestTS[tick.InstrumentID] = tick.Timestamp
	} else if latest.Sub(tick.Timestamp) > i.cfg.LateThreshold {
		// Behind the stream but still accepted.
		tick.Late = true
	}
	i.sequences[tick.InstrumentID]++
	tick.Sequence = i.sequences[tick.InstrumentID]

	key := feedKey{tick.InstrumentID, tick.Source}
	state, ok := i.feeds[key]
	if !ok {
		state = &feedState{}
		i.feeds[key] = state
	}
	resumed := state.stale
	state.stale = false
	state.lastTickAt = now
	i.mu.Unlock()

	if resumed {
		i.emit(ctx, event.TypeMarketDataResumed, tick.InstrumentID,
			event.MarketDataResumedPayload{
				InstrumentID: tick.InstrumentID,
				Source:       tick.Source,
				ResumedAt:    now,
			})
		i.logger.Info("feed resumed", "instrument", tick.InstrumentID, "source", tick.Source)
	}

	i.cache.Put(tick)
	i.emit(ctx, event.TypeMarketTickReceived, tick.InstrumentID, event.TickPayload{Tick: tick})
	i.published.Add(1)
}

// SweepStale flags feeds silent past the threshold and emits one stale
// event per transition.
func (i *Ingestor) SweepStale(ctx context.Context) {
	now := i.now().UTC()
	type staleFeed struct {
		key  feedKey
		last time.Time
	}
	var flagged []staleFeed

	i.mu.Lock()
	for key, state := range i.feeds {
		if !state.stale && now.Sub(state.lastTickAt) >= i.cfg.StalenessThreshold {
			state.stale = true
			flagged = append(flagged, staleFeed{key, state.lastTickAt})
		}
	}
	i.mu.Unlock()

	for _, f := range flagged {
		i.cache.MarkStale(f.key.instrumentID)
		i.emit(ctx, event.TypeMarketDataStaleDetected, f.key.instrumentID,
			event.MarketDataStalePayload{
				InstrumentID: f.key.instrumentID,
				Source:       f.key.source,
				LastTickAt:   f.last,
				DetectedAt:   now,
			})
		i.logger.Warn("feed stale",
			"instrument", f.key.instrumentID, "source", f.key.source, "last_tick", f.last)
	}
}

func (i *Ingestor) valid(tick types.Tick) bool {
	if tick.InstrumentID == "" || tick.Timestamp.IsZero() {
		return false
	}
	if !tick.Bid.IsPositive() || !tick.Ask.IsPositive() {
		return false
	}
	return !tick.Bid.GreaterThan(tick.Ask)
}

// emit publishes directly to the log: market data bypasses the outbox, the
// raw stream is the source of truth and losing a tick on a crash is
// acceptable where losing a domain event is not.
func (i *Ingestor) emit(ctx context.Context, eventType, instrumentID string, payload any) {
	env, err := event.New(eventType, producer, "system",
		event.Entity{EntityType: event.EntityInstrument, EntityID: instrumentID}, payload)
	if err != nil {
		i.logger.Error("build event", "type", eventType, "error", err)
		return
	}
	data, err := env.Marshal()
	if err != nil {
		i.logger.Error("marshal event", "type", eventType, "error", err)
		return
	}
	topic := event.Topic(i.cfg.Env, event.StreamFor(eventType), 1)
	if err := i.pub.Publish(ctx, bus.Message{Topic: topic, Key: instrumentID, Value: data}); err != nil {
		i.logger.Error("publish tick event", "type", eventType, "error", err)
	}
}
