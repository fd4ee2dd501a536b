package marketdata

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"

	"orion/pkg/types"
)

// TickCache holds the latest tick per instrument. It doubles as the
// reference mid source for quote sanity checks and last look.
type TickCache interface {
	Put(tick types.Tick)
	Latest(instrumentID string) (types.Tick, bool)
	MarkStale(instrumentID string)
	Mid(instrumentID string) (decimal.Decimal, bool)
}

// MemoryCache is the in-process cache used by single-node deployments and
// tests.
type MemoryCache struct {
	mu    sync.RWMutex
	ticks map[string]types.Tick
}

func NewMemoryCache() *MemoryCache {
	return &MemoryCache{ticks: make(map[string]types.Tick)}
}

func (c *MemoryCache) Put(tick types.Tick) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ticks[tick.InstrumentID] = tick
}

func (c *MemoryCache) Latest(instrumentID string) (types.Tick, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	tick, ok := c.ticks[instrumentID]
	return tick, ok
}

func (c *MemoryCache) MarkStale(instrumentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tick, ok := c.ticks[instrumentID]; ok {
		tick.Stale = true
		c.ticks[instrumentID] = tick
	}
}

// Mid returns the latest mid. Stale ticks still serve as reference; the
// Stale flag travels with the tick for callers that care.
func (c *MemoryCache) Mid(instrumentID string) (decimal.Decimal, bool) {
	tick, ok := c.Latest(instrumentID)
	if !ok || tick.Mid.IsZero() {
		return decimal.Zero, false
	}
	return tick.Mid, true
}

// RedisCache shares the latest ticks across nodes. Keys expire after TTL
// so a dead feed does not serve ancient mids forever.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

func NewRedisCache(client *redis.Client, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{
		client: client,
		ttl:    ttl,
		logger: logger.With("component", "md_cache"),
	}
}

func tickKey(instrumentID string) string { return "md:tick:" + instrumentID }

func (c *RedisCache) Put(tick types.Tick) {
	data, err := json.Marshal(tick)
	if err != nil {
		c.logger.Error("marshal tick", "instrument", tick.InstrumentID, "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := c.client.Set(ctx, tickKey(tick.InstrumentID), data, c.ttl).Err(); err != nil {
		c.logger.Error("cache tick", "instrument", tick.InstrumentID, "error", err)
	}
}

func (c *RedisCache) Latest(instrumentID string) (types.Tick, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	data, err := c.client.Get(ctx, tickKey(instrumentID)).Bytes()
	if err != nil {
		return types.Tick{}, false
	}
	var tick types.Tick
	if err := json.Unmarshal(data, &tick); err != nil {
		c.logger.Error("decode cached tick", "instrument", instrumentID, "error", err)
		return types.Tick{}, false
	}
	return tick, true
}

func (c *RedisCache) MarkStale(instrumentID string) {
	tick, ok := c.Latest(instrumentID)
	if !ok {
		return
	}
	tick.Stale = true
	c.Put(tick)
}

func (c *RedisCache) Mid(instrumentID string) (decimal.Decimal, bool) {
	tick, ok := c.Latest(instrumentID)
	if !ok || tick.Mid.IsZero() {
		return decimal.Zero, false
	}
	return tick.Mid, true
}
