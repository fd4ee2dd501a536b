// Package projection builds read-side views from the event streams. A
// projection owns its local store and is rebuilt by replaying its topics
// under a fresh consumer group; applying any event twice converges to the
// same state, so no dedup ledger is needed here.
package projection

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/bus"
	"orion/internal/event"
	"orion/pkg/types"
)

// BlotterRow is one trade with its settlement progress.
type BlotterRow struct {
	TradeID      string
	TenantID     string
	RFQID        string
	InstrumentID string
	Side         types.Side
	Qty          decimal.Decimal
	Price        decimal.Decimal
	Venue        string
	ExecutedAt   time.Time
	Settlement   types.SettlementStatus
	Attempts     int
}

// Blotter is the trade blotter view: every executed trade and where its
// settlement stands.
type Blotter struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rows     map[string]*BlotterRow
	watchers map[string]map[chan BlotterRow]struct{}
}

func NewBlotter(logger *slog.Logger) *Blotter {
	return &Blotter{
		logger:   logger.With("component", "blotter"),
		rows:     make(map[string]*BlotterRow),
		watchers: make(map[string]map[chan BlotterRow]struct{}),
	}
}

// Run consumes the trades and settlement topics until ctx ends.
func (b *Blotter) Run(ctx context.Context, sub bus.Subscriber, group string, topics ...string) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(topics))
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := sub.Subscribe(ctx, topic, group, b.handle); err != nil && ctx.Err() == nil {
				errs <- err
			}
		}(topic)
	}
	wg.Wait()
	select {
	case err := <-errs:
		return err
	default:
		return ctx.Err()
	}
}

func (b *Blotter) handle(_ context.Context, msg bus.Message) error {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		// A projection never poisons its partition on bad bytes.
		b.logger.Warn("skipping malformed event", "topic", msg.Topic, "error", err)
		return nil
	}
	b.Apply(env)
	return nil
}

// Apply folds one event into the view.
func (b *Blotter) Apply(env event.Envelope) {
	switch env.EventType {
	case event.TypeTradeExecuted:
		var p event.TradeExecutedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			b.logger.Warn("bad TradeExecuted payload", "event_id", env.EventID, "error", err)
			return
		}
		t := p.Trade
		b.mu.Lock()
		row := &BlotterRow{
			TradeID:      t.TradeID,
			TenantID:     t.TenantID,
			RFQID:        t.RFQID,
			InstrumentID: t.InstrumentID,
			Side:         t.Side,
			Qty:          t.Qty,
			Price:        t.Price,
			Venue:        t.Venue,
			ExecutedAt:   t.ExecutedAt,
			Settlement:   types.SettlementPending,
		}
		if prev, ok := b.rows[t.TradeID]; ok && prev.Attempts > 0 {
			// Settlement progress arrived first; keep it.
			row.Settlement = prev.Settlement
			row.Attempts = prev.Attempts
		}
		b.rows[t.TradeID] = row
		b.notifyLocked(t.TradeID, *row)
		b.mu.Unlock()
	case event.TypeSettlementCompleted:
		var p event.SettlementCompletedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		b.setSettlement(p.TradeID, types.SettlementSettled, p.Attempts)
	case event.TypeSettlementFailed:
		var p event.SettlementFailedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		status := types.SettlementRetrying
		if p.Final {
			status = types.SettlementFailedFinal
		}
		b.setSettlement(p.TradeID, status, p.Attempts)
	}
}

func (b *Blotter) setSettlement(tradeID string, status types.SettlementStatus, attempts int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	row, ok := b.rows[tradeID]
	if !ok {
		// Settlement event replayed ahead of its trade; hold a stub so the
		// late TradeExecuted does not clobber the status.
		row = &BlotterRow{TradeID: tradeID, Settlement: status, Attempts: attempts}
		b.rows[tradeID] = row
		b.notifyLocked(tradeID, *row)
		return
	}
	// Attempts only move forward; a replayed older event is a no-op.
	if attempts < row.Attempts {
		return
	}
	row.Settlement = status
	row.Attempts = attempts
	b.notifyLocked(tradeID, *row)
}

// notifyLocked pushes the updated row to every watcher, latest-wins.
func (b *Blotter) notifyLocked(tradeID string, row BlotterRow) {
	for ch := range b.watchers[tradeID] {
		select {
		case ch <- row:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- row
		}
	}
}

// Watch streams settlement progress for one trade, starting with the
// current row when it is already known. The channel is never closed;
// callers stop once settlement reaches SETTLED or FAILED_FINAL.
func (b *Blotter) Watch(tradeID string) (<-chan BlotterRow, func()) {
	ch := make(chan BlotterRow, 1)
	b.mu.Lock()
	set, ok := b.watchers[tradeID]
	if !ok {
		set = make(map[chan BlotterRow]struct{})
		b.watchers[tradeID] = set
	}
	set[ch] = struct{}{}
	if row, ok := b.rows[tradeID]; ok {
		ch <- *row
	}
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if set, ok := b.watchers[tradeID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(b.watchers, tradeID)
			}
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Trades lists a tenant's rows, newest first.
func (b *Blotter) Trades(tenantID string) []BlotterRow {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var out []BlotterRow
	for _, row := range b.rows {
		if row.TenantID == tenantID {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExecutedAt.Equal(out[j].ExecutedAt) {
			return out[i].ExecutedAt.After(out[j].ExecutedAt)
		}
		return out[i].TradeID < out[j].TradeID
	})
	return out
}

// Trade returns one row by id.
func (b *Blotter) Trade(tradeID string) (BlotterRow, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	row, ok := b.rows[tradeID]
	if !ok {
		return BlotterRow{}, false
	}
	return *row, true
}
