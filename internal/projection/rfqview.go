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

// RFQRow is the live RFQ board entry: current status, quote depth, and the
// best price from the requester's point of view.
type RFQRow struct {
	RFQID        string
	TenantID     string
	InstrumentID string
	Side         types.Side
	Size         decimal.Decimal
	Status       types.RFQStatus
	ExpiresAt    time.Time
	QuoteCount   int
	BestQuoteID  string
	BestPrice    decimal.Decimal
	AcceptedID   string
	TradeID      string
	UpdatedAt    time.Time
}

// RFQView folds the RFQ lifecycle and quote streams into a queryable
// board. Status moves by event sequence, so replaying an old event never
// rolls a row backwards.
type RFQView struct {
	logger *slog.Logger

	mu       sync.RWMutex
	rows     map[string]*RFQRow
	seq      map[string]int64
	watchers map[string]map[chan RFQRow]struct{}
}

func NewRFQView(logger *slog.Logger) *RFQView {
	return &RFQView{
		logger:   logger.With("component", "rfq_view"),
		rows:     make(map[string]*RFQRow),
		seq:      make(map[string]int64),
		watchers: make(map[string]map[chan RFQRow]struct{}),
	}
}

// Run consumes the lifecycle and quote topics until ctx ends.
func (v *RFQView) Run(ctx context.Context, sub bus.Subscriber, group string, topics ...string) error {
	var wg sync.WaitGroup
	errs := make(chan error, len(topics))
	for _, topic := range topics {
		wg.Add(1)
		go func(topic string) {
			defer wg.Done()
			if err := sub.Subscribe(ctx, topic, group, v.handle); err != nil && ctx.Err() == nil {
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

func (v *RFQView) handle(_ context.Context, msg bus.Message) error {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		v.logger.Warn("skipping malformed event", "topic", msg.Topic, "error", err)
		return nil
	}
	v.Apply(env)
	return nil
}

// Apply folds one event into the view.
func (v *RFQView) Apply(env event.Envelope) {
	v.mu.Lock()
	defer v.mu.Unlock()

	rfqID := env.Entity.EntityID
	if env.Entity.EntityType != event.EntityRFQ || rfqID == "" {
		return
	}
	// Sequence is the aggregate version at emission; an event at or behind
	// what the row already reflects is a replay.
	if env.Entity.Sequence != 0 && env.Entity.Sequence <= v.seq[rfqID] {
		return
	}

	row, ok := v.rows[rfqID]
	if !ok {
		row = &RFQRow{RFQID: rfqID, TenantID: env.TenantID}
		v.rows[rfqID] = row
	}
	row.UpdatedAt = env.OccurredAt

	switch env.EventType {
	case event.TypeRFQCreated:
		var p event.RFQCreatedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		row.InstrumentID = p.InstrumentID
		row.Side = p.Side
		row.Size = p.Size
		row.ExpiresAt = p.ExpiresAt
		row.Status = types.RFQCreated
	case event.TypeRFQSent:
		row.Status = types.RFQSent
	case event.TypeQuoteReceived:
		var p event.QuoteReceivedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		row.Status = types.RFQQuoting
		row.QuoteCount = len(p.Rankings)
		if len(p.Rankings) > 0 && !p.Rankings[0].Quote.OffMarket {
			row.BestQuoteID = p.Rankings[0].Quote.QuoteID
			row.BestPrice = p.Rankings[0].Quote.Price
		}
	case event.TypeQuoteAccepted:
		var p event.QuoteAcceptedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		row.Status = types.RFQAccepted
		row.AcceptedID = p.QuoteID
	case event.TypeQuoteAcceptanceRejected:
		var p event.QuoteAcceptanceRejectedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		row.AcceptedID = ""
		if p.ReturnedToQuoting {
			row.Status = types.RFQQuoting
		} else {
			row.Status = types.RFQRejected
		}
	case event.TypeRFQTraded:
		var p event.RFQTradedPayload
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return
		}
		row.Status = types.RFQTraded
		row.TradeID = p.TradeID
	case event.TypeRFQExpired:
		row.Status = types.RFQExpired
	case event.TypeRFQCancelled:
		row.Status = types.RFQCancelled
	default:
		return
	}

	if env.Entity.Sequence > v.seq[rfqID] {
		v.seq[rfqID] = env.Entity.Sequence
	}
	v.notifyLocked(rfqID, *row)
}

// notifyLocked pushes the updated row to every watcher, latest-wins: a
// watcher that has not drained its buffer loses the intermediate, not the
// final state.
func (v *RFQView) notifyLocked(rfqID string, row RFQRow) {
	for ch := range v.watchers[rfqID] {
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

// Watch streams updates for one RFQ, starting with the current row when it
// is already known. The returned cancel func releases the watcher; the
// channel is never closed, callers stop on a terminal status.
func (v *RFQView) Watch(rfqID string) (<-chan RFQRow, func()) {
	ch := make(chan RFQRow, 1)
	v.mu.Lock()
	set, ok := v.watchers[rfqID]
	if !ok {
		set = make(map[chan RFQRow]struct{})
		v.watchers[rfqID] = set
	}
	set[ch] = struct{}{}
	if row, ok := v.rows[rfqID]; ok {
		ch <- *row
	}
	v.mu.Unlock()

	cancel := func() {
		v.mu.Lock()
		if set, ok := v.watchers[rfqID]; ok {
			delete(set, ch)
			if len(set) == 0 {
				delete(v.watchers, rfqID)
			}
		}
		v.mu.Unlock()
	}
	return ch, cancel
}

// Open lists a tenant's non-terminal rows, soonest expiry first.
func (v *RFQView) Open(tenantID string) []RFQRow {
	v.mu.RLock()
	defer v.mu.RUnlock()
	var out []RFQRow
	for _, row := range v.rows {
		if row.TenantID == tenantID && !row.Status.Terminal() {
			out = append(out, *row)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(out[j].ExpiresAt)
		}
		return out[i].RFQID < out[j].RFQID
	})
	return out
}

// Get returns one row by id.
func (v *RFQView) Get(rfqID string) (RFQRow, bool) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	row, ok := v.rows[rfqID]
	if !ok {
		return RFQRow{}, false
	}
	return *row, true
}
