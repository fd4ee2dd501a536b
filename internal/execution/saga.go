// Package execution runs the post-acceptance saga: last look, trade
// creation, confirmation, and the hand-off to settlement. Every step is an
// idempotent consumer handler; the trade insert's (rfqId, acceptedQuoteId)
// unique key makes trade creation at-most-once per acceptance even under
// duplicate delivery.
package execution

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orion/internal/consumer"
	"orion/internal/event"
	"orion/internal/rfq"
	"orion/internal/storage"
	"orion/pkg/types"
)

const producer = "tec-execution"

// Saga owns the QuoteAccepted -> TradeExecuted -> TradeConfirmed ->
// SettlementRequested chain.
type Saga struct {
	lastLook rfq.LastLook
	mids     rfq.MidSource
	logger   *slog.Logger
	now      func() time.Time
}

func NewSaga(lastLook rfq.LastLook, mids rfq.MidSource, logger *slog.Logger) *Saga {
	if lastLook == nil {
		lastLook = rfq.AcceptAll{}
	}
	return &Saga{
		lastLook: lastLook,
		mids:     mids,
		logger:   logger.With("component", "execution_saga"),
		now:      time.Now,
	}
}

// WithClock overrides the saga clock.
func (s *Saga) WithClock(now func() time.Time) *Saga {
	s.now = now
	return s
}

// Register wires the saga's handlers into a consumer runtime.
func (s *Saga) Register(rt *consumer.Runtime) {
	rt.Handle(event.TypeQuoteAccepted, s.HandleQuoteAccepted)
	rt.Handle(event.TypeTradeExecuted, s.HandleTradeExecuted)
	rt.Handle(event.TypeTradeConfirmed, s.HandleTradeConfirmed)
}

// HandleQuoteAccepted runs the LP's last look and either creates the trade
// or returns the RFQ to quoting.
func (s *Saga) HandleQuoteAccepted(ctx context.Context, tx storage.Tx, env event.Envelope) ([]event.Envelope, error) {
	var p event.QuoteAcceptedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, consumer.Permanent(err)
	}
	now := s.now().UTC()

	quote := types.Quote{
		QuoteID:    p.QuoteID,
		RFQID:      p.RFQID,
		LPID:       p.LPID,
		Price:      p.Price,
		Size:       p.Size,
		ReceivedAt: env.OccurredAt,
	}
	mid := s.referenceMid(p.InstrumentID)
	if ok, reason := s.lastLook.Decide(quote, mid, now); !ok {
		return s.rejectAcceptance(ctx, tx, env, p, reason, now)
	}

	buyer, seller := p.RequesterID, p.LPID
	if p.Side == types.SELL {
		buyer, seller = p.LPID, p.RequesterID
	}
	trade := types.Trade{
		TradeID:         uuid.NewString(),
		TenantID:        env.TenantID,
		RFQID:           p.RFQID,
		AcceptedQuoteID: p.QuoteID,
		InstrumentID:    p.InstrumentID,
		Side:            p.Side,
		Qty:             p.Size,
		Price:           p.Price,
		BuyerParty:      buyer,
		SellerParty:     seller,
		Venue:           p.Venue,
		ExecutedAt:      now,
	}
	if err := tx.Trades().Insert(ctx, trade); err != nil {
		if errors.Is(err, storage.ErrDuplicate) {
			// A concurrent delivery already created the trade.
			s.logger.Info("trade already exists for acceptance",
				"rfq_id", p.RFQID, "quote_id", p.QuoteID)
			return nil, nil
		}
		return nil, err
	}

	executed, err := event.NewChild(env, event.TypeTradeExecuted, producer,
		event.Entity{EntityType: event.EntityTrade, EntityID: trade.TradeID, Sequence: 1},
		event.TradeExecutedPayload{Trade: trade})
	if err != nil {
		return nil, consumer.Permanent(err)
	}
	s.logger.Info("trade executed",
		"trade_id", trade.TradeID, "rfq_id", p.RFQID, "qty", trade.Qty, "price", trade.Price)
	return []event.Envelope{executed}, nil
}

func (s *Saga) rejectAcceptance(ctx context.Context, tx storage.Tx, env event.Envelope, p event.QuoteAcceptedPayload, reason string, now time.Time) ([]event.Envelope, error) {
	resumed, err := rfq.ApplyLastLookRejection(ctx, tx, env.TenantID, p.RFQID, p.QuoteID, now)
	if err != nil {
		return nil, err
	}
	rejected, err := event.NewChild(env, event.TypeQuoteAcceptanceRejected, producer,
		event.Entity{EntityType: event.EntityRFQ, EntityID: p.RFQID},
		event.QuoteAcceptanceRejectedPayload{
			RFQID:             p.RFQID,
			QuoteID:           p.QuoteID,
			Reason:            reason,
			ReturnedToQuoting: resumed,
		})
	if err != nil {
		return nil, consumer.Permanent(err)
	}
	s.logger.Warn("last look rejected acceptance",
		"rfq_id", p.RFQID, "quote_id", p.QuoteID, "reason", reason, "resumed_quoting", resumed)
	return []event.Envelope{rejected}, nil
}

// HandleTradeExecuted records the venue confirmation and opens the
// settlement record.
func (s *Saga) HandleTradeExecuted(ctx context.Context, tx storage.Tx, env event.Envelope) ([]event.Envelope, error) {
	var p event.TradeExecutedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, consumer.Permanent(err)
	}
	trade := p.Trade
	now := s.now().UTC()

	confirmation, err := json.Marshal(map[string]any{
		"tradeId":     trade.TradeID,
		"instrument":  trade.InstrumentID,
		"qty":         trade.Qty,
		"price":       trade.Price,
		"buyerParty":  trade.BuyerParty,
		"sellerParty": trade.SellerParty,
		"venue":       trade.Venue,
		"confirmedAt": now.Format(time.RFC3339),
	})
	if err != nil {
		return nil, consumer.Permanent(err)
	}

	if err := tx.Settlements().Upsert(ctx, types.SettlementRecord{
		TradeID:       trade.TradeID,
		TenantID:      trade.TenantID,
		Venue:         trade.Venue,
		Status:        types.SettlementPending,
		NextAttemptAt: now,
		UpdatedAt:     now,
	}); err != nil {
		return nil, err
	}

	confirmed, err := event.NewChild(env, event.TypeTradeConfirmed, producer,
		event.Entity{EntityType: event.EntityTrade, EntityID: trade.TradeID, Sequence: 2},
		event.TradeConfirmedPayload{TradeID: trade.TradeID, Confirmation: confirmation})
	if err != nil {
		return nil, consumer.Permanent(err)
	}
	requested, err := event.NewChild(env, event.TypeSettlementRequested, producer,
		event.Entity{EntityType: event.EntitySettlement, EntityID: trade.TradeID, Sequence: 1},
		event.SettlementRequestedPayload{TradeID: trade.TradeID, Venue: trade.Venue})
	if err != nil {
		return nil, consumer.Permanent(err)
	}
	return []event.Envelope{confirmed, requested}, nil
}

// HandleTradeConfirmed closes the originating RFQ.
func (s *Saga) HandleTradeConfirmed(ctx context.Context, tx storage.Tx, env event.Envelope) ([]event.Envelope, error) {
	var p event.TradeConfirmedPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		return nil, consumer.Permanent(err)
	}
	trade, err := tx.Trades().Get(ctx, env.TenantID, p.TradeID)
	if err != nil {
		return nil, err
	}
	if trade.RFQID == "" {
		// Book-originated trade; no RFQ to close.
		return nil, nil
	}
	now := s.now().UTC()
	version, err := rfq.ApplyTraded(ctx, tx, env.TenantID, trade.RFQID, now)
	if err != nil {
		return nil, err
	}
	traded, err := event.NewChild(env, event.TypeRFQTraded, producer,
		event.Entity{EntityType: event.EntityRFQ, EntityID: trade.RFQID, Sequence: version},
		event.RFQTradedPayload{RFQID: trade.RFQID, TradeID: trade.TradeID})
	if err != nil {
		return nil, consumer.Permanent(err)
	}
	return []event.Envelope{traded}, nil
}

func (s *Saga) referenceMid(instrumentID string) decimal.Decimal {
	if s.mids == nil {
		return decimal.Zero
	}
	mid, ok := s.mids.Mid(instrumentID)
	if !ok {
		return decimal.Zero
	}
	return mid
}
