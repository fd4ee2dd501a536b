package execution

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/rfq"
	"orion/internal/storage"
	"orion/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func acceptedEnvelope(t *testing.T) event.Envelope {
	t.Helper()
	env, err := event.New(event.TypeQuoteAccepted, "tec-rfq", "tenant-a",
		event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 4},
		event.QuoteAcceptedPayload{
			RFQID:        "rfq-1",
			QuoteID:      "q-1",
			RequesterID:  "trader-1",
			LPID:         "lp-1",
			InstrumentID: "EURUSD",
			Side:         types.BUY,
			Price:        decimal.NewFromFloat(1.0851),
			Size:         decimal.NewFromInt(100_000),
			Venue:        "XOTC",
		})
	if err != nil {
		t.Fatalf("build envelope: %v", err)
	}
	return env
}

func runHandler(t *testing.T, db *storage.MemoryDB, h func(context.Context, storage.Tx, event.Envelope) ([]event.Envelope, error), env event.Envelope) []event.Envelope {
	t.Helper()
	var out []event.Envelope
	err := db.WithTx(context.Background(), func(ctx context.Context, tx storage.Tx) error {
		var err error
		out, err = h(ctx, tx, env)
		return err
	})
	if err != nil {
		t.Fatalf("handler: %v", err)
	}
	return out
}

func TestQuoteAcceptedCreatesTradeOnce(t *testing.T) {
	t.Parallel()
	db := storage.NewMemoryDB()
	saga := NewSaga(rfq.AcceptAll{}, nil, testLogger())
	env := acceptedEnvelope(t)

	out := runHandler(t, db, saga.HandleQuoteAccepted, env)
	if len(out) != 1 || out[0].EventType != event.TypeTradeExecuted {
		t.Fatalf("emitted = %v", out)
	}
	if out[0].CausationID != env.EventID {
		t.Error("TradeExecuted not caused by QuoteAccepted")
	}

	trade, err := db.Trades().GetByAcceptance(context.Background(), "rfq-1", "q-1")
	if err != nil {
		t.Fatalf("trade not found: %v", err)
	}
	if trade.BuyerParty != "trader-1" || trade.SellerParty != "lp-1" {
		t.Errorf("parties = %s/%s", trade.BuyerParty, trade.SellerParty)
	}

	// Duplicate delivery: no second trade, no second event.
	out = runHandler(t, db, saga.HandleQuoteAccepted, env)
	if len(out) != 0 {
		t.Errorf("duplicate emitted %v", out)
	}
	trades, _ := db.Trades().List(context.Background(), "tenant-a", 10)
	if len(trades) != 1 {
		t.Errorf("trades = %d, want 1", len(trades))
	}
}

func TestLastLookRejectionReturnsRFQToQuoting(t *testing.T) {
	t.Parallel()
	db := storage.NewMemoryDB()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)

	// Seed an ACCEPTED RFQ still inside its expiry window.
	seed := &types.RFQ{
		RFQID: "rfq-1", TenantID: "tenant-a", RequesterID: "trader-1",
		InstrumentID: "EURUSD", Side: types.BUY,
		Size: decimal.NewFromInt(100_000), ExpiresAt: now.Add(time.Minute),
		Status: types.RFQAccepted, AcceptedQuoteID: "q-1", Version: 4,
		Quotes: map[string]types.Quote{"q-1": {QuoteID: "q-1", LPID: "lp-1"}},
	}
	if err := db.RFQs().Insert(context.Background(), seed); err != nil {
		t.Fatalf("seed rfq: %v", err)
	}

	// Mid has drifted 2% against a 1% tolerance.
	mids := midSource{"EURUSD": decimal.NewFromFloat(1.1070)}
	saga := NewSaga(rfq.PriceDrift{Tolerance: decimal.NewFromFloat(0.01)}, mids, testLogger()).
		WithClock(func() time.Time { return now })

	out := runHandler(t, db, saga.HandleQuoteAccepted, acceptedEnvelope(t))
	if len(out) != 1 || out[0].EventType != event.TypeQuoteAcceptanceRejected {
		t.Fatalf("emitted = %v", out)
	}
	var p event.QuoteAcceptanceRejectedPayload
	if err := json.Unmarshal(out[0].Payload, &p); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if !p.ReturnedToQuoting {
		t.Error("rfq should have resumed quoting")
	}

	got, _ := db.RFQs().Get(context.Background(), "tenant-a", "rfq-1")
	if got.Status != types.RFQQuoting {
		t.Errorf("rfq status = %s, want QUOTING", got.Status)
	}
	if _, err := db.Trades().GetByAcceptance(context.Background(), "rfq-1", "q-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Error("rejected acceptance still created a trade")
	}
}

type midSource map[string]decimal.Decimal

func (m midSource) Mid(id string) (decimal.Decimal, bool) {
	mid, ok := m[id]
	return mid, ok
}

func TestTradeExecutedOpensSettlement(t *testing.T) {
	t.Parallel()
	db := storage.NewMemoryDB()
	saga := NewSaga(rfq.AcceptAll{}, nil, testLogger())

	executed := runHandler(t, db, saga.HandleQuoteAccepted, acceptedEnvelope(t))[0]
	out := runHandler(t, db, saga.HandleTradeExecuted, executed)
	if len(out) != 2 ||
		out[0].EventType != event.TypeTradeConfirmed ||
		out[1].EventType != event.TypeSettlementRequested {
		t.Fatalf("emitted = %v", out)
	}

	var tp event.TradeExecutedPayload
	json.Unmarshal(executed.Payload, &tp)
	rec, err := db.Settlements().Get(context.Background(), tp.Trade.TradeID)
	if err != nil {
		t.Fatalf("settlement record: %v", err)
	}
	if rec.Status != types.SettlementPending || rec.Venue != "XOTC" {
		t.Errorf("settlement = %s at %s", rec.Status, rec.Venue)
	}
}

func TestTradeConfirmedClosesRFQ(t *testing.T) {
	t.Parallel()
	db := storage.NewMemoryDB()
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	seed := &types.RFQ{
		RFQID: "rfq-1", TenantID: "tenant-a", RequesterID: "trader-1",
		InstrumentID: "EURUSD", Side: types.BUY,
		Size: decimal.NewFromInt(100_000), ExpiresAt: now.Add(time.Minute),
		Status: types.RFQAccepted, AcceptedQuoteID: "q-1", Version: 4,
		Quotes: map[string]types.Quote{"q-1": {QuoteID: "q-1", LPID: "lp-1"}},
	}
	db.RFQs().Insert(context.Background(), seed)

	saga := NewSaga(rfq.AcceptAll{}, nil, testLogger()).
		WithClock(func() time.Time { return now })
	executed := runHandler(t, db, saga.HandleQuoteAccepted, acceptedEnvelope(t))[0]
	confirmed := runHandler(t, db, saga.HandleTradeExecuted, executed)[0]

	out := runHandler(t, db, saga.HandleTradeConfirmed, confirmed)
	if len(out) != 1 || out[0].EventType != event.TypeRFQTraded {
		t.Fatalf("emitted = %v", out)
	}
	got, _ := db.RFQs().Get(context.Background(), "tenant-a", "rfq-1")
	if got.Status != types.RFQTraded {
		t.Errorf("rfq status = %s, want TRADED", got.Status)
	}
}
