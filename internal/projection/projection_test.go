package projection

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/bus"
	"orion/internal/event"
	"orion/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func mustEnv(t *testing.T, eventType string, entity event.Entity, payload any) event.Envelope {
	t.Helper()
	env, err := event.New(eventType, "test", "tenant-a", entity, payload)
	if err != nil {
		t.Fatalf("build %s: %v", eventType, err)
	}
	return env
}

func rfqLifecycle(t *testing.T) []event.Envelope {
	t.Helper()
	size := decimal.NewFromInt(100_000)
	price := decimal.NewFromFloat(1.0851)
	quote := types.Quote{QuoteID: "q-1", RFQID: "rfq-1", LPID: "lp-1", Price: price, Size: size}
	return []event.Envelope{
		mustEnv(t, event.TypeRFQCreated,
			event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 1},
			event.RFQCreatedPayload{RFQID: "rfq-1", InstrumentID: "EURUSD", Side: types.BUY, Size: size}),
		mustEnv(t, event.TypeRFQSent,
			event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 2},
			event.RFQSentPayload{RFQID: "rfq-1", LPIDs: []string{"lp-1"}}),
		mustEnv(t, event.TypeQuoteReceived,
			event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 3},
			event.QuoteReceivedPayload{Quote: quote, Rankings: []types.RankedQuote{
				{Quote: quote, Rank: 1, IsBestAsk: true},
			}}),
		mustEnv(t, event.TypeQuoteAccepted,
			event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 4},
			event.QuoteAcceptedPayload{RFQID: "rfq-1", QuoteID: "q-1", Side: types.BUY, Price: price, Size: size}),
		mustEnv(t, event.TypeRFQTraded,
			event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 5},
			event.RFQTradedPayload{RFQID: "rfq-1", TradeID: "t-1"}),
	}
}

func TestRFQViewFoldsLifecycle(t *testing.T) {
	t.Parallel()
	v := NewRFQView(testLogger())
	for _, env := range rfqLifecycle(t) {
		v.Apply(env)
	}
	row, ok := v.Get("rfq-1")
	if !ok {
		t.Fatal("row missing")
	}
	if row.Status != types.RFQTraded || row.TradeID != "t-1" ||
		row.QuoteCount != 1 || row.BestQuoteID != "q-1" {
		t.Errorf("row = %+v", row)
	}
	if open := v.Open("tenant-a"); len(open) != 0 {
		t.Errorf("traded rfq still listed open: %v", open)
	}
}

func TestRFQViewReplayIsIdempotent(t *testing.T) {
	t.Parallel()
	events := rfqLifecycle(t)

	once := NewRFQView(testLogger())
	for _, env := range events {
		once.Apply(env)
	}
	// Redeliver everything, including an old event after the fold.
	twice := NewRFQView(testLogger())
	for _, env := range events {
		twice.Apply(env)
	}
	for _, env := range events {
		twice.Apply(env)
	}
	twice.Apply(events[1]) // stale RFQSent must not roll status back

	a, _ := once.Get("rfq-1")
	b, _ := twice.Get("rfq-1")
	if a.Status != b.Status || a.QuoteCount != b.QuoteCount || a.TradeID != b.TradeID {
		t.Errorf("replay diverged: %+v vs %+v", a, b)
	}
	if b.Status != types.RFQTraded {
		t.Errorf("status rolled back to %s", b.Status)
	}
}

func TestBlotterTracksSettlementProgress(t *testing.T) {
	t.Parallel()
	b := NewBlotter(testLogger())
	trade := types.Trade{
		TradeID: "t-1", TenantID: "tenant-a", RFQID: "rfq-1",
		InstrumentID: "EURUSD", Side: types.BUY,
		Qty: decimal.NewFromInt(100_000), Price: decimal.NewFromFloat(1.0851),
		Venue: "XOTC", ExecutedAt: time.Now().UTC(),
	}
	b.Apply(mustEnv(t, event.TypeTradeExecuted,
		event.Entity{EntityType: event.EntityTrade, EntityID: "t-1", Sequence: 1},
		event.TradeExecutedPayload{Trade: trade}))
	b.Apply(mustEnv(t, event.TypeSettlementFailed,
		event.Entity{EntityType: event.EntitySettlement, EntityID: "t-1"},
		event.SettlementFailedPayload{TradeID: "t-1", Attempts: 1, Reason: "venue down"}))

	row, _ := b.Trade("t-1")
	if row.Settlement != types.SettlementRetrying || row.Attempts != 1 {
		t.Errorf("row = %+v", row)
	}

	b.Apply(mustEnv(t, event.TypeSettlementCompleted,
		event.Entity{EntityType: event.EntitySettlement, EntityID: "t-1"},
		event.SettlementCompletedPayload{TradeID: "t-1", Attempts: 2}))
	row, _ = b.Trade("t-1")
	if row.Settlement != types.SettlementSettled || row.Attempts != 2 {
		t.Errorf("row = %+v", row)
	}

	// Replaying the earlier failure must not regress the settled row.
	b.Apply(mustEnv(t, event.TypeSettlementFailed,
		event.Entity{EntityType: event.EntitySettlement, EntityID: "t-1"},
		event.SettlementFailedPayload{TradeID: "t-1", Attempts: 1, Reason: "venue down"}))
	row, _ = b.Trade("t-1")
	if row.Settlement != types.SettlementSettled {
		t.Errorf("replay regressed row to %s", row.Settlement)
	}

	if rows := b.Trades("tenant-a"); len(rows) != 1 {
		t.Errorf("tenant rows = %d", len(rows))
	}
}

func TestRFQViewRebuildsFromTopicReplay(t *testing.T) {
	t.Parallel()
	mb := bus.NewMemoryBus()
	topic := "dev.rfq.lifecycle.v1"
	ctx := context.Background()
	for _, env := range rfqLifecycle(t) {
		data, err := env.Marshal()
		if err != nil {
			t.Fatalf("marshal: %v", err)
		}
		if err := mb.Publish(ctx, bus.Message{Topic: topic, Key: "rfq-1", Value: data}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}

	runView := func(group string) *RFQView {
		v := NewRFQView(testLogger())
		runCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			v.Run(runCtx, mb, group, topic)
			close(done)
		}()
		deadline := time.After(2 * time.Second)
		for {
			if row, ok := v.Get("rfq-1"); ok && row.Status == types.RFQTraded {
				break
			}
			select {
			case <-deadline:
				t.Fatalf("group %s never caught up", group)
			case <-time.After(5 * time.Millisecond):
			}
		}
		cancel()
		<-done
		return v
	}

	first := runView("view-a")
	// A fresh group starts at offset zero and rebuilds the same state.
	rebuilt := runView("view-b")

	a, _ := first.Get("rfq-1")
	b, _ := rebuilt.Get("rfq-1")
	if a.Status != b.Status || a.TradeID != b.TradeID || a.QuoteCount != b.QuoteCount {
		t.Errorf("rebuild diverged: %+v vs %+v", a, b)
	}
}

func TestRFQViewWatchDeliversLatestState(t *testing.T) {
	t.Parallel()
	events := rfqLifecycle(t)
	v := NewRFQView(testLogger())
	v.Apply(events[0])

	ch, cancel := v.Watch("rfq-1")
	defer cancel()

	// The current row arrives as the snapshot.
	select {
	case row := <-ch:
		if row.Status != types.RFQCreated {
			t.Fatalf("snapshot status = %s", row.Status)
		}
	default:
		t.Fatal("no snapshot for a known row")
	}

	// A slow consumer sees the latest state, not every intermediate.
	for _, env := range events[1:] {
		v.Apply(env)
	}
	select {
	case row := <-ch:
		if row.Status != types.RFQTraded || row.TradeID != "t-1" {
			t.Fatalf("row = %+v", row)
		}
	default:
		t.Fatal("no update after apply")
	}

	// After cancel no further updates land.
	cancel()
	v.Apply(mustEnv(t, event.TypeRFQCancelled,
		event.Entity{EntityType: event.EntityRFQ, EntityID: "rfq-1", Sequence: 6},
		event.RFQCancelledPayload{RFQID: "rfq-1"}))
	select {
	case row := <-ch:
		t.Fatalf("update after cancel: %+v", row)
	default:
	}
}

func TestBlotterWatchTracksSettlement(t *testing.T) {
	t.Parallel()
	b := NewBlotter(testLogger())
	ch, cancel := b.Watch("t-9")
	defer cancel()

	b.Apply(mustEnv(t, event.TypeTradeExecuted,
		event.Entity{EntityType: event.EntityTrade, EntityID: "t-9", Sequence: 1},
		event.TradeExecutedPayload{Trade: types.Trade{TradeID: "t-9", TenantID: "tenant-a"}}))
	b.Apply(mustEnv(t, event.TypeSettlementCompleted,
		event.Entity{EntityType: event.EntitySettlement, EntityID: "t-9", Sequence: 2},
		event.SettlementCompletedPayload{TradeID: "t-9", Attempts: 1}))

	select {
	case row := <-ch:
		if row.Settlement != types.SettlementSettled || row.Attempts != 1 {
			t.Fatalf("row = %+v", row)
		}
	default:
		t.Fatal("no update delivered")
	}
}
