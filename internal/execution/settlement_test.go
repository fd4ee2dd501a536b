package execution

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/refdata"
	"orion/internal/storage"
	"orion/pkg/types"
)

// scriptedSettler fails the first n attempts, then succeeds.
type scriptedSettler struct {
	failures int
	calls    int
}

func (s *scriptedSettler) Settle(context.Context, types.Trade, types.Venue) error {
	s.calls++
	if s.calls <= s.failures {
		return errors.New("venue unavailable")
	}
	return nil
}

type settleFixture struct {
	db      *storage.MemoryDB
	worker  *SettlementWorker
	settler *scriptedSettler
	clock   time.Time
}

func newSettleFixture(t *testing.T, failures int, venue types.Venue) *settleFixture {
	t.Helper()
	db := storage.NewMemoryDB()
	reg := refdata.NewRegistry(testLogger())
	reg.Seed(nil, []types.Venue{venue}, nil)

	f := &settleFixture{
		db:      db,
		settler: &scriptedSettler{failures: failures},
		clock:   time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
	}
	f.worker = NewSettlementWorker(
		SettlementConfig{BackoffBase: 5 * time.Second, BackoffCap: 300 * time.Second, MaxAttempts: 3},
		db, outbox.NewWriter("dev"), f.settler, reg, nil, testLogger(),
	).WithClock(func() time.Time { return f.clock })

	trade := types.Trade{
		TradeID: "t-1", TenantID: "tenant-a", InstrumentID: "EURUSD",
		Side: types.BUY, Qty: decimal.NewFromInt(100_000),
		Price: decimal.NewFromFloat(1.0851), Venue: venue.VenueID,
	}
	if err := db.Trades().Insert(context.Background(), trade); err != nil {
		t.Fatalf("seed trade: %v", err)
	}
	if err := db.Settlements().Upsert(context.Background(), types.SettlementRecord{
		TradeID: "t-1", TenantID: "tenant-a", Venue: venue.VenueID,
		Status: types.SettlementPending, NextAttemptAt: f.clock, UpdatedAt: f.clock,
	}); err != nil {
		t.Fatalf("seed settlement: %v", err)
	}
	return f
}

func (f *settleFixture) stagedTypes(t *testing.T) []string {
	t.Helper()
	recs, err := f.db.Outbox().ClaimUnpublished(context.Background(), f.clock.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	out := make([]string, len(recs))
	for i, rec := range recs {
		env, err := event.Unmarshal(rec.Payload)
		if err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		out[i] = env.EventType
	}
	return out
}

func TestSettlementFirstAttemptSucceeds(t *testing.T) {
	t.Parallel()
	f := newSettleFixture(t, 0, types.Venue{VenueID: "XOTC", Active: true})

	if n := f.worker.RunOnce(context.Background()); n != 1 {
		t.Fatalf("settled = %d, want 1", n)
	}
	rec, _ := f.db.Settlements().Get(context.Background(), "t-1")
	if rec.Status != types.SettlementSettled || rec.Attempts != 1 {
		t.Errorf("record = %s attempts=%d", rec.Status, rec.Attempts)
	}
	if got := f.stagedTypes(t); len(got) != 1 || got[0] != event.TypeSettlementCompleted {
		t.Errorf("staged = %v", got)
	}
}

func TestSettlementRetriesWithBackoff(t *testing.T) {
	t.Parallel()
	f := newSettleFixture(t, 1, types.Venue{VenueID: "XOTC", Active: true})
	ctx := context.Background()

	if n := f.worker.RunOnce(ctx); n != 0 {
		t.Fatalf("settled = %d on failing attempt", n)
	}
	rec, _ := f.db.Settlements().Get(ctx, "t-1")
	if rec.Status != types.SettlementRetrying || rec.Attempts != 1 {
		t.Fatalf("record = %s attempts=%d", rec.Status, rec.Attempts)
	}
	if !rec.NextAttemptAt.Equal(f.clock.Add(5 * time.Second)) {
		t.Errorf("next attempt = %v, want +5s", rec.NextAttemptAt)
	}

	// Not due yet: nothing happens.
	f.clock = f.clock.Add(time.Second)
	f.worker.RunOnce(ctx)
	if f.settler.calls != 1 {
		t.Fatalf("retried before backoff elapsed")
	}

	// Due: retry succeeds.
	f.clock = f.clock.Add(5 * time.Second)
	if n := f.worker.RunOnce(ctx); n != 1 {
		t.Fatalf("settled = %d after due retry", n)
	}
	rec, _ = f.db.Settlements().Get(ctx, "t-1")
	if rec.Status != types.SettlementSettled || rec.Attempts != 2 {
		t.Errorf("record = %s attempts=%d", rec.Status, rec.Attempts)
	}
}

func TestSettlementFailsFinalAfterMaxAttempts(t *testing.T) {
	t.Parallel()
	f := newSettleFixture(t, 100, types.Venue{VenueID: "XOTC", Active: true})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		f.worker.RunOnce(ctx)
		f.clock = f.clock.Add(10 * time.Minute)
	}
	rec, _ := f.db.Settlements().Get(ctx, "t-1")
	if rec.Status != types.SettlementFailedFinal || rec.Attempts != 3 {
		t.Fatalf("record = %s attempts=%d", rec.Status, rec.Attempts)
	}

	// Terminal: no further attempts.
	f.worker.RunOnce(ctx)
	if f.settler.calls != 3 {
		t.Errorf("calls = %d after terminal status", f.settler.calls)
	}

	staged := f.stagedTypes(t)
	alerts, finals := 0, 0
	for _, typ := range staged {
		switch typ {
		case event.TypeOperatorAlert:
			alerts++
		case event.TypeSettlementFailed:
			finals++
		}
	}
	if finals != 3 || alerts != 1 {
		t.Errorf("staged = %v, want 3 SettlementFailed and 1 OperatorAlert", staged)
	}
}

func TestStuckSettlingRecordIsReclaimed(t *testing.T) {
	t.Parallel()
	venue := types.Venue{VenueID: "XOTC", Name: "OTC", Active: true}
	f := newSettleFixture(t, 0, venue)
	ctx := context.Background()

	// A worker marked the record SETTLING and died before writing an
	// outcome. While the claim is fresh the sweep leaves it alone.
	if err := f.db.Settlements().Upsert(ctx, types.SettlementRecord{
		TradeID: "t-1", TenantID: "tenant-a", Venue: venue.VenueID,
		Status: types.SettlementSettling, Attempts: 1,
		NextAttemptAt: f.clock, UpdatedAt: f.clock.Add(-30 * time.Second),
	}); err != nil {
		t.Fatalf("seed settling: %v", err)
	}
	if n := f.worker.RunOnce(ctx); n != 0 {
		t.Fatalf("fresh SETTLING claim was reclaimed (settled %d)", n)
	}

	// Past the stuck grace the claim has expired and the record is due
	// again.
	f.clock = f.clock.Add(3 * time.Minute)
	if n := f.worker.RunOnce(ctx); n != 1 {
		t.Fatalf("RunOnce = %d, want 1 settled", n)
	}
	rec, err := f.db.Settlements().Get(ctx, "t-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if rec.Status != types.SettlementSettled || rec.Attempts != 2 {
		t.Errorf("record = %s attempts=%d, want SETTLED after attempt 2", rec.Status, rec.Attempts)
	}
}

func TestSettlementPerVenueAttemptOverride(t *testing.T) {
	t.Parallel()
	f := newSettleFixture(t, 100, types.Venue{VenueID: "XOTC", Active: true, MaxSettleAttempts: 1})
	ctx := context.Background()

	f.worker.RunOnce(ctx)
	rec, _ := f.db.Settlements().Get(ctx, "t-1")
	if rec.Status != types.SettlementFailedFinal || rec.Attempts != 1 {
		t.Errorf("record = %s attempts=%d, want FAILED_FINAL after 1", rec.Status, rec.Attempts)
	}
}

func TestSimSettlerFailureProbability(t *testing.T) {
	t.Parallel()
	always := NewSimSettler(1.0, 1)
	if err := always.Settle(context.Background(), types.Trade{TradeID: "t"}, types.Venue{VenueID: "v"}); err == nil {
		t.Error("probability 1.0 did not fail")
	}
	never := NewSimSettler(0, 1)
	if err := never.Settle(context.Background(), types.Trade{TradeID: "t"}, types.Venue{VenueID: "v"}); err != nil {
		t.Errorf("probability 0 failed: %v", err)
	}
}
