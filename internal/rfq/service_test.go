package rfq

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/gate"
	"orion/internal/outbox"
	"orion/internal/refdata"
	"orion/internal/storage"
	"orion/pkg/types"
)

type fixedMids map[string]decimal.Decimal

func (m fixedMids) Mid(instrumentID string) (decimal.Decimal, bool) {
	mid, ok := m[instrumentID]
	return mid, ok
}

type fixture struct {
	db      *storage.MemoryDB
	svc     *Service
	scanner *ExpiryScanner
	clock   time.Time
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := testLogger()
	db := storage.NewMemoryDB()
	writer := outbox.NewWriter("dev")
	g := gate.New(gate.Limits{RFQPerSec: 1000, OrdersPerSec: 1000, Burst: 1000}, logger)
	reg := refdata.NewRegistry(logger)
	reg.Seed(
		[]types.Instrument{{
			InstrumentID: "EURUSD", AssetClass: "FX",
			MinSize: decimal.NewFromInt(1000), MaxSize: decimal.NewFromInt(10_000_000),
			LotSize: decimal.NewFromInt(1000), Active: true,
		}, {
			InstrumentID: "DELISTED", AssetClass: "FX", Active: false,
		}},
		[]types.Venue{{VenueID: "XOTC", Name: "OTC", Active: true}},
		[]types.LiquidityProvider{
			{LPID: "lp-1", Active: true},
			{LPID: "lp-2", Active: true},
		},
	)
	f := &fixture{db: db, clock: time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)}
	mids := fixedMids{"EURUSD": decimal.NewFromFloat(1.0850)}
	f.svc = NewService(Config{}, db, writer, g, reg, mids, nil, logger).
		WithClock(func() time.Time { return f.clock })
	f.scanner = NewExpiryScanner(db, writer, nil, logger).
		WithClock(func() time.Time { return f.clock })
	return f
}

func (f *fixture) createReq() CreateRFQRequest {
	return CreateRFQRequest{
		TenantID:     "tenant-a",
		RequesterID:  "trader-1",
		InstrumentID: "EURUSD",
		Side:         types.BUY,
		Size:         decimal.NewFromInt(100_000),
		ExpiresAt:    f.clock.Add(30 * time.Second),
	}
}

func (f *fixture) stagedEvents(t *testing.T) []event.Envelope {
	t.Helper()
	recs, err := f.db.Outbox().ClaimUnpublished(context.Background(), f.clock.Add(time.Hour), 100)
	if err != nil {
		t.Fatalf("claim outbox: %v", err)
	}
	out := make([]event.Envelope, len(recs))
	for i, rec := range recs {
		env, err := event.Unmarshal(rec.Payload)
		if err != nil {
			t.Fatalf("unmarshal staged event: %v", err)
		}
		out[i] = env
	}
	return out
}

func quoteFor(rfqID, quoteID, lpID string, price float64) types.Quote {
	return types.Quote{
		QuoteID: quoteID,
		RFQID:   rfqID,
		LPID:    lpID,
		Side:    types.SELL,
		Price:   decimal.NewFromFloat(price),
		Size:    decimal.NewFromInt(100_000),
	}
}

func TestCreateRFQRoutesAndStagesEvents(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	rfq, err := f.svc.CreateRFQ(context.Background(), f.createReq())
	if err != nil {
		t.Fatalf("CreateRFQ: %v", err)
	}
	if rfq.Status != types.RFQSent || rfq.Version != 2 {
		t.Errorf("status/version = %s/%d, want SENT/2", rfq.Status, rfq.Version)
	}
	if len(rfq.RoutedLPs) != 2 {
		t.Errorf("routed LPs = %v, want both", rfq.RoutedLPs)
	}

	events := f.stagedEvents(t)
	if len(events) != 2 ||
		events[0].EventType != event.TypeRFQCreated ||
		events[1].EventType != event.TypeRFQSent {
		t.Fatalf("staged events = %v", events)
	}
	if events[1].CausationID != events[0].EventID {
		t.Error("RFQSent is not caused by RFQCreated")
	}
}

func TestCreateRFQValidation(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	cases := []struct {
		name  string
		mut   func(*CreateRFQRequest)
		field string
	}{
		{"unknown instrument", func(r *CreateRFQRequest) { r.InstrumentID = "XXXYYY" }, "instrumentId"},
		{"inactive instrument", func(r *CreateRFQRequest) { r.InstrumentID = "DELISTED" }, "instrumentId"},
		{"size below min", func(r *CreateRFQRequest) { r.Size = decimal.NewFromInt(10) }, "size"},
		{"size above max", func(r *CreateRFQRequest) { r.Size = decimal.NewFromInt(100_000_000) }, "size"},
		{"expiry in past", func(r *CreateRFQRequest) { r.ExpiresAt = f.clock.Add(-time.Second) }, "expiryInstant"},
		{"expiry beyond max", func(r *CreateRFQRequest) { r.ExpiresAt = f.clock.Add(10 * time.Minute) }, "expiryInstant"},
		{"unknown venue", func(r *CreateRFQRequest) { r.Venue = "NOPE" }, "venue"},
		{"bad side", func(r *CreateRFQRequest) { r.Side = "HOLD" }, "side"},
	}
	for _, tc := range cases {
		req := f.createReq()
		tc.mut(&req)
		_, err := f.svc.CreateRFQ(ctx, req)
		if err == nil {
			t.Errorf("%s: no error", tc.name)
			continue
		}
		ce := types.AsCommandError(err)
		if ce.Code != types.ErrValidationFailed || ce.Field != tc.field {
			t.Errorf("%s: err = %v, want VALIDATION_FAILED on %s", tc.name, err, tc.field)
		}
	}

	// Non-lot multiple is a warning, not an error.
	req := f.createReq()
	req.Size = decimal.NewFromInt(100_500)
	if _, err := f.svc.CreateRFQ(ctx, req); err != nil {
		t.Errorf("non-lot multiple rejected: %v", err)
	}
}

func TestCreateRFQValidationErrorIsCommandError(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	req := f.createReq()
	req.Size = decimal.NewFromInt(-1)
	_, err := f.svc.CreateRFQ(context.Background(), req)
	var ce *types.CommandError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %T (%v), want *types.CommandError", err, err)
	}
	if ce.Field != "size" {
		t.Errorf("field = %q, want size", ce.Field)
	}
}

func TestRecordQuoteLifecycle(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, err := f.svc.CreateRFQ(ctx, f.createReq())
	if err != nil {
		t.Fatalf("CreateRFQ: %v", err)
	}

	// First quote moves SENT -> QUOTING.
	got, rankings, err := f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	if err != nil {
		t.Fatalf("RecordQuote: %v", err)
	}
	if got.Status != types.RFQQuoting {
		t.Errorf("status = %s, want QUOTING", got.Status)
	}
	if len(rankings) != 1 || !rankings[0].IsBestAsk {
		t.Errorf("rankings = %+v", rankings)
	}

	// Better (lower) ask takes rank 1 for a BUY requester.
	_, rankings, err = f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-2", "lp-2", 1.0849))
	if err != nil {
		t.Fatalf("RecordQuote q-2: %v", err)
	}
	if rankings[0].Quote.QuoteID != "q-2" || !rankings[0].IsBestAsk || rankings[1].IsBestAsk {
		t.Errorf("rankings = %+v", rankings)
	}

	// Duplicate quoteId: silent idempotent success, no new version.
	before, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	after, _, err := f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	if err != nil {
		t.Fatalf("duplicate quote: %v", err)
	}
	if after.Version != before.Version || len(after.Quotes) != 2 {
		t.Errorf("duplicate quote mutated state: version %d -> %d", before.Version, after.Version)
	}
}

func TestRecordQuoteOffMarketFlag(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	// Mid is 1.0850; 1.20 is far outside the 5% tolerance.
	got, rankings, err := f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-wild", "lp-1", 1.20))
	if err != nil {
		t.Fatalf("RecordQuote: %v", err)
	}
	if !got.Quotes["q-wild"].OffMarket {
		t.Error("off-market quote not flagged")
	}
	if rankings[0].IsBestBid || rankings[0].IsBestAsk {
		t.Error("off-market quote carries a best flag")
	}

	// On-market quote outranks the flagged one even at a worse price.
	_, rankings, _ = f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-sane", "lp-2", 1.0860))
	if rankings[0].Quote.QuoteID != "q-sane" {
		t.Errorf("rankings = %+v, want on-market first", rankings)
	}
}

func TestQuoteAtExpiryInstantRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.clock = rfq.ExpiresAt // exactly the boundary

	_, _, err := f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-late", "lp-1", 1.0851))
	if types.CodeOf(err) != types.ErrExpired {
		t.Errorf("code = %v, want EXPIRED", types.CodeOf(err))
	}
}

func TestAcceptQuoteHappyPathAndReplay(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)

	req := AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "accept-1",
	}
	accepted, err := f.svc.AcceptQuote(ctx, req)
	if err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}
	if accepted.Status != types.RFQAccepted || accepted.AcceptedQuoteID != "q-1" {
		t.Errorf("accepted = %s/%s", accepted.Status, accepted.AcceptedQuoteID)
	}

	// Replay with the same idempotency key returns the original result.
	replay, err := f.svc.AcceptQuote(ctx, req)
	if err != nil {
		t.Fatalf("replay: %v", err)
	}
	if replay.Version != accepted.Version {
		t.Errorf("replay advanced the aggregate: %d != %d", replay.Version, accepted.Version)
	}

	// Exactly one QuoteAccepted staged.
	count := 0
	for _, env := range f.stagedEvents(t) {
		if env.EventType == event.TypeQuoteAccepted {
			count++
		}
	}
	if count != 1 {
		t.Errorf("QuoteAccepted staged %d times, want 1", count)
	}
}

func TestAcceptQuoteVersionConflict(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)

	// Another quote lands after the client read.
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-2", "lp-2", 1.0849))

	_, err := f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "accept-1",
	})
	if types.CodeOf(err) != types.ErrConflict {
		t.Errorf("code = %v, want CONFLICT", types.CodeOf(err))
	}
}

func TestAcceptAtExpiryInstantRejected(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)

	f.clock = rfq.ExpiresAt
	_, err := f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k",
	})
	if types.CodeOf(err) != types.ErrExpired {
		t.Errorf("code = %v, want EXPIRED", types.CodeOf(err))
	}
}

func TestAcceptUnknownQuote(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)

	_, err := f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "nope",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k",
	})
	if types.CodeOf(err) != types.ErrNotFound {
		t.Errorf("code = %v, want NOT_FOUND", types.CodeOf(err))
	}
}

func TestCancelRFQ(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())

	// Only the requester may cancel.
	_, err := f.svc.CancelRFQ(ctx, "tenant-a", rfq.RFQID, "someone-else")
	if types.CodeOf(err) != types.ErrForbidden {
		t.Errorf("stranger cancel: code = %v, want FORBIDDEN", types.CodeOf(err))
	}

	cancelled, err := f.svc.CancelRFQ(ctx, "tenant-a", rfq.RFQID, "trader-1")
	if err != nil || cancelled.Status != types.RFQCancelled {
		t.Fatalf("cancel: %v, %v", cancelled, err)
	}

	// Second cancel is idempotent.
	again, err := f.svc.CancelRFQ(ctx, "tenant-a", rfq.RFQID, "trader-1")
	if err != nil || again.Version != cancelled.Version {
		t.Errorf("repeat cancel: %v, %v", again, err)
	}
}

func TestExpiryScannerExpiresDueRFQs(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())

	if n := f.scanner.ScanOnce(ctx); n != 0 {
		t.Fatalf("scanner expired %d before due", n)
	}

	f.clock = rfq.ExpiresAt.Add(time.Second)
	if n := f.scanner.ScanOnce(ctx); n != 1 {
		t.Fatalf("scanner expired %d, want 1", n)
	}
	got, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	if got.Status != types.RFQExpired {
		t.Errorf("status = %s, want EXPIRED", got.Status)
	}

	found := false
	for _, env := range f.stagedEvents(t) {
		if env.EventType == event.TypeRFQExpired {
			found = true
		}
	}
	if !found {
		t.Error("RFQExpired not staged")
	}
}

func TestAcceptWinsExpiryRace(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)

	// Accept commits just before expiry; the late scanner must not undo it.
	f.clock = rfq.ExpiresAt.Add(-time.Millisecond)
	if _, err := f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k",
	}); err != nil {
		t.Fatalf("AcceptQuote: %v", err)
	}

	f.clock = rfq.ExpiresAt.Add(5 * time.Second)
	if n := f.scanner.ScanOnce(ctx); n != 0 {
		t.Fatalf("scanner expired an accepted rfq")
	}
	got, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	if got.Status != types.RFQAccepted {
		t.Errorf("status = %s, want ACCEPTED", got.Status)
	}
}

func TestApplyLastLookRejection(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k",
	})

	// RFQ still open: rejection returns it to QUOTING.
	err := f.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		resumed, err := ApplyLastLookRejection(ctx, tx, "tenant-a", rfq.RFQID, "q-1", f.clock)
		if err != nil {
			return err
		}
		if !resumed {
			t.Error("open rfq did not resume quoting")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("ApplyLastLookRejection: %v", err)
	}
	got, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	if got.Status != types.RFQQuoting || got.AcceptedQuoteID != "" {
		t.Errorf("after rejection: %s/%q", got.Status, got.AcceptedQuoteID)
	}

	// Accept again, then reject after expiry: terminal REJECTED.
	current, _ = f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k2",
	})
	err = f.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		resumed, err := ApplyLastLookRejection(ctx, tx, "tenant-a", rfq.RFQID, "q-1", rfq.ExpiresAt.Add(time.Second))
		if resumed {
			t.Error("expired rfq resumed quoting")
		}
		return err
	})
	if err != nil {
		t.Fatalf("second rejection: %v", err)
	}
	got, _ = f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	if got.Status != types.RFQRejected {
		t.Errorf("status = %s, want REJECTED", got.Status)
	}
}

func TestApplyTraded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	rfq, _ := f.svc.CreateRFQ(ctx, f.createReq())
	f.svc.RecordQuote(ctx, "tenant-a", quoteFor(rfq.RFQID, "q-1", "lp-1", 1.0851))
	current, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	f.svc.AcceptQuote(ctx, AcceptQuoteRequest{
		TenantID: "tenant-a", RFQID: rfq.RFQID, QuoteID: "q-1",
		RequesterID: "trader-1", Version: current.Version, IdempotencyKey: "k",
	})

	err := f.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		_, err := ApplyTraded(ctx, tx, "tenant-a", rfq.RFQID, f.clock)
		return err
	})
	if err != nil {
		t.Fatalf("ApplyTraded: %v", err)
	}
	got, _ := f.svc.Get(ctx, "tenant-a", rfq.RFQID)
	if got.Status != types.RFQTraded {
		t.Errorf("status = %s, want TRADED", got.Status)
	}
}
