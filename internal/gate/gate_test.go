package gate

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/storage"
	"orion/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testDefaults() Limits {
	return Limits{RFQPerSec: 100, OrdersPerSec: 100, Burst: 100}
}

func baseRequest() Request {
	return Request{
		TenantID:     "tenant-a",
		UserID:       "trader-1",
		Kind:         KindRFQ,
		InstrumentID: "EURUSD",
		AssetClass:   "FX",
		Notional:     decimal.NewFromInt(100_000),
	}
}

func TestGateAllowsByDefault(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	if err := g.Check(context.Background(), baseRequest()); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestKillSwitchBlocksTenant(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	g.applyKill(event.KillSwitchPayload{TenantID: "tenant-a", Actor: "ops", Reason: "incident"}, true)

	err := g.Check(context.Background(), baseRequest())
	if types.CodeOf(err) != types.ErrKillSwitchActive {
		t.Errorf("code = %v, want KILL_SWITCH_ACTIVE", types.CodeOf(err))
	}

	// Other tenants are unaffected.
	other := baseRequest()
	other.TenantID = "tenant-b"
	if err := g.Check(context.Background(), other); err != nil {
		t.Errorf("other tenant blocked: %v", err)
	}

	g.applyKill(event.KillSwitchPayload{TenantID: "tenant-a"}, false)
	if err := g.Check(context.Background(), baseRequest()); err != nil {
		t.Errorf("after disable: %v", err)
	}
}

func TestGlobalKillSwitchBlocksEveryone(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	g.applyKill(event.KillSwitchPayload{Actor: "ops", Reason: "market halt"}, true)

	for _, tenant := range []string{"tenant-a", "tenant-b"} {
		req := baseRequest()
		req.TenantID = tenant
		if types.CodeOf(g.Check(context.Background(), req)) != types.ErrKillSwitchActive {
			t.Errorf("tenant %s not blocked by global switch", tenant)
		}
	}
}

func TestEntitlementsEmptyMeansUnrestricted(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	req := baseRequest()
	req.Entitlements = types.Entitlements{} // no restrictions
	if err := g.Check(context.Background(), req); err != nil {
		t.Fatalf("empty entitlements blocked: %v", err)
	}
}

func TestEntitlementsBlockUncoveredInstrument(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	req := baseRequest()
	req.Entitlements = types.Entitlements{Instruments: []string{"GBPUSD"}}

	err := g.Check(context.Background(), req)
	if types.CodeOf(err) != types.ErrForbidden {
		t.Errorf("code = %v, want FORBIDDEN", types.CodeOf(err))
	}

	req.Entitlements.Instruments = []string{"GBPUSD", "EURUSD"}
	if err := g.Check(context.Background(), req); err != nil {
		t.Errorf("covered instrument blocked: %v", err)
	}
}

func TestRateLimitExhaustsAndRefills(t *testing.T) {
	t.Parallel()

	g := New(Limits{RFQPerSec: 1000, OrdersPerSec: 1000, Burst: 2}, testLogger())
	// Tight per-user limit, generous tenant limit.
	g.applyLimits(event.LimitsUpdatedPayload{
		TenantID: "tenant-a", UserID: "trader-1",
		RFQPerSec: 10, OrdersPerSec: 10, Burst: 2,
	})

	req := baseRequest()
	ctx := context.Background()
	if err := g.Check(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}
	if err := g.Check(ctx, req); err != nil {
		t.Fatalf("second: %v", err)
	}
	err := g.Check(ctx, req)
	if types.CodeOf(err) != types.ErrRateLimited {
		t.Fatalf("third: code = %v, want RATE_LIMITED", types.CodeOf(err))
	}

	// ~1 token refills in 100ms at 10/sec.
	time.Sleep(120 * time.Millisecond)
	if err := g.Check(ctx, req); err != nil {
		t.Errorf("after refill: %v", err)
	}
}

func TestNotionalCeiling(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	g.applyLimits(event.LimitsUpdatedPayload{
		TenantID: "tenant-a", RFQPerSec: 100, OrdersPerSec: 100, Burst: 100,
		MaxNotional: decimal.NewFromInt(1_000_000),
	})

	req := baseRequest()
	req.Notional = decimal.NewFromInt(999_999)
	if err := g.Check(context.Background(), req); err != nil {
		t.Fatalf("under ceiling: %v", err)
	}

	req.Notional = decimal.NewFromInt(1_000_001)
	err := g.Check(context.Background(), req)
	if types.CodeOf(err) != types.ErrForbidden {
		t.Errorf("over ceiling: code = %v, want FORBIDDEN", types.CodeOf(err))
	}

	// Entitlement ceiling tightens further.
	req.Notional = decimal.NewFromInt(600_000)
	req.Entitlements.MaxNotional = decimal.NewFromInt(500_000)
	err = g.Check(context.Background(), req)
	if types.CodeOf(err) != types.ErrForbidden {
		t.Errorf("over entitlement ceiling: code = %v", types.CodeOf(err))
	}
}

func TestRejectedCommandRefundsTokens(t *testing.T) {
	t.Parallel()

	// One RFQ token and no meaningful refill: a burned token would show
	// up as RATE_LIMITED on the next check.
	g := New(Limits{RFQPerSec: 0.001, OrdersPerSec: 0.001, Burst: 1,
		MaxNotional: decimal.NewFromInt(1_000_000)}, testLogger())

	ctx := context.Background()
	over := baseRequest()
	over.Notional = decimal.NewFromInt(2_000_000)
	for i := 0; i < 3; i++ {
		if code := types.CodeOf(g.Check(ctx, over)); code != types.ErrForbidden {
			t.Fatalf("attempt %d: code = %v, want FORBIDDEN", i+1, code)
		}
	}

	// The blocked attempts drew nothing; the one token is still there.
	if err := g.Check(ctx, baseRequest()); err != nil {
		t.Errorf("valid command after rejections: %v", err)
	}
}

func TestTenantBucketRejectionRefundsUserToken(t *testing.T) {
	t.Parallel()

	g := New(Limits{RFQPerSec: 0.001, OrdersPerSec: 0.001, Burst: 1}, testLogger())
	g.applyLimits(event.LimitsUpdatedPayload{
		TenantID: "tenant-a", UserID: "trader-1",
		RFQPerSec: 0.001, OrdersPerSec: 0.001, Burst: 2,
	})

	ctx := context.Background()
	req := baseRequest()
	if err := g.Check(ctx, req); err != nil {
		t.Fatalf("first: %v", err)
	}

	// The tenant bucket is now empty. Every rejection must hand the user
	// token back, so the failing scope stays the tenant, never the user.
	for i := 0; i < 3; i++ {
		err := g.Check(ctx, req)
		if types.CodeOf(err) != types.ErrRateLimited {
			t.Fatalf("attempt %d: err = %v, want RATE_LIMITED", i+1, err)
		}
		if strings.Contains(types.AsCommandError(err).Message, "trader-1") {
			t.Fatalf("attempt %d: user bucket exhausted: %v", i+1, err)
		}
	}
}

func TestBlockedCommandEmitsBreach(t *testing.T) {
	t.Parallel()

	g := New(testDefaults(), testLogger())
	var breaches []event.Envelope
	g.SetEmitter(func(_ context.Context, env event.Envelope) {
		breaches = append(breaches, env)
	})
	g.applyKill(event.KillSwitchPayload{TenantID: "tenant-a", Actor: "ops", Reason: "x"}, true)

	_ = g.Check(context.Background(), baseRequest())

	if len(breaches) != 1 || breaches[0].EventType != event.TypeRiskLimitBreached {
		t.Fatalf("breaches = %v", breaches)
	}
	var p event.RiskLimitBreachedPayload
	if err := breaches[0].DecodePayload(&p); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if p.Code != types.ErrKillSwitchActive || p.TenantID != "tenant-a" {
		t.Errorf("payload = %+v", p)
	}
}

func TestKillSwitchPropagatesViaControlStream(t *testing.T) {
	t.Parallel()

	// Instance A flips the switch; instance B converges by applying the
	// event from the control stream.
	db := storage.NewMemoryDB()
	writer := outbox.NewWriter("dev")
	gateA := New(testDefaults(), testLogger())
	gateB := New(testDefaults(), testLogger())
	svc := NewService(gateA, db, writer, nil, testLogger())

	if err := svc.SetKillSwitch(context.Background(), "tenant-a", true, "ops", "drill"); err != nil {
		t.Fatalf("SetKillSwitch: %v", err)
	}
	if !gateA.KillSwitchActive("tenant-a") {
		t.Error("emitting instance did not flip immediately")
	}

	pending, err := db.Outbox().ClaimUnpublished(context.Background(), time.Now().Add(time.Hour), 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending = %d, %v; want 1", len(pending), err)
	}
	if pending[0].Topic != "dev.risk.control.v1" || pending[0].Key != "control" {
		t.Errorf("topic/key = %s/%s", pending[0].Topic, pending[0].Key)
	}

	env, err := event.Unmarshal(pending[0].Payload)
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if err := gateB.ApplyEvent(env); err != nil {
		t.Fatalf("ApplyEvent: %v", err)
	}
	if !gateB.KillSwitchActive("tenant-a") {
		t.Error("peer instance did not converge")
	}

	// Audit trail recorded the command.
	entries, _ := db.Audit().List(context.Background(), "tenant-a", 10)
	if len(entries) != 1 || entries[0].Command != "SetKillSwitch" {
		t.Errorf("audit = %v", entries)
	}
}

func TestSetKillSwitchValidation(t *testing.T) {
	t.Parallel()

	svc := NewService(New(testDefaults(), testLogger()), storage.NewMemoryDB(),
		outbox.NewWriter("dev"), nil, testLogger())

	err := svc.SetKillSwitch(context.Background(), "tenant-a", true, "", "reason")
	var ce *types.CommandError
	if !errors.As(err, &ce) || ce.Code != types.ErrValidationFailed || ce.Field != "actor" {
		t.Errorf("err = %v, want VALIDATION_FAILED on actor", err)
	}
}
