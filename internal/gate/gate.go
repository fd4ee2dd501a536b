// Package gate is the control plane: every command passes through it
// before touching an aggregate. Checks run in a fixed order — kill switch,
// entitlements, rate limits, max notional — and a failed check blocks the
// command and raises RiskLimitBreached.
//
// Gate state is process-wide and converges across instances by consuming
// the broadcast control stream.
package gate

import (
	"context"
	"log/slog"
	"sync"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/pkg/types"
)

// CommandKind selects which rate-limit family a command draws from.
type CommandKind string

const (
	KindRFQ   CommandKind = "rfq"
	KindOrder CommandKind = "order"
)

// Limits is the throttle and notional configuration for a tenant or user.
type Limits struct {
	RFQPerSec    float64
	OrdersPerSec float64
	Burst        float64
	MaxNotional  decimal.Decimal // zero = unlimited
}

// Request is one command presented to the gate.
type Request struct {
	TenantID     string
	UserID       string
	Kind         CommandKind
	InstrumentID string
	Venue        string
	AssetClass   string
	Notional     decimal.Decimal
	Entitlements types.Entitlements
}

type killState struct {
	active bool
	actor  string
	reason string
}

// Emitter stages an event produced by the gate (breach reports). It runs
// outside any command transaction; blocked commands never commit.
type Emitter func(ctx context.Context, env event.Envelope)

// Gate holds kill switches, per-scope limits, and token buckets.
type Gate struct {
	mu         sync.Mutex
	logger     *slog.Logger
	defaults   Limits
	globalKill killState
	tenantKill map[string]killState
	limits     map[string]Limits // tenantId, or tenantId|userId
	buckets    map[string]*TokenBucket
	emit       Emitter
}

func New(defaults Limits, logger *slog.Logger) *Gate {
	return &Gate{
		logger:     logger.With("component", "gate"),
		defaults:   defaults,
		tenantKill: make(map[string]killState),
		limits:     make(map[string]Limits),
		buckets:    make(map[string]*TokenBucket),
	}
}

// SetEmitter wires the breach-event sink.
func (g *Gate) SetEmitter(emit Emitter) { g.emit = emit }

// Check runs the gate checks in order and returns the first failure as a
// CommandError. A blocked command also produces a RiskLimitBreached event.
func (g *Gate) Check(ctx context.Context, req Request) error {
	if err := g.check(req); err != nil {
		g.reportBreach(ctx, req, err)
		return err
	}
	return nil
}

func (g *Gate) check(req Request) *types.CommandError {
	g.mu.Lock()
	defer g.mu.Unlock()

	// 1. Kill switch: global, then tenant.
	if g.globalKill.active {
		return types.NewError(types.ErrKillSwitchActive, "global kill switch active: %s", g.globalKill.reason)
	}
	if ks := g.tenantKill[req.TenantID]; ks.active {
		return types.NewError(types.ErrKillSwitchActive, "tenant kill switch active: %s", ks.reason)
	}

	// 2. Entitlements. Empty sets are unrestricted.
	if !req.Entitlements.CoversAssetClass(req.AssetClass) {
		return types.NewError(types.ErrForbidden, "asset class %s not entitled", req.AssetClass)
	}
	if !req.Entitlements.CoversInstrument(req.InstrumentID) {
		return types.NewError(types.ErrForbidden, "instrument %s not entitled", req.InstrumentID)
	}
	if !req.Entitlements.CoversVenue(req.Venue) {
		return types.NewError(types.ErrForbidden, "venue %s not entitled", req.Venue)
	}

	// 3. Rate limits: per-user and per-tenant buckets must both pass.
	// Tokens drawn for a command that a later check blocks are refunded,
	// so a rejected command never burns budget.
	var drawn []*TokenBucket
	refund := func() {
		for _, b := range drawn {
			b.Refund()
		}
	}
	for _, scope := range []string{scopeKey(req.TenantID, req.UserID), req.TenantID} {
		b := g.bucketLocked(scope, req.Kind)
		if !b.Allow() {
			refund()
			return types.NewError(types.ErrRateLimited, "%s rate limit exceeded for %s", req.Kind, scope)
		}
		drawn = append(drawn, b)
	}

	// 4. Max notional: the tightest configured ceiling wins.
	ceiling := g.notionalCeilingLocked(req)
	if !ceiling.IsZero() && req.Notional.GreaterThan(ceiling) {
		refund()
		err := types.NewError(types.ErrForbidden, "notional %s exceeds ceiling %s", req.Notional, ceiling)
		err.Field = "notional"
		return err
	}
	return nil
}

func scopeKey(tenantID, userID string) string {
	return tenantID + "|" + userID
}

// limitsForLocked resolves the effective limits for a scope key:
// user-specific, then tenant, then defaults.
func (g *Gate) limitsForLocked(scope string) Limits {
	if l, ok := g.limits[scope]; ok {
		return l
	}
	return g.defaults
}

func (g *Gate) bucketLocked(scope string, kind CommandKind) *TokenBucket {
	key := scope + "|" + string(kind)
	if b, ok := g.buckets[key]; ok {
		return b
	}
	l := g.limitsForLocked(scope)
	rate := l.RFQPerSec
	if kind == KindOrder {
		rate = l.OrdersPerSec
	}
	burst := l.Burst
	if burst < 1 {
		burst = rate
	}
	if burst < 1 {
		burst = 1
	}
	if rate <= 0 {
		rate = 1
	}
	b := NewTokenBucket(rate, burst)
	g.buckets[key] = b
	return b
}

func (g *Gate) notionalCeilingLocked(req Request) decimal.Decimal {
	ceiling := req.Entitlements.MaxNotional
	for _, scope := range []string{scopeKey(req.TenantID, req.UserID), req.TenantID} {
		if l, ok := g.limits[scope]; ok && !l.MaxNotional.IsZero() {
			if ceiling.IsZero() || l.MaxNotional.LessThan(ceiling) {
				ceiling = l.MaxNotional
			}
		}
	}
	if ceiling.IsZero() && !g.defaults.MaxNotional.IsZero() {
		ceiling = g.defaults.MaxNotional
	}
	return ceiling
}

func (g *Gate) reportBreach(ctx context.Context, req Request, cause *types.CommandError) {
	g.logger.Warn("command blocked",
		"tenant", req.TenantID, "user", req.UserID, "kind", string(req.Kind),
		"code", string(cause.Code), "reason", cause.Message)
	if g.emit == nil {
		return
	}
	env, err := event.New(event.TypeRiskLimitBreached, "tec-gate", req.TenantID,
		event.Entity{EntityType: event.EntityTenant, EntityID: req.TenantID, Sequence: 1},
		event.RiskLimitBreachedPayload{
			TenantID: req.TenantID,
			UserID:   req.UserID,
			Code:     cause.Code,
			Reason:   cause.Message,
		})
	if err != nil {
		g.logger.Error("build breach event", "error", err)
		return
	}
	g.emit(ctx, env)
}

// ApplyEvent feeds one control-stream event into gate state. Startup
// replays the control topic through here; live events keep instances
// converged.
func (g *Gate) ApplyEvent(env event.Envelope) error {
	switch env.EventType {
	case event.TypeKillSwitchEnabled, event.TypeKillSwitchDisabled:
		var p event.KillSwitchPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		g.applyKill(p, env.EventType == event.TypeKillSwitchEnabled)
	case event.TypeLimitsUpdated:
		var p event.LimitsUpdatedPayload
		if err := env.DecodePayload(&p); err != nil {
			return err
		}
		g.applyLimits(p)
	}
	return nil
}

func (g *Gate) applyKill(p event.KillSwitchPayload, active bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	ks := killState{active: active, actor: p.Actor, reason: p.Reason}
	if p.TenantID == "" {
		g.globalKill = ks
	} else {
		g.tenantKill[p.TenantID] = ks
	}
	g.logger.Info("kill switch applied", "tenant", p.TenantID, "active", active, "actor", p.Actor, "reason", p.Reason)
}

func (g *Gate) applyLimits(p event.LimitsUpdatedPayload) {
	g.mu.Lock()
	defer g.mu.Unlock()
	scope := p.TenantID
	if p.UserID != "" {
		scope = scopeKey(p.TenantID, p.UserID)
	}
	g.limits[scope] = Limits{
		RFQPerSec:    p.RFQPerSec,
		OrdersPerSec: p.OrdersPerSec,
		Burst:        p.Burst,
		MaxNotional:  p.MaxNotional,
	}
	// Drop cached buckets for the scope so new rates take effect.
	for _, kind := range []CommandKind{KindRFQ, KindOrder} {
		delete(g.buckets, scope+"|"+string(kind))
	}
	g.logger.Info("limits applied", "scope", scope,
		"rfq_per_sec", p.RFQPerSec, "orders_per_sec", p.OrdersPerSec, "max_notional", p.MaxNotional)
}

// KillSwitchActive reports the current switch state for a tenant (or the
// global switch when tenantID is empty).
func (g *Gate) KillSwitchActive(tenantID string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.globalKill.active {
		return true
	}
	if tenantID == "" {
		return false
	}
	return g.tenantKill[tenantID].active
}
