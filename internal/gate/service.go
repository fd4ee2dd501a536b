package gate

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/storage"
	"orion/pkg/types"
)

const producer = "tec-gate"

// Service exposes the control-plane commands. Both commands write their
// event through the outbox and apply it to the local gate immediately;
// other instances converge by consuming the control stream.
type Service struct {
	gate   *Gate
	db     storage.DB
	writer *outbox.Writer
	logger *slog.Logger
	nudge  func()
}

func NewService(g *Gate, db storage.DB, writer *outbox.Writer, nudge func(), logger *slog.Logger) *Service {
	if nudge == nil {
		nudge = func() {}
	}
	return &Service{
		gate:   g,
		db:     db,
		writer: writer,
		logger: logger.With("component", "gate_service"),
		nudge:  nudge,
	}
}

// SetKillSwitch flips the kill switch for a tenant, or globally when
// tenantID is empty. Actor and reason are mandatory; they ride on the
// event for the audit trail.
func (s *Service) SetKillSwitch(ctx context.Context, tenantID string, active bool, actor, reason string) error {
	if strings.TrimSpace(actor) == "" {
		return types.FieldError("actor", "actor is required")
	}
	if strings.TrimSpace(reason) == "" {
		return types.FieldError("reason", "reason is required")
	}

	eventType := event.TypeKillSwitchDisabled
	if active {
		eventType = event.TypeKillSwitchEnabled
	}
	scope := tenantID
	if scope == "" {
		scope = "global"
	}
	eventTenant := tenantID
	if eventTenant == "" {
		eventTenant = "system"
	}
	env, err := event.New(eventType, producer, eventTenant,
		event.Entity{EntityType: event.EntityControl, EntityID: scope, Sequence: 1},
		event.KillSwitchPayload{TenantID: tenantID, Actor: actor, Reason: reason, Active: active})
	if err != nil {
		return types.AsCommandError(err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := s.writer.Append(ctx, tx, env); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: eventTenant,
			Actor:    actor,
			Command:  "SetKillSwitch",
			EntityID: scope,
			Outcome:  "ok",
			Detail:   reason,
			At:       time.Now().UTC(),
		})
	})
	if err != nil {
		return types.AsCommandError(err)
	}
	s.nudge()

	// The emitting instance flips immediately; peers converge off the
	// control stream.
	if err := s.gate.ApplyEvent(env); err != nil {
		s.logger.Error("apply kill switch locally", "error", err)
	}
	return nil
}

// UpdateLimits reconfigures throttles and the notional ceiling for a
// tenant or a specific user within it.
func (s *Service) UpdateLimits(ctx context.Context, actor string, p event.LimitsUpdatedPayload) error {
	if strings.TrimSpace(p.TenantID) == "" {
		return types.FieldError("tenantId", "tenantId is required")
	}
	if p.RFQPerSec < 0 || p.OrdersPerSec < 0 || p.Burst < 0 {
		return types.FieldError("limits", "rates must not be negative")
	}
	if p.MaxNotional.IsNegative() {
		return types.FieldError("maxNotional", "maxNotional must not be negative")
	}

	scope := p.TenantID
	if p.UserID != "" {
		scope = scopeKey(p.TenantID, p.UserID)
	}
	env, err := event.New(event.TypeLimitsUpdated, producer, p.TenantID,
		event.Entity{EntityType: event.EntityControl, EntityID: scope, Sequence: 1}, p)
	if err != nil {
		return types.AsCommandError(err)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := s.writer.Append(ctx, tx, env); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: p.TenantID,
			Actor:    actor,
			Command:  "UpdateLimits",
			EntityID: scope,
			Outcome:  "ok",
			At:       time.Now().UTC(),
		})
	})
	if err != nil {
		return types.AsCommandError(err)
	}
	s.nudge()

	if err := s.gate.ApplyEvent(env); err != nil {
		s.logger.Error("apply limits locally", "error", err)
	}
	return nil
}
