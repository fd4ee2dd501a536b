package refdata

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

const producer = "tec-refdata"

// Service exposes the reference-data commands. Updates flow through the
// outbox onto the control stream and apply locally right away.
type Service struct {
	reg    *Registry
	db     storage.DB
	writer *outbox.Writer
	logger *slog.Logger
	nudge  func()
}

func NewService(reg *Registry, db storage.DB, writer *outbox.Writer, nudge func(), logger *slog.Logger) *Service {
	if nudge == nil {
		nudge = func() {}
	}
	return &Service{
		reg:    reg,
		db:     db,
		writer: writer,
		logger: logger.With("component", "refdata_service"),
		nudge:  nudge,
	}
}

func validateInstrument(in types.Instrument) *types.CommandError {
	if strings.TrimSpace(in.InstrumentID) == "" {
		return types.FieldError("instrumentId", "instrumentId is required")
	}
	if strings.TrimSpace(in.AssetClass) == "" {
		return types.FieldError("assetClass", "assetClass is required")
	}
	if in.MinSize.IsNegative() || in.MaxSize.IsNegative() || in.LotSize.IsNegative() {
		return types.FieldError("size", "size bounds must not be negative")
	}
	if !in.MaxSize.IsZero() && in.MinSize.GreaterThan(in.MaxSize) {
		return types.FieldError("minSize", "minSize exceeds maxSize")
	}
	return nil
}

// CreateInstrument registers a new instrument. Fails with CONFLICT if the
// id is already registered.
func (s *Service) CreateInstrument(ctx context.Context, actor string, in types.Instrument) error {
	if err := validateInstrument(in); err != nil {
		return err
	}
	if _, exists := s.reg.Instrument(in.InstrumentID); exists {
		return types.NewError(types.ErrConflict, "instrument %s already exists", in.InstrumentID)
	}
	return s.publishInstrument(ctx, actor, "CreateInstrument", in)
}

// UpdateInstrument replaces an existing instrument's registry entry.
func (s *Service) UpdateInstrument(ctx context.Context, actor string, in types.Instrument) error {
	if err := validateInstrument(in); err != nil {
		return err
	}
	if _, exists := s.reg.Instrument(in.InstrumentID); !exists {
		return types.NewError(types.ErrNotFound, "instrument %s not found", in.InstrumentID)
	}
	return s.publishInstrument(ctx, actor, "UpdateInstrument", in)
}

func (s *Service) publishInstrument(ctx context.Context, actor, command string, in types.Instrument) error {
	in.UpdatedAt = time.Now().UTC()
	env, err := event.New(event.TypeInstrumentUpdated, producer, "system",
		event.Entity{EntityType: event.EntityInstrument, EntityID: in.InstrumentID, Sequence: 1},
		event.InstrumentUpdatedPayload{Instrument: in})
	if err != nil {
		return types.AsCommandError(err)
	}
	if err := s.stage(ctx, env, actor, command, in.InstrumentID); err != nil {
		return err
	}
	s.applyLocal(env)
	return nil
}

// UpdateVenue registers or replaces a venue.
func (s *Service) UpdateVenue(ctx context.Context, actor string, v types.Venue) error {
	if strings.TrimSpace(v.VenueID) == "" {
		return types.FieldError("venueId", "venueId is required")
	}
	env, err := event.New(event.TypeVenueUpdated, producer, "system",
		event.Entity{EntityType: event.EntityVenue, EntityID: v.VenueID, Sequence: 1},
		event.VenueUpdatedPayload{Venue: v})
	if err != nil {
		return types.AsCommandError(err)
	}
	if err := s.stage(ctx, env, actor, "UpdateVenue", v.VenueID); err != nil {
		return err
	}
	s.applyLocal(env)
	return nil
}

// UpdateLP registers or replaces a liquidity provider.
func (s *Service) UpdateLP(ctx context.Context, actor string, lp types.LiquidityProvider) error {
	if strings.TrimSpace(lp.LPID) == "" {
		return types.FieldError("lpId", "lpId is required")
	}
	env, err := event.New(event.TypeLPConfigUpdated, producer, "system",
		event.Entity{EntityType: event.EntityLP, EntityID: lp.LPID, Sequence: 1},
		event.LPConfigUpdatedPayload{LP: lp})
	if err != nil {
		return types.AsCommandError(err)
	}
	if err := s.stage(ctx, env, actor, "UpdateLP", lp.LPID); err != nil {
		return err
	}
	s.applyLocal(env)
	return nil
}

func (s *Service) applyLocal(env event.Envelope) {
	if err := s.reg.ApplyEvent(env); err != nil {
		s.logger.Error("apply refdata locally", "event_type", env.EventType, "error", err)
	}
}

func (s *Service) stage(ctx context.Context, env event.Envelope, actor, command, entityID string) error {
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := s.writer.Append(ctx, tx, env); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: "system",
			Actor:    actor,
			Command:  command,
			EntityID: entityID,
			Outcome:  "ok",
			At:       time.Now().UTC(),
		})
	})
	if err != nil {
		return types.AsCommandError(err)
	}
	s.nudge()
	return nil
}
