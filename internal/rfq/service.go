package rfq

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/gate"
	"orion/internal/outbox"
	"orion/internal/refdata"
	"orion/internal/storage"
	"orion/pkg/types"
)

const producer = "tec-rfq"

// casRetries bounds retries of commutative commands (quote recording) that
// lose an optimistic-concurrency race.
const casRetries = 3

// MidSource supplies the reference mid for quote sanity checks and
// notional estimation. The market-data cache implements it.
type MidSource interface {
	Mid(instrumentID string) (decimal.Decimal, bool)
}

// Config tunes the coordinator.
type Config struct {
	MaxExpiry      time.Duration   // max allowed RFQ lifetime, default 120s
	QuoteTolerance decimal.Decimal // off-market threshold as fraction of mid
}

func (c *Config) defaults() {
	if c.MaxExpiry <= 0 {
		c.MaxExpiry = 120 * time.Second
	}
	if c.QuoteTolerance.IsZero() {
		c.QuoteTolerance = decimal.NewFromFloat(0.05)
	}
}

// Service is the RFQ command handler set.
type Service struct {
	cfg    Config
	db     storage.DB
	writer *outbox.Writer
	gate   *gate.Gate
	reg    *refdata.Registry
	mids   MidSource
	logger *slog.Logger
	nudge  func()
	now    func() time.Time
}

func NewService(cfg Config, db storage.DB, writer *outbox.Writer, g *gate.Gate, reg *refdata.Registry, mids MidSource, nudge func(), logger *slog.Logger) *Service {
	cfg.defaults()
	if nudge == nil {
		nudge = func() {}
	}
	return &Service{
		cfg:    cfg,
		db:     db,
		writer: writer,
		gate:   g,
		reg:    reg,
		mids:   mids,
		logger: logger.With("component", "rfq_service"),
		nudge:  nudge,
		now:    time.Now,
	}
}

// WithClock overrides the service clock. Tests use it to pin expiry
// boundaries.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// CreateRFQRequest carries the createRFQ command.
type CreateRFQRequest struct {
	TenantID      string
	RequesterID   string
	InstrumentID  string
	Side          types.Side
	Size          decimal.Decimal
	ExpiresAt     time.Time
	Venue         string
	CorrelationID string
	Entitlements  types.Entitlements
}

// CreateRFQ validates, gates, persists, and routes a new RFQ. The created
// and routed events commit with the aggregate in one transaction.
func (s *Service) CreateRFQ(ctx context.Context, req CreateRFQRequest) (*types.RFQ, error) {
	now := s.now().UTC()
	instrument, err := s.validateCreate(req, now)
	if err != nil {
		return nil, err
	}

	mid, _ := s.referenceMid(req.InstrumentID)
	if err := s.gate.Check(ctx, gate.Request{
		TenantID:     req.TenantID,
		UserID:       req.RequesterID,
		Kind:         gate.KindRFQ,
		InstrumentID: req.InstrumentID,
		Venue:        req.Venue,
		AssetClass:   instrument.AssetClass,
		Notional:     req.Size.Mul(mid),
		Entitlements: req.Entitlements,
	}); err != nil {
		return nil, err
	}

	rfq := &types.RFQ{
		RFQID:        uuid.NewString(),
		TenantID:     req.TenantID,
		RequesterID:  req.RequesterID,
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Size:         req.Size,
		Venue:        req.Venue,
		ExpiresAt:    req.ExpiresAt.UTC(),
		Status:       types.RFQCreated,
		Version:      1,
		Quotes:       map[string]types.Quote{},
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	created, err := event.New(event.TypeRFQCreated, producer, req.TenantID,
		event.Entity{EntityType: event.EntityRFQ, EntityID: rfq.RFQID, Sequence: rfq.Version},
		event.RFQCreatedPayload{
			RFQID:        rfq.RFQID,
			RequesterID:  rfq.RequesterID,
			InstrumentID: rfq.InstrumentID,
			Side:         rfq.Side,
			Size:         rfq.Size,
			Venue:        rfq.Venue,
			ExpiresAt:    rfq.ExpiresAt,
		})
	if err != nil {
		return nil, types.AsCommandError(err)
	}
	created = created.WithCorrelation(req.CorrelationID)
	events := []event.Envelope{created}

	// Route to eligible LPs right away. With no eligible LP the RFQ stays
	// CREATED and will expire.
	lps := s.reg.EligibleLPs(req.TenantID, req.InstrumentID)
	if len(lps) > 0 {
		for _, lp := range lps {
			rfq.RoutedLPs = append(rfq.RoutedLPs, lp.LPID)
		}
		if err := transition(rfq, types.RFQSent); err != nil {
			return nil, err
		}
		sent, err := event.NewChild(created, event.TypeRFQSent, producer,
			event.Entity{EntityType: event.EntityRFQ, EntityID: rfq.RFQID, Sequence: rfq.Version},
			event.RFQSentPayload{RFQID: rfq.RFQID, LPIDs: rfq.RoutedLPs})
		if err != nil {
			return nil, types.AsCommandError(err)
		}
		events = append(events, sent)
	} else {
		s.logger.Warn("no eligible LPs for rfq",
			"rfq_id", rfq.RFQID, "tenant", req.TenantID, "instrument", req.InstrumentID)
	}

	err = s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.RFQs().Insert(ctx, rfq); err != nil {
			return err
		}
		if err := s.writer.Append(ctx, tx, events...); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: req.TenantID,
			Actor:    req.RequesterID,
			Command:  "CreateRFQ",
			EntityID: rfq.RFQID,
			Outcome:  "ok",
			At:       now,
		})
	})
	if err != nil {
		return nil, types.AsCommandError(err).WithCorrelation(created.CorrelationID)
	}
	s.nudge()
	s.logger.Info("rfq created",
		"rfq_id", rfq.RFQID, "tenant", req.TenantID, "instrument", req.InstrumentID,
		"side", string(req.Side), "routed_lps", len(rfq.RoutedLPs))
	return rfq, nil
}

func (s *Service) validateCreate(req CreateRFQRequest, now time.Time) (types.Instrument, error) {
	var zero types.Instrument
	if strings.TrimSpace(req.RequesterID) == "" {
		return zero, types.FieldError("requesterId", "requesterId is required")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return zero, types.FieldError("side", "side must be BUY or SELL")
	}
	if !req.Size.IsPositive() {
		return zero, types.FieldError("size", "size must be positive")
	}
	instrument, ok := s.reg.Instrument(req.InstrumentID)
	if !ok {
		return zero, types.FieldError("instrumentId", "unknown instrument %s", req.InstrumentID)
	}
	if !instrument.Active {
		return zero, types.FieldError("instrumentId", "instrument %s is inactive", req.InstrumentID)
	}
	if !instrument.MinSize.IsZero() && req.Size.LessThan(instrument.MinSize) {
		return zero, types.FieldError("size", "size below minimum %s", instrument.MinSize)
	}
	if !instrument.MaxSize.IsZero() && req.Size.GreaterThan(instrument.MaxSize) {
		return zero, types.FieldError("size", "size above maximum %s", instrument.MaxSize)
	}
	if !instrument.LotSize.IsZero() && !req.Size.Mod(instrument.LotSize).IsZero() {
		// Non-lot multiples are accepted with a warning only.
		s.logger.Warn("rfq size is not a lot multiple",
			"instrument", req.InstrumentID, "size", req.Size, "lot", instrument.LotSize)
	}
	if !req.ExpiresAt.After(now) {
		return zero, types.FieldError("expiryInstant", "expiry must be in the future")
	}
	if req.ExpiresAt.After(now.Add(s.cfg.MaxExpiry)) {
		return zero, types.FieldError("expiryInstant", "expiry beyond maximum of %s", s.cfg.MaxExpiry)
	}
	if req.Venue != "" {
		venue, ok := s.reg.Venue(req.Venue)
		if !ok || !venue.Active {
			return zero, types.FieldError("venue", "unknown or inactive venue %s", req.Venue)
		}
	}
	return instrument, nil
}

func (s *Service) referenceMid(instrumentID string) (decimal.Decimal, bool) {
	if s.mids == nil {
		return decimal.Zero, false
	}
	return s.mids.Mid(instrumentID)
}

// RecordQuote idempotently appends an LP quote. Quote arrivals commute, so
// a lost version race is retried rather than surfaced.
func (s *Service) RecordQuote(ctx context.Context, tenantID string, quote types.Quote) (*types.RFQ, []types.RankedQuote, error) {
	if strings.TrimSpace(quote.QuoteID) == "" {
		return nil, nil, types.FieldError("quoteId", "quoteId is required")
	}
	if strings.TrimSpace(quote.LPID) == "" {
		return nil, nil, types.FieldError("lpId", "lpId is required")
	}
	if !quote.Price.IsPositive() {
		return nil, nil, types.FieldError("price", "price must be positive")
	}
	if !quote.Size.IsPositive() {
		return nil, nil, types.FieldError("size", "size must be positive")
	}

	var lastErr error
	for attempt := 0; attempt < casRetries; attempt++ {
		rfq, rankings, err := s.recordQuoteOnce(ctx, tenantID, quote)
		if err == nil {
			return rfq, rankings, nil
		}
		if !isConflict(err) {
			return nil, nil, err
		}
		lastErr = err
	}
	return nil, nil, types.AsCommandError(lastErr)
}

func (s *Service) recordQuoteOnce(ctx context.Context, tenantID string, quote types.Quote) (*types.RFQ, []types.RankedQuote, error) {
	now := s.now().UTC()
	var (
		rfq      *types.RFQ
		rankings []types.RankedQuote
	)
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded, err := tx.RFQs().Get(ctx, tenantID, quote.RFQID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "rfq %s not found", quote.RFQID)
		}
		if err != nil {
			return err
		}
		rfq = loaded

		if rfq.Status != types.RFQSent && rfq.Status != types.RFQQuoting {
			return types.NewError(types.ErrStateInvalid,
				"rfq %s does not take quotes in status %s", rfq.RFQID, rfq.Status)
		}
		// Quotes arriving at or after the expiry instant are rejected.
		if !now.Before(rfq.ExpiresAt) {
			return types.NewError(types.ErrExpired, "rfq %s expired at %s", rfq.RFQID, rfq.ExpiresAt)
		}
		// Duplicate quoteId: silent idempotent success.
		if _, dup := rfq.Quotes[quote.QuoteID]; dup {
			rankings = Rank(rfq)
			return nil
		}

		if quote.ReceivedAt.IsZero() {
			quote.ReceivedAt = now
		}
		if mid, ok := s.referenceMid(rfq.InstrumentID); ok {
			drift := quote.Price.Sub(mid).Abs().Div(mid)
			if drift.GreaterThan(s.cfg.QuoteTolerance) {
				quote.OffMarket = true
				s.logger.Warn("quote flagged off-market",
					"rfq_id", rfq.RFQID, "quote_id", quote.QuoteID,
					"price", quote.Price, "mid", mid)
			}
		}

		expected := rfq.Version
		rfq.Quotes[quote.QuoteID] = quote
		if rfq.Status == types.RFQSent {
			if err := transition(rfq, types.RFQQuoting); err != nil {
				return err
			}
		} else {
			rfq.Version++
		}
		rfq.UpdatedAt = now
		rankings = Rank(rfq)

		if err := tx.RFQs().Update(ctx, rfq, expected); err != nil {
			return err
		}
		env, err := event.New(event.TypeQuoteReceived, producer, tenantID,
			event.Entity{EntityType: event.EntityRFQ, EntityID: rfq.RFQID, Sequence: rfq.Version},
			event.QuoteReceivedPayload{Quote: quote, Rankings: rankings})
		if err != nil {
			return err
		}
		return s.writer.Append(ctx, tx, env)
	})
	if err != nil {
		return nil, nil, normalizeErr(err)
	}
	s.nudge()
	return rfq, rankings, nil
}

// AcceptQuoteRequest carries the acceptQuote command. Version is the
// aggregate version the client read; IdempotencyKey makes retries safe.
type AcceptQuoteRequest struct {
	TenantID       string
	RFQID          string
	QuoteID        string
	RequesterID    string
	Version        int64
	IdempotencyKey string
	Entitlements   types.Entitlements
}

// AcceptQuote transitions the RFQ to ACCEPTED and emits QuoteAccepted for
// the execution saga. Check order: conflict, state, RFQ expiry, quote
// existence, quote expiry.
func (s *Service) AcceptQuote(ctx context.Context, req AcceptQuoteRequest) (*types.RFQ, error) {
	if strings.TrimSpace(req.IdempotencyKey) == "" {
		return nil, types.FieldError("idempotencyKey", "idempotencyKey is required")
	}
	now := s.now().UTC()

	var rfq *types.RFQ
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded, err := tx.RFQs().Get(ctx, req.TenantID, req.RFQID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "rfq %s not found", req.RFQID)
		}
		if err != nil {
			return err
		}
		rfq = loaded

		// Idempotent replay returns the original result.
		if rfq.AcceptKey != "" && rfq.AcceptKey == req.IdempotencyKey {
			if rfq.AcceptedQuoteID == req.QuoteID {
				return nil
			}
			return types.NewError(types.ErrConflict,
				"idempotency key already used for quote %s", rfq.AcceptedQuoteID)
		}

		if req.Version != 0 && req.Version != rfq.Version {
			return types.NewError(types.ErrConflict,
				"rfq %s is at version %d, command read %d", rfq.RFQID, rfq.Version, req.Version)
		}
		if rfq.Status != types.RFQSent && rfq.Status != types.RFQQuoting {
			return types.NewError(types.ErrStateInvalid,
				"rfq %s cannot be accepted in status %s", rfq.RFQID, rfq.Status)
		}
		// Accepting at exactly the expiry instant is rejected.
		if !now.Before(rfq.ExpiresAt) {
			return types.NewError(types.ErrExpired, "rfq %s expired at %s", rfq.RFQID, rfq.ExpiresAt)
		}
		quote, ok := rfq.Quotes[req.QuoteID]
		if !ok {
			return types.NewError(types.ErrNotFound, "quote %s not found on rfq %s", req.QuoteID, rfq.RFQID)
		}
		if !quote.ValidUntil.IsZero() && now.After(quote.ValidUntil) {
			return types.NewError(types.ErrExpired, "quote %s expired at %s", quote.QuoteID, quote.ValidUntil)
		}

		instrument, _ := s.reg.Instrument(rfq.InstrumentID)
		if err := s.gate.Check(ctx, gate.Request{
			TenantID:     req.TenantID,
			UserID:       req.RequesterID,
			Kind:         gate.KindRFQ,
			InstrumentID: rfq.InstrumentID,
			Venue:        rfq.Venue,
			AssetClass:   instrument.AssetClass,
			Notional:     quote.Price.Mul(quote.Size),
			Entitlements: req.Entitlements,
		}); err != nil {
			return err
		}

		expected := rfq.Version
		if err := transition(rfq, types.RFQAccepted); err != nil {
			return err
		}
		rfq.AcceptedQuoteID = quote.QuoteID
		rfq.AcceptKey = req.IdempotencyKey
		rfq.UpdatedAt = now

		if err := tx.RFQs().Update(ctx, rfq, expected); err != nil {
			return err
		}
		env, err := event.New(event.TypeQuoteAccepted, producer, req.TenantID,
			event.Entity{EntityType: event.EntityRFQ, EntityID: rfq.RFQID, Sequence: rfq.Version},
			event.QuoteAcceptedPayload{
				RFQID:        rfq.RFQID,
				QuoteID:      quote.QuoteID,
				RequesterID:  rfq.RequesterID,
				LPID:         quote.LPID,
				InstrumentID: rfq.InstrumentID,
				Side:         rfq.Side,
				Price:        quote.Price,
				Size:         quote.Size,
				Venue:        rfq.Venue,
			})
		if err != nil {
			return err
		}
		if err := s.writer.Append(ctx, tx, env); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: req.TenantID,
			Actor:    req.RequesterID,
			Command:  "AcceptQuote",
			EntityID: rfq.RFQID,
			Outcome:  "ok",
			Detail:   "quote " + quote.QuoteID,
			At:       now,
		})
	})
	if err != nil {
		return nil, normalizeErr(err)
	}
	s.nudge()
	s.logger.Info("quote accepted", "rfq_id", rfq.RFQID, "quote_id", rfq.AcceptedQuoteID)
	return rfq, nil
}

// CancelRFQ cancels an open RFQ. Only the requester may cancel; a repeat
// cancel returns the stable result.
func (s *Service) CancelRFQ(ctx context.Context, tenantID, rfqID, requesterID string) (*types.RFQ, error) {
	now := s.now().UTC()
	var rfq *types.RFQ
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded, err := tx.RFQs().Get(ctx, tenantID, rfqID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "rfq %s not found", rfqID)
		}
		if err != nil {
			return err
		}
		rfq = loaded

		if rfq.RequesterID != requesterID {
			return types.NewError(types.ErrForbidden, "only the requester may cancel rfq %s", rfqID)
		}
		if rfq.Status == types.RFQCancelled {
			return nil // idempotent
		}
		switch rfq.Status {
		case types.RFQCreated, types.RFQSent, types.RFQQuoting:
		default:
			return types.NewError(types.ErrStateInvalid,
				"rfq %s cannot be cancelled in status %s", rfqID, rfq.Status)
		}

		expected := rfq.Version
		if err := transition(rfq, types.RFQCancelled); err != nil {
			return err
		}
		rfq.UpdatedAt = now
		if err := tx.RFQs().Update(ctx, rfq, expected); err != nil {
			return err
		}
		env, err := event.New(event.TypeRFQCancelled, producer, tenantID,
			event.Entity{EntityType: event.EntityRFQ, EntityID: rfqID, Sequence: rfq.Version},
			event.RFQCancelledPayload{RFQID: rfqID, CancelledBy: requesterID})
		if err != nil {
			return err
		}
		return s.writer.Append(ctx, tx, env)
	})
	if err != nil {
		return nil, normalizeErr(err)
	}
	s.nudge()
	return rfq, nil
}

// Get returns the current aggregate.
func (s *Service) Get(ctx context.Context, tenantID, rfqID string) (*types.RFQ, error) {
	rfq, err := s.db.RFQs().Get(ctx, tenantID, rfqID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, "rfq %s not found", rfqID)
	}
	if err != nil {
		return nil, types.AsCommandError(err)
	}
	return rfq, nil
}

// ApplyLastLookRejection moves an ACCEPTED RFQ back to QUOTING when it is
// still open, or to terminal REJECTED. The execution saga calls it inside
// its own transaction and reports whether quoting resumed.
func ApplyLastLookRejection(ctx context.Context, tx storage.Tx, tenantID, rfqID, quoteID string, now time.Time) (bool, error) {
	rfq, err := tx.RFQs().Get(ctx, tenantID, rfqID)
	if err != nil {
		return false, err
	}
	if rfq.Status != types.RFQAccepted || rfq.AcceptedQuoteID != quoteID {
		// Already moved on; nothing to undo.
		return false, nil
	}
	expected := rfq.Version
	stillOpen := now.Before(rfq.ExpiresAt)
	target := types.RFQRejected
	if stillOpen {
		target = types.RFQQuoting
	}
	if err := transition(rfq, target); err != nil {
		return false, err
	}
	rfq.AcceptedQuoteID = ""
	rfq.AcceptKey = ""
	rfq.UpdatedAt = now
	return stillOpen, tx.RFQs().Update(ctx, rfq, expected)
}

// ApplyTraded closes an ACCEPTED RFQ after execution is confirmed and
// returns its new version for the RFQTraded event.
func ApplyTraded(ctx context.Context, tx storage.Tx, tenantID, rfqID string, now time.Time) (int64, error) {
	rfq, err := tx.RFQs().Get(ctx, tenantID, rfqID)
	if err != nil {
		return 0, err
	}
	if rfq.Status == types.RFQTraded {
		return rfq.Version, nil
	}
	expected := rfq.Version
	if err := transition(rfq, types.RFQTraded); err != nil {
		return 0, err
	}
	rfq.UpdatedAt = now
	return rfq.Version, tx.RFQs().Update(ctx, rfq, expected)
}

func isConflict(err error) bool {
	if errors.Is(err, storage.ErrConflict) {
		return true
	}
	var ce *types.CommandError
	return errors.As(err, &ce) && ce.Code == types.ErrConflict
}

// normalizeErr maps storage sentinels to command errors and passes
// CommandErrors through.
func normalizeErr(err error) error {
	var ce *types.CommandError
	if errors.As(err, &ce) {
		return ce
	}
	switch {
	case errors.Is(err, storage.ErrConflict):
		return types.NewError(types.ErrConflict, "concurrent update lost: %v", err)
	case errors.Is(err, storage.ErrNotFound):
		return types.NewError(types.ErrNotFound, "%v", err)
	case errors.Is(err, storage.ErrDuplicate):
		return types.NewError(types.ErrConflict, "duplicate: %v", err)
	}
	return types.AsCommandError(err)
}
