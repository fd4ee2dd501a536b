package order

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
	"orion/internal/rfq"
	"orion/internal/storage"
	"orion/pkg/types"
)

const producer = "tec-oms"

// Service is the OMS command handler set.
type Service struct {
	db     storage.DB
	writer *outbox.Writer
	gate   *gate.Gate
	reg    *refdata.Registry
	mids   rfq.MidSource
	logger *slog.Logger
	nudge  func()
	now    func() time.Time
}

func NewService(db storage.DB, writer *outbox.Writer, g *gate.Gate, reg *refdata.Registry, mids rfq.MidSource, nudge func(), logger *slog.Logger) *Service {
	if nudge == nil {
		nudge = func() {}
	}
	return &Service{
		db:     db,
		writer: writer,
		gate:   g,
		reg:    reg,
		mids:   mids,
		logger: logger.With("component", "order_service"),
		nudge:  nudge,
		now:    time.Now,
	}
}

// WithClock overrides the service clock.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// PlaceOrderRequest carries the placeOrder command. ClientIdempotencyKey
// deduplicates retries within (tenantId, ownerId).
type PlaceOrderRequest struct {
	TenantID             string
	OwnerID              string
	InstrumentID         string
	Side                 types.Side
	Qty                  decimal.Decimal
	LimitPrice           decimal.Decimal
	TimeInForce          types.TimeInForce
	ClientIdempotencyKey string
	CorrelationID        string
	Entitlements         types.Entitlements
}

// PlaceOrder validates, gates, and persists a new order. A replay with the
// same client key returns the original order without side effects.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*types.Order, error) {
	now := s.now().UTC()
	instrument, err := s.validatePlace(req)
	if err != nil {
		return nil, err
	}

	if existing, err := s.db.Orders().GetByClientKey(ctx, req.TenantID, req.OwnerID, req.ClientIdempotencyKey); err == nil {
		return existing, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, types.AsCommandError(err)
	}

	if err := s.gate.Check(ctx, gate.Request{
		TenantID:     req.TenantID,
		UserID:       req.OwnerID,
		Kind:         gate.KindOrder,
		InstrumentID: req.InstrumentID,
		AssetClass:   instrument.AssetClass,
		Notional:     s.notional(req),
		Entitlements: req.Entitlements,
	}); err != nil {
		return nil, err
	}

	order := &types.Order{
		OrderID:              uuid.NewString(),
		TenantID:             req.TenantID,
		OwnerID:              req.OwnerID,
		InstrumentID:         req.InstrumentID,
		Side:                 req.Side,
		Qty:                  req.Qty,
		LimitPrice:           req.LimitPrice,
		TimeInForce:          req.TimeInForce,
		Status:               types.OrderNew,
		Version:              1,
		ClientIdempotencyKey: req.ClientIdempotencyKey,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	env, err2 := event.New(event.TypeOrderPlaced, producer, req.TenantID,
		event.Entity{EntityType: event.EntityOrder, EntityID: order.OrderID, Sequence: order.Version},
		orderPayload(order, ""))
	if err2 != nil {
		return nil, types.AsCommandError(err2)
	}
	env = env.WithCorrelation(req.CorrelationID)

	txErr := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if err := tx.Orders().Insert(ctx, order); err != nil {
			return err
		}
		if err := s.writer.Append(ctx, tx, env); err != nil {
			return err
		}
		return tx.Audit().Append(ctx, storage.AuditEntry{
			TenantID: req.TenantID,
			Actor:    req.OwnerID,
			Command:  "PlaceOrder",
			EntityID: order.OrderID,
			Outcome:  "ok",
			At:       now,
		})
	})
	if txErr != nil {
		// A concurrent retry inserted first; return its result.
		if errors.Is(txErr, storage.ErrDuplicate) {
			existing, err := s.db.Orders().GetByClientKey(ctx, req.TenantID, req.OwnerID, req.ClientIdempotencyKey)
			if err == nil {
				return existing, nil
			}
		}
		return nil, normalizeErr(txErr)
	}
	s.nudge()
	s.logger.Info("order placed",
		"order_id", order.OrderID, "tenant", req.TenantID,
		"instrument", req.InstrumentID, "side", string(req.Side), "qty", req.Qty)
	return order, nil
}

func (s *Service) validatePlace(req PlaceOrderRequest) (types.Instrument, error) {
	var zero types.Instrument
	if strings.TrimSpace(req.OwnerID) == "" {
		return zero, types.FieldError("ownerId", "ownerId is required")
	}
	if strings.TrimSpace(req.ClientIdempotencyKey) == "" {
		return zero, types.FieldError("clientIdempotencyKey", "clientIdempotencyKey is required")
	}
	if req.Side != types.BUY && req.Side != types.SELL {
		return zero, types.FieldError("side", "side must be BUY or SELL")
	}
	if !req.Qty.IsPositive() {
		return zero, types.FieldError("qty", "qty must be positive")
	}
	if req.LimitPrice.IsNegative() {
		return zero, types.FieldError("limitPrice", "limitPrice must not be negative")
	}
	switch req.TimeInForce {
	case types.TIFGoodTilCancel, types.TIFImmediate, types.TIFDay:
	case "":
		return zero, types.FieldError("timeInForce", "timeInForce is required")
	default:
		return zero, types.FieldError("timeInForce", "unknown timeInForce %s", req.TimeInForce)
	}
	instrument, ok := s.reg.Instrument(req.InstrumentID)
	if !ok {
		return zero, types.FieldError("instrumentId", "unknown instrument %s", req.InstrumentID)
	}
	if !instrument.Active {
		return zero, types.FieldError("instrumentId", "instrument %s is inactive", req.InstrumentID)
	}
	if !instrument.MinSize.IsZero() && req.Qty.LessThan(instrument.MinSize) {
		return zero, types.FieldError("qty", "qty below minimum %s", instrument.MinSize)
	}
	if !instrument.MaxSize.IsZero() && req.Qty.GreaterThan(instrument.MaxSize) {
		return zero, types.FieldError("qty", "qty above maximum %s", instrument.MaxSize)
	}
	return instrument, nil
}

// notional prefers the limit price; a market order falls back to the
// reference mid when one is cached.
func (s *Service) notional(req PlaceOrderRequest) decimal.Decimal {
	price := req.LimitPrice
	if price.IsZero() && s.mids != nil {
		if mid, ok := s.mids.Mid(req.InstrumentID); ok {
			price = mid
		}
	}
	return req.Qty.Mul(price)
}

// Acknowledge moves a NEW order to ACK once the venue adapter has it.
func (s *Service) Acknowledge(ctx context.Context, tenantID, orderID string) (*types.Order, error) {
	return s.mutate(ctx, tenantID, orderID, func(o *types.Order) (event.Envelope, error) {
		if o.Status == types.OrderAck {
			return event.Envelope{}, errNoop
		}
		if err := transition(o, types.OrderAck); err != nil {
			return event.Envelope{}, err
		}
		return event.New(event.TypeOrderAcknowledged, producer, tenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: orderID, Sequence: o.Version},
			orderPayload(o, ""))
	})
}

// Cancel requests cancellation. Repeats against an order already on the
// cancel path return the stable response.
func (s *Service) Cancel(ctx context.Context, tenantID, orderID, ownerID string) (*types.Order, error) {
	return s.mutate(ctx, tenantID, orderID, func(o *types.Order) (event.Envelope, error) {
		if o.OwnerID != ownerID {
			return event.Envelope{}, types.NewError(types.ErrForbidden,
				"only the owner may cancel order %s", orderID)
		}
		if o.Status == types.OrderCancelled || o.Status == types.OrderCancelRequested {
			return event.Envelope{}, errNoop
		}
		if err := transition(o, types.OrderCancelRequested); err != nil {
			return event.Envelope{}, err
		}
		return event.New(event.TypeOrderCancelled, producer, tenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: orderID, Sequence: o.Version},
			orderPayload(o, "cancel requested by owner"))
	})
}

// ConfirmCancel finalizes a CANCEL_REQUESTED order. The venue adapter calls
// it once the working order is off the market.
func (s *Service) ConfirmCancel(ctx context.Context, tenantID, orderID string) (*types.Order, error) {
	return s.mutate(ctx, tenantID, orderID, func(o *types.Order) (event.Envelope, error) {
		if o.Status == types.OrderCancelled {
			return event.Envelope{}, errNoop
		}
		if err := transition(o, types.OrderCancelled); err != nil {
			return event.Envelope{}, err
		}
		return event.New(event.TypeOrderCancelled, producer, tenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: orderID, Sequence: o.Version},
			orderPayload(o, ""))
	})
}

// Reject terminates a NEW order that the venue or risk layer refused.
func (s *Service) Reject(ctx context.Context, tenantID, orderID, reason string) (*types.Order, error) {
	return s.mutate(ctx, tenantID, orderID, func(o *types.Order) (event.Envelope, error) {
		if o.Status == types.OrderRejected {
			return event.Envelope{}, errNoop
		}
		if err := transition(o, types.OrderRejected); err != nil {
			return event.Envelope{}, err
		}
		return event.New(event.TypeOrderRejected, producer, tenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: orderID, Sequence: o.Version},
			orderPayload(o, reason))
	})
}

// AmendRequest carries the amend command. Nil fields are unchanged.
type AmendRequest struct {
	TenantID      string
	OrderID       string
	OwnerID       string
	NewQty        *decimal.Decimal
	NewLimitPrice *decimal.Decimal
}

// Amend changes qty and/or limit price on a working order. A rejected
// amendment leaves the order in its prior status.
func (s *Service) Amend(ctx context.Context, req AmendRequest) (*types.Order, error) {
	if req.NewQty == nil && req.NewLimitPrice == nil {
		return nil, types.FieldError("newQty", "amendment must change qty or limitPrice")
	}
	return s.mutate(ctx, req.TenantID, req.OrderID, func(o *types.Order) (event.Envelope, error) {
		if o.OwnerID != req.OwnerID {
			return event.Envelope{}, types.NewError(types.ErrForbidden,
				"only the owner may amend order %s", req.OrderID)
		}
		if !amendable(o) {
			return event.Envelope{}, types.NewError(types.ErrStateInvalid,
				"order %s cannot be amended in status %s", o.OrderID, o.Status)
		}
		if req.NewQty != nil {
			if !req.NewQty.IsPositive() {
				return event.Envelope{}, types.FieldError("newQty", "newQty must be positive")
			}
			// Only the remaining quantity is amendable.
			if req.NewQty.LessThan(o.FilledQty) {
				return event.Envelope{}, types.FieldError("newQty",
					"newQty %s below filled quantity %s", req.NewQty, o.FilledQty)
			}
			o.Qty = *req.NewQty
		}
		if req.NewLimitPrice != nil {
			if req.NewLimitPrice.IsNegative() {
				return event.Envelope{}, types.FieldError("newLimitPrice", "newLimitPrice must not be negative")
			}
			o.LimitPrice = *req.NewLimitPrice
		}
		o.Version++
		return event.New(event.TypeOrderAmended, producer, req.TenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: o.OrderID, Sequence: o.Version},
			event.OrderAmendedPayload{
				OrderID:       o.OrderID,
				NewQty:        req.NewQty,
				NewLimitPrice: req.NewLimitPrice,
			})
	})
}

// ApplyFill records one execution. The order acknowledges implicitly when a
// fill arrives on NEW. Filling to completion moves it to FILLED.
func (s *Service) ApplyFill(ctx context.Context, tenantID, orderID string, qty, price decimal.Decimal) (*types.Order, error) {
	if !qty.IsPositive() {
		return nil, types.FieldError("qty", "fill qty must be positive")
	}
	now := s.now().UTC()
	fill := types.Fill{
		FillID:   uuid.NewString(),
		OrderID:  orderID,
		TenantID: tenantID,
		Qty:      qty,
		Price:    price,
		FilledAt: now,
	}
	var order *types.Order
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded, err := tx.Orders().Get(ctx, tenantID, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		order = loaded

		if order.Status == types.OrderNew {
			if err := transition(order, types.OrderAck); err != nil {
				return err
			}
		}
		switch order.Status {
		case types.OrderAck, types.OrderPartialFill:
		default:
			return types.NewError(types.ErrStateInvalid,
				"order %s does not take fills in status %s", orderID, order.Status)
		}
		if qty.GreaterThan(order.Remaining()) {
			return types.FieldError("qty", "fill qty %s exceeds remaining %s", qty, order.Remaining())
		}

		expected := order.Version
		order.FilledQty = order.FilledQty.Add(qty)
		switch {
		case order.FilledQty.Equal(order.Qty):
			if err := transition(order, types.OrderFilled); err != nil {
				return err
			}
		case order.Status == types.OrderAck:
			if err := transition(order, types.OrderPartialFill); err != nil {
				return err
			}
		default:
			order.Version++
		}
		order.UpdatedAt = now

		if err := tx.Orders().Update(ctx, order, expected); err != nil {
			return err
		}
		if err := tx.Orders().InsertFill(ctx, fill); err != nil {
			return err
		}
		env, err := event.New(event.TypeOrderFilled, producer, tenantID,
			event.Entity{EntityType: event.EntityOrder, EntityID: orderID, Sequence: order.Version},
			event.OrderFilledPayload{
				OrderID:   orderID,
				FillID:    fill.FillID,
				Qty:       qty,
				Price:     price,
				FilledQty: order.FilledQty,
				Status:    order.Status,
			})
		if err != nil {
			return err
		}
		return s.writer.Append(ctx, tx, env)
	})
	if err != nil {
		return nil, normalizeErr(err)
	}
	s.nudge()
	return order, nil
}

// Get returns the current aggregate.
func (s *Service) Get(ctx context.Context, tenantID, orderID string) (*types.Order, error) {
	order, err := s.db.Orders().Get(ctx, tenantID, orderID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, types.NewError(types.ErrNotFound, "order %s not found", orderID)
	}
	if err != nil {
		return nil, types.AsCommandError(err)
	}
	return order, nil
}

// Fills lists the executions recorded against an order.
func (s *Service) Fills(ctx context.Context, orderID string) ([]types.Fill, error) {
	return s.db.Orders().ListFills(ctx, orderID)
}

// errNoop signals an idempotent repeat: the mutation commits nothing and
// returns the current aggregate.
var errNoop = errors.New("noop")

// mutate runs one read-modify-write cycle with the event committed in the
// same transaction.
func (s *Service) mutate(ctx context.Context, tenantID, orderID string, fn func(o *types.Order) (event.Envelope, error)) (*types.Order, error) {
	now := s.now().UTC()
	var order *types.Order
	err := s.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		loaded, err := tx.Orders().Get(ctx, tenantID, orderID)
		if errors.Is(err, storage.ErrNotFound) {
			return types.NewError(types.ErrNotFound, "order %s not found", orderID)
		}
		if err != nil {
			return err
		}
		order = loaded

		expected := order.Version
		env, err := fn(order)
		if errors.Is(err, errNoop) {
			return nil
		}
		if err != nil {
			return err
		}
		order.UpdatedAt = now
		if err := tx.Orders().Update(ctx, order, expected); err != nil {
			return err
		}
		return s.writer.Append(ctx, tx, env)
	})
	if err != nil {
		return nil, normalizeErr(err)
	}
	s.nudge()
	return order, nil
}

func orderPayload(o *types.Order, reason string) event.OrderPayload {
	return event.OrderPayload{
		OrderID:      o.OrderID,
		OwnerID:      o.OwnerID,
		InstrumentID: o.InstrumentID,
		Side:         o.Side,
		Qty:          o.Qty,
		LimitPrice:   o.LimitPrice,
		TimeInForce:  o.TimeInForce,
		Status:       o.Status,
		Reason:       reason,
	}
}

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
