package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"orion/internal/event"
	"orion/internal/gate"
	"orion/internal/order"
	"orion/internal/projection"
	"orion/internal/refdata"
	"orion/internal/rfq"
	"orion/pkg/types"
)

// Handlers holds the command-surface dependencies.
type Handlers struct {
	rfqs    *rfq.Service
	orders  *order.Service
	gate    *gate.Service
	refdata *refdata.Service
	blotter *projection.Blotter
	rfqView *projection.RFQView
	logger  *slog.Logger
}

func NewHandlers(rfqs *rfq.Service, orders *order.Service, gateSvc *gate.Service, refdataSvc *refdata.Service, blotter *projection.Blotter, rfqView *projection.RFQView, logger *slog.Logger) *Handlers {
	return &Handlers{
		rfqs:    rfqs,
		orders:  orders,
		gate:    gateSvc,
		refdata: refdataSvc,
		blotter: blotter,
		rfqView: rfqView,
		logger:  logger.With("component", "api-handlers"),
	}
}

// caller is the identity the transport extracted for this request. Auth
// proper is a collaborator in front of this service; these headers are
// what it forwards.
type caller struct {
	tenantID     string
	userID       string
	entitlements types.Entitlements
}

func callerFrom(r *http.Request) caller {
	c := caller{
		tenantID: r.Header.Get("X-Orion-Tenant"),
		userID:   r.Header.Get("X-Orion-User"),
	}
	c.entitlements = types.Entitlements{
		AssetClasses: splitHeader(r.Header.Get("X-Orion-Asset-Classes")),
		Instruments:  splitHeader(r.Header.Get("X-Orion-Instruments")),
		Venues:       splitHeader(r.Header.Get("X-Orion-Venues")),
	}
	return c
}

func splitHeader(v string) []string {
	if v == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := parts[:0]
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func (h *Handlers) HandleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ————————————————————————————————————————————————————————————————————————
// RFQ commands
// ————————————————————————————————————————————————————————————————————————

type createRFQBody struct {
	InstrumentID string          `json:"instrumentId"`
	Side         types.Side      `json:"side"`
	Size         decimal.Decimal `json:"size"`
	ExpiresAt    time.Time       `json:"expiresAt"`
	Venue        string          `json:"venue,omitempty"`
}

type aggregateResponse struct {
	ID      string `json:"id"`
	Status  string `json:"status"`
	Version int64  `json:"version"`
}

func (h *Handlers) HandleCreateRFQ(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body createRFQBody
	if !decodeBody(w, r, &body) {
		return
	}
	created, err := h.rfqs.CreateRFQ(r.Context(), rfq.CreateRFQRequest{
		TenantID:     c.tenantID,
		RequesterID:  c.userID,
		InstrumentID: body.InstrumentID,
		Side:         body.Side,
		Size:         body.Size,
		ExpiresAt:    body.ExpiresAt,
		Venue:        body.Venue,
		Entitlements: c.entitlements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, aggregateResponse{
		ID: created.RFQID, Status: string(created.Status), Version: created.Version,
	})
}

func (h *Handlers) HandleGetRFQ(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	got, err := h.rfqs.Get(r.Context(), c.tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

type recordQuoteBody struct {
	QuoteID    string          `json:"quoteId"`
	LPID       string          `json:"lpId"`
	Side       types.Side      `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	ValidUntil time.Time       `json:"validUntil,omitempty"`
}

func (h *Handlers) HandleRecordQuote(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body recordQuoteBody
	if !decodeBody(w, r, &body) {
		return
	}
	_, rankings, err := h.rfqs.RecordQuote(r.Context(), c.tenantID, types.Quote{
		QuoteID:    body.QuoteID,
		RFQID:      r.PathValue("id"),
		LPID:       body.LPID,
		Side:       body.Side,
		Price:      body.Price,
		Size:       body.Size,
		ValidUntil: body.ValidUntil,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rankings": rankings})
}

type acceptQuoteBody struct {
	QuoteID        string `json:"quoteId"`
	Version        int64  `json:"version"`
	IdempotencyKey string `json:"idempotencyKey"`
}

func (h *Handlers) HandleAcceptQuote(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body acceptQuoteBody
	if !decodeBody(w, r, &body) {
		return
	}
	accepted, err := h.rfqs.AcceptQuote(r.Context(), rfq.AcceptQuoteRequest{
		TenantID:       c.tenantID,
		RFQID:          r.PathValue("id"),
		QuoteID:        body.QuoteID,
		RequesterID:    c.userID,
		Version:        body.Version,
		IdempotencyKey: body.IdempotencyKey,
		Entitlements:   c.entitlements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		ID: accepted.RFQID, Status: string(accepted.Status), Version: accepted.Version,
	})
}

func (h *Handlers) HandleCancelRFQ(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	cancelled, err := h.rfqs.CancelRFQ(r.Context(), c.tenantID, r.PathValue("id"), c.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		ID: cancelled.RFQID, Status: string(cancelled.Status), Version: cancelled.Version,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Order commands
// ————————————————————————————————————————————————————————————————————————

type placeOrderBody struct {
	InstrumentID         string            `json:"instrumentId"`
	Side                 types.Side        `json:"side"`
	Qty                  decimal.Decimal   `json:"qty"`
	LimitPrice           decimal.Decimal   `json:"limitPrice"`
	TimeInForce          types.TimeInForce `json:"timeInForce"`
	ClientIdempotencyKey string            `json:"clientIdempotencyKey"`
}

func (h *Handlers) HandlePlaceOrder(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body placeOrderBody
	if !decodeBody(w, r, &body) {
		return
	}
	placed, err := h.orders.PlaceOrder(r.Context(), order.PlaceOrderRequest{
		TenantID:             c.tenantID,
		OwnerID:              c.userID,
		InstrumentID:         body.InstrumentID,
		Side:                 body.Side,
		Qty:                  body.Qty,
		LimitPrice:           body.LimitPrice,
		TimeInForce:          body.TimeInForce,
		ClientIdempotencyKey: body.ClientIdempotencyKey,
		Entitlements:         c.entitlements,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, aggregateResponse{
		ID: placed.OrderID, Status: string(placed.Status), Version: placed.Version,
	})
}

func (h *Handlers) HandleGetOrder(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	got, err := h.orders.Get(r.Context(), c.tenantID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, got)
}

func (h *Handlers) HandleCancelOrder(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	cancelled, err := h.orders.Cancel(r.Context(), c.tenantID, r.PathValue("id"), c.userID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		ID: cancelled.OrderID, Status: string(cancelled.Status), Version: cancelled.Version,
	})
}

type amendOrderBody struct {
	NewQty        *decimal.Decimal `json:"newQty,omitempty"`
	NewLimitPrice *decimal.Decimal `json:"newLimitPrice,omitempty"`
}

func (h *Handlers) HandleAmendOrder(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body amendOrderBody
	if !decodeBody(w, r, &body) {
		return
	}
	amended, err := h.orders.Amend(r.Context(), order.AmendRequest{
		TenantID:      c.tenantID,
		OrderID:       r.PathValue("id"),
		OwnerID:       c.userID,
		NewQty:        body.NewQty,
		NewLimitPrice: body.NewLimitPrice,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateResponse{
		ID: amended.OrderID, Status: string(amended.Status), Version: amended.Version,
	})
}

// ————————————————————————————————————————————————————————————————————————
// Read side
// ————————————————————————————————————————————————————————————————————————

func (h *Handlers) HandleBlotter(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{"trades": h.blotter.Trades(c.tenantID)})
}

func (h *Handlers) HandleRFQBoard(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	writeJSON(w, http.StatusOK, map[string]any{"rfqs": h.rfqView.Open(c.tenantID)})
}

// ————————————————————————————————————————————————————————————————————————
// Admin commands
// ————————————————————————————————————————————————————————————————————————

type killSwitchBody struct {
	TenantID string `json:"tenantId,omitempty"` // empty = global
	Active   bool   `json:"active"`
	Reason   string `json:"reason"`
}

func (h *Handlers) HandleSetKillSwitch(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body killSwitchBody
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.gate.SetKillSwitch(r.Context(), body.TenantID, body.Active, c.userID, body.Reason); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"active": body.Active})
}

func (h *Handlers) HandleUpdateLimits(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body event.LimitsUpdatedPayload
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.gate.UpdateLimits(r.Context(), c.userID, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handlers) HandleCreateInstrument(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body types.Instrument
	if !decodeBody(w, r, &body) {
		return
	}
	if err := h.refdata.CreateInstrument(r.Context(), c.userID, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, body)
}

func (h *Handlers) HandleUpdateInstrument(w http.ResponseWriter, r *http.Request) {
	c := callerFrom(r)
	var body types.Instrument
	if !decodeBody(w, r, &body) {
		return
	}
	body.InstrumentID = r.PathValue("id")
	if err := h.refdata.UpdateInstrument(r.Context(), c.userID, body); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, body)
}

// ————————————————————————————————————————————————————————————————————————
// Encoding
// ————————————————————————————————————————————————————————————————————————

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		writeError(w, types.FieldError("body", "malformed request body: %v", err))
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps a command error to its HTTP status and writes the
// structured body.
func writeError(w http.ResponseWriter, err error) {
	ce := types.AsCommandError(err)
	writeJSON(w, statusFor(ce.Code), ce)
}

func statusFor(code types.ErrorCode) int {
	switch code {
	case types.ErrValidationFailed:
		return http.StatusBadRequest
	case types.ErrNotFound:
		return http.StatusNotFound
	case types.ErrConflict, types.ErrStateInvalid:
		return http.StatusConflict
	case types.ErrExpired:
		return http.StatusGone
	case types.ErrForbidden, types.ErrKillSwitchActive:
		return http.StatusForbidden
	case types.ErrRateLimited:
		return http.StatusTooManyRequests
	case types.ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
