package event

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"orion/pkg/types"
)

// Payload shapes for the catalog's event types. Schema evolution within a
// major version is additive only: new optional fields and new enum values.
// Consumers ignore unknown fields.

// RFQCreatedPayload announces a new RFQ (version 1, status CREATED).
type RFQCreatedPayload struct {
	RFQID        string          `json:"rfqId"`
	RequesterID  string          `json:"requesterId"`
	InstrumentID string          `json:"instrumentId"`
	Side         types.Side      `json:"side"`
	Size         decimal.Decimal `json:"size"`
	Venue        string          `json:"venue,omitempty"`
	ExpiresAt    time.Time       `json:"expiresAt"`
}

// RFQSentPayload lists the LPs the RFQ was routed to.
type RFQSentPayload struct {
	RFQID string   `json:"rfqId"`
	LPIDs []string `json:"lpIds"`
}

// QuoteReceivedPayload carries the accepted quote and the re-ranked quote
// set after it was applied.
type QuoteReceivedPayload struct {
	Quote    types.Quote         `json:"quote"`
	Rankings []types.RankedQuote `json:"rankings,omitempty"`
}

// QuoteAcceptedPayload carries everything the execution saga needs to
// create the trade without re-reading the RFQ.
type QuoteAcceptedPayload struct {
	RFQID        string          `json:"rfqId"`
	QuoteID      string          `json:"quoteId"`
	RequesterID  string          `json:"requesterId"`
	LPID         string          `json:"lpId"`
	InstrumentID string          `json:"instrumentId"`
	Side         types.Side      `json:"side"`
	Price        decimal.Decimal `json:"price"`
	Size         decimal.Decimal `json:"size"`
	Venue        string          `json:"venue,omitempty"`
}

// QuoteAcceptanceRejectedPayload reports an LP last-look rejection.
// ReturnedToQuoting is true when the RFQ was still open and went back to
// QUOTING rather than terminating.
type QuoteAcceptanceRejectedPayload struct {
	RFQID             string `json:"rfqId"`
	QuoteID           string `json:"quoteId"`
	Reason            string `json:"reason"`
	ReturnedToQuoting bool   `json:"returnedToQuoting"`
}

// RFQExpiredPayload marks expiry by the scanner.
type RFQExpiredPayload struct {
	RFQID     string    `json:"rfqId"`
	ExpiredAt time.Time `json:"expiredAt"`
}

// RFQCancelledPayload marks a requester cancel.
type RFQCancelledPayload struct {
	RFQID       string `json:"rfqId"`
	CancelledBy string `json:"cancelledBy"`
}

// RFQTradedPayload closes the RFQ after execution confirmed.
type RFQTradedPayload struct {
	RFQID   string `json:"rfqId"`
	TradeID string `json:"tradeId"`
}

// OrderPayload is shared by OrderPlaced/Acknowledged/Rejected/Cancelled.
type OrderPayload struct {
	OrderID      string            `json:"orderId"`
	OwnerID      string            `json:"ownerId"`
	InstrumentID string            `json:"instrumentId"`
	Side         types.Side        `json:"side"`
	Qty          decimal.Decimal   `json:"qty"`
	LimitPrice   decimal.Decimal   `json:"limitPrice"`
	TimeInForce  types.TimeInForce `json:"timeInForce"`
	Status       types.OrderStatus `json:"status"`
	Reason       string            `json:"reason,omitempty"`
}

// OrderAmendedPayload carries only the changed fields.
type OrderAmendedPayload struct {
	OrderID       string           `json:"orderId"`
	NewQty        *decimal.Decimal `json:"newQty,omitempty"`
	NewLimitPrice *decimal.Decimal `json:"newLimitPrice,omitempty"`
}

// OrderFilledPayload reports one fill and the resulting order state.
type OrderFilledPayload struct {
	OrderID   string            `json:"orderId"`
	FillID    string            `json:"fillId"`
	Qty       decimal.Decimal   `json:"qty"`
	Price     decimal.Decimal   `json:"price"`
	FilledQty decimal.Decimal   `json:"filledQty"`
	Status    types.OrderStatus `json:"status"`
}

// TradeExecutedPayload carries the full immutable trade.
type TradeExecutedPayload struct {
	Trade types.Trade `json:"trade"`
}

// TradeConfirmedPayload stores the venue confirmation document verbatim.
type TradeConfirmedPayload struct {
	TradeID      string          `json:"tradeId"`
	Confirmation json.RawMessage `json:"confirmation"`
}

// SettlementRequestedPayload starts the settlement saga for a trade.
type SettlementRequestedPayload struct {
	TradeID string `json:"tradeId"`
	Venue   string `json:"venue"`
}

// SettlementCompletedPayload reports successful settlement.
type SettlementCompletedPayload struct {
	TradeID  string `json:"tradeId"`
	Attempts int    `json:"attempts"`
}

// SettlementFailedPayload reports a failed attempt. Final marks
// FAILED_FINAL (retries exhausted).
type SettlementFailedPayload struct {
	TradeID  string `json:"tradeId"`
	Attempts int    `json:"attempts"`
	Reason   string `json:"reason"`
	Final    bool   `json:"final"`
}

// KillSwitchPayload carries a kill-switch flip. Empty TenantID means the
// global switch.
type KillSwitchPayload struct {
	TenantID string `json:"tenantId,omitempty"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason"`
	Active   bool   `json:"active"`
}

// RiskLimitBreachedPayload reports a blocked command with the specific
// gate reason.
type RiskLimitBreachedPayload struct {
	TenantID string          `json:"tenantId"`
	UserID   string          `json:"userId"`
	Code     types.ErrorCode `json:"code"`
	Reason   string          `json:"reason"`
}

// LimitsUpdatedPayload reconfigures rate limits and notional ceilings for a
// tenant or user.
type LimitsUpdatedPayload struct {
	TenantID     string          `json:"tenantId"`
	UserID       string          `json:"userId,omitempty"`
	RFQPerSec    float64         `json:"rfqPerSec,omitempty"`
	OrdersPerSec float64         `json:"ordersPerSec,omitempty"`
	Burst        float64         `json:"burst,omitempty"`
	MaxNotional  decimal.Decimal `json:"maxNotional"`
}

// InstrumentUpdatedPayload carries the full registry entry.
type InstrumentUpdatedPayload struct {
	Instrument types.Instrument `json:"instrument"`
}

// VenueUpdatedPayload carries the full registry entry.
type VenueUpdatedPayload struct {
	Venue types.Venue `json:"venue"`
}

// LPConfigUpdatedPayload carries the full registry entry.
type LPConfigUpdatedPayload struct {
	LP types.LiquidityProvider `json:"lp"`
}

// TickPayload carries one normalized market-data tick.
type TickPayload struct {
	Tick types.Tick `json:"tick"`
}

// MarketDataStalePayload marks a feed gone silent past the staleness
// threshold.
type MarketDataStalePayload struct {
	InstrumentID string    `json:"instrumentId"`
	Source       string    `json:"source"`
	LastTickAt   time.Time `json:"lastTickAt"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// MarketDataResumedPayload marks the first tick after a staleness window.
type MarketDataResumedPayload struct {
	InstrumentID string    `json:"instrumentId"`
	Source       string    `json:"source"`
	ResumedAt    time.Time `json:"resumedAt"`
}

// OperatorAlertPayload is an out-of-band alert for operators (relay
// dead-letter, settlement FAILED_FINAL, fatal consumer errors).
type OperatorAlertPayload struct {
	Severity string            `json:"severity"` // "warning" or "critical"
	Message  string            `json:"message"`
	Context  map[string]string `json:"context,omitempty"`
}
