// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the Trading Event Core — RFQ and
// order aggregates, quotes, trades, settlement records, market ticks, and
// reference data. It has no dependencies on internal packages, so it can be
// imported by any layer.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an RFQ or order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// TimeInForce enumerates the supported order lifetimes.
type TimeInForce string

const (
	TIFGoodTilCancel TimeInForce = "GTC" // rests until filled or cancelled
	TIFImmediate     TimeInForce = "IOC" // fill what you can, cancel the rest
	TIFDay           TimeInForce = "DAY" // expires at end of trading day
)

// RFQStatus is the lifecycle state of an RFQ aggregate.
// Transitions are enforced by the rfq package state machine.
type RFQStatus string

const (
	RFQCreated   RFQStatus = "CREATED"
	RFQSent      RFQStatus = "SENT"
	RFQQuoting   RFQStatus = "QUOTING"
	RFQAccepted  RFQStatus = "ACCEPTED"
	RFQRejected  RFQStatus = "REJECTED"
	RFQExpired   RFQStatus = "EXPIRED"
	RFQCancelled RFQStatus = "CANCELLED"
	RFQTraded    RFQStatus = "TRADED"
)

// Terminal reports whether the RFQ can no longer change state.
func (s RFQStatus) Terminal() bool {
	switch s {
	case RFQTraded, RFQExpired, RFQCancelled, RFQRejected:
		return true
	}
	return false
}

// OrderStatus is the lifecycle state of an order aggregate.
type OrderStatus string

const (
	OrderNew             OrderStatus = "NEW"
	OrderAck             OrderStatus = "ACK"
	OrderPartialFill     OrderStatus = "PARTIAL_FILL"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelRequested OrderStatus = "CANCEL_REQUESTED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the order can no longer change state.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderFilled, OrderCancelled, OrderRejected:
		return true
	}
	return false
}

// SettlementStatus is the state of a trade's settlement record.
type SettlementStatus string

const (
	SettlementPending     SettlementStatus = "PENDING"
	SettlementSettling    SettlementStatus = "SETTLING"
	SettlementSettled     SettlementStatus = "SETTLED"
	SettlementFailed      SettlementStatus = "FAILED"
	SettlementRetrying    SettlementStatus = "RETRYING"
	SettlementFailedFinal SettlementStatus = "FAILED_FINAL"
)

// ————————————————————————————————————————————————————————————————————————
// RFQ aggregate
// ————————————————————————————————————————————————————————————————————————

// Quote is a single liquidity-provider response to an RFQ. Quotes are
// append-only within an RFQ revision; duplicate quoteIds are idempotently
// ignored. Size may be less than the RFQ size (partial quote).
type Quote struct {
	QuoteID    string          `json:"quoteId"`
	RFQID      string          `json:"rfqId"`
	LPID       string          `json:"lpId"`
	Side       Side            `json:"side"` // side the LP is quoting for the requester
	Price      decimal.Decimal `json:"price"`
	Size       decimal.Decimal `json:"size"`
	ReceivedAt time.Time       `json:"receivedAt"`
	ValidUntil time.Time       `json:"validUntil"`
	OffMarket  bool            `json:"offMarket,omitempty"` // price failed sanity vs reference mid
}

// RFQ is the request-for-quote aggregate. Version is monotonic and
// increments on every mutation; all command handlers use it for optimistic
// concurrency. Quotes maps quoteId → Quote.
type RFQ struct {
	RFQID           string           `json:"rfqId"`
	TenantID        string           `json:"tenantId"`
	RequesterID     string           `json:"requesterId"`
	InstrumentID    string           `json:"instrumentId"`
	Side            Side             `json:"side"`
	Size            decimal.Decimal  `json:"size"`
	Venue           string           `json:"venue,omitempty"`
	ExpiresAt       time.Time        `json:"expiresAt"`
	Status          RFQStatus        `json:"status"`
	Version         int64            `json:"version"`
	Quotes          map[string]Quote `json:"quotes"`
	AcceptedQuoteID string           `json:"acceptedQuoteId,omitempty"`
	AcceptKey       string           `json:"acceptKey,omitempty"` // idempotency key of the accept command
	RoutedLPs       []string         `json:"routedLPs,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Clone returns a deep copy. The storage layer hands out clones so callers
// never alias a stored aggregate.
func (r *RFQ) Clone() *RFQ {
	cp := *r
	cp.Quotes = make(map[string]Quote, len(r.Quotes))
	for id, q := range r.Quotes {
		cp.Quotes[id] = q
	}
	cp.RoutedLPs = append([]string(nil), r.RoutedLPs...)
	return &cp
}

// RankedQuote is one entry of the observable per-RFQ quote ranking.
type RankedQuote struct {
	Quote     Quote `json:"quote"`
	Rank      int   `json:"rank"`
	IsBestBid bool  `json:"isBestBid"`
	IsBestAsk bool  `json:"isBestAsk"`
}

// ————————————————————————————————————————————————————————————————————————
// Order aggregate
// ————————————————————————————————————————————————————————————————————————

// Order is the OMS aggregate. ClientIdempotencyKey is unique within
// (tenantId, ownerId); re-submission with the same key returns the original
// order without side effects.
type Order struct {
	OrderID              string          `json:"orderId"`
	TenantID             string          `json:"tenantId"`
	OwnerID              string          `json:"ownerId"`
	InstrumentID         string          `json:"instrumentId"`
	Side                 Side            `json:"side"`
	Qty                  decimal.Decimal `json:"qty"`
	FilledQty            decimal.Decimal `json:"filledQty"`
	LimitPrice           decimal.Decimal `json:"limitPrice"`
	TimeInForce          TimeInForce     `json:"timeInForce"`
	Status               OrderStatus     `json:"status"`
	Version              int64           `json:"version"`
	ClientIdempotencyKey string          `json:"clientIdempotencyKey"`
	CreatedAt            time.Time       `json:"createdAt"`
	UpdatedAt            time.Time       `json:"updatedAt"`
}

// Remaining returns the unfilled quantity.
func (o *Order) Remaining() decimal.Decimal {
	return o.Qty.Sub(o.FilledQty)
}

// Clone returns a copy of the order.
func (o *Order) Clone() *Order {
	cp := *o
	return &cp
}

// Fill records one execution against an order.
type Fill struct {
	FillID   string          `json:"fillId"`
	OrderID  string          `json:"orderId"`
	TenantID string          `json:"tenantId"`
	Qty      decimal.Decimal `json:"qty"`
	Price    decimal.Decimal `json:"price"`
	FilledAt time.Time       `json:"filledAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Trades & settlement
// ————————————————————————————————————————————————————————————————————————

// Trade is immutable once created. (RFQID, AcceptedQuoteID) is an alternate
// unique key when both are present — the dedup guard that makes trade
// creation at-most-once per quote acceptance. Both are empty for
// book-originated trades.
type Trade struct {
	TradeID         string          `json:"tradeId"`
	TenantID        string          `json:"tenantId"`
	RFQID           string          `json:"rfqId,omitempty"`
	AcceptedQuoteID string          `json:"acceptedQuoteId,omitempty"`
	InstrumentID    string          `json:"instrumentId"`
	Side            Side            `json:"side"`
	Qty             decimal.Decimal `json:"qty"`
	Price           decimal.Decimal `json:"price"`
	BuyerParty      string          `json:"buyerParty"`
	SellerParty     string          `json:"sellerParty"`
	Venue           string          `json:"venue"`
	ExecutedAt      time.Time       `json:"executedAt"`
}

// SettlementRecord tracks settlement progress for one trade. Retries are
// bounded; FAILED_FINAL is terminal.
type SettlementRecord struct {
	TradeID       string           `json:"tradeId"`
	TenantID      string           `json:"tenantId"`
	Venue         string           `json:"venue"`
	Status        SettlementStatus `json:"status"`
	Attempts      int              `json:"attempts"`
	NextAttemptAt time.Time        `json:"nextAttemptAt"`
	LastError     string           `json:"lastError,omitempty"`
	UpdatedAt     time.Time        `json:"updatedAt"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Tick is one normalized market-data update. Immutable. Sequence is
// per-instrument monotonic, assigned by the ingestor; Late marks ticks whose
// source timestamp arrived behind the latest by more than the configured
// threshold. Stale is set on the cached tick while the feed is silent.
type Tick struct {
	InstrumentID string          `json:"instrumentId"`
	Bid          decimal.Decimal `json:"bid"`
	Ask          decimal.Decimal `json:"ask"`
	Mid          decimal.Decimal `json:"mid"`
	Timestamp    time.Time       `json:"timestamp"`
	Source       string          `json:"source"`
	Sequence     uint64          `json:"sequence"`
	Stale        bool            `json:"stale,omitempty"`
	Indicative   bool            `json:"indicative,omitempty"`
	Late         bool            `json:"late,omitempty"`
}

// Spread returns ask − bid.
func (t Tick) Spread() decimal.Decimal {
	return t.Ask.Sub(t.Bid)
}

// ————————————————————————————————————————————————————————————————————————
// Reference data
// ————————————————————————————————————————————————————————————————————————

// Instrument is the tradeable-instrument registry entry. Size bounds are
// validated on every RFQ and order; non-lot-multiple sizes produce warnings
// only.
type Instrument struct {
	InstrumentID string          `json:"instrumentId"`
	AssetClass   string          `json:"assetClass"`
	MinSize      decimal.Decimal `json:"minSize"`
	MaxSize      decimal.Decimal `json:"maxSize"`
	LotSize      decimal.Decimal `json:"lotSize"`
	Active       bool            `json:"active"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Venue is an execution/settlement venue registry entry.
type Venue struct {
	VenueID            string `json:"venueId"`
	Name               string `json:"name"`
	SettlementEndpoint string `json:"settlementEndpoint,omitempty"`
	MaxSettleAttempts  int    `json:"maxSettleAttempts,omitempty"` // 0 = use global default
	Active             bool   `json:"active"`
}

// LiquidityProvider is an LP registry entry used for RFQ routing. An empty
// Instruments set means the LP quotes everything; Tenants restricts which
// tenants may route to it.
type LiquidityProvider struct {
	LPID          string   `json:"lpId"`
	Name          string   `json:"name"`
	Instruments   []string `json:"instruments,omitempty"`
	Tenants       []string `json:"tenants,omitempty"`
	MaxRFQsPerSec float64  `json:"maxRfqsPerSec,omitempty"`
	Active        bool     `json:"active"`
}

// Entitlements is the caller's permission set, extracted from bearer-token
// claims by the transport layer. Empty sets mean "unrestricted".
type Entitlements struct {
	AssetClasses []string        `json:"assetClasses,omitempty"`
	Instruments  []string        `json:"instruments,omitempty"`
	Venues       []string        `json:"venues,omitempty"`
	MaxNotional  decimal.Decimal `json:"maxNotional"` // zero = unlimited
}

// covers reports whether the allowed set permits the target.
// An empty list is unrestricted.
func covers(allowed []string, target string) bool {
	if len(allowed) == 0 || target == "" {
		return true
	}
	for _, a := range allowed {
		if a == target {
			return true
		}
	}
	return false
}

// CoversInstrument reports whether the instrument is entitled.
func (e Entitlements) CoversInstrument(instrumentID string) bool {
	return covers(e.Instruments, instrumentID)
}

// CoversVenue reports whether the venue is entitled.
func (e Entitlements) CoversVenue(venueID string) bool {
	return covers(e.Venues, venueID)
}

// CoversAssetClass reports whether the asset class is entitled.
func (e Entitlements) CoversAssetClass(assetClass string) bool {
	return covers(e.AssetClasses, assetClass)
}
