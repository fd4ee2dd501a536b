package event

import "fmt"

// Event types recognized by the core. Consumers must tolerate values not
// listed here — the catalog enumerates, it does not gatekeep.
const (
	// Market data
	TypeMarketTickReceived      = "MarketTickReceived"
	TypeMarketSnapshotUpdated   = "MarketSnapshotUpdated"
	TypeMarketDataStaleDetected = "MarketDataStaleDetected"
	TypeMarketDataResumed       = "MarketDataResumed"

	// RFQ lifecycle
	TypeRFQCreated              = "RFQCreated"
	TypeRFQSent                 = "RFQSent"
	TypeQuoteReceived           = "QuoteReceived"
	TypeQuoteAccepted           = "QuoteAccepted"
	TypeQuoteAcceptanceRejected = "QuoteAcceptanceRejected"
	TypeRFQExpired              = "RFQExpired"
	TypeRFQCancelled            = "RFQCancelled"
	TypeRFQTraded               = "RFQTraded"

	// Orders
	TypeOrderPlaced       = "OrderPlaced"
	TypeOrderAcknowledged = "OrderAcknowledged"
	TypeOrderRejected     = "OrderRejected"
	TypeOrderCancelled    = "OrderCancelled"
	TypeOrderAmended      = "OrderAmended"
	TypeOrderFilled       = "OrderFilled"

	// Execution & post-trade
	TypeTradeExecuted       = "TradeExecuted"
	TypeTradeConfirmed      = "TradeConfirmed"
	TypeSettlementRequested = "SettlementRequested"
	TypeSettlementCompleted = "SettlementCompleted"
	TypeSettlementFailed    = "SettlementFailed"

	// Risk & admin
	TypeRiskLimitBreached  = "RiskLimitBreached"
	TypeKillSwitchEnabled  = "KillSwitchEnabled"
	TypeKillSwitchDisabled = "KillSwitchDisabled"
	TypeLimitsUpdated      = "LimitsUpdated"
	TypeInstrumentUpdated  = "InstrumentUpdated"
	TypeVenueUpdated       = "VenueUpdated"
	TypeLPConfigUpdated    = "LPConfigUpdated"
	TypeOperatorAlert      = "OperatorAlert"
)

// Entity types.
const (
	EntityRFQ        = "RFQ"
	EntityOrder      = "Order"
	EntityTrade      = "Trade"
	EntitySettlement = "Settlement"
	EntityInstrument = "Instrument"
	EntityVenue      = "Venue"
	EntityLP         = "LiquidityProvider"
	EntityTenant     = "Tenant"
	EntityControl    = "Control"
)

// Streams, combined with the environment into topic names
// <env>.<domain>.<stream>.v<major>.
const (
	StreamMarketTicks  = "marketdata.ticks"
	StreamRFQLifecycle = "rfq.lifecycle"
	StreamRFQQuotes    = "rfq.quotes"
	StreamOrders       = "oms.orders"
	StreamTrades       = "execution.trades"
	StreamSettlement   = "posttrade.settlement"
	StreamRiskAlerts   = "risk.alerts"
	StreamControl      = "risk.control"
)

// Topic builds a versioned topic name, e.g. dev.rfq.lifecycle.v1.
func Topic(env, stream string, major int) string {
	return fmt.Sprintf("%s.%s.v%d", env, stream, major)
}

// DLQTopic builds the dead-letter topic for a service,
// e.g. dev.dlq.execution.v1.
func DLQTopic(env, service string, major int) string {
	return fmt.Sprintf("%s.dlq.%s.v%d", env, service, major)
}

// streamByType routes each event type to its home stream. Types not listed
// default to the risk alert stream so nothing is silently dropped.
var streamByType = map[string]string{
	TypeMarketTickReceived:      StreamMarketTicks,
	TypeMarketSnapshotUpdated:   StreamMarketTicks,
	TypeMarketDataStaleDetected: StreamMarketTicks,
	TypeMarketDataResumed:       StreamMarketTicks,

	TypeRFQCreated:              StreamRFQLifecycle,
	TypeRFQSent:                 StreamRFQLifecycle,
	TypeQuoteAccepted:           StreamRFQLifecycle,
	TypeQuoteAcceptanceRejected: StreamRFQLifecycle,
	TypeRFQExpired:              StreamRFQLifecycle,
	TypeRFQCancelled:            StreamRFQLifecycle,
	TypeRFQTraded:               StreamRFQLifecycle,
	TypeQuoteReceived:           StreamRFQQuotes,

	TypeOrderPlaced:       StreamOrders,
	TypeOrderAcknowledged: StreamOrders,
	TypeOrderRejected:     StreamOrders,
	TypeOrderCancelled:    StreamOrders,
	TypeOrderAmended:      StreamOrders,
	TypeOrderFilled:       StreamOrders,

	TypeTradeExecuted:       StreamTrades,
	TypeTradeConfirmed:      StreamSettlement,
	TypeSettlementRequested: StreamSettlement,
	TypeSettlementCompleted: StreamSettlement,
	TypeSettlementFailed:    StreamSettlement,

	TypeRiskLimitBreached:  StreamRiskAlerts,
	TypeOperatorAlert:      StreamRiskAlerts,
	TypeKillSwitchEnabled:  StreamControl,
	TypeKillSwitchDisabled: StreamControl,
	TypeLimitsUpdated:      StreamControl,
	TypeInstrumentUpdated:  StreamControl,
	TypeVenueUpdated:       StreamControl,
	TypeLPConfigUpdated:    StreamControl,
}

// StreamFor returns the stream an event type publishes to.
func StreamFor(eventType string) string {
	if s, ok := streamByType[eventType]; ok {
		return s
	}
	return StreamRiskAlerts
}

// PartitionKey returns the log partition key for an envelope. Entity id
// keys give per-entity FIFO; control events broadcast on a single key so
// every gate instance sees them in one order.
func PartitionKey(e Envelope) string {
	switch StreamFor(e.EventType) {
	case StreamControl:
		return "control"
	default:
		return e.Entity.EntityID
	}
}
