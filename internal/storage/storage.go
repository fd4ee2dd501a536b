// Package storage persists operational state: aggregates, trades,
// settlement records, the transactional outbox, consumer dedup marks, and
// the dead-letter queue.
//
// Two implementations share the contract: Postgres (pgx) for deployments
// and an in-memory store for tests and single-process runs. Aggregate
// writers must use WithTx so state changes and their outbox events commit
// atomically.
package storage

import (
	"context"
	"errors"
	"time"

	"orion/pkg/types"
)

// Sentinel errors. Services map these onto command error codes.
var (
	ErrNotFound  = errors.New("storage: not found")
	ErrConflict  = errors.New("storage: version conflict")
	ErrDuplicate = errors.New("storage: duplicate key")
)

// OutboxRecord is one pending (or published) event in the outbox table.
type OutboxRecord struct {
	ID            int64
	EventID       string
	Topic         string
	Key           string
	Payload       []byte
	CreatedAt     time.Time
	PublishedAt   *time.Time
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// DLQRecord is one dead-lettered event, kept for operator replay.
type DLQRecord struct {
	ID       int64
	Service  string
	EventID  string
	Topic    string
	Key      string
	Payload  []byte
	Reason   string
	FailedAt time.Time
	Replayed bool
}

// AuditEntry is one append-only audit record. Audit rows are never updated
// or deleted.
type AuditEntry struct {
	ID       int64
	TenantID string
	Actor    string
	Command  string
	EntityID string
	Outcome  string // "ok" or an error code
	Detail   string
	At       time.Time
}

// RFQStore persists RFQ aggregates.
type RFQStore interface {
	Insert(ctx context.Context, rfq *types.RFQ) error
	Get(ctx context.Context, tenantID, rfqID string) (*types.RFQ, error)
	// Update applies rfq (already carrying the new version) only if the
	// stored version equals expectedVersion; otherwise ErrConflict.
	Update(ctx context.Context, rfq *types.RFQ, expectedVersion int64) error
	// ListOpenExpired returns non-terminal, non-ACCEPTED RFQs whose
	// expiresAt is at or before now.
	ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]*types.RFQ, error)
}

// OrderStore persists order aggregates and their fills.
type OrderStore interface {
	Insert(ctx context.Context, o *types.Order) error
	Get(ctx context.Context, tenantID, orderID string) (*types.Order, error)
	// GetByClientKey resolves a placeOrder replay.
	GetByClientKey(ctx context.Context, tenantID, ownerID, clientKey string) (*types.Order, error)
	Update(ctx context.Context, o *types.Order, expectedVersion int64) error
	InsertFill(ctx context.Context, f types.Fill) error
	ListFills(ctx context.Context, orderID string) ([]types.Fill, error)
}

// TradeStore persists immutable trades. Insert returns ErrDuplicate when a
// trade for the same (rfqId, acceptedQuoteId) already exists.
type TradeStore interface {
	Insert(ctx context.Context, t types.Trade) error
	Get(ctx context.Context, tenantID, tradeID string) (types.Trade, error)
	GetByAcceptance(ctx context.Context, rfqID, quoteID string) (types.Trade, error)
	List(ctx context.Context, tenantID string, limit int) ([]types.Trade, error)
}

// SettlementStore tracks settlement progress per trade.
type SettlementStore interface {
	Upsert(ctx context.Context, rec types.SettlementRecord) error
	Get(ctx context.Context, tradeID string) (types.SettlementRecord, error)
	// ListDue returns PENDING and RETRYING records whose nextAttemptAt is
	// at or before now, plus SETTLING records not updated since
	// stuckBefore. A SETTLING row is a live worker's claim until it goes
	// stale, which means the worker died mid-attempt.
	ListDue(ctx context.Context, now, stuckBefore time.Time, limit int) ([]types.SettlementRecord, error)
}

// OutboxStore is the transactional outbox. Append runs inside the same
// transaction as the aggregate write; the relay claims, publishes, and
// marks.
type OutboxStore interface {
	Append(ctx context.Context, recs ...OutboxRecord) error
	// ClaimUnpublished locks up to limit unpublished records due for
	// delivery, in insertion order. Concurrent relays skip each other's
	// claims.
	ClaimUnpublished(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error)
	MarkPublished(ctx context.Context, at time.Time, ids ...int64) error
	MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error
	Delete(ctx context.Context, ids ...int64) error
}

// ProcessedStore is the consumer dedup ledger: one row per
// (tenantId, consumerGroup, eventId).
type ProcessedStore interface {
	// Mark records the event as processed, or returns ErrDuplicate if it
	// already was.
	Mark(ctx context.Context, tenantID, group, eventID string, at time.Time) error
}

// DLQStore stores poison messages for inspection and replay.
type DLQStore interface {
	Append(ctx context.Context, rec DLQRecord) (int64, error)
	List(ctx context.Context, service string, limit int) ([]DLQRecord, error)
	Get(ctx context.Context, id int64) (DLQRecord, error)
	MarkReplayed(ctx context.Context, id int64) error
}

// AuditStore records command outcomes.
type AuditStore interface {
	Append(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error)
}

// Tx is the set of stores visible inside one transaction.
type Tx interface {
	RFQs() RFQStore
	Orders() OrderStore
	Trades() TradeStore
	Settlements() SettlementStore
	Outbox() OutboxStore
	Processed() ProcessedStore
	DLQ() DLQStore
	Audit() AuditStore
}

// DB is the root handle. Store accessors outside WithTx auto-commit per
// call; WithTx commits fn's writes atomically, rolling back on error.
type DB interface {
	Tx
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Close()
}
