package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"orion/pkg/types"
)

// MemoryDB keeps everything in maps under one mutex. WithTx snapshots the
// state and restores it if fn fails, so callers get the same
// commit-or-nothing contract as Postgres. Aggregates are cloned on the way
// in and out; callers never alias stored state.
type MemoryDB struct {
	mu    sync.Mutex
	state *memState
}

type memState struct {
	rfqs        map[string]*types.RFQ   // tenant|rfqId
	orders      map[string]*types.Order // tenant|orderId
	orderByKey  map[string]string       // tenant|owner|clientKey -> tenant|orderId
	fills       map[string][]types.Fill // orderId
	trades      map[string]types.Trade  // tenant|tradeId
	tradeByAcpt map[string]string       // rfqId|quoteId -> tenant|tradeId
	settlements map[string]types.SettlementRecord // tradeId
	outbox      []OutboxRecord
	outboxSeq   int64
	processed   map[string]time.Time // tenant|group|eventId
	dlq         []DLQRecord
	dlqSeq      int64
	audit       []AuditEntry
	auditSeq    int64
}

func newMemState() *memState {
	return &memState{
		rfqs:        make(map[string]*types.RFQ),
		orders:      make(map[string]*types.Order),
		orderByKey:  make(map[string]string),
		fills:       make(map[string][]types.Fill),
		trades:      make(map[string]types.Trade),
		tradeByAcpt: make(map[string]string),
		settlements: make(map[string]types.SettlementRecord),
		processed:   make(map[string]time.Time),
	}
}

func (s *memState) clone() *memState {
	cp := &memState{
		rfqs:        make(map[string]*types.RFQ, len(s.rfqs)),
		orders:      make(map[string]*types.Order, len(s.orders)),
		orderByKey:  make(map[string]string, len(s.orderByKey)),
		fills:       make(map[string][]types.Fill, len(s.fills)),
		trades:      make(map[string]types.Trade, len(s.trades)),
		tradeByAcpt: make(map[string]string, len(s.tradeByAcpt)),
		settlements: make(map[string]types.SettlementRecord, len(s.settlements)),
		outbox:      append([]OutboxRecord(nil), s.outbox...),
		outboxSeq:   s.outboxSeq,
		processed:   make(map[string]time.Time, len(s.processed)),
		dlq:         append([]DLQRecord(nil), s.dlq...),
		dlqSeq:      s.dlqSeq,
		audit:       append([]AuditEntry(nil), s.audit...),
		auditSeq:    s.auditSeq,
	}
	for k, v := range s.rfqs {
		cp.rfqs[k] = v.Clone()
	}
	for k, v := range s.orders {
		cp.orders[k] = v.Clone()
	}
	for k, v := range s.orderByKey {
		cp.orderByKey[k] = v
	}
	for k, v := range s.fills {
		cp.fills[k] = append([]types.Fill(nil), v...)
	}
	for k, v := range s.trades {
		cp.trades[k] = v
	}
	for k, v := range s.tradeByAcpt {
		cp.tradeByAcpt[k] = v
	}
	for k, v := range s.settlements {
		cp.settlements[k] = v
	}
	for k, v := range s.processed {
		cp.processed[k] = v
	}
	return cp
}

func NewMemoryDB() *MemoryDB {
	return &MemoryDB{state: newMemState()}
}

func memKey(parts ...string) string {
	out := parts[0]
	for _, p := range parts[1:] {
		out += "|" + p
	}
	return out
}

// WithTx runs fn under the store lock; on error the pre-tx snapshot is
// restored.
func (db *MemoryDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	snapshot := db.state.clone()
	if err := fn(ctx, &memTx{db: db}); err != nil {
		db.state = snapshot
		return err
	}
	return nil
}

func (db *MemoryDB) Close() {}

// Auto-commit accessors: each store method takes the lock itself.
func (db *MemoryDB) RFQs() RFQStore               { return memRFQs{db, true} }
func (db *MemoryDB) Orders() OrderStore           { return memOrders{db, true} }
func (db *MemoryDB) Trades() TradeStore           { return memTrades{db, true} }
func (db *MemoryDB) Settlements() SettlementStore { return memSettlements{db, true} }
func (db *MemoryDB) Outbox() OutboxStore          { return memOutbox{db, true} }
func (db *MemoryDB) Processed() ProcessedStore    { return memProcessed{db, true} }
func (db *MemoryDB) DLQ() DLQStore                { return memDLQ{db, true} }
func (db *MemoryDB) Audit() AuditStore            { return memAudit{db, true} }

// memTx hands out stores that rely on the lock WithTx already holds.
type memTx struct{ db *MemoryDB }

func (t *memTx) RFQs() RFQStore               { return memRFQs{t.db, false} }
func (t *memTx) Orders() OrderStore           { return memOrders{t.db, false} }
func (t *memTx) Trades() TradeStore           { return memTrades{t.db, false} }
func (t *memTx) Settlements() SettlementStore { return memSettlements{t.db, false} }
func (t *memTx) Outbox() OutboxStore          { return memOutbox{t.db, false} }
func (t *memTx) Processed() ProcessedStore    { return memProcessed{t.db, false} }
func (t *memTx) DLQ() DLQStore                { return memDLQ{t.db, false} }
func (t *memTx) Audit() AuditStore            { return memAudit{t.db, false} }

type memStore struct {
	db       *MemoryDB
	autoLock bool
}

func (s memStore) enter() func() {
	if !s.autoLock {
		return func() {}
	}
	s.db.mu.Lock()
	return s.db.mu.Unlock
}

// ─── RFQs ───────────────────────────────────────────────────────────────────

type memRFQs memStore

func (s memRFQs) Insert(_ context.Context, rfq *types.RFQ) error {
	defer memStore(s).enter()()
	k := memKey(rfq.TenantID, rfq.RFQID)
	if _, ok := s.db.state.rfqs[k]; ok {
		return ErrDuplicate
	}
	s.db.state.rfqs[k] = rfq.Clone()
	return nil
}

func (s memRFQs) Get(_ context.Context, tenantID, rfqID string) (*types.RFQ, error) {
	defer memStore(s).enter()()
	rfq, ok := s.db.state.rfqs[memKey(tenantID, rfqID)]
	if !ok {
		return nil, ErrNotFound
	}
	return rfq.Clone(), nil
}

func (s memRFQs) Update(_ context.Context, rfq *types.RFQ, expectedVersion int64) error {
	defer memStore(s).enter()()
	k := memKey(rfq.TenantID, rfq.RFQID)
	cur, ok := s.db.state.rfqs[k]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	s.db.state.rfqs[k] = rfq.Clone()
	return nil
}

func (s memRFQs) ListOpenExpired(_ context.Context, now time.Time, limit int) ([]*types.RFQ, error) {
	defer memStore(s).enter()()
	var out []*types.RFQ
	for _, rfq := range s.db.state.rfqs {
		switch rfq.Status {
		case types.RFQCreated, types.RFQSent, types.RFQQuoting:
			if !rfq.ExpiresAt.After(now) {
				out = append(out, rfq.Clone())
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Orders ─────────────────────────────────────────────────────────────────

type memOrders memStore

func (s memOrders) Insert(_ context.Context, o *types.Order) error {
	defer memStore(s).enter()()
	k := memKey(o.TenantID, o.OrderID)
	if _, ok := s.db.state.orders[k]; ok {
		return ErrDuplicate
	}
	ck := memKey(o.TenantID, o.OwnerID, o.ClientIdempotencyKey)
	if _, ok := s.db.state.orderByKey[ck]; ok {
		return ErrDuplicate
	}
	s.db.state.orders[k] = o.Clone()
	s.db.state.orderByKey[ck] = k
	return nil
}

func (s memOrders) Get(_ context.Context, tenantID, orderID string) (*types.Order, error) {
	defer memStore(s).enter()()
	o, ok := s.db.state.orders[memKey(tenantID, orderID)]
	if !ok {
		return nil, ErrNotFound
	}
	return o.Clone(), nil
}

func (s memOrders) GetByClientKey(_ context.Context, tenantID, ownerID, clientKey string) (*types.Order, error) {
	defer memStore(s).enter()()
	k, ok := s.db.state.orderByKey[memKey(tenantID, ownerID, clientKey)]
	if !ok {
		return nil, ErrNotFound
	}
	return s.db.state.orders[k].Clone(), nil
}

func (s memOrders) Update(_ context.Context, o *types.Order, expectedVersion int64) error {
	defer memStore(s).enter()()
	k := memKey(o.TenantID, o.OrderID)
	cur, ok := s.db.state.orders[k]
	if !ok {
		return ErrNotFound
	}
	if cur.Version != expectedVersion {
		return ErrConflict
	}
	s.db.state.orders[k] = o.Clone()
	return nil
}

func (s memOrders) InsertFill(_ context.Context, f types.Fill) error {
	defer memStore(s).enter()()
	for _, existing := range s.db.state.fills[f.OrderID] {
		if existing.FillID == f.FillID {
			return ErrDuplicate
		}
	}
	s.db.state.fills[f.OrderID] = append(s.db.state.fills[f.OrderID], f)
	return nil
}

func (s memOrders) ListFills(_ context.Context, orderID string) ([]types.Fill, error) {
	defer memStore(s).enter()()
	return append([]types.Fill(nil), s.db.state.fills[orderID]...), nil
}

// ─── Trades ─────────────────────────────────────────────────────────────────

type memTrades memStore

func (s memTrades) Insert(_ context.Context, t types.Trade) error {
	defer memStore(s).enter()()
	k := memKey(t.TenantID, t.TradeID)
	if _, ok := s.db.state.trades[k]; ok {
		return ErrDuplicate
	}
	if t.RFQID != "" && t.AcceptedQuoteID != "" {
		ak := memKey(t.RFQID, t.AcceptedQuoteID)
		if _, ok := s.db.state.tradeByAcpt[ak]; ok {
			return ErrDuplicate
		}
		s.db.state.tradeByAcpt[ak] = k
	}
	s.db.state.trades[k] = t
	return nil
}

func (s memTrades) Get(_ context.Context, tenantID, tradeID string) (types.Trade, error) {
	defer memStore(s).enter()()
	t, ok := s.db.state.trades[memKey(tenantID, tradeID)]
	if !ok {
		return types.Trade{}, ErrNotFound
	}
	return t, nil
}

func (s memTrades) GetByAcceptance(_ context.Context, rfqID, quoteID string) (types.Trade, error) {
	defer memStore(s).enter()()
	k, ok := s.db.state.tradeByAcpt[memKey(rfqID, quoteID)]
	if !ok {
		return types.Trade{}, ErrNotFound
	}
	return s.db.state.trades[k], nil
}

func (s memTrades) List(_ context.Context, tenantID string, limit int) ([]types.Trade, error) {
	defer memStore(s).enter()()
	var out []types.Trade
	for _, t := range s.db.state.trades {
		if t.TenantID == tenantID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExecutedAt.Before(out[j].ExecutedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Settlements ────────────────────────────────────────────────────────────

type memSettlements memStore

func (s memSettlements) Upsert(_ context.Context, rec types.SettlementRecord) error {
	defer memStore(s).enter()()
	s.db.state.settlements[rec.TradeID] = rec
	return nil
}

func (s memSettlements) Get(_ context.Context, tradeID string) (types.SettlementRecord, error) {
	defer memStore(s).enter()()
	rec, ok := s.db.state.settlements[tradeID]
	if !ok {
		return types.SettlementRecord{}, ErrNotFound
	}
	return rec, nil
}

func (s memSettlements) ListDue(_ context.Context, now, stuckBefore time.Time, limit int) ([]types.SettlementRecord, error) {
	defer memStore(s).enter()()
	var out []types.SettlementRecord
	for _, rec := range s.db.state.settlements {
		switch rec.Status {
		case types.SettlementPending, types.SettlementRetrying:
			if !rec.NextAttemptAt.After(now) {
				out = append(out, rec)
			}
		case types.SettlementSettling:
			// Claimed by a worker that has since died.
			if !rec.UpdatedAt.After(stuckBefore) {
				out = append(out, rec)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextAttemptAt.Before(out[j].NextAttemptAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ─── Outbox ─────────────────────────────────────────────────────────────────

type memOutbox memStore

func (s memOutbox) Append(_ context.Context, recs ...OutboxRecord) error {
	defer memStore(s).enter()()
	for _, rec := range recs {
		s.db.state.outboxSeq++
		rec.ID = s.db.state.outboxSeq
		if rec.CreatedAt.IsZero() {
			rec.CreatedAt = time.Now().UTC()
		}
		if rec.NextAttemptAt.IsZero() {
			rec.NextAttemptAt = rec.CreatedAt
		}
		s.db.state.outbox = append(s.db.state.outbox, rec)
	}
	return nil
}

func (s memOutbox) ClaimUnpublished(_ context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	defer memStore(s).enter()()
	var out []OutboxRecord
	for _, rec := range s.db.state.outbox {
		if rec.PublishedAt == nil && !rec.NextAttemptAt.After(now) {
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s memOutbox) MarkPublished(_ context.Context, at time.Time, ids ...int64) error {
	defer memStore(s).enter()()
	for i := range s.db.state.outbox {
		for _, id := range ids {
			if s.db.state.outbox[i].ID == id {
				at := at
				s.db.state.outbox[i].PublishedAt = &at
			}
		}
	}
	return nil
}

func (s memOutbox) MarkFailed(_ context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	defer memStore(s).enter()()
	for i := range s.db.state.outbox {
		if s.db.state.outbox[i].ID == id {
			s.db.state.outbox[i].Attempts = attempts
			s.db.state.outbox[i].NextAttemptAt = nextAttemptAt
			s.db.state.outbox[i].LastError = lastError
			return nil
		}
	}
	return ErrNotFound
}

func (s memOutbox) Delete(_ context.Context, ids ...int64) error {
	defer memStore(s).enter()()
	keep := s.db.state.outbox[:0]
	for _, rec := range s.db.state.outbox {
		drop := false
		for _, id := range ids {
			if rec.ID == id {
				drop = true
				break
			}
		}
		if !drop {
			keep = append(keep, rec)
		}
	}
	s.db.state.outbox = keep
	return nil
}

// ─── Processed events ───────────────────────────────────────────────────────

type memProcessed memStore

func (s memProcessed) Mark(_ context.Context, tenantID, group, eventID string, at time.Time) error {
	defer memStore(s).enter()()
	k := memKey(tenantID, group, eventID)
	if _, ok := s.db.state.processed[k]; ok {
		return ErrDuplicate
	}
	s.db.state.processed[k] = at
	return nil
}

// ─── DLQ ────────────────────────────────────────────────────────────────────

type memDLQ memStore

func (s memDLQ) Append(_ context.Context, rec DLQRecord) (int64, error) {
	defer memStore(s).enter()()
	s.db.state.dlqSeq++
	rec.ID = s.db.state.dlqSeq
	if rec.FailedAt.IsZero() {
		rec.FailedAt = time.Now().UTC()
	}
	s.db.state.dlq = append(s.db.state.dlq, rec)
	return rec.ID, nil
}

func (s memDLQ) List(_ context.Context, service string, limit int) ([]DLQRecord, error) {
	defer memStore(s).enter()()
	var out []DLQRecord
	for _, rec := range s.db.state.dlq {
		if service == "" || rec.Service == service {
			out = append(out, rec)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func (s memDLQ) Get(_ context.Context, id int64) (DLQRecord, error) {
	defer memStore(s).enter()()
	for _, rec := range s.db.state.dlq {
		if rec.ID == id {
			return rec, nil
		}
	}
	return DLQRecord{}, ErrNotFound
}

func (s memDLQ) MarkReplayed(_ context.Context, id int64) error {
	defer memStore(s).enter()()
	for i := range s.db.state.dlq {
		if s.db.state.dlq[i].ID == id {
			s.db.state.dlq[i].Replayed = true
			return nil
		}
	}
	return ErrNotFound
}

// ─── Audit ──────────────────────────────────────────────────────────────────

type memAudit memStore

func (s memAudit) Append(_ context.Context, entry AuditEntry) error {
	defer memStore(s).enter()()
	s.db.state.auditSeq++
	entry.ID = s.db.state.auditSeq
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}
	s.db.state.audit = append(s.db.state.audit, entry)
	return nil
}

func (s memAudit) List(_ context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	defer memStore(s).enter()()
	var out []AuditEntry
	for _, entry := range s.db.state.audit {
		if tenantID == "" || entry.TenantID == tenantID {
			out = append(out, entry)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}
