package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"orion/pkg/types"
)

// PostgresDB backs storage with a pgx connection pool. Aggregates live as
// JSONB documents alongside the columns that queries and constraints need
// (version, status, expiry, unique keys).
type PostgresDB struct {
	pool *pgxpool.Pool
}

func NewPostgresDB(ctx context.Context, dsn string) (*PostgresDB, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &PostgresDB{pool: pool}, nil
}

func (db *PostgresDB) Close() { db.pool.Close() }

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// WithTx runs fn in a single transaction, committing on nil and rolling
// back otherwise.
func (db *PostgresDB) WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error {
	return pgx.BeginFunc(ctx, db.pool, func(ptx pgx.Tx) error {
		return fn(ctx, pgTx{q: ptx})
	})
}

func (db *PostgresDB) RFQs() RFQStore               { return pgRFQs{db.pool} }
func (db *PostgresDB) Orders() OrderStore           { return pgOrders{db.pool} }
func (db *PostgresDB) Trades() TradeStore           { return pgTrades{db.pool} }
func (db *PostgresDB) Settlements() SettlementStore { return pgSettlements{db.pool} }
func (db *PostgresDB) Outbox() OutboxStore          { return pgOutbox{db.pool} }
func (db *PostgresDB) Processed() ProcessedStore    { return pgProcessed{db.pool} }
func (db *PostgresDB) DLQ() DLQStore                { return pgDLQ{db.pool} }
func (db *PostgresDB) Audit() AuditStore            { return pgAudit{db.pool} }

type pgTx struct{ q querier }

func (t pgTx) RFQs() RFQStore               { return pgRFQs{t.q} }
func (t pgTx) Orders() OrderStore           { return pgOrders{t.q} }
func (t pgTx) Trades() TradeStore           { return pgTrades{t.q} }
func (t pgTx) Settlements() SettlementStore { return pgSettlements{t.q} }
func (t pgTx) Outbox() OutboxStore          { return pgOutbox{t.q} }
func (t pgTx) Processed() ProcessedStore    { return pgProcessed{t.q} }
func (t pgTx) DLQ() DLQStore                { return pgDLQ{t.q} }
func (t pgTx) Audit() AuditStore            { return pgAudit{t.q} }

// translateErr maps driver errors onto the storage sentinels.
func translateErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicate
	}
	return err
}

// ─── RFQs ───────────────────────────────────────────────────────────────────

type pgRFQs struct{ q querier }

func (s pgRFQs) Insert(ctx context.Context, rfq *types.RFQ) error {
	doc, err := json.Marshal(rfq)
	if err != nil {
		return fmt.Errorf("marshal rfq: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO rfqs (tenant_id, rfq_id, status, expires_at, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		rfq.TenantID, rfq.RFQID, string(rfq.Status), rfq.ExpiresAt, rfq.Version, doc)
	return translateErr(err)
}

func (s pgRFQs) Get(ctx context.Context, tenantID, rfqID string) (*types.RFQ, error) {
	var doc []byte
	err := s.q.QueryRow(ctx,
		`SELECT doc FROM rfqs WHERE tenant_id = $1 AND rfq_id = $2`,
		tenantID, rfqID).Scan(&doc)
	if err != nil {
		return nil, translateErr(err)
	}
	var rfq types.RFQ
	if err := json.Unmarshal(doc, &rfq); err != nil {
		return nil, fmt.Errorf("unmarshal rfq %s: %w", rfqID, err)
	}
	return &rfq, nil
}

func (s pgRFQs) Update(ctx context.Context, rfq *types.RFQ, expectedVersion int64) error {
	doc, err := json.Marshal(rfq)
	if err != nil {
		return fmt.Errorf("marshal rfq: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE rfqs SET status = $1, expires_at = $2, version = $3, doc = $4
		WHERE tenant_id = $5 AND rfq_id = $6 AND version = $7`,
		string(rfq.Status), rfq.ExpiresAt, rfq.Version, doc,
		rfq.TenantID, rfq.RFQID, expectedVersion)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		// Distinguish a missing row from a lost race.
		var n int
		if err := s.q.QueryRow(ctx,
			`SELECT 1 FROM rfqs WHERE tenant_id = $1 AND rfq_id = $2`,
			rfq.TenantID, rfq.RFQID).Scan(&n); err != nil {
			return translateErr(err)
		}
		return ErrConflict
	}
	return nil
}

func (s pgRFQs) ListOpenExpired(ctx context.Context, now time.Time, limit int) ([]*types.RFQ, error) {
	rows, err := s.q.Query(ctx, `
		SELECT doc FROM rfqs
		WHERE status IN ('CREATED', 'SENT', 'QUOTING') AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2`, now, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []*types.RFQ
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rfq types.RFQ
		if err := json.Unmarshal(doc, &rfq); err != nil {
			return nil, fmt.Errorf("unmarshal rfq: %w", err)
		}
		out = append(out, &rfq)
	}
	return out, rows.Err()
}

// ─── Orders ─────────────────────────────────────────────────────────────────

type pgOrders struct{ q querier }

func (s pgOrders) Insert(ctx context.Context, o *types.Order) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO orders (tenant_id, order_id, owner_id, client_key, version, doc)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		o.TenantID, o.OrderID, o.OwnerID, o.ClientIdempotencyKey, o.Version, doc)
	return translateErr(err)
}

func (s pgOrders) Get(ctx context.Context, tenantID, orderID string) (*types.Order, error) {
	return s.scanOne(ctx,
		`SELECT doc FROM orders WHERE tenant_id = $1 AND order_id = $2`,
		tenantID, orderID)
}

func (s pgOrders) GetByClientKey(ctx context.Context, tenantID, ownerID, clientKey string) (*types.Order, error) {
	return s.scanOne(ctx,
		`SELECT doc FROM orders WHERE tenant_id = $1 AND owner_id = $2 AND client_key = $3`,
		tenantID, ownerID, clientKey)
}

func (s pgOrders) scanOne(ctx context.Context, sql string, args ...any) (*types.Order, error) {
	var doc []byte
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&doc); err != nil {
		return nil, translateErr(err)
	}
	var o types.Order
	if err := json.Unmarshal(doc, &o); err != nil {
		return nil, fmt.Errorf("unmarshal order: %w", err)
	}
	return &o, nil
}

func (s pgOrders) Update(ctx context.Context, o *types.Order, expectedVersion int64) error {
	doc, err := json.Marshal(o)
	if err != nil {
		return fmt.Errorf("marshal order: %w", err)
	}
	tag, err := s.q.Exec(ctx, `
		UPDATE orders SET version = $1, doc = $2
		WHERE tenant_id = $3 AND order_id = $4 AND version = $5`,
		o.Version, doc, o.TenantID, o.OrderID, expectedVersion)
	if err != nil {
		return translateErr(err)
	}
	if tag.RowsAffected() == 0 {
		var n int
		if err := s.q.QueryRow(ctx,
			`SELECT 1 FROM orders WHERE tenant_id = $1 AND order_id = $2`,
			o.TenantID, o.OrderID).Scan(&n); err != nil {
			return translateErr(err)
		}
		return ErrConflict
	}
	return nil
}

func (s pgOrders) InsertFill(ctx context.Context, f types.Fill) error {
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal fill: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO fills (fill_id, order_id, tenant_id, filled_at, doc)
		VALUES ($1, $2, $3, $4, $5)`,
		f.FillID, f.OrderID, f.TenantID, f.FilledAt, doc)
	return translateErr(err)
}

func (s pgOrders) ListFills(ctx context.Context, orderID string) ([]types.Fill, error) {
	rows, err := s.q.Query(ctx,
		`SELECT doc FROM fills WHERE order_id = $1 ORDER BY filled_at`, orderID)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []types.Fill
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var f types.Fill
		if err := json.Unmarshal(doc, &f); err != nil {
			return nil, fmt.Errorf("unmarshal fill: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}
