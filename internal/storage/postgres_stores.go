package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"orion/pkg/types"
)

// ─── Trades ─────────────────────────────────────────────────────────────────

type pgTrades struct{ q querier }

func (s pgTrades) Insert(ctx context.Context, t types.Trade) error {
	doc, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal trade: %w", err)
	}
	// The partial unique index on (rfq_id, accepted_quote_id) turns a
	// second insert for the same acceptance into a duplicate-key error.
	_, err = s.q.Exec(ctx, `
		INSERT INTO trades (tenant_id, trade_id, rfq_id, accepted_quote_id, executed_at, doc)
		VALUES ($1, $2, NULLIF($3, ''), NULLIF($4, ''), $5, $6)`,
		t.TenantID, t.TradeID, t.RFQID, t.AcceptedQuoteID, t.ExecutedAt, doc)
	return translateErr(err)
}

func (s pgTrades) Get(ctx context.Context, tenantID, tradeID string) (types.Trade, error) {
	return s.scanOne(ctx,
		`SELECT doc FROM trades WHERE tenant_id = $1 AND trade_id = $2`,
		tenantID, tradeID)
}

func (s pgTrades) GetByAcceptance(ctx context.Context, rfqID, quoteID string) (types.Trade, error) {
	return s.scanOne(ctx,
		`SELECT doc FROM trades WHERE rfq_id = $1 AND accepted_quote_id = $2`,
		rfqID, quoteID)
}

func (s pgTrades) scanOne(ctx context.Context, sql string, args ...any) (types.Trade, error) {
	var doc []byte
	if err := s.q.QueryRow(ctx, sql, args...).Scan(&doc); err != nil {
		return types.Trade{}, translateErr(err)
	}
	var t types.Trade
	if err := json.Unmarshal(doc, &t); err != nil {
		return types.Trade{}, fmt.Errorf("unmarshal trade: %w", err)
	}
	return t, nil
}

func (s pgTrades) List(ctx context.Context, tenantID string, limit int) ([]types.Trade, error) {
	rows, err := s.q.Query(ctx, `
		SELECT doc FROM trades WHERE tenant_id = $1
		ORDER BY executed_at LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []types.Trade
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var t types.Trade
		if err := json.Unmarshal(doc, &t); err != nil {
			return nil, fmt.Errorf("unmarshal trade: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// ─── Settlements ────────────────────────────────────────────────────────────

type pgSettlements struct{ q querier }

func (s pgSettlements) Upsert(ctx context.Context, rec types.SettlementRecord) error {
	doc, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal settlement: %w", err)
	}
	_, err = s.q.Exec(ctx, `
		INSERT INTO settlements (trade_id, tenant_id, status, next_attempt_at, updated_at, doc)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (trade_id)
		DO UPDATE SET status = $3, next_attempt_at = $4, updated_at = $5, doc = $6`,
		rec.TradeID, rec.TenantID, string(rec.Status), rec.NextAttemptAt, rec.UpdatedAt, doc)
	return translateErr(err)
}

func (s pgSettlements) Get(ctx context.Context, tradeID string) (types.SettlementRecord, error) {
	var doc []byte
	if err := s.q.QueryRow(ctx,
		`SELECT doc FROM settlements WHERE trade_id = $1`, tradeID).Scan(&doc); err != nil {
		return types.SettlementRecord{}, translateErr(err)
	}
	var rec types.SettlementRecord
	if err := json.Unmarshal(doc, &rec); err != nil {
		return types.SettlementRecord{}, fmt.Errorf("unmarshal settlement: %w", err)
	}
	return rec, nil
}

func (s pgSettlements) ListDue(ctx context.Context, now, stuckBefore time.Time, limit int) ([]types.SettlementRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT doc FROM settlements
		WHERE (status IN ('PENDING', 'RETRYING') AND next_attempt_at <= $1)
		   OR (status = 'SETTLING' AND updated_at <= $2)
		ORDER BY next_attempt_at
		LIMIT $3`, now, stuckBefore, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []types.SettlementRecord
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var rec types.SettlementRecord
		if err := json.Unmarshal(doc, &rec); err != nil {
			return nil, fmt.Errorf("unmarshal settlement: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// ─── Outbox ─────────────────────────────────────────────────────────────────

type pgOutbox struct{ q querier }

func (s pgOutbox) Append(ctx context.Context, recs ...OutboxRecord) error {
	for _, rec := range recs {
		now := rec.CreatedAt
		if now.IsZero() {
			now = time.Now().UTC()
		}
		next := rec.NextAttemptAt
		if next.IsZero() {
			next = now
		}
		_, err := s.q.Exec(ctx, `
			INSERT INTO outbox (event_id, topic, key, payload, created_at, next_attempt_at)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			rec.EventID, rec.Topic, rec.Key, rec.Payload, now, next)
		if err != nil {
			return translateErr(err)
		}
	}
	return nil
}

func (s pgOutbox) ClaimUnpublished(ctx context.Context, now time.Time, limit int) ([]OutboxRecord, error) {
	// SKIP LOCKED lets concurrent relays drain disjoint slices of the
	// backlog without blocking each other.
	rows, err := s.q.Query(ctx, `
		SELECT id, event_id, topic, key, payload, created_at, attempts, next_attempt_at, last_error
		FROM outbox
		WHERE published_at IS NULL AND next_attempt_at <= $1
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, now, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []OutboxRecord
	for rows.Next() {
		var rec OutboxRecord
		if err := rows.Scan(&rec.ID, &rec.EventID, &rec.Topic, &rec.Key, &rec.Payload,
			&rec.CreatedAt, &rec.Attempts, &rec.NextAttemptAt, &rec.LastError); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s pgOutbox) MarkPublished(ctx context.Context, at time.Time, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx,
		`UPDATE outbox SET published_at = $1 WHERE id = ANY($2)`, at, ids)
	return translateErr(err)
}

func (s pgOutbox) MarkFailed(ctx context.Context, id int64, attempts int, nextAttemptAt time.Time, lastError string) error {
	_, err := s.q.Exec(ctx, `
		UPDATE outbox SET attempts = $1, next_attempt_at = $2, last_error = $3
		WHERE id = $4`, attempts, nextAttemptAt, lastError, id)
	return translateErr(err)
}

func (s pgOutbox) Delete(ctx context.Context, ids ...int64) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := s.q.Exec(ctx, `DELETE FROM outbox WHERE id = ANY($1)`, ids)
	return translateErr(err)
}

// ─── Processed events ───────────────────────────────────────────────────────

type pgProcessed struct{ q querier }

func (s pgProcessed) Mark(ctx context.Context, tenantID, group, eventID string, at time.Time) error {
	_, err := s.q.Exec(ctx, `
		INSERT INTO processed_events (tenant_id, consumer_group, event_id, processed_at)
		VALUES ($1, $2, $3, $4)`,
		tenantID, group, eventID, at)
	return translateErr(err)
}

// ─── DLQ ────────────────────────────────────────────────────────────────────

type pgDLQ struct{ q querier }

func (s pgDLQ) Append(ctx context.Context, rec DLQRecord) (int64, error) {
	failedAt := rec.FailedAt
	if failedAt.IsZero() {
		failedAt = time.Now().UTC()
	}
	var id int64
	err := s.q.QueryRow(ctx, `
		INSERT INTO dlq (service, event_id, topic, key, payload, reason, failed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id`,
		rec.Service, rec.EventID, rec.Topic, rec.Key, rec.Payload, rec.Reason, failedAt).Scan(&id)
	return id, translateErr(err)
}

func (s pgDLQ) List(ctx context.Context, service string, limit int) ([]DLQRecord, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, service, event_id, topic, key, payload, reason, failed_at, replayed
		FROM dlq
		WHERE $1 = '' OR service = $1
		ORDER BY id
		LIMIT $2`, service, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []DLQRecord
	for rows.Next() {
		var rec DLQRecord
		if err := rows.Scan(&rec.ID, &rec.Service, &rec.EventID, &rec.Topic, &rec.Key,
			&rec.Payload, &rec.Reason, &rec.FailedAt, &rec.Replayed); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s pgDLQ) Get(ctx context.Context, id int64) (DLQRecord, error) {
	var rec DLQRecord
	err := s.q.QueryRow(ctx, `
		SELECT id, service, event_id, topic, key, payload, reason, failed_at, replayed
		FROM dlq WHERE id = $1`, id).
		Scan(&rec.ID, &rec.Service, &rec.EventID, &rec.Topic, &rec.Key,
			&rec.Payload, &rec.Reason, &rec.FailedAt, &rec.Replayed)
	if err != nil {
		return DLQRecord{}, translateErr(err)
	}
	return rec, nil
}

func (s pgDLQ) MarkReplayed(ctx context.Context, id int64) error {
	_, err := s.q.Exec(ctx, `UPDATE dlq SET replayed = TRUE WHERE id = $1`, id)
	return translateErr(err)
}

// ─── Audit ──────────────────────────────────────────────────────────────────

type pgAudit struct{ q querier }

func (s pgAudit) Append(ctx context.Context, entry AuditEntry) error {
	at := entry.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	_, err := s.q.Exec(ctx, `
		INSERT INTO audit_log (tenant_id, actor, command, entity_id, outcome, detail, at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		entry.TenantID, entry.Actor, entry.Command, entry.EntityID, entry.Outcome, entry.Detail, at)
	return translateErr(err)
}

func (s pgAudit) List(ctx context.Context, tenantID string, limit int) ([]AuditEntry, error) {
	rows, err := s.q.Query(ctx, `
		SELECT id, tenant_id, actor, command, entity_id, outcome, detail, at
		FROM audit_log
		WHERE $1 = '' OR tenant_id = $1
		ORDER BY id
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, translateErr(err)
	}
	defer rows.Close()

	var out []AuditEntry
	for rows.Next() {
		var entry AuditEntry
		if err := rows.Scan(&entry.ID, &entry.TenantID, &entry.Actor, &entry.Command,
			&entry.EntityID, &entry.Outcome, &entry.Detail, &entry.At); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}
