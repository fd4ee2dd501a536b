package outbox

import (
	"context"
	"log/slog"
	"time"

	"orion/internal/bus"
	"orion/internal/event"
	"orion/internal/storage"
)

// RelayConfig tunes the drain loop. Zero values fall back to defaults.
type RelayConfig struct {
	PollInterval time.Duration // how often to look for unpublished rows
	BatchSize    int
	BackoffBase  time.Duration // first retry delay after a publish failure
	BackoffCap   time.Duration
	MaxAttempts  int // attempts before the row is dead-lettered
	Env          string
}

func (c *RelayConfig) defaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 100 * time.Millisecond
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = 500 * time.Millisecond
	}
	if c.BackoffCap <= 0 {
		c.BackoffCap = 10 * time.Second
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 10
	}
}

// Relay drains unpublished outbox rows to the event log in insertion
// order. Multiple relays can run against the same table; row claims skip
// each other.
type Relay struct {
	cfg    RelayConfig
	db     storage.DB
	pub    bus.Publisher
	logger *slog.Logger
	notify chan struct{}
}

func NewRelay(cfg RelayConfig, db storage.DB, pub bus.Publisher, logger *slog.Logger) *Relay {
	cfg.defaults()
	return &Relay{
		cfg:    cfg,
		db:     db,
		pub:    pub,
		logger: logger.With("component", "outbox_relay"),
		notify: make(chan struct{}, 1),
	}
}

// Nudge wakes the relay ahead of its next poll. Command handlers call it
// right after commit to keep publish latency low.
func (r *Relay) Nudge() {
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Run drains until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) {
	r.logger.Info("relay started", "poll_interval", r.cfg.PollInterval, "batch_size", r.cfg.BatchSize)
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return
		case <-ticker.C:
		case <-r.notify:
		}
		for {
			n, err := r.DrainOnce(ctx)
			if err != nil {
				r.logger.Error("drain failed", "error", err)
				break
			}
			if n == 0 {
				break
			}
		}
	}
}

// DrainOnce claims one batch, publishes it, and records the outcome per
// row. Claim, publish, and mark run in one transaction so a crashed relay
// leaves rows unpublished rather than lost.
func (r *Relay) DrainOnce(ctx context.Context) (int, error) {
	var published int
	err := r.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		recs, err := tx.Outbox().ClaimUnpublished(ctx, time.Now().UTC(), r.cfg.BatchSize)
		if err != nil {
			return err
		}
		for _, rec := range recs {
			msg := bus.Message{Topic: rec.Topic, Key: rec.Key, Value: rec.Payload}
			if err := r.pub.Publish(ctx, msg); err != nil {
				r.recordFailure(ctx, tx, rec, err)
				continue
			}
			if err := tx.Outbox().MarkPublished(ctx, time.Now().UTC(), rec.ID); err != nil {
				return err
			}
			published++
		}
		return nil
	})
	return published, err
}

func (r *Relay) recordFailure(ctx context.Context, tx storage.Tx, rec storage.OutboxRecord, cause error) {
	attempts := rec.Attempts + 1
	if attempts >= r.cfg.MaxAttempts {
		r.deadLetter(ctx, tx, rec, cause)
		return
	}
	// 500ms, 1s, 2s, ... capped.
	delay := r.cfg.BackoffBase << (attempts - 1)
	if delay > r.cfg.BackoffCap || delay <= 0 {
		delay = r.cfg.BackoffCap
	}
	next := time.Now().UTC().Add(delay)
	if err := tx.Outbox().MarkFailed(ctx, rec.ID, attempts, next, cause.Error()); err != nil {
		r.logger.Error("mark failed", "event_id", rec.EventID, "error", err)
		return
	}
	r.logger.Warn("publish failed, backing off",
		"event_id", rec.EventID, "topic", rec.Topic, "attempts", attempts, "next_attempt", next, "error", cause)
}

// deadLetter moves an exhausted row to the DLQ and raises an operator
// alert directly on the alert stream (the row itself can no longer flow
// through the outbox).
func (r *Relay) deadLetter(ctx context.Context, tx storage.Tx, rec storage.OutboxRecord, cause error) {
	id, err := tx.DLQ().Append(ctx, storage.DLQRecord{
		Service: "outbox-relay",
		EventID: rec.EventID,
		Topic:   rec.Topic,
		Key:     rec.Key,
		Payload: rec.Payload,
		Reason:  cause.Error(),
	})
	if err != nil {
		r.logger.Error("dead-letter append failed", "event_id", rec.EventID, "error", err)
		return
	}
	if err := tx.Outbox().Delete(ctx, rec.ID); err != nil {
		r.logger.Error("dead-letter delete failed", "event_id", rec.EventID, "error", err)
		return
	}
	r.logger.Error("outbox row dead-lettered",
		"event_id", rec.EventID, "topic", rec.Topic, "dlq_id", id, "error", cause)

	alert, err := event.New(event.TypeOperatorAlert, "outbox-relay", "system",
		event.Entity{EntityType: event.EntityControl, EntityID: rec.EventID, Sequence: 1},
		event.OperatorAlertPayload{
			Severity: "critical",
			Message:  "outbox publish retries exhausted",
			Context: map[string]string{
				"eventId": rec.EventID,
				"topic":   rec.Topic,
				"reason":  cause.Error(),
			},
		})
	if err != nil {
		r.logger.Error("build operator alert", "error", err)
		return
	}
	payload, err := alert.Marshal()
	if err != nil {
		r.logger.Error("marshal operator alert", "error", err)
		return
	}
	topic := event.Topic(r.cfg.Env, event.StreamRiskAlerts, 1)
	if err := r.pub.Publish(ctx, bus.Message{Topic: topic, Key: event.PartitionKey(alert), Value: payload}); err != nil {
		r.logger.Error("publish operator alert", "error", err)
	}
}
