// Package consumer provides the idempotent consumer runtime. Delivery from
// the log is at least once; the runtime turns it into exactly-once effect
// by inserting a dedup mark and running the handler in one transaction.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"orion/internal/bus"
	"orion/internal/event"
	"orion/internal/outbox"
	"orion/internal/storage"
)

// Handler processes one event inside the dedup transaction. Events it
// returns are staged on the outbox in the same transaction, so effects and
// follow-on events commit together.
type Handler func(ctx context.Context, tx storage.Tx, env event.Envelope) ([]event.Envelope, error)

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as non-retryable: the runtime dead-letters the
// event immediately instead of walking the retry schedule.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was wrapped by Permanent.
func IsPermanent(err error) bool {
	var pe *permanentError
	return errors.As(err, &pe)
}

// errAlreadyProcessed short-circuits the transaction when the dedup mark
// already exists.
var errAlreadyProcessed = errors.New("already processed")

// defaultRetrySchedule is the delay before each retry after the initial
// attempt.
var defaultRetrySchedule = []time.Duration{
	500 * time.Millisecond, time.Second, 2 * time.Second, 5 * time.Second, 10 * time.Second,
}

// Runtime dispatches a topic to registered handlers with dedup, bounded
// retries, and dead-lettering. One Runtime serves one consumer group.
type Runtime struct {
	group    string
	db       storage.DB
	sub      bus.Subscriber
	writer   *outbox.Writer
	logger   *slog.Logger
	retries  []time.Duration
	handlers map[string]Handler

	seqMu sync.Mutex
	seen  map[string]int64 // entity key -> highest sequence handled
}

func NewRuntime(group string, db storage.DB, sub bus.Subscriber, writer *outbox.Writer, logger *slog.Logger) *Runtime {
	return &Runtime{
		group:    group,
		db:       db,
		sub:      sub,
		writer:   writer,
		logger:   logger.With("component", "consumer", "group", group),
		retries:  defaultRetrySchedule,
		handlers: make(map[string]Handler),
		seen:     make(map[string]int64),
	}
}

// WithRetrySchedule overrides the retry delays. Tests use short ones.
func (r *Runtime) WithRetrySchedule(delays []time.Duration) *Runtime {
	r.retries = delays
	return r
}

// Handle registers a handler for an event type. Events with no handler are
// acknowledged and skipped.
func (r *Runtime) Handle(eventType string, h Handler) {
	r.handlers[eventType] = h
}

// Consume subscribes the group to topic and blocks until ctx ends.
func (r *Runtime) Consume(ctx context.Context, topic string) error {
	return r.sub.Subscribe(ctx, topic, r.group, func(ctx context.Context, msg bus.Message) error {
		return r.process(ctx, msg)
	})
}

func (r *Runtime) process(ctx context.Context, msg bus.Message) error {
	env, err := event.Unmarshal(msg.Value)
	if err != nil {
		// Malformed bytes can never succeed; straight to the DLQ.
		r.deadLetter(ctx, msg, event.Envelope{}, fmt.Errorf("unmarshal: %w", err))
		return nil
	}
	h, ok := r.handlers[env.EventType]
	if !ok {
		return nil
	}
	r.awaitSequence(ctx, env)
	defer r.noteSequence(env)

	var lastErr error
	for attempt := 0; attempt <= len(r.retries); attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.retries[attempt-1]):
			}
		}
		err := r.attempt(ctx, h, env)
		if err == nil || errors.Is(err, errAlreadyProcessed) {
			return nil
		}
		lastErr = err
		if IsPermanent(err) {
			break
		}
		r.logger.Warn("handler failed, retrying",
			"event_id", env.EventID, "event_type", env.EventType, "attempt", attempt+1, "error", err)
	}

	r.deadLetter(ctx, msg, env, lastErr)
	return nil
}

func entityKey(e event.Entity) string {
	return e.EntityType + "/" + e.EntityID
}

// awaitSequence holds a delivery whose predecessor on the same entity has
// not been seen yet. Partition order makes a gap mean the predecessor is
// lost, not late, so after the retry budget the gap is declared lost and
// the stream moves on.
func (r *Runtime) awaitSequence(ctx context.Context, env event.Envelope) {
	if env.Entity.Sequence <= 1 || !r.sequenceGap(env) {
		return
	}
	for _, delay := range r.retries {
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		if !r.sequenceGap(env) {
			return
		}
	}
	r.seqMu.Lock()
	last := r.seen[entityKey(env.Entity)]
	r.seqMu.Unlock()
	r.logger.Warn("sequence gap declared lost",
		"entity", entityKey(env.Entity), "sequence", env.Entity.Sequence, "last_seen", last)
}

// sequenceGap reports whether env skips ahead of the last handled
// sequence. An entity never seen before is accepted at any sequence; this
// group may have joined mid-stream.
func (r *Runtime) sequenceGap(env event.Envelope) bool {
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	last, ok := r.seen[entityKey(env.Entity)]
	if !ok {
		return false
	}
	return env.Entity.Sequence > last+1
}

func (r *Runtime) noteSequence(env event.Envelope) {
	if env.Entity.Sequence == 0 {
		return
	}
	r.seqMu.Lock()
	defer r.seqMu.Unlock()
	key := entityKey(env.Entity)
	if env.Entity.Sequence > r.seen[key] {
		r.seen[key] = env.Entity.Sequence
	}
}

// attempt runs the dedup mark, the handler, and the outbox append in one
// transaction. Any error rolls all three back.
func (r *Runtime) attempt(ctx context.Context, h Handler, env event.Envelope) error {
	return r.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		err := tx.Processed().Mark(ctx, env.TenantID, r.group, env.EventID, time.Now().UTC())
		if errors.Is(err, storage.ErrDuplicate) {
			return errAlreadyProcessed
		}
		if err != nil {
			return fmt.Errorf("dedup mark: %w", err)
		}
		out, err := h(ctx, tx, env)
		if err != nil {
			return err
		}
		return r.writer.Append(ctx, tx, out...)
	})
}

// deadLetter parks the message and marks it processed so redeliveries skip
// it, then stages an operator alert.
func (r *Runtime) deadLetter(ctx context.Context, msg bus.Message, env event.Envelope, cause error) {
	err := r.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		if env.EventID != "" {
			err := tx.Processed().Mark(ctx, env.TenantID, r.group, env.EventID, time.Now().UTC())
			if err != nil && !errors.Is(err, storage.ErrDuplicate) {
				return err
			}
		}
		id, err := tx.DLQ().Append(ctx, storage.DLQRecord{
			Service: r.group,
			EventID: env.EventID,
			Topic:   msg.Topic,
			Key:     msg.Key,
			Payload: msg.Value,
			Reason:  cause.Error(),
		})
		if err != nil {
			return err
		}
		alert, err := event.New(event.TypeOperatorAlert, r.group, "system",
			event.Entity{EntityType: event.EntityControl, EntityID: fmt.Sprintf("dlq-%d", id), Sequence: 1},
			event.OperatorAlertPayload{
				Severity: "critical",
				Message:  "event dead-lettered",
				Context: map[string]string{
					"group":   r.group,
					"eventId": env.EventID,
					"topic":   msg.Topic,
					"reason":  cause.Error(),
				},
			})
		if err != nil {
			return err
		}
		return r.writer.Append(ctx, tx, alert)
	})
	if err != nil {
		r.logger.Error("dead-letter failed", "event_id", env.EventID, "error", err)
		return
	}
	r.logger.Error("event dead-lettered",
		"event_id", env.EventID, "event_type", env.EventType, "topic", msg.Topic, "error", cause)
}

// Replay re-runs a dead-lettered event through its handler, bypassing the
// dedup mark that parked it. Meant for operators after a fix ships.
func (r *Runtime) Replay(ctx context.Context, dlqID int64) error {
	rec, err := r.db.DLQ().Get(ctx, dlqID)
	if err != nil {
		return fmt.Errorf("replay: load dlq %d: %w", dlqID, err)
	}
	env, err := event.Unmarshal(rec.Payload)
	if err != nil {
		return fmt.Errorf("replay: unmarshal dlq %d: %w", dlqID, err)
	}
	h, ok := r.handlers[env.EventType]
	if !ok {
		return fmt.Errorf("replay: no handler for %s", env.EventType)
	}
	err = r.db.WithTx(ctx, func(ctx context.Context, tx storage.Tx) error {
		out, err := h(ctx, tx, env)
		if err != nil {
			return err
		}
		return r.writer.Append(ctx, tx, out...)
	})
	if err != nil {
		return fmt.Errorf("replay: handler: %w", err)
	}
	if err := r.db.DLQ().MarkReplayed(ctx, dlqID); err != nil {
		return fmt.Errorf("replay: mark: %w", err)
	}
	r.logger.Info("dead-lettered event replayed", "dlq_id", dlqID, "event_id", env.EventID)
	return nil
}
