// Package outbox implements the transactional outbox: events are appended
// in the same transaction as the state change that produced them, and a
// relay drains the table into the event log. A crash between commit and
// publish costs latency, never events.
package outbox

import (
	"context"
	"fmt"

	"orion/internal/event"
	"orion/internal/storage"
)

// Writer converts envelopes into outbox rows. It resolves each event's
// topic from the catalog and its partition key from the envelope entity.
type Writer struct {
	env string
}

func NewWriter(env string) *Writer {
	return &Writer{env: env}
}

// Append stages events inside tx. The caller's aggregate writes and these
// rows commit or roll back together.
func (w *Writer) Append(ctx context.Context, tx storage.Tx, events ...event.Envelope) error {
	if len(events) == 0 {
		return nil
	}
	recs := make([]storage.OutboxRecord, 0, len(events))
	for _, e := range events {
		payload, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("outbox: marshal %s: %w", e.EventType, err)
		}
		recs = append(recs, storage.OutboxRecord{
			EventID: e.EventID,
			Topic:   event.Topic(w.env, event.StreamFor(e.EventType), 1),
			Key:     event.PartitionKey(e),
			Payload: payload,
		})
	}
	if err := tx.Outbox().Append(ctx, recs...); err != nil {
		return fmt.Errorf("outbox: append: %w", err)
	}
	return nil
}
