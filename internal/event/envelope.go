// Package event defines the canonical domain event envelope and the catalog
// of recognized event and entity types.
//
// Every fact produced by the Trading Event Core travels in an Envelope: a
// versioned, immutable wrapper carrying identity (eventId), causality
// (correlationId/causationId), tenancy, the subject entity, and a
// type-specific JSON payload. Envelopes are never mutated after creation;
// corrections are new events.
package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// CausationDirect is the causationId sentinel for root events — events
// produced directly by a command rather than by another event.
const CausationDirect = "direct"

// rfc3339Milli is the wire format for occurredAt: ISO 8601 with millisecond
// precision. Round-trips must preserve it exactly.
const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

// Entity identifies the aggregate an event describes. Sequence is the
// aggregate's version at the time the event was produced — monotonic within
// a partition.
type Entity struct {
	EntityType string `json:"entityType"`
	EntityID   string `json:"entityId"`
	Sequence   int64  `json:"sequence"`
}

// Envelope is the canonical event representation. Unknown fields in the
// incoming JSON are ignored on read; unknown eventType values are preserved
// as opaque strings so consumers can skip them (forward compatibility).
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	OccurredAt    time.Time       `json:"-"`
	Producer      string          `json:"producer"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	Entity        Entity          `json:"entity"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// envelopeJSON is the wire shape; occurredAt is serialized as a string to
// pin millisecond precision.
type envelopeJSON struct {
	EventID       string          `json:"eventId"`
	EventType     string          `json:"eventType"`
	EventVersion  int             `json:"eventVersion"`
	OccurredAt    string          `json:"occurredAt"`
	Producer      string          `json:"producer"`
	TenantID      string          `json:"tenantId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId"`
	Entity        Entity          `json:"entity"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// MarshalJSON implements json.Marshaler with millisecond occurredAt.
func (e Envelope) MarshalJSON() ([]byte, error) {
	return json.Marshal(envelopeJSON{
		EventID:       e.EventID,
		EventType:     e.EventType,
		EventVersion:  e.EventVersion,
		OccurredAt:    e.OccurredAt.UTC().Format(rfc3339Milli),
		Producer:      e.Producer,
		TenantID:      e.TenantID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
		Entity:        e.Entity,
		Payload:       e.Payload,
	})
}

// UnmarshalJSON implements json.Unmarshaler. Unknown fields are ignored.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	var w envelopeJSON
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	occurred, err := time.Parse(time.RFC3339Nano, w.OccurredAt)
	if err != nil {
		return fmt.Errorf("parse occurredAt %q: %w", w.OccurredAt, err)
	}
	*e = Envelope{
		EventID:       w.EventID,
		EventType:     w.EventType,
		EventVersion:  w.EventVersion,
		OccurredAt:    occurred,
		Producer:      w.Producer,
		TenantID:      w.TenantID,
		CorrelationID: w.CorrelationID,
		CausationID:   w.CausationID,
		Entity:        w.Entity,
		Payload:       w.Payload,
	}
	return nil
}

// New creates a root envelope: fresh eventId and correlationId,
// causationId = "direct", eventVersion 1, occurredAt = now truncated to
// millisecond.
func New(eventType, producer, tenantID string, entity Entity, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Producer:      producer,
		TenantID:      tenantID,
		CorrelationID: uuid.NewString(),
		CausationID:   CausationDirect,
		Entity:        entity,
		Payload:       raw,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// NewChild creates an envelope caused by parent: it inherits correlationId
// and tenantId, and its causationId is the parent's eventId.
func NewChild(parent Envelope, eventType, producer string, entity Entity, payload any) (Envelope, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return Envelope{}, err
	}
	env := Envelope{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		EventVersion:  1,
		OccurredAt:    time.Now().UTC().Truncate(time.Millisecond),
		Producer:      producer,
		TenantID:      parent.TenantID,
		CorrelationID: parent.CorrelationID,
		CausationID:   parent.EventID,
		Entity:        entity,
		Payload:       raw,
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// WithCorrelation returns a copy of the envelope with the given correlation
// id. Used when a command arrives with an established correlation chain.
func (e Envelope) WithCorrelation(correlationID string) Envelope {
	if correlationID != "" {
		e.CorrelationID = correlationID
	}
	return e
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// Validate checks every envelope invariant and returns all violations at
// once, joined with errors.Join. A nil return means the envelope is valid.
func (e Envelope) Validate() error {
	var errs []error
	check := func(field, value string) {
		if strings.TrimSpace(value) == "" {
			errs = append(errs, fmt.Errorf("%s must not be blank", field))
		}
	}
	check("eventId", e.EventID)
	check("eventType", e.EventType)
	check("producer", e.Producer)
	check("tenantId", e.TenantID)
	check("correlationId", e.CorrelationID)
	check("entity.entityType", e.Entity.EntityType)
	check("entity.entityId", e.Entity.EntityID)
	if strings.TrimSpace(e.CausationID) == "" {
		errs = append(errs, errors.New("causationId must be an event id or \"direct\""))
	}
	if e.EventVersion < 1 {
		errs = append(errs, fmt.Errorf("eventVersion must be >= 1, got %d", e.EventVersion))
	}
	if e.OccurredAt.IsZero() {
		errs = append(errs, errors.New("occurredAt must be set"))
	}
	return errors.Join(errs...)
}

// DecodePayload unmarshals the payload into out.
func (e Envelope) DecodePayload(out any) error {
	if len(e.Payload) == 0 {
		return errors.New("envelope has no payload")
	}
	if err := json.Unmarshal(e.Payload, out); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// Marshal serializes the envelope for the log.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal parses an envelope from log bytes.
func Unmarshal(data []byte) (Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return Envelope{}, err
	}
	return e, nil
}
