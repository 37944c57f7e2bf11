// Package events defines the domain event envelope and the typed payloads it
// carries. Events are immutable after construction; serialization is
// deterministic and preserves id, occurredAt and aggregateId byte-for-byte.
package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Payload is the interface that all event payload types implement.
// Dispatch on the stable EventType string, not on Go types.
type Payload interface {
	// EventType returns the stable wire name of this event type.
	EventType() string
}

// validator is implemented by payloads that carry invariants the envelope
// must reject on deserialization.
type validator interface {
	validate() error
}

// Envelope is the metadata common to every domain event plus its payload.
type Envelope struct {
	ID            uuid.UUID
	AggregateID   string
	Version       int // 1-based position within the stream
	OccurredAt    time.Time
	TenantID      string
	SchemaVersion int
	CorrelationID string
	CausationID   string
	Payload       Payload
}

// EventType returns the payload's stable event type string.
func (e Envelope) EventType() string {
	return e.Payload.EventType()
}

// New builds an envelope for a freshly emitted event. Version is assigned by
// the aggregate; occurredAt is truncated to UTC for stable serialization.
func New(aggregateID, tenantID string, version int, payload Payload) Envelope {
	return Envelope{
		ID:            uuid.New(),
		AggregateID:   aggregateID,
		Version:       version,
		OccurredAt:    time.Now().UTC(),
		TenantID:      tenantID,
		SchemaVersion: 1,
		Payload:       payload,
	}
}

// wireEnvelope is the JSON shape of the envelope metadata. Payload fields are
// flattened into the same document.
type wireEnvelope struct {
	ID            string `json:"id"`
	AggregateID   string `json:"aggregateId"`
	Version       int    `json:"version"`
	OccurredAt    string `json:"occurredAt"`
	TenantID      string `json:"tenantId"`
	EventType     string `json:"eventType"`
	SchemaVersion int    `json:"schemaVersion"`
	CorrelationID string `json:"correlationId,omitempty"`
	CausationID   string `json:"causationId,omitempty"`
}

// Serialize renders the event as a single flat JSON document: envelope
// metadata plus the payload's own fields. Key order is deterministic
// (encoding/json sorts merged map keys).
func (e Envelope) Serialize() ([]byte, error) {
	payloadJSON, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal payload: %w", err)
	}

	merged := map[string]json.RawMessage{}
	if err := json.Unmarshal(payloadJSON, &merged); err != nil {
		return nil, fmt.Errorf("failed to flatten payload: %w", err)
	}

	meta := wireEnvelope{
		ID:            e.ID.String(),
		AggregateID:   e.AggregateID,
		Version:       e.Version,
		OccurredAt:    e.OccurredAt.Format(time.RFC3339Nano),
		TenantID:      e.TenantID,
		EventType:     e.Payload.EventType(),
		SchemaVersion: e.SchemaVersion,
		CorrelationID: e.CorrelationID,
		CausationID:   e.CausationID,
	}
	metaJSON, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal envelope: %w", err)
	}
	metaFields := map[string]json.RawMessage{}
	if err := json.Unmarshal(metaJSON, &metaFields); err != nil {
		return nil, err
	}
	for k, v := range metaFields {
		merged[k] = v
	}

	return json.Marshal(merged)
}

// Deserialize parses a serialized event back into an Envelope. It rejects
// unknown event types, non-positive versions, schemaVersion < 1, malformed
// occurredAt, aggregate ids that violate the per-type naming convention, and
// payloads that fail their own invariants. Newer schemaVersion integers are
// accepted leniently.
func Deserialize(data []byte) (Envelope, error) {
	var meta wireEnvelope
	if err := json.Unmarshal(data, &meta); err != nil {
		return Envelope{}, fmt.Errorf("malformed event document: %w", err)
	}

	payload, err := newPayload(meta.EventType)
	if err != nil {
		return Envelope{}, err
	}
	if meta.Version <= 0 {
		return Envelope{}, fmt.Errorf("event %s has non-positive version %d", meta.EventType, meta.Version)
	}
	if meta.SchemaVersion < 1 {
		return Envelope{}, fmt.Errorf("event %s has invalid schemaVersion %d", meta.EventType, meta.SchemaVersion)
	}
	if err := checkAggregateID(meta.EventType, meta.AggregateID); err != nil {
		return Envelope{}, err
	}

	id, err := uuid.Parse(meta.ID)
	if err != nil {
		return Envelope{}, fmt.Errorf("event has malformed id %q: %w", meta.ID, err)
	}
	occurredAt, err := time.Parse(time.RFC3339Nano, meta.OccurredAt)
	if err != nil {
		return Envelope{}, fmt.Errorf("event has malformed occurredAt %q: %w", meta.OccurredAt, err)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return Envelope{}, fmt.Errorf("failed to decode %s payload: %w", meta.EventType, err)
	}
	if v, ok := payload.(validator); ok {
		if err := v.validate(); err != nil {
			return Envelope{}, fmt.Errorf("invalid %s payload: %w", meta.EventType, err)
		}
	}

	return Envelope{
		ID:            id,
		AggregateID:   meta.AggregateID,
		Version:       meta.Version,
		OccurredAt:    occurredAt,
		TenantID:      meta.TenantID,
		SchemaVersion: meta.SchemaVersion,
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		Payload:       payload,
	}, nil
}

// checkAggregateID enforces the stream naming convention for each event
// family: chart events live on "chart-of-accounts-<tenantId>" streams,
// journal events on "journal-entry-<id>" streams.
func checkAggregateID(eventType, aggregateID string) error {
	var prefix string
	switch eventType {
	case TypeJournalEntryPosted:
		prefix = "journal-entry-"
	default:
		prefix = "chart-of-accounts-"
	}
	if !strings.HasPrefix(aggregateID, prefix) || len(aggregateID) == len(prefix) {
		return fmt.Errorf("event %s has aggregateId %q, expected %q prefix", eventType, aggregateID, prefix)
	}
	return nil
}
