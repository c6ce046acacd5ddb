// internal/protocol/events.go

// Package protocol defines the closed set of events exchanged between client
// and server, the JSON envelope that carries them, and the fan-out subject
// namespace. Every event kind has its own typed payload; dynamic
// name-to-payload maps are deliberately avoided.
package protocol

import (
	"encoding/json"
	"fmt"

	"mapsync/internal/domain/entity"
)

// EventType identifies one kind of event on the wire
type EventType string

// Client -> server events
const (
	EventSubscribe       EventType = "subscribe"
	EventSubscribeEntity EventType = "subscribeEntity"
	EventSetEntity       EventType = "setEntity"
	EventDeleteEntity    EventType = "deleteEntity"
	EventAddContribution EventType = "addContribution"
)

// Server -> client events. EventSubscribe doubles as the snapshot reply.
const (
	EventNewEntity  EventType = "newEntity"
	EventEntityData EventType = "entityData"
)

// Known reports whether t is part of the protocol
func (t EventType) Known() bool {
	switch t {
	case EventSubscribe, EventSubscribeEntity, EventSetEntity,
		EventDeleteEntity, EventAddContribution, EventNewEntity, EventEntityData:
		return true
	}
	return false
}

// SubscribePayload asks for (or drops) a geohash-prefix subscription
type SubscribePayload struct {
	Geohash         string `json:"geohash"`
	ShouldSubscribe bool   `json:"shouldSubscribe"`
}

// SubscribeEntityPayload asks for (or drops) an entity-detail subscription
type SubscribeEntityPayload struct {
	EntityID        string `json:"entityId"`
	ShouldSubscribe bool   `json:"shouldSubscribe"`
}

// SetEntityPayload carries the full entity fields for an upsert
type SetEntityPayload struct {
	Entity entity.Entity `json:"entity"`
}

// DeleteEntityPayload identifies the entity to delete
type DeleteEntityPayload struct {
	ID string `json:"id"`
}

// AddContributionPayload records one contribution
type AddContributionPayload struct {
	Contribution entity.Contribution `json:"contribution"`
}

// SnapshotPayload is the point-in-time reply to a subscribe: the entities and
// groups currently inside the subscribed cell
type SnapshotPayload struct {
	Geohash  string          `json:"geohash"`
	Entities []entity.Entity `json:"entities"`
	Groups   []entity.Group  `json:"groups"`
}

// NewEntityPayload is the incremental update pushed to cell subscribers
type NewEntityPayload struct {
	Entity entity.Entity `json:"entity"`
}

// EntityDataPayload is the detail push for entity-room subscribers
type EntityDataPayload struct {
	EntityID string        `json:"entityId"`
	Data     entity.Detail `json:"data"`
}

// Envelope is the JSON frame carrying one event
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Encode marshals an event into its wire form
func Encode(t EventType, payload interface{}) ([]byte, error) {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshaling %s payload: %w", t, err)
		}
		raw = b
	}

	b, err := json.Marshal(Envelope{Type: t, Payload: raw})
	if err != nil {
		return nil, fmt.Errorf("marshaling %s envelope: %w", t, err)
	}

	return b, nil
}

// Decode parses a wire frame into an envelope. The payload stays raw so the
// dispatcher can unmarshal it into the event's own type.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshaling envelope: %w", err)
	}

	if env.Type == "" {
		return nil, fmt.Errorf("envelope missing type")
	}

	return &env, nil
}

// Unmarshal decodes the envelope payload into v
func (e *Envelope) Unmarshal(v interface{}) error {
	if len(e.Payload) == 0 {
		return fmt.Errorf("%s event has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", e.Type, err)
	}
	return nil
}
