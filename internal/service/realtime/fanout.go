// internal/service/realtime/fanout.go

package realtime

import (
	"context"
	"fmt"
	"log"
	"time"

	"mapsync/internal/domain/entity"
	"mapsync/internal/geohash"
	"mapsync/internal/id"
	"mapsync/internal/protocol"
	"mapsync/internal/service/cluster"
	"mapsync/internal/service/dedupe"
)

// Broadcaster publishes a message to one room subject. *nats.Conn satisfies
// this interface.
type Broadcaster interface {
	Publish(subject string, data []byte) error
}

// Coordinator applies entity mutations and fans the resulting events out to
// every room whose subscribers should see them: ancestor geohash cells for
// map views, entity rooms for detail views, and per-connection rooms for
// snapshots.
type Coordinator struct {
	store       entity.Store
	registry    *Registry
	clusterer   *cluster.Clusterer
	deduper     *dedupe.Deduper
	broadcaster Broadcaster
	now         func() time.Time
}

// NewCoordinator creates a fan-out coordinator
func NewCoordinator(
	store entity.Store,
	registry *Registry,
	clusterer *cluster.Clusterer,
	deduper *dedupe.Deduper,
	broadcaster Broadcaster,
) *Coordinator {
	return &Coordinator{
		store:       store,
		registry:    registry,
		clusterer:   clusterer,
		deduper:     deduper,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// SetEntity upserts an entity and pushes the change to every ancestor cell
// room with at least one subscriber, then refreshes the entity's detail room.
// Fan-out is best-effort: a failed publish to one room is logged and skipped,
// never allowed to fail the mutation.
func (c *Coordinator) SetEntity(ctx context.Context, e entity.Entity) (*entity.Entity, error) {
	if !c.deduper.Dedupe("setEntity", e) {
		return &e, nil
	}

	if e.Status == "" {
		e.Status = entity.StatusDraft
	}
	if !e.Status.Valid() {
		return nil, fmt.Errorf("unknown entity status %q", e.Status)
	}

	if e.ID == "" {
		e.ID = id.New()
	}

	// The stored geohash must never be stale relative to the location.
	e.LocationGeohash = geohash.Encode(e.Location.Lat, e.Location.Lng, geohash.FullPrecision)

	now := c.now()
	if e.CreatedAt.IsZero() {
		e.CreatedAt = now
	}
	e.UpdatedAt = now

	stored, err := c.store.Upsert(ctx, e)
	if err != nil {
		return nil, fmt.Errorf("upserting entity: %w", err)
	}

	c.broadcastToAncestors(stored.LocationGeohash, protocol.EventNewEntity,
		protocol.NewEntityPayload{Entity: *stored})

	c.refreshDetailRoom(ctx, stored.ID)

	return stored, nil
}

// DeleteEntity removes an entity and notifies every ancestor cell room that
// had at least one subscriber. Deleting an active entity is a business-rule
// violation and is rejected synchronously.
func (c *Coordinator) DeleteEntity(ctx context.Context, entityID string) error {
	if !c.deduper.Dedupe("deleteEntity", entityID) {
		return nil
	}

	e, err := c.store.Get(ctx, entityID)
	if err != nil {
		return fmt.Errorf("loading entity %s: %w", entityID, err)
	}
	if e.Status == entity.StatusActive {
		return entity.ErrActive
	}

	if err := c.store.Delete(ctx, entityID); err != nil {
		return fmt.Errorf("deleting entity %s: %w", entityID, err)
	}

	c.broadcastToAncestors(e.LocationGeohash, protocol.EventDeleteEntity,
		protocol.DeleteEntityPayload{ID: entityID})

	return nil
}

// Subscribe records or drops a connection's cell subscription. On subscribe
// it replies with a point-in-time snapshot (entities and groups currently in
// the cell) on the connection's private room. Duplicate calls inside the
// dedupe window are no-ops.
func (c *Coordinator) Subscribe(ctx context.Context, connectionID, prefix string, shouldSubscribe bool) error {
	if !c.deduper.Dedupe("subscribe", connectionID, prefix, shouldSubscribe) {
		return nil
	}

	if !shouldSubscribe {
		c.registry.Leave(connectionID, prefix)
		return nil
	}

	c.registry.Join(connectionID, prefix)

	entities, err := c.store.SelectByGeohashPrefix(ctx, prefix)
	if err != nil {
		return fmt.Errorf("loading snapshot for %q: %w", prefix, err)
	}

	res := c.clusterer.Cluster(ctx, entities, prefix)
	snap := protocol.SnapshotPayload{
		Geohash:  prefix,
		Entities: res.Individual,
		Groups:   res.Groups,
	}

	c.publish(protocol.ConnSubject(connectionID), protocol.EventSubscribe, snap)
	return nil
}

// SubscribeEntity records or drops a connection's entity detail
// subscription, replying with the current detail payload on subscribe.
func (c *Coordinator) SubscribeEntity(ctx context.Context, connectionID, entityID string, shouldSubscribe bool) error {
	if !c.deduper.Dedupe("subscribeEntity", connectionID, entityID, shouldSubscribe) {
		return nil
	}

	if !shouldSubscribe {
		c.registry.LeaveEntity(connectionID, entityID)
		return nil
	}

	c.registry.JoinEntity(connectionID, entityID)

	detail, err := c.store.SelectDetail(ctx, entityID)
	if err != nil {
		return fmt.Errorf("loading detail for %s: %w", entityID, err)
	}

	c.publish(protocol.ConnSubject(connectionID),
		protocol.EventEntityData,
		protocol.EntityDataPayload{EntityID: entityID, Data: *detail})
	return nil
}

// AddContribution records a contribution and refreshes the entity's detail
// room so open detail views see the new summary.
func (c *Coordinator) AddContribution(ctx context.Context, contrib entity.Contribution) error {
	if !c.deduper.Dedupe("addContribution", contrib) {
		return nil
	}

	if contrib.ID == "" {
		contrib.ID = id.New()
	}
	if contrib.CreatedAt.IsZero() {
		contrib.CreatedAt = c.now()
	}

	if err := c.store.InsertContribution(ctx, contrib); err != nil {
		return fmt.Errorf("inserting contribution: %w", err)
	}

	c.refreshDetailRoom(ctx, contrib.EntityID)
	return nil
}

// Snapshot assembles the current cell contents without touching
// subscriptions. The REST read surface shares this with the subscribe path.
func (c *Coordinator) Snapshot(ctx context.Context, prefix string) (*protocol.SnapshotPayload, error) {
	entities, err := c.store.SelectByGeohashPrefix(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("loading snapshot for %q: %w", prefix, err)
	}

	res := c.clusterer.Cluster(ctx, entities, prefix)
	return &protocol.SnapshotPayload{
		Geohash:  prefix,
		Entities: res.Individual,
		Groups:   res.Groups,
	}, nil
}

// Detail loads the full detail payload for one entity. Shared by the REST
// read surface.
func (c *Coordinator) Detail(ctx context.Context, entityID string) (*entity.Detail, error) {
	detail, err := c.store.SelectDetail(ctx, entityID)
	if err != nil {
		return nil, fmt.Errorf("loading detail for %s: %w", entityID, err)
	}
	return detail, nil
}

// Unsubscribe drops every room membership a connection holds. Used on
// connection close.
func (c *Coordinator) Unsubscribe(connectionID string) {
	c.registry.Drain(connectionID)
}

// broadcastToAncestors publishes one event per ancestor prefix of h that has
// at least one active subscriber, from full precision down to length 1.
func (c *Coordinator) broadcastToAncestors(h string, eventType protocol.EventType, payload interface{}) {
	for _, prefix := range geohash.Ancestors(h) {
		if len(c.registry.ActiveSubscribers(prefix)) == 0 {
			continue
		}
		c.publish(protocol.CellSubject(prefix), eventType, payload)
	}
}

// refreshDetailRoom pushes the current detail payload to an entity's room if
// anyone is subscribed to it.
func (c *Coordinator) refreshDetailRoom(ctx context.Context, entityID string) {
	if len(c.registry.EntitySubscribers(entityID)) == 0 {
		return
	}

	detail, err := c.store.SelectDetail(ctx, entityID)
	if err != nil {
		log.Printf("Failed to load detail for %s: %v", entityID, err)
		return
	}

	c.publish(protocol.EntitySubject(entityID),
		protocol.EventEntityData,
		protocol.EntityDataPayload{EntityID: entityID, Data: *detail})
}

func (c *Coordinator) publish(subject string, eventType protocol.EventType, payload interface{}) {
	data, err := protocol.Encode(eventType, payload)
	if err != nil {
		log.Printf("Failed to encode %s event: %v", eventType, err)
		return
	}
	if err := c.broadcaster.Publish(subject, data); err != nil {
		log.Printf("Failed to publish %s to %s: %v", eventType, subject, err)
	}
}
