// internal/domain/entity/store.go

package entity

import (
	"context"
	"errors"
)

// ErrNotFound is returned when the requested entity does not exist
var ErrNotFound = errors.New("entity not found")

// ErrActive is returned when a mutation is rejected because the entity is in
// active status
var ErrActive = errors.New("entity is active and cannot be deleted")

// Store defines the persistence interface for entities.
// Each call is transactional on its own; the core never requires multi-call
// transactions.
type Store interface {
	// SelectByGeohashPrefix returns all entities whose stored geohash starts
	// with prefix. An empty prefix matches everything.
	SelectByGeohashPrefix(ctx context.Context, prefix string) ([]Entity, error)

	// Upsert inserts the entity if its ID is unseen, otherwise updates it,
	// and returns the stored row.
	Upsert(ctx context.Context, e Entity) (*Entity, error)

	// Get returns a single entity by ID, or ErrNotFound.
	Get(ctx context.Context, id string) (*Entity, error)

	// Delete removes an entity by ID, or returns ErrNotFound.
	Delete(ctx context.Context, id string) error

	// SelectDetail assembles the full detail payload for an entity.
	SelectDetail(ctx context.Context, id string) (*Detail, error)

	// InsertContribution records a contribution against an entity.
	InsertContribution(ctx context.Context, c Contribution) error
}
