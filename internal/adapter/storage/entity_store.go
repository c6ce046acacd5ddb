// internal/adapter/storage/entity_store.go

package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"

	"mapsync/internal/domain/entity"
)

// EntityStore implements entity.Store on Postgres
type EntityStore struct {
	db *pgxpool.Pool
}

// NewEntityStore creates a new entity store
func NewEntityStore(db *pgxpool.Pool) *EntityStore {
	return &EntityStore{
		db: db,
	}
}

const entityColumns = `
	id, name, description, status::text,
	lat, lng, location_geohash,
	camera_heading, camera_pitch, camera_zoom,
	created_by, updated_by, created_at, updated_at
`

// SelectByGeohashPrefix returns all entities whose stored geohash starts with
// prefix. An empty prefix matches every entity.
func (s *EntityStore) SelectByGeohashPrefix(ctx context.Context, prefix string) ([]entity.Entity, error) {
	query := `
		SELECT ` + entityColumns + `
		FROM entities
		WHERE location_geohash LIKE $1 || '%'
		ORDER BY location_geohash DESC
	`

	rows, err := s.db.Query(ctx, query, prefix)
	if err != nil {
		return nil, fmt.Errorf("querying entities by prefix: %w", err)
	}
	defer rows.Close()

	var entities []entity.Entity
	for rows.Next() {
		e, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning entity: %w", err)
		}
		entities = append(entities, *e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows error: %w", err)
	}

	return entities, nil
}

// Upsert inserts or updates an entity and returns the stored row.
// created_at and created_by are immutable once set.
func (s *EntityStore) Upsert(ctx context.Context, e entity.Entity) (*entity.Entity, error) {
	query := `
		INSERT INTO entities (
			id, name, description, status,
			lat, lng, location_geohash,
			camera_heading, camera_pitch, camera_zoom,
			created_by, updated_by, created_at, updated_at
		) VALUES (
			$1, $2, $3, $4::entity_status,
			$5, $6, $7,
			$8, $9, $10,
			$11, $12, $13, $14
		)
		ON CONFLICT (id) DO UPDATE
		SET
			name = $2,
			description = $3,
			status = $4::entity_status,
			lat = $5,
			lng = $6,
			location_geohash = $7,
			camera_heading = $8,
			camera_pitch = $9,
			camera_zoom = $10,
			updated_by = $12,
			updated_at = $14
		RETURNING ` + entityColumns

	row := s.db.QueryRow(
		ctx,
		query,
		e.ID,
		e.Name,
		e.Description,
		string(e.Status),
		e.Location.Lat,
		e.Location.Lng,
		e.LocationGeohash,
		e.View.Heading,
		e.View.Pitch,
		e.View.Zoom,
		e.CreatedBy,
		e.UpdatedBy,
		e.CreatedAt,
		e.UpdatedAt,
	)

	stored, err := scanEntity(row)
	if err != nil {
		return nil, fmt.Errorf("upserting entity: %w", err)
	}

	return stored, nil
}

// Get returns a single entity by ID
func (s *EntityStore) Get(ctx context.Context, id string) (*entity.Entity, error) {
	query := `SELECT ` + entityColumns + ` FROM entities WHERE id = $1`

	e, err := scanEntity(s.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, entity.ErrNotFound
		}
		return nil, fmt.Errorf("querying entity: %w", err)
	}

	return e, nil
}

// Delete removes an entity and its attachments
func (s *EntityStore) Delete(ctx context.Context, id string) error {
	tag, err := s.db.Exec(ctx, `DELETE FROM entities WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting entity: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return entity.ErrNotFound
	}
	return nil
}

// SelectDetail assembles the full detail payload for an entity
func (s *EntityStore) SelectDetail(ctx context.Context, id string) (*entity.Detail, error) {
	e, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	detail := entity.Detail{
		Entity:      *e,
		Images:      []entity.Image{},
		Suggestions: []entity.Suggestion{},
	}

	imgRows, err := s.db.Query(ctx, `
		SELECT id, entity_id, url, created_by, created_at
		FROM entity_images
		WHERE entity_id = $1
		ORDER BY created_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying images: %w", err)
	}
	defer imgRows.Close()

	for imgRows.Next() {
		var img entity.Image
		if err := imgRows.Scan(&img.ID, &img.EntityID, &img.URL, &img.CreatedBy, &img.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning image: %w", err)
		}
		detail.Images = append(detail.Images, img)
	}
	if err := imgRows.Err(); err != nil {
		return nil, fmt.Errorf("image rows error: %w", err)
	}

	sugRows, err := s.db.Query(ctx, `
		SELECT id, entity_id, body, created_by, created_at
		FROM entity_suggestions
		WHERE entity_id = $1
		ORDER BY created_at
	`, id)
	if err != nil {
		return nil, fmt.Errorf("querying suggestions: %w", err)
	}
	defer sugRows.Close()

	for sugRows.Next() {
		var sug entity.Suggestion
		if err := sugRows.Scan(&sug.ID, &sug.EntityID, &sug.Body, &sug.CreatedBy, &sug.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning suggestion: %w", err)
		}
		detail.Suggestions = append(detail.Suggestions, sug)
	}
	if err := sugRows.Err(); err != nil {
		return nil, fmt.Errorf("suggestion rows error: %w", err)
	}

	err = s.db.QueryRow(ctx, `
		SELECT COALESCE(SUM(amount), 0), COUNT(*)
		FROM entity_contributions
		WHERE entity_id = $1
	`, id).Scan(&detail.ContributionSummary.Total, &detail.ContributionSummary.Contributors)
	if err != nil {
		return nil, fmt.Errorf("querying contribution summary: %w", err)
	}

	return &detail, nil
}

// InsertContribution records a contribution against an entity
func (s *EntityStore) InsertContribution(ctx context.Context, c entity.Contribution) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO entity_contributions (id, entity_id, amount, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, c.ID, c.EntityID, c.Amount, c.CreatedBy, c.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting contribution: %w", err)
	}
	return nil
}

// rowScanner is satisfied by both pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanEntity(row rowScanner) (*entity.Entity, error) {
	var (
		e      entity.Entity
		status string
	)

	err := row.Scan(
		&e.ID,
		&e.Name,
		&e.Description,
		&status,
		&e.Location.Lat,
		&e.Location.Lng,
		&e.LocationGeohash,
		&e.View.Heading,
		&e.View.Pitch,
		&e.View.Zoom,
		&e.CreatedBy,
		&e.UpdatedBy,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = entity.Status(status)
	return &e, nil
}
