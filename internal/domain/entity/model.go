// internal/domain/entity/model.go

package entity

import (
	"time"
)

// Status represents the funding lifecycle stage of a project entity
type Status string

const (
	StatusDraft     Status = "draft"
	StatusActive    Status = "active"
	StatusFunded    Status = "funded"
	StatusCompleted Status = "completed"
	StatusArchived  Status = "archived"
)

// Valid reports whether s is one of the known statuses
func (s Status) Valid() bool {
	switch s {
	case StatusDraft, StatusActive, StatusFunded, StatusCompleted, StatusArchived:
		return true
	}
	return false
}

// Location is a WGS84 coordinate pair
type Location struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// View holds optional camera parameters for rendering an entity on the map
type View struct {
	Heading *float64 `json:"heading,omitempty"` // degrees, [0, 360)
	Pitch   *float64 `json:"pitch,omitempty"`
	Zoom    *float64 `json:"zoom,omitempty"`
}

// Entity represents a map project with a fixed location.
//
// LocationGeohash is always the geohash of Location at geohash.FullPrecision;
// it is recomputed together with any location update and is never stale.
type Entity struct {
	ID              string    `json:"id"`
	Name            string    `json:"name"`
	Description     string    `json:"description,omitempty"`
	Status          Status    `json:"status"`
	Location        Location  `json:"location"`
	LocationGeohash string    `json:"locationGeohash"`
	View            View      `json:"view,omitempty"`
	CreatedBy       string    `json:"createdBy"`
	UpdatedBy       string    `json:"updatedBy"`
	CreatedAt       time.Time `json:"createdAt"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// Group is an aggregate marker standing in for several nearby entities at a
// coarse zoom level. Groups are recomputed on demand and never persisted;
// member entities retain independent existence and identity.
type Group struct {
	ID       string   `json:"id"` // "group_" + centroid geohash
	Count    int      `json:"count"`
	Centroid Location `json:"centroid"`
	City     string   `json:"city"`
	State    string   `json:"state"`
}

// Image is an uploaded image attached to an entity
type Image struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	URL       string    `json:"url"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Suggestion is a user-submitted proposal attached to an entity
type Suggestion struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	Body      string    `json:"body"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// Contribution is a single funding contribution to an entity
type Contribution struct {
	ID        string    `json:"id"`
	EntityID  string    `json:"entityId"`
	Amount    float64   `json:"amount"`
	CreatedBy string    `json:"createdBy"`
	CreatedAt time.Time `json:"createdAt"`
}

// ContributionSummary aggregates the contributions for one entity
type ContributionSummary struct {
	Total        float64 `json:"total"`
	Contributors int     `json:"contributors"`
}

// Detail is the full payload pushed to detail-view subscribers
type Detail struct {
	Entity              Entity              `json:"entity"`
	Images              []Image             `json:"images"`
	Suggestions         []Suggestion        `json:"suggestions"`
	ContributionSummary ContributionSummary `json:"contributionSummary"`
}
