// internal/service/cluster/cluster.go

// Package cluster groups nearby entities into aggregate markers so a client
// never has to render thousands of individual points at a coarse zoom level.
package cluster

import (
	"context"
	"math"
	"sort"
	"strings"

	"mapsync/internal/domain/entity"
	"mapsync/internal/geohash"
)

const (
	// GroupPrecisionThreshold is the finest target precision at which
	// clustering still applies; finer requests return individuals only.
	GroupPrecisionThreshold = 6

	// MinGroupSize is the smallest cluster worth emitting as a group.
	MinGroupSize = 3

	// BaseThreshold is the allowed gap, in degrees, between consecutive
	// entities at the threshold precision. It doubles for every level the
	// target precision is coarser than the threshold.
	BaseThreshold = 0.01
)

// Geocoder resolves display metadata for a group centroid. Implementations
// are best-effort; failures degrade to "Unknown".
type Geocoder interface {
	ReverseGeocode(ctx context.Context, lat, lng float64) (city, state string, err error)
}

// Result partitions the input: every entity appears in exactly one of the two
// collections.
type Result struct {
	Groups     []entity.Group
	Individual []entity.Entity
}

// Clusterer groups located entities by proximity and geohash-prefix
// membership.
type Clusterer struct {
	geocoder Geocoder
}

// New creates a clusterer. geocoder may be nil, in which case group
// city/state are "Unknown".
func New(geocoder Geocoder) *Clusterer {
	return &Clusterer{geocoder: geocoder}
}

// Cluster partitions entities into groups and individuals for the given
// target precision (the geohash prefix the caller is subscribed to).
//
// The walk order sorts by descending geohash string. That is a locality
// proxy, not a true space-filling curve: string order only approximates 2D
// adjacency near cell boundaries. Known approximation, acceptable here.
func (c *Clusterer) Cluster(ctx context.Context, entities []entity.Entity, targetPrecision string) Result {
	res := Result{
		Groups:     []entity.Group{},
		Individual: []entity.Entity{},
	}

	if len(entities) == 0 {
		return res
	}

	// Clustering only applies at coarse zoom levels.
	if len(targetPrecision) > GroupPrecisionThreshold {
		res.Individual = append(res.Individual, entities...)
		return res
	}

	sorted := make([]entity.Entity, len(entities))
	copy(sorted, entities)
	for i := range sorted {
		if sorted[i].LocationGeohash == "" {
			sorted[i].LocationGeohash = geohash.Encode(
				sorted[i].Location.Lat, sorted[i].Location.Lng, geohash.FullPrecision)
		}
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].LocationGeohash > sorted[j].LocationGeohash
	})

	// Coarser target precision allows larger gaps within a group.
	threshold := BaseThreshold * math.Pow(2, float64(GroupPrecisionThreshold-len(targetPrecision)))

	var current []entity.Entity
	for _, e := range sorted {
		if len(current) == 0 {
			current = append(current, e)
			continue
		}

		prev := current[len(current)-1]
		if planarDistance(prev.Location, e.Location) <= threshold {
			current = append(current, e)
			continue
		}

		c.closeGroup(ctx, current, targetPrecision, &res)
		current = []entity.Entity{e}
	}
	c.closeGroup(ctx, current, targetPrecision, &res)

	return res
}

// closeGroup emits the pending run as a group if it is large enough and its
// centroid settles in the expected cell, otherwise demotes its members.
func (c *Clusterer) closeGroup(ctx context.Context, members []entity.Entity, targetPrecision string, res *Result) {
	if len(members) == 0 {
		return
	}

	if len(members) < MinGroupSize {
		res.Individual = append(res.Individual, members...)
		return
	}

	centroid := centroidOf(members)
	centroidHash := geohash.Encode(centroid.Lat, centroid.Lng, geohash.FullPrecision)

	// An uneven run can straddle cells; if the centroid lands outside the
	// subscribed cell the members are shown individually instead.
	if !strings.HasPrefix(centroidHash, targetPrecision) {
		res.Individual = append(res.Individual, members...)
		return
	}

	city, state := c.lookupPlace(ctx, centroid)
	res.Groups = append(res.Groups, entity.Group{
		ID:       "group_" + centroidHash,
		Count:    len(members),
		Centroid: centroid,
		City:     city,
		State:    state,
	})
}

func (c *Clusterer) lookupPlace(ctx context.Context, loc entity.Location) (string, string) {
	if c.geocoder == nil {
		return "Unknown", "Unknown"
	}
	city, state, err := c.geocoder.ReverseGeocode(ctx, loc.Lat, loc.Lng)
	if err != nil || city == "" {
		city = "Unknown"
	}
	if err != nil || state == "" {
		state = "Unknown"
	}
	return city, state
}

func centroidOf(members []entity.Entity) entity.Location {
	var lat, lng float64
	for _, m := range members {
		lat += m.Location.Lat
		lng += m.Location.Lng
	}
	n := float64(len(members))
	return entity.Location{Lat: lat / n, Lng: lng / n}
}

// planarDistance is a simple equirectangular approximation in degrees,
// adequate at the scales groups form at.
func planarDistance(a, b entity.Location) float64 {
	avgLat := (a.Lat + b.Lat) / 2 * math.Pi / 180
	dx := (b.Lng - a.Lng) * math.Cos(avgLat)
	dy := b.Lat - a.Lat
	return math.Sqrt(dx*dx + dy*dy)
}
