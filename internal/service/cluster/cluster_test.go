package cluster

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/internal/domain/entity"
	"mapsync/internal/geohash"
)

type fakeGeocoder struct {
	city, state string
	err         error
}

func (f *fakeGeocoder) ReverseGeocode(ctx context.Context, lat, lng float64) (string, string, error) {
	return f.city, f.state, f.err
}

func at(id string, lat, lng float64) entity.Entity {
	return entity.Entity{
		ID:              id,
		Status:          entity.StatusDraft,
		Location:        entity.Location{Lat: lat, Lng: lng},
		LocationGeohash: geohash.Encode(lat, lng, geohash.FullPrecision),
	}
}

func TestTightClusterFormsOneGroup(t *testing.T) {
	// Four entities within meters of each other inside cell "dr5r".
	base := at("e0", 40.7128, -74.0060)
	target := base.LocationGeohash[:4]

	entities := []entity.Entity{base}
	for i := 1; i < 4; i++ {
		entities = append(entities, at(
			fmt.Sprintf("e%d", i),
			base.Location.Lat+float64(i)*0.00001,
			base.Location.Lng+float64(i)*0.00001,
		))
	}

	res := New(&fakeGeocoder{city: "New York", state: "NY"}).Cluster(context.Background(), entities, target)

	require.Len(t, res.Groups, 1)
	assert.Empty(t, res.Individual)
	assert.Equal(t, 4, res.Groups[0].Count)
	assert.Equal(t, "New York", res.Groups[0].City)
	assert.True(t, strings.HasPrefix(res.Groups[0].ID, "group_"))
	assert.True(t, strings.HasPrefix(strings.TrimPrefix(res.Groups[0].ID, "group_"), target))
}

func TestSparseEntitiesStayIndividual(t *testing.T) {
	// Five entities below MIN_GROUP_SIZE runs, spread far apart.
	entities := []entity.Entity{
		at("e1", 40.70, -74.00),
		at("e2", 40.90, -74.40),
		at("e3", 41.10, -74.80),
		at("e4", 41.30, -75.20),
		at("e5", 41.50, -75.60),
	}

	res := New(nil).Cluster(context.Background(), entities, "dr")

	assert.Empty(t, res.Groups)
	assert.Len(t, res.Individual, 5)
}

func TestFinePrecisionSkipsClustering(t *testing.T) {
	var entities []entity.Entity
	for i := 0; i < 10; i++ {
		entities = append(entities, at(fmt.Sprintf("e%d", i), 40.7128, -74.0060))
	}

	target := entities[0].LocationGeohash[:GroupPrecisionThreshold+1]
	res := New(nil).Cluster(context.Background(), entities, target)

	assert.Empty(t, res.Groups)
	assert.Len(t, res.Individual, 10)
}

func TestGroupsSmallerThanMinimumDemoted(t *testing.T) {
	// Two tight pairs far from each other: both runs are below MinGroupSize.
	entities := []entity.Entity{
		at("a1", 40.7128, -74.0060),
		at("a2", 40.71281, -74.00601),
		at("b1", 40.7528, -73.9060),
		at("b2", 40.75281, -73.90601),
	}

	res := New(nil).Cluster(context.Background(), entities, "dr5r")

	assert.Empty(t, res.Groups)
	assert.Len(t, res.Individual, 4)
}

// Every input entity must appear in exactly one output collection.
func TestPartitionInvariant(t *testing.T) {
	var entities []entity.Entity
	// A mix: one tight knot, some strays, a pair.
	for i := 0; i < 6; i++ {
		entities = append(entities, at(fmt.Sprintf("knot%d", i), 40.7128+float64(i)*0.00002, -74.0060))
	}
	entities = append(entities,
		at("stray1", 40.95, -74.5),
		at("stray2", 41.2, -73.2),
		at("pair1", 40.60, -74.20),
		at("pair2", 40.6001, -74.2001),
	)

	res := New(nil).Cluster(context.Background(), entities, "dr")

	total := len(res.Individual)
	for _, g := range res.Groups {
		total += g.Count
		assert.GreaterOrEqual(t, g.Count, MinGroupSize)
	}
	assert.Equal(t, len(entities), total)

	seen := make(map[string]int)
	for _, e := range res.Individual {
		seen[e.ID]++
	}
	for id, n := range seen {
		assert.Equal(t, 1, n, "entity %s duplicated", id)
	}
}

// Every emitted group's centroid geohash starts with the target precision.
func TestPrecisionDiscipline(t *testing.T) {
	var entities []entity.Entity
	for i := 0; i < 8; i++ {
		entities = append(entities, at(fmt.Sprintf("e%d", i), 40.7128+float64(i)*0.00001, -74.0060))
	}
	target := entities[0].LocationGeohash[:5]

	res := New(nil).Cluster(context.Background(), entities, target)

	for _, g := range res.Groups {
		centroidHash := geohash.Encode(g.Centroid.Lat, g.Centroid.Lng, geohash.FullPrecision)
		assert.True(t, strings.HasPrefix(centroidHash, target))
	}
}

func TestGeocoderFailureDegradesToUnknown(t *testing.T) {
	var entities []entity.Entity
	for i := 0; i < 4; i++ {
		entities = append(entities, at(fmt.Sprintf("e%d", i), 40.7128, -74.0060))
	}
	target := entities[0].LocationGeohash[:4]

	res := New(&fakeGeocoder{err: errors.New("upstream down")}).Cluster(context.Background(), entities, target)

	require.Len(t, res.Groups, 1)
	assert.Equal(t, "Unknown", res.Groups[0].City)
	assert.Equal(t, "Unknown", res.Groups[0].State)
}

func TestEmptyInput(t *testing.T) {
	res := New(nil).Cluster(context.Background(), nil, "dr5r")
	assert.Empty(t, res.Groups)
	assert.Empty(t, res.Individual)
}
