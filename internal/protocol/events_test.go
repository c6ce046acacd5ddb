package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/internal/domain/entity"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	in := SubscribePayload{Geohash: "dr5r", ShouldSubscribe: true}

	b, err := Encode(EventSubscribe, in)
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, EventSubscribe, env.Type)

	var out SubscribePayload
	require.NoError(t, env.Unmarshal(&out))
	assert.Equal(t, in, out)
}

func TestDecodeRejectsMalformed(t *testing.T) {
	_, err := Decode([]byte(`{not json`))
	assert.Error(t, err)

	_, err = Decode([]byte(`{"payload": {}}`))
	assert.Error(t, err, "missing type must be rejected")
}

func TestUnknownTypeSurvivesDecode(t *testing.T) {
	// A frame with an unrecognized type still decodes; the dispatcher drops
	// it without closing the connection.
	env, err := Decode([]byte(`{"type":"somethingElse","payload":{}}`))
	require.NoError(t, err)
	assert.False(t, env.Type.Known())
}

func TestKnownTypes(t *testing.T) {
	for _, et := range []EventType{
		EventSubscribe, EventSubscribeEntity, EventSetEntity,
		EventDeleteEntity, EventAddContribution, EventNewEntity, EventEntityData,
	} {
		assert.True(t, et.Known(), "%s", et)
	}
	assert.False(t, EventType("ping").Known())
}

func TestSnapshotPayloadShape(t *testing.T) {
	snap := SnapshotPayload{
		Geohash:  "dr5",
		Entities: []entity.Entity{{ID: "e1", Status: entity.StatusDraft}},
		Groups:   []entity.Group{{ID: "group_dr5ru7e9x", Count: 4}},
	}

	b, err := Encode(EventSubscribe, snap)
	require.NoError(t, err)

	env, err := Decode(b)
	require.NoError(t, err)

	var out SnapshotPayload
	require.NoError(t, env.Unmarshal(&out))
	assert.Equal(t, snap.Geohash, out.Geohash)
	require.Len(t, out.Entities, 1)
	assert.Equal(t, "e1", out.Entities[0].ID)
	require.Len(t, out.Groups, 1)
	assert.Equal(t, 4, out.Groups[0].Count)
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "map.cell.dr5r", CellSubject("dr5r"))
	assert.Equal(t, "map.entity.e1", EntitySubject("e1"))
	assert.Equal(t, "map.conn.c1", ConnSubject("c1"))
}
