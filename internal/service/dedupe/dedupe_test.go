package dedupe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// newAtClock returns a deduper driven by a fake clock
func newAtClock(window time.Duration) (*Deduper, *time.Time) {
	d := New(window)
	now := time.Unix(1700000000, 0)
	d.now = func() time.Time { return now }
	return d, &now
}

func TestDedupeSuppressesWithinWindow(t *testing.T) {
	d, now := newAtClock(time.Second)

	assert.True(t, d.Dedupe("subscribe", "dr5r", true))
	assert.False(t, d.Dedupe("subscribe", "dr5r", true))

	*now = now.Add(500 * time.Millisecond)
	assert.False(t, d.Dedupe("subscribe", "dr5r", true))

	*now = now.Add(600 * time.Millisecond)
	assert.True(t, d.Dedupe("subscribe", "dr5r", true))
}

func TestDedupeDistinguishesArguments(t *testing.T) {
	d, _ := newAtClock(time.Second)

	assert.True(t, d.Dedupe("subscribe", "dr5r", true))
	assert.True(t, d.Dedupe("subscribe", "dr5r", false))
	assert.True(t, d.Dedupe("subscribe", "dr5s", true))
	assert.True(t, d.Dedupe("unsubscribe", "dr5r", true))
}

func TestDedupeStructuredArguments(t *testing.T) {
	d, _ := newAtClock(time.Second)

	type payload struct {
		ID  string
		Lat float64
	}

	assert.True(t, d.Dedupe("setEntity", payload{ID: "e1", Lat: 40.7}))
	assert.False(t, d.Dedupe("setEntity", payload{ID: "e1", Lat: 40.7}))
	assert.True(t, d.Dedupe("setEntity", payload{ID: "e1", Lat: 40.8}))
}

func TestDedupeGarbageCollection(t *testing.T) {
	d, now := newAtClock(time.Second)

	d.Dedupe("a")
	d.Dedupe("b")
	assert.Equal(t, 2, d.Size())

	// Past the GC window, stale entries are purged on the next access.
	*now = now.Add(DefaultGCWindow + time.Second)
	d.Dedupe("c")
	assert.Equal(t, 1, d.Size())
}

func TestDedupeUnhashableArgumentsPassThrough(t *testing.T) {
	d, _ := newAtClock(time.Second)

	// Channels cannot be marshaled; such calls are never suppressed.
	ch := make(chan int)
	assert.True(t, d.Dedupe(ch))
	assert.True(t, d.Dedupe(ch))
}

func TestNewDefaultsWindow(t *testing.T) {
	d := New(0)
	assert.Equal(t, DefaultWindow, d.window)
}
