// internal/service/dedupe/dedupe.go

// Package dedupe collapses duplicate calls arriving within a short trailing
// window, as happens with flaky networks and double-fired UI events. It is a
// best-effort, in-memory, single-process mechanism: it does not provide
// exactly-once semantics across restarts or multiple server instances.
package dedupe

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// DefaultWindow is the trailing interval during which repeated identical
// calls are suppressed.
const DefaultWindow = 1000 * time.Millisecond

// DefaultGCWindow is how long an entry may go unseen before it is purged.
// Independent of, and longer than, the suppression window.
const DefaultGCWindow = 60 * time.Second

// Deduper maps a content hash of call arguments to the time it was last seen
type Deduper struct {
	mu       sync.Mutex
	window   time.Duration
	gcWindow time.Duration
	seen     map[string]time.Time
	now      func() time.Time
}

// New creates a deduper with the given suppression window. A non-positive
// window falls back to DefaultWindow.
func New(window time.Duration) *Deduper {
	if window <= 0 {
		window = DefaultWindow
	}
	return &Deduper{
		window:   window,
		gcWindow: DefaultGCWindow,
		seen:     make(map[string]time.Time),
		now:      time.Now,
	}
}

// Dedupe reports whether this call, identified by a content hash of all its
// arguments, is the first occurrence within the window. On true it refreshes
// the last-seen timestamp; on false the caller should treat the call as a
// no-op. Entries unseen for longer than the GC window are purged lazily.
func (d *Deduper) Dedupe(args ...interface{}) bool {
	key, err := hashArgs(args)
	if err != nil {
		// Unhashable arguments cannot be deduplicated; let the call through.
		return true
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	d.gcLocked(now)

	if last, ok := d.seen[key]; ok && now.Sub(last) < d.window {
		return false
	}

	d.seen[key] = now
	return true
}

// Size returns the number of tracked argument signatures
func (d *Deduper) Size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func (d *Deduper) gcLocked(now time.Time) {
	for key, last := range d.seen {
		if now.Sub(last) > d.gcWindow {
			delete(d.seen, key)
		}
	}
}

// hashArgs produces a stable content hash for an argument list
func hashArgs(args []interface{}) (string, error) {
	b, err := json.Marshal(args)
	if err != nil {
		return "", fmt.Errorf("marshaling dedupe arguments: %w", err)
	}
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:]), nil
}
