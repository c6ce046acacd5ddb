package realtime

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestJoinReplacesPriorCell(t *testing.T) {
	r := NewRegistry()

	replaced := r.Join("c1", "dr5r")
	assert.Equal(t, "", replaced)
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5r"))

	replaced = r.Join("c1", "dr5s")
	assert.Equal(t, "dr5r", replaced)
	assert.Empty(t, r.ActiveSubscribers("dr5r"))
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5s"))
}

func TestJoinSamePrefixIsIdempotent(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	replaced := r.Join("c1", "dr5r")

	assert.Equal(t, "", replaced)
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5r"))
}

func TestMultipleConnectionsShareCell(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.Join("c2", "dr5r")
	r.Join("c3", "dr5")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.ActiveSubscribers("dr5r"))
	assert.ElementsMatch(t, []string{"c3"}, r.ActiveSubscribers("dr5"))
}

func TestLeaveUnknownConnectionIsNoOp(t *testing.T) {
	r := NewRegistry()

	assert.NotPanics(t, func() {
		r.Leave("ghost", "dr5r")
		r.LeaveEntity("ghost", "e1")
		r.Drain("ghost")
	})
}

func TestLeaveMismatchedPrefixIsNoOp(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.Leave("c1", "dr5s")

	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5r"))
}

func TestEntitySubscriptionsAreASet(t *testing.T) {
	r := NewRegistry()

	r.JoinEntity("c1", "e1")
	r.JoinEntity("c1", "e2")
	r.JoinEntity("c2", "e1")

	assert.ElementsMatch(t, []string{"c1", "c2"}, r.EntitySubscribers("e1"))
	assert.ElementsMatch(t, []string{"c1"}, r.EntitySubscribers("e2"))

	r.LeaveEntity("c1", "e1")
	assert.ElementsMatch(t, []string{"c2"}, r.EntitySubscribers("e1"))
	assert.ElementsMatch(t, []string{"c1"}, r.EntitySubscribers("e2"))
}

func TestDeferredCleanupRunsOnProcess(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.JoinEntity("c1", "e1")
	r.EnqueueCleanup("c1", CleanupCell, CleanupEntity)

	// Nothing torn down until the batched pass runs.
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5r"))

	r.ProcessCleanupQueue()
	assert.Empty(t, r.ActiveSubscribers("dr5r"))
	assert.Empty(t, r.EntitySubscribers("e1"))
}

// A queued cleanup must run before a new subscription of the same kind is
// taken, so deferred teardown can never double state.
func TestQueuedCleanupRunsBeforeNewJoin(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.EnqueueCleanup("c1", CleanupCell)

	replaced := r.Join("c1", "dr5s")

	// The old cell was removed by the pending cleanup, not replaced.
	assert.Equal(t, "", replaced)
	assert.Empty(t, r.ActiveSubscribers("dr5r"))
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5s"))
}

func TestLeaveCancelsQueuedCleanup(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.EnqueueCleanup("c1", CleanupCell)
	r.Leave("c1", "dr5r")

	// A later join must not be torn down by the stale queue entry.
	r.Join("c1", "dr5s")
	r.ProcessCleanupQueue()
	assert.ElementsMatch(t, []string{"c1"}, r.ActiveSubscribers("dr5s"))
}

func TestDrainRemovesEverything(t *testing.T) {
	r := NewRegistry()

	r.Join("c1", "dr5r")
	r.JoinEntity("c1", "e1")
	r.JoinEntity("c1", "e2")
	r.EnqueueCleanup("c1", CleanupCell)

	r.Drain("c1")

	assert.Empty(t, r.ActiveSubscribers("dr5r"))
	assert.Empty(t, r.EntitySubscribers("e1"))
	assert.Empty(t, r.EntitySubscribers("e2"))
	_, ok := r.CellOf("c1")
	assert.False(t, ok)
}

func TestConcurrentAccess(t *testing.T) {
	r := NewRegistry()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			conn := fmt.Sprintf("c%d", n)
			r.Join(conn, "dr5r")
			r.JoinEntity(conn, "e1")
			r.ActiveSubscribers("dr5r")
			r.EntitySubscribers("e1")
			if n%2 == 0 {
				r.Drain(conn)
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, r.ActiveSubscribers("dr5r"), 25)
	assert.Len(t, r.EntitySubscribers("e1"), 25)
}
