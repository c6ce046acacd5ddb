// internal/service/realtime/registry.go

package realtime

import (
	"sync"
)

// CleanupKind selects which of a connection's subscriptions a deferred
// cleanup tears down.
type CleanupKind string

const (
	CleanupCell   CleanupKind = "cell"
	CleanupEntity CleanupKind = "entity"
)

// Registry tracks which connections are subscribed to which geohash cells and
// entity detail rooms. It is the sole owner of that mapping. A connection
// holds at most one cell subscription at a time (subscribing again replaces
// it) and any number of entity subscriptions.
//
// All state is in-process; running more than one server instance requires
// sticky routing or an external membership store.
type Registry struct {
	mu sync.RWMutex

	cellByConn  map[string]string
	connsByCell map[string]map[string]struct{}

	entitiesByConn map[string]map[string]struct{}
	connsByEntity  map[string]map[string]struct{}

	// Deferred teardown queued for a later batched pass, so rapid
	// subscribe/unsubscribe churn from map panning does not tear down and
	// rebuild state synchronously.
	pendingCleanup map[string]map[CleanupKind]struct{}
}

// NewRegistry creates an empty subscription registry
func NewRegistry() *Registry {
	return &Registry{
		cellByConn:     make(map[string]string),
		connsByCell:    make(map[string]map[string]struct{}),
		entitiesByConn: make(map[string]map[string]struct{}),
		connsByEntity:  make(map[string]map[string]struct{}),
		pendingCleanup: make(map[string]map[CleanupKind]struct{}),
	}
}

// Join records a cell subscription for a connection, replacing any prior cell
// subscription. It returns the replaced prefix, or "" if there was none.
// Any cleanup queued for this connection's cell subscription runs first, so
// deferred teardown can never double up with new state.
func (r *Registry) Join(connectionID, prefix string) (replaced string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runPendingLocked(connectionID, CleanupCell)

	if old, ok := r.cellByConn[connectionID]; ok {
		if old == prefix {
			return ""
		}
		r.leaveCellLocked(connectionID, old)
		replaced = old
	}

	r.cellByConn[connectionID] = prefix
	conns := r.connsByCell[prefix]
	if conns == nil {
		conns = make(map[string]struct{})
		r.connsByCell[prefix] = conns
	}
	conns[connectionID] = struct{}{}

	return replaced
}

// Leave removes a connection's cell subscription. Unknown connections and
// mismatched prefixes are no-ops.
func (r *Registry) Leave(connectionID, prefix string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.cellByConn[connectionID]; !ok || current != prefix {
		return
	}
	r.leaveCellLocked(connectionID, prefix)
	r.cancelPendingLocked(connectionID, CleanupCell)
}

// JoinEntity adds an entity detail subscription for a connection
func (r *Registry) JoinEntity(connectionID, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.runPendingLocked(connectionID, CleanupEntity)

	ents := r.entitiesByConn[connectionID]
	if ents == nil {
		ents = make(map[string]struct{})
		r.entitiesByConn[connectionID] = ents
	}
	ents[entityID] = struct{}{}

	conns := r.connsByEntity[entityID]
	if conns == nil {
		conns = make(map[string]struct{})
		r.connsByEntity[entityID] = conns
	}
	conns[connectionID] = struct{}{}
}

// LeaveEntity removes one entity detail subscription. Unknown pairs are
// no-ops.
func (r *Registry) LeaveEntity(connectionID, entityID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leaveEntityLocked(connectionID, entityID)
}

// ActiveSubscribers returns the connections subscribed at exactly the given
// prefix. Fan-out uses this to decide which ancestor rooms to publish to.
func (r *Registry) ActiveSubscribers(prefix string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.connsByCell[prefix]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// EntitySubscribers returns the connections in an entity's detail room
func (r *Registry) EntitySubscribers(entityID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	conns := r.connsByEntity[entityID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]string, 0, len(conns))
	for id := range conns {
		out = append(out, id)
	}
	return out
}

// CellOf returns the connection's current cell subscription, if any
func (r *Registry) CellOf(connectionID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix, ok := r.cellByConn[connectionID]
	return prefix, ok
}

// EnqueueCleanup queues teardown of the given subscription kinds for a later
// batched pass instead of tearing them down synchronously.
func (r *Registry) EnqueueCleanup(connectionID string, kinds ...CleanupKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.pendingCleanup[connectionID]
	if pending == nil {
		pending = make(map[CleanupKind]struct{})
		r.pendingCleanup[connectionID] = pending
	}
	for _, k := range kinds {
		pending[k] = struct{}{}
	}
}

// ProcessCleanupQueue runs every queued teardown, empties the queue, and
// reports how many teardowns ran
func (r *Registry) ProcessCleanupQueue() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for connectionID, kinds := range r.pendingCleanup {
		for k := range kinds {
			r.cleanupLocked(connectionID, k)
			removed++
		}
	}
	r.pendingCleanup = make(map[string]map[CleanupKind]struct{})
	return removed
}

// Drain synchronously removes every subscription a connection holds, and any
// queued cleanup with it. Called when a connection closes.
func (r *Registry) Drain(connectionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.cleanupLocked(connectionID, CleanupCell)
	r.cleanupLocked(connectionID, CleanupEntity)
	delete(r.pendingCleanup, connectionID)
}

func (r *Registry) runPendingLocked(connectionID string, kind CleanupKind) {
	pending, ok := r.pendingCleanup[connectionID]
	if !ok {
		return
	}
	if _, queued := pending[kind]; !queued {
		return
	}
	r.cleanupLocked(connectionID, kind)
	delete(pending, kind)
	if len(pending) == 0 {
		delete(r.pendingCleanup, connectionID)
	}
}

func (r *Registry) cancelPendingLocked(connectionID string, kind CleanupKind) {
	pending, ok := r.pendingCleanup[connectionID]
	if !ok {
		return
	}
	delete(pending, kind)
	if len(pending) == 0 {
		delete(r.pendingCleanup, connectionID)
	}
}

func (r *Registry) cleanupLocked(connectionID string, kind CleanupKind) {
	switch kind {
	case CleanupCell:
		if prefix, ok := r.cellByConn[connectionID]; ok {
			r.leaveCellLocked(connectionID, prefix)
		}
	case CleanupEntity:
		for entityID := range r.entitiesByConn[connectionID] {
			r.leaveEntityLocked(connectionID, entityID)
		}
	}
}

func (r *Registry) leaveCellLocked(connectionID, prefix string) {
	delete(r.cellByConn, connectionID)
	if conns := r.connsByCell[prefix]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.connsByCell, prefix)
		}
	}
}

func (r *Registry) leaveEntityLocked(connectionID, entityID string) {
	if ents := r.entitiesByConn[connectionID]; ents != nil {
		delete(ents, entityID)
		if len(ents) == 0 {
			delete(r.entitiesByConn, connectionID)
		}
	}
	if conns := r.connsByEntity[entityID]; conns != nil {
		delete(conns, connectionID)
		if len(conns) == 0 {
			delete(r.connsByEntity, entityID)
		}
	}
}
