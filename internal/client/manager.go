// internal/client/manager.go

// Package client implements the client side of the map synchronization
// protocol: one shared WebSocket connection multiplexing many logical event
// subscriptions, with outbound batching, offline buffering, and
// exponential-backoff reconnection.
package client

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"mapsync/internal/protocol"
)

// State represents the connection lifecycle
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
)

// ArgBehavior controls how a delayed emission merges with pending payloads
// for the same event
type ArgBehavior string

const (
	// ArgAppend adds the payload to the pending set in insertion order
	ArgAppend ArgBehavior = "append"

	// ArgReplace keeps only the latest payload for the event
	ArgReplace ArgBehavior = "replace"
)

// Timing controls when an emission is written to the wire
type Timing string

const (
	// TimingDelayed coalesces rapid-fire emissions of one event type into a
	// single flush after a short delay
	TimingDelayed Timing = "delayed"

	// TimingImmediate sends synchronously
	TimingImmediate Timing = "immediate"
)

// EmitOptions selects batching behavior for one emission
type EmitOptions struct {
	ArgBehavior ArgBehavior
	Timing      Timing
}

// Hook receives the raw payload of one inbound event
type Hook func(payload json.RawMessage)

// Config holds connection manager configuration
type Config struct {
	// URL is the WebSocket endpoint, e.g. ws://host:8080/ws/map
	URL string

	// FlushDelay is the coalescing window for delayed emissions
	FlushDelay time.Duration

	// BaseBackoff is the first reconnect delay; it doubles per attempt
	BaseBackoff time.Duration

	// MaxBackoff caps the reconnect delay
	MaxBackoff time.Duration

	// MaxAttempts bounds reconnection; past it the manager gives up and
	// reports a permanent disconnected state
	MaxAttempts int

	// WriteWait bounds each write to the peer
	WriteWait time.Duration

	// PongWait is how long the connection may go without a pong before it
	// is considered dead
	PongWait time.Duration

	// PingPeriod is the interval between pings; must be under PongWait
	PingPeriod time.Duration
}

// DefaultConfig returns the default client configuration for the given URL
func DefaultConfig(url string) Config {
	return Config{
		URL:         url,
		FlushDelay:  50 * time.Millisecond,
		BaseBackoff: 1 * time.Second,
		MaxBackoff:  30 * time.Second,
		MaxAttempts: 10,
		WriteWait:   10 * time.Second,
		PongWait:    60 * time.Second,
		PingPeriod:  (60 * time.Second * 9) / 10,
	}
}

type bufferedEmission struct {
	event   protocol.EventType
	payload interface{}
	replace bool
}

type pendingQueue struct {
	payloads []interface{}
	timer    *time.Timer
}

type hookEntry struct {
	id   int
	hook Hook
}

// Manager owns the single outbound connection. One instance per process is
// constructed at startup and passed to all consumers; the connection itself
// is established lazily when the first hook registers and torn down when the
// last one unregisters.
type Manager struct {
	cfg    Config
	dialer *websocket.Dialer

	mu             sync.Mutex
	state          State
	conn           *websocket.Conn
	hooks          map[protocol.EventType][]hookEntry
	nextHookID     int
	stateListeners map[int]func(State)
	nextListenerID int
	pending        map[protocol.EventType]*pendingQueue
	buffer         []bufferedEmission
	attempts       int
	closing        bool
	generation     int

	writeMu sync.Mutex
}

// New creates a connection manager. No connection is opened until the first
// hook registers.
func New(cfg Config) *Manager {
	if cfg.FlushDelay <= 0 {
		cfg.FlushDelay = 50 * time.Millisecond
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 10
	}
	if cfg.WriteWait <= 0 {
		cfg.WriteWait = 10 * time.Second
	}
	if cfg.PongWait <= 0 {
		cfg.PongWait = 60 * time.Second
	}
	if cfg.PingPeriod <= 0 || cfg.PingPeriod >= cfg.PongWait {
		cfg.PingPeriod = cfg.PongWait * 9 / 10
	}

	return &Manager{
		cfg:            cfg,
		dialer:         websocket.DefaultDialer,
		state:          StateDisconnected,
		hooks:          make(map[protocol.EventType][]hookEntry),
		stateListeners: make(map[int]func(State)),
		pending:        make(map[protocol.EventType]*pendingQueue),
	}
}

// State returns the current connection state
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// OnStateChange registers a listener for connection-state transitions and
// returns a function that unregisters it. Listeners are notified
// synchronously on every change.
func (m *Manager) OnStateChange(fn func(State)) func() {
	m.mu.Lock()
	id := m.nextListenerID
	m.nextListenerID++
	m.stateListeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.stateListeners, id)
		m.mu.Unlock()
	}
}

// RegisterHook subscribes a callback to one event type and returns an
// unregister function. The first registration across all events triggers
// connection establishment; once the last hook anywhere unregisters, the
// connection is closed.
func (m *Manager) RegisterHook(event protocol.EventType, hook Hook) func() {
	m.mu.Lock()
	id := m.nextHookID
	m.nextHookID++
	m.hooks[event] = append(m.hooks[event], hookEntry{id: id, hook: hook})
	first := m.totalHooksLocked() == 1 && m.state == StateDisconnected && !m.closing
	m.mu.Unlock()

	if first {
		go m.connect()
	}

	return func() {
		m.unregisterHook(event, id)
	}
}

func (m *Manager) unregisterHook(event protocol.EventType, hookID int) {
	m.mu.Lock()
	entries := m.hooks[event]
	for i, e := range entries {
		if e.id == hookID {
			m.hooks[event] = append(entries[:i], entries[i+1:]...)
			break
		}
	}
	if len(m.hooks[event]) == 0 {
		delete(m.hooks, event)
	}
	last := m.totalHooksLocked() == 0
	conn := m.conn
	m.mu.Unlock()

	// Reference-counted lifecycle: the last unregistration disconnects.
	if last && conn != nil {
		m.disconnect()
	}
}

// Emit sends an event. While disconnected the emission is buffered and
// replayed in FIFO order after reconnect; while connected it is either sent
// synchronously (TimingImmediate) or coalesced into the per-event pending
// queue (TimingDelayed, the default).
func (m *Manager) Emit(event protocol.EventType, payload interface{}, opts EmitOptions) {
	if opts.ArgBehavior == "" {
		opts.ArgBehavior = ArgAppend
	}
	if opts.Timing == "" {
		opts.Timing = TimingDelayed
	}

	m.mu.Lock()

	if m.state != StateConnected {
		m.bufferLocked(event, payload, opts)
		m.mu.Unlock()
		return
	}

	if opts.Timing == TimingImmediate {
		conn := m.conn
		m.mu.Unlock()
		if err := m.writeEvent(conn, event, payload); err != nil {
			log.Printf("Immediate emit of %s failed: %v", event, err)
		}
		return
	}

	m.enqueueLocked(event, payload, opts)
	m.mu.Unlock()
}

// Close tears the connection down permanently. Buffered emissions are
// dropped; hooks stay registered but will never fire again.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closing = true
	m.mu.Unlock()
	m.disconnect()
}

// bufferLocked stores an emission for replay after reconnect. Replace-mode
// emissions collapse onto the earlier buffered entry for the same event,
// keeping its position so cross-event FIFO order is preserved.
func (m *Manager) bufferLocked(event protocol.EventType, payload interface{}, opts EmitOptions) {
	if opts.ArgBehavior == ArgReplace {
		for i := range m.buffer {
			if m.buffer[i].event == event && m.buffer[i].replace {
				m.buffer[i].payload = payload
				return
			}
		}
	}
	m.buffer = append(m.buffer, bufferedEmission{
		event:   event,
		payload: payload,
		replace: opts.ArgBehavior == ArgReplace,
	})
}

// enqueueLocked adds a payload to the event's pending queue and arms the
// flush timer on first enqueue. Ordering within one event's queue follows
// insertion order; ordering across independently-timed queues is not
// guaranteed.
func (m *Manager) enqueueLocked(event protocol.EventType, payload interface{}, opts EmitOptions) {
	q := m.pending[event]
	if q == nil {
		q = &pendingQueue{}
		m.pending[event] = q
	}

	if opts.ArgBehavior == ArgReplace {
		q.payloads = q.payloads[:0]
	}
	q.payloads = append(q.payloads, payload)

	if q.timer == nil {
		q.timer = time.AfterFunc(m.cfg.FlushDelay, func() {
			m.flushEvent(event)
		})
	}
}

// flushEvent drains one event's pending queue onto the wire
func (m *Manager) flushEvent(event protocol.EventType) {
	m.mu.Lock()
	q := m.pending[event]
	if q == nil {
		m.mu.Unlock()
		return
	}
	payloads := q.payloads
	delete(m.pending, event)

	if m.state != StateConnected {
		// The connection dropped before the timer fired; move everything
		// into the replay buffer instead.
		for _, p := range payloads {
			m.buffer = append(m.buffer, bufferedEmission{event: event, payload: p})
		}
		m.mu.Unlock()
		return
	}

	conn := m.conn
	m.mu.Unlock()

	for _, p := range payloads {
		if err := m.writeEvent(conn, event, p); err != nil {
			log.Printf("Flush of %s failed: %v", event, err)
			return
		}
	}
}

func (m *Manager) writeEvent(conn *websocket.Conn, event protocol.EventType, payload interface{}) error {
	if conn == nil {
		return fmt.Errorf("no connection")
	}

	data, err := protocol.Encode(event, payload)
	if err != nil {
		return err
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// connect establishes the connection and replays the offline buffer
func (m *Manager) connect() {
	m.setState(StateConnecting)

	conn, _, err := m.dialer.Dial(m.cfg.URL, nil)
	if err != nil {
		log.Printf("Dial error: %v", err)
		m.scheduleReconnect()
		return
	}

	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		conn.Close()
		return
	}
	m.conn = conn
	m.attempts = 0
	m.generation++
	gen := m.generation
	m.mu.Unlock()

	m.setState(StateConnected)

	// Replay buffered emissions in FIFO order before anything new is sent.
	m.flushBuffer(conn)

	go m.readLoop(conn, gen)
	go m.pingLoop(conn)
}

// pingLoop keeps the connection alive with control-frame pings until a write
// fails, which the read loop then observes as a dead connection
func (m *Manager) pingLoop(conn *websocket.Conn) {
	ticker := time.NewTicker(m.cfg.PingPeriod)
	defer ticker.Stop()

	for range ticker.C {
		m.writeMu.Lock()
		conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteWait))
		err := conn.WriteMessage(websocket.PingMessage, nil)
		m.writeMu.Unlock()
		if err != nil {
			return
		}
	}
}

// flushBuffer replays everything buffered while disconnected, in order
func (m *Manager) flushBuffer(conn *websocket.Conn) {
	m.mu.Lock()
	buffered := m.buffer
	m.buffer = nil
	m.mu.Unlock()

	for _, b := range buffered {
		if err := m.writeEvent(conn, b.event, b.payload); err != nil {
			log.Printf("Replay of buffered %s failed: %v", b.event, err)
			return
		}
	}
}

// readLoop dispatches inbound events to hooks until the connection drops
func (m *Manager) readLoop(conn *websocket.Conn, gen int) {
	conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(m.cfg.PongWait))
		return nil
	})

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			m.handleDisconnect(conn, gen, err)
			return
		}

		env, err := protocol.Decode(message)
		if err != nil {
			log.Printf("Failed to parse inbound message: %v", err)
			continue
		}

		m.dispatch(env)
	}
}

// dispatch notifies every hook registered for the event. A panicking hook is
// logged and skipped; it never stops the remaining hooks or the read loop.
func (m *Manager) dispatch(env *protocol.Envelope) {
	m.mu.Lock()
	entries := make([]hookEntry, len(m.hooks[env.Type]))
	copy(entries, m.hooks[env.Type])
	m.mu.Unlock()

	for _, e := range entries {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("Hook for %s panicked: %v", env.Type, r)
				}
			}()
			e.hook(env.Payload)
		}()
	}
}

// handleDisconnect reacts to an unexpected connection drop
func (m *Manager) handleDisconnect(conn *websocket.Conn, gen int, cause error) {
	conn.Close()

	m.mu.Lock()
	if m.conn != conn || m.generation != gen {
		// A newer connection already took over.
		m.mu.Unlock()
		return
	}
	m.conn = nil
	closing := m.closing
	hasHooks := m.totalHooksLocked() > 0
	m.mu.Unlock()

	if closing || !hasHooks {
		m.setState(StateDisconnected)
		return
	}

	log.Printf("Connection lost: %v", cause)
	m.scheduleReconnect()
}

// scheduleReconnect retries with exponential backoff (base delay doubling
// per attempt, capped) until MaxAttempts, then gives up and surfaces a
// permanent disconnected state.
func (m *Manager) scheduleReconnect() {
	m.mu.Lock()
	if m.closing {
		m.mu.Unlock()
		m.setState(StateDisconnected)
		return
	}
	m.attempts++
	attempts := m.attempts
	m.mu.Unlock()

	if attempts > m.cfg.MaxAttempts {
		log.Printf("Giving up after %d reconnect attempts", m.cfg.MaxAttempts)
		m.setState(StateDisconnected)
		return
	}

	delay := m.cfg.BaseBackoff << (attempts - 1)
	if delay > m.cfg.MaxBackoff || delay <= 0 {
		delay = m.cfg.MaxBackoff
	}

	m.setState(StateReconnecting)
	time.AfterFunc(delay, func() {
		m.mu.Lock()
		closing := m.closing
		hasHooks := m.totalHooksLocked() > 0
		m.mu.Unlock()
		if closing || !hasHooks {
			return
		}
		m.connect()
	})
}

// disconnect closes the connection intentionally
func (m *Manager) disconnect() {
	m.mu.Lock()
	conn := m.conn
	m.conn = nil
	m.generation++
	for event, q := range m.pending {
		if q.timer != nil {
			q.timer.Stop()
		}
		delete(m.pending, event)
	}
	m.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	m.setState(StateDisconnected)
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	if m.state == s {
		m.mu.Unlock()
		return
	}
	m.state = s
	listeners := make([]func(State), 0, len(m.stateListeners))
	for _, fn := range m.stateListeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	for _, fn := range listeners {
		fn(s)
	}
}

func (m *Manager) totalHooksLocked() int {
	n := 0
	for _, entries := range m.hooks {
		n += len(entries)
	}
	return n
}
