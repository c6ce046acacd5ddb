// internal/client/manager_test.go

package client

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mapsync/internal/domain/entity"
	"mapsync/internal/protocol"
)

// testServer is a minimal WebSocket endpoint that records every envelope it
// receives and hands out connections for server-initiated pushes
type testServer struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader

	mu    sync.Mutex
	conns []*websocket.Conn

	received chan *protocol.Envelope
}

func newTestServer(t *testing.T) *testServer {
	ts := &testServer{
		received: make(chan *protocol.Envelope, 64),
	}
	ts.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()

		for {
			_, message, err := conn.ReadMessage()
			if err != nil {
				return
			}
			env, err := protocol.Decode(message)
			if err != nil {
				continue
			}
			ts.received <- env
		}
	}))
	t.Cleanup(ts.srv.Close)
	return ts
}

func (ts *testServer) wsURL() string {
	return "ws" + strings.TrimPrefix(ts.srv.URL, "http")
}

func (ts *testServer) push(t *testing.T, event protocol.EventType, payload interface{}) {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	require.NotEmpty(t, ts.conns)
	conn := ts.conns[len(ts.conns)-1]

	data, err := protocol.Encode(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func (ts *testServer) next(t *testing.T) *protocol.Envelope {
	select {
	case env := <-ts.received:
		return env
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for envelope")
		return nil
	}
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url)
	cfg.FlushDelay = 20 * time.Millisecond
	cfg.BaseBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func waitForState(t *testing.T, m *Manager, want State) {
	require.Eventually(t, func() bool {
		return m.State() == want
	}, 2*time.Second, 5*time.Millisecond, "expected state %s", want)
}

func TestFirstHookConnectsLastUnregisterDisconnects(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))

	assert.Equal(t, StateDisconnected, m.State())

	unregA := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	waitForState(t, m, StateConnected)

	// A second hook must not open a second connection.
	unregB := m.RegisterHook(protocol.EventEntityData, func(json.RawMessage) {})
	time.Sleep(50 * time.Millisecond)
	ts.mu.Lock()
	assert.Len(t, ts.conns, 1)
	ts.mu.Unlock()

	unregA()
	assert.Equal(t, StateConnected, m.State())

	unregB()
	waitForState(t, m, StateDisconnected)
}

func TestImmediateEmit(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()
	waitForState(t, m, StateConnected)

	m.Emit(protocol.EventSubscribe, protocol.SubscribePayload{
		Geohash:         "dr5ru",
		ShouldSubscribe: true,
	}, EmitOptions{Timing: TimingImmediate})

	env := ts.next(t)
	assert.Equal(t, protocol.EventSubscribe, env.Type)

	var p protocol.SubscribePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "dr5ru", p.Geohash)
	assert.True(t, p.ShouldSubscribe)
}

func TestDelayedAppendCoalescesIntoOneFlush(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()
	waitForState(t, m, StateConnected)

	opts := EmitOptions{ArgBehavior: ArgAppend, Timing: TimingDelayed}
	m.Emit(protocol.EventSubscribeEntity, protocol.SubscribeEntityPayload{EntityID: "a", ShouldSubscribe: true}, opts)
	m.Emit(protocol.EventSubscribeEntity, protocol.SubscribeEntityPayload{EntityID: "b", ShouldSubscribe: true}, opts)

	// Both payloads survive and arrive in emission order.
	first := ts.next(t)
	second := ts.next(t)
	require.Equal(t, protocol.EventSubscribeEntity, first.Type)
	require.Equal(t, protocol.EventSubscribeEntity, second.Type)

	var pa, pb protocol.SubscribeEntityPayload
	require.NoError(t, json.Unmarshal(first.Payload, &pa))
	require.NoError(t, json.Unmarshal(second.Payload, &pb))
	assert.Equal(t, "a", pa.EntityID)
	assert.Equal(t, "b", pb.EntityID)
}

func TestDelayedReplaceKeepsOnlyLatest(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()
	waitForState(t, m, StateConnected)

	opts := EmitOptions{ArgBehavior: ArgReplace, Timing: TimingDelayed}
	for _, cell := range []string{"dr5r1", "dr5r2", "dr5r3"} {
		m.Emit(protocol.EventSubscribe, protocol.SubscribePayload{Geohash: cell, ShouldSubscribe: true}, opts)
	}

	env := ts.next(t)
	var p protocol.SubscribePayload
	require.NoError(t, json.Unmarshal(env.Payload, &p))
	assert.Equal(t, "dr5r3", p.Geohash)

	// Nothing else was flushed.
	select {
	case extra := <-ts.received:
		t.Fatalf("unexpected extra envelope: %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestOfflineBufferReplaysInOrder(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	// Emissions before any hook registers are buffered, not dropped.
	m.Emit(protocol.EventSetEntity, protocol.SetEntityPayload{
		Entity: entity.Entity{ID: "e-1", Name: "Test"},
	}, EmitOptions{})
	m.Emit(protocol.EventSubscribe, protocol.SubscribePayload{Geohash: "dr5r1", ShouldSubscribe: true},
		EmitOptions{ArgBehavior: ArgReplace})
	m.Emit(protocol.EventSubscribe, protocol.SubscribePayload{Geohash: "dr5r2", ShouldSubscribe: true},
		EmitOptions{ArgBehavior: ArgReplace})

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()
	waitForState(t, m, StateConnected)

	// FIFO across events, replace-mode collapsed to the latest payload.
	first := ts.next(t)
	assert.Equal(t, protocol.EventSetEntity, first.Type)

	second := ts.next(t)
	require.Equal(t, protocol.EventSubscribe, second.Type)
	var p protocol.SubscribePayload
	require.NoError(t, json.Unmarshal(second.Payload, &p))
	assert.Equal(t, "dr5r2", p.Geohash)

	select {
	case extra := <-ts.received:
		t.Fatalf("unexpected extra envelope: %s", extra.Type)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHooksReceiveInboundEvents(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	got := make(chan string, 1)
	unreg := m.RegisterHook(protocol.EventNewEntity, func(payload json.RawMessage) {
		var p protocol.NewEntityPayload
		if err := json.Unmarshal(payload, &p); err == nil {
			got <- p.Entity.ID
		}
	})
	defer unreg()
	waitForState(t, m, StateConnected)

	ts.push(t, protocol.EventNewEntity, protocol.NewEntityPayload{
		Entity: entity.Entity{ID: "e-1", LocationGeohash: "dr5ru4y2k"},
	})

	select {
	case g := <-got:
		assert.Equal(t, "e-1", g)
	case <-time.After(2 * time.Second):
		t.Fatal("hook never fired")
	}
}

func TestPanickingHookDoesNotStopOthers(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	got := make(chan struct{}, 1)
	unregA := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {
		panic("boom")
	})
	defer unregA()
	unregB := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {
		got <- struct{}{}
	})
	defer unregB()
	waitForState(t, m, StateConnected)

	ts.push(t, protocol.EventNewEntity, protocol.NewEntityPayload{Entity: entity.Entity{ID: "e-1"}})

	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("second hook never fired after first panicked")
	}

	// The read loop survived the panic.
	ts.push(t, protocol.EventNewEntity, protocol.NewEntityPayload{Entity: entity.Entity{ID: "e-2"}})
	select {
	case <-got:
	case <-time.After(2 * time.Second):
		t.Fatal("read loop died after hook panic")
	}
}

func TestReconnectAfterServerDrop(t *testing.T) {
	ts := newTestServer(t)
	m := New(testConfig(ts.wsURL()))
	defer m.Close()

	states := make(chan State, 16)
	unsub := m.OnStateChange(func(s State) { states <- s })
	defer unsub()

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()
	waitForState(t, m, StateConnected)

	// Kill the server side of the connection.
	ts.mu.Lock()
	ts.conns[0].Close()
	ts.mu.Unlock()

	waitForState(t, m, StateConnected)

	ts.mu.Lock()
	assert.GreaterOrEqual(t, len(ts.conns), 2)
	ts.mu.Unlock()

	var seen []State
	for len(states) > 0 {
		seen = append(seen, <-states)
	}
	assert.Contains(t, seen, StateReconnecting)
}

func TestGivesUpAfterMaxAttempts(t *testing.T) {
	ts := newTestServer(t)
	cfg := testConfig(ts.wsURL())
	cfg.MaxAttempts = 2
	ts.srv.Close()

	m := New(cfg)

	var mu sync.Mutex
	var seen []State
	unsub := m.OnStateChange(func(s State) {
		mu.Lock()
		seen = append(seen, s)
		mu.Unlock()
	})
	defer unsub()

	unreg := m.RegisterHook(protocol.EventNewEntity, func(json.RawMessage) {})
	defer unreg()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) > 0 && seen[len(seen)-1] == StateDisconnected
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	assert.Contains(t, seen, StateReconnecting)
	mu.Unlock()
}
