// internal/server/handlers/websocket.go

package handlers

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nats-io/nats.go"

	"mapsync/internal/id"
	"mapsync/internal/protocol"
	"mapsync/internal/service/realtime"
)

// WebSocketClient represents a connected WebSocket client
type WebSocketClient struct {
	conn         *websocket.Conn
	send         chan []byte
	connectionID string
	natsConn     *nats.Conn
	coordinator  *realtime.Coordinator

	mu          sync.Mutex
	cellSubject string
	roomSubs    map[string]*nats.Subscription
	closeOnce   sync.Once
}

// WebSocketConfig contains configuration for WebSocket connections
type WebSocketConfig struct {
	// Time allowed to write a message to the peer
	WriteWait time.Duration

	// Time allowed to read the next pong message from the peer
	PongWait time.Duration

	// Send pings to peer with this period
	PingPeriod time.Duration

	// Maximum message size allowed from peer
	MaxMessageSize int64
}

// DefaultWebSocketConfig returns the default WebSocket configuration
func DefaultWebSocketConfig() WebSocketConfig {
	return WebSocketConfig{
		WriteWait:      10 * time.Second,
		PongWait:       60 * time.Second,
		PingPeriod:     (60 * time.Second * 9) / 10,
		MaxMessageSize: 1024 * 1024, // 1MB
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// In production, this should be more restrictive
		return true
	},
}

// MapWebSocketHandler handles WebSocket connections for real-time map
// synchronization. Each connection gets its own ID and a private reply room;
// cell and entity rooms are joined and left as the client subscribes.
func MapWebSocketHandler(natsConn *nats.Conn, coordinator *realtime.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("Failed to upgrade to WebSocket: %v", err)
			return
		}

		client := &WebSocketClient{
			conn:         conn,
			send:         make(chan []byte, 256),
			connectionID: id.NewConnectionID(),
			natsConn:     natsConn,
			coordinator:  coordinator,
			roomSubs:     make(map[string]*nats.Subscription),
		}

		go client.writePump()
		go client.readPump()

		// The private room carries snapshot replies for this connection.
		if err := client.joinRoom(protocol.ConnSubject(client.connectionID)); err != nil {
			log.Printf("Failed to join connection room: %v", err)
			client.closeConnection()
			return
		}

		log.Printf("New WebSocket connection %s from %s", client.connectionID, r.RemoteAddr)
	}
}

// readPump pumps messages from the WebSocket connection into the coordinator
func (c *WebSocketClient) readPump() {
	config := DefaultWebSocketConfig()

	defer func() {
		c.closeConnection()
	}()

	c.conn.SetReadLimit(config.MaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(config.PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(config.PongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Printf("WebSocket error: %v", err)
			}
			break
		}

		c.processIncomingMessage(message)
	}
}

// writePump pumps fan-out messages to the WebSocket connection
func (c *WebSocketClient) writePump() {
	config := DefaultWebSocketConfig()
	ticker := time.NewTicker(config.PingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConnection()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			w.Write(message)

			// Add queued messages to the current WebSocket message
			n := len(c.send)
			for i := 0; i < n; i++ {
				w.Write([]byte{'\n'})
				w.Write(<-c.send)
			}

			if err := w.Close(); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// processIncomingMessage dispatches one inbound event. A malformed or
// unknown message is logged and dropped; it never tears down the connection.
func (c *WebSocketClient) processIncomingMessage(message []byte) {
	env, err := protocol.Decode(message)
	if err != nil {
		log.Printf("Failed to parse WebSocket message: %v", err)
		return
	}

	ctx := context.Background()

	switch env.Type {
	case protocol.EventSubscribe:
		var p protocol.SubscribePayload
		if err := env.Unmarshal(&p); err != nil {
			log.Printf("Bad subscribe payload: %v", err)
			return
		}
		c.handleSubscribe(ctx, p)

	case protocol.EventSubscribeEntity:
		var p protocol.SubscribeEntityPayload
		if err := env.Unmarshal(&p); err != nil {
			log.Printf("Bad subscribeEntity payload: %v", err)
			return
		}
		c.handleSubscribeEntity(ctx, p)

	case protocol.EventSetEntity:
		var p protocol.SetEntityPayload
		if err := env.Unmarshal(&p); err != nil {
			log.Printf("Bad setEntity payload: %v", err)
			return
		}
		if _, err := c.coordinator.SetEntity(ctx, p.Entity); err != nil {
			log.Printf("setEntity from %s failed: %v", c.connectionID, err)
		}

	case protocol.EventDeleteEntity:
		var p protocol.DeleteEntityPayload
		if err := env.Unmarshal(&p); err != nil {
			log.Printf("Bad deleteEntity payload: %v", err)
			return
		}
		if err := c.coordinator.DeleteEntity(ctx, p.ID); err != nil {
			log.Printf("deleteEntity %s from %s rejected: %v", p.ID, c.connectionID, err)
		}

	case protocol.EventAddContribution:
		var p protocol.AddContributionPayload
		if err := env.Unmarshal(&p); err != nil {
			log.Printf("Bad addContribution payload: %v", err)
			return
		}
		if err := c.coordinator.AddContribution(ctx, p.Contribution); err != nil {
			log.Printf("addContribution from %s failed: %v", c.connectionID, err)
		}

	default:
		log.Printf("Unknown message type: %s", env.Type)
	}
}

// handleSubscribe swaps the connection's cell room and records the
// subscription. A connection holds one cell room at a time: subscribing
// replaces the prior NATS subscription before the snapshot is requested.
func (c *WebSocketClient) handleSubscribe(ctx context.Context, p protocol.SubscribePayload) {
	subject := protocol.CellSubject(p.Geohash)

	if p.ShouldSubscribe {
		c.mu.Lock()
		if c.cellSubject != "" && c.cellSubject != subject {
			c.leaveRoomLocked(c.cellSubject)
		}
		c.cellSubject = subject
		c.mu.Unlock()

		if err := c.joinRoom(subject); err != nil {
			log.Printf("Failed to join cell room %s: %v", subject, err)
			return
		}
	} else {
		c.mu.Lock()
		if c.cellSubject == subject {
			c.leaveRoomLocked(subject)
			c.cellSubject = ""
		}
		c.mu.Unlock()
	}

	if err := c.coordinator.Subscribe(ctx, c.connectionID, p.Geohash, p.ShouldSubscribe); err != nil {
		log.Printf("subscribe %q from %s failed: %v", p.Geohash, c.connectionID, err)
	}
}

func (c *WebSocketClient) handleSubscribeEntity(ctx context.Context, p protocol.SubscribeEntityPayload) {
	subject := protocol.EntitySubject(p.EntityID)

	if p.ShouldSubscribe {
		if err := c.joinRoom(subject); err != nil {
			log.Printf("Failed to join entity room %s: %v", subject, err)
			return
		}
	} else {
		c.mu.Lock()
		c.leaveRoomLocked(subject)
		c.mu.Unlock()
	}

	if err := c.coordinator.SubscribeEntity(ctx, c.connectionID, p.EntityID, p.ShouldSubscribe); err != nil {
		log.Printf("subscribeEntity %s from %s failed: %v", p.EntityID, c.connectionID, err)
	}
}

// joinRoom subscribes this connection to a fan-out subject
func (c *WebSocketClient) joinRoom(subject string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.roomSubs[subject]; ok {
		return nil
	}

	sub, err := c.natsConn.Subscribe(subject, func(msg *nats.Msg) {
		select {
		case c.send <- msg.Data:
		default:
			// Slow consumer: drop rather than block the fan-out.
			log.Printf("Dropping message for slow connection %s", c.connectionID)
		}
	})
	if err != nil {
		return err
	}

	c.roomSubs[subject] = sub
	return nil
}

// leaveRoomLocked drops one room subscription, caller must hold c.mu
func (c *WebSocketClient) leaveRoomLocked(subject string) {
	if sub, ok := c.roomSubs[subject]; ok {
		sub.Unsubscribe()
		delete(c.roomSubs, subject)
	}
}

// closeConnection closes the WebSocket connection and cleans up resources.
// Registry entries are drained synchronously so membership never outlives
// the connection.
func (c *WebSocketClient) closeConnection() {
	c.closeOnce.Do(func() {
		c.coordinator.Unsubscribe(c.connectionID)

		c.mu.Lock()
		for subject := range c.roomSubs {
			c.leaveRoomLocked(subject)
		}
		c.mu.Unlock()

		c.conn.Close()
		close(c.send)

		log.Printf("WebSocket connection %s closed", c.connectionID)
	})
}
