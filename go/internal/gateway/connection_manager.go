package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/estimateflow/go/internal/session"
)

// MessageHandler processes frames read from a connection and reacts to the
// connection going away.
type MessageHandler interface {
	HandleMessage(c *Connection, message []byte)
	HandleDisconnect(c *Connection)
}

// ConnectionManager manages WebSocket connections grouped into session rooms
type ConnectionManager struct {
	// Connection pools organized by session ID
	rooms       map[string]map[*Connection]bool
	connections map[*Connection]bool
	mu          sync.RWMutex

	// Upgrader for WebSocket connections
	upgrader websocket.Upgrader

	// Connection configuration
	config ConnectionConfig

	// Snapshots waiting to be fanned out, in publish order
	broadcastCh chan session.Snapshot
}

// Connection represents a WebSocket connection to a client. Its ID doubles
// as the participant id in every session the client joins.
type Connection struct {
	ID      string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	handler MessageHandler

	// guarded by Manager.mu
	rooms  map[string]bool
	closed bool

	// Connection metadata
	ConnectedAt time.Time
	RemoteAddr  string
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout        time.Duration
	ReadTimeout         time.Duration
	PingInterval        time.Duration
	MaxMessageSize      int64
	ReadBufferSize      int
	WriteBufferSize     int
	SendBufferSize      int
	BroadcastBufferSize int

	// HideVotes masks other participants' votes until the round is revealed.
	HideVotes bool

	CheckOrigin func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:        10 * time.Second,
		ReadTimeout:         60 * time.Second,
		PingInterval:        30 * time.Second,
		MaxMessageSize:      8192,
		ReadBufferSize:      1024,
		WriteBufferSize:     1024,
		SendBufferSize:      256,
		BroadcastBufferSize: 1000,
		HideVotes:           true,
		CheckOrigin:         NewOriginPolicy(nil).CheckOrigin,
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = 256
	}
	if config.BroadcastBufferSize <= 0 {
		config.BroadcastBufferSize = 1000
	}

	return &ConnectionManager{
		rooms:       make(map[string]map[*Connection]bool),
		connections: make(map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan session.Snapshot, config.BroadcastBufferSize),
	}
}

// Start processes published snapshots until ctx is cancelled. A single
// consumer keeps broadcasts for a session in publish order.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case snap := <-cm.broadcastCh:
			cm.handleBroadcast(snap)
		}
	}
}

// Publish queues a snapshot for its session room. It never blocks; when the
// queue is full the snapshot is dropped and the next mutation catches
// clients up.
func (cm *ConnectionManager) Publish(snap session.Snapshot) {
	select {
	case cm.broadcastCh <- snap:
	default:
		log.Warn().Str("session_id", snap.SessionID).Msg("broadcast channel full, dropping snapshot")
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and starts its pumps
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, handler MessageHandler) (*Connection, error) {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		handler:     handler,
		rooms:       make(map[string]bool),
		ConnectedAt: time.Now(),
		RemoteAddr:  r.RemoteAddr,
	}

	cm.registerConnection(connection)
	connection.SendFrame(ServerFrame{
		Event: EventConnected,
		Data:  ConnectedPayload{ParticipantID: connection.ID},
	})

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("remote_addr", connection.RemoteAddr).
		Msg("WebSocket connection established")

	return connection, nil
}

// registerConnection adds a connection to the manager
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	cm.connections[conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Int("total_connections", len(cm.connections)).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager and every room
// it joined. It reports false when the connection was already gone.
func (cm *ConnectionManager) unregisterConnection(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.closed {
		return false
	}
	conn.closed = true

	for sessionID := range conn.rooms {
		cm.removeFromRoomLocked(conn, sessionID)
	}
	delete(cm.connections, conn)
	close(conn.Send)

	log.Info().
		Str("connection_id", conn.ID).
		Msg("connection unregistered")
	return true
}

// drop tears a connection down exactly once and notifies its handler.
func (cm *ConnectionManager) drop(conn *Connection) {
	if !cm.unregisterConnection(conn) {
		return
	}
	if conn.Conn != nil {
		conn.Conn.Close()
	}
	if conn.handler != nil {
		conn.handler.HandleDisconnect(conn)
	}
}

func (cm *ConnectionManager) isClosed(conn *Connection) bool {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return conn.closed
}

// JoinRoom adds the connection to a session room.
func (cm *ConnectionManager) JoinRoom(conn *Connection, sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if conn.closed {
		return
	}
	if cm.rooms[sessionID] == nil {
		cm.rooms[sessionID] = make(map[*Connection]bool)
	}
	cm.rooms[sessionID][conn] = true
	conn.rooms[sessionID] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("session_id", sessionID).
		Int("room_connections", len(cm.rooms[sessionID])).
		Msg("connection joined room")
}

// LeaveRoom removes the connection from a session room.
func (cm *ConnectionManager) LeaveRoom(conn *Connection, sessionID string) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.removeFromRoomLocked(conn, sessionID)
}

func (cm *ConnectionManager) removeFromRoomLocked(conn *Connection, sessionID string) {
	delete(conn.rooms, sessionID)
	if connections, exists := cm.rooms[sessionID]; exists {
		delete(connections, conn)

		// Clean up empty room pools
		if len(connections) == 0 {
			delete(cm.rooms, sessionID)
		}
	}
}

// handleBroadcast renders a snapshot and delivers it to its room
func (cm *ConnectionManager) handleBroadcast(snap session.Snapshot) {
	cm.mu.RLock()
	connections, exists := cm.rooms[snap.SessionID]
	if !exists {
		cm.mu.RUnlock()
		return
	}

	// Copy the room to avoid holding the lock during delivery
	targetConnections := make([]*Connection, 0, len(connections))
	for conn := range connections {
		targetConnections = append(targetConnections, conn)
	}
	cm.mu.RUnlock()

	// Every recipient sees the same bytes unless votes are still secret
	perRecipient := cm.config.HideVotes && !snap.Round.Revealed

	var shared []byte
	if !perRecipient {
		data, err := json.Marshal(ServerFrame{Event: EventSessionUpdate, Data: snap.View("", false)})
		if err != nil {
			log.Error().Err(err).Str("session_id", snap.SessionID).Msg("failed to marshal session update")
			return
		}
		shared = data
	}

	for _, conn := range targetConnections {
		data := shared
		if perRecipient {
			var err error
			data, err = json.Marshal(ServerFrame{Event: EventSessionUpdate, Data: snap.View(conn.ID, true)})
			if err != nil {
				log.Error().Err(err).Str("session_id", snap.SessionID).Msg("failed to marshal session update")
				continue
			}
		}
		cm.deliver(conn, data)
	}

	log.Debug().
		Str("session_id", snap.SessionID).
		Int("connections", len(targetConnections)).
		Bool("revealed", snap.Round.Revealed).
		Msg("session update broadcasted")
}

// deliver queues data on the connection without blocking. A connection
// whose buffer is full is considered dead and dropped.
func (cm *ConnectionManager) deliver(conn *Connection, data []byte) bool {
	cm.mu.RLock()
	if conn.closed {
		cm.mu.RUnlock()
		return false
	}
	sent := false
	select {
	case conn.Send <- data:
		sent = true
	default:
	}
	cm.mu.RUnlock()

	if !sent {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.drop(conn)
	}
	return sent
}

// ConnectionStats summarizes active connections
type ConnectionStats struct {
	TotalConnections int            `json:"total_connections"`
	ActiveRooms      int            `json:"active_rooms"`
	RoomConnections  map[string]int `json:"room_connections"`
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() ConnectionStats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := ConnectionStats{
		TotalConnections: len(cm.connections),
		ActiveRooms:      len(cm.rooms),
		RoomConnections:  make(map[string]int, len(cm.rooms)),
	}
	for sessionID, connections := range cm.rooms {
		stats.RoomConnections[sessionID] = len(connections)
	}
	return stats
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.connections))
	for conn := range cm.connections {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()

	for _, conn := range conns {
		cm.drop(conn)
	}
}

// SendFrame marshals a frame and queues it for this connection only.
func (c *Connection) SendFrame(frame ServerFrame) bool {
	data, err := json.Marshal(frame)
	if err != nil {
		log.Error().Err(err).Str("connection_id", c.ID).Str("event", string(frame.Event)).Msg("failed to marshal frame")
		return false
	}
	return c.Manager.deliver(c, data)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Manager.drop(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Debug().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer c.Manager.drop(c)

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		if c.handler != nil {
			c.handler.HandleMessage(c, message)
		}
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
