package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// ConnectionManager relays frames between WebSocket connections that share
// a channel name. A frame is never sent back to the connection it came from.
type ConnectionManager struct {
	// Connection pools organized by channel name
	channels map[string]map[*Connection]bool
	mu       sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	relayCh chan RelayMessage

	// Optional second transport, e.g. NATS, so CLI tabs and browser tabs
	// share a channel.
	bridge   transport.Dialer
	bridged  map[string]transport.Channel
	bridgeMu sync.Mutex

	relayed atomic.Int64
	dropped atomic.Int64
}

// Connection represents a WebSocket connection to one tab
type Connection struct {
	ID      string
	Channel string
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	ConnectedAt time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	SendBufferSize  int
	CheckOrigin     func(r *http.Request) bool
}

// RelayMessage is a frame waiting to be fanned out. From is nil for frames
// that arrived over the bridge.
type RelayMessage struct {
	Channel string
	From    *Connection
	Data    []byte
}

// Stats describes the live connections.
type Stats struct {
	TotalConnections   int            `json:"total_connections"`
	ActiveChannels     int            `json:"active_channels"`
	ChannelConnections map[string]int `json:"channel_connections"`
	Relayed            int64          `json:"relayed"`
	Dropped            int64          `json:"dropped"`
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  8 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		SendBufferSize:  64,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager. bridge
// may be nil.
func NewConnectionManager(config ConnectionConfig, bridge transport.Dialer) *ConnectionManager {
	if config.SendBufferSize <= 0 {
		config.SendBufferSize = DefaultConnectionConfig().SendBufferSize
	}
	return &ConnectionManager{
		channels: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:  config,
		relayCh: make(chan RelayMessage, 1000),
		bridge:  bridge,
		bridged: make(map[string]transport.Channel),
	}
}

// Start processes relayed frames until ctx is done, then closes every
// connection and bridge channel.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			cm.closeAll()
			return
		case message := <-cm.relayCh:
			cm.handleRelay(message)
		}
	}
}

// UpgradeConnection upgrades an HTTP connection to WebSocket and joins it
// to channel.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, channel string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Channel:     channel,
		Conn:        conn,
		Send:        make(chan []byte, cm.config.SendBufferSize),
		Manager:     cm,
		ConnectedAt: time.Now(),
	}

	cm.registerConnection(connection)
	cm.ensureBridge(channel)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("channel", channel).
		Msg("WebSocket connection established")

	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.channels[conn.Channel] == nil {
		cm.channels[conn.Channel] = make(map[*Connection]bool)
	}
	cm.channels[conn.Channel][conn] = true

	log.Debug().
		Str("connection_id", conn.ID).
		Str("channel", conn.Channel).
		Int("total_connections", len(cm.channels[conn.Channel])).
		Msg("connection registered")
}

func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	empty := false
	if connections, exists := cm.channels[conn.Channel]; exists {
		if _, exists := connections[conn]; exists {
			delete(connections, conn)
			close(conn.Send)

			if len(connections) == 0 {
				delete(cm.channels, conn.Channel)
				empty = true
			}

			log.Info().
				Str("connection_id", conn.ID).
				Str("channel", conn.Channel).
				Msg("connection unregistered")
		}
	}
	cm.mu.Unlock()

	if empty {
		cm.releaseBridge(conn.Channel)
	}
}

// Relay queues a frame for every connection on channel except from.
func (cm *ConnectionManager) Relay(channel string, from *Connection, data []byte) {
	select {
	case cm.relayCh <- RelayMessage{Channel: channel, From: from, Data: data}:
	default:
		cm.dropped.Add(1)
		log.Warn().Str("channel", channel).Msg("relay channel full, dropping message")
	}
}

func (cm *ConnectionManager) handleRelay(message RelayMessage) {
	var slow []*Connection
	delivered := 0

	// Sends happen under the read lock so unregisterConnection cannot close
	// a Send channel mid-loop.
	cm.mu.RLock()
	for conn := range cm.channels[message.Channel] {
		if conn == message.From {
			continue
		}
		select {
		case conn.Send <- message.Data:
			delivered++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Msg("connection send buffer full, closing connection")
		cm.dropped.Add(1)
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	if message.From != nil {
		cm.postBridge(message.Channel, message.Data)
	}
	cm.relayed.Add(1)

	log.Debug().
		Str("channel", message.Channel).
		Int("connections", delivered).
		Msg("frame relayed")
}

func (cm *ConnectionManager) ensureBridge(channel string) {
	if cm.bridge == nil {
		return
	}
	cm.bridgeMu.Lock()
	defer cm.bridgeMu.Unlock()
	if _, ok := cm.bridged[channel]; ok {
		return
	}

	ch, err := cm.bridge.Open(channel, func(data []byte) {
		cm.Relay(channel, nil, data)
	})
	if err != nil {
		log.Warn().Err(err).Str("channel", channel).Msg("failed to open bridge channel")
		return
	}
	cm.bridged[channel] = ch
}

func (cm *ConnectionManager) releaseBridge(channel string) {
	cm.bridgeMu.Lock()
	ch, ok := cm.bridged[channel]
	delete(cm.bridged, channel)
	cm.bridgeMu.Unlock()
	if ok {
		if err := ch.Close(); err != nil {
			log.Debug().Err(err).Str("channel", channel).Msg("failed to close bridge channel")
		}
	}
}

func (cm *ConnectionManager) postBridge(channel string, data []byte) {
	cm.bridgeMu.Lock()
	ch, ok := cm.bridged[channel]
	cm.bridgeMu.Unlock()
	if !ok {
		return
	}
	if err := ch.Post(data); err != nil {
		log.Debug().Err(err).Str("channel", channel).Msg("bridge post failed")
	}
}

func (cm *ConnectionManager) closeAll() {
	cm.mu.RLock()
	var all []*Connection
	for _, connections := range cm.channels {
		for conn := range connections {
			all = append(all, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range all {
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}
}

// GetConnectionStats returns statistics about active connections
func (cm *ConnectionManager) GetConnectionStats() Stats {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	stats := Stats{
		ActiveChannels:     len(cm.channels),
		ChannelConnections: make(map[string]int, len(cm.channels)),
		Relayed:            cm.relayed.Load(),
		Dropped:            cm.dropped.Load(),
	}
	for channel, connections := range cm.channels {
		stats.TotalConnections += len(connections)
		stats.ChannelConnections[channel] = len(connections)
	}
	return stats
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Debug().
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

// readPump relays every frame the tab sends to its siblings
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Warn().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.Manager.Relay(c.Channel, c, message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}
