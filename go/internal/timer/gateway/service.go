// Package gateway is a WebSocket relay that gives browser tabs a shared
// broadcast channel. Every frame a tab sends is forwarded to the other tabs
// on the same channel, and optionally to a bridge transport such as NATS.
package gateway

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mcdev12/tabtimer/go/internal/timer/transport"
)

// Service wires the connection manager to its HTTP routes
type Service struct {
	connectionManager *ConnectionManager
	wsHandler         *WebSocketHandler

	mu        sync.Mutex
	running   bool
	startedAt time.Time
}

// Config holds configuration for the gateway service
type Config struct {
	ConnectionConfig ConnectionConfig
	// Bridge, when set, mirrors every channel onto a second transport.
	Bridge transport.Dialer
}

// DefaultConfig returns default configuration for the gateway
func DefaultConfig() Config {
	return Config{
		ConnectionConfig: DefaultConnectionConfig(),
	}
}

// NewService creates a new gateway service
func NewService(config Config) *Service {
	cm := NewConnectionManager(config.ConnectionConfig, config.Bridge)
	return &Service{
		connectionManager: cm,
		wsHandler:         NewWebSocketHandler(cm),
	}
}

// Start runs the relay loop until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Bool("bridge", s.connectionManager.bridge != nil).Msg("starting timer gateway service")

	s.mu.Lock()
	s.running = true
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	s.connectionManager.Start(ctx)

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	log.Info().Msg("timer gateway service stopped")
	return nil
}

// Running reports whether Start is in progress.
func (s *Service) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// RegisterRoutes registers the WebSocket and health routes
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	mux.Handle("/health", s)
	log.Info().Msg("timer gateway routes registered")
}

// GetStats returns statistics about the gateway service
func (s *Service) GetStats() Stats {
	return s.connectionManager.GetConnectionStats()
}
