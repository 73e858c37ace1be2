package gateway

import (
	"net/http"
	"time"
)

// HealthStatus is served on /health.
type HealthStatus struct {
	Healthy          bool      `json:"healthy"`
	StartedAt        time.Time `json:"started_at"`
	TotalConnections int       `json:"total_connections"`
	BridgeEnabled    bool      `json:"bridge_enabled"`
	BridgeChannels   int       `json:"bridge_channels"`
	Errors           []string  `json:"errors"`
}

// Check reports whether the relay loop is running.
func (s *Service) Check() HealthStatus {
	s.mu.Lock()
	running, startedAt := s.running, s.startedAt
	s.mu.Unlock()

	status := HealthStatus{
		Healthy:          true,
		StartedAt:        startedAt,
		TotalConnections: s.connectionManager.GetConnectionStats().TotalConnections,
		BridgeEnabled:    s.connectionManager.bridge != nil,
		Errors:           []string{},
	}

	s.connectionManager.bridgeMu.Lock()
	status.BridgeChannels = len(s.connectionManager.bridged)
	s.connectionManager.bridgeMu.Unlock()

	if !running {
		status.Healthy = false
		status.Errors = append(status.Errors, "relay loop not running")
	}
	return status
}

func (s *Service) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	status := s.Check()
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}
