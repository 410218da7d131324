package realtime

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"

	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
	"github.com/smukkama/aqi-server/internal/protocol"
)

// Hub manages all live sessions and broadcasts events to them
type Hub struct {
	sessions    map[string]*Session // key: session id
	mu          sync.RWMutex
	maxSessions int
	sendBuffer  int
	clock       clockwork.Clock
	metrics     *metrics.Metrics
}

// NewHub creates a new hub
func NewHub(maxSessions, sendBuffer int, clock clockwork.Clock, m *metrics.Metrics) *Hub {
	return &Hub{
		sessions:    make(map[string]*Session),
		maxSessions: maxSessions,
		sendBuffer:  sendBuffer,
		clock:       clock,
		metrics:     m,
	}
}

// Connect creates and registers a new session
func (h *Hub) Connect() (*Session, error) {
	s := newSession(uuid.NewString(), h.sendBuffer, h.clock.Now())
	if err := h.Register(s); err != nil {
		return nil, err
	}
	return s, nil
}

// Register adds a session
func (h *Hub) Register(s *Session) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if len(h.sessions) >= h.maxSessions {
		return ErrMaxSessionsReached
	}
	if _, exists := h.sessions[s.id]; exists {
		return fmt.Errorf("session ID %s already registered", s.id)
	}

	h.sessions[s.id] = s
	h.metrics.LiveSessions.Set(float64(len(h.sessions)))
	return nil
}

// Unregister removes a session and discards its scope
func (h *Hub) Unregister(sessionID string) error {
	h.mu.Lock()
	s, exists := h.sessions[sessionID]
	if !exists {
		h.mu.Unlock()
		return fmt.Errorf("session ID %s not found", sessionID)
	}
	delete(h.sessions, sessionID)
	h.metrics.LiveSessions.Set(float64(len(h.sessions)))
	h.mu.Unlock()

	s.close()
	return nil
}

// Publish encodes the event once and enqueues it to every session connected
// at the time of the call, without waiting on any of them. It returns how
// many sessions accepted the message.
func (h *Hub) Publish(event protocol.MessageType, payload interface{}) int {
	msg, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		logging.Error().Err(err).Str("event", string(event)).Msg("failed to encode live event")
		return 0
	}

	h.mu.RLock()
	targets := make([]*Session, 0, len(h.sessions))
	for _, s := range h.sessions {
		targets = append(targets, s)
	}
	h.mu.RUnlock()

	delivered := 0
	for _, s := range targets {
		if s.enqueue(msg) {
			delivered++
			continue
		}
		h.metrics.BroadcastsDropped.Inc()
		logging.Debug().Str("session_id", s.id).Str("event", string(event)).Msg("dropped live event for slow session")
	}
	return delivered
}

// Send enqueues an event to a single session
func (h *Hub) Send(s *Session, event protocol.MessageType, payload interface{}) bool {
	msg, err := protocol.EncodeEvent(event, payload)
	if err != nil {
		logging.Error().Err(err).Str("event", string(event)).Msg("failed to encode live event")
		return false
	}
	return s.enqueue(msg)
}

// Count returns the number of connected sessions
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close unregisters every session
func (h *Hub) Close() {
	h.mu.Lock()
	sessions := h.sessions
	h.sessions = make(map[string]*Session)
	h.metrics.LiveSessions.Set(0)
	h.mu.Unlock()

	for _, s := range sessions {
		s.close()
	}
}

// Stats returns statistics about the hub
func (h *Hub) Stats() HubStats {
	h.mu.RLock()
	defer h.mu.RUnlock()

	stats := HubStats{
		TotalSessions: len(h.sessions),
		MaxSessions:   h.maxSessions,
	}
	for _, s := range h.sessions {
		scope := s.Scope()
		if scope.Location != nil {
			stats.LocationScoped++
		}
		if scope.StationID != "" {
			stats.StationScoped++
		}
	}
	return stats
}

// HubStats contains statistics about the hub
type HubStats struct {
	TotalSessions  int `json:"total_sessions"`
	LocationScoped int `json:"location_scoped"`
	StationScoped  int `json:"station_scoped"`
	MaxSessions    int `json:"max_sessions"`
}

var (
	ErrMaxSessionsReached = &SessionError{"maximum sessions reached"}
)

// SessionError represents a session registration error
type SessionError struct {
	msg string
}

func (e *SessionError) Error() string {
	return e.msg
}
