package realtime

import (
	"sync"
	"time"
)

// Location is a coordinate scope
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// Scope is what a session has declared interest in. It is recorded but
// publish still reaches every session.
type Scope struct {
	Location  *Location `json:"location,omitempty"`
	StationID string    `json:"station_id,omitempty"`
}

// Session is one live connection. Its outbound buffer is drained by the
// transport; a session that falls behind loses messages instead of blocking
// publishers.
type Session struct {
	id          string
	connectedAt time.Time
	send        chan []byte

	mu        sync.RWMutex
	location  *Location
	stationID string
	closed    bool
}

func newSession(id string, buffer int, now time.Time) *Session {
	return &Session{
		id:          id,
		connectedAt: now,
		send:        make(chan []byte, buffer),
	}
}

// ID returns the session id
func (s *Session) ID() string {
	return s.id
}

// ConnectedAt returns when the session was registered
func (s *Session) ConnectedAt() time.Time {
	return s.connectedAt
}

// Messages returns the outbound queue. It is closed when the session is
// unregistered.
func (s *Session) Messages() <-chan []byte {
	return s.send
}

// SubscribeLocation replaces the location scope
func (s *Session) SubscribeLocation(lat, lon float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = &Location{Lat: lat, Lon: lon}
}

// SubscribeStation replaces the station scope
func (s *Session) SubscribeStation(stationID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stationID = stationID
}

// UnsubscribeAll clears both scopes
func (s *Session) UnsubscribeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.location = nil
	s.stationID = ""
}

// Scope returns a copy of the current scope
func (s *Session) Scope() Scope {
	s.mu.RLock()
	defer s.mu.RUnlock()

	scope := Scope{StationID: s.stationID}
	if s.location != nil {
		loc := *s.location
		scope.Location = &loc
	}
	return scope
}

// enqueue adds msg without blocking. It reports false when the buffer is
// full or the session is closed.
func (s *Session) enqueue(msg []byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}
	select {
	case s.send <- msg:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}
	s.closed = true
	s.location = nil
	s.stationID = ""
	close(s.send)
}
