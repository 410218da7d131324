package database

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type readingKey struct {
	entity string
	ts     int64
}

type location struct {
	lat, lon float64
}

// MemoryStore is an in-process reading store with the same upsert semantics
// as DB. It backs DB_DRIVER=memory for local runs.
type MemoryStore struct {
	mu        sync.RWMutex
	stations  map[readingKey]Reading
	tiles     map[readingKey]Reading
	locations map[string]location
	devices   map[string]DeviceRegistration
	now       func() time.Time
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		stations:  make(map[readingKey]Reading),
		tiles:     make(map[readingKey]Reading),
		locations: make(map[string]location),
		devices:   make(map[string]DeviceRegistration),
		now:       time.Now,
	}
}

// SetStationLocation records coordinates for a station
func (m *MemoryStore) SetStationLocation(stationID string, lat, lon float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.locations[stationID] = location{lat: lat, lon: lon}
}

// UpsertReadings applies the whole batch under one lock
func (m *MemoryStore) UpsertReadings(_ context.Context, source SourceKind, readings []Reading) error {
	var target map[readingKey]Reading
	switch source {
	case SourceGroundStation:
		target = m.stations
	case SourceSatellite:
		target = m.tiles
	default:
		return fmt.Errorf("unknown source kind %q", source)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, r := range readings {
		r.Source = source
		r.Timestamp = r.Timestamp.UTC()
		r.Pollutants = append([]Pollutant(nil), r.Pollutants...)
		target[readingKey{entity: r.EntityID, ts: r.Timestamp.UnixNano()}] = r

		if source == SourceGroundStation && r.Lat != nil && r.Lon != nil {
			m.locations[r.EntityID] = location{lat: *r.Lat, lon: *r.Lon}
		}
	}
	return nil
}

// LatestByStation returns the most recent reading of a ground station
func (m *MemoryStore) LatestByStation(_ context.Context, stationID string) (*Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latestLocked(stationID)
}

func (m *MemoryStore) latestLocked(stationID string) (*Reading, error) {
	var latest *Reading
	for k, r := range m.stations {
		if k.entity != stationID {
			continue
		}
		if latest == nil || r.Timestamp.After(latest.Timestamp) {
			r := r
			latest = &r
		}
	}
	if latest == nil {
		return nil, ErrNotFound
	}
	m.withLocation(latest)
	return latest, nil
}

// LatestByLocation returns the latest reading of the nearest located station
// that has at least one reading
func (m *MemoryStore) LatestByLocation(_ context.Context, lat, lon float64) (*Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.locations))
	for id := range m.locations {
		ids = append(ids, id)
	}
	// Stable order so equidistant stations resolve the same way every time
	sort.Strings(ids)

	var best *Reading
	bestDist := 0.0
	for _, id := range ids {
		r, err := m.latestLocked(id)
		if err != nil {
			continue
		}
		loc := m.locations[id]
		d := (loc.lat-lat)*(loc.lat-lat) + (loc.lon-lon)*(loc.lon-lon)
		if best == nil || d < bestDist {
			best, bestDist = r, d
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	return best, nil
}

// ReadingsByStation returns a station's readings in [from, to], oldest first
func (m *MemoryStore) ReadingsByStation(_ context.Context, stationID string, from, to time.Time) ([]Reading, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []Reading
	for k, r := range m.stations {
		if k.entity != stationID || r.Timestamp.Before(from) || r.Timestamp.After(to) {
			continue
		}
		m.withLocation(&r)
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	return out, nil
}

// SatelliteReadings returns every stored tile reading, for inspection
func (m *MemoryStore) SatelliteReadings() []Reading {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Reading, 0, len(m.tiles))
	for _, r := range m.tiles {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].EntityID != out[j].EntityID {
			return out[i].EntityID < out[j].EntityID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}

func (m *MemoryStore) withLocation(r *Reading) {
	if loc, ok := m.locations[r.EntityID]; ok {
		lat, lon := loc.lat, loc.lon
		r.Lat, r.Lon = &lat, &lon
	}
}

// UpsertDeviceToken registers a push token; the last registration wins
func (m *MemoryStore) UpsertDeviceToken(_ context.Context, reg DeviceRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg.UpdatedAt = m.now()
	m.devices[reg.Token] = reg
	return nil
}

// DeviceTokens returns every registered device ordered by token
func (m *MemoryStore) DeviceTokens(_ context.Context) ([]DeviceRegistration, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	regs := make([]DeviceRegistration, 0, len(m.devices))
	for _, reg := range m.devices {
		regs = append(regs, reg)
	}
	sort.Slice(regs, func(i, j int) bool { return regs[i].Token < regs[j].Token })
	return regs, nil
}

// CountDeviceTokens returns how many devices a user has registered
func (m *MemoryStore) CountDeviceTokens(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	n := 0
	for _, reg := range m.devices {
		if reg.UserID == userID {
			n++
		}
	}
	return n, nil
}

// PingContext always succeeds; it lets the memory store serve readiness checks
func (m *MemoryStore) PingContext(_ context.Context) error {
	return nil
}
