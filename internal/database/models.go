package database

import (
	"errors"
	"time"
)

// SourceKind identifies the producer network of an ingestion batch
type SourceKind string

const (
	// SourceGroundStation is the ground-station network; entities are station ids
	SourceGroundStation SourceKind = "cpcb"
	// SourceSatellite is the satellite-tile network; entities are tile ids
	SourceSatellite SourceKind = "isro"
)

// Valid reports whether k is a known source kind
func (k SourceKind) Valid() bool {
	return k == SourceGroundStation || k == SourceSatellite
}

// Pollutant is a single named measurement embedded in a Reading
type Pollutant struct {
	Name  string  `json:"name"`
	Value float64 `json:"value"`
}

// Reading is one air-quality observation of a station or satellite tile.
// (Source, EntityID, Timestamp) is the uniqueness key.
type Reading struct {
	Source     SourceKind  `json:"source"`
	EntityID   string      `json:"entity_id"`
	Lat        *float64    `json:"lat,omitempty"`
	Lon        *float64    `json:"lon,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	AQI        int         `json:"aqi"`
	Pollutants []Pollutant `json:"pollutants"`
}

// Platform is the device platform of a push registration
type Platform string

const (
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
	PlatformWeb     Platform = "web"
)

// DeviceRegistration binds a push token to a user. Tokens are unique.
type DeviceRegistration struct {
	UserID    string    `json:"user_id"`
	Token     string    `json:"token"`
	Platform  Platform  `json:"platform"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ErrNotFound is returned by read operations when no reading matches
var ErrNotFound = errors.New("database: not found")
