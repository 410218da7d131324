// Package forecast provides a placeholder projection that repeats the latest
// known AQI. It is not a statistical model.
package forecast

import (
	"context"

	"github.com/smukkama/aqi-server/internal/database"
)

const (
	DefaultHours = 24
	MaxHours     = 72

	// Kind labels every projection so callers can tell it is a flat line
	Kind = "flat"
)

// Point is the projected AQI Hour hours from now
type Point struct {
	Hour int `json:"hour"`
	AQI  int `json:"aqi"`
}

// LatestReader reads the latest station reading
type LatestReader interface {
	LatestByStation(ctx context.Context, stationID string) (*database.Reading, error)
}

// Forecaster projects station AQI from its latest reading
type Forecaster struct {
	store LatestReader
}

// NewForecaster creates a forecaster over store
func NewForecaster(store LatestReader) *Forecaster {
	return &Forecaster{store: store}
}

// Forecast repeats the station's latest AQI for hours 1..hours. It returns
// the reading the projection was built from.
func (f *Forecaster) Forecast(ctx context.Context, stationID string, hours int) (*database.Reading, []Point, error) {
	latest, err := f.store.LatestByStation(ctx, stationID)
	if err != nil {
		return nil, nil, err
	}
	return latest, Flat(latest.AQI, hours), nil
}

// Flat repeats aqi for hours 1..hours
func Flat(aqi, hours int) []Point {
	hours = ClampHours(hours)
	points := make([]Point, hours)
	for i := range points {
		points[i] = Point{Hour: i + 1, AQI: aqi}
	}
	return points
}

// ClampHours applies the default to non-positive values and caps at MaxHours
func ClampHours(hours int) int {
	if hours <= 0 {
		return DefaultHours
	}
	if hours > MaxHours {
		return MaxHours
	}
	return hours
}
