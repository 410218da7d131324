package alerting

import (
	"fmt"
	"strconv"

	"github.com/smukkama/aqi-server/internal/database"
)

// DefaultThreshold is the AQI at which a batch raises an alert
const DefaultThreshold = 300

// Decision is the result of evaluating a batch peak
type Decision struct {
	Fire      bool
	Peak      int
	Threshold int
}

// Evaluator compares a batch peak against a fixed threshold. It holds no state.
type Evaluator struct {
	threshold int
}

// NewEvaluator creates an evaluator; equality with threshold fires. A peak of
// zero, which is what an empty or all-invalid batch yields, never fires.
func NewEvaluator(threshold int) *Evaluator {
	return &Evaluator{threshold: threshold}
}

// Threshold returns the configured threshold
func (e *Evaluator) Threshold() int {
	return e.threshold
}

// Evaluate decides whether peak raises an alert
func (e *Evaluator) Evaluate(peak int) Decision {
	return Decision{
		Fire:      evaluateCondition(peak, e.threshold),
		Peak:      peak,
		Threshold: e.threshold,
	}
}

func evaluateCondition(value, threshold int) bool {
	return value > 0 && value >= threshold
}

// AlertEvent is the transient notification built for a batch that fired.
// Data values are strings because push providers only carry string maps.
type AlertEvent struct {
	Source database.SourceKind `json:"source"`
	Peak   int                 `json:"peak"`
	Title  string              `json:"title"`
	Body   string              `json:"body"`
	Data   map[string]string   `json:"data"`
}

// NewAlert builds the alert for a source and its batch peak
func NewAlert(source database.SourceKind, peak int) AlertEvent {
	return AlertEvent{
		Source: source,
		Peak:   peak,
		Title:  "Air quality alert",
		Body:   fmt.Sprintf("AQI has reached %d in the latest %s readings. Limit time outdoors.", peak, sourceLabel(source)),
		Data: map[string]string{
			"aqi":    strconv.Itoa(peak),
			"source": string(source),
		},
	}
}

func sourceLabel(source database.SourceKind) string {
	switch source {
	case database.SourceGroundStation:
		return "ground station"
	case database.SourceSatellite:
		return "satellite"
	default:
		return string(source)
	}
}
