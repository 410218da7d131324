package alerting

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/smukkama/aqi-server/internal/database"
)

func TestEvaluator_Boundary(t *testing.T) {
	e := NewEvaluator(DefaultThreshold)

	tests := []struct {
		peak int
		fire bool
	}{
		{0, false},
		{299, false},
		{300, true},
		{301, true},
		{500, true},
	}

	for _, tt := range tests {
		d := e.Evaluate(tt.peak)
		assert.Equal(t, tt.fire, d.Fire, "peak %d", tt.peak)
		assert.Equal(t, tt.peak, d.Peak)
		assert.Equal(t, 300, d.Threshold)
	}
}

func TestEvaluator_EmptyBatchNeverAlerts(t *testing.T) {
	for _, threshold := range []int{0, 1, DefaultThreshold} {
		d := NewEvaluator(threshold).Evaluate(0)
		assert.False(t, d.Fire, "threshold %d", threshold)
	}
	assert.True(t, NewEvaluator(0).Evaluate(1).Fire)
}

func TestNewAlert(t *testing.T) {
	a := NewAlert(database.SourceGroundStation, 320)

	assert.Equal(t, database.SourceGroundStation, a.Source)
	assert.Equal(t, 320, a.Peak)
	assert.NotEmpty(t, a.Title)
	assert.Contains(t, a.Body, "320")
	assert.Equal(t, map[string]string{"aqi": "320", "source": "cpcb"}, a.Data)
}

func TestNewAlert_Satellite(t *testing.T) {
	a := NewAlert(database.SourceSatellite, 410)
	assert.Contains(t, a.Body, "satellite")
	assert.Equal(t, "isro", a.Data["source"])
}
