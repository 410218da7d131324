package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/smukkama/aqi-server/internal/advisory"
	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/forecast"
)

// ReadingResponse is the latest reading with its derived guidance
type ReadingResponse struct {
	Reading      database.Reading  `json:"reading"`
	Advisory     advisory.Advisory `json:"advisory"`
	Forecast     []forecast.Point  `json:"forecast"`
	ForecastKind string            `json:"forecast_kind"`
}

// HistoryEntry is one historical reading with its advisory
type HistoryEntry struct {
	Reading  database.Reading  `json:"reading"`
	Advisory advisory.Advisory `json:"advisory"`
}

// HistoryResponse lists a station's readings in ascending time order
type HistoryResponse struct {
	StationID string         `json:"station_id"`
	From      time.Time      `json:"from"`
	To        time.Time      `json:"to"`
	Readings  []HistoryEntry `json:"readings"`
}

func (h *handler) latestByLocation(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, ok := parseCoordinate(q.Get("lat"), 90)
	if !ok {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "lat must be a number between -90 and 90", nil)
		return
	}
	lon, ok := parseCoordinate(q.Get("lon"), 180)
	if !ok {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "lon must be a number between -180 and 180", nil)
		return
	}
	hours, ok := parseHours(q.Get("hours"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "hours must be a positive integer", nil)
		return
	}

	reading, err := h.readings.LatestByLocation(r.Context(), lat, lon)
	if err != nil {
		h.respondLookupError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newReadingResponse(*reading, forecast.Flat(reading.AQI, hours)))
}

func (h *handler) latestByStation(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(chi.URLParam(r, "id"))
	if stationID == "" {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "station id is required", nil)
		return
	}
	hours, ok := parseHours(r.URL.Query().Get("hours"))
	if !ok {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "hours must be a positive integer", nil)
		return
	}

	reading, points, err := h.forecaster.Forecast(r.Context(), stationID, hours)
	if err != nil {
		h.respondLookupError(w, r, err)
		return
	}

	respondJSON(w, http.StatusOK, newReadingResponse(*reading, points))
}

func (h *handler) stationHistory(w http.ResponseWriter, r *http.Request) {
	stationID := strings.TrimSpace(chi.URLParam(r, "id"))
	q := r.URL.Query()

	from, err := time.Parse(time.RFC3339, q.Get("from"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "from must be an RFC3339 timestamp", nil)
		return
	}
	to, err := time.Parse(time.RFC3339, q.Get("to"))
	if err != nil {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "to must be an RFC3339 timestamp", nil)
		return
	}
	if to.Before(from) {
		respondError(w, r, http.StatusBadRequest, CodeBadRequest, "to must not be before from", nil)
		return
	}

	readings, err := h.readings.ReadingsByStation(r.Context(), stationID, from, to)
	if err != nil {
		h.respondLookupError(w, r, err)
		return
	}
	if len(readings) == 0 {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "no readings in range", nil)
		return
	}

	entries := make([]HistoryEntry, len(readings))
	for i, reading := range readings {
		entries[i] = HistoryEntry{
			Reading:  reading,
			Advisory: advisory.Derive(reading.AQI, reading.Pollutants),
		}
	}
	respondJSON(w, http.StatusOK, HistoryResponse{
		StationID: stationID,
		From:      from.UTC(),
		To:        to.UTC(),
		Readings:  entries,
	})
}

func (h *handler) respondLookupError(w http.ResponseWriter, r *http.Request, err error) {
	if errors.Is(err, database.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, CodeNotFound, "no readings found", nil)
		return
	}
	respondInternal(w, r, err)
}

func newReadingResponse(reading database.Reading, points []forecast.Point) ReadingResponse {
	return ReadingResponse{
		Reading:      reading,
		Advisory:     advisory.Derive(reading.AQI, reading.Pollutants),
		Forecast:     points,
		ForecastKind: forecast.Kind,
	}
}

func parseCoordinate(raw string, limit float64) (float64, bool) {
	if raw == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v < -limit || v > limit {
		return 0, false
	}
	return v, true
}

// parseHours returns the forecast horizon; empty means the default
func parseHours(raw string) (int, bool) {
	if raw == "" {
		return forecast.DefaultHours, true
	}
	hours, err := strconv.Atoi(raw)
	if err != nil || hours <= 0 {
		return 0, false
	}
	return forecast.ClampHours(hours), true
}
