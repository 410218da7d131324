package ingest

import (
	"bytes"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/smukkama/aqi-server/internal/database"
)

// decodeStats counts what lenient decoding did to a batch
type decodeStats struct {
	received int
	coerced  int
	skipped  int
}

// entityFields lists the accepted id field names per source kind, preferred first
var entityFields = map[database.SourceKind][]string{
	database.SourceGroundStation: {"station_id", "station"},
	database.SourceSatellite:     {"tile_id", "tile"},
}

// decodeBatch parses a producer body. The body must be a JSON array.
// Elements without a usable entity id or timestamp are skipped; bad numeric
// fields become zero and the record is counted as coerced.
func decodeBatch(source database.SourceKind, body []byte) ([]database.Reading, decodeStats, error) {
	var stats decodeStats

	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '[' {
		return nil, stats, ErrBadPayload
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(trimmed, &elements); err != nil {
		return nil, stats, ErrBadPayload
	}

	stats.received = len(elements)
	readings := make([]database.Reading, 0, len(elements))
	for _, raw := range elements {
		r, coerced, ok := decodeRecord(source, raw)
		if !ok {
			stats.skipped++
			continue
		}
		if coerced {
			stats.coerced++
		}
		readings = append(readings, r)
	}

	return readings, stats, nil
}

func decodeRecord(source database.SourceKind, raw json.RawMessage) (database.Reading, bool, bool) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return database.Reading{}, false, false
	}

	entityID := firstString(fields, entityFields[source]...)
	if entityID == "" {
		return database.Reading{}, false, false
	}

	ts, ok := parseTimestamp(firstString(fields, "timestamp", "ts"))
	if !ok {
		return database.Reading{}, false, false
	}

	r := database.Reading{
		Source:     source,
		EntityID:   entityID,
		Timestamp:  ts,
		Pollutants: []database.Pollutant{},
	}
	coerced := false

	aqi, ok := number(fields["aqi"])
	// aqi is an INTEGER column
	if !ok || aqi < 0 || math.Round(aqi) > math.MaxInt32 {
		aqi, coerced = 0, true
	}
	r.AQI = int(math.Round(aqi))

	lat, latOK := coordinate(fields, "lat", 90)
	lon, lonOK := coordinate(fields, "lon", 180)
	if latOK == fieldValid && lonOK == fieldValid {
		r.Lat, r.Lon = &lat, &lon
	}
	if latOK == fieldInvalid || lonOK == fieldInvalid {
		coerced = true
	}

	pollutants, pollutantsCoerced := decodePollutants(fields["pollutants"])
	r.Pollutants = pollutants
	coerced = coerced || pollutantsCoerced

	return r, coerced, true
}

type fieldState int

const (
	fieldMissing fieldState = iota
	fieldValid
	fieldInvalid
)

func coordinate(fields map[string]json.RawMessage, name string, limit float64) (float64, fieldState) {
	raw, present := fields[name]
	if !present || isNull(raw) {
		return 0, fieldMissing
	}
	v, ok := number(raw)
	if !ok || v < -limit || v > limit {
		return 0, fieldInvalid
	}
	return v, fieldValid
}

func decodePollutants(raw json.RawMessage) ([]database.Pollutant, bool) {
	pollutants := []database.Pollutant{}
	if raw == nil || isNull(raw) {
		return pollutants, false
	}

	var elements []json.RawMessage
	if err := json.Unmarshal(raw, &elements); err != nil {
		return pollutants, true
	}

	coerced := false
	for _, el := range elements {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(el, &fields); err != nil || fields == nil {
			coerced = true
			continue
		}
		name := firstString(fields, "name")
		if name == "" {
			coerced = true
			continue
		}
		value, ok := number(fields["value"])
		if !ok {
			value, coerced = 0, true
		}
		pollutants = append(pollutants, database.Pollutant{Name: name, Value: value})
	}
	return pollutants, coerced
}

// number reads a JSON number or a numeric string
func number(raw json.RawMessage) (float64, bool) {
	if raw == nil || isNull(raw) {
		return 0, false
	}

	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, !math.IsNaN(f) && !math.IsInf(f, 0)
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

// firstString returns the first named field holding a non-empty string or
// number literal
func firstString(fields map[string]json.RawMessage, names ...string) string {
	for _, name := range names {
		raw, ok := fields[name]
		if !ok || isNull(raw) {
			continue
		}

		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			if s = strings.TrimSpace(s); s != "" {
				return s
			}
			continue
		}

		var n json.Number
		if err := json.Unmarshal(raw, &n); err == nil && n != "" {
			return n.String()
		}
	}
	return ""
}

func parseTimestamp(s string) (time.Time, bool) {
	if s == "" {
		return time.Time{}, false
	}
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, false
	}
	return ts.UTC(), true
}

func isNull(raw json.RawMessage) bool {
	return bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}
