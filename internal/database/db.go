package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	_ "github.com/lib/pq"

	"github.com/smukkama/aqi-server/internal/logging"
)

// DB wraps the PostgreSQL connection and implements the reading store
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test the connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in order
func (db *DB) RunMigrations(migrationsDir string) error {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		logging.Info().Str("migration", filename).Msg("running migration")

		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", filename, err)
		}

		if _, err := db.Exec(string(content)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}

	logging.Info().Int("count", len(sqlFiles)).Msg("migrations completed")
	return nil
}

// UpsertReadings writes a batch of one source kind in a single transaction.
// Rows are keyed by (entity, timestamp); a conflicting row is overwritten.
func (db *DB) UpsertReadings(ctx context.Context, source SourceKind, readings []Reading) (err error) {
	if len(readings) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	switch source {
	case SourceGroundStation:
		err = upsertStationReadings(ctx, tx, readings)
	case SourceSatellite:
		err = upsertSatelliteReadings(ctx, tx, readings)
	default:
		err = fmt.Errorf("unknown source kind %q", source)
	}
	if err != nil {
		return err
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit readings: %w", err)
	}
	return nil
}

func upsertStationReadings(ctx context.Context, tx *sql.Tx, readings []Reading) error {
	stationQuery := `
		INSERT INTO stations (id, lat, lon)
		VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE
		SET lat = EXCLUDED.lat,
		    lon = EXCLUDED.lon,
		    updated_at = CURRENT_TIMESTAMP
	`
	readingQuery := `
		INSERT INTO station_readings (station_id, ts, aqi, pollutants)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (station_id, ts) DO UPDATE
		SET aqi = EXCLUDED.aqi,
		    pollutants = EXCLUDED.pollutants,
		    updated_at = CURRENT_TIMESTAMP
	`

	for i := range readings {
		r := &readings[i]
		if r.Lat != nil && r.Lon != nil {
			if _, err := tx.ExecContext(ctx, stationQuery, r.EntityID, *r.Lat, *r.Lon); err != nil {
				return fmt.Errorf("failed to upsert station %s: %w", r.EntityID, err)
			}
		}

		pollutants, err := encodePollutants(r.Pollutants)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, readingQuery, r.EntityID, r.Timestamp, r.AQI, pollutants); err != nil {
			return fmt.Errorf("failed to upsert station reading %s: %w", r.EntityID, err)
		}
	}
	return nil
}

func upsertSatelliteReadings(ctx context.Context, tx *sql.Tx, readings []Reading) error {
	query := `
		INSERT INTO satellite_readings (tile_id, lat, lon, ts, aqi, pollutants)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (tile_id, ts) DO UPDATE
		SET lat = EXCLUDED.lat,
		    lon = EXCLUDED.lon,
		    aqi = EXCLUDED.aqi,
		    pollutants = EXCLUDED.pollutants,
		    updated_at = CURRENT_TIMESTAMP
	`

	for i := range readings {
		r := &readings[i]
		pollutants, err := encodePollutants(r.Pollutants)
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, query, r.EntityID, nullFloat(r.Lat), nullFloat(r.Lon), r.Timestamp, r.AQI, pollutants); err != nil {
			return fmt.Errorf("failed to upsert satellite reading %s: %w", r.EntityID, err)
		}
	}
	return nil
}

// LatestByStation returns the most recent reading of a ground station
func (db *DB) LatestByStation(ctx context.Context, stationID string) (*Reading, error) {
	query := `
		SELECT r.station_id, s.lat, s.lon, r.ts, r.aqi, r.pollutants
		FROM station_readings r
		LEFT JOIN stations s ON s.id = r.station_id
		WHERE r.station_id = $1
		ORDER BY r.ts DESC
		LIMIT 1
	`
	return scanStationReading(db.QueryRowContext(ctx, query, stationID))
}

// LatestByLocation returns the most recent reading of the located station
// nearest to (lat, lon)
func (db *DB) LatestByLocation(ctx context.Context, lat, lon float64) (*Reading, error) {
	query := `
		SELECT r.station_id, s.lat, s.lon, r.ts, r.aqi, r.pollutants
		FROM stations s
		JOIN LATERAL (
			SELECT station_id, ts, aqi, pollutants
			FROM station_readings
			WHERE station_id = s.id
			ORDER BY ts DESC
			LIMIT 1
		) r ON true
		WHERE s.lat IS NOT NULL AND s.lon IS NOT NULL
		ORDER BY (s.lat - $1) * (s.lat - $1) + (s.lon - $2) * (s.lon - $2), s.id
		LIMIT 1
	`
	return scanStationReading(db.QueryRowContext(ctx, query, lat, lon))
}

// ReadingsByStation returns a station's readings in [from, to], oldest first
func (db *DB) ReadingsByStation(ctx context.Context, stationID string, from, to time.Time) ([]Reading, error) {
	query := `
		SELECT r.station_id, s.lat, s.lon, r.ts, r.aqi, r.pollutants
		FROM station_readings r
		LEFT JOIN stations s ON s.id = r.station_id
		WHERE r.station_id = $1 AND r.ts >= $2 AND r.ts <= $3
		ORDER BY r.ts ASC
	`

	rows, err := db.QueryContext(ctx, query, stationID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var readings []Reading
	for rows.Next() {
		r, err := scanStationReading(rows)
		if err != nil {
			return nil, err
		}
		readings = append(readings, *r)
	}

	return readings, rows.Err()
}

// UpsertDeviceToken registers a push token; an existing token is re-owned
func (db *DB) UpsertDeviceToken(ctx context.Context, reg DeviceRegistration) error {
	query := `
		INSERT INTO device_tokens (token, user_id, platform, updated_at)
		VALUES ($1, $2, $3, CURRENT_TIMESTAMP)
		ON CONFLICT (token) DO UPDATE
		SET user_id = EXCLUDED.user_id,
		    platform = EXCLUDED.platform,
		    updated_at = CURRENT_TIMESTAMP
	`
	_, err := db.ExecContext(ctx, query, reg.Token, reg.UserID, string(reg.Platform))
	return err
}

// DeviceTokens returns every registered device
func (db *DB) DeviceTokens(ctx context.Context) ([]DeviceRegistration, error) {
	query := `
		SELECT token, user_id, platform, updated_at
		FROM device_tokens
		ORDER BY token
	`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var regs []DeviceRegistration
	for rows.Next() {
		var reg DeviceRegistration
		var platform string
		if err := rows.Scan(&reg.Token, &reg.UserID, &platform, &reg.UpdatedAt); err != nil {
			return nil, err
		}
		reg.Platform = Platform(platform)
		regs = append(regs, reg)
	}

	return regs, rows.Err()
}

// CountDeviceTokens returns how many devices a user has registered
func (db *DB) CountDeviceTokens(ctx context.Context, userID string) (int, error) {
	var n int
	err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM device_tokens WHERE user_id = $1`, userID).Scan(&n)
	return n, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanStationReading(row rowScanner) (*Reading, error) {
	var (
		r          Reading
		lat, lon   sql.NullFloat64
		pollutants []byte
	)

	err := row.Scan(&r.EntityID, &lat, &lon, &r.Timestamp, &r.AQI, &pollutants)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.Source = SourceGroundStation
	if lat.Valid && lon.Valid {
		r.Lat, r.Lon = &lat.Float64, &lon.Float64
	}
	r.Timestamp = r.Timestamp.UTC()
	if len(pollutants) > 0 {
		if err := json.Unmarshal(pollutants, &r.Pollutants); err != nil {
			return nil, fmt.Errorf("failed to decode pollutants: %w", err)
		}
	}

	return &r, nil
}

// encodePollutants renders the jsonb column value. lib/pq sends []byte as
// bytea, so the text form is passed instead.
func encodePollutants(p []Pollutant) (string, error) {
	if p == nil {
		p = []Pollutant{}
	}
	data, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("failed to encode pollutants: %w", err)
	}
	return string(data), nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}
