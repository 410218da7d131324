package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/smukkama/aqi-server/internal/database"
	"github.com/smukkama/aqi-server/internal/logging"
	"github.com/smukkama/aqi-server/internal/metrics"
)

// ReadingStore is the part of the reading store the cache decorates
type ReadingStore interface {
	UpsertReadings(ctx context.Context, source database.SourceKind, readings []database.Reading) error
	LatestByStation(ctx context.Context, stationID string) (*database.Reading, error)
	LatestByLocation(ctx context.Context, lat, lon float64) (*database.Reading, error)
	ReadingsByStation(ctx context.Context, stationID string, from, to time.Time) ([]database.Reading, error)
}

// redisClient is the subset of *redis.Client the cache uses
type redisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// LatestCache keeps the latest reading per station in Redis in front of the
// store. Writes go to the store first and then overwrite the cached entry of
// every touched station; read-through fills only an absent key, so a reader
// holding a pre-write reading cannot replace the writer's entry. Redis
// failures fall through to the store.
type LatestCache struct {
	store   ReadingStore
	redis   redisClient
	ttl     time.Duration
	metrics *metrics.Metrics
}

// NewLatestCache wraps store with a Redis read-through cache
func NewLatestCache(store ReadingStore, client *redis.Client, ttl time.Duration, m *metrics.Metrics) *LatestCache {
	return newLatestCache(store, client, ttl, m)
}

func newLatestCache(store ReadingStore, client redisClient, ttl time.Duration, m *metrics.Metrics) *LatestCache {
	return &LatestCache{store: store, redis: client, ttl: ttl, metrics: m}
}

func stationKey(stationID string) string {
	return fmt.Sprintf("aqi:latest:station:%s", stationID)
}

// UpsertReadings persists the batch and refreshes every ground station it touched
func (c *LatestCache) UpsertReadings(ctx context.Context, source database.SourceKind, readings []database.Reading) error {
	if err := c.store.UpsertReadings(ctx, source, readings); err != nil {
		return err
	}
	if source != database.SourceGroundStation || len(readings) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(readings))
	var stale []string
	for _, r := range readings {
		if _, ok := seen[r.EntityID]; ok {
			continue
		}
		seen[r.EntityID] = struct{}{}
		if err := c.refresh(ctx, r.EntityID); err != nil {
			logging.Debug().Err(err).Str("station_id", r.EntityID).Msg("failed to refresh cached latest reading")
			stale = append(stale, stationKey(r.EntityID))
		}
	}

	if len(stale) == 0 {
		return nil
	}
	if err := c.redis.Del(ctx, stale...).Err(); err != nil {
		logging.Warn().Err(err).Int("keys", len(stale)).Msg("failed to evict latest readings from cache")
	}
	return nil
}

// refresh overwrites the cached entry with the store's current latest
func (c *LatestCache) refresh(ctx context.Context, stationID string) error {
	r, err := c.store.LatestByStation(ctx, stationID)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(r)
	if err != nil {
		return err
	}
	return c.redis.Set(ctx, stationKey(stationID), payload, c.ttl).Err()
}

// LatestByStation serves from Redis when possible
func (c *LatestCache) LatestByStation(ctx context.Context, stationID string) (*database.Reading, error) {
	key := stationKey(stationID)

	data, err := c.redis.Get(ctx, key).Result()
	switch {
	case err == nil:
		var r database.Reading
		if jsonErr := json.Unmarshal([]byte(data), &r); jsonErr == nil {
			c.metrics.CacheLookups.WithLabelValues("hit").Inc()
			return &r, nil
		}
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
	case errors.Is(err, redis.Nil):
		c.metrics.CacheLookups.WithLabelValues("miss").Inc()
	default:
		c.metrics.CacheLookups.WithLabelValues("error").Inc()
		logging.Warn().Err(err).Str("station_id", stationID).Msg("latest reading cache unavailable")
	}

	r, err := c.store.LatestByStation(ctx, stationID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(r)
	if err == nil {
		err = c.redis.SetNX(ctx, key, payload, c.ttl).Err()
	}
	if err != nil {
		logging.Warn().Err(err).Str("station_id", stationID).Msg("failed to cache latest reading")
	}
	return r, nil
}

// LatestByLocation is not cached; the nearest station depends on the query point
func (c *LatestCache) LatestByLocation(ctx context.Context, lat, lon float64) (*database.Reading, error) {
	return c.store.LatestByLocation(ctx, lat, lon)
}

// ReadingsByStation is not cached
func (c *LatestCache) ReadingsByStation(ctx context.Context, stationID string, from, to time.Time) ([]database.Reading, error) {
	return c.store.ReadingsByStation(ctx, stationID, from, to)
}
