package routes

import (
	"context"
	"encoding/json"
	"time"

	"safewalk/internal/geo"
	"safewalk/internal/metrics"

	"github.com/go-redis/redis/v8"
	"github.com/mmcloughlin/geohash"
)

// cacheKeyPrecision quantizes endpoints to geohash cells of roughly 150m,
// so nearby origins share one cached route. Coarser cells would hand back
// routes that start visibly off-position.
const cacheKeyPrecision = 7

// CachedClient is a read-through cache in front of a Fetcher. Redis being
// down or the key missing both fall through to the live fetch; only a fetch
// failure surfaces an error.
type CachedClient struct {
	next Fetcher
	rdb  *redis.Client
	ttl  time.Duration
}

func NewCachedClient(next Fetcher, rdb *redis.Client, ttl time.Duration) *CachedClient {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &CachedClient{next: next, rdb: rdb, ttl: ttl}
}

func (c *CachedClient) FetchRoute(ctx context.Context, origin, destination geo.Point) (Result, error) {
	key := cacheKey(origin, destination)
	if c.rdb != nil {
		if raw, err := c.rdb.Get(ctx, key).Result(); err == nil {
			var res Result
			if err := json.Unmarshal([]byte(raw), &res); err == nil {
				metrics.RouteCacheHitsTotal.Inc()
				return res, nil
			}
		}
	}
	metrics.RouteCacheMissesTotal.Inc()

	res, err := c.next.FetchRoute(ctx, origin, destination)
	if err != nil {
		metrics.RouteFetchFailuresTotal.Inc()
		return Result{}, err
	}
	if c.rdb != nil {
		if raw, err := json.Marshal(res); err == nil {
			_ = c.rdb.Set(ctx, key, raw, c.ttl).Err()
		}
	}
	return res, nil
}

func cacheKey(origin, destination geo.Point) string {
	return "routes:" +
		geohash.EncodeWithPrecision(origin.Lat, origin.Lng, cacheKeyPrecision) + ":" +
		geohash.EncodeWithPrecision(destination.Lat, destination.Lng, cacheKeyPrecision)
}
