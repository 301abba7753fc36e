// Package cache provides an optional Redis read-through cache for single
// business lookups. The datastore stays authoritative: cache failures are
// logged and treated as misses.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"business_search_backend/internal/businesses/domain"
	"business_search_backend/platform/config"
	"business_search_backend/platform/logger"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "business:"

type record struct {
	ID          string  `json:"id"`
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Address     string  `json:"address"`
	Latitude    float64 `json:"latitude"`
	Longitude   float64 `json:"longitude"`
	AvgRating   float64 `json:"avgRating"`
	RatingCount int64   `json:"ratingCount"`
}

// ViewCache stores businesses by id with a fixed TTL.
type ViewCache struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Logger
}

// New connects to the configured Redis. It returns nil, nil when the cache
// is disabled.
func New(ctx context.Context, cfg config.CacheConfig, log *logger.Logger) (*ViewCache, error) {
	if !cfg.IsViewCacheEnabled() {
		return nil, nil
	}

	opt, err := redis.ParseURL(cfg.GetRedisURL())
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return NewWithClient(client, cfg.GetViewCacheTTL(), log), nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client, ttl time.Duration, log *logger.Logger) *ViewCache {
	if log == nil {
		log = logger.Discard()
	}
	return &ViewCache{client: client, ttl: ttl, log: log}
}

// Get returns the cached business, reporting false on a miss or any error.
func (c *ViewCache) Get(ctx context.Context, id string) (domain.Business, bool) {
	raw, err := c.client.Get(ctx, keyPrefix+id).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			c.log.WithContext(ctx).Warn("view cache read failed", "business_id", id, "error", err)
		}
		return domain.Business{}, false
	}

	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		c.log.WithContext(ctx).Warn("view cache entry corrupt", "business_id", id, "error", err)
		return domain.Business{}, false
	}
	return rec.toDomain(), true
}

// Set stores b under its id.
func (c *ViewCache) Set(ctx context.Context, b domain.Business) {
	raw, err := json.Marshal(fromDomain(b))
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, keyPrefix+b.ID, raw, c.ttl).Err(); err != nil {
		c.log.WithContext(ctx).Warn("view cache write failed", "business_id", b.ID, "error", err)
	}
}

// Close releases the Redis connection pool.
func (c *ViewCache) Close() error {
	return c.client.Close()
}

func fromDomain(b domain.Business) record {
	return record{
		ID:          b.ID,
		Name:        b.Name,
		Description: b.Description,
		Category:    b.Category,
		Address:     b.Address,
		Latitude:    b.Location.Lat,
		Longitude:   b.Location.Lng,
		AvgRating:   b.AvgRating,
		RatingCount: b.RatingCount,
	}
}

func (r record) toDomain() domain.Business {
	return domain.Business{
		ID:          r.ID,
		Name:        r.Name,
		Description: r.Description,
		Category:    r.Category,
		Address:     r.Address,
		Location:    domain.GeoPoint{Lat: r.Latitude, Lng: r.Longitude},
		AvgRating:   r.AvgRating,
		RatingCount: r.RatingCount,
	}
}
