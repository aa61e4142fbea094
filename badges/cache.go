// Package badges caches the Twitch global chat badge catalogue.
package badges

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"

	"github.com/onnwee/live-relay/twitchapi"
)

// TTL is how long a cached catalogue is served.
const TTL = 30 * time.Minute

const redisKey = "twitch:badges:global"

// Cache stores the most recent catalogue. Get reports false on a miss or
// after expiry.
type Cache interface {
	Get(ctx context.Context) ([]twitchapi.BadgeSet, bool, error)
	Put(ctx context.Context, sets []twitchapi.BadgeSet) error
}

// RedisCache keeps the catalogue as a JSON string with a TTL.
type RedisCache struct {
	rdb goredis.Cmdable
	ttl time.Duration
}

// NewRedisCache wraps rdb.
func NewRedisCache(rdb goredis.Cmdable) *RedisCache {
	return &RedisCache{rdb: rdb, ttl: TTL}
}

// DialRedis parses redisURL and pings the server.
func DialRedis(ctx context.Context, redisURL string) (*goredis.Client, error) {
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := goredis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return rdb, nil
}

func (c *RedisCache) Get(ctx context.Context) ([]twitchapi.BadgeSet, bool, error) {
	data, err := c.rdb.Get(ctx, redisKey).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("redis get badges: %w", err)
	}
	var sets []twitchapi.BadgeSet
	if err := json.Unmarshal(data, &sets); err != nil {
		return nil, false, fmt.Errorf("decode cached badges: %w", err)
	}
	return sets, true, nil
}

func (c *RedisCache) Put(ctx context.Context, sets []twitchapi.BadgeSet) error {
	data, err := json.Marshal(sets)
	if err != nil {
		return err
	}
	if err := c.rdb.Set(ctx, redisKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set badges: %w", err)
	}
	return nil
}

// MemoryCache is the single-replica fallback when no Redis is configured.
type MemoryCache struct {
	clock clockwork.Clock
	ttl   time.Duration

	mu      sync.RWMutex
	sets    []twitchapi.BadgeSet
	expires time.Time
}

// NewMemoryCache returns an empty cache. A nil clock means the real clock.
func NewMemoryCache(clock clockwork.Clock) *MemoryCache {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{clock: clock, ttl: TTL}
}

func (c *MemoryCache) Get(context.Context) ([]twitchapi.BadgeSet, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.sets == nil || !c.clock.Now().Before(c.expires) {
		return nil, false, nil
	}
	return c.sets, true, nil
}

func (c *MemoryCache) Put(_ context.Context, sets []twitchapi.BadgeSet) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets = sets
	c.expires = c.clock.Now().Add(c.ttl)
	return nil
}

// Source fetches a fresh catalogue. *twitchapi.HelixClient implements it.
type Source interface {
	GlobalBadges(ctx context.Context) ([]twitchapi.BadgeSet, error)
}

// Refresher keeps a Cache warm from a Source.
type Refresher struct {
	Source Source
	Cache  Cache
}

// Refresh fetches and stores the catalogue, returning the number of sets.
func (r *Refresher) Refresh(ctx context.Context) (int, error) {
	sets, err := r.Source.GlobalBadges(ctx)
	if err != nil {
		return 0, fmt.Errorf("fetch global badges: %w", err)
	}
	if err := r.Cache.Put(ctx, sets); err != nil {
		return 0, err
	}
	return len(sets), nil
}
