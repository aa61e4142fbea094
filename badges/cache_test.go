package badges

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/onnwee/live-relay/twitchapi"
)

var sample = []twitchapi.BadgeSet{{SetID: "vip", Versions: []twitchapi.BadgeVersion{{ID: "1", Title: "VIP"}}}}

func TestMemoryCacheExpires(t *testing.T) {
	clock := clockwork.NewFakeClock()
	c := NewMemoryCache(clock)
	ctx := context.Background()

	_, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, sample))
	got, ok, _ := c.Get(ctx)
	assert.True(t, ok)
	assert.Equal(t, sample, got)

	clock.Advance(TTL - time.Second)
	_, ok, _ = c.Get(ctx)
	assert.True(t, ok)

	clock.Advance(time.Second)
	_, ok, _ = c.Get(ctx)
	assert.False(t, ok, "entry must expire after 1800s")
}

type stubSource struct {
	sets []twitchapi.BadgeSet
	err  error
}

func (s stubSource) GlobalBadges(context.Context) ([]twitchapi.BadgeSet, error) { return s.sets, s.err }

func TestRefresher(t *testing.T) {
	cache := NewMemoryCache(nil)
	r := &Refresher{Source: stubSource{sets: sample}, Cache: cache}

	n, err := r.Refresh(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	got, ok, _ := cache.Get(context.Background())
	assert.True(t, ok)
	assert.Equal(t, "vip", got[0].SetID)

	failing := &Refresher{Source: stubSource{err: errors.New("503")}, Cache: cache}
	_, err = failing.Refresh(context.Background())
	require.Error(t, err)
	_, ok, _ = cache.Get(context.Background())
	assert.True(t, ok, "failed refresh keeps the previous catalogue")
}

func TestRedisCacheRoundTrip(t *testing.T) {
	url := os.Getenv("TEST_REDIS_URL")
	if url == "" {
		t.Skip("TEST_REDIS_URL not set")
	}
	ctx := context.Background()
	rdb, err := DialRedis(ctx, url)
	require.NoError(t, err)
	t.Cleanup(func() {
		rdb.Del(ctx, redisKey)
		_ = rdb.Close()
	})
	rdb.Del(ctx, redisKey)

	c := NewRedisCache(rdb)
	_, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c.Put(ctx, sample))
	got, ok, err := c.Get(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, sample, got)

	ttl, err := rdb.TTL(ctx, redisKey).Result()
	require.NoError(t, err)
	assert.InDelta(t, TTL.Seconds(), ttl.Seconds(), 5)
}
