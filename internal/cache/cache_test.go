package cache

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKey(t *testing.T) {
	assert.Equal(t, Key("a", "b"), Key("a", "b"))
	assert.NotEqual(t, Key("ab", "c"), Key("a", "bc"))
	assert.Regexp(t, `^arcgeo:[0-9a-f]{64}$`, Key("select 1"))
}

func TestNoop(t *testing.T) {
	var c Cache = Noop{}
	c.Set(context.Background(), "k", []byte("v"), time.Minute)
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	assert.NoError(t, c.Close())
}

func TestMemoryCache_GetSet(t *testing.T) {
	c := NewMemoryCache(time.Minute, 100)
	ctx := context.Background()

	_, ok := c.Get(ctx, "k")
	assert.False(t, ok)

	c.Set(ctx, "k", []byte("v"), 0)
	got, ok := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, "v", string(got))

	stats := c.Stats()
	assert.Equal(t, int64(1), stats["hits"])
	assert.Equal(t, int64(1), stats["misses"])
}

func TestMemoryCache_Expiration(t *testing.T) {
	c := NewMemoryCache(time.Minute, 100)
	now := time.Now()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	c.Set(ctx, "short", []byte("1"), time.Second)
	c.Set(ctx, "long", []byte("2"), time.Hour)

	now = now.Add(2 * time.Second)
	_, ok := c.Get(ctx, "short")
	assert.False(t, ok)
	_, ok = c.Get(ctx, "long")
	assert.True(t, ok)

	assert.Equal(t, 1, c.Cleanup())
	assert.Equal(t, 1, c.Size())
}

func TestMemoryCache_MaxSize(t *testing.T) {
	c := NewMemoryCache(time.Minute, 32)
	ctx := context.Background()
	for i := 0; i < 500; i++ {
		c.Set(ctx, fmt.Sprintf("k%d", i), []byte("v"), 0)
	}
	assert.LessOrEqual(t, c.Size(), 32)
	assert.Greater(t, c.Stats()["evictions"], int64(0))
}

func TestMemoryCache_Concurrent(t *testing.T) {
	c := NewMemoryCache(time.Minute, 1000)
	ctx := context.Background()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				key := fmt.Sprintf("k%d", i%50)
				c.Set(ctx, key, []byte{byte(g)}, 0)
				c.Get(ctx, key)
			}
		}(g)
	}
	wg.Wait()
	assert.Equal(t, 50, c.Size())
}

func TestNewRedisCache_Unreachable(t *testing.T) {
	_, err := NewRedisCache(context.Background(), RedisConfig{Addr: "127.0.0.1:1", Timeout: 50 * time.Millisecond}, zerolog.Nop())
	assert.Error(t, err)

	_, err = NewRedisCache(context.Background(), RedisConfig{}, zerolog.Nop())
	assert.Error(t, err)
}

// Runs against a live server when ARC_GEO_TEST_REDIS is set, e.g. localhost:6379.
func TestRedisCache_Live(t *testing.T) {
	addr := os.Getenv("ARC_GEO_TEST_REDIS")
	if addr == "" {
		t.Skip("ARC_GEO_TEST_REDIS not set")
	}
	ctx := context.Background()
	c, err := NewRedisCache(ctx, RedisConfig{Addr: addr}, zerolog.Nop())
	require.NoError(t, err)
	defer c.Close()

	key := Key("test", time.Now().String())
	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
	c.Set(ctx, key, []byte("payload"), time.Minute)
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, "payload", string(got))
}
