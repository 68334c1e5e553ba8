package cache

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func newTestCache(capacity int) (*MemoryCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := NewMemoryCache(capacity)
	c.now = clock.Now
	return c, clock
}

func TestMemoryCacheHitAndExpiry(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(10)

	require.NoError(t, c.Set(ctx, "k", []byte("v"), time.Minute))
	got, ok, err := c.Get(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("v"), got)

	clock.Advance(time.Minute)
	_, ok, err = c.Get(ctx, "k")
	require.NoError(t, err)
	assert.False(t, ok, "entry is not served at or past its TTL")

	st, err := c.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), st.Hits)
	assert.Equal(t, int64(1), st.Misses)
	assert.Equal(t, 0, st.Size)
}

func TestMemoryCacheCapacityEvictsSoonestExpiring(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(3)

	require.NoError(t, c.Set(ctx, "long", []byte("1"), time.Hour))
	require.NoError(t, c.Set(ctx, "short", []byte("2"), time.Minute))
	require.NoError(t, c.Set(ctx, "mid", []byte("3"), 10*time.Minute))
	require.NoError(t, c.Set(ctx, "new", []byte("4"), 30*time.Minute))

	_, ok, _ := c.Get(ctx, "short")
	assert.False(t, ok)
	for _, k := range []string{"long", "mid", "new"} {
		_, ok, _ := c.Get(ctx, k)
		assert.True(t, ok, k)
	}
	st, _ := c.Stats(ctx)
	assert.Equal(t, int64(1), st.Evictions)
	assert.Equal(t, 3, st.Size)
	assert.Equal(t, 3, st.MaxSize)
}

func TestMemoryCachePurgesExpiredBeforeEvicting(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(2)

	require.NoError(t, c.Set(ctx, "a", []byte("1"), time.Second))
	require.NoError(t, c.Set(ctx, "b", []byte("2"), time.Hour))
	clock.Advance(2 * time.Second)
	require.NoError(t, c.Set(ctx, "c", []byte("3"), time.Minute))

	st, _ := c.Stats(ctx)
	assert.Equal(t, int64(0), st.Evictions)
	_, ok, _ := c.Get(ctx, "b")
	assert.True(t, ok)
}

func TestMemoryCacheOverwriteRefreshesTTL(t *testing.T) {
	ctx := context.Background()
	c, clock := newTestCache(2)

	require.NoError(t, c.Set(ctx, "k", []byte("old"), time.Minute))
	clock.Advance(50 * time.Second)
	require.NoError(t, c.Set(ctx, "k", []byte("new"), time.Minute))
	clock.Advance(30 * time.Second)

	got, ok, _ := c.Get(ctx, "k")
	require.True(t, ok)
	assert.Equal(t, []byte("new"), got)
}

func TestMemoryCacheZeroTTLNotStored(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(2)
	require.NoError(t, c.Set(ctx, "k", []byte("v"), 0))
	_, ok, _ := c.Get(ctx, "k")
	assert.False(t, ok)
}

func TestMemoryCacheDeleteAndClear(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(4)
	for i := 0; i < 3; i++ {
		require.NoError(t, c.Set(ctx, fmt.Sprint(i), []byte("v"), time.Minute))
	}
	require.NoError(t, c.Delete(ctx, "1"))
	_, ok, _ := c.Get(ctx, "1")
	assert.False(t, ok)

	require.NoError(t, c.Clear(ctx))
	st, _ := c.Stats(ctx)
	assert.Equal(t, 0, st.Size)
}

func TestMemoryCacheReturnsCopies(t *testing.T) {
	ctx := context.Background()
	c, _ := newTestCache(1)
	v := []byte("abc")
	require.NoError(t, c.Set(ctx, "k", v, time.Minute))
	v[0] = 'X'
	got, _, _ := c.Get(ctx, "k")
	got[1] = 'Y'
	again, _, _ := c.Get(ctx, "k")
	assert.Equal(t, []byte("abc"), again)
}

func TestMemoryCacheConcurrentUse(t *testing.T) {
	ctx := context.Background()
	c := NewMemoryCache(16)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				k := fmt.Sprintf("%d-%d", g, i%32)
				_ = c.Set(ctx, k, []byte("v"), time.Minute)
				_, _, _ = c.Get(ctx, k)
			}
		}(g)
	}
	wg.Wait()
	st, _ := c.Stats(ctx)
	assert.LessOrEqual(t, st.Size, 16)
}

func TestOpenBackends(t *testing.T) {
	c, err := Open(context.Background(), Options{Backend: "memory", Capacity: 5})
	require.NoError(t, err)
	_, isMem := c.(*MemoryCache)
	assert.True(t, isMem)

	_, err = Open(context.Background(), Options{Backend: "memcached"})
	assert.Error(t, err)
}
