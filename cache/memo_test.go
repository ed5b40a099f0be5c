package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestMemoExpires(t *testing.T) {
	clock := &fakeClock{t: time.Unix(1000, 0)}
	m := NewMemo[int](time.Minute)
	m.now = clock.now

	calls := 0
	compute := func(context.Context) (int, error) {
		calls++
		return calls, nil
	}

	v, err := m.GetOrCompute(context.Background(), compute)
	require.NoError(t, err)
	assert.Equal(t, 1, v)
	v, _ = m.GetOrCompute(context.Background(), compute)
	assert.Equal(t, 1, v)

	clock.advance(time.Minute)
	_, ok := m.Peek()
	assert.False(t, ok)
	last, ok := m.Last()
	assert.True(t, ok)
	assert.Equal(t, 1, last)

	v, _ = m.GetOrCompute(context.Background(), compute)
	assert.Equal(t, 2, v)
}

func TestMemoKeepsNothingOnError(t *testing.T) {
	m := NewMemo[string](time.Minute)
	_, err := m.GetOrCompute(context.Background(), func(context.Context) (string, error) {
		return "", errors.New("boom")
	})
	assert.EqualError(t, err, "boom")
	_, ok := m.Last()
	assert.False(t, ok)
}

func TestMemoDiscardsValueComputedAcrossInvalidate(t *testing.T) {
	m := NewMemo[string](time.Minute)

	_, err := m.GetOrCompute(context.Background(), func(context.Context) (string, error) {
		m.Invalidate()
		return "stale", nil
	})
	require.NoError(t, err)
	_, ok := m.Peek()
	assert.False(t, ok, "a value computed before an invalidation must not be cached")
}

func TestMemoSharesConcurrentMisses(t *testing.T) {
	m := NewMemo[int](time.Minute)
	var calls atomic.Int32
	release := make(chan struct{})

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = m.GetOrCompute(context.Background(), func(context.Context) (int, error) {
				calls.Add(1)
				<-release
				return 7, nil
			})
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int32(1), calls.Load())
	v, ok := m.Peek()
	assert.True(t, ok)
	assert.Equal(t, 7, v)
}

func TestKeyedMemoInvalidation(t *testing.T) {
	k := NewKeyedMemo[string](time.Minute)
	ctx := context.Background()
	for _, key := range []string{"u1:private", "u1:public", "u2:private", "u1:x:private"} {
		key := key
		_, err := k.GetOrCompute(ctx, key, func(context.Context) (string, error) { return key, nil })
		require.NoError(t, err)
	}
	assert.Equal(t, 4, k.Len())

	k.Invalidate("u1:private", "u1:public")
	assert.Equal(t, 2, k.Len())
	_, ok := k.Peek("u1:x:private")
	assert.True(t, ok, "keys that merely share a prefix survive")
	_, ok = k.Peek("u1:public")
	assert.False(t, ok)
	v, ok := k.Peek("u2:private")
	assert.True(t, ok)
	assert.Equal(t, "u2:private", v)

	gen := k.Generation()
	k.InvalidateAll()
	k.Store("late", "x", gen)
	assert.Zero(t, k.Len(), "stores from an older generation are dropped")
}

func TestAddendumCacheWithoutRedis(t *testing.T) {
	c := NewAddendumCache(nil, time.Minute, zap.NewNop())
	ctx := context.Background()

	builds := 0
	build := func(context.Context) (string, error) {
		builds++
		return "payload", nil
	}
	for i := 0; i < 3; i++ {
		v, err := c.GetOrBuild(ctx, "u1", "private", build)
		require.NoError(t, err)
		assert.Equal(t, "payload", v)
	}
	assert.Equal(t, 1, builds)

	_, _ = c.GetOrBuild(ctx, "u1", "public", build)
	assert.Equal(t, 2, builds, "modes are cached apart")

	c.InvalidateUser(ctx, "u1")
	_, _ = c.GetOrBuild(ctx, "u1", "private", build)
	assert.Equal(t, 3, builds)

	c.InvalidateAll(ctx)
	_, _ = c.GetOrBuild(ctx, "u1", "private", build)
	assert.Equal(t, 4, builds)

	_, err := c.GetOrBuild(ctx, "u2", "private", func(context.Context) (string, error) { return "", errors.New("db down") })
	assert.Error(t, err)
}

// mapTier is an in-memory shared tier
type mapTier struct {
	mu   sync.Mutex
	data map[string]string
}

func newMapTier() *mapTier { return &mapTier{data: make(map[string]string)} }

func (m *mapTier) Get(_ context.Context, key string, dest interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return ErrMiss
	}
	*dest.(*string) = v
	return nil
}

func (m *mapTier) Set(_ context.Context, key string, value interface{}, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value.(string)
	return nil
}

func (m *mapTier) Delete(_ context.Context, keys ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

func (m *mapTier) DeletePrefix(_ context.Context, prefix string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.data {
		if strings.HasPrefix(k, prefix) {
			delete(m.data, k)
		}
	}
	return nil
}

func (m *mapTier) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok
}

func TestAddendumCacheSharesBuilds(t *testing.T) {
	tier := newMapTier()
	c := NewAddendumCache(nil, time.Minute, zap.NewNop())
	c.shared = tier
	ctx := context.Background()

	v, err := c.GetOrBuild(ctx, "u1", "private", func(context.Context) (string, error) { return "built", nil })
	require.NoError(t, err)
	assert.Equal(t, "built", v)
	assert.True(t, tier.has("engine:addendum:u1:private"))

	// a second process with a cold local tier reads the shared payload
	other := NewAddendumCache(nil, time.Minute, zap.NewNop())
	other.shared = tier
	v, err = other.GetOrBuild(ctx, "u1", "private", func(context.Context) (string, error) {
		return "", errors.New("should not build")
	})
	require.NoError(t, err)
	assert.Equal(t, "built", v)

	require.NoError(t, tier.Set(ctx, "engine:addendum:u1:x:private", "other user", time.Minute))
	c.InvalidateUser(ctx, "u1")
	assert.False(t, tier.has("engine:addendum:u1:private"))
	assert.True(t, tier.has("engine:addendum:u1:x:private"))
}

func TestAddendumCacheDropsBuildRacingInvalidation(t *testing.T) {
	tier := newMapTier()
	c := NewAddendumCache(nil, time.Minute, zap.NewNop())
	c.shared = tier
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	type result struct {
		v   string
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := c.GetOrBuild(ctx, "u1", "private", func(context.Context) (string, error) {
			close(started)
			<-release
			return "stale", nil
		})
		done <- result{v, err}
	}()

	<-started
	c.InvalidateUser(ctx, "u1")
	close(release)
	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, "stale", r.v, "the caller still gets what it built")
	assert.False(t, tier.has("engine:addendum:u1:private"), "the stale build is not shared")

	v, err := c.GetOrBuild(ctx, "u1", "private", func(context.Context) (string, error) { return "fresh", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)

	other := NewAddendumCache(nil, time.Minute, zap.NewNop())
	other.shared = tier
	v, err = other.GetOrBuild(ctx, "u1", "private", func(context.Context) (string, error) { return "rebuilt", nil })
	require.NoError(t, err)
	assert.Equal(t, "fresh", v)
}

func TestDraftCache(t *testing.T) {
	c := NewDraftCache(nil, time.Hour)
	ctx := context.Background()

	_, ok := c.GetDraft(ctx, "sig", "h1")
	assert.False(t, ok)
	require.NoError(t, c.SetDraft(ctx, "sig", "h1", "be careful", time.Hour))
	draft, ok := c.GetDraft(ctx, "sig", "h1")
	assert.True(t, ok)
	assert.Equal(t, "be careful", draft)

	assert.False(t, c.IsInCooldown(ctx, "sig"))
	require.NoError(t, c.SetCooldown(ctx, "sig", time.Hour))
	assert.True(t, c.IsInCooldown(ctx, "sig"))

	assert.Equal(t, GenerateDataHash(map[string]int{"a": 1}), GenerateDataHash(map[string]int{"a": 1}))
	assert.Len(t, GenerateDataHash("x"), 16)
}
