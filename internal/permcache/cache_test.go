package permcache

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestCache(t *testing.T, cfg Config) (*Cache, *fakeClock) {
	t.Helper()
	c, err := New(cfg)
	require.NoError(t, err)
	clock := &fakeClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	c.clock = clock.Now
	t.Cleanup(c.Close)
	return c, clock
}

type payload struct {
	Keys []string `json:"keys"`
}

func TestKeyIsDeterministic(t *testing.T) {
	a := Key(OpEffective, P("user", "u1"), P("role", "operator"), P("project", "p1"))
	b := Key(OpEffective, P("project", "p1"), P("user", "u1"), P("role", "operator"))
	assert.Equal(t, a, b)
	assert.Equal(t, "effective|project=p1|role=operator|user=u1|", a)
	assert.NotEqual(t, a, Key(OpEffective, P("user", "u1"), P("role", "operator"), P("project", "")))
}

func TestTagsDoNotMatchPrefixes(t *testing.T) {
	key := Key(OpEffective, P("user", "u10"))
	assert.NotContains(t, key, UserTag("u1"))
	assert.Contains(t, key, UserTag("u10"))
	assert.Contains(t, Key(OpEffective, P("user", "a|b")), UserTag("a|b"))
}

func TestGetSetRoundTrip(t *testing.T) {
	c, _ := newTestCache(t, Config{})

	require.NoError(t, c.Set("k", payload{Keys: []string{"a"}}, 0))

	var got payload
	hit, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.True(t, hit)
	assert.Equal(t, []string{"a"}, got.Keys)

	hit, err = c.Get("missing", &got)
	require.NoError(t, err)
	assert.False(t, hit)
}

func TestCachedValueIsACopy(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	original := payload{Keys: []string{"a"}}
	require.NoError(t, c.Set("k", original, 0))
	original.Keys[0] = "mutated"

	var got payload
	_, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, got.Keys)
}

func TestEntriesExpireAndAreSwept(t *testing.T) {
	c, clock := newTestCache(t, Config{TTL: time.Minute})
	require.NoError(t, c.Set("short", payload{}, 10*time.Second))
	require.NoError(t, c.Set("default", payload{}, 0))

	clock.Advance(30 * time.Second)
	var got payload
	hit, _ := c.Get("short", &got)
	assert.False(t, hit)
	hit, _ = c.Get("default", &got)
	assert.True(t, hit)

	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())

	clock.Advance(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 0, c.Len())
}

func TestInvalidateByPattern(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	require.NoError(t, c.Set(Key(OpEffective, P("user", "u1"), P("project", "")), payload{}, 0))
	require.NoError(t, c.Set(Key(OpEffective, P("user", "u1"), P("project", "p1")), payload{}, 0))
	require.NoError(t, c.Set(Key(OpEffective, P("user", "u2"), P("project", "p1")), payload{}, 0))
	require.NoError(t, c.Set(Key(OpTemplateList), payload{}, 0))

	assert.Equal(t, 2, c.Invalidate(UserTag("u1")))
	assert.Equal(t, 2, c.Len())
	assert.Equal(t, 0, c.Invalidate(UserTag("u1")), "re-invalidating a cold key is a no-op")
	assert.Equal(t, 1, c.Invalidate(OpTag(OpTemplateList)))
	assert.Equal(t, 1, c.InvalidateAll())
	assert.Equal(t, 0, c.Len())
}

func TestFetchJSONCachesLoaderResult(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	var calls atomic.Int32
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		return payload{Keys: []string{"x"}}, nil
	}

	for i := 0; i < 3; i++ {
		var got payload
		require.NoError(t, c.FetchJSON(context.Background(), "k", &got, loader))
		assert.Equal(t, []string{"x"}, got.Keys)
	}
	assert.EqualValues(t, 1, calls.Load())
}

func TestFetchJSONDoesNotCacheErrors(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	boom := errors.New("boom")

	var got payload
	err := c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return nil, boom
	})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 0, c.Len())

	require.NoError(t, c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return payload{Keys: []string{"ok"}}, nil
	}))
	assert.Equal(t, []string{"ok"}, got.Keys)
}

func TestFetchJSONRequiresLoader(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	var got payload
	assert.ErrorIs(t, c.FetchJSON(context.Background(), "k", &got, nil), ErrLoaderRequired)
}

func TestFetchJSONCoalescesConcurrentMisses(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	release := make(chan struct{})
	var calls atomic.Int32
	loader := func(context.Context) (any, error) {
		calls.Add(1)
		<-release
		return payload{Keys: []string{"shared"}}, nil
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var got payload
			assert.NoError(t, c.FetchJSON(context.Background(), "k", &got, loader))
			assert.Equal(t, []string{"shared"}, got.Keys)
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()
	assert.EqualValues(t, 1, calls.Load())
}

func TestFillStartedBeforeInvalidationIsDiscarded(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})

	done := make(chan error, 1)
	go func() {
		var got payload
		done <- c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
			close(started)
			<-release
			return payload{Keys: []string{"stale"}}, nil
		})
	}()

	<-started
	c.Invalidate("k")
	close(release)
	require.NoError(t, <-done)

	var got payload
	hit, err := c.Get("k", &got)
	require.NoError(t, err)
	assert.False(t, hit, "a fill racing an invalidation must not be stored")

	require.NoError(t, c.FetchJSON(context.Background(), "k", &got, func(context.Context) (any, error) {
		return payload{Keys: []string{"fresh"}}, nil
	}))
	assert.Equal(t, []string{"fresh"}, got.Keys)
}

func TestFetchJSONHonoursCallerDeadline(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	var got payload
	err := c.FetchJSON(ctx, "k", &got, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestSharedFillSurvivesFirstCallerCancel(t *testing.T) {
	c, _ := newTestCache(t, Config{})
	started := make(chan struct{})
	release := make(chan struct{})
	loader := func(ctx context.Context) (any, error) {
		close(started)
		select {
		case <-release:
			return payload{Keys: []string{"shared"}}, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	ctxA, cancelA := context.WithCancel(context.Background())
	errA := make(chan error, 1)
	go func() {
		var got payload
		errA <- c.FetchJSON(ctxA, "k", &got, loader)
	}()
	<-started

	errB := make(chan error, 1)
	var gotB payload
	go func() {
		errB <- c.FetchJSON(context.Background(), "k", &gotB, loader)
	}()
	time.Sleep(20 * time.Millisecond)

	cancelA()
	assert.ErrorIs(t, <-errA, context.Canceled)
	close(release)
	require.NoError(t, <-errB)
	assert.Equal(t, []string{"shared"}, gotB.Keys)
}

func TestSharedFillIsBoundedByFillTimeout(t *testing.T) {
	c, _ := newTestCache(t, Config{FillTimeout: 10 * time.Millisecond})
	var got payload
	err := c.FetchJSON(context.Background(), "k", &got, func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMaxEntriesEvictsLeastRecentlyUsed(t *testing.T) {
	c, _ := newTestCache(t, Config{MaxEntries: 2})
	require.NoError(t, c.Set("a", payload{}, 0))
	require.NoError(t, c.Set("b", payload{}, 0))
	var got payload
	_, _ = c.Get("a", &got)
	require.NoError(t, c.Set("c", payload{}, 0))

	hit, _ := c.Get("b", &got)
	assert.False(t, hit)
	hit, _ = c.Get("a", &got)
	assert.True(t, hit)
}

func TestMetricsAreRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	c, _ := newTestCache(t, Config{Registerer: reg})
	require.NoError(t, c.Set("k", payload{}, 0))
	var got payload
	_, _ = c.Get("k", &got)
	_, _ = c.Get("nope", &got)
	c.Invalidate("k")

	families, err := reg.Gather()
	require.NoError(t, err)
	values := map[string]float64{}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			if m.GetCounter() != nil {
				values[mf.GetName()] = m.GetCounter().GetValue()
			}
		}
	}
	assert.InDelta(t, 1, values["permd_cache_hits_total"], 0)
	assert.InDelta(t, 1, values["permd_cache_misses_total"], 0)
	assert.InDelta(t, 1, values["permd_cache_invalidated_total"], 0)
}

func TestStartSweepsInBackground(t *testing.T) {
	c, clock := newTestCache(t, Config{TTL: time.Second, SweepInterval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, c.Set("k", payload{}, 0))
	c.Start(ctx)
	clock.Advance(2 * time.Second)

	assert.Eventually(t, func() bool { return c.Len() == 0 }, time.Second, 5*time.Millisecond)
}
