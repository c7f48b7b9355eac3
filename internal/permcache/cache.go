package permcache

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"
)

const (
	DefaultTTL           = 5 * time.Minute
	DefaultSweepInterval = time.Minute
	DefaultMaxEntries    = 10000
	DefaultFillTimeout   = 10 * time.Second
)

// ErrLoaderRequired is returned by FetchJSON without a loader.
var ErrLoaderRequired = errors.New("permcache: loader required")

// Config tunes the cache.
type Config struct {
	TTL           time.Duration
	SweepInterval time.Duration
	MaxEntries    int
	// FillTimeout bounds a shared loader call. The loader does not inherit the
	// cancellation of whichever caller started it.
	FillTimeout   time.Duration
	Registerer    prometheus.Registerer
}

type entry struct {
	payload   []byte
	expiresAt time.Time
}

// Cache is a bounded, TTL based in-memory cache of serialized values. It is safe
// for concurrent use; callers never hold external locks.
type Cache struct {
	entries *lru.Cache[string, entry]
	ttl     time.Duration
	sweep   time.Duration
	fill    time.Duration
	group   singleflight.Group
	metrics *metrics
	clock   func() time.Time

	// fillMu orders fills against invalidations: a fill that began before an
	// invalidation is discarded.
	fillMu     sync.RWMutex
	generation atomic.Uint64

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// New constructs a cache. Call Start to run the background sweep.
func New(cfg Config) (*Cache, error) {
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = DefaultFillTimeout
	}
	m, err := newMetrics(cfg.Registerer)
	if err != nil {
		return nil, err
	}
	entries, err := lru.NewWithEvict[string, entry](cfg.MaxEntries, func(string, entry) {
		m.evictions.Inc()
	})
	if err != nil {
		return nil, err
	}
	return &Cache{
		entries: entries,
		ttl:     cfg.TTL,
		sweep:   cfg.SweepInterval,
		fill:    cfg.FillTimeout,
		metrics: m,
		clock:   time.Now,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}, nil
}

// TTL returns the default entry lifetime.
func (c *Cache) TTL() time.Duration {
	return c.ttl
}

// Start runs the expiry sweep until ctx is cancelled or Close is called.
func (c *Cache) Start(ctx context.Context) {
	go func() {
		defer close(c.done)
		ticker := time.NewTicker(c.sweep)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stop:
				return
			case <-ticker.C:
				c.Sweep()
			}
		}
	}()
}

// Close stops the sweep and drops every entry.
func (c *Cache) Close() {
	c.stopOnce.Do(func() {
		close(c.stop)
	})
	c.entries.Purge()
	c.metrics.entries.Set(0)
}

// Get decodes a live entry into dest and reports whether it was a hit.
func (c *Cache) Get(key string, dest any) (bool, error) {
	e, ok := c.entries.Get(key)
	if !ok || !c.clock().Before(e.expiresAt) {
		c.metrics.misses.Inc()
		return false, nil
	}
	if err := json.Unmarshal(e.payload, dest); err != nil {
		c.entries.Remove(key)
		c.metrics.misses.Inc()
		return false, err
	}
	c.metrics.hits.Inc()
	return true, nil
}

// Set stores value under key. A non-positive ttl uses the default.
func (c *Cache) Set(key string, value any, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	c.fillMu.RLock()
	c.store(key, raw, ttl)
	c.fillMu.RUnlock()
	return nil
}

func (c *Cache) store(key string, raw []byte, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.ttl
	}
	c.entries.Add(key, entry{payload: raw, expiresAt: c.clock().Add(ttl)})
	c.metrics.entries.Set(float64(c.entries.Len()))
}

// Invalidate removes every key containing pattern and returns how many were
// removed. An empty pattern clears the cache.
func (c *Cache) Invalidate(pattern string) int {
	c.fillMu.Lock()
	defer c.fillMu.Unlock()
	c.generation.Add(1)
	if pattern == "" {
		n := c.entries.Len()
		c.entries.Purge()
		c.metrics.invalidated.Add(float64(n))
		c.metrics.entries.Set(0)
		return n
	}
	removed := 0
	for _, key := range c.entries.Keys() {
		if strings.Contains(key, pattern) && c.entries.Remove(key) {
			removed++
		}
	}
	c.metrics.invalidated.Add(float64(removed))
	c.metrics.entries.Set(float64(c.entries.Len()))
	return removed
}

// InvalidateAll clears every entry.
func (c *Cache) InvalidateAll() int {
	return c.Invalidate("")
}

// Sweep purges expired entries.
func (c *Cache) Sweep() int {
	now := c.clock()
	removed := 0
	for _, key := range c.entries.Keys() {
		e, ok := c.entries.Peek(key)
		if ok && !now.Before(e.expiresAt) && c.entries.Remove(key) {
			removed++
		}
	}
	c.metrics.expired.Add(float64(removed))
	c.metrics.entries.Set(float64(c.entries.Len()))
	return removed
}

// Len returns the number of stored entries, expired ones included until swept.
func (c *Cache) Len() int {
	return c.entries.Len()
}

// FetchJSON serves key from the cache or populates it with loader. Concurrent
// misses for the same key share a single loader call, which runs detached from
// any one caller and bounded by the fill timeout; each caller still returns when
// its own ctx ends. Loader errors are returned and never cached.
func (c *Cache) FetchJSON(ctx context.Context, key string, dest any, loader func(context.Context) (any, error)) error {
	if loader == nil {
		return ErrLoaderRequired
	}
	if hit, err := c.Get(key, dest); err == nil && hit {
		return nil
	}

	gen := c.generation.Load()
	flightKey := key + "#" + strconv.FormatUint(gen, 10)
	fillCtx := context.WithoutCancel(ctx)
	ch := c.group.DoChan(flightKey, func() (any, error) {
		loadCtx, cancel := context.WithTimeout(fillCtx, c.fill)
		defer cancel()
		value, err := loader(loadCtx)
		if err != nil {
			return nil, err
		}
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, err
		}
		c.fillMu.RLock()
		if c.generation.Load() == gen {
			c.store(key, raw, 0)
		} else {
			c.metrics.discarded.Inc()
		}
		c.fillMu.RUnlock()
		return raw, nil
	})

	select {
	case <-ctx.Done():
		return ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return res.Err
		}
		return json.Unmarshal(res.Val.([]byte), dest)
	}
}
