package realtime

import (
	"context"
	"log/slog"
	"sync"

	"github.com/odyssey-erp/permissions/internal/permcache"
)

// CacheInvalidator removes cache entries containing a pattern. An empty
// pattern clears everything.
type CacheInvalidator interface {
	Invalidate(pattern string) int
}

// Invalidator turns change events into scoped cache invalidations.
type Invalidator struct {
	cache   CacheInvalidator
	logger  *slog.Logger
	metrics *Metrics
}

// NewInvalidator wires an invalidator to a cache.
func NewInvalidator(cache CacheInvalidator, logger *slog.Logger, metrics *Metrics) *Invalidator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Invalidator{cache: cache, logger: logger, metrics: metrics}
}

// Patterns returns the cache patterns an event affects. A single empty pattern
// means the whole cache.
func Patterns(ev Event) []string {
	if ev.IsRefresh() {
		if ev.UserID == "" && ev.Role == "" {
			return []string{""}
		}
		var out []string
		if ev.UserID != "" {
			out = append(out, permcache.UserTag(ev.UserID))
		}
		if ev.Role != "" {
			out = append(out, permcache.RoleTag(ev.Role), permcache.OpTag(permcache.OpTemplateList))
		}
		return out
	}
	switch ev.Table {
	case TableUserPermissions, TableUserRoles, TableProjectRoles:
		if ev.UserID == "" {
			return []string{""}
		}
		return []string{permcache.UserTag(ev.UserID)}
	case TableRoleTemplates:
		if ev.Role == "" {
			return []string{""}
		}
		return []string{permcache.RoleTag(ev.Role), permcache.OpTag(permcache.OpTemplateList)}
	default:
		return []string{""}
	}
}

// Apply invalidates everything the event affects and returns the number of
// removed entries. Applying the same event twice is harmless.
func (i *Invalidator) Apply(ev Event) int {
	removed := 0
	for _, pattern := range Patterns(ev) {
		removed += i.cache.Invalidate(pattern)
	}
	i.metrics.event(ev, removed)
	i.logger.Debug("cache invalidated",
		slog.String("table", ev.Table),
		slog.String("operation", string(ev.Operation)),
		slog.String("user_id", ev.UserID),
		slog.String("role", ev.Role),
		slog.Int("removed", removed))
	return removed
}

// Run applies events from every stream until ctx ends or all streams close.
func (i *Invalidator) Run(ctx context.Context, streams ...<-chan Event) {
	merged := make(chan Event)
	var wg sync.WaitGroup
	for _, stream := range streams {
		wg.Add(1)
		go func(in <-chan Event) {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case ev, ok := <-in:
					if !ok {
						return
					}
					select {
					case merged <- ev:
					case <-ctx.Done():
						return
					}
				}
			}
		}(stream)
	}
	go func() {
		wg.Wait()
		close(merged)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-merged:
			if !ok {
				return
			}
			i.Apply(ev)
		}
	}
}
