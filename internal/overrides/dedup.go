package overrides

import (
	"context"
	"log/slog"
	"slices"
	"sort"
	"time"

	"github.com/odyssey-erp/permissions/internal/permcache"
	"github.com/odyssey-erp/permissions/internal/rbac"
)

// Report summarises one deduplication pass.
type Report struct {
	Scanned  int           `json:"scanned"`
	Groups   int           `json:"groups"`
	Deleted  int64         `json:"deleted"`
	Keys     []string      `json:"keys"`
	Users    []string      `json:"users"`
	Duration time.Duration `json:"duration"`
}

// Deduplicator collapses duplicate rows of a scope down to the newest one.
type Deduplicator struct {
	store  rbac.OverrideStore
	cache  *permcache.Cache
	logger *slog.Logger
}

// NewDeduplicator constructs a deduplicator. cache may be nil.
func NewDeduplicator(store rbac.OverrideStore, cache *permcache.Cache, logger *slog.Logger) *Deduplicator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Deduplicator{store: store, cache: cache, logger: logger}
}

// Run scans every override and, for each scope with more than one row, deletes
// the rows strictly older than the newest. A concurrent upsert always carries
// the newest timestamp of its scope and survives. Running it again right away
// deletes nothing.
func (d *Deduplicator) Run(ctx context.Context) (Report, error) {
	start := time.Now()
	rows, err := d.store.ListAllOverrides(ctx)
	if err != nil {
		return Report{}, err
	}

	groups := make(map[string][]rbac.UserPermission)
	keys := make(map[string]rbac.OverrideKey)
	for _, row := range rows {
		k := row.Key().String()
		groups[k] = append(groups[k], row)
		keys[k] = row.Key()
	}

	report := Report{Scanned: len(rows), Keys: []string{}, Users: []string{}}
	names := make([]string, 0, len(groups))
	for k := range groups {
		names = append(names, k)
	}
	sort.Strings(names)

	for _, name := range names {
		group := groups[name]
		if len(group) < 2 {
			continue
		}
		report.Groups++
		keep, _ := rbac.Newest(group)
		n, err := d.store.DeleteOverridesOlderThan(ctx, keep)
		if err != nil {
			return report, err
		}
		if n == 0 {
			continue
		}
		report.Deleted += n
		report.Keys = append(report.Keys, name)
		userID := keys[name].UserID
		if !slices.Contains(report.Users, userID) {
			report.Users = append(report.Users, userID)
		}
		if d.cache != nil {
			d.cache.Invalidate(permcache.UserTag(userID))
		}
	}
	sort.Strings(report.Users)
	report.Duration = time.Since(start)

	d.logger.Info("override deduplication finished",
		slog.Int("scanned", report.Scanned),
		slog.Int("groups", report.Groups),
		slog.Int64("deleted", report.Deleted),
		slog.Duration("duration", report.Duration))
	return report, nil
}
