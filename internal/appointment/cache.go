package appointment

import (
	"context"
	"fmt"
	"time"
)

// CalendarCache stores aggregated calendar views. Invalidation is wholesale:
// any write that could affect a view drops every cached view.
//
// Get reports the cache version it observed, hit or miss. Set stores the
// view only while that version is still current, so a view computed before
// an invalidation is never stored after it.
type CalendarCache interface {
	Get(ctx context.Context, key string) (view *CalendarView, version int64, hit bool, err error)
	Set(ctx context.Context, key string, version int64, view *CalendarView) error
	InvalidateAll(ctx context.Context) error
}

// CalendarCacheKey identifies a view by range, flags and the day it was
// computed on. Temporal statuses depend on today, so views roll over at
// midnight.
func CalendarCacheKey(from, to, today time.Time, opts CalendarOptions) string {
	return fmt.Sprintf("%s:%s:t%s:p%t:s%t",
		dateOnly(from).Format(DateLayout),
		dateOnly(to).Format(DateLayout),
		dateOnly(today).Format(DateLayout),
		opts.IncludeParticipants,
		opts.IncludeStats,
	)
}

type noopCache struct{}

// NoopCache disables calendar caching.
func NoopCache() CalendarCache { return noopCache{} }

func (noopCache) Get(context.Context, string) (*CalendarView, int64, bool, error) {
	return nil, 0, false, nil
}
func (noopCache) Set(context.Context, string, int64, *CalendarView) error { return nil }
func (noopCache) InvalidateAll(context.Context) error                     { return nil }
