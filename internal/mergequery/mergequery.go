// Package mergequery runs one range query per historical hardware id in
// parallel and merges the shards into a single ordered, limited result.
package mergequery

import (
	"context"
	"fmt"
	"slices"

	"golang.org/x/sync/errgroup"

	"notecard_fleet/internal/storage"
)

// Order is the presentation order of a merged result.
type Order int

const (
	// Ascending returns the oldest records first and keeps the head on truncation.
	Ascending Order = iota
	// Descending returns the newest records first and keeps the tail on truncation.
	Descending
)

// Pager fetches one page of records for the device named in q.
type Pager[T any] func(ctx context.Context, q storage.RangeQuery) (storage.Page[T], error)

// Options controls a merged query.
type Options[T any] struct {
	// Range is the per-shard query template. DeviceUID, Cursor and
	// Descending are set per shard.
	Range storage.RangeQuery

	// Limit caps the merged result. Zero or negative means unlimited.
	Limit int

	// FetchAll pages every shard to exhaustion instead of stopping once a
	// shard alone has produced Limit records.
	FetchAll bool

	Order Order

	// SortKey orders records. Nil sorts by At().
	SortKey func(T) int64

	// Keep is applied to each record as it arrives, before any limit is
	// counted. Nil keeps everything.
	Keep func(T) bool
}

// Query fans out over ids, joins every shard, and merges the results. Any
// shard failure fails the whole query.
func Query[T storage.Timestamped](ctx context.Context, ids []string, page Pager[T], opts Options[T]) ([]T, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	shards := make([][]T, len(ids))
	g, gctx := errgroup.WithContext(ctx)
	for i, id := range ids {
		g.Go(func() error {
			items, err := fetchShard(gctx, id, page, opts)
			if err != nil {
				return fmt.Errorf("query %s: %w", id, err)
			}
			shards[i] = items
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	return Merge(shards, opts.Limit, opts.Order, opts.SortKey), nil
}

// fetchShard pages through one device's records.
func fetchShard[T any](ctx context.Context, id string, page Pager[T], opts Options[T]) ([]T, error) {
	q := opts.Range
	q.DeviceUID = id
	q.Cursor = ""
	q.Descending = opts.Order == Descending

	var items []T
	for {
		p, err := page(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, item := range p.Items {
			if opts.Keep == nil || opts.Keep(item) {
				items = append(items, item)
			}
		}

		if p.Cursor == "" {
			return items, nil
		}
		if !opts.FetchAll && opts.Limit > 0 && len(items) >= opts.Limit {
			return items, nil
		}
		q.Cursor = p.Cursor
	}
}

// Merge concatenates shards, sorts ascending by key and applies the limit.
// Descending results take the last limit records and reverse them so
// truncation keeps the newest.
func Merge[T storage.Timestamped](shards [][]T, limit int, order Order, key func(T) int64) []T {
	if key == nil {
		key = func(v T) int64 { return v.At() }
	}

	total := 0
	for _, s := range shards {
		total += len(s)
	}
	merged := make([]T, 0, total)
	for _, s := range shards {
		merged = append(merged, s...)
	}

	slices.SortStableFunc(merged, func(a, b T) int {
		ka, kb := key(a), key(b)
		switch {
		case ka < kb:
			return -1
		case ka > kb:
			return 1
		default:
			return 0
		}
	})

	if order == Descending {
		if limit > 0 && len(merged) > limit {
			merged = merged[len(merged)-limit:]
		}
		slices.Reverse(merged)
		return merged
	}

	if limit > 0 && len(merged) > limit {
		merged = merged[:limit]
	}
	return merged
}
