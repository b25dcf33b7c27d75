package mergequery

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notecard_fleet/internal/storage"
)

type rec struct {
	device string
	ts     int64
	source string
}

func (r rec) At() int64 { return r.ts }

// slicePager serves pre-sorted shards page by page, newest first when the
// query is descending, like the store backends.
type slicePager struct {
	shards   map[string][]rec
	pageSize int
	calls    atomic.Int64
}

func (p *slicePager) page(_ context.Context, q storage.RangeQuery) (storage.Page[rec], error) {
	p.calls.Add(1)
	rows := append([]rec(nil), p.shards[q.DeviceUID]...)
	sort.Slice(rows, func(i, j int) bool {
		if q.Descending {
			return rows[i].ts > rows[j].ts
		}
		return rows[i].ts < rows[j].ts
	})

	start := 0
	if q.Cursor != "" {
		start, _ = strconv.Atoi(q.Cursor)
	}
	end := start + p.pageSize
	if end >= len(rows) {
		return storage.Page[rec]{Items: rows[start:]}, nil
	}
	return storage.Page[rec]{Items: rows[start:end], Cursor: strconv.Itoa(end)}, nil
}

func timestamps(rs []rec) []int64 {
	out := make([]int64, len(rs))
	for i, r := range rs {
		out[i] = r.ts
	}
	return out
}

func TestQueryMergesAcrossShards(t *testing.T) {
	p := &slicePager{pageSize: 2, shards: map[string][]rec{
		"A": {{"A", 1, ""}, {"A", 4, ""}, {"A", 7, ""}},
		"B": {{"B", 2, ""}, {"B", 5, ""}},
		"C": {{"C", 3, ""}, {"C", 6, ""}, {"C", 8, ""}},
	}}
	ids := []string{"C", "A", "B"}

	tests := []struct {
		name  string
		opts  Options[rec]
		wants []int64
	}{
		{
			name:  "ascending unlimited",
			opts:  Options[rec]{Order: Ascending},
			wants: []int64{1, 2, 3, 4, 5, 6, 7, 8},
		},
		{
			name:  "descending unlimited",
			opts:  Options[rec]{Order: Descending},
			wants: []int64{8, 7, 6, 5, 4, 3, 2, 1},
		},
		{
			name:  "descending keeps newest",
			opts:  Options[rec]{Order: Descending, Limit: 3, FetchAll: true},
			wants: []int64{8, 7, 6},
		},
		{
			name:  "ascending keeps oldest",
			opts:  Options[rec]{Order: Ascending, Limit: 3, FetchAll: true},
			wants: []int64{1, 2, 3},
		},
		{
			name:  "descending with local cap",
			opts:  Options[rec]{Order: Descending, Limit: 2},
			wants: []int64{8, 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Query(context.Background(), ids, p.page, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, tt.wants, timestamps(got))
		})
	}
}

func TestQueryEmptyIDs(t *testing.T) {
	p := &slicePager{pageSize: 2}
	got, err := Query(context.Background(), nil, p.page, Options[rec]{})
	require.NoError(t, err)
	assert.Empty(t, got)
	assert.Zero(t, p.calls.Load())
}

func TestQueryLocalCapStopsPaging(t *testing.T) {
	rows := make([]rec, 50)
	for i := range rows {
		rows[i] = rec{"A", int64(i), ""}
	}
	p := &slicePager{pageSize: 5, shards: map[string][]rec{"A": rows}}

	got, err := Query(context.Background(), []string{"A"}, p.page, Options[rec]{Order: Descending, Limit: 10})
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, int64(2), p.calls.Load())

	p.calls.Store(0)
	got, err = Query(context.Background(), []string{"A"}, p.page, Options[rec]{Order: Descending, Limit: 10, FetchAll: true})
	require.NoError(t, err)
	assert.Len(t, got, 10)
	assert.Equal(t, int64(10), p.calls.Load())
}

func TestQueryLimitCountsAfterFilter(t *testing.T) {
	var rows []rec
	for i := 0; i < 30; i++ {
		src := "cell"
		if i%3 == 0 {
			src = "gps"
		}
		rows = append(rows, rec{"A", int64(i), src})
	}
	p := &slicePager{pageSize: 4, shards: map[string][]rec{"A": rows}}

	got, err := Query(context.Background(), []string{"A"}, p.page, Options[rec]{
		Order: Descending,
		Limit: 5,
		Keep:  func(r rec) bool { return r.source == "gps" },
	})
	require.NoError(t, err)
	assert.Equal(t, []int64{27, 24, 21, 18, 15}, timestamps(got))
}

func TestQueryShardFailureFailsWhole(t *testing.T) {
	boom := errors.New("shard unavailable")
	page := func(_ context.Context, q storage.RangeQuery) (storage.Page[rec], error) {
		if q.DeviceUID == "B" {
			return storage.Page[rec]{}, boom
		}
		return storage.Page[rec]{Items: []rec{{q.DeviceUID, 1, ""}}}, nil
	}

	got, err := Query(context.Background(), []string{"A", "B", "C"}, page, Options[rec]{})
	assert.ErrorIs(t, err, boom)
	assert.Nil(t, got)
}

func TestQueryRunsShardsConcurrently(t *testing.T) {
	ids := []string{"A", "B", "C"}
	var started sync.WaitGroup
	started.Add(len(ids))
	release := make(chan struct{})
	go func() {
		started.Wait()
		close(release)
	}()

	page := func(ctx context.Context, q storage.RangeQuery) (storage.Page[rec], error) {
		started.Done()
		select {
		case <-release:
		case <-time.After(5 * time.Second):
			return storage.Page[rec]{}, errors.New("shards were not queried in parallel")
		}
		return storage.Page[rec]{Items: []rec{{q.DeviceUID, 1, ""}}}, nil
	}

	got, err := Query(context.Background(), ids, page, Options[rec]{})
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestMergeEquivalentToSortingConcatenation(t *testing.T) {
	rng := rand.New(rand.NewSource(7))

	for trial := 0; trial < 100; trial++ {
		nShards := 1 + rng.Intn(4)
		shards := make([][]rec, nShards)
		var all []rec
		for s := range shards {
			n := rng.Intn(20)
			for i := 0; i < n; i++ {
				shards[s] = append(shards[s], rec{strconv.Itoa(s), rng.Int63n(1000), ""})
			}
			sort.Slice(shards[s], func(i, j int) bool { return shards[s][i].ts < shards[s][j].ts })
			all = append(all, shards[s]...)
		}
		sort.SliceStable(all, func(i, j int) bool { return all[i].ts < all[j].ts })

		limit := rng.Intn(30)
		got := Merge(shards, limit, Ascending, nil)

		want := all
		if limit > 0 && len(want) > limit {
			want = want[:limit]
		}
		assert.Equal(t, timestamps(want), timestamps(got))

		wantLen := len(all)
		if limit > 0 && limit < wantLen {
			wantLen = limit
		}
		desc := Merge(shards, limit, Descending, nil)
		require.Len(t, desc, wantLen)
		for i := 1; i < len(desc); i++ {
			assert.GreaterOrEqual(t, desc[i-1].ts, desc[i].ts)
		}
		if len(desc) > 0 {
			assert.Equal(t, all[len(all)-1].ts, desc[0].ts)
		}
	}
}

func TestMergeCustomSortKey(t *testing.T) {
	shards := [][]rec{{{"A", 1, ""}, {"A", 2, ""}}, {{"B", 3, ""}}}
	got := Merge(shards, 0, Ascending, func(r rec) int64 { return -r.ts })
	assert.Equal(t, []int64{3, 2, 1}, timestamps(got))
}
