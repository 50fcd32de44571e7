package pager

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
)

type source struct {
	ids   []string
	calls int
}

func newSource(m int) *source {
	s := &source{}
	for i := 0; i < m; i++ {
		s.ids = append(s.ids, fmt.Sprintf("id-%04d", i))
	}
	sort.Sort(sort.Reverse(sort.StringSlice(s.ids)))
	return s
}

func (s *source) fetch(_ context.Context, cursor string, limit int) ([]string, error) {
	s.calls++
	var out []string
	for _, id := range s.ids {
		if cursor != "" && id >= cursor {
			continue
		}
		out = append(out, id)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func identity(s string) string { return s }

func TestEachCallCount(t *testing.T) {
	cases := []struct{ m, n, calls int }{
		{m: 0, n: 10, calls: 1},
		{m: 1, n: 10, calls: 1},
		{m: 10, n: 10, calls: 1},
		{m: 11, n: 10, calls: 2},
		{m: 25, n: 10, calls: 3},
		{m: 30, n: 10, calls: 3},
		{m: 7, n: 1, calls: 7},
	}
	for _, tc := range cases {
		t.Run(fmt.Sprintf("m=%d,n=%d", tc.m, tc.n), func(t *testing.T) {
			src := newSource(tc.m)
			seen := map[string]int{}
			var order []string
			err := Each(context.Background(), tc.n, src.fetch, identity, func(id string) error {
				seen[id]++
				order = append(order, id)
				return nil
			})
			require.NoError(t, err)
			require.Equal(t, tc.calls, src.calls)
			require.Len(t, seen, tc.m)
			for id, n := range seen {
				require.Equal(t, 1, n, id)
			}
			require.True(t, sort.IsSorted(sort.Reverse(sort.StringSlice(order))))
		})
	}
}

func TestFetchIsRestartable(t *testing.T) {
	ctx := context.Background()
	src := newSource(25)

	first, err := Fetch(ctx, 10, "", src.fetch, identity)
	require.NoError(t, err)
	require.Len(t, first.Items, 10)
	require.Equal(t, first.Items[9], first.NextCursor)

	second, err := Fetch(ctx, 10, first.NextCursor, src.fetch, identity)
	require.NoError(t, err)
	again, err := Fetch(ctx, 10, first.NextCursor, src.fetch, identity)
	require.NoError(t, err)
	require.Equal(t, second, again)

	last, err := Fetch(ctx, 10, second.NextCursor, src.fetch, identity)
	require.NoError(t, err)
	require.Len(t, last.Items, 5)
	require.Empty(t, last.NextCursor)
}

func TestEachStopsOnVisitError(t *testing.T) {
	stop := errors.New("stop")
	src := newSource(50)
	n := 0
	err := Each(context.Background(), 10, src.fetch, identity, func(string) error {
		n++
		if n == 15 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, src.calls)
}
