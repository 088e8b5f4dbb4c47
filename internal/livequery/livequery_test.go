package livequery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/arborq/arbor/internal/collection"
	"github.com/arborq/arbor/internal/livequery"
	"github.com/arborq/arbor/internal/query"
	"github.com/arborq/arbor/internal/txn"
)

type user struct {
	ID  string
	Age int
}

func staticSource[T any, K comparable](t *testing.T, mgr *txn.Manager, getKey func(T) K, seed []T) *collection.Collection[T, K] {
	t.Helper()
	col, err := collection.New(mgr, collection.Config[T, K]{
		GetKey: getKey,
		Sync: collection.SyncConfig[T, K]{
			Sync: func(_ context.Context, ctrl collection.SyncController[T, K]) (func(), error) {
				ctrl.Begin()
				for _, v := range seed {
					ctrl.Write(collection.Write[T]{Value: v})
				}
				ctrl.Commit()
				ctrl.MarkReady()
				return nil, nil
			},
		},
	})
	require.NoError(t, err)
	return col
}

func TestLiveQueryFiltersAdultsFromSourceCollection(t *testing.T) {
	mgr := txn.NewManager()
	users := staticSource(t, mgr, func(u user) string { return u.ID }, []user{
		{ID: "1", Age: 30},
		{ID: "2", Age: 10},
	})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, users.Preload(ctx))

	q := query.From("u", "users").
		Where(query.Call("gt", query.Prop("u", "Age"), query.Lit(18))).
		Build()

	lq, err := livequery.New(mgr, livequery.Config{
		Query: q,
		Sources: map[string]livequery.RowSource{
			"u": livequery.NewRowSource("u", users),
		},
	})
	require.NoError(t, err)

	require.NoError(t, lq.Preload(ctx))
	require.Eventually(t, func() bool {
		return lq.Size() == 1
	}, time.Second, 5*time.Millisecond)
}
