package cache

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:", slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestPutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ce := model.CachedEvent{
		ID: "a1", PubKey: "p1", CreatedAt: 1700000000, Kind: 9,
		TagsJSON: EncodeTags([][]string{{"h", "alpha"}}),
		Content:  "hello", Sig: "sig1", GroupName: "alpha",
	}
	require.NoError(t, s.Put(ctx, ce))

	got, ok, err := s.Get(ctx, "a1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, ce.PubKey, got.PubKey)
	require.Equal(t, ce.Content, got.Content)
	require.Equal(t, ce.GroupName, got.GroupName)
}

func TestDedupCountsDistinctIDs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, s.Put(ctx, model.CachedEvent{
			ID: "dup", PubKey: "p1", CreatedAt: int64(1700000000 + i), Kind: 9,
			TagsJSON: "[]", Content: "x", Sig: "s",
		}))
	}
	st, err := s.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, st.Total)
}

func TestHasUsesSeenCacheAndSQL(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	ok, err := s.Has(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Put(ctx, model.CachedEvent{ID: "e1", PubKey: "p", CreatedAt: 1, Kind: 9, TagsJSON: "[]", Sig: "s"}))
	ok, err = s.Has(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestPruneRespectsRetentionZero(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	old := time.Now().Add(-90 * 24 * time.Hour).Unix()
	require.NoError(t, s.Put(ctx, model.CachedEvent{ID: "old", PubKey: "p", CreatedAt: old, Kind: 9, TagsJSON: "[]", Sig: "s"}))

	n, err := s.Prune(ctx, 0)
	require.NoError(t, err)
	require.Zero(t, n)

	n, err = s.Prune(ctx, 30)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)
}

func TestQueryOrdersByCreatedAtDescending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, model.CachedEvent{ID: "1", PubKey: "p", CreatedAt: 100, Kind: 9, GroupName: "g", TagsJSON: "[]", Sig: "s"}))
	require.NoError(t, s.Put(ctx, model.CachedEvent{ID: "2", PubKey: "p", CreatedAt: 300, Kind: 9, GroupName: "g", TagsJSON: "[]", Sig: "s"}))
	require.NoError(t, s.Put(ctx, model.CachedEvent{ID: "3", PubKey: "p", CreatedAt: 200, Kind: 9, GroupName: "g", TagsJSON: "[]", Sig: "s"}))

	res, err := s.Query(ctx, model.Query{Group: "g"})
	require.NoError(t, err)
	require.Len(t, res, 3)
	require.Equal(t, "2", res[0].ID)
	require.Equal(t, "3", res[1].ID)
	require.Equal(t, "1", res[2].ID)
}
