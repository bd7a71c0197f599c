package maintenance

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/profile"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestTickPrunesOldEventsWhenRetentionSet(t *testing.T) {
	store, err := cache.Open(":memory:", discardLogger())
	require.NoError(t, err)
	defer store.Close()

	old := time.Now().Add(-60 * 24 * time.Hour).Unix()
	require.NoError(t, store.Put(context.Background(), model.CachedEvent{
		ID: "old", PubKey: "p", CreatedAt: old, Kind: 9, TagsJSON: "[]", Sig: "s",
	}))

	l := New(store, profile.New(10, discardLogger()), 30, time.Hour, discardLogger())
	l.tick(context.Background())

	_, ok, err := store.Get(context.Background(), "old")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestTickSkipsPruneWhenRetentionZero(t *testing.T) {
	store, err := cache.Open(":memory:", discardLogger())
	require.NoError(t, err)
	defer store.Close()

	old := time.Now().Add(-60 * 24 * time.Hour).Unix()
	require.NoError(t, store.Put(context.Background(), model.CachedEvent{
		ID: "old", PubKey: "p", CreatedAt: old, Kind: 9, TagsJSON: "[]", Sig: "s",
	}))

	l := New(store, profile.New(10, discardLogger()), 0, time.Hour, discardLogger())
	l.tick(context.Background())

	_, ok, err := store.Get(context.Background(), "old")
	require.NoError(t, err)
	require.True(t, ok)
}

func TestRunStopsOnContextCancel(t *testing.T) {
	store, err := cache.Open(":memory:", discardLogger())
	require.NoError(t, err)
	defer store.Close()

	l := New(store, profile.New(10, discardLogger()), 0, 10*time.Millisecond, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() { l.Run(ctx); close(done) }()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not stop after cancel")
	}
}
