package bus

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New(10, discardLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	subA, err := b.Subscribe(ctx)
	require.NoError(t, err)
	subB, err := b.Subscribe(ctx)
	require.NoError(t, err)

	require.NoError(t, b.Publish(model.ClassifiedEvent{
		Event: &nostr.Event{ID: "e1", Kind: 9},
		Kind:  model.ClassifiedGroupMessage,
		Group: "alpha",
	}))

	for _, sub := range []<-chan model.ClassifiedEvent{subA, subB} {
		select {
		case ce := <-sub:
			require.Equal(t, "e1", ce.Event.ID)
			require.Equal(t, "alpha", ce.Group)
		case <-time.After(2 * time.Second):
			t.Fatal("subscriber did not receive published frame")
		}
	}
}

func TestSubscribeChannelClosesOnContextCancel(t *testing.T) {
	b := New(10, discardLogger())
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := b.Subscribe(ctx)
	require.NoError(t, err)

	cancel()
	select {
	case _, ok := <-sub:
		require.False(t, ok)
	case <-time.After(2 * time.Second):
		t.Fatal("subscriber channel did not close after context cancel")
	}
}
