package ring

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

func push(b *Buffer, group string, id string, ts int64) {
	b.Push(group, model.RingEntry{EventID: id, Timestamp: ts, Preview: id})
}

func TestBoundedCapacity(t *testing.T) {
	b := New(3)
	for i := 0; i < 10; i++ {
		push(b, "g", string(rune('a'+i)), int64(i))
	}
	require.Equal(t, 3, b.Len("g"))
	ctx := b.Context("g", 100)
	require.Len(t, ctx, 3)
}

func TestContextChronologicalOrder(t *testing.T) {
	b := New(5)
	push(b, "g", "1", 100)
	push(b, "g", "2", 200)
	push(b, "g", "3", 300)

	ctx := b.Context("g", 5)
	require.Len(t, ctx, 3)
	require.Equal(t, "1", ctx[0].EventID)
	require.Equal(t, "2", ctx[1].EventID)
	require.Equal(t, "3", ctx[2].EventID)
	for i := 1; i < len(ctx); i++ {
		require.GreaterOrEqual(t, ctx[i].Timestamp, ctx[i-1].Timestamp)
	}
}

func TestContextExcludesCurrentID(t *testing.T) {
	b := New(5)
	push(b, "g", "1", 100)
	push(b, "g", "2", 200)

	ctx := b.ContextExcluding("g", 5, "2")
	require.Len(t, ctx, 1)
	require.Equal(t, "1", ctx[0].EventID)
}

func TestEvictsOldestWhenFull(t *testing.T) {
	b := New(2)
	push(b, "g", "1", 1)
	push(b, "g", "2", 2)
	push(b, "g", "3", 3)

	ctx := b.Context("g", 10)
	require.Len(t, ctx, 2)
	require.Equal(t, "2", ctx[0].EventID)
	require.Equal(t, "3", ctx[1].EventID)
}

func TestUnknownGroupReturnsEmpty(t *testing.T) {
	b := New(5)
	require.Empty(t, b.Context("nope", 5))
	require.Zero(t, b.Len("nope"))
}
