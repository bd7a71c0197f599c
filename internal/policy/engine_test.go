package policy

import (
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

func emptyMentions() *model.MentionSet { return model.NewMentionSet() }

func mentioning(ids ...string) *model.MentionSet {
	s := model.NewMentionSet()
	for _, id := range ids {
		s.Add(id, model.Mention{Type: model.MentionHex, RawText: id})
	}
	return s
}

func TestDecideModeAllAlwaysDelivers(t *testing.T) {
	e := New(model.ModeAll)
	require.Equal(t, model.Deliver, e.Decide("g", "self", emptyMentions()))
	require.Equal(t, model.Deliver, e.Decide("g", "self", mentioning("other")))
}

func TestDecideModeNoneAlwaysSkips(t *testing.T) {
	e := New(model.ModeNone)
	require.Equal(t, model.Skip, e.Decide("g", "self", mentioning("self")))
}

func TestDecideModeMentionsGatesOnSelf(t *testing.T) {
	e := New(model.ModeMentions)
	require.Equal(t, model.Skip, e.Decide("g", "self", emptyMentions()))
	require.Equal(t, model.Deliver, e.Decide("g", "self", mentioning("self")))
}

func TestDecidePrecedencePerGroupBeatsGlobalOverride(t *testing.T) {
	e := New(model.ModeMentions)
	e.SetGlobalOverride(model.ModeNone)
	e.SetGroupMode("alpha", model.ModeAll)

	require.Equal(t, model.Deliver, e.Decide("alpha", "self", emptyMentions()))
	require.Equal(t, model.Skip, e.Decide("beta", "self", emptyMentions()))
}

func TestDecidePrecedenceGlobalOverrideBeatsDefault(t *testing.T) {
	e := New(model.ModeMentions)
	e.SetGlobalOverride(model.ModeAll)
	require.Equal(t, model.Deliver, e.Decide("any", "self", emptyMentions()))
}

func TestSnapshotIsIndependentCopy(t *testing.T) {
	e := New(model.ModeMentions)
	e.SetGroupMode("alpha", model.ModeAll)
	snap := e.Snapshot()
	snap.PerGroup["alpha"] = model.ModeNone

	require.Equal(t, model.Deliver, e.Decide("alpha", "self", emptyMentions()))
}

func TestDetectMentionsHexAndPTag(t *testing.T) {
	evt := &nostr.Event{Tags: nostr.Tags{{"p", "beef"}}}
	known := map[string]string{"beef": "Bob"}

	m := DetectMentions(evt, "hey beef how are you", "self", nil, known)
	require.True(t, m.Contains("beef"))
	require.Len(t, m.Ordered, 2) // distinct detections: hex substring and p-tag
}

func TestDetectMentionsConfiguredName(t *testing.T) {
	known := map[string]string{"self": "Alice"}
	m := DetectMentions(nil, "Hey ALICE, look at this", "self", []string{"alice"}, known)
	require.True(t, m.Contains("self"))
}

func TestDetectMentionsNoMatchIsEmpty(t *testing.T) {
	m := DetectMentions(nil, "nothing relevant here", "self", nil, nil)
	require.True(t, m.Empty())
}
