// Package policy implements C7: the pure decide function over respond
// modes, plus mention detection shared with C8's payload building.
package policy

import (
	"strings"
	"sync"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"

	"github.com/webitel/nostr-bridge/internal/domain/event"
	"github.com/webitel/nostr-bridge/internal/domain/model"
)

// Engine holds the mutable Snapshot behind a short-section lock (§5: "C2/C3/
// C7 each hold one internal lock; sections are short").
type Engine struct {
	mu   sync.RWMutex
	snap model.Snapshot
}

// New builds an Engine with the given default mode.
func New(defaultMode model.Mode) *Engine {
	if defaultMode == model.ModeUnset {
		defaultMode = model.ModeMentions
	}
	return &Engine{snap: model.Snapshot{DefaultMode: defaultMode, PerGroup: make(map[string]model.Mode)}}
}

// Decide resolves the effective mode for group and applies it against the
// detected mention set (§4.7).
func (e *Engine) Decide(group, ourIdentity string, mentions *model.MentionSet) model.Decision {
	e.mu.RLock()
	snap := e.snap.Clone()
	e.mu.RUnlock()

	switch snap.Resolve(group) {
	case model.ModeAll:
		return model.Deliver
	case model.ModeNone:
		return model.Skip
	case model.ModeMentions:
		if mentions.Contains(ourIdentity) {
			return model.Deliver
		}
		return model.Skip
	default:
		return model.Skip
	}
}

// SetGroupMode implements control.stop / control.resume's per-group scope.
func (e *Engine) SetGroupMode(group string, mode model.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.PerGroup[group] = mode
}

// SetGlobalOverride implements control.stop/resume's global scope.
func (e *Engine) SetGlobalOverride(mode model.Mode) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.GlobalOverride = mode
}

// ClearGlobalOverride removes a previously set override.
func (e *Engine) ClearGlobalOverride() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.snap.GlobalOverride = model.ModeUnset
}

// Snapshot returns a deep copy of the current policy state, for config.get.
func (e *Engine) Snapshot() model.Snapshot {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.Clone()
}

// DetectMentions scans content and evt's tags for references to the
// identities in known (hex -> display name), plus ourIdentity and
// ourNames (configured case-insensitive aliases) (§4.7).
func DetectMentions(evt *nostr.Event, content, ourIdentity string, ourNames []string, known map[string]string) *model.MentionSet {
	set := model.NewMentionSet()

	if ourIdentity != "" && strings.Contains(content, ourIdentity) {
		set.Add(ourIdentity, model.Mention{Type: model.MentionHex, RawText: ourIdentity, ResolvedName: known[ourIdentity]})
	}
	if ourIdentity != "" {
		if npub, err := nip19.EncodePublicKey(ourIdentity); err == nil && strings.Contains(content, npub) {
			set.Add(ourIdentity, model.Mention{Type: model.MentionBech32, RawText: npub, ResolvedName: known[ourIdentity]})
		}
	}
	for identity, name := range known {
		if identity == ourIdentity {
			continue
		}
		if strings.Contains(content, identity) {
			set.Add(identity, model.Mention{Type: model.MentionHex, RawText: identity, ResolvedName: name})
		}
	}

	lower := strings.ToLower(content)
	for _, name := range ourNames {
		n := strings.ToLower(strings.TrimSpace(name))
		if n != "" && strings.Contains(lower, n) {
			set.Add(ourIdentity, model.Mention{Type: model.MentionName, RawText: name, ResolvedName: known[ourIdentity]})
		}
	}

	if evt != nil {
		for _, p := range event.PTags(evt) {
			set.Add(p, model.Mention{Type: model.MentionPTag, RawText: p, ResolvedName: known[p]})
		}
	}

	return set
}
