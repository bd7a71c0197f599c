// Package pipeline implements C8: the per-event processing chain that runs
// every accepted frame through dedup, persistence, enrichment, sanitizing,
// mention detection, ring buffering, policy, and webhook delivery.
package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/domain/event"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/keyfilter"
	"github.com/webitel/nostr-bridge/internal/policy"
	"github.com/webitel/nostr-bridge/internal/profile"
	"github.com/webitel/nostr-bridge/internal/ring"
	"github.com/webitel/nostr-bridge/internal/webhook"
)

// ContextWindow is the number of ring-buffer entries attached to a
// delivered group payload (§4.8 step 8).
const ContextWindow = 15

// Publisher is the narrow outbound surface the coordinator needs from C6,
// used only for the owner key-leak DM alert.
type Publisher interface {
	Publish(evt *nostr.Event) (string, error)
}

// Config wires the coordinator's dependencies.
type Config struct {
	Cache         *cache.Store
	Profiles      *profile.Cache
	Filter        *keyfilter.Filter
	Policy        *policy.Engine
	Ring          *ring.Buffer
	GroupWebhook  *webhook.Deliverer
	DMWebhook     *webhook.Deliverer // nil falls back to GroupWebhook
	Publisher     Publisher
	OurIdentity   string
	OurNames      []string
	OwnerIdentity string // empty disables the key-leak DM alert
	PreviewLength int
	Log           *slog.Logger
}

// Coordinator is C8.
type Coordinator struct {
	cfg Config
}

// New builds a Coordinator.
func New(cfg Config) *Coordinator {
	if cfg.PreviewLength <= 0 {
		cfg.PreviewLength = 100
	}
	return &Coordinator{cfg: cfg}
}

// Run consumes classified frames from in until ctx is cancelled or in
// closes (§4.12 shutdown: "drain C8 channel").
func (c *Coordinator) Run(ctx context.Context, in <-chan model.ClassifiedEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ce, ok := <-in:
			if !ok {
				return
			}
			if ce.Kind == model.ClassifiedControlRequest || ce.Kind == model.ClassifiedUnknown {
				continue
			}
			c.process(ctx, ce)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, ce model.ClassifiedEvent) {
	evt := ce.Event
	log := c.cfg.Log.With("event_id", evt.ID, "kind", evt.Kind)

	// 1. Dedup.
	seen, err := c.cfg.Cache.Has(ctx, evt.ID)
	if err != nil {
		log.Error("pipeline: dedup check failed", "err", err)
		return
	}
	if seen {
		return
	}

	// 2. Persist.
	if err := c.cfg.Cache.Put(ctx, toCachedEvent(ce)); err != nil {
		log.Error("pipeline: persist failed", "err", err)
		return
	}

	// 3. Identity enrichment.
	name := c.cfg.Profiles.ResolveDisplayName(evt.PubKey)

	// 4. Sanitize.
	preview, flags := c.cfg.Filter.Sanitize(truncate(evt.Content, c.cfg.PreviewLength))
	c.maybeAlertOwner(evt, flags)

	// 5. Mentions.
	known := c.cfg.Profiles.KnownIdentities()
	mentions := policy.DetectMentions(evt, evt.Content, c.cfg.OurIdentity, c.cfg.OurNames, known)

	// 6. Ring buffer append (group messages only; always, regardless of
	// delivery decision).
	if ce.Kind == model.ClassifiedGroupMessage && ce.Group != "" {
		c.cfg.Ring.Push(ce.Group, model.RingEntry{
			Author:      evt.PubKey,
			DisplayName: name,
			Preview:     preview,
			Timestamp:   int64(evt.CreatedAt),
			EventID:     evt.ID,
		})
	}

	// 7 & 8. Policy decision and delivery.
	switch ce.Kind {
	case model.ClassifiedGroupMessage:
		if c.cfg.Policy.Decide(ce.Group, c.cfg.OurIdentity, mentions) == model.Deliver {
			c.deliverGroup(ctx, ce, name, preview, mentions, log)
		}
	case model.ClassifiedDirectMessage:
		c.deliverDM(ctx, ce, name, preview, mentions, log)
	case model.ClassifiedProfileUpdate:
		// 9. Profile ingest.
		c.cfg.Profiles.IngestProfile(evt.PubKey, evt.Content)
	}
}

func (c *Coordinator) deliverGroup(ctx context.Context, ce model.ClassifiedEvent, name, preview string, mentions *model.MentionSet, log *slog.Logger) {
	entries := c.cfg.Ring.ContextExcluding(ce.Group, ContextWindow, ce.Event.ID)
	payload := model.WebhookPayload{
		Type:      "group_message",
		Group:     ce.Group,
		Author:    name,
		Preview:   preview,
		EventID:   ce.Event.ID,
		CreatedAt: int64(ce.Event.CreatedAt),
		Context:   renderContext(entries, ce.Event.CreatedAt),
		Mentions:  mentionSlice(mentions),
	}
	if err := c.cfg.GroupWebhook.Deliver(ctx, payload); err != nil {
		log.Error("pipeline: group webhook delivery failed", "err", err)
	}
}

func (c *Coordinator) deliverDM(ctx context.Context, ce model.ClassifiedEvent, name, preview string, mentions *model.MentionSet, log *slog.Logger) {
	payload := model.WebhookPayload{
		Type:      "direct_message",
		Author:    name,
		Preview:   preview,
		EventID:   ce.Event.ID,
		CreatedAt: int64(ce.Event.CreatedAt),
		Mentions:  mentionSlice(mentions),
	}
	d := c.cfg.DMWebhook
	if d == nil {
		d = c.cfg.GroupWebhook
	}
	if err := d.Deliver(ctx, payload); err != nil {
		log.Error("pipeline: dm webhook delivery failed", "err", err)
	}
}

// maybeAlertOwner sends a one-line DM to the configured owner the first
// time a given author's content triggers a redaction (§4.8 failure
// semantics), using the supplemented per-identity warned-set so repeat
// leaks from the same author don't spam the owner.
func (c *Coordinator) maybeAlertOwner(evt *nostr.Event, flags []keyfilter.Flag) {
	if c.cfg.OwnerIdentity == "" || c.cfg.Publisher == nil {
		return
	}
	redacted := false
	for _, f := range flags {
		if f.Kind == "redacted" {
			redacted = true
			break
		}
	}
	if !redacted || !c.cfg.Filter.MarkWarned(evt.PubKey) {
		return
	}

	alert := &nostr.Event{
		Kind:      event.KindDirectMessage,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"p", c.cfg.OwnerIdentity}},
		Content:   fmt.Sprintf("key leak redacted from %s in event %s", evt.PubKey, evt.ID),
	}
	if _, err := c.cfg.Publisher.Publish(alert); err != nil {
		c.cfg.Log.Error("pipeline: owner alert publish failed", "err", err)
	}
}

func toCachedEvent(ce model.ClassifiedEvent) model.CachedEvent {
	evt := ce.Event
	tags := make([][]string, len(evt.Tags))
	for i, t := range evt.Tags {
		tags[i] = []string(t)
	}
	return model.CachedEvent{
		ID:        evt.ID,
		PubKey:    evt.PubKey,
		CreatedAt: int64(evt.CreatedAt),
		Kind:      evt.Kind,
		TagsJSON:  cache.EncodeTags(tags),
		Content:   evt.Content,
		Sig:       evt.Sig,
		GroupName: ce.Group,
		StoredAt:  time.Now().UTC(),
	}
}

func mentionSlice(m *model.MentionSet) []model.Mention {
	if m.Empty() {
		return nil
	}
	return m.Ordered
}

// renderContext converts ring entries into the payload's context shape,
// computing each entry's timestamp relative to the current event (§6).
func renderContext(entries []model.RingEntry, now nostr.Timestamp) []model.ContextEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]model.ContextEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, model.ContextEntry{
			Author:            e.DisplayName,
			ContentPreview:    e.Preview,
			TimestampRelative: relativeTimestamp(int64(now) - e.Timestamp),
		})
	}
	return out
}

// relativeTimestamp buckets a delta in seconds per §6's boundaries.
func relativeTimestamp(deltaSeconds int64) string {
	switch {
	case deltaSeconds < 60:
		return "now"
	case deltaSeconds < 3600:
		return fmt.Sprintf("%dm ago", deltaSeconds/60)
	case deltaSeconds < 86400:
		return fmt.Sprintf("%dh ago", deltaSeconds/3600)
	case deltaSeconds < 604800:
		return fmt.Sprintf("%dd ago", deltaSeconds/86400)
	default:
		return fmt.Sprintf("%dw ago", deltaSeconds/604800)
	}
}

// truncate cuts s to at most n bytes, appending "…" only if a cut
// occurred (§9 design notes).
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Avoid splitting a multi-byte rune at the boundary.
	cut := n
	for cut > 0 && !isRuneStart(s[cut]) {
		cut--
	}
	return strings.TrimRight(s[:cut], " ") + "…"
}

func isRuneStart(b byte) bool {
	return b&0xC0 != 0x80
}
