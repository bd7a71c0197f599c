// Package profile implements C2, a bounded LRU of identity profiles with a
// TTL layered on top the same way the teacher's peer enricher layers a
// cache-aside LRU in front of a slower lookup (internal/service/peer_enricher.go
// in the teacher repo) — here the "slower lookup" is the relay itself, which
// this cache never blocks on; a miss just returns the fallback name.
package profile

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

const (
	DefaultCapacity = 1000
	DefaultTTL      = 24 * time.Hour
	fallbackChars   = 8
)

// Cache is C2.
type Cache struct {
	mu       sync.Mutex
	entries  *lru.Cache[string, model.ProfileEntry]
	ttl      time.Duration
	prefix   string
	log      *slog.Logger
	now      func() time.Time
}

// Option configures a Cache at construction.
type Option func(*Cache)

// WithTTL overrides the default 24h TTL.
func WithTTL(d time.Duration) Option { return func(c *Cache) { c.ttl = d } }

// WithFallbackPrefix overrides the "{prefix}{first 8 hex chars}…" fallback
// prefix (default "").
func WithFallbackPrefix(p string) Option { return func(c *Cache) { c.prefix = p } }

// New builds a Cache with the given capacity (default when <= 0).
func New(capacity int, log *slog.Logger, opts ...Option) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	entries, _ := lru.New[string, model.ProfileEntry](capacity)
	c := &Cache{entries: entries, ttl: DefaultTTL, log: log, now: time.Now}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Cache) fallback(identity string) string {
	n := fallbackChars
	if len(identity) < n {
		n = len(identity)
	}
	return fmt.Sprintf("%s%s…", c.prefix, identity[:n])
}

// ResolveDisplayName returns the best available display name for identity
// (§4.2): display_name > name > fallback, skipping empty/whitespace names.
// On miss or expiry the stale entry is evicted and the fallback is returned;
// this never blocks on a network fetch.
func (c *Cache) ResolveDisplayName(identity string) string {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries.Get(identity)
	if !ok {
		return c.fallback(identity)
	}
	if entry.Expired(c.now()) {
		c.entries.Remove(identity)
		return c.fallback(identity)
	}

	if name := strings.TrimSpace(entry.Fields.DisplayName); name != "" {
		return name
	}
	if name := strings.TrimSpace(entry.Fields.Name); name != "" {
		return name
	}
	return c.fallback(identity)
}

// IngestProfile parses a kind-0 metadata event's content and stores it.
// Malformed JSON is logged as a warning, not an error (§4.2). Invalid UTF-8
// drops the entry entirely.
func (c *Cache) IngestProfile(identity, content string) {
	if !utf8.ValidString(content) {
		c.log.Warn("profile: dropping non-UTF-8 metadata", "identity", identity)
		return
	}

	var fields model.ProfileFields
	if err := json.Unmarshal([]byte(content), &fields); err != nil {
		c.log.Warn("profile: malformed kind-0 content", "identity", identity, "err", err)
		return
	}

	now := c.now()
	entry := model.ProfileEntry{
		Identity:  identity,
		Fields:    fields,
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries.Add(identity, entry)
}

// KnownIdentities returns a snapshot of identity -> resolved display name,
// used for mention detection (§4.2). Expired entries are excluded but not
// evicted here (read-path eviction is ResolveDisplayName's job).
func (c *Cache) KnownIdentities() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	out := make(map[string]string, c.entries.Len())
	for _, id := range c.entries.Keys() {
		entry, ok := c.entries.Peek(id)
		if !ok || entry.Expired(now) {
			continue
		}
		name := strings.TrimSpace(entry.Fields.DisplayName)
		if name == "" {
			name = strings.TrimSpace(entry.Fields.Name)
		}
		if name == "" {
			name = c.fallback(id)
		}
		out[id] = name
	}
	return out
}

// Len reports the current entry count (test/metrics hook).
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.entries.Len()
}

// Sweep removes expired entries opportunistically. The LRU already expires
// entries on read; this is a latency-smoothing hint called by C11 (§4.11).
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	var expired []string
	for _, id := range c.entries.Keys() {
		if entry, ok := c.entries.Peek(id); ok && entry.Expired(now) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		c.entries.Remove(id)
	}
	return len(expired)
}
