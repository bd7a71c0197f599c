// Package ring implements C3, a per-group bounded FIFO of recent sanitized
// message entries used to give the webhook payload conversational context.
package ring

import (
	"sync"

	"github.com/webitel/nostr-bridge/internal/domain/model"
)

// DefaultCapacity is the per-group ring size when none is configured.
const DefaultCapacity = 50

// group is a single bounded FIFO, implemented as a circular slice.
type group struct {
	entries  []model.RingEntry
	start    int // index of the oldest entry
	size     int // number of valid entries
	capacity int
}

func newGroup(capacity int) *group {
	return &group{entries: make([]model.RingEntry, capacity), capacity: capacity}
}

func (g *group) push(e model.RingEntry) {
	idx := (g.start + g.size) % g.capacity
	g.entries[idx] = e
	if g.size < g.capacity {
		g.size++
	} else {
		// Buffer full: oldest slot just got overwritten, advance start.
		g.start = (g.start + 1) % g.capacity
	}
}

// chronological returns up to n most recent entries, oldest first, skipping
// any entry whose EventID equals excludeID.
func (g *group) chronological(n int, excludeID string) []model.RingEntry {
	if n > g.size {
		n = g.size
	}
	out := make([]model.RingEntry, 0, n)
	// Walk from the newest entry backwards, collecting up to n, then reverse.
	collected := 0
	for i := 0; i < g.size && collected < n; i++ {
		idx := (g.start + g.size - 1 - i + g.capacity) % g.capacity
		e := g.entries[idx]
		if e.EventID == excludeID && excludeID != "" {
			continue
		}
		out = append(out, e)
		collected++
	}
	// out is newest-first; reverse to chronological order.
	for l, r := 0, len(out)-1; l < r; l, r = l+1, r-1 {
		out[l], out[r] = out[r], out[l]
	}
	return out
}

// Buffer is C3: one bounded FIFO per group.
type Buffer struct {
	mu       sync.Mutex
	groups   map[string]*group
	capacity int
}

// New builds a Buffer with the given per-group capacity (default when <= 0).
func New(capacity int) *Buffer {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Buffer{groups: make(map[string]*group), capacity: capacity}
}

// Push appends e to group's FIFO, evicting the oldest entry when full
// (§4.3 push). O(1) amortized.
func (b *Buffer) Push(groupName string, e model.RingEntry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupName]
	if !ok {
		g = newGroup(b.capacity)
		b.groups[groupName] = g
	}
	g.push(e)
}

// Context returns the last min(n, size) entries of group in chronological
// order (§4.3 context).
func (b *Buffer) Context(groupName string, n int) []model.RingEntry {
	return b.ContextExcluding(groupName, n, "")
}

// ContextExcluding is the exclude-by-event-id variant used by C8 to avoid
// duplicating the current message in its own context window.
func (b *Buffer) ContextExcluding(groupName string, n int, excludeID string) []model.RingEntry {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.groups[groupName]
	if !ok {
		return nil
	}
	return g.chronological(n, excludeID)
}

// Len reports the current entry count for group (test hook).
func (b *Buffer) Len(groupName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if g, ok := b.groups[groupName]; ok {
		return g.size
	}
	return 0
}

// SetCapacity resizes the per-group capacity going forward, used by
// config.set (§4.9). Existing groups keep their current entries truncated
// to the new capacity's most recent content.
func (b *Buffer) SetCapacity(capacity int) {
	if capacity <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capacity = capacity
	for name, g := range b.groups {
		recent := g.chronological(capacity, "")
		ng := newGroup(capacity)
		for _, e := range recent {
			ng.push(e)
		}
		b.groups[name] = ng
	}
}
