package model

import "time"

// CachedEvent is C1's projection of an accepted signed event (§3 CE).
type CachedEvent struct {
	ID        string
	PubKey    string
	CreatedAt int64
	Kind      int
	TagsJSON  string
	Content   string
	Sig       string
	// GroupName is set iff the event's "h" tag resolved to a known group.
	GroupName string
	// StoredAt is this process's wall clock at insertion; it refreshes on
	// every upsert of the same id.
	StoredAt time.Time
}

// HasGroup reports whether this event is attributed to a group.
func (c CachedEvent) HasGroup() bool { return c.GroupName != "" }

// Stats summarizes the contents of the event cache (§4.1 stats()).
type Stats struct {
	Total     int            `json:"total"`
	ByKind    map[int]int    `json:"by_kind"`
	ByGroup   map[string]int `json:"by_group"`
	Recent24h int            `json:"recent_24h"`
}

// Query describes the C1.query filter set. Non-zero Limit overrides the
// default of 50. C1 applies no upper bound to Limit, and GET /events passes
// any positive limit through unchanged.
type Query struct {
	Group  string
	Author string
	Since  int64
	Limit  int
}
