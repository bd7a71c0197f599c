package model

// RingEntry is a sanitized, length-bounded conversation entry held by C3
// (§3 R).
type RingEntry struct {
	Author      string
	DisplayName string
	Preview     string
	Timestamp   int64
	EventID     string
}
