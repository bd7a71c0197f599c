package model

import "github.com/nbd-wtf/go-nostr"

// ClassifiedKind is C6's dispatch classification of an inbound EVENT frame,
// forwarded to C8/C9 over the bounded channel (§4.6, §4.8).
type ClassifiedKind int

const (
	ClassifiedUnknown ClassifiedKind = iota
	ClassifiedGroupMessage
	ClassifiedDirectMessage
	ClassifiedProfileUpdate
	ClassifiedControlRequest
)

// ClassifiedEvent is the unit of work C6 hands to its consumers. Group is
// populated only for ClassifiedGroupMessage.
type ClassifiedEvent struct {
	Event *nostr.Event
	Kind  ClassifiedKind
	Group string
}
