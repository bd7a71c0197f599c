// Package event defines the recognized protocol event kinds and typed
// accessors over the otherwise-untyped tag sequences a signed event carries.
package event

import "github.com/nbd-wtf/go-nostr"

// Recognized kinds. Anything else is ignored by the core pipeline.
const (
	KindProfileMetadata = 0
	KindDirectMessage   = 4
	KindGroupMessage    = 9
	KindAuthResponse    = 22242

	// Control-plane kinds used by C9. Requests arrive as KindControlRequest,
	// responses are published as KindControlResponse.
	KindControlRequest  = 1121
	KindControlResponse = 1122
)

// Class classifies an accepted event for pipeline dispatch.
type Class int

const (
	ClassUnknown Class = iota
	ClassGroupMessage
	ClassDirectMessage
	ClassProfileUpdate
	ClassControlRequest
)

// Classify maps a kind to the pipeline's dispatch class.
func Classify(kind int) Class {
	switch kind {
	case KindGroupMessage:
		return ClassGroupMessage
	case KindDirectMessage:
		return ClassDirectMessage
	case KindProfileMetadata:
		return ClassProfileUpdate
	case KindControlRequest:
		return ClassControlRequest
	default:
		return ClassUnknown
	}
}

// HTag returns the group id carried by the event's "h" tag, if any.
func HTag(evt *nostr.Event) (string, bool) {
	t := evt.Tags.GetFirst([]string{"h"})
	if t == nil || len(*t) < 2 {
		return "", false
	}
	return (*t)[1], true
}

// PTags returns every identity named by a "p" tag.
func PTags(evt *nostr.Event) []string {
	var out []string
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "p" {
			out = append(out, t[1])
		}
	}
	return out
}

// ChallengeTag returns the AUTH challenge carried by a "challenge" tag.
func ChallengeTag(evt *nostr.Event) (string, bool) {
	t := evt.Tags.GetFirst([]string{"challenge"})
	if t == nil || len(*t) < 2 {
		return "", false
	}
	return (*t)[1], true
}

// ETag returns the event id referenced by an "e" tag, used by control-plane
// responses to correlate with their request.
func ETag(evt *nostr.Event) (string, bool) {
	t := evt.Tags.GetFirst([]string{"e"})
	if t == nil || len(*t) < 2 {
		return "", false
	}
	return (*t)[1], true
}

// ParamTag returns the value of a "param:<key>" tag.
func ParamTag(evt *nostr.Event, key string) (string, bool) {
	for _, t := range evt.Tags {
		if len(t) >= 2 && t[0] == "param:"+key {
			return t[1], true
		}
	}
	return "", false
}

// ActionTag returns the "action" tag value.
func ActionTag(evt *nostr.Event) (string, bool) {
	t := evt.Tags.GetFirst([]string{"action"})
	if t == nil || len(*t) < 2 {
		return "", false
	}
	return (*t)[1], true
}
