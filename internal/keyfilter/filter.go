// Package keyfilter implements C4: a stateful scanner that redacts secret
// keys and flags unrecognized hex strings before content reaches a webhook.
package keyfilter

import (
	"fmt"
	"regexp"
	"sync"
	"sync/atomic"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

var (
	// nsecPattern matches the bech32 secret-key human-readable part. This is
	// unambiguous: an nsec1... token is always a secret, never a pubkey.
	nsecPattern = regexp.MustCompile(`\bnsec1[02-9ac-hj-np-z]{20,}\b`)
	// hex64Pattern matches any bare 64-character hex run, which may be a
	// pubkey, event id, or (rarely) an unencoded raw secret key.
	hex64Pattern = regexp.MustCompile(`\b[0-9a-fA-F]{64}\b`)
)

// Flag describes one redaction or flag raised by Sanitize.
type Flag struct {
	Kind   string // "redacted" or "flagged"
	Reason string
}

// Filter is C4.
type Filter struct {
	mu      sync.RWMutex
	known   map[string]struct{}
	warned  map[string]struct{} // identities already alerted on once (supplemented feature 5)
	redactedCount atomic.Uint64
	flaggedCount  atomic.Uint64
}

// New builds an empty Filter. Call AddKnown/AddKnownMany to seed it.
func New() *Filter {
	return &Filter{known: make(map[string]struct{}), warned: make(map[string]struct{})}
}

// AddKnown idempotently marks identity as a known-safe hex string.
func (f *Filter) AddKnown(identityHex string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.known[identityHex] = struct{}{}
}

// AddKnownMany is the bulk form of AddKnown.
func (f *Filter) AddKnownMany(identities []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range identities {
		f.known[id] = struct{}{}
	}
}

// Sanitize scans text for secret-key bech32 patterns (always redacted) and
// 64-char hex not present in the known set (flagged, not redacted).
// Never fails; a false-positive flag is a logged nuisance, not an error.
// Fast path: if neither pattern's marker characters appear, text is
// returned unchanged with no flags.
func (f *Filter) Sanitize(text string) (string, []Flag) {
	if !mightContainPattern(text) {
		return text, nil
	}

	var flags []Flag

	out := nsecPattern.ReplaceAllStringFunc(text, func(tok string) string {
		f.redactedCount.Add(1)
		derived := f.deriveDerivation(tok)
		flags = append(flags, Flag{Kind: "redacted", Reason: "bech32 secret key"})
		if derived != "" {
			return fmt.Sprintf("[REDACTED nsec → %s]", derived)
		}
		return "[REDACTED nsec]"
	})

	f.mu.RLock()
	known := f.known
	f.mu.RUnlock()

	out = hex64Pattern.ReplaceAllStringFunc(out, func(tok string) string {
		if _, ok := known[tok]; ok {
			return tok
		}
		f.flaggedCount.Add(1)
		flags = append(flags, Flag{Kind: "flagged", Reason: "unrecognized 64-char hex"})
		return fmt.Sprintf("[FLAGGED: unknown hex %s…]", tok[:8])
	})

	return out, flags
}

// mightContainPattern is the cheap pre-check that lets the overwhelmingly
// common case (no secrets, no bare hex) skip both regexes entirely.
func mightContainPattern(text string) bool {
	for i := 0; i+4 <= len(text); i++ {
		switch text[i] {
		case 'n':
			if i+5 <= len(text) && text[i:i+4] == "nsec" {
				return true
			}
		}
	}
	return containsHexRun(text)
}

func containsHexRun(text string) bool {
	run := 0
	for i := 0; i < len(text); i++ {
		c := text[i]
		if isHexDigit(c) {
			run++
			if run >= 64 {
				return true
			}
		} else {
			run = 0
		}
	}
	return false
}

func isHexDigit(c byte) bool {
	return (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// deriveDerivation attempts to decode the nsec token and derive its public
// key, for inclusion in the redaction marker. Best-effort: an undecodable
// token still gets redacted, just without the derivation suffix.
func (f *Filter) deriveDerivation(token string) string {
	prefix, value, err := nip19.Decode(token)
	if err != nil || prefix != "nsec" {
		return ""
	}
	sk, ok := value.(string)
	if !ok {
		return ""
	}
	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return ""
	}
	if len(pub) > 8 {
		return pub[:8] + "…"
	}
	return pub
}

// Counters is a read-only snapshot of the redaction/flag totals (§4.4,
// design note on global mutable state: the only process-wide state is
// these atomics).
type Counters struct {
	Redacted uint64
	Flagged  uint64
}

// Snapshot returns the current counters.
func (f *Filter) Snapshot() Counters {
	return Counters{Redacted: f.redactedCount.Load(), Flagged: f.flaggedCount.Load()}
}

// MarkWarned records that identity has already triggered an owner DM alert
// for a leaked key, so repeated leaks from the same author don't spam the
// owner (supplemented feature 5). Returns true if this is the first time.
func (f *Filter) MarkWarned(identity string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.warned[identity]; ok {
		return false
	}
	f.warned[identity] = struct{}{}
	return true
}
