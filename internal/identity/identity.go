// Package identity reads the bridge's own signing key off disk.
package identity

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
)

// Identity is the bridge's own signing key, in both encodings.
type Identity struct {
	SecretKeyHex string
	PublicKeyHex string
}

type fileShape struct {
	Nsec string `json:"nsec"`
}

// Load reads a JSON file of the form {"nsec": "nsec1..."} and decodes it.
func Load(path string) (Identity, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: read %s: %w", path, err)
	}

	var shape fileShape
	if err := json.Unmarshal(raw, &shape); err != nil {
		return Identity{}, fmt.Errorf("identity: parse %s: %w", path, err)
	}
	if shape.Nsec == "" {
		return Identity{}, fmt.Errorf("identity: %s missing 'nsec' field", path)
	}

	prefix, value, err := nip19.Decode(shape.Nsec)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: decode nsec: %w", err)
	}
	if prefix != "nsec" {
		return Identity{}, fmt.Errorf("identity: expected nsec, got %s", prefix)
	}
	sk, ok := value.(string)
	if !ok {
		return Identity{}, fmt.Errorf("identity: malformed nsec payload")
	}

	pub, err := nostr.GetPublicKey(sk)
	if err != nil {
		return Identity{}, fmt.Errorf("identity: derive pubkey: %w", err)
	}

	return Identity{SecretKeyHex: sk, PublicKeyHex: pub}, nil
}

// Npub returns the bech32 public-key encoding.
func (id Identity) Npub() (string, error) {
	return nip19.EncodePublicKey(id.PublicKeyHex)
}

// Sign populates id, pubkey, and sig on evt. created_at is signed as the
// caller set it; Sign does not fill in a zero value.
func (id Identity) Sign(evt *nostr.Event) error {
	evt.PubKey = id.PublicKeyHex
	return evt.Sign(id.SecretKeyHex)
}
