package identity

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/stretchr/testify/require"
)

func writeIdentityFile(t *testing.T, nsec string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"nsec":"`+nsec+`"}`), 0o600))
	return path
}

func TestLoadDecodesValidNsec(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)

	path := writeIdentityFile(t, nsec)
	id, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, sk, id.SecretKeyHex)
	require.Equal(t, pub, id.PublicKeyHex)
}

func TestLoadMissingFileErrors(t *testing.T) {
	_, err := Load("/nonexistent/path/identity.json")
	require.Error(t, err)
}

func TestLoadMalformedJSONErrors(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "identity.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingNsecFieldErrors(t *testing.T) {
	path := writeIdentityFile(t, "")
	_, err := Load(path)
	require.Error(t, err)
}

func TestSignPopulatesEventFields(t *testing.T) {
	sk := nostr.GeneratePrivateKey()
	nsec, err := nip19.EncodePrivateKey(sk)
	require.NoError(t, err)
	path := writeIdentityFile(t, nsec)
	id, err := Load(path)
	require.NoError(t, err)

	evt := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Content: "hi"}
	require.NoError(t, id.Sign(evt))
	require.Equal(t, id.PublicKeyHex, evt.PubKey)
	require.NotEmpty(t, evt.ID)
	require.NotEmpty(t, evt.Sig)

	ok, err := evt.CheckSignature()
	require.NoError(t, err)
	require.True(t, ok)
}
