package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/nbd-wtf/go-nostr"
	"github.com/stretchr/testify/require"

	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/identity"
	"github.com/webitel/nostr-bridge/internal/profile"
)

func discardLogger() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type fakeSession struct {
	published []*nostr.Event
	failNext  bool
}

func (f *fakeSession) Publish(evt *nostr.Event) (string, error) {
	if f.failNext {
		return "", errTest
	}
	evt.ID = "evt-id"
	f.published = append(f.published, evt)
	return evt.ID, nil
}

func (f *fakeSession) Status() model.SessionStatus {
	// "groups" mirrors C6's fixed internal subscription label, which is
	// deliberately not a configured Nostr group id (see relay.Session's
	// onAuthenticated).
	return model.SessionStatus{State: model.Subscribed, Subscriptions: map[string]struct{}{"groups": {}}}
}

var errTest = &testErr{"publish failed"}

type testErr struct{ msg string }

func (e *testErr) Error() string { return e.msg }

func newTestServer(t *testing.T) (*Server, *fakeSession, *cache.Store) {
	t.Helper()
	store, err := cache.Open(":memory:", discardLogger())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	sess := &fakeSession{}
	sk := nostr.GeneratePrivateKey()
	pub, err := nostr.GetPublicKey(sk)
	require.NoError(t, err)
	id := identity.Identity{SecretKeyHex: sk, PublicKeyHex: pub}

	s := &Server{
		cache:    store,
		profiles: profile.New(10, discardLogger()),
		session:  sess,
		identity: id,
		groups:   []string{"alpha", "beta"},
	}
	s.wireRoutes()
	return s, sess, store
}

func doRequest(t *testing.T, s *Server, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsAlwaysOK(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestSendValidatesEmptyContent(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/send", sendRequest{Group: "alpha", Content: ""})
	require.Equal(t, http.StatusBadRequest, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Success)
}

func TestSendValidatesKind(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/send", sendRequest{Group: "alpha", Content: "hi", Kind: 1})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendGroupMessagePublishes(t *testing.T) {
	s, sess, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/send", sendRequest{Group: "alpha", Content: "hi", Kind: 9})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp sendResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.True(t, resp.Success)
	require.NotEmpty(t, resp.EventID)
	require.Len(t, sess.published, 1)
}

func TestSendDMRequiresRecipient(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodPost, "/send", sendRequest{Content: "hi", Kind: 4})
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestEventsNotFoundReturns404(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/events/nonexistent", nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestEventsQueryReturnsDecoratedRows(t *testing.T) {
	s, _, store := newTestServer(t)
	require.NoError(t, store.Put(context.Background(), model.CachedEvent{
		ID: "e1", PubKey: "p1", CreatedAt: 1700000000, Kind: 9, GroupName: "alpha",
		Content: "hello", TagsJSON: "[]", Sig: "sig",
	}))

	rec := doRequest(t, s, http.MethodGet, "/events?group=alpha", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var views []eventView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &views))
	require.Len(t, views, 1)
	require.Equal(t, "e1", views[0].ID)
}

func TestStatsMergesCacheAndSessionStatus(t *testing.T) {
	s, _, _ := newTestServer(t)
	rec := doRequest(t, s, http.MethodGet, "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, true, body["connected"])

	groups, ok := body["subscribed_groups"].([]any)
	require.True(t, ok)
	require.ElementsMatch(t, []any{"alpha", "beta"}, groups)
}
