// Package api implements C10: the HTTP surface for sending messages and
// querying the bridge's cached event history.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/nbd-wtf/go-nostr"
	"github.com/nbd-wtf/go-nostr/nip04"
	"golang.org/x/sync/errgroup"

	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/domain/event"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/identity"
	"github.com/webitel/nostr-bridge/internal/profile"
	"github.com/webitel/nostr-bridge/internal/relay"
)

// Publisher is the outbound surface C10 needs from C6.
type Publisher interface {
	Publish(evt *nostr.Event) (string, error)
	Status() model.SessionStatus
}

// Server is C10.
type Server struct {
	router   chi.Router
	cache    *cache.Store
	profiles *profile.Cache
	session  Publisher
	identity identity.Identity
	startAt  time.Time
	groups   []string
}

// New builds a Server and wires its routes.
func New(store *cache.Store, profiles *profile.Cache, session *relay.Session, id identity.Identity, groups []string, log *slog.Logger) *Server {
	s := &Server{
		router:   chi.NewRouter(),
		cache:    store,
		profiles: profiles,
		session:  session,
		identity: id,
		startAt:  time.Now(),
		groups:   groups,
	}
	s.wireRoutes()
	return s
}

// wireRoutes attaches middleware and handlers to s.router. Split out from
// New so tests can build a Server with a stub Publisher.
func (s *Server) wireRoutes() {
	if s.router == nil {
		s.router = chi.NewRouter()
	}
	if s.startAt.IsZero() {
		s.startAt = time.Now()
	}

	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)

	s.router.Post("/send", s.handleSend)
	s.router.Get("/events", s.handleEvents)
	s.router.Get("/events/{id}", s.handleEvent)
	s.router.Get("/stats", s.handleStats)
	s.router.Get("/health", s.handleHealth)
}

// Handler exposes the configured router for http.ListenAndServe.
func (s *Server) Handler() http.Handler { return s.router }

type sendRequest struct {
	Group     string `json:"group"`
	Recipient string `json:"recipient"`
	Content   string `json:"content"`
	Kind      int    `json:"kind"`
}

type sendResponse struct {
	Success bool   `json:"success"`
	EventID string `json:"event_id,omitempty"`
	Error   string `json:"error,omitempty"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "malformed request body"})
		return
	}
	if req.Kind == 0 {
		req.Kind = event.KindGroupMessage
	}
	if req.Content == "" {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "content must not be empty"})
		return
	}
	if req.Kind != event.KindGroupMessage && req.Kind != event.KindDirectMessage {
		writeJSON(w, http.StatusBadRequest, sendResponse{Error: "kind must be 4 or 9"})
		return
	}

	evt := &nostr.Event{Kind: req.Kind, Content: req.Content}
	switch req.Kind {
	case event.KindGroupMessage:
		if req.Group == "" {
			writeJSON(w, http.StatusBadRequest, sendResponse{Error: "group is required for kind 9"})
			return
		}
		evt.Tags = nostr.Tags{{"h", req.Group}}
	case event.KindDirectMessage:
		if req.Recipient == "" {
			writeJSON(w, http.StatusBadRequest, sendResponse{Error: "recipient is required for kind 4"})
			return
		}
		evt.Tags = nostr.Tags{{"p", req.Recipient}}
	}

	id, err := s.session.Publish(evt)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, sendResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, sendResponse{Success: true, EventID: id})
}

type eventView struct {
	ID               string `json:"id"`
	Author           string `json:"author"`
	AuthorName       string `json:"author_name"`
	Kind             int    `json:"kind"`
	Group            string `json:"group,omitempty"`
	Content          string `json:"content"`
	DecryptedContent string `json:"decrypted_content,omitempty"`
	CreatedAt        int64  `json:"created_at"`
}

func (s *Server) decorate(ce model.CachedEvent) eventView {
	v := eventView{
		ID:         ce.ID,
		Author:     ce.PubKey,
		AuthorName: s.profiles.ResolveDisplayName(ce.PubKey),
		Kind:       ce.Kind,
		Group:      ce.GroupName,
		Content:    ce.Content,
		CreatedAt:  ce.CreatedAt,
	}
	if ce.Kind == event.KindDirectMessage {
		if plain, ok := s.tryDecrypt(ce); ok {
			v.DecryptedContent = plain
		}
	}
	return v
}

// tryDecrypt is best-effort per §4.10/§9: failure is silent, a missing
// field signals no decryption.
func (s *Server) tryDecrypt(ce model.CachedEvent) (string, bool) {
	if s.identity.SecretKeyHex == "" {
		return "", false
	}
	shared, err := nip04.ComputeSharedSecret(ce.PubKey, s.identity.SecretKeyHex)
	if err != nil {
		return "", false
	}
	plain, err := nip04.Decrypt(ce.Content, shared)
	if err != nil {
		return "", false
	}
	return plain, true
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := model.Query{
		Group:  r.URL.Query().Get("group"),
		Author: r.URL.Query().Get("author"),
		Limit:  50,
	}
	if since := r.URL.Query().Get("since"); since != "" {
		if n, err := strconv.ParseInt(since, 10, 64); err == nil {
			q.Since = n
		}
	}
	if limit := r.URL.Query().Get("limit"); limit != "" {
		if n, err := strconv.Atoi(limit); err == nil && n > 0 {
			q.Limit = n
		}
	}

	rows, err := s.cache.Query(r.Context(), q)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}

	// Each row's decoration (profile lookup + best-effort nip04 decrypt) is
	// independent, so fan them out and let the slowest one bound the
	// response instead of the sum of all of them.
	views := make([]eventView, len(rows))
	g, _ := errgroup.WithContext(r.Context())
	for i, row := range rows {
		i, row := i, row
		g.Go(func() error {
			views[i] = s.decorate(row)
			return nil
		})
	}
	g.Wait()
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ce, ok, err := s.cache.Get(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}
	writeJSON(w, http.StatusOK, s.decorate(ce))
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	st, err := s.cache.Stats(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	status := s.session.Status()

	writeJSON(w, http.StatusOK, map[string]any{
		"total":             st.Total,
		"by_kind":           st.ByKind,
		"by_group":          st.ByGroup,
		"recent_24h":        st.Recent24h,
		"identity":          s.identity.PublicKeyHex,
		"uptime_seconds":    int(time.Since(s.startAt).Seconds()),
		"connected":         status.State == model.Subscribed,
		"subscribed_groups": s.groups,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "healthy", "time": time.Now().UTC()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
