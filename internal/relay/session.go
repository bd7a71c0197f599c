// Package relay implements C6: a single-connection WebSocket client against
// a signed-event relay, with an explicit reconnect state machine.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nbd-wtf/go-nostr"

	"github.com/webitel/nostr-bridge/internal/domain/event"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/identity"
)

const (
	InitialBackoff = 5 * time.Second
	MaxBackoff     = 60 * time.Second
	PingInterval   = 30 * time.Second
	PongTimeout    = 15 * time.Second
	OutboundOKWait = 30 * time.Second
)

// Config configures one Session.
type Config struct {
	URL      string
	Groups   []string
	Identity identity.Identity
	Log      *slog.Logger
	// Out receives every accepted, classified frame. Capacity is owned by
	// the caller (§4.8: "bounded channel, capacity ~1000"); a full channel
	// blocks Send, which is the intended backpressure shape (§4.8).
	Out chan<- model.ClassifiedEvent
}

// Session is C6.
type Session struct {
	cfg Config

	mu      sync.Mutex
	conn    *websocket.Conn
	status  model.SessionStatus
	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan bool // outbound event id -> OK result

	authPending string // id of the in-flight AUTH event, empty when none

	shutdown chan struct{}
	stopOnce sync.Once
}

// New builds a Session. Call Run to drive it.
func New(cfg Config) *Session {
	return &Session{
		cfg:      cfg,
		pending:  make(map[string]chan bool),
		shutdown: make(chan struct{}),
		status: model.SessionStatus{
			RelayURL:      cfg.URL,
			State:         model.Disconnected,
			Subscriptions: make(map[string]struct{}),
		},
	}
}

// Status returns a snapshot of the session's current state, used by C9's
// control.ping and C10's /stats.
func (s *Session) Status() model.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := s.status
	cp.Subscriptions = make(map[string]struct{}, len(s.status.Subscriptions))
	for k := range s.status.Subscriptions {
		cp.Subscriptions[k] = struct{}{}
	}
	return cp
}

func (s *Session) setState(st model.SessionState) {
	s.mu.Lock()
	s.status.State = st
	s.mu.Unlock()
}

// Run drives the connect/authenticate/subscribe/read cycle until ctx is
// cancelled or Shutdown is called. It never returns until then (§4.12).
func (s *Session) Run(ctx context.Context) {
	delay := InitialBackoff
	for {
		select {
		case <-s.shutdown:
			s.setState(model.Disconnected)
			return
		case <-ctx.Done():
			s.setState(model.Disconnected)
			return
		default:
		}

		if err := s.connectAndServe(ctx); err != nil {
			s.cfg.Log.Warn("relay: session ended", "err", err)
		}

		select {
		case <-s.shutdown:
			s.setState(model.Disconnected)
			return
		case <-ctx.Done():
			s.setState(model.Disconnected)
			return
		default:
		}

		s.setState(model.Reconnecting)
		s.mu.Lock()
		s.status.NextDelay = delay
		s.mu.Unlock()
		s.cfg.Log.Info("relay: reconnecting", "delay", delay)

		select {
		case <-time.After(delay):
		case <-s.shutdown:
			s.setState(model.Disconnected)
			return
		case <-ctx.Done():
			s.setState(model.Disconnected)
			return
		}
		delay *= 2
		if delay > MaxBackoff {
			delay = MaxBackoff
		}
	}
}

// Shutdown terminates the session permanently (§4.6: "any state + A.shutdown
// -> Disconnected terminally").
func (s *Session) Shutdown() {
	s.stopOnce.Do(func() {
		close(s.shutdown)
		s.mu.Lock()
		conn := s.conn
		s.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
}

func (s *Session) connectAndServe(ctx context.Context) error {
	s.setState(model.Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	conn, _, err := websocket.DefaultDialer.DialContext(dialCtx, s.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}

	s.mu.Lock()
	s.conn = conn
	s.status.ConnectedAt = time.Now()
	s.mu.Unlock()
	defer func() {
		conn.Close()
		s.mu.Lock()
		s.conn = nil
		s.mu.Unlock()
	}()

	s.setState(model.Authenticating)

	lastPong := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		select {
		case lastPong <- struct{}{}:
		default:
		}
		return nil
	})

	pingDone := make(chan struct{})
	defer close(pingDone)
	go s.pingLoop(conn, lastPong, pingDone)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		if err := s.handleFrame(raw); err != nil {
			s.cfg.Log.Warn("relay: frame handling error", "err", err)
		}
	}
}

// pingLoop sends a WS ping every PingInterval and forces a reconnect by
// closing the connection if no pong arrives within PongTimeout (§4.6
// liveness).
func (s *Session) pingLoop(conn *websocket.Conn, pong <-chan struct{}, done <-chan struct{}) {
	ticker := time.NewTicker(PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-s.shutdown:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			s.writeMu.Unlock()
			if err != nil {
				conn.Close()
				return
			}
			select {
			case <-pong:
			case <-time.After(PongTimeout):
				s.cfg.Log.Warn("relay: pong timeout, forcing reconnect")
				conn.Close()
				return
			case <-done:
				return
			case <-s.shutdown:
				return
			}
		}
	}
}

func (s *Session) handleFrame(raw []byte) error {
	var parts []json.RawMessage
	if err := json.Unmarshal(raw, &parts); err != nil || len(parts) == 0 {
		return fmt.Errorf("malformed frame: %w", err)
	}

	var label string
	if err := json.Unmarshal(parts[0], &label); err != nil {
		return fmt.Errorf("malformed frame label: %w", err)
	}

	switch label {
	case "AUTH":
		return s.handleAuth(parts)
	case "OK":
		return s.handleOK(parts)
	case "EVENT":
		return s.handleEvent(parts)
	case "EOSE":
		return s.handleEOSE(parts)
	case "NOTICE":
		var text string
		if len(parts) > 1 {
			json.Unmarshal(parts[1], &text)
		}
		s.cfg.Log.Info("relay: notice", "text", text)
		return nil
	case "CLOSED":
		return s.handleClosed(parts)
	default:
		return nil
	}
}

func (s *Session) handleAuth(parts []json.RawMessage) error {
	if len(parts) < 2 {
		return fmt.Errorf("AUTH: missing challenge")
	}
	var challenge string
	if err := json.Unmarshal(parts[1], &challenge); err != nil {
		return fmt.Errorf("AUTH: %w", err)
	}

	evt := &nostr.Event{
		Kind:      event.KindAuthResponse,
		CreatedAt: nostr.Now(),
		Tags:      nostr.Tags{{"challenge", challenge}, {"relay", s.cfg.URL}},
	}
	if err := s.cfg.Identity.Sign(evt); err != nil {
		return fmt.Errorf("AUTH: sign: %w", err)
	}

	s.mu.Lock()
	s.status.Challenge = challenge
	s.mu.Unlock()
	s.authPending = evt.ID

	return s.writeFrame([]any{"AUTH", evt})
}

func (s *Session) handleOK(parts []json.RawMessage) error {
	if len(parts) < 3 {
		return fmt.Errorf("OK: malformed")
	}
	var id string
	var ok bool
	json.Unmarshal(parts[1], &id)
	json.Unmarshal(parts[2], &ok)

	if s.authPending != "" && id == s.authPending {
		s.authPending = ""
		if !ok {
			return fmt.Errorf("auth rejected by relay")
		}
		return s.onAuthenticated()
	}

	s.pendingMu.Lock()
	ch, found := s.pending[id]
	if found {
		delete(s.pending, id)
	}
	s.pendingMu.Unlock()
	if found {
		select {
		case ch <- ok:
		default:
		}
	}
	return nil
}

// onAuthenticated transitions Subscribed and issues the configured REQs
// (§4.6: group subscriptions use since = now-1h for their first backfill;
// the mentions/profile feeds use since = now since they are never backfilled
// on a fresh connection).
func (s *Session) onAuthenticated() error {
	s.setState(model.Subscribed)

	since := nostr.Timestamp(time.Now().Add(-time.Hour).Unix())
	if len(s.cfg.Groups) > 0 {
		if err := s.subscribe("groups", nostr.Filter{
			Kinds: []int{event.KindGroupMessage},
			Tags:  nostr.TagMap{"h": s.cfg.Groups},
			Since: &since,
		}); err != nil {
			return err
		}
	}

	now := nostr.Now()
	if err := s.subscribe("mentions", nostr.Filter{
		Kinds: []int{event.KindDirectMessage, event.KindControlRequest},
		Tags:  nostr.TagMap{"p": []string{s.cfg.Identity.PublicKeyHex}},
		Since: &now,
	}); err != nil {
		return err
	}

	return s.subscribe("profiles", nostr.Filter{
		Kinds: []int{event.KindProfileMetadata},
		Since: &now,
	})
}

func (s *Session) subscribe(subID string, filter nostr.Filter) error {
	s.mu.Lock()
	s.status.Subscriptions[subID] = struct{}{}
	s.mu.Unlock()
	return s.writeFrame([]any{"REQ", subID, filter})
}

func (s *Session) handleEvent(parts []json.RawMessage) error {
	if len(parts) < 3 {
		return fmt.Errorf("EVENT: malformed")
	}
	var evt nostr.Event
	if err := json.Unmarshal(parts[2], &evt); err != nil {
		return fmt.Errorf("EVENT: decode: %w", err)
	}

	ok, err := evt.CheckSignature()
	if err != nil || !ok {
		s.cfg.Log.Warn("relay: dropping event with bad signature", "id", evt.ID)
		return nil
	}
	if evt.PubKey == s.cfg.Identity.PublicKeyHex {
		s.cfg.Log.Warn("relay: dropping own event echoed back", "id", evt.ID)
		return nil
	}

	ce := model.ClassifiedEvent{Event: &evt}
	switch event.Classify(evt.Kind) {
	case event.ClassGroupMessage:
		ce.Kind = model.ClassifiedGroupMessage
		if g, ok := event.HTag(&evt); ok {
			ce.Group = g
		}
	case event.ClassDirectMessage:
		ce.Kind = model.ClassifiedDirectMessage
	case event.ClassProfileUpdate:
		ce.Kind = model.ClassifiedProfileUpdate
	case event.ClassControlRequest:
		ce.Kind = model.ClassifiedControlRequest
	default:
		return nil
	}

	s.cfg.Out <- ce
	return nil
}

func (s *Session) handleEOSE(parts []json.RawMessage) error {
	var subID string
	if len(parts) > 1 {
		json.Unmarshal(parts[1], &subID)
	}
	s.cfg.Log.Debug("relay: subscription live", "sub_id", subID)
	return nil
}

func (s *Session) handleClosed(parts []json.RawMessage) error {
	var subID, reason string
	if len(parts) > 1 {
		json.Unmarshal(parts[1], &subID)
	}
	if len(parts) > 2 {
		json.Unmarshal(parts[2], &reason)
	}
	s.cfg.Log.Warn("relay: subscription closed", "sub_id", subID, "reason", reason)
	s.mu.Lock()
	delete(s.status.Subscriptions, subID)
	s.mu.Unlock()
	return nil
}

// Publish builds, signs, and sends evt (kind 9 group message or kind 4 DM),
// returning its id synchronously. A 30s watch is started for the
// correlated OK; a false or missing OK is logged as a delivery error but
// does not change the return value, per §4.6's "surfaces as a delivery
// error" (async, not synchronous).
func (s *Session) Publish(evt *nostr.Event) (string, error) {
	if evt.CreatedAt == 0 {
		evt.CreatedAt = nostr.Now()
	}
	if err := s.cfg.Identity.Sign(evt); err != nil {
		return "", fmt.Errorf("relay: sign outbound event: %w", err)
	}

	result := make(chan bool, 1)
	s.pendingMu.Lock()
	s.pending[evt.ID] = result
	s.pendingMu.Unlock()

	if err := s.writeFrame([]any{"EVENT", evt}); err != nil {
		s.pendingMu.Lock()
		delete(s.pending, evt.ID)
		s.pendingMu.Unlock()
		return "", fmt.Errorf("relay: publish: %w", err)
	}

	go s.watchOutboundOK(evt.ID, result)
	return evt.ID, nil
}

func (s *Session) watchOutboundOK(id string, result chan bool) {
	select {
	case ok := <-result:
		if !ok {
			s.cfg.Log.Error("relay: publish rejected by relay", "id", id)
		}
	case <-time.After(OutboundOKWait):
		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
		s.cfg.Log.Error("relay: publish timed out waiting for OK", "id", id)
	}
}

func (s *Session) writeFrame(frame []any) error {
	b, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, b)
}
