// Package supervisor wires C1-C11 together and drives the startup and
// shutdown order described in §4.12.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/webitel/nostr-bridge/config"
	"github.com/webitel/nostr-bridge/internal/api"
	"github.com/webitel/nostr-bridge/internal/bus"
	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/control"
	"github.com/webitel/nostr-bridge/internal/domain/model"
	"github.com/webitel/nostr-bridge/internal/identity"
	"github.com/webitel/nostr-bridge/internal/keyfilter"
	"github.com/webitel/nostr-bridge/internal/maintenance"
	"github.com/webitel/nostr-bridge/internal/pipeline"
	"github.com/webitel/nostr-bridge/internal/policy"
	"github.com/webitel/nostr-bridge/internal/profile"
	"github.com/webitel/nostr-bridge/internal/relay"
	"github.com/webitel/nostr-bridge/internal/ring"
	"github.com/webitel/nostr-bridge/internal/webhook"
)

// BusBuffer is the per-subscriber buffer depth of the C6->{C8,C9} fan-out
// (§4.8: "bounded channel, capacity ~1000").
const BusBuffer = 1000

// Supervisor owns every component's lifecycle and the goroutines that run
// them.
type Supervisor struct {
	cfg config.Config
	log *slog.Logger

	cache    *cache.Store
	profiles *profile.Cache
	filter   *keyfilter.Filter
	ring     *ring.Buffer
	pol      *policy.Engine
	groupWH  *webhook.Deliverer
	dmWH     *webhook.Deliverer
	id       identity.Identity

	frames *bus.Bus
	// sessions holds one C6 session per configured relay URL (§SUPPLEMENTED
	// FEATURES "relay multiplicity"); sessions[0] is primary and is the one
	// C9/C10 use to publish outbound events.
	sessions    []*relay.Session
	coordinator *pipeline.Coordinator
	plane       *control.Plane
	maint       *maintenance.Loop
	httpServer  *http.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New constructs every component per §4.12's startup order, up to but not
// including making network connections. Call Start to bring the bridge up.
func New(cfg config.Config, log *slog.Logger) (*Supervisor, error) {
	// C1: open the event cache.
	store, err := cache.Open(cfg.Cache.DBPath, log)
	if err != nil {
		return nil, fmt.Errorf("supervisor: open cache: %w", err)
	}

	// Load identity; ungated, the bridge cannot sign anything.
	id, err := identity.Load(cfg.Identity.NsecFile)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("supervisor: load identity: %w", err)
	}

	// C2: profile cache.
	profiles := profile.New(profile.DefaultCapacity, log)

	filter := keyfilter.New()
	filter.AddKnown(id.PublicKeyHex)

	rb := ring.New(ring.DefaultCapacity)
	pol := policy.New(model.ModeMentions)

	groupWH := webhook.New(cfg.Webhook.URL, cfg.Webhook.Token, log)
	dmWH := groupWH
	if cfg.Webhook.DMURL != "" {
		dmWH = webhook.New(cfg.Webhook.DMURL, cfg.Webhook.Token, log)
	}

	frames := bus.New(BusBuffer, log)

	urls := cfg.Relay.URLs
	if len(urls) == 0 {
		urls = []string{cfg.Relay.URL}
	}
	sessions := make([]*relay.Session, 0, len(urls))
	for _, url := range urls {
		sessions = append(sessions, relay.New(relay.Config{
			URL:      url,
			Groups:   cfg.Groups.Subscribe,
			Identity: id,
			Log:      log,
			Out:      sessionSink(frames, log),
		}))
	}
	primary := sessions[0]

	coordinator := pipeline.New(pipeline.Config{
		Cache:         store,
		Profiles:      profiles,
		Filter:        filter,
		Policy:        pol,
		Ring:          rb,
		GroupWebhook:  groupWH,
		DMWebhook:     dmWH,
		Publisher:     primary,
		OurIdentity:   id.PublicKeyHex,
		OwnerIdentity: cfg.Owner,
		PreviewLength: cfg.Webhook.PreviewLength,
		Log:           log,
	})

	plane := control.New(cfg.Owner, primary, pol, rb, id, log)

	maint := maintenance.New(store, profiles, cfg.Cache.RetentionDays, maintenance.DefaultPeriod, log)

	apiSrv := api.New(store, profiles, primary, id, cfg.Groups.Subscribe, log)

	return &Supervisor{
		cfg:         cfg,
		log:         log,
		cache:       store,
		profiles:    profiles,
		filter:      filter,
		ring:        rb,
		pol:         pol,
		groupWH:     groupWH,
		dmWH:        dmWH,
		id:          id,
		frames:      frames,
		sessions:    sessions,
		coordinator: coordinator,
		plane:       plane,
		maint:       maint,
		httpServer:  &http.Server{Addr: cfg.API.Bind, Handler: apiSrv.Handler()},
	}, nil
}

// sessionSink adapts the bounded channel C6 writes to into bus.Publish
// calls, so the Session type stays ignorant of the fan-out mechanism.
func sessionSink(b *bus.Bus, log *slog.Logger) chan<- model.ClassifiedEvent {
	in := make(chan model.ClassifiedEvent, BusBuffer)
	go func() {
		for ce := range in {
			if err := b.Publish(ce); err != nil {
				log.Error("supervisor: bus publish failed", "err", err)
			}
		}
	}()
	return in
}

// Start brings the bridge up in the order of §4.12: webhook reachability
// check, relay connect (auth/subscribe happen inside Session.Run), then the
// pipeline, control plane, maintenance loop, and HTTP API consumers.
func (s *Supervisor) Start(ctx context.Context) error {
	// C5: the group webhook must be reachable before we start forwarding
	// traffic to it; the DM webhook, if distinct, is checked the same way.
	testCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.groupWH.Test(testCtx); err != nil {
		return fmt.Errorf("supervisor: group webhook unreachable: %w", err)
	}
	if s.dmWH != s.groupWH {
		if err := s.dmWH.Test(testCtx); err != nil {
			return fmt.Errorf("supervisor: dm webhook unreachable: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	// C6: connect every configured relay. Auth and subscription happen
	// inside Run once each handshake completes; Run itself never returns
	// until shutdown.
	for _, sess := range s.sessions {
		sess := sess
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			sess.Run(runCtx)
		}()
	}

	pipelineIn, err := s.frames.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: subscribe pipeline to bus: %w", err)
	}
	controlIn, err := s.frames.Subscribe(runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("supervisor: subscribe control plane to bus: %w", err)
	}

	// Spawn C8 and C9 on the same frame stream (distinct subscriptions of
	// the same bus topic, per §4.12).
	s.wg.Add(2)
	go func() { defer s.wg.Done(); s.coordinator.Run(runCtx, pipelineIn) }()
	go func() { defer s.wg.Done(); s.plane.Run(runCtx, controlIn) }()

	// C11.
	s.wg.Add(1)
	go func() { defer s.wg.Done(); s.maint.Run(runCtx) }()

	// C10, last: only accept API traffic once everything upstream is live.
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("supervisor: http server stopped", "err", err)
		}
	}()

	s.log.Info("supervisor: bridge started", "relays", strings.Join(s.cfg.Relay.URLs, ","), "bind", s.cfg.API.Bind)
	return nil
}

// Stop drives the shutdown order of §4.12: stop the HTTP surface, close
// the relay session (stops producing frames), close the bus (lets C8/C9
// drain and exit), wait for every goroutine, then flush the cache.
func (s *Supervisor) Stop(ctx context.Context) error {
	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn("supervisor: http server shutdown", "err", err)
	}

	for _, sess := range s.sessions {
		sess.Shutdown()
	}
	if err := s.frames.Close(); err != nil {
		s.log.Warn("supervisor: bus close", "err", err)
	}
	if s.cancel != nil {
		s.cancel()
	}

	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		s.log.Warn("supervisor: timed out waiting for workers to drain")
	}

	if err := s.cache.Close(); err != nil {
		return fmt.Errorf("supervisor: close cache: %w", err)
	}
	s.log.Info("supervisor: bridge stopped")
	return nil
}
