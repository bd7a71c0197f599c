// Package maintenance implements C11: the periodic prune/sweep task.
package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/webitel/nostr-bridge/internal/cache"
	"github.com/webitel/nostr-bridge/internal/profile"
)

// DefaultPeriod is the default maintenance interval (§4.11).
const DefaultPeriod = time.Hour

// Loop is C11.
type Loop struct {
	cache         *cache.Store
	profiles      *profile.Cache
	retentionDays int
	period        time.Duration
	log           *slog.Logger
}

// New builds a Loop. retentionDays == 0 disables pruning (§4.11, §6).
func New(store *cache.Store, profiles *profile.Cache, retentionDays int, period time.Duration, log *slog.Logger) *Loop {
	if period <= 0 {
		period = DefaultPeriod
	}
	return &Loop{cache: store, profiles: profiles, retentionDays: retentionDays, period: period, log: log}
}

// Run ticks every period until ctx is cancelled, pruning the event cache
// and sweeping expired profile entries.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.period)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *Loop) tick(ctx context.Context) {
	if l.retentionDays > 0 {
		if _, err := l.cache.Prune(ctx, l.retentionDays); err != nil {
			l.log.Error("maintenance: prune failed", "err", err)
		}
	}
	if n := l.profiles.Sweep(); n > 0 {
		l.log.Info("maintenance: swept expired profiles", "count", n)
	}
}
