package cmd

import (
	"context"
	"log/slog"

	"github.com/webitel/nostr-bridge/config"
	"github.com/webitel/nostr-bridge/internal/supervisor"
	"go.uber.org/fx"
)

// NewApp builds the fx.App that owns the bridge's lifecycle. Config and
// logger are provided as already-built values via closures; a single
// fx.Invoke registers start/stop hooks against the Supervisor built from
// them.
func NewApp(cfg config.Config, log *slog.Logger) *fx.App {
	return fx.New(
		fx.NopLogger,
		fx.Provide(
			func() config.Config { return cfg },
			func() *slog.Logger { return log },
			supervisor.New,
		),
		fx.Invoke(registerLifecycle),
	)
}

func registerLifecycle(lc fx.Lifecycle, sup *supervisor.Supervisor) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return sup.Start(ctx)
		},
		OnStop: func(ctx context.Context) error {
			return sup.Stop(ctx)
		},
	})
}
