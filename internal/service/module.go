package service

import (
	"context"
	"log/slog"

	"go.uber.org/fx"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/airlock"
)

var Module = fx.Module(
	"service",

	fx.Provide(
		// The airlock client satisfies both service-facing interfaces.
		func(client *airlock.Client) ChannelClient { return client },
		func(client *airlock.Client) Scryer { return client },

		fx.Annotate(
			NewRelayService,
			fx.As(new(Relayer)),
		),
		fx.Annotate(
			NewScryQueryService,
			fx.As(new(ScryQuerier)),
		),
	),

	// [DECORATION_LAYER] Intercept ScryQuerier to add cross-cutting concerns
	fx.Decorate(func(orig ScryQuerier, logger *slog.Logger) ScryQuerier {
		return &scryQuerierMiddleware{
			next:   orig,
			logger: logger,
		}
	}),

	fx.Invoke(func(lc fx.Lifecycle, relay Relayer) {
		lc.Append(fx.Hook{
			OnStart: func(ctx context.Context) error { return relay.Start(ctx) },
			OnStop:  func(context.Context) error { return relay.Stop() },
		})
	}),
)
