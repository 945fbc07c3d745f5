package airlock

import (
	"log/slog"

	"go.uber.org/fx"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
)

// NewClientFromConfig maps the service configuration onto client options.
func NewClientFromConfig(cfg *config.Config, logger *slog.Logger) (*Client, error) {
	return NewClient(Options{
		BaseURL:              cfg.Ship.URL,
		ShipName:             cfg.Ship.Name,
		Credential:           cfg.Ship.Credential,
		Logger:               logger,
		DisableReconnect:     cfg.Reconnect.Disabled,
		MaxReconnectAttempts: cfg.Reconnect.MaxAttempts,
		ReconnectDelay:       cfg.Reconnect.InitialDelay,
		MaxReconnectDelay:    cfg.Reconnect.MaxDelay,
	})
}

var Module = fx.Module(
	"airlock",

	fx.Provide(NewClientFromConfig),
)
