package cmd

import (
	"io"
	"log/slog"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"go.uber.org/fx"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/adapter/pubsub"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/airlock"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/service"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogLevel,
			ProvideLoggerFromLevel,
			ProvideWatermillLogger,
		),
		airlock.Module,
		pubsub.Module,
		service.Module,

		// Config file changes apply to the log level live; everything
		// else takes effect on restart.
		fx.Invoke(func(cfg *config.Config, level *slog.LevelVar, logger *slog.Logger) {
			cfg.Watch(logger, func(fresh *config.Config) {
				level.Set(parseLevel(fresh.Log.Level))
			})
		}),
	)
}

func ProvideLogLevel(cfg *config.Config) *slog.LevelVar {
	level := new(slog.LevelVar)
	level.Set(parseLevel(cfg.Log.Level))
	return level
}

func ProvideLoggerFromLevel(cfg *config.Config, level *slog.LevelVar) *slog.Logger {
	var out io.Writer = os.Stderr
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
	}
	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})).
		With("service", ServiceName, "version", version)
	slog.SetDefault(logger)
	return logger
}

// ProvideLogger builds a logger outside the fx graph, for one-shot
// commands.
func ProvideLogger(cfg *config.Config) *slog.Logger {
	return ProvideLoggerFromLevel(cfg, ProvideLogLevel(cfg))
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

func parseLevel(raw string) slog.Level {
	switch raw {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
