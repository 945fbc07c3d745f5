package pubsub

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"go.uber.org/fx"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
)

// Bus is the in-process broker both ends plug into: the relay publishes
// through the dispatcher, embedding bot consumers subscribe directly.
type Bus interface {
	message.Publisher
	message.Subscriber
}

// NewBus builds the in-memory go-channel broker. Delivery is
// fan-out-once: consumers subscribe during startup, before the relay
// connects, so nothing is buffered for late arrivals.
func NewBus(cfg *config.Config, logger watermill.LoggerAdapter) Bus {
	buffer := cfg.Bus.Buffer
	// [ZERO_VALUE_GUARD] HAND-BUILT CONFIGS MAY LEAVE THE BUFFER UNSET
	if buffer <= 0 {
		buffer = 256
	}
	return gochannel.NewGoChannel(gochannel.Config{
		OutputChannelBuffer: int64(buffer),
		Persistent:          false,
	}, logger)
}

var Module = fx.Module(
	"pubsub",

	fx.Provide(
		NewBus,
		func(bus Bus) message.Publisher { return bus },
		func(bus Bus) message.Subscriber { return bus },
		NewEventDispatcher,
	),

	fx.Invoke(func(lc fx.Lifecycle, bus Bus) {
		lc.Append(fx.Hook{
			OnStop: func(context.Context) error { return bus.Close() },
		})
	}),
)
