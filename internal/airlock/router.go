package airlock

import (
	"log/slog"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/event"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/subscription"
)

// router classifies decoded frames and dispatches them to subscription
// handlers. It runs only on the stream reader's goroutine, so handlers
// observe a total order of events.
//
// Dispatch order is significant: quit beats content delivery, and an
// exact id match beats broadcast. A frame is never both delivered to a
// specific handler and broadcast.
type router struct {
	registry *subscription.Registry
	logger   *slog.Logger

	// ack, when set, is called with the stream event id of every routed
	// frame that carries one. Best-effort; nil disables acking.
	ack func(eventID uint64)
}

func (rt *router) route(frame event.Frame) {
	// A frame without a data field has nothing to dispatch.
	if !frame.HasData() {
		return
	}

	ev, err := event.Decode([]byte(frame.Data))
	if err != nil {
		// Per-frame failure: log and drop, the stream continues.
		rt.logger.Warn("dropping undecodable frame", "error", err)
		return
	}

	rt.dispatch(frame, ev)

	if frame.ID != nil && rt.ack != nil {
		rt.ack(*frame.ID)
	}
}

func (rt *router) dispatch(frame event.Frame, ev *event.ChannelEvent) {
	if ev.Kind == event.Quit {
		if sub := rt.registry.Lookup(ev.RequestID); sub != nil {
			if sub.OnQuit != nil {
				sub.OnQuit()
			}
			rt.registry.Remove(sub.ID)
		}
		return
	}

	if frame.ID != nil {
		if sub := rt.registry.Lookup(*frame.ID); sub != nil {
			if ev.Content != nil && sub.OnEvent != nil {
				sub.OnEvent(ev.Content)
			}
			return
		}
		// Addressed to a subscription that has since been quit or
		// unsubscribed: drop, never re-route to the survivors.
		if rt.registry.Retired(*frame.ID) {
			return
		}
	}

	// No id, or an id nothing is registered under: best-effort fallback,
	// every live subscription sees the content.
	if ev.Content == nil {
		return
	}
	for _, sub := range rt.registry.All() {
		if sub.OnEvent != nil {
			sub.OnEvent(ev.Content)
		}
	}
}
