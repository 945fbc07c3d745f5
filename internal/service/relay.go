package service

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync/atomic"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/wca4a/clawdbot-tlon-plugin/config"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/adapter/pubsub"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/event"
	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/subscription"
)

// ChannelClient is what the relay needs from the ship connection: it never
// reads the stream directly, only registers handlers and connects.
type ChannelClient interface {
	Connect(ctx context.Context) error
	Subscribe(ctx context.Context, spec subscription.Spec) (uint64, error)
	Close() error
}

// Relayer bridges ship subscriptions onto the internal event bus.
type Relayer interface {
	Start(ctx context.Context) error
	Stop() error
}

// RelayService opens the configured subscriptions on the ship channel and
// republishes every delivered diff as a ShipEvent on the bus.
//
// Reconnects can replay events the consumer side already saw, so the relay
// keeps a bounded seen-set and drops duplicates before they hit the bus.
type RelayService struct {
	client     ChannelClient
	dispatcher pubsub.EventDispatcher
	subs       []config.SubscriptionConfig
	logger     *slog.Logger

	// seen holds content fingerprints of relayed events. The stream
	// renumbers events on every rebuilt channel, so replay detection
	// keys on content, not stream ids. Within the LRU window an
	// identical payload on the same subscription reads as a replay; an
	// evicted fingerprint reads as fresh and goes out again.
	seen *lru.Cache[uint64, struct{}]
}

func NewRelayService(client ChannelClient, dispatcher pubsub.EventDispatcher, cfg *config.Config, logger *slog.Logger) (*RelayService, error) {
	size := cfg.Relay.DedupSize
	if size <= 0 {
		size = 4096
	}
	seen, err := lru.New[uint64, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("relay: building dedup cache: %w", err)
	}
	return &RelayService{
		client:     client,
		dispatcher: dispatcher,
		subs:       cfg.Relay.Subscriptions,
		logger:     logger,
		seen:       seen,
	}, nil
}

// Start registers every configured subscription, then connects the
// channel. Registration before connect means everything rides in the
// initial channel-creation batch instead of trickling in afterwards.
func (s *RelayService) Start(ctx context.Context) error {
	for _, sc := range s.subs {
		sc := sc
		// The handler can only fire after Connect below, but it runs on
		// the stream goroutine, so the id crosses over atomically.
		var subID atomic.Uint64
		id, err := s.client.Subscribe(ctx, subscription.Spec{
			Ship: sc.Ship,
			App:  sc.App,
			Path: sc.Path,
			OnEvent: func(content json.RawMessage) {
				s.relay(sc, subID.Load(), content)
			},
			OnQuit: func() {
				s.logger.Warn("ship quit subscription", "app", sc.App, "path", sc.Path)
				s.publishSystem(event.SystemQuit, sc, nil)
			},
			OnError: func(err error) {
				s.logger.Error("subscription terminally lost", "app", sc.App, "path", sc.Path, "error", err)
				s.publishSystem(event.SystemTerminalError, sc, err)
			},
		})
		if err != nil {
			return fmt.Errorf("relay: subscribing %s%s: %w", sc.App, sc.Path, err)
		}
		subID.Store(id)
		s.logger.Info("relay subscription registered", "id", id, "ship", sc.Ship, "app", sc.App, "path", sc.Path)
	}
	return s.client.Connect(ctx)
}

func (s *RelayService) Stop() error {
	return s.client.Close()
}

func (s *RelayService) relay(sc config.SubscriptionConfig, subID uint64, content json.RawMessage) {
	key := eventFingerprint(sc.App, sc.Path, content)
	if found, _ := s.seen.ContainsOrAdd(key, struct{}{}); found {
		s.logger.Debug("dropping replayed event", "app", sc.App, "path", sc.Path)
		return
	}

	ev := event.ShipEvent{
		Ship:           sc.Ship,
		App:            sc.App,
		Path:           sc.Path,
		SubscriptionID: subID,
		Content:        content,
		ReceivedAt:     time.Now().UTC(),
	}
	if err := s.dispatcher.Publish(context.Background(), ev); err != nil {
		s.logger.Error("publishing ship event", "topic", ev.GetRoutingKey(), "error", err)
	}
}

// publishSystem puts a lifecycle fault on the bus so consumers can react
// (resubscribe, alert, drain). Bus failures here are only logged; the
// fault is already in the log line above the call.
func (s *RelayService) publishSystem(kind string, sc config.SubscriptionConfig, cause error) {
	ev := event.SystemEvent{
		Kind:       kind,
		Ship:       sc.Ship,
		App:        sc.App,
		Path:       sc.Path,
		OccurredAt: time.Now().UTC(),
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	if err := s.dispatcher.Publish(context.Background(), ev); err != nil {
		s.logger.Error("publishing system event", "kind", kind, "error", err)
	}
}

// eventFingerprint hashes the subscription coordinates and the raw content
// into the dedup key.
func eventFingerprint(app, path string, content json.RawMessage) uint64 {
	h := fnv.New64a()
	h.Write([]byte(app))
	h.Write([]byte{0})
	h.Write([]byte(path))
	h.Write([]byte{0})
	h.Write(content)
	return h.Sum64()
}
