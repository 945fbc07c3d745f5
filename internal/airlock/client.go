// Package airlock implements a persistent client for the HTTP channel
// interface of an Urbit ship: poke delivery, subscription management,
// server-sent event streaming and scry reads over a single logical
// channel that survives transport failures.
package airlock

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/subscription"
)

const teardownTimeout = 5 * time.Second

// Options configures a Client. Zero values fall back to the defaults
// documented on each field.
type Options struct {
	// BaseURL is the ship's HTTP endpoint, e.g. "http://localhost:8080".
	BaseURL string
	// ShipName is the ship identity without the leading sig, e.g. "zod".
	ShipName string
	// Credential is the opaque authentication cookie value presented on
	// every request. Empty means unauthenticated (local development).
	Credential string

	// HTTPClient carries all channel traffic. It must not set a client
	// timeout, since the event stream request is deliberately unbounded.
	// Defaults to a fresh http.Client.
	HTTPClient *http.Client
	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// AutoReconnect enables the reconnection loop after stream loss.
	// DisableReconnect exists so the zero Options value keeps the loop on.
	DisableReconnect bool
	// MaxReconnectAttempts bounds consecutive failed attempts before the
	// client gives up. Defaults to 10.
	MaxReconnectAttempts int
	// ReconnectDelay is the first backoff delay. Defaults to 1s.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the exponential growth. Defaults to 30s.
	MaxReconnectDelay time.Duration

	// PreReconnect runs before each reconnection attempt. A non-empty
	// return value replaces the credential for the new channel; an error
	// fails the attempt and consumes one unit of the attempt budget.
	PreReconnect func(ctx context.Context) (string, error)

	// DisableAcks turns off event acknowledgement. By default every
	// framed event is acked so the ship can trim its event log.
	DisableAcks bool
}

func (o *Options) defaults() {
	if o.HTTPClient == nil {
		o.HTTPClient = &http.Client{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.MaxReconnectAttempts <= 0 {
		o.MaxReconnectAttempts = 10
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay <= 0 {
		o.MaxReconnectDelay = 30 * time.Second
	}
}

// Client is a persistent ship channel. It owns the channel identity, the
// subscription registry and the event stream; a lost stream is rebuilt
// transparently under a fresh identity with all subscriptions replayed.
//
// All methods are safe for concurrent use. After Close every operation
// returns ErrClosed.
type Client struct {
	opts     Options
	gateway  *Gateway
	registry *subscription.Registry
	logger   *slog.Logger

	mu        sync.Mutex
	identity  Identity
	connected bool
	// sent tracks subscription ids already transmitted on the current
	// channel generation. Reset by establish on every (re)connect.
	sent     map[uint64]struct{}
	attempts int
	policy   *backoff.ExponentialBackOff

	closed    bool
	closeOnce sync.Once
	done      chan struct{}

	// ctx spans the client lifetime; Close cancels it, which unblocks
	// the stream read and any in-flight channel request.
	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient builds a client. No network traffic happens until Connect.
func NewClient(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, errors.New("airlock: base URL is required")
	}
	if opts.ShipName == "" {
		return nil, errors.New("airlock: ship name is required")
	}
	opts.defaults()

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		opts:     opts,
		gateway:  NewGateway(opts.BaseURL, opts.ShipName, opts.HTTPClient, opts.Logger),
		registry: subscription.NewRegistry(),
		logger:   opts.Logger,
		sent:     make(map[uint64]struct{}),
		policy:   newBackoff(opts.ReconnectDelay, opts.MaxReconnectDelay),
		done:     make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Connect creates the channel on the ship, activates it, and opens the
// event stream. Subscriptions registered beforehand are carried in the
// channel creation batch. Connect returns once the stream is live; the
// read loop runs in the background for the lifetime of the client.
func (c *Client) Connect(ctx context.Context) error {
	if c.isClosed() {
		return ErrClosed
	}
	identity := NewIdentity(c.opts.BaseURL, c.opts.Credential)
	return c.establish(ctx, identity)
}

// establish is the shared connect path: channel creation with the full
// subscription snapshot, activation, stream open, and supervisor launch.
// On success it installs identity as current.
func (c *Client) establish(ctx context.Context, identity Identity) error {
	snapshot := c.registry.All()

	if err := c.gateway.CreateChannel(ctx, identity, snapshot); err != nil {
		return err
	}
	if err := c.gateway.Activate(ctx, identity); err != nil {
		return err
	}
	response, err := c.openStream(identity)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.identity = identity
	c.connected = true
	c.sent = make(map[uint64]struct{}, len(snapshot))
	for _, sub := range snapshot {
		c.sent[sub.ID] = struct{}{}
	}
	c.mu.Unlock()

	rt := &router{registry: c.registry, logger: c.logger}
	if !c.opts.DisableAcks {
		rt.ack = c.ackEvent
	}
	reader := &streamReader{source: newReaderSource(response.Body), route: rt.route}
	go c.supervise(reader)

	c.transmitBacklog(identity)
	return nil
}

// transmitBacklog sends incremental subscribe actions for registrations
// that raced with establish: registered after the creation snapshot was
// taken but before the connected flag went up, so neither path carried
// them. Each id is claimed under the lock, so the backlog walk and a
// concurrent Subscribe never double-send.
func (c *Client) transmitBacklog(identity Identity) {
	for _, sub := range c.registry.All() {
		c.mu.Lock()
		if !c.connected || c.identity.Token != identity.Token {
			c.mu.Unlock()
			return
		}
		if _, ok := c.sent[sub.ID]; ok {
			c.mu.Unlock()
			continue
		}
		c.sent[sub.ID] = struct{}{}
		c.mu.Unlock()

		if err := c.gateway.Subscribe(c.ctx, identity, sub); err != nil {
			c.logger.Error("transmitting late subscription", "id", sub.ID, "app", sub.App, "error", err)
			c.registry.Remove(sub.ID)
			if sub.OnError != nil {
				sub.OnError(err)
			}
		}
	}
}

// openStream issues the long-lived SSE request against the channel
// endpoint. The request is bound to the client lifetime context so Close
// terminates a blocked read.
func (c *Client) openStream(identity Identity) (*http.Response, error) {
	request, err := http.NewRequestWithContext(c.ctx, http.MethodGet, identity.Endpoint, nil)
	if err != nil {
		return nil, err
	}
	request.Header.Set("Accept", "text/event-stream")
	request.Header.Set("Cache-Control", "no-cache")
	if identity.Credential != "" {
		request.Header.Set("Cookie", identity.Credential)
	}

	response, err := c.opts.HTTPClient.Do(request)
	if err != nil {
		return nil, err
	}
	if !isSuccess(response.StatusCode) {
		response.Body.Close()
		return nil, &StreamConnectError{Status: response.StatusCode}
	}
	return response, nil
}

// supervise drives one stream generation to completion and decides what
// happens next: nothing when the client is closing, a terminal report
// when reconnection is disabled, otherwise the reconnect loop.
func (c *Client) supervise(reader *streamReader) {
	err := reader.run()

	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()

	if c.isClosed() {
		return
	}
	if c.opts.DisableReconnect {
		c.logger.Error("stream lost, reconnect disabled", "error", err)
		c.reportTerminal(err)
		return
	}
	c.reconnectLoop(err)
}

// Subscribe registers handlers for a ship/app/path. Before the first
// Connect the subscription rides in the channel creation batch; on a live
// channel it is transmitted immediately as an incremental action. The
// returned id is stable across reconnects.
func (c *Client) Subscribe(ctx context.Context, spec subscription.Spec) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	sub := c.registry.Register(spec)

	c.mu.Lock()
	live := c.connected
	identity := c.identity
	if live {
		c.sent[sub.ID] = struct{}{}
	}
	c.mu.Unlock()

	if live {
		if err := c.gateway.Subscribe(ctx, identity, sub); err != nil {
			c.registry.Remove(sub.ID)
			c.mu.Lock()
			delete(c.sent, sub.ID)
			c.mu.Unlock()
			return 0, err
		}
	}
	return sub.ID, nil
}

// Unsubscribe cancels a subscription. Unknown ids are a no-op.
func (c *Client) Unsubscribe(ctx context.Context, id uint64) error {
	if c.isClosed() {
		return ErrClosed
	}
	if c.registry.Lookup(id) == nil {
		return nil
	}

	c.mu.Lock()
	live := c.connected
	identity := c.identity
	c.mu.Unlock()

	if live {
		if err := c.gateway.Unsubscribe(ctx, identity, id); err != nil {
			return err
		}
	}
	c.registry.Remove(id)
	return nil
}

// Poke delivers a payload under mark to an app on the configured ship
// and returns the action id assigned to it.
func (c *Client) Poke(ctx context.Context, app, mark string, payload any) (uint64, error) {
	if c.isClosed() {
		return 0, ErrClosed
	}
	c.mu.Lock()
	identity := c.identity
	connected := c.connected
	c.mu.Unlock()
	if !connected {
		identity = NewIdentity(c.opts.BaseURL, c.opts.Credential)
	}
	return c.gateway.Poke(ctx, identity, app, mark, payload)
}

// Scry reads from the ship's namespace at path, e.g.
// "/groups/~zod/urbit-community.json". Scries ride outside the channel
// and work whether or not a stream is open.
func (c *Client) Scry(ctx context.Context, path string) (json.RawMessage, error) {
	if c.isClosed() {
		return nil, ErrClosed
	}
	return c.gateway.Scry(ctx, c.credential(), path)
}

// Close shuts the client down: ongoing loops stop, the channel is torn
// down on the ship best-effort, and every subsequent call returns
// ErrClosed. Close is idempotent and never errors.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.closed = true
		identity := c.identity
		hadChannel := identity.Token != ""
		c.mu.Unlock()

		close(c.done)
		c.cancel()

		if hadChannel {
			ctx, cancel := context.WithTimeout(context.Background(), teardownTimeout)
			defer cancel()
			c.gateway.Teardown(ctx, identity, c.registry.All())
		}
	})
	return nil
}

func (c *Client) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) credential() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.identity.Credential != "" {
		return c.identity.Credential
	}
	return c.opts.Credential
}

// ackEvent acknowledges a framed event so the ship can prune its queue.
// Failures are routine during reconnects and only logged.
func (c *Client) ackEvent(eventID uint64) {
	c.mu.Lock()
	identity := c.identity
	c.mu.Unlock()
	if err := c.gateway.Ack(c.ctx, identity, eventID); err != nil {
		c.logger.Debug("event ack failed", "event_id", eventID, "error", err)
	}
}

// reportTerminal fans a terminal error out to every subscription's error
// handler. It is called at most once per client lifetime.
func (c *Client) reportTerminal(err error) {
	for _, sub := range c.registry.All() {
		if sub.OnError != nil {
			sub.OnError(err)
		}
	}
}
