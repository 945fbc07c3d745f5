package airlock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/subscription"
)

// action is one entry of a channel write batch. Field presence depends on
// the action discriminator, so everything but ID and Action is omitempty.
type action struct {
	ID      uint64 `json:"id"`
	Action  string `json:"action"`
	Ship    string `json:"ship,omitempty"`
	App     string `json:"app,omitempty"`
	Mark    string `json:"mark,omitempty"`
	JSON    any    `json:"json,omitempty"`
	Path    string `json:"path,omitempty"`
	Sub     uint64 `json:"subscription,omitempty"`
	EventID uint64 `json:"event-id,omitempty"`
}

// Gateway sends write batches to the channel endpoint and read-only
// queries to the scry endpoint. It holds no channel state of its own;
// every call takes the Identity of the channel generation it should
// address, which keeps a batch from ever referencing a stale token.
type Gateway struct {
	baseURL    string
	shipName   string
	httpClient *http.Client
	logger     *slog.Logger

	// idMu guards lastActionID. Poke ids are coarse unix seconds; two
	// pokes in the same clock tick would collide, so minting bumps past
	// the previous id instead.
	idMu         sync.Mutex
	lastActionID uint64
}

func NewGateway(baseURL, shipName string, httpClient *http.Client, logger *slog.Logger) *Gateway {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		baseURL:    strings.TrimRight(baseURL, "/"),
		shipName:   shipName,
		httpClient: httpClient,
		logger:     logger,
	}
}

// mintActionID returns a fresh numeric action id. Coarse unix seconds,
// monotonically bumped so ids minted within one clock tick stay unique.
func (g *Gateway) mintActionID() uint64 {
	g.idMu.Lock()
	defer g.idMu.Unlock()
	id := uint64(time.Now().Unix())
	if id <= g.lastActionID {
		id = g.lastActionID + 1
	}
	g.lastActionID = id
	return id
}

// CreateChannel sends the full current subscription batch to the channel
// endpoint as one request. Success is any 2xx status or an explicit
// no-content; anything else is a ChannelCreationError.
func (g *Gateway) CreateChannel(ctx context.Context, identity Identity, subs []*subscription.Subscription) error {
	batch := make([]action, 0, len(subs))
	for _, sub := range subs {
		batch = append(batch, subscribeAction(sub))
	}
	status, _, err := g.sendBatch(ctx, identity, batch)
	if err != nil {
		return fmt.Errorf("airlock: channel creation: %w", err)
	}
	if !isSuccess(status) {
		return &ChannelCreationError{Status: status}
	}
	g.logger.Debug("channel created", "token", identity.Token, "subscriptions", len(batch))
	return nil
}

// Activate delivers the fixed administrative poke the ship requires before
// the event stream reliably attaches. Failures are ActivationError so
// callers can tell this phase apart from channel creation.
func (g *Gateway) Activate(ctx context.Context, identity Identity) error {
	batch := []action{{
		ID:     g.mintActionID(),
		Action: "poke",
		Ship:   g.shipName,
		App:    "hood",
		Mark:   "helm-hi",
		JSON:   "opening airlock",
	}}
	status, _, err := g.sendBatch(ctx, identity, batch)
	if err != nil {
		return &ActivationError{Err: err}
	}
	if !isSuccess(status) {
		return &ActivationError{Status: status}
	}
	return nil
}

// Poke sends one fire-and-forget write action to app, tagged with mark.
// The returned id correlates the ship's ack on the event stream. On a
// non-success status the response body is read to completion and carried
// in the PokeError for diagnosis.
func (g *Gateway) Poke(ctx context.Context, identity Identity, app, mark string, payload any) (uint64, error) {
	id := g.mintActionID()
	batch := []action{{
		ID:     id,
		Action: "poke",
		Ship:   g.shipName,
		App:    app,
		Mark:   mark,
		JSON:   payload,
	}}
	status, body, err := g.sendBatch(ctx, identity, batch)
	if err != nil {
		return 0, fmt.Errorf("airlock: poke %s/%s: %w", app, mark, err)
	}
	if !isSuccess(status) {
		return 0, &PokeError{Status: status, Body: string(body)}
	}
	return id, nil
}

// Subscribe sends one incremental subscribe action against a live channel.
// This is a different path from channel creation: the channel already
// exists, the subscription is merely appended to it.
func (g *Gateway) Subscribe(ctx context.Context, identity Identity, sub *subscription.Subscription) error {
	status, _, err := g.sendBatch(ctx, identity, []action{subscribeAction(sub)})
	if err != nil {
		return fmt.Errorf("airlock: subscribe %s%s: %w", sub.App, sub.Path, err)
	}
	if !isSuccess(status) {
		return fmt.Errorf("airlock: subscribe %s%s failed with status %d", sub.App, sub.Path, status)
	}
	return nil
}

// Unsubscribe sends an unsubscribe action for a subscription id.
func (g *Gateway) Unsubscribe(ctx context.Context, identity Identity, subID uint64) error {
	batch := []action{{ID: g.mintActionID(), Action: "unsubscribe", Sub: subID}}
	status, _, err := g.sendBatch(ctx, identity, batch)
	if err != nil {
		return fmt.Errorf("airlock: unsubscribe %d: %w", subID, err)
	}
	if !isSuccess(status) {
		return fmt.Errorf("airlock: unsubscribe %d failed with status %d", subID, status)
	}
	return nil
}

// Ack acknowledges receipt of a stream event. Best-effort channel hygiene:
// the ship retires acked events from its resend queue.
func (g *Gateway) Ack(ctx context.Context, identity Identity, eventID uint64) error {
	batch := []action{{ID: g.mintActionID(), Action: "ack", EventID: eventID}}
	status, _, err := g.sendBatch(ctx, identity, batch)
	if err != nil {
		return err
	}
	if !isSuccess(status) {
		return fmt.Errorf("airlock: ack %d failed with status %d", eventID, status)
	}
	return nil
}

// Scry runs a read-only query against the scry endpoint. The path is
// application-defined and passed through verbatim. Returns the decoded
// JSON body, or a ScryError on any non-success status.
func (g *Gateway) Scry(ctx context.Context, credential, path string) (json.RawMessage, error) {
	url := g.baseURL + "/~/scry" + path
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("airlock: building scry request: %w", err)
	}
	if credential != "" {
		request.Header.Set("Cookie", credential)
	}
	response, err := g.httpClient.Do(request)
	if err != nil {
		return nil, fmt.Errorf("airlock: scry %s: %w", path, err)
	}
	defer response.Body.Close()

	body, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, fmt.Errorf("airlock: reading scry response: %w", err)
	}
	if !isSuccess(response.StatusCode) {
		return nil, &ScryError{Status: response.StatusCode, Path: path}
	}
	var decoded json.RawMessage
	if err := json.Unmarshal(body, &decoded); err != nil {
		return nil, fmt.Errorf("airlock: scry %s returned malformed JSON: %w", path, err)
	}
	return decoded, nil
}

// Teardown unsubscribes every registered subscription and deletes the
// channel. It runs during shutdown where nothing can recover, so every
// failure is swallowed and logged instead of returned.
func (g *Gateway) Teardown(ctx context.Context, identity Identity, subs []*subscription.Subscription) {
	if len(subs) > 0 {
		batch := make([]action, 0, len(subs))
		for _, sub := range subs {
			batch = append(batch, action{ID: g.mintActionID(), Action: "unsubscribe", Sub: sub.ID})
		}
		if status, _, err := g.sendBatch(ctx, identity, batch); err != nil || !isSuccess(status) {
			g.logger.Debug("teardown unsubscribe failed", "status", status, "error", err)
		}
	}

	request, err := http.NewRequestWithContext(ctx, http.MethodDelete, identity.Endpoint, nil)
	if err != nil {
		g.logger.Debug("teardown delete request failed", "error", err)
		return
	}
	if identity.Credential != "" {
		request.Header.Set("Cookie", identity.Credential)
	}
	response, err := g.httpClient.Do(request)
	if err != nil {
		g.logger.Debug("teardown delete failed", "error", err)
		return
	}
	io.Copy(io.Discard, response.Body)
	response.Body.Close()
}

// sendBatch PUTs a JSON action batch to the channel endpoint and returns
// the status code and response body. Transport failures return an error;
// status interpretation is the caller's.
func (g *Gateway) sendBatch(ctx context.Context, identity Identity, batch []action) (int, []byte, error) {
	encoded, err := json.Marshal(batch)
	if err != nil {
		return 0, nil, fmt.Errorf("encoding action batch: %w", err)
	}
	request, err := http.NewRequestWithContext(ctx, http.MethodPut, identity.Endpoint, bytes.NewReader(encoded))
	if err != nil {
		return 0, nil, fmt.Errorf("building batch request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")
	if identity.Credential != "" {
		request.Header.Set("Cookie", identity.Credential)
	}
	response, err := g.httpClient.Do(request)
	if err != nil {
		return 0, nil, err
	}
	defer response.Body.Close()

	// Read to completion even on failure so diagnostic text survives and
	// the connection can be reused.
	body, err := io.ReadAll(response.Body)
	if err != nil {
		return response.StatusCode, nil, fmt.Errorf("reading batch response: %w", err)
	}
	return response.StatusCode, body, nil
}

func subscribeAction(sub *subscription.Subscription) action {
	// The subscribe action id is the subscription id itself: the ship
	// references it in acks and quits, and replaying the same ids across
	// reconnects keeps that correlation alive.
	return action{
		ID:     sub.ID,
		Action: "subscribe",
		Ship:   sub.Ship,
		App:    sub.App,
		Path:   sub.Path,
	}
}

func isSuccess(status int) bool {
	return status == http.StatusNoContent || (status >= 200 && status < 300)
}
