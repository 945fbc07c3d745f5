package airlock

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wca4a/clawdbot-tlon-plugin/internal/domain/subscription"
)

// fakeShip serves the full channel surface: PUT action batches, the SSE
// stream, DELETE teardown and scry reads. Each opened stream consumes one
// frames channel from the queue; closing that channel ends the stream and
// lets tests force a reconnect.
type fakeShip struct {
	server  *httptest.Server
	streams chan chan string

	mu        sync.Mutex
	putStatus int
	putGate   <-chan struct{}
	puts      []capturedRequest
}

func newFakeShip(t *testing.T) *fakeShip {
	t.Helper()
	ship := &fakeShip{
		streams:   make(chan chan string, 8),
		putStatus: http.StatusNoContent,
	}
	ship.server = httptest.NewServer(http.HandlerFunc(ship.handle))
	t.Cleanup(ship.server.Close)
	return ship
}

func (s *fakeShip) handle(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPut:
		captured := capturedRequest{Method: r.Method, Path: r.URL.Path}
		if body, _ := io.ReadAll(r.Body); len(body) > 0 {
			_ = json.Unmarshal(body, &captured.Batch)
		}
		s.mu.Lock()
		s.puts = append(s.puts, captured)
		status := s.putStatus
		gate := s.putGate
		s.mu.Unlock()
		if gate != nil {
			<-gate
		}
		w.WriteHeader(status)
	case http.MethodGet:
		s.handleStream(w, r)
	case http.MethodDelete:
		w.WriteHeader(http.StatusOK)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *fakeShip) handleStream(w http.ResponseWriter, r *http.Request) {
	var frames chan string
	select {
	case frames = <-s.streams:
	case <-r.Context().Done():
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.WriteHeader(http.StatusOK)
	flusher := w.(http.Flusher)
	flusher.Flush()

	for {
		select {
		case frame, ok := <-frames:
			if !ok {
				return
			}
			io.WriteString(w, frame)
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

// holdPuts makes every PUT block, after being recorded, until gate is
// closed. Used to park the client mid-connect.
func (s *fakeShip) holdPuts(gate <-chan struct{}) {
	s.mu.Lock()
	s.putGate = gate
	s.mu.Unlock()
}

func (s *fakeShip) failPuts(status int) {
	s.mu.Lock()
	s.putStatus = status
	s.mu.Unlock()
}

func (s *fakeShip) putCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.puts)
}

// putActions flattens every recorded batch into action names, in order.
func (s *fakeShip) putActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []string
	for _, put := range s.puts {
		for _, act := range put.Batch {
			name, _ := act["action"].(string)
			out = append(out, name)
		}
	}
	return out
}

func (s *fakeShip) client(t *testing.T, opts Options) *Client {
	t.Helper()
	opts.BaseURL = s.server.URL
	opts.ShipName = "zod"
	if opts.HTTPClient == nil {
		opts.HTTPClient = s.server.Client()
	}
	client, err := NewClient(opts)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func diffFrame(streamID, subID uint64, body string) string {
	return fmt.Sprintf("id: %d\ndata: {\"id\":%d,\"response\":\"diff\",\"json\":%s}\n\n", streamID, subID, body)
}

func awaitSignal(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func TestClientRequiresEndpointAndShip(t *testing.T) {
	_, err := NewClient(Options{ShipName: "zod"})
	assert.Error(t, err)
	_, err = NewClient(Options{BaseURL: "http://localhost"})
	assert.Error(t, err)
}

func TestClientConnectAndDeliver(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string, 4)
	ship.streams <- frames

	client := ship.client(t, Options{DisableAcks: true})

	delivered := make(chan string, 1)
	subID, err := client.Subscribe(context.Background(), subscription.Spec{
		Ship:    "zod",
		App:     "channels",
		Path:    "/v1",
		OnEvent: func(content json.RawMessage) { delivered <- string(content) },
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), subID)

	require.NoError(t, client.Connect(context.Background()))

	frames <- diffFrame(1, subID, `{"post":"hello"}`)
	select {
	case content := <-delivered:
		assert.JSONEq(t, `{"post":"hello"}`, content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	// Channel creation carried the pre-registered subscription, followed
	// by the activation poke.
	actions := ship.putActions()
	require.GreaterOrEqual(t, len(actions), 2)
	assert.Equal(t, []string{"subscribe", "poke"}, actions[:2])
}

func TestClientAcksStreamEvents(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string, 4)
	ship.streams <- frames

	client := ship.client(t, Options{})

	delivered := make(chan struct{}, 1)
	subID, err := client.Subscribe(context.Background(), subscription.Spec{
		OnEvent: func(json.RawMessage) { delivered <- struct{}{} },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	frames <- diffFrame(1, subID, `{}`)
	awaitSignal(t, delivered, "delivery")

	require.Eventually(t, func() bool {
		for _, name := range ship.putActions() {
			if name == "ack" {
				return true
			}
		}
		return false
	}, 5*time.Second, 10*time.Millisecond, "expected an ack action after a framed event")
}

func TestClientLiveSubscribeIsIncremental(t *testing.T) {
	ship := newFakeShip(t)
	ship.streams <- make(chan string)

	client := ship.client(t, Options{DisableAcks: true})
	require.NoError(t, client.Connect(context.Background()))
	before := ship.putCount()

	subID, err := client.Subscribe(context.Background(), subscription.Spec{App: "activity", Path: "/all"})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), subID)
	assert.Equal(t, before+1, ship.putCount(), "live subscribe goes out immediately")

	require.NoError(t, client.Unsubscribe(context.Background(), subID))
	assert.Equal(t, before+2, ship.putCount())
}

func TestClientSubscribeDuringConnectIsTransmitted(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string, 1)
	ship.streams <- frames

	// Park the channel creation batch in flight so Subscribe lands after
	// the creation snapshot but before the channel is live.
	gate := make(chan struct{})
	ship.holdPuts(gate)

	client := ship.client(t, Options{DisableAcks: true})

	connected := make(chan error, 1)
	go func() { connected <- client.Connect(context.Background()) }()

	require.Eventually(t, func() bool {
		return ship.putCount() >= 1
	}, 5*time.Second, time.Millisecond, "channel creation never went out")

	delivered := make(chan string, 1)
	subID, err := client.Subscribe(context.Background(), subscription.Spec{
		Ship:    "zod",
		App:     "channels",
		Path:    "/v1",
		OnEvent: func(content json.RawMessage) { delivered <- string(content) },
	})
	require.NoError(t, err)

	close(gate)
	select {
	case err := <-connected:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for connect")
	}

	// The creation batch was empty, so the subscription must have gone
	// out as its own incremental action once the channel came up.
	actions := ship.putActions()
	require.Contains(t, actions, "subscribe")
	assert.Equal(t, []string{"poke", "subscribe"}, actions)

	frames <- diffFrame(1, subID, `{"post":"late"}`)
	select {
	case content := <-delivered:
		assert.JSONEq(t, `{"post":"late"}`, content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestClientSubscribeRollsBackOnWireFailure(t *testing.T) {
	ship := newFakeShip(t)
	ship.streams <- make(chan string)

	client := ship.client(t, Options{DisableAcks: true})
	require.NoError(t, client.Connect(context.Background()))

	ship.failPuts(http.StatusInternalServerError)
	_, err := client.Subscribe(context.Background(), subscription.Spec{App: "activity"})
	require.Error(t, err)
	assert.Zero(t, client.registry.Len(), "failed live subscribe must not linger in the registry")
}

func TestClientPokeBeforeConnect(t *testing.T) {
	ship := newFakeShip(t)
	client := ship.client(t, Options{})

	id, err := client.Poke(context.Background(), "channels", "noun", "hi")
	require.NoError(t, err)
	assert.NotZero(t, id)
}

func TestClientScry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/~/scry/activity/all.json", r.URL.Path)
		io.WriteString(w, `[1,2,3]`)
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, ShipName: "zod", HTTPClient: server.Client()})
	require.NoError(t, err)
	defer client.Close()

	result, err := client.Scry(context.Background(), "/activity/all.json")
	require.NoError(t, err)
	assert.JSONEq(t, `[1,2,3]`, string(result))
}

func TestClientStreamConnectError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer server.Close()

	client, err := NewClient(Options{BaseURL: server.URL, ShipName: "zod", HTTPClient: server.Client()})
	require.NoError(t, err)
	defer client.Close()

	err = client.Connect(context.Background())
	var streamErr *StreamConnectError
	require.ErrorAs(t, err, &streamErr)
	assert.Equal(t, http.StatusBadGateway, streamErr.Status)
}

func TestClientClosedRefusesEverything(t *testing.T) {
	ship := newFakeShip(t)
	client := ship.client(t, Options{})
	require.NoError(t, client.Close())
	require.NoError(t, client.Close(), "close must be idempotent")

	assert.ErrorIs(t, client.Connect(context.Background()), ErrClosed)
	_, err := client.Poke(context.Background(), "a", "m", nil)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = client.Scry(context.Background(), "/x.json")
	assert.ErrorIs(t, err, ErrClosed)
	_, err = client.Subscribe(context.Background(), subscription.Spec{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Unsubscribe(context.Background(), 1), ErrClosed)
}

func TestClientReconnectReplaysSubscriptions(t *testing.T) {
	ship := newFakeShip(t)
	first := make(chan string, 1)
	second := make(chan string, 1)
	ship.streams <- first
	ship.streams <- second

	client := ship.client(t, Options{
		DisableAcks:    true,
		ReconnectDelay: time.Millisecond,
	})

	delivered := make(chan string, 2)
	subID, err := client.Subscribe(context.Background(), subscription.Spec{
		App:     "channels",
		Path:    "/v1",
		OnEvent: func(content json.RawMessage) { delivered <- string(content) },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	first <- diffFrame(1, subID, `{"n":1}`)
	select {
	case content := <-delivered:
		assert.JSONEq(t, `{"n":1}`, content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out on first generation")
	}

	// Drop the stream; the client must rebuild the channel and the same
	// subscription id must keep delivering.
	close(first)

	second <- diffFrame(1, subID, `{"n":2}`)
	select {
	case content := <-delivered:
		assert.JSONEq(t, `{"n":2}`, content)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out on second generation")
	}

	actions := ship.putActions()
	subscribes := 0
	for _, name := range actions {
		if name == "subscribe" {
			subscribes++
		}
	}
	assert.Equal(t, 2, subscribes, "one subscribe per channel generation")
}

func TestClientReconnectExhaustionReportsOnce(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string)
	ship.streams <- frames

	terminal := make(chan error, 4)
	client := ship.client(t, Options{
		DisableAcks:          true,
		ReconnectDelay:       time.Millisecond,
		MaxReconnectAttempts: 3,
	})
	_, err := client.Subscribe(context.Background(), subscription.Spec{
		App:     "channels",
		OnError: func(err error) { terminal <- err },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	connectPuts := ship.putCount()

	// Every channel rebuild now fails, then the stream dies.
	ship.failPuts(http.StatusInternalServerError)
	close(frames)

	var exhausted *ReconnectExhausted
	select {
	case err := <-terminal:
		require.ErrorAs(t, err, &exhausted)
		assert.Equal(t, 3, exhausted.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}

	// Exactly one terminal report, exactly three rebuild attempts.
	select {
	case err := <-terminal:
		t.Fatalf("second terminal report: %v", err)
	case <-time.After(100 * time.Millisecond):
	}
	assert.Equal(t, connectPuts+3, ship.putCount())
}

func TestClientReconnectDisabledReportsStreamError(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string)
	ship.streams <- frames

	terminal := make(chan error, 1)
	client := ship.client(t, Options{
		DisableAcks:      true,
		DisableReconnect: true,
	})
	_, err := client.Subscribe(context.Background(), subscription.Spec{
		OnError: func(err error) { terminal <- err },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))
	puts := ship.putCount()

	close(frames)

	select {
	case err := <-terminal:
		assert.ErrorIs(t, err, io.EOF)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal error")
	}
	assert.Equal(t, puts, ship.putCount(), "no reconnect traffic when disabled")
}

func TestClientCloseDuringBackoffStopsReconnecting(t *testing.T) {
	ship := newFakeShip(t)
	frames := make(chan string)
	ship.streams <- frames

	terminal := make(chan error, 1)
	client := ship.client(t, Options{
		DisableAcks:    true,
		ReconnectDelay: time.Hour,
	})
	_, err := client.Subscribe(context.Background(), subscription.Spec{
		OnError: func(err error) { terminal <- err },
	})
	require.NoError(t, err)
	require.NoError(t, client.Connect(context.Background()))

	// Kill the stream so the client enters its first backoff wait, then
	// close it mid-wait.
	close(frames)
	time.Sleep(50 * time.Millisecond)
	puts := ship.putCount()
	require.NoError(t, client.Close())

	time.Sleep(100 * time.Millisecond)
	assert.LessOrEqual(t, ship.putCount(), puts+1, "no channel rebuild after close (teardown traffic aside)")
	select {
	case err := <-terminal:
		t.Fatalf("terminal error after close: %v", err)
	default:
	}
}

func TestClientPreReconnectRefreshesCredential(t *testing.T) {
	ship := newFakeShip(t)
	first := make(chan string)
	second := make(chan string)
	ship.streams <- first
	ship.streams <- second

	refreshed := make(chan struct{}, 1)
	client := ship.client(t, Options{
		Credential:     "urbauth-~zod=stale",
		DisableAcks:    true,
		ReconnectDelay: time.Millisecond,
		PreReconnect: func(ctx context.Context) (string, error) {
			refreshed <- struct{}{}
			return "urbauth-~zod=fresh", nil
		},
	})
	require.NoError(t, client.Connect(context.Background()))

	close(first)
	awaitSignal(t, refreshed, "pre-reconnect hook")

	require.Eventually(t, func() bool {
		client.mu.Lock()
		defer client.mu.Unlock()
		return client.identity.Credential == "urbauth-~zod=fresh"
	}, 5*time.Second, 10*time.Millisecond)
}
