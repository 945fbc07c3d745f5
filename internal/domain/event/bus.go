package event

import (
	"encoding/json"
	"time"
)

// Eventer is anything publishable on the internal event bus. The routing
// key selects the topic, so consumers can subscribe per ship application.
type Eventer interface {
	GetRoutingKey() string
}

// ShipEvent is the bus representation of one diff delivered from the ship:
// the subscription coordinates plus the raw content, stamped on receipt.
type ShipEvent struct {
	Ship           string          `json:"ship"`
	App            string          `json:"app"`
	Path           string          `json:"path"`
	SubscriptionID uint64          `json:"subscription_id"`
	Content        json.RawMessage `json:"content"`
	ReceivedAt     time.Time       `json:"received_at"`
}

// GetRoutingKey routes events per source application, e.g.
// "tlon.events.channels".
func (e ShipEvent) GetRoutingKey() string {
	return "tlon.events." + e.App
}

// System event kinds.
const (
	SystemQuit          = "quit"
	SystemTerminalError = "terminal-error"
)

// SystemEvent reports subscription lifecycle faults on the bus: the ship
// quit a subscription, or the connection was terminally lost.
type SystemEvent struct {
	Kind       string    `json:"kind"`
	Ship       string    `json:"ship"`
	App        string    `json:"app"`
	Path       string    `json:"path"`
	Error      string    `json:"error,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

func (e SystemEvent) GetRoutingKey() string {
	return "tlon.events.system"
}
