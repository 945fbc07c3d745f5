package event

import (
	"encoding/json"
	"fmt"
)

//go:generate stringer -type=ResponseKind
type ResponseKind int16

const (
	// [ZERO_VALUE_GUARD] WE START FROM 1 TO DISTINGUISH FROM UNINITIALIZED DATA
	PokeAck ResponseKind = iota + 1
	SubscribeAck
	Diff
	Quit
)

// kindNames maps the wire "response" discriminator to the typed kind.
// The ship sends "poke" and "subscribe" for acks, "diff" for subscription
// updates and "quit" when it drops a subscription.
var kindNames = map[string]ResponseKind{
	"poke":      PokeAck,
	"subscribe": SubscribeAck,
	"diff":      Diff,
	"quit":      Quit,
}

func (k ResponseKind) String() string {
	switch k {
	case PokeAck:
		return "poke"
	case SubscribeAck:
		return "subscribe"
	case Diff:
		return "diff"
	case Quit:
		return "quit"
	default:
		return fmt.Sprintf("ResponseKind(%d)", int16(k))
	}
}

// ChannelEvent is one decoded payload from the channel stream, classified
// once at the decode boundary instead of shape-probed downstream.
type ChannelEvent struct {
	// Kind is the discriminated response kind.
	Kind ResponseKind

	// RequestID is the payload "id": the id of the poke or subscribe
	// action this response correlates with. Zero when absent.
	RequestID uint64

	// Content carries the inner payload for Diff responses. Nil for acks
	// and quits, and for diffs the ship sent without content.
	Content json.RawMessage

	// Err holds the ship-side failure text on a negative ack. Empty on
	// success.
	Err string
}

// wirePayload is the raw JSON shape of a channel response.
type wirePayload struct {
	ID       uint64          `json:"id"`
	Response string          `json:"response"`
	Content  json.RawMessage `json:"content,omitempty"`
	// Negative poke/subscribe acks carry the failure under "err";
	// some ship versions spell the diff body "json".
	JSON json.RawMessage `json:"json,omitempty"`
	Err  json.RawMessage `json:"err,omitempty"`
	OK   json.RawMessage `json:"ok,omitempty"`
}

// Decode parses one channel payload into a ChannelEvent. It returns an
// error for malformed JSON or an unknown response discriminator; callers
// treat both as a per-frame failure, never as a stream failure.
func Decode(data []byte) (*ChannelEvent, error) {
	var raw wirePayload
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("event: decoding channel payload: %w", err)
	}

	kind, ok := kindNames[raw.Response]
	if !ok {
		return nil, fmt.Errorf("event: unknown response kind %q", raw.Response)
	}

	ev := &ChannelEvent{
		Kind:      kind,
		RequestID: raw.ID,
	}
	if len(raw.Err) > 0 {
		// The err field is usually a JSON string; keep whatever the ship
		// sent if it is not.
		var text string
		if err := json.Unmarshal(raw.Err, &text); err == nil {
			ev.Err = text
		} else {
			ev.Err = string(raw.Err)
		}
	}
	switch {
	case len(raw.Content) > 0:
		ev.Content = raw.Content
	case len(raw.JSON) > 0:
		ev.Content = raw.JSON
	}
	return ev, nil
}
