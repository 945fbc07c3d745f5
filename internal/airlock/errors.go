package airlock

import (
	"errors"
	"fmt"
)

// ErrClosed is returned by operations invoked after Close. A closed client
// never issues new network requests.
var ErrClosed = errors.New("airlock: client closed")

// ChannelCreationError reports a non-success status from the channel
// creation batch.
type ChannelCreationError struct {
	Status int
}

func (e *ChannelCreationError) Error() string {
	return fmt.Sprintf("airlock: channel creation failed with status %d", e.Status)
}

// ActivationError reports a failure of the administrative poke that
// attaches the event stream. Distinct from ChannelCreationError so callers
// can tell which phase of connect failed.
type ActivationError struct {
	Status int
	Err    error
}

func (e *ActivationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("airlock: channel activation failed: %v", e.Err)
	}
	return fmt.Sprintf("airlock: channel activation failed with status %d", e.Status)
}

func (e *ActivationError) Unwrap() error { return e.Err }

// StreamConnectError reports a non-success status on the event stream GET.
type StreamConnectError struct {
	Status int
}

func (e *StreamConnectError) Error() string {
	return fmt.Sprintf("airlock: stream connect failed with status %d", e.Status)
}

// PokeError reports a non-success poke response. Body holds the diagnostic
// text the ship returned, read to completion before the error is raised.
type PokeError struct {
	Status int
	Body   string
}

func (e *PokeError) Error() string {
	return fmt.Sprintf("airlock: poke failed with status %d: %s", e.Status, e.Body)
}

// ScryError reports a non-success scry response for a path.
type ScryError struct {
	Status int
	Path   string
}

func (e *ScryError) Error() string {
	return fmt.Sprintf("airlock: scry %s failed with status %d", e.Path, e.Status)
}

// ReconnectExhausted is the terminal error delivered to every
// subscription's error handler once the reconnect budget is spent. The
// last connection failure is wrapped for diagnosis.
type ReconnectExhausted struct {
	Attempts int
	Err      error
}

func (e *ReconnectExhausted) Error() string {
	return fmt.Sprintf("airlock: reconnect exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ReconnectExhausted) Unwrap() error { return e.Err }
