// Package subscription holds the client-side registry of channel
// subscriptions.
//
// The registry is purely local state: registering allocates an id and
// stores the handler set, nothing goes over the wire. Transmission happens
// either inside the initial channel-creation batch or as an incremental
// subscribe action against a live channel; both are the airlock client's
// concern, not the registry's.
package subscription

import (
	"encoding/json"
	"sort"
	"sync"
)

// Handler receives the inner content of a diff event addressed to (or
// broadcast at) a subscription.
type Handler func(content json.RawMessage)

// ErrorHandler receives stream-terminal failures: reconnection disabled or
// exhausted.
type ErrorHandler func(err error)

// QuitHandler runs once when the ship drops the subscription.
type QuitHandler func()

// Spec describes a subscription to register: where it points and what to
// call when events arrive.
type Spec struct {
	// Ship is the host identity the subscription is addressed to.
	Ship string
	// App is the ship application serving the update stream.
	App string
	// Path selects the stream within the app, e.g. "/updates".
	Path string

	OnEvent Handler
	OnError ErrorHandler
	OnQuit  QuitHandler
}

// Subscription is a registered entry. Immutable after registration; it is
// removed when the ship quits it or the owner unsubscribes.
type Subscription struct {
	ID   uint64
	Ship string
	App  string
	Path string

	OnEvent Handler
	OnError ErrorHandler
	OnQuit  QuitHandler
}

// Registry allocates subscription ids and stores handler sets. Ids are
// sequential from 1 and unique for the lifetime of the owning client;
// they are never regenerated across reconnects, so in-flight correlation
// keeps working against a replayed channel.
//
// The registry is read by the stream router and appended to by foreground
// registration calls, so every operation takes the lock.
type Registry struct {
	mu     sync.Mutex
	nextID uint64
	subs   map[uint64]*Subscription
}

func NewRegistry() *Registry {
	return &Registry{subs: make(map[uint64]*Subscription)}
}

// Register allocates the next sequential id and stores the handler set.
// No network traffic happens here.
func (r *Registry) Register(spec Spec) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	sub := &Subscription{
		ID:      r.nextID,
		Ship:    spec.Ship,
		App:     spec.App,
		Path:    spec.Path,
		OnEvent: spec.OnEvent,
		OnError: spec.OnError,
		OnQuit:  spec.OnQuit,
	}
	r.subs[sub.ID] = sub
	return sub
}

// Lookup returns the subscription for id, or nil when none is registered.
func (r *Registry) Lookup(id uint64) *Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subs[id]
}

// Remove deletes the entry for id. Removing an unknown id is a no-op.
func (r *Registry) Remove(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.subs, id)
}

// Retired reports whether id was once registered and has since been
// removed. Ids are allocated sequentially, so any id at or below the
// high-water mark that is absent from the map must have been retired.
func (r *Registry) Retired(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return id > 0 && id <= r.nextID && r.subs[id] == nil
}

// All returns a stable snapshot of the active subscriptions, ordered by
// id. The router iterates snapshots so handlers can unsubscribe from
// inside a callback without corrupting the walk, and the reconnect
// controller replays snapshots against fresh channels.
func (r *Registry) All() []*Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Subscription, 0, len(r.subs))
	for _, sub := range r.subs {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of active subscriptions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}
