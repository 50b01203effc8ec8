// Package metrics is a minimal concurrency-safe counter registry for the
// relay. It keeps routing decisions observable and testable; exporting to a
// real metrics backend can layer on top.
package metrics

import "sync"

// Counter names used by the relay hub.
const (
	RoomsOpened        = "rooms_opened_total"
	RoomsClosed        = "rooms_closed_total"
	ClientsConnected   = "clients_connected_total"
	ClientsRejected    = "clients_rejected_total"
	EnvelopesForwarded = "envelopes_forwarded_total"
	EnvelopesBroadcast = "envelopes_broadcast_total"
	EnvelopesDropped   = "envelopes_dropped_total"
	RateLimited        = "envelopes_rate_limited_total"
)

type Registry struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Registry {
	return &Registry{m: make(map[string]uint64)}
}

func (r *Registry) Inc(name string) {
	r.mu.Lock()
	r.m[name]++
	r.mu.Unlock()
}

func (r *Registry) Get(name string) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.m[name]
}

// Snapshot returns a copy of every counter, for the relay's status endpoint.
func (r *Registry) Snapshot() map[string]uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]uint64, len(r.m))
	for k, v := range r.m {
		out[k] = v
	}
	return out
}
