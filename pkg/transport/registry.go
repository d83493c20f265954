// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package transport

import "sync"

// Sink pushes bytes to one connected peer. Server transports wrap each
// live connection in a Sink and register it for broadcast.
type Sink interface {
	// Push writes one payload to the peer.
	Push(payload []byte) error

	// Close signals end-of-stream to the peer and releases it.
	Close() error
}

// Registry tracks the live output sinks of a server transport. Every
// entry corresponds to a connection that has not yet signaled closure.
// Add, Remove and Snapshot run under the registry mutex; the actual
// broadcast I/O happens on a snapshot outside the lock so a slow peer
// never blocks new registrations.
type Registry struct {
	mu    sync.Mutex
	sinks map[string]Sink
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		sinks: make(map[string]Sink),
	}
}

// Add registers a peer sink under the given connection ID.
func (r *Registry) Add(id string, s Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[id] = s
}

// Remove unregisters the peer. Removing an unknown ID is a no-op.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, id)
}

// Len returns the number of registered peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sinks)
}

// Snapshot returns a copy of the current registry contents.
func (r *Registry) Snapshot() map[string]Sink {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := make(map[string]Sink, len(r.sinks))
	for id, s := range r.sinks {
		snapshot[id] = s
	}
	return snapshot
}

// Broadcast pushes the payload to every currently registered peer.
// Writes happen on a snapshot outside the registry lock. Partial
// delivery is tolerated: failures do not abort the remaining peers.
// The returned map holds the error for each failed connection ID and
// is nil when every push succeeded.
func (r *Registry) Broadcast(payload []byte) map[string]error {
	var failed map[string]error
	for id, s := range r.Snapshot() {
		if err := s.Push(payload); err != nil {
			if failed == nil {
				failed = make(map[string]error)
			}
			failed[id] = err
		}
	}
	return failed
}

// CloseAll closes every registered sink and empties the registry.
// Used when the owning transport stops.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	sinks := r.sinks
	r.sinks = make(map[string]Sink)
	r.mu.Unlock()

	for _, s := range sinks {
		s.Close()
	}
}
