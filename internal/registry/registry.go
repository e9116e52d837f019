// Package registry is the cross-session stream directory: publishers
// register under (app, stream) and subscribers attach through it.
package registry

import (
	"sync"

	"github.com/993381/tms/internal/media"
)

type streamKey struct {
	app    string
	stream string
}

// Registry maps (app, stream) pairs to their current publisher. Publishers
// rarely mutate and subscribers read often, so a reader-biased lock fits.
type Registry struct {
	mu         sync.RWMutex
	publishers map[streamKey]media.Publisher
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{publishers: make(map[streamKey]media.Publisher)}
}

// RegisterStream upserts the publisher for a stream. The last writer wins;
// a re-publish replaces the previous session.
func (r *Registry) RegisterStream(app, stream string, pub media.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.publishers[streamKey{app, stream}] = pub
}

// UnregisterStream removes a stream entry, but only if pub still owns it.
func (r *Registry) UnregisterStream(app, stream string, pub media.Publisher) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := streamKey{app, stream}
	if cur, ok := r.publishers[key]; ok && cur == pub {
		delete(r.publishers, key)
	}
}

// GetMediaPublisher returns the publisher registered under (app, stream).
func (r *Registry) GetMediaPublisher(app, stream string) (media.Publisher, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	pub, ok := r.publishers[streamKey{app, stream}]
	return pub, ok
}

// AddSubscriber attaches a subscriber to a publisher. Attaching the same
// subscriber twice is a no-op; publishers key subscribers by ID.
func (r *Registry) AddSubscriber(pub media.Publisher, sub media.Subscriber) {
	pub.AddSubscriber(sub)
}

// DebugGetRandomMediaPublisher returns an arbitrary registered publisher.
// Retained for development loopback testing.
func (r *Registry) DebugGetRandomMediaPublisher() (app, stream string, pub media.Publisher, ok bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for key, p := range r.publishers {
		return key.app, key.stream, p, true
	}
	return "", "", nil, false
}

// Len returns the number of registered streams.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.publishers)
}
