// Package observer tracks which endpoints a session is watching.
// Observation is orthogonal to control (spec.md §4.5): any number of
// sessions may observe the same endpoint concurrently, independent of
// who (if anyone) currently controls it.
package observer

import (
	"errors"
	"sync"

	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/linepipe"
)

// ErrNotObserving is returned when Unobserve targets an endpoint the
// session is not watching.
var ErrNotObserving = errors.New("observer: session is not observing this endpoint")

// Registry holds every session's live observations. One Registry
// serves the whole server; each session's subscriptions are reachable
// only through that session's own id.
type Registry struct {
	mu   sync.Mutex
	subs map[sessionEndpoint]*linepipe.Cursor
}

type sessionEndpoint struct {
	session string
	id      endpoint.ID
}

// New creates an empty Registry.
func New() *Registry {
	return &Registry{subs: make(map[sessionEndpoint]*linepipe.Cursor)}
}

// Observe subscribes session to id's pipe, starting from this moment.
// It is idempotent per (session, id) (spec.md §4.5): a second Observe
// without an intervening Unobserve returns the existing subscription
// rather than creating another one, and created reports false so the
// caller knows not to start a second delivery pump for it.
func (r *Registry) Observe(session string, id endpoint.ID, pipe *linepipe.Pipe) (cursor *linepipe.Cursor, created bool, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionEndpoint{session, id}
	if c, ok := r.subs[key]; ok {
		return c, false, nil
	}
	c := pipe.Subscribe()
	r.subs[key] = c
	return c, true, nil
}

// Unobserve tears down session's subscription to id, if any.
func (r *Registry) Unobserve(session string, id endpoint.ID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sessionEndpoint{session, id}
	c, ok := r.subs[key]
	if !ok {
		return ErrNotObserving
	}
	delete(r.subs, key)
	c.Unsubscribe()
	return nil
}

// IsObserving reports whether session currently watches id.
func (r *Registry) IsObserving(session string, id endpoint.ID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.subs[sessionEndpoint{session, id}]
	return ok
}

// ReleaseSession tears down every observation session holds, for use
// on disconnect.
func (r *Registry) ReleaseSession(session string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, c := range r.subs {
		if key.session != session {
			continue
		}
		delete(r.subs, key)
		c.Unsubscribe()
	}
}
