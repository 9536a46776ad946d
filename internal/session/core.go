// Package session is the per-connection state machine: it decodes
// client requests, applies them through the registry, allocator, and
// observer registry, and tracks everything a connection owns so it
// can be torn down cleanly on disconnect. See spec.md §4.6.
package session

import (
	"errors"
	"sync"

	"github.com/serial-keel/serial-keel/internal/allocator"
	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/linepipe"
	"github.com/serial-keel/serial-keel/internal/metrics"
	"github.com/serial-keel/serial-keel/internal/mockendpoint"
	"github.com/serial-keel/serial-keel/internal/observer"
	"github.com/serial-keel/serial-keel/internal/registry"
	"github.com/serial-keel/serial-keel/internal/serialendpoint"
)

// MockMode selects how mock endpoint names are shared across sessions
// (spec.md §4.2).
type MockMode int

const (
	// ModePerSession scopes a mock name to the session that first
	// controls it; two sessions naming "mock-foo" get disjoint mocks.
	// This is the default.
	ModePerSession MockMode = iota
	// ModeShared makes a mock name process-global: created on first
	// reference, persisting for the server's lifetime, with control
	// contested through the allocator like any other unit.
	ModeShared
)

// ErrUnknownEndpoint is returned when a target is neither a
// configured endpoint nor creatable as a mock under the active mode.
var ErrUnknownEndpoint = errors.New("session: endpoint is neither configured nor creatable as a mock under the active mode")

// endpointHandle adapts a real or mock endpoint to the uniform
// write/close surface the session layer needs, independent of which
// concrete type backs it.
type endpointHandle struct {
	pipe  *linepipe.Pipe
	write func([]byte) error
	close func() error
}

func ttyHandle(e *serialendpoint.Endpoint) *endpointHandle {
	return &endpointHandle{pipe: e.Pipe(), write: e.Write, close: e.Close}
}

func mockHandle(m *mockendpoint.Mock) *endpointHandle {
	return &endpointHandle{
		pipe:  m.Pipe(),
		write: func(b []byte) error { m.Write(b); return nil },
		close: func() error { m.Close(); return nil },
	}
}

// Core holds the server-wide state every Session shares: the static
// registry, the control allocator, the observer registry, and the
// live endpoint handles (byte sink + pipe) behind each endpoint id.
// Exactly one Core exists per running server.
type Core struct {
	Registry   *registry.Registry
	Allocator  *allocator.Allocator
	Observer   *observer.Registry
	Mode       MockMode
	BufferSize int

	mu      sync.Mutex
	handles map[endpoint.ID]*endpointHandle
}

// NewCore builds a Core around an already-built registry.
func NewCore(reg *registry.Registry, mode MockMode, bufferSize int) *Core {
	return &Core{
		Registry:   reg,
		Allocator:  allocator.New(),
		Observer:   observer.New(),
		Mode:       mode,
		BufferSize: bufferSize,
		handles:    make(map[endpoint.ID]*endpointHandle),
	}
}

// RegisterTTY wires a real device's byte stream into the core under
// id, which must already exist in the static registry (spec.md §4.3
// — config load creates the Unit; this creates the Line Pipe reader).
func (c *Core) RegisterTTY(id endpoint.ID, stream serialendpoint.ByteStream) {
	e := serialendpoint.New(id.String(), stream, c.BufferSize)
	c.mu.Lock()
	c.handles[id] = ttyHandle(e)
	c.mu.Unlock()
	metrics.EndpointsActive.WithLabelValues("tty").Inc()
}

// handle returns the live handle for id, lazily creating a shared
// mock's handle on first reference. It never creates a registry Unit
// — Observe and Write only need the byte stream, not unit ownership.
func (c *Core) handle(id endpoint.ID) (*endpointHandle, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if h, ok := c.handles[id]; ok {
		return h, true
	}
	if c.Mode == ModeShared && id.Kind == endpoint.KindMock {
		h := mockHandle(mockendpoint.New(c.BufferSize))
		c.handles[id] = h
		metrics.EndpointsActive.WithLabelValues("mock").Inc()
		return h, true
	}
	return nil, false
}

// resolveOrCreateUnit resolves target to its ControllableUnit,
// lazily creating a shared mock's Unit (and handle, if not already
// referenced via Observe) on first Control. Tty targets and already-
// registered mocks resolve directly against the static registry.
func (c *Core) resolveOrCreateUnit(target endpoint.ID) (*registry.Unit, error) {
	if u, ok := c.Registry.Resolve(target); ok {
		return u, nil
	}
	if c.Mode != ModeShared || target.Kind != endpoint.KindMock {
		return nil, ErrUnknownEndpoint
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if u, ok := c.Registry.Resolve(target); ok {
		return u, nil
	}
	if _, ok := c.handles[target]; !ok {
		c.handles[target] = mockHandle(mockendpoint.New(c.BufferSize))
		metrics.EndpointsActive.WithLabelValues("mock").Inc()
	}
	return c.Registry.RegisterDynamic(target, endpoint.NewLabels())
}

// releaseSharedMock tears down a shared mock's handle and dynamic
// Unit. Not called anywhere today: spec.md §4.2 has a shared mock
// persist for the server's lifetime once created, with no operation
// that retires one, so no caller ever needs this. Kept as the
// counterpart to the lazy creation in resolveOrCreateUnit/handle in
// case a future retirement operation (an explicit "forget this mock"
// request, say) needs the teardown already written rather than
// reinvented.
func (c *Core) releaseSharedMock(id endpoint.ID) {
	c.mu.Lock()
	h, ok := c.handles[id]
	if ok {
		delete(c.handles, id)
	}
	c.mu.Unlock()

	if ok {
		_ = h.close()
		c.Registry.Unregister(id)
		metrics.EndpointsActive.WithLabelValues("mock").Dec()
	}
}
