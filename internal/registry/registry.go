// Package registry holds the static, config-loaded mapping from
// endpoints and groups to the ControllableUnits the allocator
// arbitrates access to. See spec.md §4.3.
package registry

import (
	"fmt"
	"sync"

	"github.com/serial-keel/serial-keel/internal/endpoint"
)

// UnitID names a ControllableUnit: either the lone endpoint it wraps
// (for a standalone endpoint) or a synthetic group name.
type UnitID string

// EndpointConfig describes one endpoint as loaded from configuration.
type EndpointConfig struct {
	ID     endpoint.ID
	Labels []string
}

// GroupConfig describes a configured group of endpoints that are
// always controlled together.
type GroupConfig struct {
	Name      string
	Labels    []string
	Endpoints []EndpointConfig
}

// Config is the static snapshot the registry is built from: the
// standalone endpoints plus the groups. An endpoint named inside a
// group must not also appear as standalone.
type Config struct {
	Endpoints []EndpointConfig
	Groups    []GroupConfig
}

// Unit is a ControllableUnit: either a single standalone endpoint or
// a whole group, with its members and the union of its own and its
// members' labels.
type Unit struct {
	ID        UnitID
	Endpoints []endpoint.ID // in config order; len==1 for a standalone endpoint
	Labels    endpoint.Labels

	// Index is this unit's position in the registry's stable
	// enumeration order, used to break ties among simultaneously free
	// ControlAny candidates (spec.md §4.4).
	Index int
}

// Registry is the built form of a Config. Its static units are fixed
// at Build time; RegisterDynamic/Unregister allow mock units to be
// added and removed at runtime (spec.md §4.2), so all access is
// guarded by a mutex rather than being truly immutable.
type Registry struct {
	mu           sync.Mutex
	units        []*Unit
	byID         map[UnitID]*Unit
	endpointUnit map[endpoint.ID]*Unit
}

// Build validates and compiles a Config into a Registry. An endpoint
// appearing in more than one place (standalone and in a group, or in
// two groups) is an error.
func Build(cfg Config) (*Registry, error) {
	r := &Registry{
		byID:         make(map[UnitID]*Unit),
		endpointUnit: make(map[endpoint.ID]*Unit),
	}

	addUnit := func(u *Unit) error {
		for _, id := range u.Endpoints {
			if _, dup := r.endpointUnit[id]; dup {
				return fmt.Errorf("registry: endpoint %s configured more than once", id)
			}
		}
		u.Index = len(r.units)
		r.units = append(r.units, u)
		r.byID[u.ID] = u
		for _, id := range u.Endpoints {
			r.endpointUnit[id] = u
		}
		return nil
	}

	for _, ec := range cfg.Endpoints {
		u := &Unit{
			ID:        UnitID(ec.ID.String()),
			Endpoints: []endpoint.ID{ec.ID},
			Labels:    endpoint.NewLabels(ec.Labels...),
		}
		if err := addUnit(u); err != nil {
			return nil, err
		}
	}

	for _, gc := range cfg.Groups {
		groupLabels := endpoint.NewLabels(gc.Labels...)
		ids := make([]endpoint.ID, 0, len(gc.Endpoints))
		for _, ec := range gc.Endpoints {
			ids = append(ids, ec.ID)
			groupLabels = groupLabels.Union(endpoint.NewLabels(ec.Labels...))
		}
		u := &Unit{
			ID:        UnitID("group:" + gc.Name),
			Endpoints: ids,
			Labels:    groupLabels,
		}
		if err := addUnit(u); err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Resolve looks up the ControllableUnit containing id. An endpoint
// configured inside a group always resolves to the group's unit, per
// spec.md §4.3 — it is never independently controllable.
func (r *Registry) Resolve(id endpoint.ID) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.endpointUnit[id]
	return u, ok
}

// Unit looks up a unit by its id.
func (r *Registry) Unit(id UnitID) (*Unit, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.byID[id]
	return u, ok
}

// MatchLabels returns every unit whose label set is a superset of
// labels, in stable enumeration (config) order.
func (r *Registry) MatchLabels(labels endpoint.Labels) []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Unit
	for _, u := range r.units {
		if u.Labels.IsSupersetOf(labels) {
			out = append(out, u)
		}
	}
	return out
}

// Units returns every configured unit, in stable enumeration order.
func (r *Registry) Units() []*Unit {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Unit, len(r.units))
	copy(out, r.units)
	return out
}

// RegisterDynamic adds a standalone unit for an endpoint not present
// in the static Config — used for on-demand mock creation in
// spec.md §4.2's shared-mock mode. It is an error to register an
// endpoint id that already resolves to a unit.
func (r *Registry) RegisterDynamic(id endpoint.ID, labels endpoint.Labels) (*Unit, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.endpointUnit[id]; exists {
		return nil, fmt.Errorf("registry: endpoint %s already registered", id)
	}
	u := &Unit{
		ID:        UnitID(id.String()),
		Endpoints: []endpoint.ID{id},
		Labels:    labels,
		Index:     len(r.units),
	}
	r.units = append(r.units, u)
	r.byID[u.ID] = u
	r.endpointUnit[id] = u
	return u, nil
}

// Unregister removes a dynamically-registered standalone unit. Only
// reachable today through Core.releaseSharedMock, itself uncalled —
// see its comment. Per-session mocks never reach the registry at all
// and need no counterpart here.
func (r *Registry) Unregister(id endpoint.ID) {
	r.mu.Lock()
	defer r.mu.Unlock()

	u, ok := r.endpointUnit[id]
	if !ok {
		return
	}
	delete(r.endpointUnit, id)
	delete(r.byID, u.ID)
	for i, existing := range r.units {
		if existing == u {
			r.units = append(r.units[:i], r.units[i+1:]...)
			break
		}
	}
}
