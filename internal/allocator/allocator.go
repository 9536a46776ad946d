// Package allocator is the Control Allocator: the FIFO, group-aware
// exclusive-access arbiter described in spec.md §4.4. It is the heart
// of Serial Keel — it decides, for every ControllableUnit, who owns
// it right now and who is waiting, and resolves those waits
// atomically even when a waiter spans several units (ControlAny).
package allocator

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/registry"
)

// SessionID identifies the session on whose behalf control is held or
// awaited.
type SessionID string

// Errors returned by allocator operations. Compare with errors.Is.
var (
	ErrNoMatch           = errors.New("allocator: no unit matches the given labels")
	ErrAlreadyControlled = errors.New("allocator: session already controls or is queued for this unit")
	ErrInvalidTarget     = errors.New("allocator: target is neither a configured endpoint nor a creatable mock")
)

// Grant is returned once a unit is owned by the requesting session,
// either immediately or after a wait.
type Grant struct {
	Unit      *registry.Unit
	Endpoints []endpoint.ID
}

// waiter is a parked request for one or more units. A single-unit
// Control waits on exactly one; a ControlAny waiter is referenced
// from every label-matching candidate's queue simultaneously, and
// resolving it anywhere removes it from all the others.
type waiter struct {
	seq     uint64
	session SessionID
	// candidates lists every unit this waiter could be granted; for a
	// plain Control request, it has exactly one entry.
	candidates []*registry.Unit
	result     chan Grant
	// cancelled is set once the waiter has been granted or dropped, so
	// a unit whose queue still references it knows to skip over it.
	cancelled bool
}

type unitState struct {
	owner SessionID
	held  bool
	queue []*waiter
}

// Allocator holds the live owner/queue state for every unit. All
// operations run under a single mutex (spec.md §5, §9 explicitly
// allow this): a transition — a release cascading into one or more
// grants — is one atomic event as observed from outside.
type Allocator struct {
	mu    sync.Mutex
	units map[registry.UnitID]*unitState
	seq   atomic.Uint64

	// sessionOwned and sessionQueued track, per session, which units
	// it owns and which waiters it has parked, so Release can find
	// everything to tear down without scanning every unit.
	sessionOwned  map[SessionID]map[registry.UnitID]struct{}
	sessionQueued map[SessionID]map[*waiter]struct{}
}

// New creates an empty Allocator.
func New() *Allocator {
	return &Allocator{
		units:         make(map[registry.UnitID]*unitState),
		sessionOwned:  make(map[SessionID]map[registry.UnitID]struct{}),
		sessionQueued: make(map[SessionID]map[*waiter]struct{}),
	}
}

func (a *Allocator) stateFor(id registry.UnitID) *unitState {
	st, ok := a.units[id]
	if !ok {
		st = &unitState{}
		a.units[id] = st
	}
	return st
}

// Control requests exclusive access to unit.
// On immediate availability it returns a non-nil *Grant and a nil
// channel. Otherwise it returns a nil *Grant and a channel that
// receives exactly one Grant once this waiter is resolved; the
// channel is never closed without a value — cancel via Release or by
// abandoning the wait (the allocator still holds a queue entry until
// Release is called for the session).
func (a *Allocator) Control(session SessionID, unit *registry.Unit) (*Grant, <-chan Grant, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.stateFor(unit.ID)

	if st.held && st.owner == session {
		return nil, nil, ErrAlreadyControlled
	}
	if a.sessionIsQueuedLocked(session, unit.ID) {
		return nil, nil, ErrAlreadyControlled
	}

	if !st.held && len(st.queue) == 0 {
		a.grantLocked(st, unit.ID, session)
		return &Grant{Unit: unit, Endpoints: unit.Endpoints}, nil, nil
	}

	w := &waiter{seq: a.seq.Add(1), session: session, candidates: []*registry.Unit{unit}, result: make(chan Grant, 1)}
	st.queue = append(st.queue, w)
	a.trackQueuedLocked(session, w)
	return nil, w.result, nil
}

// ControlAny requests exclusive access to any one of candidates, the
// units whose labels matched the request (as returned by
// registry.MatchLabels). See spec.md §4.4 for the selection rule:
// prefer an immediately-free candidate (lowest registry index first);
// otherwise enqueue one multi-unit waiter across every candidate.
func (a *Allocator) ControlAny(session SessionID, candidates []*registry.Unit) (*Grant, <-chan Grant, error) {
	if len(candidates) == 0 {
		return nil, nil, ErrNoMatch
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	for _, u := range candidates {
		st := a.stateFor(u.ID)
		if st.held && st.owner == session {
			return nil, nil, ErrAlreadyControlled
		}
		if a.sessionIsQueuedLocked(session, u.ID) {
			return nil, nil, ErrAlreadyControlled
		}
	}

	// Prefer free-right-now, lowest index first.
	free := append([]*registry.Unit(nil), candidates...)
	sortByIndex(free)
	for _, u := range free {
		st := a.stateFor(u.ID)
		if !st.held && len(st.queue) == 0 {
			a.grantLocked(st, u.ID, session)
			return &Grant{Unit: u, Endpoints: u.Endpoints}, nil, nil
		}
	}

	w := &waiter{seq: a.seq.Add(1), session: session, candidates: candidates, result: make(chan Grant, 1)}
	for _, u := range candidates {
		st := a.stateFor(u.ID)
		st.queue = append(st.queue, w)
	}
	a.trackQueuedLocked(session, w)
	return nil, w.result, nil
}

// Release gives up every unit session owns and withdraws every
// pending waiter it has, cascading grants to whoever is now at the
// head of each affected queue. Safe to call for a session with
// nothing held or queued. Returns how many units were released and
// how many pending waiters were withdrawn, so a caller tracking
// serialkeel_units_controlled/serialkeel_units_queued can keep them
// accurate without duplicating this bookkeeping.
func (a *Allocator) Release(session SessionID) (released, withdrawn int) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for unitID := range a.sessionOwned[session] {
		st := a.units[unitID]
		if st == nil || !st.held || st.owner != session {
			continue
		}
		st.held = false
		st.owner = ""
		released++
		a.advanceQueueLocked(st, unitID)
	}
	delete(a.sessionOwned, session)

	for w := range a.sessionQueued[session] {
		if !w.cancelled {
			withdrawn++
		}
		a.withdrawWaiterLocked(w)
	}
	delete(a.sessionQueued, session)

	return released, withdrawn
}

// ReleaseUnit releases a single unit the session owns, without
// touching its other leases. Used for an explicit (non-disconnect)
// drop, if ever exposed; spec.md's core flow only needs disconnect-
// triggered Release, but a single-unit release is the natural
// building block and is exercised by tests. Reports whether a held
// unit was actually released, for the same gauge bookkeeping Release
// enables.
func (a *Allocator) ReleaseUnit(session SessionID, unitID registry.UnitID) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.units[unitID]
	if st == nil || !st.held || st.owner != session {
		return false
	}
	st.held = false
	st.owner = ""
	if owned := a.sessionOwned[session]; owned != nil {
		delete(owned, unitID)
	}
	a.advanceQueueLocked(st, unitID)
	return true
}

// advanceQueueLocked pops waiters from st's queue until one is
// successfully granted (skipping already-cancelled entries left
// behind by a multi-unit grant elsewhere) or the queue empties.
func (a *Allocator) advanceQueueLocked(st *unitState, unitID registry.UnitID) {
	for len(st.queue) > 0 {
		w := st.queue[0]
		st.queue = st.queue[1:]
		if w.cancelled {
			continue
		}
		a.resolveWaiterLocked(w, st, unitID)
		return
	}
}

// resolveWaiterLocked grants w the given unit, removing it from every
// other candidate queue it sits in (the multi-unit atomicity spec.md
// §4.4/§9 requires).
func (a *Allocator) resolveWaiterLocked(w *waiter, st *unitState, unitID registry.UnitID) {
	w.cancelled = true // mark so other queues' lazy sweep skips it
	a.grantLocked(st, unitID, w.session)

	for _, cand := range w.candidates {
		if cand.ID == unitID {
			continue
		}
		other := a.units[cand.ID]
		if other == nil {
			continue
		}
		other.queue = removeWaiter(other.queue, w)
	}

	if queued := a.sessionQueued[w.session]; queued != nil {
		delete(queued, w)
	}

	var grantedUnit *registry.Unit
	for _, cand := range w.candidates {
		if cand.ID == unitID {
			grantedUnit = cand
			break
		}
	}
	w.result <- Grant{Unit: grantedUnit, Endpoints: grantedUnit.Endpoints}
}

// withdrawWaiterLocked removes w from every queue it is parked in,
// without granting it anything. Used by Release for a disconnecting
// session's still-pending waiters.
func (a *Allocator) withdrawWaiterLocked(w *waiter) {
	w.cancelled = true
	for _, cand := range w.candidates {
		st := a.units[cand.ID]
		if st == nil {
			continue
		}
		st.queue = removeWaiter(st.queue, w)
	}
}

func (a *Allocator) grantLocked(st *unitState, unitID registry.UnitID, session SessionID) {
	st.held = true
	st.owner = session
	owned, ok := a.sessionOwned[session]
	if !ok {
		owned = make(map[registry.UnitID]struct{})
		a.sessionOwned[session] = owned
	}
	owned[unitID] = struct{}{}
}

func (a *Allocator) trackQueuedLocked(session SessionID, w *waiter) {
	queued, ok := a.sessionQueued[session]
	if !ok {
		queued = make(map[*waiter]struct{})
		a.sessionQueued[session] = queued
	}
	queued[w] = struct{}{}
}

// sessionIsQueuedLocked reports whether session already has a live
// waiter referencing unitID.
func (a *Allocator) sessionIsQueuedLocked(session SessionID, unitID registry.UnitID) bool {
	for w := range a.sessionQueued[session] {
		if w.cancelled {
			continue
		}
		for _, cand := range w.candidates {
			if cand.ID == unitID {
				return true
			}
		}
	}
	return false
}

// QueuePosition returns the 0-based position of session's pending
// waiter on unitID, for reporting Queued(position) on the wire. It
// scans live (non-cancelled) entries ahead of the waiter.
func (a *Allocator) QueuePosition(session SessionID, unitID registry.UnitID) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	st := a.units[unitID]
	if st == nil {
		return 0, false
	}
	pos := 0
	for _, w := range st.queue {
		if w.cancelled {
			continue
		}
		if w.session == session {
			for _, cand := range w.candidates {
				if cand.ID == unitID {
					return pos, true
				}
			}
		}
		pos++
	}
	return 0, false
}

// Owner reports the current owner of a unit, if any. Exposed for
// diagnostics and tests.
func (a *Allocator) Owner(unitID registry.UnitID) (SessionID, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := a.units[unitID]
	if st == nil || !st.held {
		return "", false
	}
	return st.owner, true
}

func removeWaiter(queue []*waiter, target *waiter) []*waiter {
	out := queue[:0:0]
	for _, w := range queue {
		if w != target {
			out = append(out, w)
		}
	}
	return out
}

func sortByIndex(units []*registry.Unit) {
	for i := 1; i < len(units); i++ {
		for j := i; j > 0 && units[j].Index < units[j-1].Index; j-- {
			units[j], units[j-1] = units[j-1], units[j]
		}
	}
}
