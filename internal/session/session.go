package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/serial-keel/serial-keel/internal/allocator"
	"github.com/serial-keel/serial-keel/internal/endpoint"
	"github.com/serial-keel/serial-keel/internal/linepipe"
	"github.com/serial-keel/serial-keel/internal/metrics"
	"github.com/serial-keel/serial-keel/internal/mockendpoint"
	"github.com/serial-keel/serial-keel/internal/observer"
	"github.com/serial-keel/serial-keel/internal/registry"
	"github.com/serial-keel/serial-keel/internal/wire"
)

// outboundBufferSize is the depth of a Session's outbound frame
// queue: responses and async messages share it (SPEC_FULL.md §4.6).
// A connection whose client stops reading fills this queue; once
// full, the Session's outbound loop blocks writing to the socket
// (not this channel), which is the deliberate back-pressure point —
// the Line Pipe's own per-subscriber buffer is what actually sheds
// load under a stuck client (spec.md §4.1), not this queue.
const outboundBufferSize = 256

// Conn is the minimal surface Session needs from a WebSocket
// connection; wsserver adapts github.com/coder/websocket's
// *websocket.Conn to it. Abstracted so tests can drive a Session
// without a real socket.
type Conn interface {
	ReadText(ctx context.Context) ([]byte, error)
	WriteText(ctx context.Context, data []byte) error
	Close(reason string) error
}

// localMock is a per-session private mock, used only in
// ModePerSession: this session's own disjoint copy of a mock name,
// invisible to every other session (spec.md §4.2).
type localMock struct {
	handle     *endpointHandle
	controlled bool
}

// Session is a per-connection state machine: one inbound loop
// decoding requests and dispatching them, one outbound loop draining
// a shared channel of responses and async frames onto the socket.
// Grounded in the teacher's PTY-per-connection read/write goroutine
// split (internal/worker/terminal/terminal.go's readOutput vs
// SendInput), generalized to one connection with many upstream
// producers (async messages from every subscription) feeding one
// downstream writer.
type Session struct {
	ID   string
	core *Core
	conn Conn

	outbound chan wire.Response
	done     chan struct{}

	localMocks map[string]*localMock
}

// New creates a Session bound to conn and starts its outbound loop.
// Call Run to drive the inbound loop; Run blocks until the connection
// ends, at which point the Session tears itself down.
func New(core *Core, conn Conn) *Session {
	s := &Session{
		ID:         newSessionID(),
		core:       core,
		conn:       conn,
		outbound:   make(chan wire.Response, outboundBufferSize),
		done:       make(chan struct{}),
		localMocks: make(map[string]*localMock),
	}
	return s
}

// newSessionID returns a 21-character nanoid identifying one
// connection, unique enough to serve as an allocator.SessionID and
// observer session key without coordination.
func newSessionID() string {
	id, err := gonanoid.New()
	if err != nil {
		panic(fmt.Sprintf("generate session id: %v", err))
	}
	return id
}

// Run reads requests until the connection closes or ctx is cancelled,
// dispatching each in order, then tears down every resource this
// session owns. It blocks; call it from its own goroutine per
// connection.
func (s *Session) Run(ctx context.Context) {
	metrics.SessionsActive.Inc()
	defer metrics.SessionsActive.Dec()

	outCtx, cancelOut := context.WithCancel(ctx)
	go s.outboundLoop(outCtx)
	defer cancelOut()
	defer close(s.done)
	defer s.teardown()

	for {
		data, err := s.conn.ReadText(ctx)
		if err != nil {
			slog.Debug("session: read ended", "session_id", s.ID, "error", err)
			return
		}
		resp := s.handle(data)
		select {
		case s.outbound <- resp:
		case <-ctx.Done():
			return
		}
	}
}

// Async delivers an unsolicited frame (a Message, a Lagged marker, or
// the delayed grant of a queued Control) onto this session's outbound
// stream. On a full queue it blocks until the outbound loop makes
// room or the session ends; it does not close the connection.
func (s *Session) Async(resp wire.Response) {
	select {
	case s.outbound <- resp:
	case <-s.done:
	}
}

func (s *Session) outboundLoop(ctx context.Context) {
	for {
		select {
		case resp := <-s.outbound:
			data, err := resp.MarshalJSON()
			if err != nil {
				slog.Error("session: failed to marshal outbound frame", "session_id", s.ID, "error", err)
				continue
			}
			if err := s.conn.WriteText(ctx, data); err != nil {
				slog.Debug("session: write failed", "session_id", s.ID, "error", err)
				return
			}
			metrics.WSMessagesTotal.WithLabelValues("out").Inc()
		case <-ctx.Done():
			return
		}
	}
}

// handle decodes and dispatches a single inbound request, returning
// its synchronous response. It never panics on malformed input.
func (s *Session) handle(data []byte) wire.Response {
	metrics.WSMessagesTotal.WithLabelValues("in").Inc()

	req, err := wire.DecodeRequest(data)
	if err != nil {
		return wire.ErrorResponse{Kind: wire.ErrorKindInvalidRequest, Detail: err.Error()}
	}

	switch r := req.(type) {
	case wire.ControlRequest:
		return s.handleControl(r.Target)
	case wire.ControlAnyRequest:
		return s.handleControlAny(r.Labels)
	case wire.ObserveRequest:
		return s.handleObserve(r.Target)
	case wire.UnobserveRequest:
		return s.handleUnobserve(r.Target)
	case wire.WriteRequest:
		return s.handleWrite(r.Target, r.Payload)
	case wire.ListEndpointsRequest:
		return s.handleListEndpoints()
	default:
		return wire.ErrorResponse{Kind: wire.ErrorKindInvalidRequest, Detail: "unrecognized request"}
	}
}

func (s *Session) handleControl(target endpoint.ID) wire.Response {
	if target.Kind == endpoint.KindMock && s.core.Mode == ModePerSession {
		return s.controlLocalMock(target)
	}

	unit, err := s.core.resolveOrCreateUnit(target)
	if err != nil {
		return errorFor(err)
	}
	return s.controlUnit(unit)
}

func (s *Session) handleControlAny(labels []string) wire.Response {
	candidates := s.core.Registry.MatchLabels(endpoint.NewLabels(labels...))
	if len(candidates) == 0 {
		return wire.ErrorResponse{Kind: wire.ErrorKindNoMatch, Detail: "no unit matches the given labels"}
	}

	grant, pending, err := s.core.Allocator.ControlAny(allocator.SessionID(s.ID), candidates)
	if err != nil {
		return errorFor(err)
	}
	if grant != nil {
		metrics.UnitsControlled.Inc()
		return wire.ControlGrantedResponse{Endpoints: grant.Endpoints}
	}
	metrics.UnitsQueued.Inc()
	pos, _ := s.core.Allocator.QueuePosition(allocator.SessionID(s.ID), firstQueuedUnit(candidates, s.core.Allocator, allocator.SessionID(s.ID)))
	go s.awaitGrant(pending)
	return wire.QueuedResponse{Position: pos}
}

func (s *Session) controlUnit(unit *registry.Unit) wire.Response {
	grant, pending, err := s.core.Allocator.Control(allocator.SessionID(s.ID), unit)
	if err != nil {
		return errorFor(err)
	}
	if grant != nil {
		metrics.UnitsControlled.Inc()
		return wire.ControlGrantedResponse{Endpoints: grant.Endpoints}
	}
	metrics.UnitsQueued.Inc()
	pos, _ := s.core.Allocator.QueuePosition(allocator.SessionID(s.ID), unit.ID)
	go s.awaitGrant(pending)
	return wire.QueuedResponse{Position: pos}
}

// awaitGrant blocks on a waiter's channel and delivers the eventual
// grant as an async frame — the session's reply to the original
// request was already Queued(n); this is the delayed follow-up
// spec.md §8 scenario 2/3 describe.
func (s *Session) awaitGrant(pending <-chan allocator.Grant) {
	select {
	case grant := <-pending:
		metrics.UnitsQueued.Dec()
		metrics.UnitsControlled.Inc()
		s.Async(wire.ControlGrantedResponse{Endpoints: grant.Endpoints})
	case <-s.done:
	}
}

func (s *Session) controlLocalMock(target endpoint.ID) wire.Response {
	lm, ok := s.localMocks[target.Name]
	if !ok {
		lm = &localMock{handle: mockHandle(mockendpoint.New(s.core.BufferSize))}
		s.localMocks[target.Name] = lm
		metrics.EndpointsActive.WithLabelValues("mock").Inc()
	}
	if lm.controlled {
		return wire.ErrorResponse{Kind: wire.ErrorKindAlreadyControlled, Detail: target.String()}
	}
	lm.controlled = true
	metrics.UnitsControlled.Inc()
	return wire.ControlGrantedResponse{Endpoints: []endpoint.ID{target}}
}

func (s *Session) handleObserve(target endpoint.ID) wire.Response {
	pipe, err := s.pipeFor(target, true)
	if err != nil {
		return errorFor(err)
	}
	cursor, created, err := s.core.Observer.Observe(s.ID, target, pipe)
	if err != nil {
		return errorFor(err)
	}
	if created {
		go s.pump(target, cursor)
	}
	return wire.ObserveOkResponse{}
}

func (s *Session) handleUnobserve(target endpoint.ID) wire.Response {
	if err := s.core.Observer.Unobserve(s.ID, target); err != nil {
		return errorFor(err)
	}
	return wire.ObserveOkResponse{}
}

func (s *Session) handleWrite(target endpoint.ID, payload string) wire.Response {
	if target.Kind == endpoint.KindMock && s.core.Mode == ModePerSession {
		lm, ok := s.localMocks[target.Name]
		if !ok || !lm.controlled {
			return wire.ErrorResponse{Kind: wire.ErrorKindNotController, Detail: target.String()}
		}
		_ = lm.handle.write([]byte(payload))
		return wire.WriteOkResponse{}
	}

	unit, ok := s.core.Registry.Resolve(target)
	if !ok {
		return wire.ErrorResponse{Kind: wire.ErrorKindUnknownEndpoint, Detail: target.String()}
	}
	owner, held := s.core.Allocator.Owner(unit.ID)
	if !held || owner != allocator.SessionID(s.ID) {
		return wire.ErrorResponse{Kind: wire.ErrorKindNotController, Detail: target.String()}
	}
	h, ok := s.core.handle(target)
	if !ok {
		return wire.ErrorResponse{Kind: wire.ErrorKindUnknownEndpoint, Detail: target.String()}
	}
	if err := h.write([]byte(payload)); err != nil {
		return wire.ErrorResponse{Kind: wire.ErrorKindInternalFailure, Detail: err.Error()}
	}
	return wire.WriteOkResponse{}
}

func (s *Session) handleListEndpoints() wire.Response {
	units := s.core.Registry.Units()
	var ids []endpoint.ID
	for _, u := range units {
		ids = append(ids, u.Endpoints...)
	}
	return wire.EndpointsResponse{Endpoints: ids}
}

// pipeFor returns target's Line Pipe, lazily creating a per-session
// mock's handle on first Observe if createIfMissing and none exists
// yet (observation may predate control, spec.md §8 scenario 4). A
// shared mock's handle is created on first reference whatever
// createIfMissing says.
func (s *Session) pipeFor(target endpoint.ID, createIfMissing bool) (*linepipe.Pipe, error) {
	if target.Kind == endpoint.KindMock && s.core.Mode == ModePerSession {
		lm, ok := s.localMocks[target.Name]
		if !ok {
			if !createIfMissing {
				return nil, ErrUnknownEndpoint
			}
			lm = &localMock{handle: mockHandle(mockendpoint.New(s.core.BufferSize))}
			s.localMocks[target.Name] = lm
			metrics.EndpointsActive.WithLabelValues("mock").Inc()
		}
		return lm.handle.pipe, nil
	}

	h, ok := s.core.handle(target)
	if ok {
		return h.pipe, nil
	}
	if _, regOK := s.core.Registry.Resolve(target); regOK {
		// Configured but never wired with RegisterTTY — a config/wiring bug.
		return nil, fmt.Errorf("session: endpoint %s is configured but has no live handle", target)
	}
	return nil, ErrUnknownEndpoint
}

// pump drains an observer cursor onto the session's outbound stream
// until the cursor closes (Unobserve or the pipe itself closing).
func (s *Session) pump(target endpoint.ID, cursor *linepipe.Cursor) {
	for ev := range cursor.Events() {
		if ev.IsLagged() {
			metrics.LinesLaggedTotal.Add(float64(ev.Lagged))
			s.Async(wire.LaggedResponse{Endpoint: target, Dropped: ev.Lagged})
			continue
		}
		metrics.LinesPublishedTotal.WithLabelValues(target.String()).Inc()
		s.Async(wire.MessageResponse{Endpoint: target, Line: ev.Line.Text})
	}
}

// teardown releases everything this session owns: pending waiters and
// leases via the allocator, subscriptions via the observer registry,
// and any per-session mocks it created (spec.md §4.6).
func (s *Session) teardown() {
	released, withdrawn := s.core.Allocator.Release(allocator.SessionID(s.ID))
	metrics.UnitsControlled.Sub(float64(released))
	metrics.UnitsQueued.Sub(float64(withdrawn))

	s.core.Observer.ReleaseSession(s.ID)

	for name, lm := range s.localMocks {
		if lm.controlled {
			metrics.UnitsControlled.Dec()
		}
		_ = lm.handle.close()
		metrics.EndpointsActive.WithLabelValues("mock").Dec()
		delete(s.localMocks, name)
	}

	_ = s.conn.Close("session ended")
	slog.Debug("session: closed", "session_id", s.ID)
}

// firstQueuedUnit finds the first of candidates the session is
// queued on, for QueuePosition reporting on a freshly-enqueued
// ControlAny waiter. The waiter sits in every candidate's queue, so
// this is the first candidate; the reported position is its rank in
// that unit's queue, which can differ from its rank in the others.
func firstQueuedUnit(candidates []*registry.Unit, a *allocator.Allocator, sid allocator.SessionID) registry.UnitID {
	for _, u := range candidates {
		if _, ok := a.QueuePosition(sid, u.ID); ok {
			return u.ID
		}
	}
	if len(candidates) > 0 {
		return candidates[0].ID
	}
	return ""
}

func errorFor(err error) wire.Response {
	switch {
	case errors.Is(err, allocator.ErrNoMatch):
		return wire.ErrorResponse{Kind: wire.ErrorKindNoMatch, Detail: err.Error()}
	case errors.Is(err, allocator.ErrAlreadyControlled):
		return wire.ErrorResponse{Kind: wire.ErrorKindAlreadyControlled, Detail: err.Error()}
	case errors.Is(err, allocator.ErrInvalidTarget), errors.Is(err, ErrUnknownEndpoint):
		return wire.ErrorResponse{Kind: wire.ErrorKindUnknownEndpoint, Detail: err.Error()}
	case errors.Is(err, observer.ErrNotObserving):
		return wire.ErrorResponse{Kind: wire.ErrorKindInvalidRequest, Detail: err.Error()}
	default:
		return wire.ErrorResponse{Kind: wire.ErrorKindInternalFailure, Detail: err.Error()}
	}
}
