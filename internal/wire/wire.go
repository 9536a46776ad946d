// Package wire is the JSON encoding of the client<->server protocol
// described in spec.md §6: one JSON value per WebSocket frame, using
// an "enum as single-key object" convention for both requests and
// responses.
package wire

import (
	"encoding/json"
	"fmt"

	"github.com/serial-keel/serial-keel/internal/endpoint"
)

// Request is implemented by every decoded client->server frame.
type Request interface {
	isRequest()
}

// ControlRequest asks for exclusive access to a single named
// endpoint or its containing group.
type ControlRequest struct{ Target endpoint.ID }

func (ControlRequest) isRequest() {}

// ControlAnyRequest asks for exclusive access to any one unit whose
// labels are a superset of Labels.
type ControlAnyRequest struct{ Labels []string }

func (ControlAnyRequest) isRequest() {}

// ObserveRequest subscribes the session to an endpoint's line stream.
type ObserveRequest struct{ Target endpoint.ID }

func (ObserveRequest) isRequest() {}

// UnobserveRequest cancels a prior Observe.
type UnobserveRequest struct{ Target endpoint.ID }

func (UnobserveRequest) isRequest() {}

// WriteRequest sends payload to an endpoint the session controls.
type WriteRequest struct {
	Target  endpoint.ID
	Payload string
}

func (WriteRequest) isRequest() {}

// ListEndpointsRequest asks for the set of configured endpoints.
type ListEndpointsRequest struct{}

func (ListEndpointsRequest) isRequest() {}

// DecodeRequest parses one client->server frame by peeking its sole
// JSON key and dispatching on it.
func DecodeRequest(data []byte) (Request, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("wire: malformed request: %w", err)
	}
	if len(probe) != 1 {
		return nil, fmt.Errorf("wire: request must have exactly one key, got %d", len(probe))
	}

	for key, raw := range probe {
		switch key {
		case "Control":
			var target endpoint.ID
			if err := json.Unmarshal(raw, &target); err != nil {
				return nil, fmt.Errorf("wire: malformed Control target: %w", err)
			}
			return ControlRequest{Target: target}, nil
		case "ControlAny":
			var labels []string
			if err := json.Unmarshal(raw, &labels); err != nil {
				return nil, fmt.Errorf("wire: malformed ControlAny labels: %w", err)
			}
			return ControlAnyRequest{Labels: labels}, nil
		case "Observe":
			var target endpoint.ID
			if err := json.Unmarshal(raw, &target); err != nil {
				return nil, fmt.Errorf("wire: malformed Observe target: %w", err)
			}
			return ObserveRequest{Target: target}, nil
		case "Unobserve":
			var target endpoint.ID
			if err := json.Unmarshal(raw, &target); err != nil {
				return nil, fmt.Errorf("wire: malformed Unobserve target: %w", err)
			}
			return UnobserveRequest{Target: target}, nil
		case "Write":
			var pair [2]json.RawMessage
			if err := json.Unmarshal(raw, &pair); err != nil {
				return nil, fmt.Errorf("wire: malformed Write request: %w", err)
			}
			var target endpoint.ID
			if err := json.Unmarshal(pair[0], &target); err != nil {
				return nil, fmt.Errorf("wire: malformed Write target: %w", err)
			}
			var payload string
			if err := json.Unmarshal(pair[1], &payload); err != nil {
				return nil, fmt.Errorf("wire: malformed Write payload: %w", err)
			}
			return WriteRequest{Target: target, Payload: payload}, nil
		case "ListEndpoints":
			return ListEndpointsRequest{}, nil
		default:
			return nil, fmt.Errorf("wire: unrecognized request key %q", key)
		}
	}
	panic("unreachable")
}

// Response is implemented by every server->client frame: request
// responses and unsolicited async frames share this interface since
// both travel on the same outbound channel (SPEC_FULL.md §4.6).
type Response interface {
	json.Marshaler
	isResponse()
}

// ControlGrantedResponse lists the endpoints of the unit just granted.
type ControlGrantedResponse struct{ Endpoints []endpoint.ID }

func (ControlGrantedResponse) isResponse() {}
func (r ControlGrantedResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		ControlGranted []endpoint.ID `json:"ControlGranted"`
	}{r.Endpoints})
}

// QueuedResponse reports a waiter's 0-based position.
type QueuedResponse struct{ Position int }

func (QueuedResponse) isResponse() {}
func (r QueuedResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Queued int `json:"Queued"`
	}{r.Position})
}

// EndpointsResponse answers ListEndpoints with every configured
// endpoint.
type EndpointsResponse struct{ Endpoints []endpoint.ID }

func (EndpointsResponse) isResponse() {}
func (r EndpointsResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Endpoints []endpoint.ID `json:"Endpoints"`
	}{r.Endpoints})
}

// ObserveOkResponse acknowledges a successful Observe.
type ObserveOkResponse struct{}

func (ObserveOkResponse) isResponse() {}
func (ObserveOkResponse) MarshalJSON() ([]byte, error) {
	return []byte(`{"ObserveOk":null}`), nil
}

// WriteOkResponse acknowledges a successful Write.
type WriteOkResponse struct{}

func (WriteOkResponse) isResponse() {}
func (WriteOkResponse) MarshalJSON() ([]byte, error) {
	return []byte(`{"WriteOk":null}`), nil
}

type messageBody struct {
	Endpoint endpoint.ID `json:"endpoint"`
	Line     string      `json:"line"`
}

// MessageResponse is an unsolicited line delivered on a Subscription,
// wrapped in the wire's "Async" envelope.
type MessageResponse struct {
	Endpoint endpoint.ID
	Line     string
}

func (MessageResponse) isResponse() {}
func (r MessageResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Async struct {
			Message messageBody `json:"Message"`
		} `json:"Async"`
	}{
		Async: struct {
			Message messageBody `json:"Message"`
		}{messageBody{Endpoint: r.Endpoint, Line: r.Line}},
	})
}

// Error kinds, per spec.md §7. Distinct kinds, not a hierarchy.
const (
	ErrorKindInvalidRequest    = "InvalidRequest"
	ErrorKindUnknownEndpoint   = "UnknownEndpoint"
	ErrorKindNoMatch           = "NoMatch"
	ErrorKindNotController     = "NotController"
	ErrorKindAlreadyControlled = "AlreadyControlled"
	ErrorKindInternalFailure   = "InternalFailure"
)

// ErrorResponse reports a per-request failure. Per-request errors
// never terminate the session (spec.md §7).
type ErrorResponse struct {
	Kind   string
	Detail string
}

func (ErrorResponse) isResponse() {}
func (r ErrorResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Error struct {
			Kind   string `json:"kind"`
			Detail string `json:"detail"`
		} `json:"Error"`
	}{
		Error: struct {
			Kind   string `json:"kind"`
			Detail string `json:"detail"`
		}{r.Kind, r.Detail},
	})
}

// LaggedResponse reports that Dropped lines were lost for this
// session's subscription to Endpoint.
type LaggedResponse struct {
	Endpoint endpoint.ID
	Dropped  int
}

func (LaggedResponse) isResponse() {}
func (r LaggedResponse) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Lagged struct {
			Endpoint endpoint.ID `json:"endpoint"`
			Dropped  int         `json:"dropped"`
		} `json:"Lagged"`
	}{
		Lagged: struct {
			Endpoint endpoint.ID `json:"endpoint"`
			Dropped  int         `json:"dropped"`
		}{r.Endpoint, r.Dropped},
	})
}
