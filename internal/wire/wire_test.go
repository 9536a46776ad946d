package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serial-keel/serial-keel/internal/endpoint"
)

func TestDecodeRequest_Control(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"Control":{"Tty":"/dev/ttyACM0"}}`))
	require.NoError(t, err)
	assert.Equal(t, ControlRequest{Target: endpoint.Tty("/dev/ttyACM0")}, req)
}

func TestDecodeRequest_ControlMock(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"Control":{"Mock":"mock-foo"}}`))
	require.NoError(t, err)
	assert.Equal(t, ControlRequest{Target: endpoint.Mock("mock-foo")}, req)
}

func TestDecodeRequest_ControlAny(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"ControlAny":["label-1","label-2"]}`))
	require.NoError(t, err)
	assert.Equal(t, ControlAnyRequest{Labels: []string{"label-1", "label-2"}}, req)
}

func TestDecodeRequest_Observe(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"Observe":{"Mock":"mock-foo"}}`))
	require.NoError(t, err)
	assert.Equal(t, ObserveRequest{Target: endpoint.Mock("mock-foo")}, req)
}

func TestDecodeRequest_Write(t *testing.T) {
	req, err := DecodeRequest([]byte(`{"Write":[{"Mock":"mock-foo"},"LOREM\nIPSUM\nFOO"]}`))
	require.NoError(t, err)
	assert.Equal(t, WriteRequest{Target: endpoint.Mock("mock-foo"), Payload: "LOREM\nIPSUM\nFOO"}, req)
}

func TestDecodeRequest_UnknownKeyIsError(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"Frobnicate":null}`))
	assert.Error(t, err)
}

func TestDecodeRequest_MultipleKeysIsError(t *testing.T) {
	_, err := DecodeRequest([]byte(`{"Control":{"Tty":"a"},"Observe":{"Tty":"b"}}`))
	assert.Error(t, err)
}

func TestDecodeRequest_MalformedJSONIsError(t *testing.T) {
	_, err := DecodeRequest([]byte(`not json`))
	assert.Error(t, err)
}

func TestResponse_ControlGrantedShape(t *testing.T) {
	r := ControlGrantedResponse{Endpoints: []endpoint.ID{endpoint.Tty("/dev/ttyACM0")}}
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ControlGranted":[{"Tty":"/dev/ttyACM0"}]}`, string(b))
}

func TestResponse_QueuedShape(t *testing.T) {
	b, err := QueuedResponse{Position: 2}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Queued":2}`, string(b))
}

func TestResponse_ObserveOkShape(t *testing.T) {
	b, err := ObserveOkResponse{}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"ObserveOk":null}`, string(b))
}

func TestResponse_WriteOkShape(t *testing.T) {
	b, err := WriteOkResponse{}.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"WriteOk":null}`, string(b))
}

func TestResponse_MessageShape(t *testing.T) {
	r := MessageResponse{Endpoint: endpoint.Mock("mock-foo"), Line: "LOREM"}
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Async":{"Message":{"endpoint":{"Mock":"mock-foo"},"line":"LOREM"}}}`, string(b))
}

func TestResponse_ErrorShape(t *testing.T) {
	r := ErrorResponse{Kind: ErrorKindNotController, Detail: "not the controller"}
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Error":{"kind":"NotController","detail":"not the controller"}}`, string(b))
}

func TestResponse_EndpointsShape(t *testing.T) {
	r := EndpointsResponse{Endpoints: []endpoint.ID{endpoint.Tty("/dev/ttyACM0"), endpoint.Mock("mock-foo")}}
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Endpoints":[{"Tty":"/dev/ttyACM0"},{"Mock":"mock-foo"}]}`, string(b))
}

func TestResponse_LaggedShape(t *testing.T) {
	r := LaggedResponse{Endpoint: endpoint.Tty("t"), Dropped: 7}
	b, err := r.MarshalJSON()
	require.NoError(t, err)
	assert.JSONEq(t, `{"Lagged":{"endpoint":{"Tty":"t"},"dropped":7}}`, string(b))
}
