package rpc

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestServer(t *testing.T, fwd Forwarder) *Server {
	t.Helper()
	core := newTestCore(t, fwd)
	return &Server{core: core, cfg: DefaultServerConfig(), handlers: make(map[string]handlerFunc), logger: discardLogger()}
}

func TestHandleRegisterHandlersRoundTrip(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})
	s.registerOperations()

	reqBody, err := json.Marshal(registerHandlersRequest{
		InstanceID: "inst-1", ServiceName: "account-service", Host: "10.0.0.1", Port: 9000,
		CommandTypes: []string{"OpenAccount"},
	})
	require.NoError(t, err)

	respBody, err := s.handleRegisterHandlers(context.Background(), reqBody)
	require.NoError(t, err)

	var resp registerHandlersResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	assert.True(t, resp.Success)
	assert.Equal(t, 1, resp.CommandsRegistered)
}

func TestHandleSubmitEventRoundTrip(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})

	reqBody, err := json.Marshal(submitEventRequest{
		EventType: "AccountOpened", AggregateID: "acct-1", AggregateType: "Account",
		ExpectedSequence: 1, Payload: []byte(`{}`),
	})
	require.NoError(t, err)

	respBody, err := s.handleSubmitEvent(context.Background(), reqBody)
	require.NoError(t, err)

	var resp submitEventResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	assert.Equal(t, int64(1), resp.SequenceNumber)
	assert.False(t, resp.Duplicate)
}

func TestHandleSubmitEventWithIdempotencyKeyIsDeduplicated(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})

	reqBody, err := json.Marshal(submitEventRequest{
		EventType: "AccountOpened", AggregateID: "acct-2", AggregateType: "Account",
		ExpectedSequence: 1, Payload: []byte(`{}`), IdempotencyKey: "cmd-1",
	})
	require.NoError(t, err)

	first, err := s.handleSubmitEvent(context.Background(), reqBody)
	require.NoError(t, err)
	second, err := s.handleSubmitEvent(context.Background(), reqBody)
	require.NoError(t, err)

	var firstResp, secondResp submitEventResponse
	require.NoError(t, json.Unmarshal(first, &firstResp))
	require.NoError(t, json.Unmarshal(second, &secondResp))

	assert.False(t, firstResp.Duplicate)
	assert.True(t, secondResp.Duplicate)
	assert.Equal(t, firstResp.GlobalID, secondResp.GlobalID)
}

func TestHandleSendHeartbeatRoundTrip(t *testing.T) {
	s := newTestServer(t, &fakeForwarder{})

	_, err := s.core.RegisterHandlers(context.Background(), "inst-1", "svc", "h", 1, nil, nil, nil, nil)
	require.NoError(t, err)

	reqBody, err := json.Marshal(sendHeartbeatRequest{
		InstanceID: "inst-1", State: string(domain.HealthHealthy), ClientTimestamp: time.Now(),
	})
	require.NoError(t, err)

	respBody, err := s.handleSendHeartbeat(context.Background(), reqBody)
	require.NoError(t, err)

	var resp ackResponse
	require.NoError(t, json.Unmarshal(respBody, &resp))
	assert.True(t, resp.Success)
}

func TestDecodeMalformedPayloadReturnsInvalid(t *testing.T) {
	_, err := decode[registerHandlersRequest]([]byte("not json"))
	require.Error(t, err)
	assert.Equal(t, coreerr.Invalid, coreerr.CodeOf(err))
}
