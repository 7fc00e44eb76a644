package observability

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitWithNoExporterOrReaderDegradesGracefully(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "coordinator-core", ServiceVersion: "test"})
	require.NoError(t, err)
	require.NotNil(t, tel)
	require.NotNil(t, tel.Metrics)

	assert.NoError(t, tel.Shutdown(context.Background()))
}

func TestHandlerMiddlewarePassesThroughSuccessAndError(t *testing.T) {
	tel, err := Init(context.Background(), Config{ServiceName: "coordinator-core", ServiceVersion: "test"})
	require.NoError(t, err)

	calls := 0
	ok := HandlerMiddleware(tel, "test.op")(func(ctx context.Context, payload []byte) ([]byte, error) {
		calls++
		return []byte("ok"), nil
	})

	resp, err := ok(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp)
	assert.Equal(t, 1, calls)

	boom := assert.AnError
	failing := HandlerMiddleware(tel, "test.op")(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, boom
	})
	_, err = failing(context.Background(), nil)
	assert.ErrorIs(t, err, boom)
}
