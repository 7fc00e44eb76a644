package rpc

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddlewareCatchesPanic(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger, "test.subject")(func(ctx context.Context, payload []byte) ([]byte, error) {
		panic("boom")
	})

	resp, err := h(context.Background(), nil)
	require.Error(t, err)
	assert.Nil(t, resp)
	assert.Contains(t, err.Error(), "boom")
}

func TestRecoveryMiddlewarePassesThroughNormalResult(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := recoveryMiddleware(logger, "test.subject")(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})

	resp, err := h(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp)
}

func TestLoggingMiddlewarePropagatesErrorAndResult(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	okErr := errors.New("boom")
	h := loggingMiddleware(logger, "test.subject")(func(ctx context.Context, payload []byte) ([]byte, error) {
		return nil, okErr
	})
	_, err := h(context.Background(), nil)
	assert.ErrorIs(t, err, okErr)

	h = loggingMiddleware(logger, "test.subject")(func(ctx context.Context, payload []byte) ([]byte, error) {
		return []byte("ok"), nil
	})
	resp, err := h(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, []byte("ok"), resp)
}
