package rpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/eventstore/sqlite"
	"github.com/plaenen/coordinator/internal/health"
	"github.com/plaenen/coordinator/internal/registry"
	"github.com/plaenen/coordinator/internal/router"
)

type fakeForwarder struct {
	response []byte
	err      error
	lastKind domain.HandlerKind
	lastType string
}

func (f *fakeForwarder) Forward(_ context.Context, _ string, kind domain.HandlerKind, typeName string, _ []byte) ([]byte, error) {
	f.lastKind = kind
	f.lastType = typeName
	return f.response, f.err
}

func newTestCore(t *testing.T, fwd Forwarder) *Core {
	t.Helper()
	store := registry.NewMemStore(time.Minute)
	reg := registry.New(store, time.Minute)
	monitor := health.New(reg, health.DefaultConfig(), nil)
	rt := router.New(reg)

	es, err := sqlite.New(sqlite.WithMemoryDatabase(), sqlite.WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { es.Close() })

	return New(reg, monitor, rt, es, fwd, DefaultConfig(), nil)
}

func TestRegisterHandlersThenDiscoverHandlers(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	summary, err := core.RegisterHandlers(ctx, "inst-1", "account-service", "10.0.0.1", 9000,
		[]string{"OpenAccount"}, nil, nil, nil)
	require.NoError(t, err)
	assert.True(t, summary.Success)
	assert.Equal(t, 1, summary.CommandsRegistered)

	require.NoError(t, core.monitor.Heartbeat(ctx, "inst-1", domain.HealthHealthy, time.Now()))

	instances, total, healthy, err := core.DiscoverHandlers(ctx, domain.KindCommand, "OpenAccount", true)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, 1, healthy)
	require.Len(t, instances, 1)
	assert.Equal(t, "inst-1", instances[0].InstanceID)
}

func TestSubmitCommandRoutesAndForwards(t *testing.T) {
	fwd := &fakeForwarder{response: []byte(`{"ok":true}`)}
	core := newTestCore(t, fwd)
	ctx := context.Background()

	_, err := core.RegisterHandlers(ctx, "inst-1", "account-service", "10.0.0.1", 9000,
		[]string{"OpenAccount"}, nil, nil, nil)
	require.NoError(t, err)
	require.NoError(t, core.monitor.Heartbeat(ctx, "inst-1", domain.HealthHealthy, time.Now()))

	success, result, code := core.SubmitCommand(ctx, "", "acct-1", "OpenAccount", []byte(`{}`))
	assert.True(t, success)
	assert.Equal(t, []byte(`{"ok":true}`), result)
	assert.Equal(t, coreerr.OK, code)
	assert.Equal(t, domain.KindCommand, fwd.lastKind)
	assert.Equal(t, "OpenAccount", fwd.lastType)
}

func TestSubmitCommandWithNoHandlerReturnsNoHandlerCode(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	success, _, code := core.SubmitCommand(ctx, "", "acct-1", "Nonexistent", []byte(`{}`))
	assert.False(t, success)
	assert.Equal(t, coreerr.NoHandler, code)
}

func TestSubmitEventThenReadEventsRoundTrips(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	globalID, seq, duplicate, err := core.SubmitEvent(ctx, "AccountOpened", "acct-1", "Account", 1, []byte(`{"balance":0}`), nil, "", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), seq)
	assert.Positive(t, globalID)
	assert.False(t, duplicate)

	events, err := core.ReadEvents(ctx, "acct-1", 1)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "AccountOpened", events[0].EventType)
}

func TestSubmitEventWithIdempotencyKeyReturnsCachedResultOnRetry(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	globalID1, seq1, duplicate1, err := core.SubmitEvent(ctx, "AccountOpened", "acct-1", "Account", 1, []byte(`{}`), nil, "cmd-1", nil)
	require.NoError(t, err)
	assert.False(t, duplicate1)

	globalID2, seq2, duplicate2, err := core.SubmitEvent(ctx, "AccountOpened", "acct-1", "Account", 1, []byte(`{}`), nil, "cmd-1", nil)
	require.NoError(t, err)
	assert.True(t, duplicate2)
	assert.Equal(t, globalID1, globalID2)
	assert.Equal(t, seq1, seq2)

	events, err := core.ReadEvents(ctx, "acct-1", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestSubmitEventWithUniqueConstraintRejectsSecondClaim(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	claim := []domain.UniqueConstraint{{IndexName: "email", Value: "a@example.com", Operation: domain.ConstraintClaim}}

	_, _, _, err := core.SubmitEvent(ctx, "AccountOpened", "acct-1", "Account", 1, []byte(`{}`), nil, "", claim)
	require.NoError(t, err)

	_, _, _, err = core.SubmitEvent(ctx, "AccountOpened", "acct-2", "Account", 1, []byte(`{}`), nil, "", claim)
	require.Error(t, err)
	assert.Equal(t, coreerr.Concurrency, coreerr.CodeOf(err))
}

func TestSaveSnapshotThenLatestSnapshot(t *testing.T) {
	core := newTestCore(t, &fakeForwarder{})
	ctx := context.Background()

	_, _, _, err := core.SubmitEvent(ctx, "AccountOpened", "acct-1", "Account", 1, []byte(`{}`), nil, "", nil)
	require.NoError(t, err)

	_, err = core.SaveSnapshot(ctx, domain.Snapshot{AggregateID: "acct-1", AggregateType: "Account", SequenceNumber: 1, Payload: []byte(`{"balance":0}`)})
	require.NoError(t, err)

	snap, found, err := core.LatestSnapshot(ctx, "acct-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, int64(1), snap.SequenceNumber)
}
