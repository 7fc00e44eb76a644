package sqlite

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/eventstore"
)

func snapshotAt(aggregateID, aggregateType string, seq int64) domain.Snapshot {
	return domain.Snapshot{
		AggregateID:    aggregateID,
		AggregateType:  aggregateType,
		SequenceNumber: seq,
		Payload:        []byte("snapshot-payload"),
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(WithMemoryDatabase(), WithMaxOpenConns(1))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestAppendAssignsSequenceAndGlobalID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	e1, err := store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p1")})
	require.NoError(t, err)
	assert.Equal(t, int64(1), e1.SequenceNumber)

	e2, err := store.Append(ctx, "A", "Order", 2, eventstore.NewEvent{EventType: "Updated", Payload: []byte("p2")})
	require.NoError(t, err)
	assert.Equal(t, int64(2), e2.SequenceNumber)
	assert.Greater(t, e2.GlobalID, e1.GlobalID)
}

func TestAppendConcurrencyConflict(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p1")})
	require.NoError(t, err)

	_, err = store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "CreatedAgain", Payload: []byte("p1b")})
	require.Error(t, err)
	assert.Equal(t, coreerr.Concurrency, coreerr.CodeOf(err))

	events, err := store.Read(ctx, "A", 1)
	require.NoError(t, err)
	require.Len(t, events, 1, "a failed append must leave no partial state")
}

func TestTwoAppendersRaceExactlyOneWins(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var wg sync.WaitGroup
	results := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p")})
			results[i] = err
		}(i)
	}
	wg.Wait()

	successes := 0
	for _, err := range results {
		if err == nil {
			successes++
		}
	}
	assert.Equal(t, 1, successes, "exactly one concurrent appender with the same expectedSequenceNumber must win")

	version, err := store.AggregateVersion(ctx, "A")
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)
}

func TestReadExcludesEventsBeforeFromSequence(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for seq := int64(1); seq <= 3; seq++ {
		_, err := store.Append(ctx, "A", "Order", seq, eventstore.NewEvent{EventType: "Tick", Payload: []byte("x")})
		require.NoError(t, err)
	}

	events, err := store.Read(ctx, "A", 2)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, int64(2), events[0].SequenceNumber)
	assert.Equal(t, int64(3), events[1].SequenceNumber)
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	for seq := int64(1); seq <= 3; seq++ {
		_, err := store.Append(ctx, "A", "Order", seq, eventstore.NewEvent{EventType: "Tick", Payload: []byte("x")})
		require.NoError(t, err)
	}

	err := store.SaveSnapshot(ctx, snapshotAt("A", "Order", 2))
	require.NoError(t, err)

	snap, ok, err := store.LatestSnapshot(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.SequenceNumber)
}

func TestAppendIdempotentReturnsCachedResultOnRetry(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evt1, alreadyProcessed1, err := store.AppendIdempotent(ctx, "cmd-1", time.Hour, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p")})
	require.NoError(t, err)
	assert.False(t, alreadyProcessed1)

	evt2, alreadyProcessed2, err := store.AppendIdempotent(ctx, "cmd-1", time.Hour, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p")})
	require.NoError(t, err)
	assert.True(t, alreadyProcessed2)
	assert.Equal(t, evt1.GlobalID, evt2.GlobalID)

	events, err := store.Read(ctx, "A", 1)
	require.NoError(t, err)
	assert.Len(t, events, 1, "a retried idempotent append must not double-append")
}

func TestPendingOutboxAndMarkPublished(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evt, err := store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p")})
	require.NoError(t, err)

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, evt.GlobalID, pending[0].GlobalID)
	assert.Equal(t, "A", pending[0].PartitionKey)

	require.NoError(t, store.MarkPublished(ctx, evt.GlobalID))

	pending, err = store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestMarkFailedAttemptDeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	evt, err := store.Append(ctx, "A", "Order", 1, eventstore.NewEvent{EventType: "Created", Payload: []byte("p")})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, store.MarkFailedAttempt(ctx, evt.GlobalID, "broker unreachable", 3))
	}

	pending, err := store.PendingOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, pending, "entry must be dead-lettered out of PENDING after maxAttempts")
}
