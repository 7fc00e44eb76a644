// Package eventstore defines C4's contract: an append-only log with
// per-aggregate ordering, optimistic concurrency, snapshots and an outbox
// handoff to the Event Publisher. internal/eventstore/sqlite provides the
// modernc.org/sqlite backed implementation.
package eventstore

import (
	"context"
	"time"

	"github.com/plaenen/coordinator/internal/domain"
)

// NewEvent is the input shape for a single event to append: everything the
// caller supplies before the store assigns GlobalID, EventID and Timestamp.
type NewEvent struct {
	EventType         string
	Payload           []byte
	Metadata          map[string]string
	UniqueConstraints []domain.UniqueConstraint
}

// EventStore is the C4 component's contract.
type EventStore interface {
	// Append persists one event for aggregateID at expectedSequenceNumber,
	// atomically with its OutboxEntry. Fails with coreerr.Concurrency if
	// (aggregateID, expectedSequenceNumber) already exists.
	Append(ctx context.Context, aggregateID, aggregateType string, expectedSequenceNumber int64, event NewEvent) (domain.Event, error)

	// AppendBatch persists events atomically: either every event (and its
	// OutboxEntry) commits, or none do. Assigned sequence numbers are
	// contiguous starting at expectedStartSequence.
	AppendBatch(ctx context.Context, aggregateID, aggregateType string, expectedStartSequence int64, events []NewEvent) ([]domain.Event, error)

	// AppendIdempotent is Append guarded by a caller-supplied idempotency
	// key (typically the commandId): a retried call with the same key
	// returns the original result instead of re-appending.
	AppendIdempotent(ctx context.Context, commandID string, ttl time.Duration, aggregateID, aggregateType string, expectedSequenceNumber int64, event NewEvent) (domain.Event, bool, error)

	// Read returns aggregateID's events with sequenceNumber >= fromSequence,
	// in ascending sequence order.
	Read(ctx context.Context, aggregateID string, fromSequence int64) ([]domain.Event, error)

	// ReadAll returns events with globalId > fromGlobalID (in ascending
	// globalId order), optionally filtered by aggregateType/eventType and
	// bounded by limit (0 = unbounded).
	ReadAll(ctx context.Context, fromGlobalID int64, filter ReadAllFilter, limit int) ([]domain.Event, error)

	// SaveSnapshot replaces any prior snapshot for aggregateID. sequenceNumber
	// must be <= the aggregate's current max sequence number.
	SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) error

	// LatestSnapshot returns the most recent Snapshot for aggregateID, or
	// (zero, false, nil) if none exists.
	LatestSnapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error)

	// AggregateVersion returns the current max sequence number for
	// aggregateID, or 0 if the aggregate is EMPTY.
	AggregateVersion(ctx context.Context, aggregateID string) (int64, error)

	// PendingOutbox returns up to limit PENDING OutboxEntries in ascending
	// globalId order, used by the Event Publisher.
	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error)

	// EventByGlobalID returns the Event an OutboxEntry refers to, used by
	// the Event Publisher to build the broker message body.
	EventByGlobalID(ctx context.Context, globalID int64) (domain.Event, error)

	// MarkPublished transitions an OutboxEntry to PUBLISHED.
	MarkPublished(ctx context.Context, globalID int64) error

	// MarkFailedAttempt increments an OutboxEntry's attempt counter and
	// records lastError; if attempts reaches maxAttempts the entry
	// transitions to FAILED (dead-letter).
	MarkFailedAttempt(ctx context.Context, globalID int64, lastError string, maxAttempts int) error

	Close() error
}

// ReadAllFilter narrows ReadAll's result set.
type ReadAllFilter struct {
	AggregateType string
	EventType     string
	Before        time.Time // zero value: no upper bound
}
