// Package idgen generates the identifiers used across the core: sortable
// ULIDs for globalId-adjacent external event ids, and UUIDs for caller-
// facing command/query ids when the caller doesn't supply its own.
package idgen

import (
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// MustGenerateSortableID returns a new ULID: lexicographically sortable by
// creation time, used as an event's human/debug-friendly external id. The
// authoritative commit order is still the Event Store's own rowid/globalId;
// this is not relied on for the ordering guarantees in §3.
func MustGenerateSortableID() string {
	entropy := rand.New(rand.NewSource(time.Now().UnixNano()))
	ms := ulid.Timestamp(time.Now())
	id, err := ulid.New(ms, entropy)
	if err != nil {
		panic(err)
	}
	return id.String()
}

// NewRequestID returns a new random UUID, used for caller-facing
// commandId/queryId values when a caller does not supply its own.
func NewRequestID() string {
	return uuid.NewString()
}
