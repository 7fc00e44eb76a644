// Package router implements C3: given a (kind, typeName, aggregateId?),
// selects exactly one healthy instance using a consistent, aggregate-stable
// policy — FNV-1a 64-bit hashing when an aggregateId is present, round
// robin per typeName otherwise.
package router

import (
	"context"
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
)

// Registry is the subset of registry.Registry the Router depends on.
type Registry interface {
	ListInstancesForType(ctx context.Context, kind domain.HandlerKind, typeName string, onlyHealthy bool) ([]string, error)
}

// Router is the C3 component.
type Router struct {
	registry Registry
	counters counterMap
}

// New builds a Router over registry.
func New(registry Registry) *Router {
	return &Router{registry: registry, counters: newCounterMap()}
}

// Route picks a single instance for (kind, typeName, aggregateId). If
// aggregateId is empty, round-robin selection per typeName is used;
// callers that need a stable aggregate affinity must always pass it.
//
// Returns NO_HANDLER if no healthy instance advertises the type, or
// REGISTRY_UNAVAILABLE if the backing store could not be read.
func (r *Router) Route(ctx context.Context, kind domain.HandlerKind, typeName, aggregateID string) (string, error) {
	instances, err := r.registry.ListInstancesForType(ctx, kind, typeName, true)
	if err != nil {
		return "", coreerr.Wrap(coreerr.RegistryUnavailable, "registry read failed during routing", err)
	}
	if len(instances) == 0 {
		return "", coreerr.New(coreerr.NoHandler, "no healthy instance for type "+typeName)
	}
	// instances is already lexicographically sorted by the Registry.

	if aggregateID != "" {
		h := stableHash64(aggregateID)
		return instances[h%uint64(len(instances))], nil
	}

	n := r.counters.next(string(kind) + "." + typeName)
	return instances[n%uint64(len(instances))], nil
}

// stableHash64 is FNV-1a 64-bit over the UTF-8 bytes of s, as specified by
// §4.3: "FNV-1a 64-bit over the UTF-8 bytes of aggregateId, then absolute
// value." FNV-1a's output is already an unsigned 64-bit value, so "absolute
// value" is a no-op here; the phrasing in the spec matters for ports of
// this algorithm to languages with signed hash types.
func stableHash64(s string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	return h.Sum64()
}

// counterMap holds one round-robin counter per typeName key, created
// lazily, so unrelated types don't contend on the same atomic.
type counterMap struct {
	shards [counterShards]counterShard
}

const counterShards = 32

type counterShard struct {
	mu sync.Mutex
	m  map[string]*uint64
}

func newCounterMap() counterMap {
	var cm counterMap
	for i := range cm.shards {
		cm.shards[i].m = make(map[string]*uint64)
	}
	return cm
}

func (cm *counterMap) next(key string) uint64 {
	shard := &cm.shards[shardFor(key)]
	shard.mu.Lock()
	ctr, ok := shard.m[key]
	if !ok {
		var zero uint64
		ctr = &zero
		shard.m[key] = ctr
	}
	shard.mu.Unlock()
	return atomic.AddUint64(ctr, 1) - 1
}

func shardFor(key string) uint64 {
	return stableHash64(key) % counterShards
}
