// Package registry implements C1: the authoritative mapping of
// (command|query|event) types to instances and of instances to their
// advertised handler sets, plus per-instance health state, bounded by a
// staleness window W (§4.1).
package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
)

const (
	instanceKeyPrefix = "instance."
	indexKeyPrefix    = "index."
)

// DefaultStaleness is W from §4.1: the bound on read staleness after any
// completed write.
const DefaultStaleness = 2 * time.Second

// record is the JSON-encoded shape stored under instance.<instanceId>.
type record struct {
	Instance domain.Instance `json:"instance"`
	Commands []string        `json:"commands"`
	Queries  []string        `json:"queries"`
	Events   []string        `json:"events"`
}

// Registry is the C1 component. It is safe for concurrent use; all state
// lives in the backing Store so that multiple server processes share one
// view, per §5 "Shared resources."
type Registry struct {
	store Store
	ttl   time.Duration
}

// New builds a Registry over store. Key expiry follows the store's own TTL
// policy; every register and heartbeat write rewrites the instance's keys,
// which refreshes them. ttl is kept on the Registry but not passed to store.
func New(store Store, ttl time.Duration) *Registry {
	return &Registry{store: store, ttl: ttl}
}

// Summary is the result of a register() call: counts of bindings added vs.
// removed by replacing the prior handler sets for the instance.
type Summary struct {
	CommandsRegistered int
	QueriesRegistered  int
	EventsRegistered   int
	BindingsRemoved    int
}

func instanceKey(instanceID string) string { return instanceKeyPrefix + instanceID }

func indexKey(kind domain.HandlerKind, typeName, instanceID string) string {
	return fmt.Sprintf("%s%s.%s.%s", indexKeyPrefix, kind, typeName, instanceID)
}

func indexPrefix(kind domain.HandlerKind, typeName string) string {
	return fmt.Sprintf("%s%s.%s.", indexKeyPrefix, kind, typeName)
}

// Register creates or replaces the handler sets for instanceId: a
// re-registration replaces the prior sets rather than merging into them.
// The replacement is not atomic: prior index keys are deleted, then the
// instance record and the new index keys are written as separate store
// operations, so a concurrent reader can see a partial set of bindings.
// Fails with INVALID if any of the three sets contains a duplicate type
// name, or if instanceId is empty, longer than 1024 characters, or not
// valid UTF-8.
func (r *Registry) Register(ctx context.Context, instanceID, host string, port int, commandTypes, queryTypes, eventTypes []string, metadata map[string]string) (Summary, error) {
	if instanceID == "" || !govalidator.StringLength(instanceID, "1", "1024") || !utf8.ValidString(instanceID) {
		return Summary{}, coreerr.New(coreerr.Invalid, "instanceId must be a non-empty, bounded, valid UTF-8 string")
	}
	if err := checkNoDuplicates(commandTypes); err != nil {
		return Summary{}, err
	}
	if err := checkNoDuplicates(queryTypes); err != nil {
		return Summary{}, err
	}
	if err := checkNoDuplicates(eventTypes); err != nil {
		return Summary{}, err
	}

	prior, _ := r.loadRecord(ctx, instanceID)
	removed := 0
	if prior != nil {
		removed = len(prior.Commands) + len(prior.Queries) + len(prior.Events)
		r.clearIndices(ctx, instanceID, prior)
	}

	inst := domain.Instance{
		InstanceID:    instanceID,
		Host:          host,
		Port:          port,
		LastHeartbeat: time.Now(),
		State:         domain.HealthHealthy,
		Metadata:      metadata,
	}
	if name, ok := metadata["serviceName"]; ok {
		inst.ServiceName = name
	}
	if v, ok := metadata["version"]; ok {
		inst.Version = v
	}
	if region, ok := metadata["region"]; ok {
		inst.Region = region
	}

	rec := record{Instance: inst, Commands: commandTypes, Queries: queryTypes, Events: eventTypes}
	if err := r.saveRecord(ctx, instanceID, rec); err != nil {
		return Summary{}, coreerr.Wrap(coreerr.RegistryUnavailable, "failed to write instance record", err)
	}

	if err := r.writeIndices(ctx, instanceID, rec); err != nil {
		return Summary{}, coreerr.Wrap(coreerr.RegistryUnavailable, "failed to write handler indices", err)
	}

	return Summary{
		CommandsRegistered: len(commandTypes),
		QueriesRegistered:  len(queryTypes),
		EventsRegistered:   len(eventTypes),
		BindingsRemoved:    removed,
	}, nil
}

func checkNoDuplicates(types []string) error {
	seen := make(map[string]struct{}, len(types))
	for _, t := range types {
		if _, ok := seen[t]; ok {
			return coreerr.New(coreerr.Invalid, fmt.Sprintf("duplicate type name %q", t))
		}
		seen[t] = struct{}{}
	}
	return nil
}

// Unregister removes the given subset of bindings for instanceId; with no
// subset specified it removes the instance entirely. Idempotent: removing
// an already-absent instance or binding is a no-op success.
func (r *Registry) Unregister(ctx context.Context, instanceID string, commandTypes, queryTypes, eventTypes []string) error {
	prior, err := r.loadRecord(ctx, instanceID)
	if err != nil {
		return nil // already gone: idempotent no-op
	}

	if len(commandTypes) == 0 && len(queryTypes) == 0 && len(eventTypes) == 0 {
		r.clearIndices(ctx, instanceID, prior)
		return r.store.Delete(ctx, instanceKey(instanceID))
	}

	rec := *prior
	rec.Commands = remove(rec.Commands, commandTypes)
	rec.Queries = remove(rec.Queries, queryTypes)
	rec.Events = remove(rec.Events, eventTypes)

	for _, t := range commandTypes {
		_ = r.store.Delete(ctx, indexKey(domain.KindCommand, t, instanceID))
	}
	for _, t := range queryTypes {
		_ = r.store.Delete(ctx, indexKey(domain.KindQuery, t, instanceID))
	}
	for _, t := range eventTypes {
		_ = r.store.Delete(ctx, indexKey(domain.KindEvent, t, instanceID))
	}

	if len(rec.Commands) == 0 && len(rec.Queries) == 0 && len(rec.Events) == 0 {
		return r.store.Delete(ctx, instanceKey(instanceID))
	}
	return r.saveRecord(ctx, instanceID, rec)
}

func remove(from, drop []string) []string {
	if len(drop) == 0 {
		return from
	}
	dropSet := make(map[string]struct{}, len(drop))
	for _, d := range drop {
		dropSet[d] = struct{}{}
	}
	out := from[:0:0]
	for _, v := range from {
		if _, ok := dropSet[v]; !ok {
			out = append(out, v)
		}
	}
	return out
}

// ListInstancesForType returns the ordered list of instanceIds handling
// (kind, typeName), lexicographically sorted for determinism. When
// onlyHealthy is true, instances in STOPPING or EXPIRED state are excluded.
func (r *Registry) ListInstancesForType(ctx context.Context, kind domain.HandlerKind, typeName string, onlyHealthy bool) ([]string, error) {
	keys, err := r.store.Keys(ctx, indexPrefix(kind, typeName))
	if err != nil {
		return nil, coreerr.Wrap(coreerr.RegistryUnavailable, "failed to list index keys", err)
	}
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			continue // expired between Keys() and Get(): treat as absent
		}
		instanceID := string(raw)
		if onlyHealthy {
			inst, err := r.GetInstance(ctx, instanceID)
			if err != nil || inst.State == domain.HealthStopping || inst.State == domain.HealthExpired {
				continue
			}
		}
		out = append(out, instanceID)
	}
	sort.Strings(out)
	return out, nil
}

// ListTypesForInstance returns the three type sets an instance has
// registered.
func (r *Registry) ListTypesForInstance(ctx context.Context, instanceID string) (commands, queries, events []string, err error) {
	rec, err := r.loadRecord(ctx, instanceID)
	if err != nil {
		return nil, nil, nil, coreerr.Wrap(coreerr.NotFound, "instance not found", err)
	}
	return rec.Commands, rec.Queries, rec.Events, nil
}

// GetInstance returns the current Instance record.
func (r *Registry) GetInstance(ctx context.Context, instanceID string) (domain.Instance, error) {
	rec, err := r.loadRecord(ctx, instanceID)
	if err != nil {
		return domain.Instance{}, coreerr.Wrap(coreerr.NotFound, "instance not found", err)
	}
	return rec.Instance, nil
}

// UpdateHeartbeat is called by the Health Monitor (C2) on receipt of a
// heartbeat: it updates lastHeartbeat to the server's wall clock and
// replaces state, refreshing the instance's TTL in the backing store.
func (r *Registry) UpdateHeartbeat(ctx context.Context, instanceID string, state domain.HealthState, now time.Time) error {
	rec, err := r.loadRecord(ctx, instanceID)
	if err != nil {
		return coreerr.Wrap(coreerr.NotFound, "instance not found", err)
	}
	rec.Instance.LastHeartbeat = now
	rec.Instance.State = state
	if err := r.saveRecord(ctx, instanceID, *rec); err != nil {
		return coreerr.Wrap(coreerr.RegistryUnavailable, "failed to persist heartbeat", err)
	}
	// Indices don't encode state, only presence, but they expire like the
	// instance record, so they are rewritten here to refresh their TTL.
	// STOPPING immediately removes routing eligibility via ListInstancesForType's
	// onlyHealthy filter reading the refreshed state above.
	if err := r.writeIndices(ctx, instanceID, *rec); err != nil {
		return coreerr.Wrap(coreerr.RegistryUnavailable, "failed to refresh handler indices", err)
	}
	return nil
}

// SetState transitions an instance's health state without touching
// lastHeartbeat, used by the Health Monitor's expiry scanner.
func (r *Registry) SetState(ctx context.Context, instanceID string, state domain.HealthState) error {
	rec, err := r.loadRecord(ctx, instanceID)
	if err != nil {
		return nil // already gone
	}
	rec.Instance.State = state
	return r.saveRecord(ctx, instanceID, *rec)
}

// AllInstances returns every live Instance record, used by the Health
// Monitor's periodic expiry scan.
func (r *Registry) AllInstances(ctx context.Context) ([]domain.Instance, error) {
	keys, err := r.store.Keys(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.RegistryUnavailable, "failed to list instances", err)
	}
	out := make([]domain.Instance, 0, len(keys))
	for _, k := range keys {
		raw, err := r.store.Get(ctx, k)
		if err != nil {
			continue
		}
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		out = append(out, rec.Instance)
	}
	return out, nil
}

func (r *Registry) loadRecord(ctx context.Context, instanceID string) (*record, error) {
	raw, err := r.store.Get(ctx, instanceKey(instanceID))
	if err != nil {
		return nil, err
	}
	var rec record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (r *Registry) saveRecord(ctx context.Context, instanceID string, rec record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return r.store.Put(ctx, instanceKey(instanceID), raw)
}

func (r *Registry) writeIndices(ctx context.Context, instanceID string, rec record) error {
	for _, t := range rec.Commands {
		if err := r.store.Put(ctx, indexKey(domain.KindCommand, t, instanceID), []byte(instanceID)); err != nil {
			return err
		}
	}
	for _, t := range rec.Queries {
		if err := r.store.Put(ctx, indexKey(domain.KindQuery, t, instanceID), []byte(instanceID)); err != nil {
			return err
		}
	}
	for _, t := range rec.Events {
		if err := r.store.Put(ctx, indexKey(domain.KindEvent, t, instanceID), []byte(instanceID)); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) clearIndices(ctx context.Context, instanceID string, rec *record) {
	for _, t := range rec.Commands {
		_ = r.store.Delete(ctx, indexKey(domain.KindCommand, t, instanceID))
	}
	for _, t := range rec.Queries {
		_ = r.store.Delete(ctx, indexKey(domain.KindQuery, t, instanceID))
	}
	for _, t := range rec.Events {
		_ = r.store.Delete(ctx, indexKey(domain.KindEvent, t, instanceID))
	}
}
