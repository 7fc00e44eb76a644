// Package rpc implements the §6 external interface: the typed operations a
// client of the core calls (RegisterHandlers, SubmitCommand, ReadEvents,
// ...), transport-independent in Core and exposed over NATS micro-services
// in server.go, grounded on pkg/cqrs/nats/server.go's one-microservice-per-
// process, one-endpoint-per-subject pattern.
package rpc

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/eventstore"
	"github.com/plaenen/coordinator/internal/health"
	"github.com/plaenen/coordinator/internal/idgen"
	"github.com/plaenen/coordinator/internal/registry"
	"github.com/plaenen/coordinator/internal/router"
)

// Forwarder delivers a command or query payload to a specific instance and
// returns its response bytes. It models the "outbound RPC to a target
// instance when forwarding a command or query" suspension point of §5.
type Forwarder interface {
	Forward(ctx context.Context, instanceID string, kind domain.HandlerKind, typeName string, payload []byte) ([]byte, error)
}

// Config holds the §6 configuration keys governing deadlines and
// idempotency TTLs that Core applies.
type Config struct {
	RouteDeadline        time.Duration // default 5s
	AppendDeadline       time.Duration // default 15s
	IdempotencyTTL       time.Duration
	PoisonMessageThreshold int // default 3, enforced by subscriber-side contract, recorded here for configuration completeness
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		RouteDeadline:          5 * time.Second,
		AppendDeadline:         15 * time.Second,
		IdempotencyTTL:         7 * 24 * time.Hour,
		PoisonMessageThreshold: 3,
	}
}

// Core wires C1-C4 together behind the §6 operation set. C5 (the Publisher)
// runs independently off the same EventStore's outbox and is not called
// directly by Core.
type Core struct {
	registry *registry.Registry
	monitor  *health.Monitor
	router   *router.Router
	store    eventstore.EventStore
	fwd      Forwarder
	cfg      Config
	logger   *slog.Logger
}

// New builds a Core over its five collaborators.
func New(reg *registry.Registry, monitor *health.Monitor, rt *router.Router, store eventstore.EventStore, fwd Forwarder, cfg Config, logger *slog.Logger) *Core {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IdempotencyTTL <= 0 {
		cfg.IdempotencyTTL = 7 * 24 * time.Hour
	}
	return &Core{registry: reg, monitor: monitor, router: rt, store: store, fwd: fwd, cfg: cfg, logger: logger}
}

// RegistrationSummary mirrors §6 operation 1's result shape.
type RegistrationSummary struct {
	Success            bool
	Message            string
	CommandsRegistered int
	QueriesRegistered  int
	EventsRegistered   int
}

// RegisterHandlers implements §6 operation 1.
func (c *Core) RegisterHandlers(ctx context.Context, instanceID, serviceName, host string, port int, commandTypes, queryTypes, eventTypes []string, metadata map[string]string) (RegistrationSummary, error) {
	if metadata == nil {
		metadata = map[string]string{}
	}
	metadata["serviceName"] = serviceName
	summary, err := c.registry.Register(ctx, instanceID, host, port, commandTypes, queryTypes, eventTypes, metadata)
	if err != nil {
		return RegistrationSummary{}, err
	}
	return RegistrationSummary{
		Success:            true,
		Message:            "registered",
		CommandsRegistered: summary.CommandsRegistered,
		QueriesRegistered:  summary.QueriesRegistered,
		EventsRegistered:   summary.EventsRegistered,
	}, nil
}

// UnregisterHandlers implements §6 operation 2.
func (c *Core) UnregisterHandlers(ctx context.Context, instanceID string, commandTypes, queryTypes, eventTypes []string) error {
	return c.registry.Unregister(ctx, instanceID, commandTypes, queryTypes, eventTypes)
}

// Ack mirrors §6 operation 3's response shape.
type Ack struct {
	Success bool
	Message string
}

// SendHeartbeat implements §6 operation 3 (the unary heartbeat path, the
// canonical liveness source per §9).
func (c *Core) SendHeartbeat(ctx context.Context, instanceID, serviceName string, state domain.HealthState, metadata map[string]string, clientTimestamp time.Time) (Ack, error) {
	if err := c.monitor.Heartbeat(ctx, instanceID, state, clientTimestamp); err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Message: "heartbeat accepted"}, nil
}

// DiscoveredInstance is one row of §6 operation 4's result.
type DiscoveredInstance struct {
	InstanceID string
	Host       string
	Port       int
	State      domain.HealthState
}

// DiscoverHandlers implements §6 operation 4.
func (c *Core) DiscoverHandlers(ctx context.Context, kind domain.HandlerKind, typeName string, onlyHealthy bool) (instances []DiscoveredInstance, totalCount, healthyCount int, err error) {
	ids, err := c.registry.ListInstancesForType(ctx, kind, typeName, false)
	if err != nil {
		return nil, 0, 0, err
	}
	healthyIDs := make(map[string]bool)
	if healthyList, herr := c.registry.ListInstancesForType(ctx, kind, typeName, true); herr == nil {
		for _, id := range healthyList {
			healthyIDs[id] = true
		}
	}

	for _, id := range ids {
		if onlyHealthy && !healthyIDs[id] {
			continue
		}
		inst, ierr := c.registry.GetInstance(ctx, id)
		if ierr != nil {
			continue
		}
		instances = append(instances, DiscoveredInstance{InstanceID: inst.InstanceID, Host: inst.Host, Port: inst.Port, State: inst.State})
	}
	return instances, len(ids), len(healthyIDs), nil
}

// SubmitCommand implements §6 operation 5: route then forward.
func (c *Core) SubmitCommand(ctx context.Context, commandID, aggregateID, commandType string, payload []byte) (success bool, result []byte, errorCode coreerr.Code) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RouteDeadline)
	defer cancel()

	if commandID == "" {
		commandID = idgen.NewRequestID()
	}

	instanceID, err := c.router.Route(ctx, domain.KindCommand, commandType, aggregateID)
	if err != nil {
		return false, nil, coreerr.CodeOf(err)
	}

	result, err = c.fwd.Forward(ctx, instanceID, domain.KindCommand, commandType, payload)
	if err != nil {
		return false, nil, coreerr.CodeOf(err)
	}
	return true, result, coreerr.OK
}

// SubmitQuery implements §6 operation 6.
func (c *Core) SubmitQuery(ctx context.Context, queryID, queryType string, payload []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RouteDeadline)
	defer cancel()

	instanceID, err := c.router.Route(ctx, domain.KindQuery, queryType, "")
	if err != nil {
		return nil, err
	}
	return c.fwd.Forward(ctx, instanceID, domain.KindQuery, queryType, payload)
}

// SubmitEvent implements §6 operation 7: append to the Event Store.
// idempotencyKey, when non-empty, guards the append through
// EventStore.AppendIdempotent so a retried call (e.g. after a network blip)
// returns the originally-appended event instead of double-appending;
// duplicate reports whether that happened. constraints carries the optional
// per-event unique-index claims/releases to commit atomically with the
// event.
func (c *Core) SubmitEvent(ctx context.Context, eventType, aggregateID, aggregateType string, expectedSequence int64, payload []byte, metadata map[string]string, idempotencyKey string, constraints []domain.UniqueConstraint) (globalID, sequenceNumber int64, duplicate bool, err error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.AppendDeadline)
	defer cancel()

	evt, duplicate, err := c.store.AppendIdempotent(ctx, idempotencyKey, c.cfg.IdempotencyTTL, aggregateID, aggregateType, expectedSequence, eventstore.NewEvent{
		EventType:         eventType,
		Payload:           payload,
		Metadata:          metadata,
		UniqueConstraints: constraints,
	})
	if err != nil {
		return 0, 0, false, err
	}
	return evt.GlobalID, evt.SequenceNumber, duplicate, nil
}

// ReadEvents implements §6 operation 8's ReadEvents as one call that returns
// every event from fromSequence onward as a list. No streamed delivery is
// provided: the server answers the request with a single JSON response.
func (c *Core) ReadEvents(ctx context.Context, aggregateID string, fromSequence int64) ([]domain.Event, error) {
	return c.store.Read(ctx, aggregateID, fromSequence)
}

// ReadAll implements §6 operation 8's ReadAll.
func (c *Core) ReadAll(ctx context.Context, fromGlobalID int64, filter eventstore.ReadAllFilter, limit int) ([]domain.Event, error) {
	return c.store.ReadAll(ctx, fromGlobalID, filter, limit)
}

// SaveSnapshot implements §6 operation 9.
func (c *Core) SaveSnapshot(ctx context.Context, snapshot domain.Snapshot) (Ack, error) {
	if err := c.store.SaveSnapshot(ctx, snapshot); err != nil {
		return Ack{}, err
	}
	return Ack{Success: true, Message: "snapshot saved"}, nil
}

// LatestSnapshot implements §6 operation 10.
func (c *Core) LatestSnapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error) {
	return c.store.LatestSnapshot(ctx, aggregateID)
}
