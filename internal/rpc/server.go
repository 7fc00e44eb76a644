package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/micro"
	"go.opentelemetry.io/otel/propagation"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/observability"
)

// Subjects is the fixed NATS subject for each §6 operation.
var Subjects = struct {
	RegisterHandlers   string
	UnregisterHandlers string
	SendHeartbeat      string
	DiscoverHandlers   string
	SubmitCommand      string
	SubmitQuery        string
	SubmitEvent        string
	ReadEvents         string
	ReadAll            string
	SaveSnapshot       string
	LatestSnapshot     string
}{
	RegisterHandlers:   "core.handlers.register",
	UnregisterHandlers: "core.handlers.unregister",
	SendHeartbeat:      "core.health.heartbeat",
	DiscoverHandlers:   "core.handlers.discover",
	SubmitCommand:      "core.commands.submit",
	SubmitQuery:        "core.queries.submit",
	SubmitEvent:        "core.events.submit",
	ReadEvents:         "core.events.read",
	ReadAll:            "core.events.readAll",
	SaveSnapshot:       "core.snapshots.save",
	LatestSnapshot:     "core.snapshots.latest",
}

// handlerFunc is this server's transport-agnostic handler shape: raw request
// bytes in, raw response bytes (or error) out. Grounded on
// pkg/cqrs/nats/server.go's cqrs.HandlerFunc, adapted to JSON instead of
// proto.Message payloads per SPEC_FULL.md's wire-format decision.
type handlerFunc func(ctx context.Context, payload []byte) ([]byte, error)

// ServerConfig configures the NATS-micro transport around Core.
type ServerConfig struct {
	Name           string
	Version        string
	QueueGroup     string
	HandlerTimeout time.Duration

	// Telemetry, when set, wraps every operation with a trace span and
	// duration metric via observability.HandlerMiddleware.
	Telemetry *observability.Telemetry
}

// DefaultServerConfig returns sane transport defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{Name: "coordinator-core", Version: "1.0.0", QueueGroup: "coordinator-core", HandlerTimeout: 30 * time.Second}
}

// Server exposes a Core over NATS microservices: one micro.Service, one
// endpoint per §6 operation, grounded on pkg/cqrs/nats/server.go's
// single-service-many-endpoints shape.
type Server struct {
	nc       *nats.Conn
	core     *Core
	cfg      ServerConfig
	logger   *slog.Logger
	handlers map[string]handlerFunc

	mu      sync.Mutex
	service micro.Service
}

// NewServer builds a Server over an established NATS connection and a
// wired Core.
func NewServer(nc *nats.Conn, core *Core, cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{nc: nc, core: core, cfg: cfg, logger: logger, handlers: make(map[string]handlerFunc)}
	s.registerOperations()
	return s
}

func (s *Server) registerOperations() {
	s.handlers[Subjects.RegisterHandlers] = s.wrap(Subjects.RegisterHandlers, s.handleRegisterHandlers)
	s.handlers[Subjects.UnregisterHandlers] = s.wrap(Subjects.UnregisterHandlers, s.handleUnregisterHandlers)
	s.handlers[Subjects.SendHeartbeat] = s.wrap(Subjects.SendHeartbeat, s.handleSendHeartbeat)
	s.handlers[Subjects.DiscoverHandlers] = s.wrap(Subjects.DiscoverHandlers, s.handleDiscoverHandlers)
	s.handlers[Subjects.SubmitCommand] = s.wrap(Subjects.SubmitCommand, s.handleSubmitCommand)
	s.handlers[Subjects.SubmitQuery] = s.wrap(Subjects.SubmitQuery, s.handleSubmitQuery)
	s.handlers[Subjects.SubmitEvent] = s.wrap(Subjects.SubmitEvent, s.handleSubmitEvent)
	s.handlers[Subjects.ReadEvents] = s.wrap(Subjects.ReadEvents, s.handleReadEvents)
	s.handlers[Subjects.ReadAll] = s.wrap(Subjects.ReadAll, s.handleReadAll)
	s.handlers[Subjects.SaveSnapshot] = s.wrap(Subjects.SaveSnapshot, s.handleSaveSnapshot)
	s.handlers[Subjects.LatestSnapshot] = s.wrap(Subjects.LatestSnapshot, s.handleLatestSnapshot)
}

// wrap layers recovery, logging, and (when configured) telemetry around h.
// Recovery always applies: a panic in one operation handler must not take
// down the whole micro service. Telemetry is skipped when the server has
// none configured.
func (s *Server) wrap(subject string, h handlerFunc) handlerFunc {
	wrapped := h
	if s.cfg.Telemetry != nil {
		middleware := observability.HandlerMiddleware(s.cfg.Telemetry, subject)
		wrapped = handlerFunc(middleware(observability.HandlerFunc(wrapped)))
	}
	wrapped = loggingMiddleware(s.logger, subject)(wrapped)
	wrapped = recoveryMiddleware(s.logger, subject)(wrapped)
	return wrapped
}

// Name identifies this component as a runner.Service.
func (s *Server) Name() string { return "core-rpc-server" }

// Start registers one micro.Service with one endpoint per handler,
// endpoint names derived from subjects by replacing dots with dashes
// (endpoint names may not contain dots) while the real subject is kept via
// micro.WithEndpointSubject, satisfying runner.Service.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	svc, err := micro.AddService(s.nc, micro.Config{
		Name:        s.cfg.Name,
		Version:     s.cfg.Version,
		Description: fmt.Sprintf("coordinator core with %d endpoints", len(s.handlers)),
		QueueGroup:  s.cfg.QueueGroup,
	})
	if err != nil {
		return fmt.Errorf("add service: %w", err)
	}

	for subject, h := range s.handlers {
		endpointName := strings.ReplaceAll(subject, ".", "-")
		handler := h
		err = svc.AddEndpoint(endpointName, micro.HandlerFunc(func(req micro.Request) {
			s.handleRequest(ctx, req, handler)
		}), micro.WithEndpointSubject(subject))
		if err != nil {
			return fmt.Errorf("add endpoint %s: %w", subject, err)
		}
	}

	s.service = svc
	s.logger.InfoContext(ctx, "core rpc server started", slog.Int("endpoints", len(s.handlers)))
	return nil
}

// Stop drains the micro service, satisfying runner.Service.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.service == nil {
		return nil
	}
	return s.service.Stop()
}

// natsMicroHeaderCarrier adapts micro.Headers to propagation.TextMapCarrier,
// grounded on pkg/cqrs/nats/server.go's carrier of the same name.
type natsMicroHeaderCarrier struct {
	headers micro.Headers
}

func (c *natsMicroHeaderCarrier) Get(key string) string { return c.headers.Get(key) }
func (c *natsMicroHeaderCarrier) Set(key, value string) {}
func (c *natsMicroHeaderCarrier) Keys() []string {
	keys := make([]string, 0, len(c.headers))
	for k := range c.headers {
		keys = append(keys, k)
	}
	return keys
}

func (s *Server) handleRequest(parent context.Context, req micro.Request, handler handlerFunc) {
	ctx, cancel := context.WithTimeout(parent, s.cfg.HandlerTimeout)
	defer cancel()

	propagator := propagation.TraceContext{}
	ctx = propagator.Extract(ctx, &natsMicroHeaderCarrier{headers: req.Headers()})

	response, err := handler(ctx, req.Data())
	if err != nil {
		s.respondWithError(req, err)
		return
	}
	if err := req.Respond(response); err != nil {
		s.logger.ErrorContext(ctx, "failed to send rpc response", slog.Any("error", err))
	}
}

func (s *Server) respondWithError(req micro.Request, err error) {
	code := coreerr.CodeOf(err)
	body, _ := json.Marshal(errorResponse{Code: string(code), Message: err.Error()})
	if respErr := req.Error(string(code), err.Error(), body); respErr != nil {
		s.logger.Error("failed to send rpc error response", slog.Any("error", respErr))
	}
}

func decode[T any](payload []byte) (T, error) {
	var v T
	if err := json.Unmarshal(payload, &v); err != nil {
		return v, coreerr.Wrap(coreerr.Invalid, "malformed request payload", err)
	}
	return v, nil
}

func encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

func (s *Server) handleRegisterHandlers(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[registerHandlersRequest](payload)
	if err != nil {
		return nil, err
	}
	summary, err := s.core.RegisterHandlers(ctx, req.InstanceID, req.ServiceName, req.Host, req.Port, req.CommandTypes, req.QueryTypes, req.EventTypes, req.Metadata)
	if err != nil {
		return nil, err
	}
	return encode(registerHandlersResponse{
		Success: summary.Success, Message: summary.Message,
		CommandsRegistered: summary.CommandsRegistered, QueriesRegistered: summary.QueriesRegistered, EventsRegistered: summary.EventsRegistered,
	})
}

func (s *Server) handleUnregisterHandlers(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[unregisterHandlersRequest](payload)
	if err != nil {
		return nil, err
	}
	if err := s.core.UnregisterHandlers(ctx, req.InstanceID, req.CommandTypes, req.QueryTypes, req.EventTypes); err != nil {
		return nil, err
	}
	return encode(ackResponse{Success: true, Message: "unregistered"})
}

func (s *Server) handleSendHeartbeat(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[sendHeartbeatRequest](payload)
	if err != nil {
		return nil, err
	}
	ack, err := s.core.SendHeartbeat(ctx, req.InstanceID, req.ServiceName, domain.HealthState(req.State), req.Metadata, req.ClientTimestamp)
	if err != nil {
		return nil, err
	}
	return encode(ackResponse{Success: ack.Success, Message: ack.Message})
}

func (s *Server) handleDiscoverHandlers(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[discoverHandlersRequest](payload)
	if err != nil {
		return nil, err
	}
	instances, total, healthy, err := s.core.DiscoverHandlers(ctx, domain.HandlerKind(req.Kind), req.TypeName, req.OnlyHealthy)
	if err != nil {
		return nil, err
	}
	wire := make([]discoveredInstanceWire, len(instances))
	for i, inst := range instances {
		wire[i] = discoveredInstanceWire{InstanceID: inst.InstanceID, Host: inst.Host, Port: inst.Port, State: string(inst.State)}
	}
	return encode(discoverHandlersResponse{Instances: wire, TotalCount: total, HealthyCount: healthy})
}

func (s *Server) handleSubmitCommand(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[submitCommandRequest](payload)
	if err != nil {
		return nil, err
	}
	success, result, code := s.core.SubmitCommand(ctx, req.CommandID, req.AggregateID, req.CommandType, req.Payload)
	return encode(submitCommandResponse{Success: success, Result: result, ErrorCode: string(code)})
}

func (s *Server) handleSubmitQuery(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[submitQueryRequest](payload)
	if err != nil {
		return nil, err
	}
	result, err := s.core.SubmitQuery(ctx, req.QueryID, req.QueryType, req.Payload)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleSubmitEvent(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[submitEventRequest](payload)
	if err != nil {
		return nil, err
	}
	globalID, seq, duplicate, err := s.core.SubmitEvent(ctx, req.EventType, req.AggregateID, req.AggregateType, req.ExpectedSequence, req.Payload, req.Metadata, req.IdempotencyKey, toDomainConstraints(req.UniqueConstraints))
	if err != nil {
		return nil, err
	}
	return encode(submitEventResponse{GlobalID: globalID, SequenceNumber: seq, Duplicate: duplicate})
}

func (s *Server) handleReadEvents(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[readEventsRequest](payload)
	if err != nil {
		return nil, err
	}
	events, err := s.core.ReadEvents(ctx, req.AggregateID, req.FromSequence)
	if err != nil {
		return nil, err
	}
	return encode(eventsResponse{Events: toEventsWire(events)})
}

func (s *Server) handleReadAll(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[readAllRequest](payload)
	if err != nil {
		return nil, err
	}
	events, err := s.core.ReadAll(ctx, req.FromGlobalID, readAllFilterFromWire(req), req.Limit)
	if err != nil {
		return nil, err
	}
	return encode(eventsResponse{Events: toEventsWire(events)})
}

func (s *Server) handleSaveSnapshot(ctx context.Context, payload []byte) ([]byte, error) {
	req, err := decode[snapshotWire](payload)
	if err != nil {
		return nil, err
	}
	ack, err := s.core.SaveSnapshot(ctx, fromSnapshotWire(req))
	if err != nil {
		return nil, err
	}
	return encode(ackResponse{Success: ack.Success, Message: ack.Message})
}

func (s *Server) handleLatestSnapshot(ctx context.Context, payload []byte) ([]byte, error) {
	var req struct {
		AggregateID string `json:"aggregateId"`
	}
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, coreerr.Wrap(coreerr.Invalid, "malformed request payload", err)
	}
	snap, found, err := s.core.LatestSnapshot(ctx, req.AggregateID)
	if err != nil {
		return nil, err
	}
	resp := latestSnapshotResponse{Found: found}
	if found {
		w := toSnapshotWire(snap)
		resp.Snapshot = &w
	}
	return encode(resp)
}
