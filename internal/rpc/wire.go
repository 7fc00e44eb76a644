package rpc

import (
	"time"

	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/eventstore"
)

// Messages are described in semantic terms by §6, not bound to a schema
// language; these JSON-tagged structs are this server's concrete wire
// representation of each operation's request/response.

type registerHandlersRequest struct {
	InstanceID   string            `json:"instanceId"`
	ServiceName  string            `json:"serviceName"`
	Host         string            `json:"host"`
	Port         int               `json:"port"`
	CommandTypes []string          `json:"commandTypes"`
	QueryTypes   []string          `json:"queryTypes"`
	EventTypes   []string          `json:"eventTypes"`
	Metadata     map[string]string `json:"metadata"`
}

type registerHandlersResponse struct {
	Success            bool   `json:"success"`
	Message            string `json:"message"`
	CommandsRegistered int    `json:"commandsRegistered"`
	QueriesRegistered  int    `json:"queriesRegistered"`
	EventsRegistered   int    `json:"eventsRegistered"`
}

type unregisterHandlersRequest struct {
	InstanceID   string   `json:"instanceId"`
	CommandTypes []string `json:"commandTypes"`
	QueryTypes   []string `json:"queryTypes"`
	EventTypes   []string `json:"eventTypes"`
}

type ackResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type sendHeartbeatRequest struct {
	InstanceID      string            `json:"instanceId"`
	ServiceName     string            `json:"serviceName"`
	State           string            `json:"state"`
	Metadata        map[string]string `json:"metadata"`
	ClientTimestamp time.Time         `json:"clientTimestamp"`
}

type discoverHandlersRequest struct {
	Kind        string `json:"kind"`
	TypeName    string `json:"typeName"`
	OnlyHealthy bool   `json:"onlyHealthy"`
}

type discoveredInstanceWire struct {
	InstanceID string `json:"instanceId"`
	Host       string `json:"host"`
	Port       int    `json:"port"`
	State      string `json:"state"`
}

type discoverHandlersResponse struct {
	Instances    []discoveredInstanceWire `json:"instances"`
	TotalCount   int                      `json:"totalCount"`
	HealthyCount int                      `json:"healthyCount"`
}

type submitCommandRequest struct {
	CommandID   string `json:"commandId"`
	AggregateID string `json:"aggregateId"`
	CommandType string `json:"commandType"`
	Payload     []byte `json:"payload"`
}

type submitCommandResponse struct {
	Success   bool   `json:"success"`
	Result    []byte `json:"result,omitempty"`
	ErrorCode string `json:"errorCode,omitempty"`
}

type submitQueryRequest struct {
	QueryID   string `json:"queryId"`
	QueryType string `json:"queryType"`
	Payload   []byte `json:"payload"`
}

type submitEventRequest struct {
	EventType        string            `json:"eventType"`
	AggregateID      string            `json:"aggregateId"`
	AggregateType    string            `json:"aggregateType"`
	ExpectedSequence int64             `json:"expectedSequenceNumber"`
	Payload          []byte            `json:"payload"`
	Metadata         map[string]string `json:"metadata"`

	// IdempotencyKey, when set, is recorded against the appended event so a
	// retried SubmitEvent with the same key returns the original result
	// instead of appending twice.
	IdempotencyKey string `json:"idempotencyKey,omitempty"`

	// UniqueConstraints are optional per-event unique-index claim/release
	// markers, committed atomically with the event.
	UniqueConstraints []uniqueConstraintWire `json:"uniqueConstraints,omitempty"`
}

type uniqueConstraintWire struct {
	IndexName string `json:"indexName"`
	Value     string `json:"value"`
	Operation string `json:"operation"`
}

func toDomainConstraints(wire []uniqueConstraintWire) []domain.UniqueConstraint {
	if len(wire) == 0 {
		return nil
	}
	out := make([]domain.UniqueConstraint, len(wire))
	for i, w := range wire {
		out[i] = domain.UniqueConstraint{IndexName: w.IndexName, Value: w.Value, Operation: domain.ConstraintOp(w.Operation)}
	}
	return out
}

type submitEventResponse struct {
	GlobalID       int64 `json:"globalId"`
	SequenceNumber int64 `json:"sequenceNumber"`
	Duplicate      bool  `json:"duplicate"`
}

type readEventsRequest struct {
	AggregateID  string `json:"aggregateId"`
	FromSequence int64  `json:"fromSequence"`
}

type readAllRequest struct {
	FromGlobalID  int64  `json:"fromGlobalId"`
	AggregateType string `json:"aggregateType"`
	EventType     string `json:"eventType"`
	Limit         int    `json:"limit"`
}

type eventWire struct {
	GlobalID       int64             `json:"globalId"`
	EventID        string            `json:"eventId"`
	AggregateID    string            `json:"aggregateId"`
	AggregateType  string            `json:"aggregateType"`
	SequenceNumber int64             `json:"sequenceNumber"`
	EventType      string            `json:"eventType"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata"`
	Timestamp      time.Time         `json:"timestamp"`
	Version        int64             `json:"version"`
}

func toEventWire(e domain.Event) eventWire {
	return eventWire{
		GlobalID: e.GlobalID, EventID: e.EventID, AggregateID: e.AggregateID,
		AggregateType: e.AggregateType, SequenceNumber: e.SequenceNumber,
		EventType: e.EventType, Payload: e.Payload, Metadata: e.Metadata,
		Timestamp: e.Timestamp, Version: e.Version,
	}
}

func toEventsWire(events []domain.Event) []eventWire {
	out := make([]eventWire, len(events))
	for i, e := range events {
		out[i] = toEventWire(e)
	}
	return out
}

type eventsResponse struct {
	Events []eventWire `json:"events"`
}

type snapshotWire struct {
	AggregateID    string    `json:"aggregateId"`
	AggregateType  string    `json:"aggregateType"`
	SequenceNumber int64     `json:"sequenceNumber"`
	Payload        []byte    `json:"payload"`
	Timestamp      time.Time `json:"timestamp"`
}

func toSnapshotWire(s domain.Snapshot) snapshotWire {
	return snapshotWire{
		AggregateID: s.AggregateID, AggregateType: s.AggregateType,
		SequenceNumber: s.SequenceNumber, Payload: s.Payload, Timestamp: s.Timestamp,
	}
}

func fromSnapshotWire(w snapshotWire) domain.Snapshot {
	return domain.Snapshot{
		AggregateID: w.AggregateID, AggregateType: w.AggregateType,
		SequenceNumber: w.SequenceNumber, Payload: w.Payload, Timestamp: w.Timestamp,
	}
}

type latestSnapshotResponse struct {
	Snapshot *snapshotWire `json:"snapshot,omitempty"`
	Found    bool          `json:"found"`
}

func readAllFilterFromWire(req readAllRequest) eventstore.ReadAllFilter {
	return eventstore.ReadAllFilter{
		AggregateType: req.AggregateType,
		EventType:     req.EventType,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
