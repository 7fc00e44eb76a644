package observability

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/plaenen/coordinator/internal/coreerr"
)

// Metrics holds every metric instrument the core's five components emit.
type Metrics struct {
	// Router (C3)
	RouteDuration metric.Float64Histogram
	RouteTotal    metric.Int64Counter
	RouteErrors   metric.Int64Counter

	// Event Store (C4)
	AppendDuration metric.Float64Histogram
	EventsAppended metric.Int64Counter
	AppendConflicts metric.Int64Counter

	// Event Publisher (C5)
	EventsPublished  metric.Int64Counter
	PublishLatency   metric.Float64Histogram
	EventsDeadLettered metric.Int64Counter
	OutboxBacklog    metric.Int64Gauge

	// Registry (C1) / Health Monitor (C2)
	InstancesRegistered metric.Int64Counter
	Heartbeats          metric.Int64Counter
	InstancesExpired    metric.Int64Counter
}

// NewMetrics creates every metric instrument.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RouteDuration, err = meter.Float64Histogram("core.route.duration", metric.WithDescription("Route operation duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating route.duration: %w", err)
	}
	m.RouteTotal, err = meter.Int64Counter("core.route.total", metric.WithDescription("Total route operations"))
	if err != nil {
		return nil, fmt.Errorf("creating route.total: %w", err)
	}
	m.RouteErrors, err = meter.Int64Counter("core.route.errors", metric.WithDescription("Total route failures by error code"))
	if err != nil {
		return nil, fmt.Errorf("creating route.errors: %w", err)
	}

	m.AppendDuration, err = meter.Float64Histogram("core.eventstore.append.duration", metric.WithDescription("Append operation duration in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.append.duration: %w", err)
	}
	m.EventsAppended, err = meter.Int64Counter("core.eventstore.events_appended", metric.WithDescription("Total events appended"))
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.events_appended: %w", err)
	}
	m.AppendConflicts, err = meter.Int64Counter("core.eventstore.append_conflicts", metric.WithDescription("Total optimistic concurrency conflicts"))
	if err != nil {
		return nil, fmt.Errorf("creating eventstore.append_conflicts: %w", err)
	}

	m.EventsPublished, err = meter.Int64Counter("core.publisher.events_published", metric.WithDescription("Total events published to the broker"))
	if err != nil {
		return nil, fmt.Errorf("creating publisher.events_published: %w", err)
	}
	m.PublishLatency, err = meter.Float64Histogram("core.publisher.publish.latency", metric.WithDescription("Broker publish latency in seconds"), metric.WithUnit("s"))
	if err != nil {
		return nil, fmt.Errorf("creating publisher.publish.latency: %w", err)
	}
	m.EventsDeadLettered, err = meter.Int64Counter("core.publisher.dead_lettered", metric.WithDescription("Total outbox entries dead-lettered after max attempts"))
	if err != nil {
		return nil, fmt.Errorf("creating publisher.dead_lettered: %w", err)
	}
	m.OutboxBacklog, err = meter.Int64Gauge("core.publisher.outbox_backlog", metric.WithDescription("Pending outbox entries at last poll"))
	if err != nil {
		return nil, fmt.Errorf("creating publisher.outbox_backlog: %w", err)
	}

	m.InstancesRegistered, err = meter.Int64Counter("core.registry.instances_registered", metric.WithDescription("Total RegisterHandlers calls"))
	if err != nil {
		return nil, fmt.Errorf("creating registry.instances_registered: %w", err)
	}
	m.Heartbeats, err = meter.Int64Counter("core.health.heartbeats", metric.WithDescription("Total heartbeats received"))
	if err != nil {
		return nil, fmt.Errorf("creating health.heartbeats: %w", err)
	}
	m.InstancesExpired, err = meter.Int64Counter("core.health.instances_expired", metric.WithDescription("Total instances transitioned to EXPIRED by the scan loop"))
	if err != nil {
		return nil, fmt.Errorf("creating health.instances_expired: %w", err)
	}

	return m, nil
}

// RecordRoute records one Router.Route call.
func (m *Metrics) RecordRoute(ctx context.Context, kind, typeName string, duration time.Duration, err error) {
	attrs := []attribute.KeyValue{attribute.String("kind", kind), attribute.String("type", typeName)}
	m.RouteDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	m.RouteTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	if err != nil {
		m.RouteErrors.Add(ctx, 1, metric.WithAttributes(append(attrs, attribute.String("error", string(coreerr.CodeOf(err))))...))
	}
}

// RecordAppend records one EventStore.Append/AppendBatch call.
func (m *Metrics) RecordAppend(ctx context.Context, aggregateType string, duration time.Duration, eventCount int, conflict bool) {
	attrs := []attribute.KeyValue{attribute.String("aggregate_type", aggregateType)}
	m.AppendDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if conflict {
		m.AppendConflicts.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.EventsAppended.Add(ctx, int64(eventCount), metric.WithAttributes(attrs...))
}

// RecordPublish records one Publisher broker publish attempt.
func (m *Metrics) RecordPublish(ctx context.Context, topic string, duration time.Duration, deadLettered bool) {
	attrs := []attribute.KeyValue{attribute.String("topic", topic)}
	m.PublishLatency.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if deadLettered {
		m.EventsDeadLettered.Add(ctx, 1, metric.WithAttributes(attrs...))
		return
	}
	m.EventsPublished.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordOutboxBacklog records the outbox depth observed at one poll.
func (m *Metrics) RecordOutboxBacklog(ctx context.Context, depth int64) {
	m.OutboxBacklog.Record(ctx, depth)
}

// RecordRegistration records one RegisterHandlers call.
func (m *Metrics) RecordRegistration(ctx context.Context, serviceName string) {
	m.InstancesRegistered.Add(ctx, 1, metric.WithAttributes(attribute.String("service", serviceName)))
}

// RecordHeartbeat records one heartbeat.
func (m *Metrics) RecordHeartbeat(ctx context.Context, state string) {
	m.Heartbeats.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}

// RecordExpiry records one instance transitioning to EXPIRED.
func (m *Metrics) RecordExpiry(ctx context.Context) {
	m.InstancesExpired.Add(ctx, 1)
}
