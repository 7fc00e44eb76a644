// Package publisher implements C5: it drains PENDING OutboxEntries and
// publishes them to the durable topic broker with at-least-once semantics,
// enforcing strict per-aggregate (partitionKey) ordering and exponential
// backoff capped at a configurable ceiling before dead-lettering.
package publisher

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plaenen/coordinator/internal/domain"
)

// Store is the narrow subset of eventstore.EventStore the Publisher needs.
type Store interface {
	PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error)
	EventByGlobalID(ctx context.Context, globalID int64) (domain.Event, error)
	MarkPublished(ctx context.Context, globalID int64) error
	MarkFailedAttempt(ctx context.Context, globalID int64, lastError string, maxAttempts int) error
}

// Config holds the §6 configuration keys relevant to the Publisher.
type Config struct {
	PollInterval    time.Duration
	BatchSize       int
	MaxAttempts     int           // default 10
	BackoffCeiling  time.Duration // default 30s
	InitialBackoff  time.Duration
}

// DefaultConfig returns the spec's stated Publisher defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval:   200 * time.Millisecond,
		BatchSize:      100,
		MaxAttempts:    10,
		BackoffCeiling: 30 * time.Second,
		InitialBackoff: 500 * time.Millisecond,
	}
}

// wireEvent is the JSON shape published to the broker, grounded on
// pkg/nats/eventbus.go's serializeEvent (plain JSON marshal of the event).
type wireEvent struct {
	GlobalID       int64             `json:"globalId"`
	EventID        string            `json:"eventId"`
	AggregateID    string            `json:"aggregateId"`
	AggregateType  string            `json:"aggregateType"`
	SequenceNumber int64             `json:"sequenceNumber"`
	EventType      string            `json:"eventType"`
	Payload        []byte            `json:"payload"`
	Metadata       map[string]string `json:"metadata"`
	Timestamp      time.Time         `json:"timestamp"`
}

func toWireEvent(e domain.Event) wireEvent {
	return wireEvent{
		GlobalID:       e.GlobalID,
		EventID:        e.EventID,
		AggregateID:    e.AggregateID,
		AggregateType:  e.AggregateType,
		SequenceNumber: e.SequenceNumber,
		EventType:      e.EventType,
		Payload:        e.Payload,
		Metadata:       e.Metadata,
		Timestamp:      e.Timestamp,
	}
}

// Publisher is the C5 component.
type Publisher struct {
	store  Store
	broker Broker
	cfg    Config
	logger *slog.Logger

	mu          sync.Mutex
	busy        map[string]bool      // partitionKey -> a worker is currently draining it
	nextAttempt map[string]time.Time // partitionKey -> earliest time to retry its head-of-line entry
	backoffs    map[string]*backoff.ExponentialBackOff

	stop chan struct{}
	done chan struct{}
}

// New builds a Publisher over store/broker.
func New(store Store, broker Broker, cfg Config, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		store:       store,
		broker:      broker,
		cfg:         cfg,
		logger:      logger,
		busy:        make(map[string]bool),
		nextAttempt: make(map[string]time.Time),
		backoffs:    make(map[string]*backoff.ExponentialBackOff),
	}
}

// Name identifies this component as a runner.Service.
func (p *Publisher) Name() string { return "event-publisher" }

// Start begins the outbox drain loop, satisfying runner.Service.
func (p *Publisher) Start(ctx context.Context) error {
	p.stop = make(chan struct{})
	p.done = make(chan struct{})
	go p.loop(ctx)
	return nil
}

// Stop signals the drain loop to exit and waits for it, satisfying
// runner.Service.
func (p *Publisher) Stop(ctx context.Context) error {
	close(p.stop)
	select {
	case <-p.done:
	case <-ctx.Done():
	}
	return nil
}

func (p *Publisher) loop(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stop:
			return
		case <-ticker.C:
			p.drainOnce(ctx)
		}
	}
}

// drainOnce reads up to BatchSize pending entries, groups them by
// partitionKey (already in ascending globalId order from the store), and
// dispatches one sequential worker per partition that is not already busy
// and whose backoff window has elapsed — enforcing "the Publisher enforces
// [ordering] by not advancing past an unacked entry for the same
// partitionKey" (§4.5).
func (p *Publisher) drainOnce(ctx context.Context) {
	entries, err := p.store.PendingOutbox(ctx, p.cfg.BatchSize)
	if err != nil {
		p.logger.ErrorContext(ctx, "publisher: failed to list pending outbox", slog.Any("error", err))
		return
	}
	if len(entries) == 0 {
		return
	}

	byPartition := make(map[string][]domain.OutboxEntry)
	order := make([]string, 0)
	for _, e := range entries {
		if _, ok := byPartition[e.PartitionKey]; !ok {
			order = append(order, e.PartitionKey)
		}
		byPartition[e.PartitionKey] = append(byPartition[e.PartitionKey], e)
	}

	now := time.Now()
	for _, partitionKey := range order {
		p.mu.Lock()
		if p.busy[partitionKey] || now.Before(p.nextAttempt[partitionKey]) {
			p.mu.Unlock()
			continue
		}
		p.busy[partitionKey] = true
		p.mu.Unlock()

		go p.drainPartition(ctx, partitionKey, byPartition[partitionKey])
	}
}

func (p *Publisher) drainPartition(ctx context.Context, partitionKey string, entries []domain.OutboxEntry) {
	defer func() {
		p.mu.Lock()
		p.busy[partitionKey] = false
		p.mu.Unlock()
	}()

	for _, entry := range entries {
		if err := p.publishOne(ctx, entry); err != nil {
			p.scheduleRetry(partitionKey, entry, err)
			return // stop: do not advance past an unacked entry for this partition
		}
		p.clearBackoff(partitionKey)
	}
}

func (p *Publisher) publishOne(ctx context.Context, entry domain.OutboxEntry) error {
	event, err := p.store.EventByGlobalID(ctx, entry.GlobalID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(toWireEvent(event))
	if err != nil {
		return err
	}

	if err := p.broker.Publish(ctx, entry.Topic, entry.EventID, payload); err != nil {
		return err
	}

	if err := p.store.MarkPublished(ctx, entry.GlobalID); err != nil {
		return err
	}

	p.logger.DebugContext(ctx, "event published",
		slog.Int64("global_id", entry.GlobalID),
		slog.String("topic", entry.Topic),
		slog.String("partition_key", entry.PartitionKey))
	return nil
}

func (p *Publisher) scheduleRetry(partitionKey string, entry domain.OutboxEntry, cause error) {
	ctx := context.Background()
	if err := p.store.MarkFailedAttempt(ctx, entry.GlobalID, cause.Error(), p.cfg.MaxAttempts); err != nil {
		p.logger.ErrorContext(ctx, "publisher: failed to record failed attempt", slog.Any("error", err))
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.backoffs[partitionKey]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = p.cfg.InitialBackoff
		b.MaxInterval = p.cfg.BackoffCeiling
		b.MaxElapsedTime = 0 // bounded by MaxAttempts in the outbox row, not elapsed time
		p.backoffs[partitionKey] = b
	}
	delay := b.NextBackOff()
	if delay == backoff.Stop {
		delay = p.cfg.BackoffCeiling
	}
	p.nextAttempt[partitionKey] = time.Now().Add(delay)

	if entry.Attempts+1 >= p.cfg.MaxAttempts {
		p.logger.ErrorContext(ctx, "publisher: entry dead-lettered after max attempts",
			slog.Int64("global_id", entry.GlobalID),
			slog.String("partition_key", partitionKey),
			slog.Any("cause", cause))
		delete(p.backoffs, partitionKey)
		delete(p.nextAttempt, partitionKey)
		return
	}

	p.logger.WarnContext(ctx, "publisher: broker publish failed, retrying with backoff",
		slog.Int64("global_id", entry.GlobalID),
		slog.String("partition_key", partitionKey),
		slog.Duration("delay", delay),
		slog.Any("cause", cause))
}

func (p *Publisher) clearBackoff(partitionKey string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.backoffs, partitionKey)
	delete(p.nextAttempt, partitionKey)
}
