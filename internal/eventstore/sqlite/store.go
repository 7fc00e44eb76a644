// Package sqlite implements C4's EventStore contract on modernc.org/sqlite,
// a pure-Go SQLite driver. WAL mode plus the unique (aggregate_id,
// sequence_number) constraint on the events table give the optimistic
// concurrency contract of §4.4 directly: two concurrent inserts with the
// same expectedSequenceNumber race on the same unique key and exactly one
// wins.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/plaenen/coordinator/internal/coreerr"
	"github.com/plaenen/coordinator/internal/domain"
	"github.com/plaenen/coordinator/internal/eventstore"
	"github.com/plaenen/coordinator/internal/idgen"
)

// BrokerTopicStrategy selects how outbox rows are tagged with a topic name,
// per §6's configuration surface.
type BrokerTopicStrategy string

const (
	PerEventType BrokerTopicStrategy = "PER_EVENT_TYPE"
	SingleTopic  BrokerTopicStrategy = "SINGLE_TOPIC"
)

// Config configures Store construction.
type Config struct {
	DSN            string
	MaxOpenConns   int
	MaxIdleConns   int
	WALMode        bool
	AutoMigrate    bool
	TopicStrategy  BrokerTopicStrategy
	SingleTopicName string
}

// Option mutates a Config, following the teacher's functional-options style.
type Option func(*Config)

func defaultConfig() Config {
	return Config{
		DSN:             "file:coordinator.db",
		MaxOpenConns:    1, // WAL + single-writer keeps concurrency control inside the unique-index race, not connection pooling
		MaxIdleConns:    1,
		WALMode:         true,
		AutoMigrate:     true,
		TopicStrategy:   PerEventType,
		SingleTopicName: "events",
	}
}

func WithDSN(dsn string) Option                    { return func(c *Config) { c.DSN = dsn } }
func WithMemoryDatabase() Option                   { return func(c *Config) { c.DSN = "file::memory:?cache=shared" } }
func WithMaxOpenConns(n int) Option                { return func(c *Config) { c.MaxOpenConns = n } }
func WithMaxIdleConns(n int) Option                { return func(c *Config) { c.MaxIdleConns = n } }
func WithWALMode(enabled bool) Option              { return func(c *Config) { c.WALMode = enabled } }
func WithAutoMigrate(enabled bool) Option          { return func(c *Config) { c.AutoMigrate = enabled } }
func WithTopicStrategy(s BrokerTopicStrategy) Option { return func(c *Config) { c.TopicStrategy = s } }

// Store is the sqlite-backed eventstore.EventStore.
type Store struct {
	db  *sql.DB
	cfg Config
}

// New opens (and, unless disabled, migrates) a sqlite-backed Store.
func New(opts ...Option) (*Store, error) {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)

	if cfg.WALMode {
		if err := setWALMode(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	if cfg.AutoMigrate {
		if err := runMigrations(db); err != nil {
			db.Close()
			return nil, err
		}
	}

	return &Store{db: db, cfg: cfg}, nil
}

func setWALMode(db *sql.DB) error {
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) topicFor(eventType string) string {
	if s.cfg.TopicStrategy == SingleTopic {
		return s.cfg.SingleTopicName
	}
	return "events." + eventType
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// Append implements eventstore.EventStore.
func (s *Store) Append(ctx context.Context, aggregateID, aggregateType string, expectedSequenceNumber int64, event eventstore.NewEvent) (domain.Event, error) {
	events, err := s.AppendBatch(ctx, aggregateID, aggregateType, expectedSequenceNumber, []eventstore.NewEvent{event})
	if err != nil {
		return domain.Event{}, err
	}
	return events[0], nil
}

// AppendBatch implements eventstore.EventStore.
func (s *Store) AppendBatch(ctx context.Context, aggregateID, aggregateType string, expectedStartSequence int64, newEvents []eventstore.NewEvent) ([]domain.Event, error) {
	if len(newEvents) == 0 {
		return nil, coreerr.New(coreerr.Invalid, "appendBatch requires at least one event")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageTransient, "begin transaction failed", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	events, err := s.insertEvents(ctx, tx, aggregateID, aggregateType, expectedStartSequence, newEvents, now)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, coreerr.Wrap(coreerr.StorageTransient, "commit failed", err)
	}
	return events, nil
}

// insertEvents does the actual per-event insert work inside an
// already-open transaction, shared by AppendBatch and AppendIdempotent.
func (s *Store) insertEvents(ctx context.Context, tx *sql.Tx, aggregateID, aggregateType string, expectedStartSequence int64, newEvents []eventstore.NewEvent, now time.Time) ([]domain.Event, error) {
	events := make([]domain.Event, 0, len(newEvents))
	for i, ne := range newEvents {
		seq := expectedStartSequence + int64(i)
		eventID := idgen.MustGenerateSortableID()
		metaJSON, err := json.Marshal(ne.Metadata)
		if err != nil {
			return nil, coreerr.Wrap(coreerr.Invalid, "metadata must be JSON-encodable", err)
		}

		res, err := tx.ExecContext(ctx, `
			INSERT INTO events (event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, 1)
		`, eventID, aggregateID, aggregateType, seq, ne.EventType, ne.Payload, string(metaJSON), now.UnixNano())
		if err != nil {
			if isUniqueConstraintErr(err) {
				return nil, coreerr.Wrap(coreerr.Concurrency, fmt.Sprintf("sequence %d already taken for aggregate %s", seq, aggregateID), err)
			}
			return nil, coreerr.Wrap(coreerr.StorageFatal, "insert event failed", err)
		}

		globalID, err := res.LastInsertId()
		if err != nil {
			return nil, coreerr.Wrap(coreerr.StorageFatal, "read global id failed", err)
		}

		if err := s.applyUniqueConstraints(ctx, tx, aggregateID, ne.UniqueConstraints); err != nil {
			return nil, err
		}

		topic := s.topicFor(ne.EventType)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (global_id, event_id, topic, partition_key, status, attempts)
			VALUES (?, ?, ?, ?, 'PENDING', 0)
		`, globalID, eventID, topic, aggregateID); err != nil {
			return nil, coreerr.Wrap(coreerr.StorageFatal, "insert outbox entry failed", err)
		}

		events = append(events, domain.Event{
			GlobalID:       globalID,
			EventID:        eventID,
			AggregateID:    aggregateID,
			AggregateType:  aggregateType,
			SequenceNumber: seq,
			EventType:      ne.EventType,
			Payload:        ne.Payload,
			Metadata:       ne.Metadata,
			Timestamp:      now,
			Version:        1,
		})
	}
	return events, nil
}

func (s *Store) applyUniqueConstraints(ctx context.Context, tx *sql.Tx, aggregateID string, constraints []domain.UniqueConstraint) error {
	for _, c := range constraints {
		switch c.Operation {
		case domain.ConstraintClaim:
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO unique_constraints (index_name, value, owner_aggregate_id) VALUES (?, ?, ?)
			`, c.IndexName, c.Value, aggregateID); err != nil {
				if isUniqueConstraintErr(err) {
					owner, _ := s.constraintOwner(ctx, tx, c.IndexName, c.Value)
					return coreerr.Wrap(coreerr.Concurrency, "unique constraint violated", coreerr.NewUniqueConstraintError(c.IndexName, c.Value, owner))
				}
				return coreerr.Wrap(coreerr.StorageFatal, "claim unique constraint failed", err)
			}
		case domain.ConstraintRelease:
			if _, err := tx.ExecContext(ctx, `
				DELETE FROM unique_constraints WHERE index_name = ? AND value = ? AND owner_aggregate_id = ?
			`, c.IndexName, c.Value, aggregateID); err != nil {
				return coreerr.Wrap(coreerr.StorageFatal, "release unique constraint failed", err)
			}
		default:
			return coreerr.New(coreerr.Invalid, "unknown constraint operation "+string(c.Operation))
		}
	}
	return nil
}

func (s *Store) constraintOwner(ctx context.Context, tx *sql.Tx, indexName, value string) (string, error) {
	var owner string
	err := tx.QueryRowContext(ctx, `
		SELECT owner_aggregate_id FROM unique_constraints WHERE index_name = ? AND value = ?
	`, indexName, value).Scan(&owner)
	return owner, err
}

// AppendIdempotent implements eventstore.EventStore.
func (s *Store) AppendIdempotent(ctx context.Context, commandID string, ttl time.Duration, aggregateID, aggregateType string, expectedSequenceNumber int64, event eventstore.NewEvent) (domain.Event, bool, error) {
	if commandID == "" {
		evt, err := s.Append(ctx, aggregateID, aggregateType, expectedSequenceNumber, event)
		return evt, false, err
	}

	var existingGlobalID int64
	err := s.db.QueryRowContext(ctx, `
		SELECT global_id FROM processed_commands WHERE command_id = ? AND expires_at > ?
	`, commandID, time.Now().UnixNano()).Scan(&existingGlobalID)
	if err == nil {
		evt, loadErr := s.EventByGlobalID(ctx, existingGlobalID)
		if loadErr != nil {
			return domain.Event{}, false, coreerr.Wrap(coreerr.StorageFatal, "failed to load previously processed event", loadErr)
		}
		return evt, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return domain.Event{}, false, coreerr.Wrap(coreerr.StorageTransient, "idempotency lookup failed", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Event{}, false, coreerr.Wrap(coreerr.StorageTransient, "begin transaction failed", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	events, err := s.insertEvents(ctx, tx, aggregateID, aggregateType, expectedSequenceNumber, []eventstore.NewEvent{event}, now)
	if err != nil {
		return domain.Event{}, false, err
	}

	expiresAt := now.Add(ttl).UnixNano()
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO processed_commands (command_id, global_id, processed_at, expires_at) VALUES (?, ?, ?, ?)
	`, commandID, events[0].GlobalID, now.UnixNano(), expiresAt); err != nil {
		return domain.Event{}, false, coreerr.Wrap(coreerr.StorageFatal, "recording processed command failed", err)
	}

	if err := tx.Commit(); err != nil {
		return domain.Event{}, false, coreerr.Wrap(coreerr.StorageTransient, "commit failed", err)
	}
	return events[0], false, nil
}

// EventByGlobalID implements eventstore.EventStore.
func (s *Store) EventByGlobalID(ctx context.Context, globalID int64) (domain.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT global_id, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version
		FROM events WHERE global_id = ?
	`, globalID)
	return scanEvent(row)
}

// Read implements eventstore.EventStore.
func (s *Store) Read(ctx context.Context, aggregateID string, fromSequence int64) ([]domain.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_id, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version
		FROM events WHERE aggregate_id = ? AND sequence_number >= ? ORDER BY sequence_number ASC
	`, aggregateID, fromSequence)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageTransient, "read events failed", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// ReadAll implements eventstore.EventStore.
func (s *Store) ReadAll(ctx context.Context, fromGlobalID int64, filter eventstore.ReadAllFilter, limit int) ([]domain.Event, error) {
	query := strings.Builder{}
	query.WriteString(`
		SELECT global_id, event_id, aggregate_id, aggregate_type, sequence_number, event_type, payload, metadata, timestamp, version
		FROM events WHERE global_id > ?`)
	args := []any{fromGlobalID}

	if filter.AggregateType != "" {
		query.WriteString(" AND aggregate_type = ?")
		args = append(args, filter.AggregateType)
	}
	if filter.EventType != "" {
		query.WriteString(" AND event_type = ?")
		args = append(args, filter.EventType)
	}
	if !filter.Before.IsZero() {
		query.WriteString(" AND timestamp < ?")
		args = append(args, filter.Before.UnixNano())
	}
	query.WriteString(" ORDER BY global_id ASC")
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageTransient, "readAll failed", err)
	}
	defer rows.Close()
	return scanEvents(rows)
}

// AggregateVersion implements eventstore.EventStore.
func (s *Store) AggregateVersion(ctx context.Context, aggregateID string) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(sequence_number) FROM events WHERE aggregate_id = ?
	`, aggregateID).Scan(&seq)
	if err != nil {
		return 0, coreerr.Wrap(coreerr.StorageTransient, "aggregate version lookup failed", err)
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64, nil
}

// SaveSnapshot implements eventstore.EventStore.
func (s *Store) SaveSnapshot(ctx context.Context, snap domain.Snapshot) error {
	version, err := s.AggregateVersion(ctx, snap.AggregateID)
	if err != nil {
		return err
	}
	if snap.SequenceNumber > version {
		return coreerr.New(coreerr.Invalid, "snapshot sequence number exceeds aggregate's current max sequence")
	}

	ts := snap.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO snapshots (aggregate_id, aggregate_type, sequence_number, payload, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(aggregate_id) DO UPDATE SET
			aggregate_type = excluded.aggregate_type,
			sequence_number = excluded.sequence_number,
			payload = excluded.payload,
			timestamp = excluded.timestamp
	`, snap.AggregateID, snap.AggregateType, snap.SequenceNumber, snap.Payload, ts.UnixNano())
	if err != nil {
		return coreerr.Wrap(coreerr.StorageFatal, "save snapshot failed", err)
	}
	return nil
}

// LatestSnapshot implements eventstore.EventStore.
func (s *Store) LatestSnapshot(ctx context.Context, aggregateID string) (domain.Snapshot, bool, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT aggregate_id, aggregate_type, sequence_number, payload, timestamp
		FROM snapshots WHERE aggregate_id = ?
	`, aggregateID)

	var snap domain.Snapshot
	var ts int64
	err := row.Scan(&snap.AggregateID, &snap.AggregateType, &snap.SequenceNumber, &snap.Payload, &ts)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Snapshot{}, false, nil
	}
	if err != nil {
		return domain.Snapshot{}, false, coreerr.Wrap(coreerr.StorageTransient, "latest snapshot lookup failed", err)
	}
	snap.Timestamp = time.Unix(0, ts).UTC()
	return snap, true, nil
}

// PendingOutbox implements eventstore.EventStore.
func (s *Store) PendingOutbox(ctx context.Context, limit int) ([]domain.OutboxEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT global_id, event_id, topic, partition_key, status, attempts, last_error
		FROM outbox WHERE status = 'PENDING' ORDER BY global_id ASC LIMIT ?
	`, limit)
	if err != nil {
		return nil, coreerr.Wrap(coreerr.StorageTransient, "pending outbox query failed", err)
	}
	defer rows.Close()

	var out []domain.OutboxEntry
	for rows.Next() {
		var e domain.OutboxEntry
		var status string
		if err := rows.Scan(&e.GlobalID, &e.EventID, &e.Topic, &e.PartitionKey, &status, &e.Attempts, &e.LastError); err != nil {
			return nil, coreerr.Wrap(coreerr.StorageTransient, "scan outbox row failed", err)
		}
		e.Status = domain.OutboxStatus(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// MarkPublished implements eventstore.EventStore.
func (s *Store) MarkPublished(ctx context.Context, globalID int64) error {
	_, err := s.db.ExecContext(ctx, `UPDATE outbox SET status = 'PUBLISHED' WHERE global_id = ?`, globalID)
	if err != nil {
		return coreerr.Wrap(coreerr.StorageFatal, "mark published failed", err)
	}
	return nil
}

// MarkFailedAttempt implements eventstore.EventStore.
func (s *Store) MarkFailedAttempt(ctx context.Context, globalID int64, lastError string, maxAttempts int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET
			attempts = attempts + 1,
			last_error = ?,
			status = CASE WHEN attempts + 1 >= ? THEN 'FAILED' ELSE status END
		WHERE global_id = ?
	`, lastError, maxAttempts, globalID)
	if err != nil {
		return coreerr.Wrap(coreerr.StorageFatal, "mark failed attempt failed", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return coreerr.New(coreerr.NotFound, "outbox entry not found")
	}
	return nil
}

func scanEvent(row *sql.Row) (domain.Event, error) {
	var e domain.Event
	var metaJSON string
	var ts int64
	if err := row.Scan(&e.GlobalID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.SequenceNumber, &e.EventType, &e.Payload, &metaJSON, &ts, &e.Version); err != nil {
		return domain.Event{}, coreerr.Wrap(coreerr.StorageTransient, "scan event failed", err)
	}
	if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
		return domain.Event{}, coreerr.Wrap(coreerr.Internal, "corrupt event metadata", err)
	}
	e.Timestamp = time.Unix(0, ts).UTC()
	return e, nil
}

func scanEvents(rows *sql.Rows) ([]domain.Event, error) {
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var metaJSON string
		var ts int64
		if err := rows.Scan(&e.GlobalID, &e.EventID, &e.AggregateID, &e.AggregateType, &e.SequenceNumber, &e.EventType, &e.Payload, &metaJSON, &ts, &e.Version); err != nil {
			return nil, coreerr.Wrap(coreerr.StorageTransient, "scan event failed", err)
		}
		if err := json.Unmarshal([]byte(metaJSON), &e.Metadata); err != nil {
			return nil, coreerr.Wrap(coreerr.Internal, "corrupt event metadata", err)
		}
		e.Timestamp = time.Unix(0, ts).UTC()
		out = append(out, e)
	}
	return out, rows.Err()
}

var _ eventstore.EventStore = (*Store)(nil)
