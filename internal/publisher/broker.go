package publisher

import (
	"context"
	"fmt"

	"github.com/nats-io/nats.go"
)

// Broker is the durable topic broker the Publisher emits to. It is kept
// narrow so tests can substitute a fake without standing up NATS.
type Broker interface {
	// Publish delivers payload to topic, deduplicated by msgID (at-least-once
	// semantics: the broker may redeliver, but must not accept the same
	// msgID twice as distinct messages within its dedup window).
	Publish(ctx context.Context, topic, msgID string, payload []byte) error
}

// NATSBroker publishes to a JetStream stream, grounded on
// pkg/nats/eventbus.go's Publish method: subject = topic, nats.MsgId(id)
// provides JetStream's built-in publish-side deduplication.
type NATSBroker struct {
	js         nats.JetStreamContext
	streamName string
}

// NATSBrokerConfig configures the backing JetStream stream.
type NATSBrokerConfig struct {
	StreamName     string
	StreamSubjects []string
}

// NewNATSBroker connects a Broker to nc's JetStream context, creating the
// stream if it doesn't already exist.
func NewNATSBroker(nc *nats.Conn, cfg NATSBrokerConfig) (*NATSBroker, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("jetstream context: %w", err)
	}

	if _, err := js.StreamInfo(cfg.StreamName); err != nil {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:      cfg.StreamName,
			Subjects:  cfg.StreamSubjects,
			Retention: nats.InterestPolicy,
			Storage:   nats.FileStorage,
			Replicas:  1,
		})
		if err != nil {
			return nil, fmt.Errorf("create stream: %w", err)
		}
	}

	return &NATSBroker{js: js, streamName: cfg.StreamName}, nil
}

func (b *NATSBroker) Publish(ctx context.Context, topic, msgID string, payload []byte) error {
	_, err := b.js.Publish(topic, payload, nats.MsgId(msgID), nats.Context(ctx))
	return err
}
