// Package config loads the coordination server's configuration surface
// (§6): NATS connection details, the per-component timing and threshold
// knobs, and the storage/broker backends to wire up.
package config

import (
	"context"
	"fmt"
	"os"
	"time"

	"gocloud.dev/runtimevar"
	_ "gocloud.dev/runtimevar/constantvar"
	_ "gocloud.dev/runtimevar/filevar"
	"gopkg.in/yaml.v3"
)

// BrokerTopicStrategy selects how the Event Publisher maps event types to
// broker topics.
type BrokerTopicStrategy string

const (
	PerEventType BrokerTopicStrategy = "PER_EVENT_TYPE"
	SingleTopic  BrokerTopicStrategy = "SINGLE_TOPIC"
)

// Config is the complete configuration surface for cmd/coordinatord.
type Config struct {
	NATS struct {
		URL string `yaml:"url"`
		// CredsVariable, when set, is a gocloud.dev/runtimevar URL
		// (e.g. "file:///etc/secrets/nats.creds") resolved at startup
		// instead of embedding credentials in this file.
		CredsVariable string `yaml:"credsVariable"`
	} `yaml:"nats"`

	Registry struct {
		Bucket string        `yaml:"bucket"`
		TTL    time.Duration `yaml:"ttl"`
	} `yaml:"registry"`

	Health struct {
		HeartbeatInterval time.Duration `yaml:"heartbeatInterval"` // default 30s
		TTL               time.Duration `yaml:"ttl"`               // default 90s
		ScanInterval      time.Duration `yaml:"scanInterval"`      // default 5s
	} `yaml:"health"`

	Router struct {
		RouteDeadline time.Duration `yaml:"routeDeadline"` // default 5s
	} `yaml:"router"`

	EventStore struct {
		DSN            string              `yaml:"dsn"`
		AppendDeadline time.Duration       `yaml:"appendDeadline"` // default 15s
		TopicStrategy  BrokerTopicStrategy `yaml:"topicStrategy"`
		SingleTopic    string              `yaml:"singleTopicName"`
	} `yaml:"eventStore"`

	Publisher struct {
		PollInterval           time.Duration `yaml:"pollInterval"`
		BatchSize              int           `yaml:"batchSize"`
		MaxAttempts            int           `yaml:"maxAttempts"`            // default 10
		BackoffCeiling         time.Duration `yaml:"backoffCeiling"`         // default 30s
		InitialBackoff         time.Duration `yaml:"initialBackoff"`
		PoisonMessageThreshold int           `yaml:"poisonMessageThreshold"` // default 3
		StreamName             string        `yaml:"streamName"`
	} `yaml:"publisher"`

	RPC struct {
		ServiceName string `yaml:"serviceName"`
		Version     string `yaml:"version"`
		QueueGroup  string `yaml:"queueGroup"`
	} `yaml:"rpc"`
}

// Default returns the spec's stated defaults for every timing and
// threshold knob.
func Default() Config {
	var c Config
	c.NATS.URL = "nats://127.0.0.1:4222"
	c.Registry.Bucket = "coordinator-registry"
	c.Registry.TTL = 120 * time.Second
	c.Health.HeartbeatInterval = 30 * time.Second
	c.Health.TTL = 90 * time.Second
	c.Health.ScanInterval = 5 * time.Second
	c.Router.RouteDeadline = 5 * time.Second
	c.EventStore.DSN = "coordinator.db"
	c.EventStore.AppendDeadline = 15 * time.Second
	c.EventStore.TopicStrategy = PerEventType
	c.Publisher.PollInterval = 200 * time.Millisecond
	c.Publisher.BatchSize = 100
	c.Publisher.MaxAttempts = 10
	c.Publisher.BackoffCeiling = 30 * time.Second
	c.Publisher.InitialBackoff = 500 * time.Millisecond
	c.Publisher.PoisonMessageThreshold = 3
	c.Publisher.StreamName = "CORE_EVENTS"
	c.RPC.ServiceName = "coordinator-core"
	c.RPC.Version = "1.0.0"
	c.RPC.QueueGroup = "coordinator-core"
	return c
}

// Load reads a YAML config file at path, overlaying it on top of Default().
// An empty path returns Default() unchanged.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// ResolveNATSCreds resolves cfg.NATS.CredsVariable (a gocloud.dev/runtimevar
// URL) to the raw credentials file contents, if configured. Only the
// constantvar ("constant://") and filevar ("file://") drivers are linked in;
// other runtimevar schemes fail to open.
func ResolveNATSCreds(ctx context.Context, cfg Config) ([]byte, error) {
	if cfg.NATS.CredsVariable == "" {
		return nil, nil
	}
	v, err := runtimevar.OpenVariable(ctx, cfg.NATS.CredsVariable)
	if err != nil {
		return nil, fmt.Errorf("open nats creds variable: %w", err)
	}
	defer v.Close()

	snap, err := v.Watch(ctx)
	if err != nil {
		return nil, fmt.Errorf("read nats creds variable: %w", err)
	}
	return []byte(snap.Value.(string)), nil
}
