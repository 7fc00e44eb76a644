// Command coordinatord runs the coordination server core: the Registry,
// Health Monitor, Router, Event Store and Event Publisher, exposed over a
// NATS microservice.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/nats-io/nats.go"

	"github.com/plaenen/coordinator/internal/config"
	"github.com/plaenen/coordinator/internal/eventstore/sqlite"
	"github.com/plaenen/coordinator/internal/health"
	"github.com/plaenen/coordinator/internal/publisher"
	"github.com/plaenen/coordinator/internal/registry"
	"github.com/plaenen/coordinator/internal/router"
	"github.com/plaenen/coordinator/internal/rpc"
	"github.com/plaenen/coordinator/internal/runner"
)

func main() {
	configPath := flag.String("config", "", "path to a YAML configuration file")
	flag.Parse()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	if err := run(*configPath, logger); err != nil {
		logger.Error("coordinatord exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(configPath string, logger *slog.Logger) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()

	natsOpts := []nats.Option{nats.Name("coordinatord")}
	if creds, err := config.ResolveNATSCreds(ctx, cfg); err != nil {
		return fmt.Errorf("resolve nats credentials: %w", err)
	} else if len(creds) > 0 {
		credsFile, err := writeTempCreds(creds)
		if err != nil {
			return fmt.Errorf("stage nats credentials: %w", err)
		}
		defer os.Remove(credsFile)
		natsOpts = append(natsOpts, nats.UserCredentials(credsFile))
	}

	nc, err := nats.Connect(cfg.NATS.URL, natsOpts...)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer nc.Close()

	registryStore, err := registry.NewNATSStore(nc, cfg.Registry.Bucket, cfg.Registry.TTL)
	if err != nil {
		return fmt.Errorf("open registry store: %w", err)
	}
	reg := registry.New(registryStore, cfg.Registry.TTL)

	healthCfg := health.DefaultConfig()
	healthCfg.HealthTTL = cfg.Health.TTL
	healthCfg.HealthScanInterval = cfg.Health.ScanInterval
	monitor := health.New(reg, healthCfg, logger)

	rt := router.New(reg)

	store, err := sqlite.New(
		sqlite.WithDSN(cfg.EventStore.DSN),
		sqlite.WithWALMode(true),
		sqlite.WithAutoMigrate(true),
		sqlite.WithTopicStrategy(sqlite.BrokerTopicStrategy(cfg.EventStore.TopicStrategy)),
	)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}
	defer store.Close()

	broker, err := publisher.NewNATSBroker(nc, publisher.NATSBrokerConfig{
		StreamName:     cfg.Publisher.StreamName,
		StreamSubjects: []string{"events.>"},
	})
	if err != nil {
		return fmt.Errorf("open event broker: %w", err)
	}

	pubCfg := publisher.DefaultConfig()
	pubCfg.PollInterval = cfg.Publisher.PollInterval
	pubCfg.BatchSize = cfg.Publisher.BatchSize
	pubCfg.MaxAttempts = cfg.Publisher.MaxAttempts
	pubCfg.BackoffCeiling = cfg.Publisher.BackoffCeiling
	pubCfg.InitialBackoff = cfg.Publisher.InitialBackoff
	pub := publisher.New(store, broker, pubCfg, logger)

	forwarder := rpc.NewNATSForwarder(nc)

	coreCfg := rpc.DefaultConfig()
	coreCfg.RouteDeadline = cfg.Router.RouteDeadline
	coreCfg.AppendDeadline = cfg.EventStore.AppendDeadline
	coreCfg.PoisonMessageThreshold = cfg.Publisher.PoisonMessageThreshold
	core := rpc.New(reg, monitor, rt, store, forwarder, coreCfg, logger)

	serverCfg := rpc.DefaultServerConfig()
	serverCfg.Name = cfg.RPC.ServiceName
	serverCfg.Version = cfg.RPC.Version
	serverCfg.QueueGroup = cfg.RPC.QueueGroup
	server := rpc.NewServer(nc, core, serverCfg, logger)

	services := []runner.Service{monitor, pub, server}
	r := runner.New(services, runner.WithLogger(runner.Adapt(logger)))
	return r.Run(ctx)
}

func writeTempCreds(data []byte) (string, error) {
	f, err := os.CreateTemp("", "coordinatord-nats-*.creds")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		os.Remove(f.Name())
		return "", err
	}
	return f.Name(), nil
}
