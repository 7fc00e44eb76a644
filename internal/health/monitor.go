// Package health implements C2: heartbeat ingestion and the periodic scan
// that expires instances whose last heartbeat has fallen outside healthTTL.
//
// Per §9's Open Questions resolution, the unary heartbeat is the
// canonical liveness source. No streaming heartbeat endpoint exists in
// this repository: heartbeats arrive only through the unary SendHeartbeat
// operation.
package health

import (
	"context"
	"log/slog"
	"time"

	"github.com/plaenen/coordinator/internal/domain"
)

// Registry is the subset of registry.Registry the monitor depends on, kept
// as a narrow interface so tests can supply a fake.
type Registry interface {
	UpdateHeartbeat(ctx context.Context, instanceID string, state domain.HealthState, now time.Time) error
	SetState(ctx context.Context, instanceID string, state domain.HealthState) error
	AllInstances(ctx context.Context) ([]domain.Instance, error)
}

// Config holds the tunables named in §6's configuration surface that apply
// to the Health Monitor.
type Config struct {
	HealthTTL         time.Duration // default 90s
	HealthScanInterval time.Duration // default 5s
}

// DefaultConfig returns the spec's stated defaults.
func DefaultConfig() Config {
	return Config{
		HealthTTL:          90 * time.Second,
		HealthScanInterval: 5 * time.Second,
	}
}

// Monitor is the C2 component: it records heartbeats into the Registry and
// runs a periodic scan that transitions stale instances to EXPIRED.
type Monitor struct {
	registry Registry
	cfg      Config
	logger   *slog.Logger
	nowFn    func() time.Time
}

// New builds a Monitor bound to registry with the given config.
func New(registry Registry, cfg Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{registry: registry, cfg: cfg, logger: logger, nowFn: time.Now}
}

// Heartbeat accepts a unary heartbeat: it updates
// lastHeartbeat to the server's wall clock and replaces state, per §4.2's
// "Accepting a heartbeat" rule. clientTimestamp is accepted for
// observability only; the server clock is authoritative.
func (m *Monitor) Heartbeat(ctx context.Context, instanceID string, state domain.HealthState, clientTimestamp time.Time) error {
	now := m.nowFn()
	if err := m.registry.UpdateHeartbeat(ctx, instanceID, state, now); err != nil {
		return err
	}
	m.logger.DebugContext(ctx, "heartbeat accepted",
		slog.String("instance_id", instanceID),
		slog.String("state", string(state)),
		slog.Duration("clock_skew", now.Sub(clientTimestamp)))
	return nil
}

// StreamDisconnected marks instanceId DEGRADED, the state §5 assigns to an
// instance whose streaming heartbeat channel dropped without reconnecting.
// It sets DEGRADED unconditionally, even if a unary heartbeat arrived in the
// meantime; the next accepted heartbeat overwrites the state again. Nothing
// in this repository calls it, since no streaming endpoint exists.
func (m *Monitor) StreamDisconnected(ctx context.Context, instanceID string) error {
	return m.registry.SetState(ctx, instanceID, domain.HealthDegraded)
}

// Name identifies this component as a runner.Service.
func (m *Monitor) Name() string { return "health-monitor" }

// Start runs the periodic expiry scan until ctx is cancelled, satisfying
// runner.Service. One scan interval after an instance's lastHeartbeat
// crosses healthTTL, it is transitioned to EXPIRED (§4.2's guarantee:
// "Expiration is detected within one scan interval of TTL lapse").
func (m *Monitor) Start(ctx context.Context) error {
	go m.scanLoop(ctx)
	return nil
}

// Stop is a no-op: the scan loop exits when ctx (passed to Start) is
// cancelled by the runner.
func (m *Monitor) Stop(ctx context.Context) error { return nil }

func (m *Monitor) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.HealthScanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.scanOnce(ctx)
		}
	}
}

func (m *Monitor) scanOnce(ctx context.Context) {
	instances, err := m.registry.AllInstances(ctx)
	if err != nil {
		m.logger.ErrorContext(ctx, "health scan: failed to list instances", slog.Any("error", err))
		return
	}
	now := m.nowFn()
	for _, inst := range instances {
		if inst.State == domain.HealthExpired || inst.State == domain.HealthStopping {
			continue
		}
		if now.Sub(inst.LastHeartbeat) > m.cfg.HealthTTL {
			if err := m.registry.SetState(ctx, inst.InstanceID, domain.HealthExpired); err != nil {
				m.logger.ErrorContext(ctx, "health scan: failed to expire instance",
					slog.String("instance_id", inst.InstanceID), slog.Any("error", err))
				continue
			}
			m.logger.InfoContext(ctx, "instance expired",
				slog.String("instance_id", inst.InstanceID),
				slog.Time("last_heartbeat", inst.LastHeartbeat))
		}
	}
}
