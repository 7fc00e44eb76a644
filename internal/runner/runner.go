// Package runner provides the process lifecycle harness that starts the
// core's components in order and stops them in reverse on shutdown.
package runner

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Service represents a component that can be started and stopped. C2
// (health.Monitor), C5 (publisher.Publisher) and the RPC transport
// (rpc.Server) all implement this.
type Service interface {
	// Name returns a unique identifier for this service, used for logging.
	Name() string

	// Start initializes and starts the service. Must respect context
	// cancellation.
	Start(ctx context.Context) error

	// Stop gracefully shuts down the service within the context deadline.
	Stop(ctx context.Context) error
}

// HealthChecker is an optional interface a Service can implement to report
// its own liveness beyond the C2 instance-health domain concept.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// Logger is the narrow logging interface the runner needs, satisfied by a
// log/slog.Logger through the Adapt helper below.
type Logger interface {
	Info(msg string, keysAndValues ...interface{})
	Error(msg string, keysAndValues ...interface{})
	Debug(msg string, keysAndValues ...interface{})
}

type noopLogger struct{}

func (noopLogger) Info(msg string, keysAndValues ...interface{})  {}
func (noopLogger) Error(msg string, keysAndValues ...interface{}) {}
func (noopLogger) Debug(msg string, keysAndValues ...interface{}) {}

// NewNoopLogger returns a Logger that discards everything.
func NewNoopLogger() Logger { return noopLogger{} }

// Runner manages the lifecycle of multiple services: concurrent-safe
// sequential startup, reverse-order graceful shutdown, error aggregation.
type Runner struct {
	services        []Service
	logger          Logger
	shutdownTimeout time.Duration
	startupTimeout  time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(logger Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithShutdownTimeout bounds how long graceful shutdown may take. Default 30s.
func WithShutdownTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = timeout }
}

// WithStartupTimeout bounds how long each service's Start may take. Default 1m.
func WithStartupTimeout(timeout time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = timeout }
}

// New builds a Runner over services, started in the given order.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          noopLogger{},
		shutdownTimeout: 30 * time.Second,
		startupTimeout:  time.Minute,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts all services in order and blocks until ctx is cancelled or an
// OS shutdown signal arrives, then stops them in reverse order.
func (r *Runner) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		WaitForShutdownSignal()
		r.logger.Info("shutdown signal received")
		cancel()
	}()

	r.logger.Info("starting services", "count", len(r.services))
	started := make([]Service, 0, len(r.services))

	for _, service := range r.services {
		r.logger.Info("starting service", "service", service.Name())

		// The start context outlives Start: services keep it for their
		// background work, and it ends when the run context is cancelled
		// or when Start overruns the startup timeout.
		startCtx, startCancel := context.WithCancel(ctx)
		timer := time.AfterFunc(r.startupTimeout, startCancel)
		err := service.Start(startCtx)
		timer.Stop()

		if err != nil {
			r.logger.Error("failed to start service", "service", service.Name(), "error", err)
			r.stopServices(started)
			return fmt.Errorf("start service %s: %w", service.Name(), err)
		}

		started = append(started, service)
		r.logger.Info("service started", "service", service.Name())
	}

	r.logger.Info("all services started successfully")
	<-ctx.Done()

	r.logger.Info("shutting down services gracefully", "timeout", r.shutdownTimeout)
	return r.stopServices(started)
}

// stopServices stops services in reverse order, one after another, all
// bounded by the runner's shutdown timeout.
func (r *Runner) stopServices(services []Service) error {
	if len(services) == 0 {
		return nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var wg sync.WaitGroup
	errCh := make(chan error, len(services))

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := len(services) - 1; i >= 0; i-- {
			svc := services[i]
			r.logger.Info("stopping service", "service", svc.Name())
			if err := svc.Stop(shutdownCtx); err != nil {
				r.logger.Error("error stopping service", "service", svc.Name(), "error", err)
				errCh <- fmt.Errorf("stop %s: %w", svc.Name(), err)
				continue
			}
			r.logger.Info("service stopped", "service", svc.Name())
		}
	}()

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		close(errCh)
		var errs []error
		for err := range errCh {
			errs = append(errs, err)
		}
		if len(errs) > 0 {
			return fmt.Errorf("shutdown errors: %v", errs)
		}
		r.logger.Info("all services stopped successfully")
		return nil

	case <-shutdownCtx.Done():
		r.logger.Error("shutdown timeout exceeded", "timeout", r.shutdownTimeout)
		return fmt.Errorf("shutdown timeout exceeded")
	}
}

// HealthCheck reports the health of every service implementing HealthChecker.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, service := range r.services {
		if hc, ok := service.(HealthChecker); ok {
			if err := hc.HealthCheck(ctx); err != nil {
				return fmt.Errorf("service %s unhealthy: %w", service.Name(), err)
			}
		}
	}
	return nil
}
