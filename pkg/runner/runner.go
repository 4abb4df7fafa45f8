// Package runner sequences the lifecycle of the process: services start in
// registration order and stop in reverse, so the projection runtime is gone
// before the event store closes underneath it.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Runner starts and stops a fixed set of services.
type Runner struct {
	services        []Service
	logger          *slog.Logger
	startupTimeout  time.Duration
	shutdownTimeout time.Duration
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Runner) { r.logger = logger }
}

// WithStartupTimeout bounds each service's Start call. Default one minute.
func WithStartupTimeout(d time.Duration) Option {
	return func(r *Runner) { r.startupTimeout = d }
}

// WithShutdownTimeout bounds the whole shutdown sequence. Default 30 seconds.
func WithShutdownTimeout(d time.Duration) Option {
	return func(r *Runner) { r.shutdownTimeout = d }
}

// New creates a Runner over the given services.
func New(services []Service, opts ...Option) *Runner {
	r := &Runner{
		services:        services,
		logger:          slog.Default(),
		startupTimeout:  time.Minute,
		shutdownTimeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Run starts every service in order and blocks until the context is
// cancelled, then stops the started services in reverse order. A failed
// start unwinds the services started so far before returning.
func (r *Runner) Run(ctx context.Context) error {
	started, err := r.start(ctx)
	if err != nil {
		if stopErr := r.stop(started); stopErr != nil {
			r.logger.Error("unwind after failed start", "error", stopErr)
		}
		return err
	}
	r.logger.Info("all services started", "count", len(started))

	<-ctx.Done()
	r.logger.Info("shutting down", "timeout", r.shutdownTimeout)
	return r.stop(started)
}

func (r *Runner) start(ctx context.Context) ([]Service, error) {
	var started []Service
	for _, svc := range r.services {
		r.logger.Info("starting service", "service", svc.Name())
		startCtx, cancel := context.WithTimeout(ctx, r.startupTimeout)
		err := svc.Start(startCtx)
		cancel()
		if err != nil {
			r.logger.Error("service failed to start", "service", svc.Name(), "error", err)
			return started, fmt.Errorf("start %s: %w", svc.Name(), err)
		}
		started = append(started, svc)
	}
	return started, nil
}

func (r *Runner) stop(started []Service) error {
	stopCtx, cancel := context.WithTimeout(context.Background(), r.shutdownTimeout)
	defer cancel()

	var errs []error
	for i := len(started) - 1; i >= 0; i-- {
		svc := started[i]
		r.logger.Info("stopping service", "service", svc.Name())
		if err := svc.Stop(stopCtx); err != nil {
			r.logger.Error("service failed to stop", "service", svc.Name(), "error", err)
			errs = append(errs, fmt.Errorf("stop %s: %w", svc.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// HealthCheck asks every HealthChecker service for its health.
func (r *Runner) HealthCheck(ctx context.Context) error {
	for _, svc := range r.services {
		hc, ok := svc.(HealthChecker)
		if !ok {
			continue
		}
		if err := hc.HealthCheck(ctx); err != nil {
			return fmt.Errorf("service %s unhealthy: %w", svc.Name(), err)
		}
	}
	return nil
}
