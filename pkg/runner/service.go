package runner

import "context"

// Service is one unit of the process lifecycle: the event store, the
// notification bus, the projection runtime. Start must return once the
// service is ready; Stop must respect the context deadline.
type Service interface {
	Name() string
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
}

// HealthChecker is implemented by services that can report their health.
type HealthChecker interface {
	Service
	HealthCheck(ctx context.Context) error
}

// Func adapts start and stop closures into a Service.
type Func struct {
	ServiceName string
	OnStart     func(ctx context.Context) error
	OnStop      func(ctx context.Context) error
}

func (f Func) Name() string { return f.ServiceName }

func (f Func) Start(ctx context.Context) error {
	if f.OnStart == nil {
		return nil
	}
	return f.OnStart(ctx)
}

func (f Func) Stop(ctx context.Context) error {
	if f.OnStop == nil {
		return nil
	}
	return f.OnStop(ctx)
}
