package runner_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trustplane/trustplane/pkg/runner"
)

func discard() runner.Option {
	return runner.WithLogger(slog.New(slog.DiscardHandler))
}

func TestRunStartsInOrderAndStopsInReverse(t *testing.T) {
	var order []string
	svc := func(name string) runner.Service {
		return runner.Func{
			ServiceName: name,
			OnStart: func(context.Context) error {
				order = append(order, "start:"+name)
				return nil
			},
			OnStop: func(context.Context) error {
				order = append(order, "stop:"+name)
				return nil
			},
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := runner.New([]runner.Service{svc("store"), svc("bus"), svc("projections")}, discard())
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, []string{
		"start:store", "start:bus", "start:projections",
		"stop:projections", "stop:bus", "stop:store",
	}, order)
}

func TestFailedStartUnwindsStartedServices(t *testing.T) {
	var stopped []string
	ok := runner.Func{
		ServiceName: "store",
		OnStop: func(context.Context) error {
			stopped = append(stopped, "store")
			return nil
		},
	}
	boom := runner.Func{
		ServiceName: "bus",
		OnStart:     func(context.Context) error { return errors.New("port in use") },
		OnStop: func(context.Context) error {
			stopped = append(stopped, "bus")
			return nil
		},
	}

	r := runner.New([]runner.Service{ok, boom}, discard())
	err := r.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "start bus")

	// only the service that started gets stopped
	assert.Equal(t, []string{"store"}, stopped)
}

func TestStopErrorsAggregate(t *testing.T) {
	bad := func(name string) runner.Service {
		return runner.Func{
			ServiceName: name,
			OnStop:      func(context.Context) error { return errors.New(name + " refused") },
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	r := runner.New([]runner.Service{bad("a"), bad("b")}, discard())
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	err := <-done
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stop a")
	assert.Contains(t, err.Error(), "stop b")
}

type flaky struct {
	runner.Func
	healthy bool
}

func (f flaky) HealthCheck(context.Context) error {
	if !f.healthy {
		return errors.New("lagging")
	}
	return nil
}

func TestHealthCheck(t *testing.T) {
	r := runner.New([]runner.Service{
		runner.Func{ServiceName: "plain"},
		flaky{Func: runner.Func{ServiceName: "projections"}, healthy: true},
	}, discard())
	require.NoError(t, r.HealthCheck(context.Background()))

	r = runner.New([]runner.Service{
		flaky{Func: runner.Func{ServiceName: "projections"}},
	}, discard())
	err := r.HealthCheck(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "projections")
}
