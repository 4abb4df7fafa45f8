package projection

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/trustplane/trustplane/pkg/eventbus"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/telemetry"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

// Runner drives a set of projections over the event log. Each projection
// catches up per instance: read a batch after the checkpoint, apply every
// event in its own transaction together with the checkpoint advance, and
// repeat until the log is drained. Commit notifications from the event bus
// cut the poll latency; the interval tick is the fallback.
type Runner struct {
	es          eventstore.Store
	checkpoints *CheckpointStore
	projections []Projection
	logger      *slog.Logger
	metrics     *telemetry.Metrics
	now         func() time.Time

	interval    time.Duration
	batchSize   uint64
	maxAttempts int
	stallAfter  time.Duration

	mu        sync.Mutex
	instances map[string]struct{}
	triggers  map[string]chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithInterval sets the fallback poll interval.
func WithInterval(d time.Duration) RunnerOption {
	return func(r *Runner) { r.interval = d }
}

// WithBatchSize bounds how many events one catch-up round reads.
func WithBatchSize(n uint64) RunnerOption {
	return func(r *Runner) { r.batchSize = n }
}

// WithMaxAttempts sets how often a failing event is retried before it is
// parked and the projection moves on.
func WithMaxAttempts(n int) RunnerOption {
	return func(r *Runner) { r.maxAttempts = n }
}

// WithStallAfter sets how long a projection may lag behind the log with no
// progress before Healthy reports it stalled.
func WithStallAfter(d time.Duration) RunnerOption {
	return func(r *Runner) { r.stallAfter = d }
}

// WithRunnerLogger sets the logger.
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = logger }
}

// WithRunnerMetrics enables lag and error instrumentation.
func WithRunnerMetrics(m *telemetry.Metrics) RunnerOption {
	return func(r *Runner) { r.metrics = m }
}

// WithRunnerNowFunc overrides the clock, for tests.
func WithRunnerNowFunc(now func() time.Time) RunnerOption {
	return func(r *Runner) { r.now = now }
}

// NewRunner creates a runner and the projections' tables.
func NewRunner(ctx context.Context, es eventstore.Store, checkpoints *CheckpointStore, projections []Projection, opts ...RunnerOption) (*Runner, error) {
	r := &Runner{
		es:          es,
		checkpoints: checkpoints,
		projections: projections,
		logger:      slog.Default(),
		now:         time.Now,
		interval:    200 * time.Millisecond,
		batchSize:   200,
		maxAttempts: 3,
		stallAfter:  time.Minute,
		instances:   make(map[string]struct{}),
		triggers:    make(map[string]chan struct{}),
		stop:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	for _, p := range projections {
		if err := p.Init(ctx, checkpoints.DB()); err != nil {
			return nil, zerrors.ThrowInternal(err, "PROJ-run-01", "cannot init projection %s", p.Name())
		}
	}
	return r, nil
}

// AddInstance registers an instance with every projection worker. Instances
// seen in bus notifications are registered automatically.
func (r *Runner) AddInstance(instanceID string) {
	if instanceID == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.instances[instanceID]; ok {
		return
	}
	r.instances[instanceID] = struct{}{}
	for _, ch := range r.triggers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (r *Runner) instanceIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.instances))
	for id := range r.instances {
		ids = append(ids, id)
	}
	return ids
}

// Start spawns one worker per projection. It returns immediately; Stop
// blocks until all workers drained their current batch.
func (r *Runner) Start(ctx context.Context) {
	for _, p := range r.projections {
		trigger := make(chan struct{}, 1)
		r.mu.Lock()
		r.triggers[p.Name()] = trigger
		r.mu.Unlock()

		r.wg.Add(1)
		go r.work(ctx, p, trigger)
	}
}

// Listen wires commit notifications from the bus into the workers. The
// subscription also discovers instances the runner has not seen yet.
func (r *Runner) Listen(bus *eventbus.Bus) error {
	return bus.Subscribe("", func(n eventbus.Notification) {
		r.AddInstance(n.InstanceID)
		r.mu.Lock()
		for _, ch := range r.triggers {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
		r.mu.Unlock()
	})
}

// Stop terminates the workers and waits for them.
func (r *Runner) Stop() {
	r.stopOnce.Do(func() { close(r.stop) })
	r.wg.Wait()
}

func (r *Runner) work(ctx context.Context, p Projection, trigger chan struct{}) {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		for _, instanceID := range r.instanceIDs() {
			if err := r.catchUp(ctx, p, instanceID); err != nil {
				r.logger.Error("projection catch-up failed",
					"projection", p.Name(),
					"instance_id", instanceID,
					"error", err)
			}
		}
		select {
		case <-r.stop:
			return
		case <-ctx.Done():
			return
		case <-trigger:
		case <-ticker.C:
		}
	}
}

// Trigger runs one synchronous catch-up round of every projection for one
// instance. Tests and read-your-writes callers use it instead of waiting
// for the workers.
func (r *Runner) Trigger(ctx context.Context, instanceID string) error {
	r.AddInstance(instanceID)
	for _, p := range r.projections {
		if err := r.catchUp(ctx, p, instanceID); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) catchUp(ctx context.Context, p Projection, instanceID string) error {
	cp, err := r.checkpoints.Load(ctx, p.Name(), instanceID)
	if err != nil {
		return err
	}

	for {
		query := eventstore.NewSearchQuery(instanceID).
			After(cp.Position).
			WithLimit(r.batchSize)
		query.AggregateTypes = p.AggregateTypes()

		events, err := r.es.Filter(ctx, query)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			break
		}
		for _, event := range events {
			if err := r.apply(ctx, p, cp, event); err != nil {
				return err
			}
		}
		if uint64(len(events)) < r.batchSize {
			break
		}
	}

	r.recordLag(ctx, p, instanceID, cp)
	return nil
}

// apply reduces one event and advances the checkpoint in the same
// transaction. After maxAttempts failures the event is parked and the
// checkpoint still advances, so one poisoned event cannot stop the stream.
func (r *Runner) apply(ctx context.Context, p Projection, cp *Checkpoint, event *eventstore.Event) error {
	var reduceErr error
	for attempt := 1; attempt <= r.maxAttempts; attempt++ {
		reduceErr = r.applyOnce(ctx, p, cp, event)
		if reduceErr == nil {
			return nil
		}
		r.logger.Warn("projection reduce failed",
			"projection", p.Name(),
			"instance_id", event.InstanceID,
			"event_type", event.EventType,
			"aggregate_id", event.AggregateID,
			"attempt", attempt,
			"error", reduceErr)
	}

	r.metrics.RecordProjection(ctx, p.Name(), event.InstanceID, 0, reduceErr)

	tx, err := r.checkpoints.DB().BeginTx(ctx, nil)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-02", "cannot begin park transaction")
	}
	defer tx.Rollback()

	if err := r.checkpoints.ParkInTx(ctx, tx, p.Name(), event, reduceErr, r.maxAttempts, r.now()); err != nil {
		return err
	}
	r.advance(cp, event)
	if err := r.checkpoints.SaveInTx(ctx, tx, cp); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-03", "cannot commit park transaction")
	}
	r.logger.Error("event parked",
		"projection", p.Name(),
		"instance_id", event.InstanceID,
		"event_type", event.EventType,
		"aggregate_id", event.AggregateID,
		"error", reduceErr)
	return nil
}

func (r *Runner) applyOnce(ctx context.Context, p Projection, cp *Checkpoint, event *eventstore.Event) error {
	tx, err := r.checkpoints.DB().BeginTx(ctx, nil)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-04", "cannot begin reduce transaction")
	}
	defer tx.Rollback()

	if err := p.Reduce(ctx, tx, event); err != nil {
		return err
	}
	next := *cp
	r.advance(&next, event)
	if err := r.checkpoints.SaveInTx(ctx, tx, &next); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-05", "cannot commit reduce transaction")
	}
	*cp = next
	return nil
}

func (r *Runner) advance(cp *Checkpoint, event *eventstore.Event) {
	cp.Position = event.Position
	cp.EventTimestamp = event.CreatedAt
	cp.LastRunAt = r.now()
	cp.Status = StatusRunning
}

func (r *Runner) recordLag(ctx context.Context, p Projection, instanceID string, cp *Checkpoint) {
	latest, err := r.es.LatestPosition(ctx, instanceID)
	if err != nil {
		return
	}
	lag := latest.Commit - cp.Position.Commit
	if lag < 0 {
		lag = 0
	}
	r.metrics.RecordProjection(ctx, p.Name(), instanceID, lag, nil)
}

// Health is the state of one projection for one instance.
type Health struct {
	ProjectionName string
	InstanceID     string
	Position       eventstore.Position
	LatestPosition eventstore.Position
	Lag            int64
	LastRunAt      time.Time
	Stalled        bool
}

// Healthy reports the lag of every projection for the given instance. A
// projection is stalled when it lags behind the log and has not advanced
// within the stall window.
func (r *Runner) Healthy(ctx context.Context, instanceID string) ([]*Health, error) {
	latest, err := r.es.LatestPosition(ctx, instanceID)
	if err != nil {
		return nil, err
	}
	states := make([]*Health, 0, len(r.projections))
	for _, p := range r.projections {
		cp, err := r.checkpoints.Load(ctx, p.Name(), instanceID)
		if err != nil {
			return nil, err
		}
		lag := latest.Commit - cp.Position.Commit
		if lag < 0 {
			lag = 0
		}
		states = append(states, &Health{
			ProjectionName: p.Name(),
			InstanceID:     instanceID,
			Position:       cp.Position,
			LatestPosition: latest,
			Lag:            lag,
			LastRunAt:      cp.LastRunAt,
			Stalled:        lag > 0 && r.now().Sub(cp.LastRunAt) > r.stallAfter,
		})
	}
	return states, nil
}

// Reset truncates one projection's tables for one instance and deletes its
// checkpoint, forcing a rebuild from the start of the log on the next round.
func (r *Runner) Reset(ctx context.Context, projectionName, instanceID string) error {
	var target Projection
	for _, p := range r.projections {
		if p.Name() == projectionName {
			target = p
			break
		}
	}
	if target == nil {
		return zerrors.ThrowNotFound(nil, "PROJ-run-06", "projection %s not registered", projectionName)
	}

	tx, err := r.checkpoints.DB().BeginTx(ctx, nil)
	if err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-07", "cannot begin reset transaction")
	}
	defer tx.Rollback()

	if err := target.Reset(ctx, tx, instanceID); err != nil {
		return err
	}
	if err := r.checkpoints.DeleteInTx(ctx, tx, projectionName, instanceID); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return zerrors.ThrowInternal(err, "PROJ-run-08", "cannot commit reset transaction")
	}
	r.logger.Info("projection reset", "projection", projectionName, "instance_id", instanceID)
	return nil
}
