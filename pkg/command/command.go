// Package command implements the write side: every mutation loads a write
// model folded from the aggregate's events, validates the request against
// it, and appends new events atomically together with their unique
// constraints.
package command

import (
	"context"
	"log/slog"
	"time"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/eventstore"
	"github.com/trustplane/trustplane/pkg/id"
	"github.com/trustplane/trustplane/pkg/secrets"
	"github.com/trustplane/trustplane/pkg/telemetry"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

const (
	defaultPushRetries     = 2
	defaultUserCodeRetries = 3
	defaultAuthCodeTTL     = time.Minute
	defaultDeviceExpiry    = 10 * time.Minute
	defaultDeviceInterval  = 5 * time.Second
)

// Commands is the write-side dispatcher. One method per command.
type Commands struct {
	es        eventstore.Store
	idGen     id.Generator
	encrypter secrets.Encrypter
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	now       func() time.Time

	pushRetries        int
	userCodeRetries    int
	passwordCost       int
	minPasswordEntropy float64
	authCodeTTL        time.Duration
	deviceExpiry       time.Duration
	deviceInterval     time.Duration
	verificationURI    string

	// deviceAuthResolver maps a user code to its device-code aggregate ID,
	// normally backed by the device-auth read model.
	deviceAuthResolver func(ctx context.Context, instanceID, userCode string) (string, error)
}

// Option configures the dispatcher.
type Option func(*Commands)

// WithIDGenerator replaces the aggregate ID generator, used by tests to
// inject fixed IDs.
func WithIDGenerator(gen id.Generator) Option {
	return func(c *Commands) { c.idGen = gen }
}

// WithEncrypter sets the encrypter for IDP and client secrets.
func WithEncrypter(enc secrets.Encrypter) Option {
	return func(c *Commands) { c.encrypter = enc }
}

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Commands) { c.logger = logger }
}

// WithMetrics enables command instrumentation.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Commands) { c.metrics = m }
}

// WithNowFunc replaces the clock, used by tests.
func WithNowFunc(now func() time.Time) Option {
	return func(c *Commands) { c.now = now }
}

// WithPushRetries bounds the automatic retries on concurrency conflicts.
func WithPushRetries(n int) Option {
	return func(c *Commands) { c.pushRetries = n }
}

// WithPasswordCost sets the bcrypt cost for password hashing.
func WithPasswordCost(cost int) Option {
	return func(c *Commands) { c.passwordCost = cost }
}

// WithMinPasswordEntropy sets the entropy floor for new passwords in bits.
func WithMinPasswordEntropy(bits float64) Option {
	return func(c *Commands) { c.minPasswordEntropy = bits }
}

// WithAuthCodeTTL sets the lifetime of authorization codes.
func WithAuthCodeTTL(ttl time.Duration) Option {
	return func(c *Commands) { c.authCodeTTL = ttl }
}

// WithDeviceAuthResolver wires the user-code lookup to a read model. Without
// one, approval commands scan the instance's device-grant events.
func WithDeviceAuthResolver(resolve func(ctx context.Context, instanceID, userCode string) (string, error)) Option {
	return func(c *Commands) { c.deviceAuthResolver = resolve }
}

// WithDeviceAuthDefaults sets the device-grant lifetime, the minimum poll
// interval and the verification URI returned to clients.
func WithDeviceAuthDefaults(expiry, interval time.Duration, verificationURI string) Option {
	return func(c *Commands) {
		c.deviceExpiry = expiry
		c.deviceInterval = interval
		c.verificationURI = verificationURI
	}
}

// New creates the dispatcher on top of an event store.
func New(es eventstore.Store, opts ...Option) *Commands {
	c := &Commands{
		es:                 es,
		idGen:              id.Sortable,
		encrypter:          secrets.NoOp{},
		logger:             slog.Default(),
		now:                time.Now,
		pushRetries:        defaultPushRetries,
		userCodeRetries:    defaultUserCodeRetries,
		passwordCost:       12,
		minPasswordEntropy: 60,
		authCodeTTL:        defaultAuthCodeTTL,
		deviceExpiry:       defaultDeviceExpiry,
		deviceInterval:     defaultDeviceInterval,
		verificationURI:    "https://localhost/device",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// ObjectDetails reports the outcome of a command: the aggregate, the version
// after the write, and the commit position. No-op commands return the state
// the write model observed.
type ObjectDetails struct {
	ID            string
	ResourceOwner string
	Sequence      int64
	Position      eventstore.Position
	ChangedAt     time.Time
}

func detailsFromEvents(events []*eventstore.Event) *ObjectDetails {
	last := events[len(events)-1]
	return &ObjectDetails{
		ID:            last.AggregateID,
		ResourceOwner: last.Owner,
		Sequence:      last.AggregateVersion,
		Position:      last.Position,
		ChangedAt:     last.CreatedAt,
	}
}

func detailsFromModel(m *writeModel) *ObjectDetails {
	return &ObjectDetails{
		ID:            m.AggregateID,
		ResourceOwner: m.ResourceOwner,
		Sequence:      m.Version,
	}
}

// writeModel is the shared base of all per-aggregate folds. It tracks the
// last observed version, which becomes the expected version of the push.
type writeModel struct {
	AggregateID   string
	InstanceID    string
	ResourceOwner string
	Version       int64
}

func (wm *writeModel) track(e *eventstore.Event) {
	wm.AggregateID = e.AggregateID
	wm.InstanceID = e.InstanceID
	wm.Version = e.AggregateVersion
	if wm.ResourceOwner == "" {
		wm.ResourceOwner = e.Owner
	}
}

type reducer interface {
	reduce(*eventstore.Event) error
}

// loadModel folds all events of one aggregate into m.
func (c *Commands) loadModel(ctx context.Context, instanceID string, typ eventstore.AggregateType, aggregateID string, m reducer) error {
	events, err := c.es.Filter(ctx, eventstore.NewSearchQuery(instanceID).Aggregate(typ, aggregateID))
	if err != nil {
		return err
	}
	for _, e := range events {
		if err := m.reduce(e); err != nil {
			return err
		}
	}
	return nil
}

// run wraps one command execution: resolves the call context, retries
// bounded times on optimistic-concurrency conflicts (the attempt reloads
// its write model), and logs outcome and timing.
func (c *Commands) run(ctx context.Context, name string, attempt func(context.Context, authctx.Context) (*ObjectDetails, error)) (details *ObjectDetails, err error) {
	authz, err := authctx.FromContext(ctx)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	eventCount := 0
	defer func() {
		duration := time.Since(start)
		c.metrics.RecordCommand(ctx, name, duration, eventCount, err)
		if err != nil {
			c.logger.ErrorContext(ctx, "command failed",
				slog.String("command", name),
				slog.String("instance_id", authz.InstanceID),
				slog.Int64("duration_ms", duration.Milliseconds()),
				slog.String("error", err.Error()),
			)
			return
		}
		c.logger.InfoContext(ctx, "command executed",
			slog.String("command", name),
			slog.String("instance_id", authz.InstanceID),
			slog.Int64("duration_ms", duration.Milliseconds()),
		)
	}()

	for try := 0; ; try++ {
		details, err = attempt(ctx, authz)
		if err == nil {
			if details != nil && details.Sequence > 0 && !details.Position.IsZero() {
				eventCount = 1
			}
			return details, nil
		}
		if !zerrors.IsAborted(err) || try >= c.pushRetries {
			return nil, err
		}
		c.logger.WarnContext(ctx, "retrying command after concurrency conflict",
			slog.String("command", name),
			slog.Int("attempt", try+1),
		)
	}
}

// push appends the intents and converts the result into details.
func (c *Commands) push(ctx context.Context, authz authctx.Context, intents ...*eventstore.Intent) (*ObjectDetails, error) {
	events, err := c.es.Push(ctx, authz.InstanceID, authz.Creator(), intents...)
	if err != nil {
		return nil, err
	}
	return detailsFromEvents(events), nil
}
