// iamd is the identity backend process: SQLite event store, NATS commit
// notifications, and the projection runtime, sequenced by pkg/runner.
// Request transports are mounted by the deployment in front of the command
// and query layers wired here.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	_ "gocloud.dev/secrets/localsecrets"

	"github.com/trustplane/trustplane/pkg/authctx"
	"github.com/trustplane/trustplane/pkg/command"
	"github.com/trustplane/trustplane/pkg/eventbus"
	"github.com/trustplane/trustplane/pkg/eventstore/sqlite"
	"github.com/trustplane/trustplane/pkg/projection"
	"github.com/trustplane/trustplane/pkg/query"
	"github.com/trustplane/trustplane/pkg/runner"
	"github.com/trustplane/trustplane/pkg/secrets"
	"github.com/trustplane/trustplane/pkg/telemetry"
	"github.com/trustplane/trustplane/pkg/zerrors"
)

type config struct {
	dbPath        string
	natsURL       string
	keeperURL     string
	logLevel      string
	bootstrapID   string
	bootstrapName string
}

func parseFlags() config {
	var cfg config
	flag.StringVar(&cfg.dbPath, "db", envOr("IAMD_DB", "iamd.db"), "SQLite database path")
	flag.StringVar(&cfg.natsURL, "nats", envOr("IAMD_NATS_URL", ""), "NATS server URL, empty runs an embedded server")
	flag.StringVar(&cfg.keeperURL, "secrets-keeper", envOr("IAMD_SECRETS_KEEPER", ""), "gocloud secrets keeper URL, e.g. base64key://..., empty stores secrets unencrypted")
	flag.StringVar(&cfg.logLevel, "log-level", envOr("IAMD_LOG_LEVEL", "info"), "log level: debug, info, warn, error")
	flag.StringVar(&cfg.bootstrapID, "bootstrap-instance", envOr("IAMD_BOOTSTRAP_INSTANCE", ""), "instance ID to set up on first start")
	flag.StringVar(&cfg.bootstrapName, "bootstrap-name", envOr("IAMD_BOOTSTRAP_NAME", ""), "display name for the bootstrapped instance")
	flag.Parse()
	return cfg
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	cfg := parseFlags()
	logger := newLogger(cfg.logLevel)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("iamd exited", "error", err)
		os.Exit(1)
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := runner.SignalContext(context.Background())
	defer stop()

	res := resource.NewSchemaless(attribute.String("service.name", "iamd"))
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewManualReader()),
	)
	defer func() { _ = meterProvider.Shutdown(context.Background()) }()
	metrics, err := telemetry.NewMetrics(meterProvider.Meter("trustplane"))
	if err != nil {
		return fmt.Errorf("init metrics: %w", err)
	}

	// Span exporters are a deployment concern; the provider still propagates
	// context and honors samplers.
	tracerProvider := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	defer func() { _ = tracerProvider.Shutdown(context.Background()) }()
	otel.SetTracerProvider(tracerProvider)

	var encrypter secrets.Encrypter = secrets.NoOp{}
	if cfg.keeperURL != "" {
		keeper, err := secrets.OpenKeeper(ctx, cfg.keeperURL)
		if err != nil {
			return fmt.Errorf("open secrets keeper: %w", err)
		}
		encrypter = keeper
	}
	defer func() { _ = encrypter.Close() }()

	var embedded *eventbus.EmbeddedServer
	natsURL := cfg.natsURL
	if natsURL == "" {
		embedded, err = eventbus.StartEmbeddedServer()
		if err != nil {
			return fmt.Errorf("start embedded NATS: %w", err)
		}
		natsURL = embedded.URL()
		logger.Info("embedded NATS server started", "url", natsURL)
	}
	bus, err := eventbus.Connect(natsURL)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return fmt.Errorf("connect event bus: %w", err)
	}

	store, err := sqlite.New(
		sqlite.WithDSN(cfg.dbPath),
		sqlite.WithWALMode(true),
		sqlite.WithNotifier(bus.Notifier()),
	)
	if err != nil {
		return fmt.Errorf("open event store: %w", err)
	}

	queries := query.New(store.DB())
	cmds := command.New(store,
		command.WithLogger(logger),
		command.WithMetrics(metrics),
		command.WithEncrypter(encrypter),
		command.WithDeviceAuthResolver(func(ctx context.Context, instanceID, userCode string) (string, error) {
			grant, err := queries.DeviceAuthByUserCode(ctx, instanceID, userCode)
			if err != nil {
				return "", err
			}
			return grant.DeviceCode, nil
		}),
	)

	checkpoints, err := projection.NewCheckpointStore(ctx, store.DB())
	if err != nil {
		return fmt.Errorf("init checkpoints: %w", err)
	}
	projections, err := projection.NewRunner(ctx, store, checkpoints, projection.All(),
		projection.WithRunnerLogger(logger),
		projection.WithRunnerMetrics(metrics),
	)
	if err != nil {
		return fmt.Errorf("init projections: %w", err)
	}
	if cfg.bootstrapID != "" {
		projections.AddInstance(cfg.bootstrapID)
	}

	services := []runner.Service{
		runner.Func{
			ServiceName: "eventstore",
			OnStop:      func(context.Context) error { return store.Close() },
		},
		runner.Func{
			ServiceName: "eventbus",
			OnStop: func(context.Context) error {
				err := bus.Close()
				if embedded != nil {
					embedded.Shutdown()
				}
				return err
			},
		},
		runner.Func{
			ServiceName: "projections",
			OnStart: func(startCtx context.Context) error {
				if err := projections.Listen(bus); err != nil {
					return err
				}
				projections.Start(ctx)
				if cfg.bootstrapID != "" {
					return bootstrap(startCtx, cmds, cfg)
				}
				return nil
			},
			OnStop: func(context.Context) error {
				projections.Stop()
				return nil
			},
		},
	}

	return runner.New(services,
		runner.WithLogger(logger),
		runner.WithShutdownTimeout(30*time.Second),
	).Run(ctx)
}

// bootstrap sets up the configured instance on first start. A rerun against
// an existing instance is a no-op.
func bootstrap(ctx context.Context, cmds *command.Commands, cfg config) error {
	name := cfg.bootstrapName
	if name == "" {
		name = cfg.bootstrapID
	}
	ctx = authctx.WithContext(ctx, authctx.Context{InstanceID: cfg.bootstrapID})
	result, err := cmds.SetupInstance(ctx, name, "")
	if zerrors.IsPrecondition(err) {
		return nil
	}
	if err != nil {
		return err
	}
	slog.Info("instance bootstrapped",
		"instance_id", result.InstanceID,
		"default_org_id", result.DefaultOrgID,
	)
	return nil
}
