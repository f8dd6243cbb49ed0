// Package bootstrap wires the configured components together: config,
// logging, telemetry, event bus, storage, policy engine, scheduler,
// monitor, experiment coordinator and change manager.
package bootstrap

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/threshold-rollout-controller/trc/internal/analysis"
	"github.com/threshold-rollout-controller/trc/internal/change"
	"github.com/threshold-rollout-controller/trc/internal/config"
	"github.com/threshold-rollout-controller/trc/internal/eventbus"
	"github.com/threshold-rollout-controller/trc/internal/experiment"
	"github.com/threshold-rollout-controller/trc/internal/logging"
	"github.com/threshold-rollout-controller/trc/internal/monitor"
	"github.com/threshold-rollout-controller/trc/internal/policy"
	"github.com/threshold-rollout-controller/trc/internal/scheduler"
	"github.com/threshold-rollout-controller/trc/internal/stats"
	"github.com/threshold-rollout-controller/trc/internal/storage"
	"github.com/threshold-rollout-controller/trc/internal/telemetry"
)

// Option customizes the bootstrap with external integrations.
type Option func(*Bootstrap)

// WithMetricsSource supplies the production metrics backend. Without
// one, impact assessment and degradation detection are unavailable.
func WithMetricsSource(source analysis.MetricsSource) Option {
	return func(b *Bootstrap) { b.source = source }
}

// WithConfigurationStore supplies the production configuration surface
// threshold changes write to. Defaults to an in-memory store.
func WithConfigurationStore(store change.ConfigurationStore) Option {
	return func(b *Bootstrap) { b.confStore = store }
}

// Bootstrap initializes and owns the core system components.
type Bootstrap struct {
	Config      *config.Config
	Logger      logging.Logger
	Telemetry   *telemetry.Telemetry
	Bus         eventbus.EventBus
	Scheduler   *scheduler.Scheduler
	Policies    *policy.OPAEngine
	Monitor     *monitor.RealTimeMonitor
	Analysis    *analysis.Service
	Coordinator *experiment.Coordinator
	Changes     *change.Manager

	zap       *zap.Logger
	source    analysis.MetricsSource
	confStore change.ConfigurationStore
	ydb       *storage.YDBStore
}

// New creates a bootstrap instance.
func New(opts ...Option) *Bootstrap {
	b := &Bootstrap{}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Initialize loads configuration and constructs every component. No
// background work starts until Start.
func (b *Bootstrap) Initialize(ctx context.Context, configFile string) error {
	cfg, err := b.loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	b.Config = cfg

	logger, err := logging.NewLogger(logging.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
		ErrorPath:  cfg.Logging.ErrorPath,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	b.Logger = logger
	b.zap = logger.(*logging.ZapLogger).Zap()

	logger.Info(ctx, "Configuration loaded",
		zap.String("config_file", configFile),
		zap.String("log_level", cfg.Logging.Level))

	tel, err := telemetry.NewTelemetry(telemetry.TelemetryConfig{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: cfg.Telemetry.ServiceVersion,
		PrometheusPort: cfg.Telemetry.PrometheusPort,
		JaegerEndpoint: cfg.Telemetry.JaegerEndpoint,
		SampleRate:     cfg.Telemetry.SampleRate,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	b.Telemetry = tel

	bus, err := eventbus.NewEventBusFromConfig(&cfg.EventBus, b.zap)
	if err != nil {
		return fmt.Errorf("failed to initialize event bus: %w", err)
	}
	b.Bus = bus

	var experiments storage.ExperimentRepository
	var changes storage.ChangeRepository
	var alerts storage.AlertRepository
	if cfg.Database.ConnectionString != "" {
		ydb, err := storage.NewYDBStore(ctx, cfg.Database.ConnectionString)
		if err != nil {
			return fmt.Errorf("failed to connect to YDB: %w", err)
		}
		if err := ydb.InitializeSchema(ctx); err != nil {
			return fmt.Errorf("failed to initialize YDB schema: %w", err)
		}
		b.ydb = ydb
		experiments, changes, alerts = ydb, ydb, ydb
		logger.Info(ctx, "Using YDB storage")
	} else {
		mem := storage.NewMemoryStore()
		experiments, changes, alerts = mem, mem, mem
		logger.Info(ctx, "Using in-memory storage")
	}

	if b.confStore == nil {
		b.confStore = change.NewMemoryConfigurationStore()
	}

	b.Scheduler = scheduler.New(cfg.Scheduler.MaxConcurrent, b.zap)
	b.Policies = policy.NewOPAEngine()
	if err := policy.RegisterPredefinedGuardrails(ctx, b.Policies); err != nil {
		return fmt.Errorf("failed to register built-in guardrails: %w", err)
	}
	b.Monitor = monitor.NewRealTimeMonitor(cfg.Monitoring, alerts, bus, b.zap)
	b.Analysis = analysis.NewService(b.source, cfg.Analysis, b.zap)

	b.Coordinator = experiment.NewCoordinator(
		cfg.Experiment,
		stats.NewAnalyzer(nil),
		b.source,
		experiments,
		bus,
		b.Monitor,
		b.Scheduler,
		b.zap,
	)

	b.Changes = change.NewManager(
		cfg.Change,
		b.Analysis,
		b.source,
		b.confStore,
		changes,
		alerts,
		bus,
		b.Policies,
		b.Scheduler,
		b.zap,
	)

	if cfg.Telemetry.Enabled {
		if err := b.observeEvents(ctx); err != nil {
			return fmt.Errorf("failed to wire event telemetry: %w", err)
		}
	}

	return nil
}

// Start launches the background components.
func (b *Bootstrap) Start(ctx context.Context) error {
	if b.Logger == nil {
		return fmt.Errorf("bootstrap not initialized")
	}

	if b.Telemetry != nil {
		if err := b.Telemetry.Start(ctx); err != nil {
			return fmt.Errorf("failed to start telemetry: %w", err)
		}
	}

	if err := b.Coordinator.ResumeRunning(ctx); err != nil {
		return fmt.Errorf("failed to resume running experiments: %w", err)
	}
	b.Changes.Start()

	b.Logger.Info(ctx, "All components started")
	return nil
}

// Stop shuts everything down in reverse dependency order.
func (b *Bootstrap) Stop(ctx context.Context) error {
	if b.Logger == nil {
		return nil
	}

	if b.Changes != nil {
		b.Changes.Close()
	}
	if b.Coordinator != nil {
		b.Coordinator.Close()
	}
	if b.Scheduler != nil {
		if err := b.Scheduler.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to stop scheduler", zap.Error(err))
		}
	}
	if b.Bus != nil {
		if err := b.Bus.Close(); err != nil {
			b.Logger.Error(ctx, "Failed to close event bus", zap.Error(err))
		}
	}
	if b.ydb != nil {
		if err := b.ydb.Close(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to close YDB", zap.Error(err))
		}
	}
	if b.Telemetry != nil {
		if err := b.Telemetry.Stop(ctx); err != nil {
			b.Logger.Error(ctx, "Failed to stop telemetry", zap.Error(err))
		}
	}

	b.Logger.Info(ctx, "All components stopped")
	// Sync against stdout commonly fails, ignore it.
	_ = b.Logger.Sync()
	return nil
}

// observeEvents counts every lifecycle event into telemetry.
func (b *Bootstrap) observeEvents(ctx context.Context) error {
	return b.Bus.SubscribeToPattern(ctx, ">", eventbus.EventHandlerFunc(
		func(ctx context.Context, event *eventbus.Event) error {
			return b.Telemetry.RecordLifecycleEvent(ctx, string(event.Type))
		}))
}

func (b *Bootstrap) loadConfig(configFile string) (*config.Config, error) {
	if configFile != "" {
		return config.LoadFromFile(configFile)
	}
	return config.Load()
}
