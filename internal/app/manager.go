package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/api"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"github.com/cboxdk/worker-autoscaler/internal/prometheus"
	"github.com/cboxdk/worker-autoscaler/internal/storage"
	"github.com/cboxdk/worker-autoscaler/internal/supervisor"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// persistTimeout bounds a single storage write triggered from the bus
const persistTimeout = 5 * time.Second

// Options customizes how a Manager is assembled
type Options struct {
	// ConfigPath is recorded in configuration events
	ConfigPath string
	Version    string

	// Spawner and Sampler override the process-backed defaults
	Spawner supervisor.Spawner
	Sampler metrics.Sampler
}

// Manager coordinates all system components
type Manager struct {
	config *config.Config
	opts   Options
	logger *zap.Logger

	bus        *event.Bus
	supervisor *supervisor.Supervisor
	exporter   *prometheus.Exporter // nil when the HTTP server is disabled

	// Persistence, nil when storage is disabled
	store        *storage.SQLiteStorage
	metricsStore types.MetricStore
	eventStorage *storage.EventStorage

	telemetryService *telemetry.Service
	eventEmitter     *telemetry.EventEmitter

	subscriptions []string

	mu        sync.RWMutex
	running   bool
	startTime time.Time
}

// NewManager creates a manager with the default process spawner and sampler
func NewManager(cfg *config.Config, logger *zap.Logger) (*Manager, error) {
	return NewManagerWithOptions(cfg, Options{}, logger)
}

// NewManagerWithOptions creates a new manager instance
func NewManagerWithOptions(cfg *config.Config, opts Options, logger *zap.Logger) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}

	telemetryService, err := telemetry.NewService(cfg.Telemetry, logger.Named("telemetry"))
	if err != nil {
		return nil, fmt.Errorf("failed to create telemetry service: %w", err)
	}

	m := &Manager{
		config:           cfg,
		opts:             opts,
		logger:           logger,
		bus:              event.NewBus(logger.Named("bus")),
		telemetryService: telemetryService,
	}

	// A nil interface, not a typed nil pointer, when storage is off.
	var eventSink telemetry.EventStorage
	if cfg.Storage.Enabled {
		store, err := storage.NewSQLiteStorage(cfg.Storage, logger.Named("storage"))
		if err != nil {
			return nil, fmt.Errorf("failed to create storage: %w", err)
		}
		m.store = store
		m.metricsStore = store
		m.eventStorage = storage.NewEventStorage(store, logger.Named("events"))
		eventSink = m.eventStorage
	}

	m.eventEmitter = telemetry.NewEventEmitter(telemetryService, logger.Named("events"), eventSink)

	spawner := opts.Spawner
	if spawner == nil {
		execSpawner, err := supervisor.NewExecSpawner(cfg.Worker, logger.Named("spawner"))
		if err != nil {
			m.closeStorage()
			return nil, fmt.Errorf("failed to create worker spawner: %w", err)
		}
		spawner = execSpawner
	}

	sampler := opts.Sampler
	if sampler == nil {
		sampler = metrics.NewSystemSampler(logger.Named("metrics"), cfg.Scaling.CPUProbeWindow)
	}

	sup, err := supervisor.New(supervisor.Options{
		Scaling: cfg.Scaling,
		Health:  cfg.Health,
		Spawner: spawner,
		Sampler: sampler,
		Bus:     m.bus,
		Tracer:  telemetryService.GetTraceHelper(),
	}, logger.Named("supervisor"))
	if err != nil {
		m.closeStorage()
		return nil, fmt.Errorf("failed to create supervisor: %w", err)
	}
	m.supervisor = sup

	if cfg.Server.Enabled {
		exporter, err := prometheus.NewExporter(cfg.Server, logger.Named("prometheus"))
		if err != nil {
			m.closeStorage()
			return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
		}

		if m.store != nil {
			exporter.SetAPIComponents(sup, api.Backends{
				History: m.store,
				Events:  m.eventStorage,
				Metrics: m.store,
			}, m.store, opts.Version)
		} else {
			exporter.SetAPIComponents(sup, api.Backends{}, nil, opts.Version)
		}
		exporter.SetWorkerLimits(cfg.Scaling.MinWorkers, cfg.Scaling.MaxWorkers)
		m.exporter = exporter
	}

	return m, nil
}

// Run starts every component and blocks until ctx is cancelled or a
// component fails. Workers are always stopped before Run returns.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("manager is already running")
	}
	m.running = true
	m.startTime = time.Now()
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	m.logger.Info("Starting worker-autoscaler", zap.String("version", m.opts.Version))

	if err := m.performPreflightChecks(); err != nil {
		m.closeStorage()
		return fmt.Errorf("pre-flight checks failed: %w", err)
	}

	if err := m.startBackends(ctx); err != nil {
		return err
	}
	m.subscribe()
	m.emitConfigurationEvent("loaded")

	g, gCtx := errgroup.WithContext(ctx)

	if err := m.supervisor.Start(gCtx); err != nil {
		_ = m.shutdown()
		return fmt.Errorf("failed to start supervisor: %w", err)
	}

	if m.exporter != nil {
		g.Go(func() error {
			return m.exporter.Start(gCtx)
		})
	}

	g.Go(func() error {
		<-gCtx.Done()
		return nil
	})

	m.logger.Info("Manager started successfully",
		zap.Int("workers", m.supervisor.LiveCount()),
		zap.Duration("startup_time", time.Since(m.startTime)))

	err := g.Wait()

	m.logger.Info("Stopping remaining services")
	stopErr := m.shutdown()

	if err != nil && !errors.Is(err, context.Canceled) {
		m.logger.Error("Manager stopped with error", zap.Error(err))
		return multierr.Append(err, stopErr)
	}
	if stopErr != nil {
		m.logger.Warn("Manager stopped with shutdown errors", zap.Error(stopErr))
		return stopErr
	}

	m.logger.Info("Manager stopped gracefully")
	return nil
}

func (m *Manager) startBackends(ctx context.Context) error {
	if m.store != nil {
		m.logger.Info("Starting storage backend")
		if err := m.store.Start(ctx); err != nil {
			m.closeStorage()
			return fmt.Errorf("failed to start storage: %w", err)
		}
	}
	if err := m.telemetryService.Start(ctx); err != nil {
		if m.store != nil {
			_ = m.store.Stop(ctx)
		}
		return fmt.Errorf("failed to start telemetry: %w", err)
	}
	return nil
}

// subscribe attaches the event consumers before the first worker is spawned
func (m *Manager) subscribe() {
	m.subscriptions = append(m.subscriptions, m.eventEmitter.Subscribe(m.bus))
	if m.exporter != nil {
		m.subscriptions = append(m.subscriptions, m.exporter.Subscribe(m.bus))
	}
	if m.store != nil {
		m.subscriptions = append(m.subscriptions, m.bus.SubscribeAll(m.persist))
	}
}

// persist writes sampled metrics and scaling actions to storage
func (m *Manager) persist(ev event.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	switch e := ev.(type) {
	case event.MetricsSampled:
		if err := m.metricsStore.Store(ctx, metrics.ToMetricSet(e)); err != nil {
			m.logger.Error("Failed to store metrics", zap.Error(err))
		}
	case event.Scaling:
		err := m.store.StoreScaling(ctx, storage.ScalingRecord{
			CycleID:          e.CycleID,
			Timestamp:        e.Timestamp,
			Action:           e.Action,
			Reason:           e.Reason,
			WorkerCountAfter: e.TargetWorkers,
		})
		if err != nil {
			m.logger.Error("Failed to store scaling action",
				zap.String("cycle_id", e.CycleID),
				zap.Error(err))
		}
	}
}

// shutdown stops the supervisor first so final worker exits still reach
// storage, then the backends.
func (m *Manager) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), config.DefaultShutdownTimeout+config.DefaultKillWaitTimeout)
	defer cancel()

	var errs error
	if err := m.supervisor.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("supervisor: %w", err))
	}

	for _, id := range m.subscriptions {
		m.bus.Unsubscribe(id)
	}
	m.subscriptions = nil

	if m.store != nil {
		if err := m.store.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("storage: %w", err))
		}
	}
	if err := m.telemetryService.Stop(ctx); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("telemetry: %w", err))
	}
	return errs
}

// closeStorage releases the database when Run never got as far as starting it
func (m *Manager) closeStorage() {
	if m.store == nil {
		return
	}
	if err := m.store.Close(); err != nil {
		m.logger.Warn("Failed to close storage", zap.Error(err))
	}
}

func (m *Manager) emitConfigurationEvent(action string) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	err := m.eventEmitter.EmitConfigurationEvent(ctx, telemetry.ConfigurationEventDetails{
		Action:   action,
		FilePath: m.opts.ConfigPath,
		Settings: map[string]interface{}{
			"min_workers":    m.config.Scaling.MinWorkers,
			"max_workers":    m.config.Scaling.MaxWorkers,
			"check_interval": m.config.Scaling.CheckInterval.String(),
			"cooldown":       m.config.Scaling.CooldownPeriod.String(),
			"storage":        m.config.Storage.Enabled,
			"server":         m.config.Server.Enabled,
		},
	})
	if err != nil {
		m.logger.Warn("Failed to emit configuration event", zap.Error(err))
	}
}

// Health returns the current health status
func (m *Manager) Health() types.HealthStatus {
	m.mu.RLock()
	running := m.running
	m.mu.RUnlock()

	if !running {
		return types.HealthStatus{
			Overall: types.HealthStateStopping,
			Updated: time.Now(),
		}
	}

	return m.supervisor.Health()
}

// Status returns the supervisor snapshot
func (m *Manager) Status() supervisor.Status {
	return m.supervisor.Status()
}

// LogStatus writes a status snapshot to the log and flushes pending spans
func (m *Manager) LogStatus(ctx context.Context) {
	status := m.supervisor.Status()
	health := m.Health()

	online := 0
	for _, w := range status.Workers {
		if w.State == supervisor.WorkerStateOnline {
			online++
		}
	}

	m.logger.Info("Status snapshot",
		zap.Bool("running", status.Running),
		zap.String("health", string(health.Overall)),
		zap.Int("workers", len(status.Workers)),
		zap.Int("online", online),
		zap.String("cpu", status.Metrics.CPU),
		zap.String("memory", status.Metrics.Memory),
		zap.String("response_time", status.Metrics.ResponseTime),
		zap.String("request_rate", status.Metrics.RequestRate),
		zap.Bool("scaling", status.Scaling.IsScaling),
		zap.String("cooldown_remaining", status.Scaling.CooldownRemaining),
		zap.Bool("degraded", status.Scaling.Degraded),
		zap.Int("history", len(status.History)))

	if err := m.telemetryService.Flush(ctx); err != nil {
		m.logger.Warn("Failed to flush telemetry", zap.Error(err))
	}
}

// Bus returns the event bus shared by all components
func (m *Manager) Bus() *event.Bus {
	return m.bus
}

// IsRunning returns true if the manager is currently running
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.running
}

// performPreflightChecks validates ports and paths before anything is spawned
func (m *Manager) performPreflightChecks() error {
	m.logger.Info("Performing pre-flight checks")

	if m.config.Server.Enabled && m.config.Server.BindAddress != "" {
		if err := checkBindAddressAvailable(m.config.Server.BindAddress); err != nil {
			return fmt.Errorf("server bind address %s is not available: %w", m.config.Server.BindAddress, err)
		}
		m.logger.Info("Server bind address available", zap.String("bind_address", m.config.Server.BindAddress))
	}

	if err := m.validateStorageDirectory(); err != nil {
		return fmt.Errorf("storage directory validation failed: %w", err)
	}

	m.logger.Info("All pre-flight checks passed successfully")
	return nil
}

// checkBindAddressAvailable checks if a bind address is available for binding
func checkBindAddressAvailable(bindAddress string) error {
	listener, err := net.Listen("tcp", bindAddress)
	if err != nil {
		return fmt.Errorf("address is already in use or cannot be bound: %w", err)
	}
	return listener.Close()
}

// validateStorageDirectory ensures the database directory is writable
func (m *Manager) validateStorageDirectory() error {
	path := m.config.Storage.DatabasePath
	if !m.config.Storage.Enabled || path == "" || path == ":memory:" {
		return nil
	}

	dbDir := filepath.Dir(path)
	if dbDir == "." || dbDir == "" {
		return nil
	}
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %s: %w", dbDir, err)
	}

	tempFile := filepath.Join(dbDir, ".write_test")
	file, err := os.Create(tempFile)
	if err != nil {
		return fmt.Errorf("database directory is not writable: %s: %w", dbDir, err)
	}
	file.Close()
	os.Remove(tempFile)

	return nil
}
