// Package supervisor owns the worker pool: the registry of live workers, the
// periodic scaling check, worker lifecycle transitions and crash replacement.
//
// All registry, window and history state sits behind one mutex. The isScaling
// flag is separate so that at most one lifecycle operation (scale-up,
// scale-down or floor restoration) runs at a time without holding the mutex
// while processes start or stop. Events are always published with the mutex
// released.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/autoscaler"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"github.com/cboxdk/worker-autoscaler/internal/resilience"
	"github.com/cboxdk/worker-autoscaler/internal/ringbuf"
	"github.com/cboxdk/worker-autoscaler/internal/telemetry"
	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Options configures a Supervisor. Spawner and Sampler are required.
type Options struct {
	Scaling config.ScalingConfig
	Health  config.HealthConfig
	Spawner Spawner
	Sampler metrics.Sampler

	// Bus receives lifecycle and scaling events. A private bus is created when nil.
	Bus *event.Bus
	// Tracer wraps checks, spawns and stops in spans. Defaults to the global provider.
	Tracer *telemetry.TraceHelper
	// Now is the clock used for cooldowns, uptimes and timestamps.
	Now func() time.Time
}

// HistoryEntry records one completed lifecycle operation.
type HistoryEntry struct {
	CycleID          string            `json:"cycle_id"`
	Timestamp        time.Time         `json:"timestamp"`
	Action           autoscaler.Action `json:"action"`
	Reason           string            `json:"reason"`
	WorkerCountAfter int               `json:"worker_count_after"`
}

// Supervisor manages a pool of worker processes.
type Supervisor struct {
	cfg     config.ScalingConfig
	logger  *zap.Logger
	spawner Spawner
	sampler metrics.Sampler
	bus     *event.Bus
	tracer  *telemetry.TraceHelper
	now     func() time.Time
	breaker *resilience.CircuitBreaker

	mu                  sync.Mutex
	workers             map[int]*worker
	nextID              int
	window              *metrics.Window
	history             *ringbuf.Ring[HistoryEntry]
	lastScaleTime       time.Time
	requestsSinceSample uint64
	degradedReason      string
	running             bool
	runCtx              context.Context
	cancel              context.CancelFunc

	isScaling atomic.Bool
	degraded  atomic.Bool

	// wg tracks the check loop and every worker watcher.
	wg sync.WaitGroup
}

// New creates a stopped supervisor.
func New(opts Options, logger *zap.Logger) (*Supervisor, error) {
	if opts.Spawner == nil {
		return nil, fmt.Errorf("supervisor requires a spawner")
	}
	if opts.Sampler == nil {
		return nil, fmt.Errorf("supervisor requires a metrics sampler")
	}
	cfg := opts.Scaling
	if cfg.MinWorkers <= 0 || cfg.MaxWorkers < cfg.MinWorkers {
		return nil, fmt.Errorf("%w: min=%d max=%d", autoscaler.ErrInvalidWorkerCount, cfg.MinWorkers, cfg.MaxWorkers)
	}
	if cfg.CheckInterval <= 0 {
		return nil, fmt.Errorf("check interval must be positive, got %s", cfg.CheckInterval)
	}

	if opts.Bus == nil {
		opts.Bus = event.NewBus(logger.Named("bus"))
	}
	if opts.Tracer == nil {
		opts.Tracer = telemetry.NewTraceHelper(config.DefaultServiceName)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	s := &Supervisor{
		cfg:     cfg,
		logger:  logger,
		spawner: opts.Spawner,
		sampler: opts.Sampler,
		bus:     opts.Bus,
		tracer:  opts.Tracer,
		now:     opts.Now,
		workers: make(map[int]*worker),
		window:  metrics.NewWindow(),
		history: ringbuf.New[HistoryEntry](autoscaler.HistorySize),
	}

	s.breaker = resilience.NewCircuitBreaker("worker-spawn", resilience.CircuitBreakerConfig{
		FailureThreshold:      opts.Health.SpawnFailureThreshold,
		RecoveryTimeout:       opts.Health.RecoveryTimeout,
		SuccessThreshold:      1,
		MaxConcurrentRequests: 1,
	}, logger)
	s.breaker.SetClock(opts.Now)
	s.breaker.AddStateChangeListener(s.onBreakerStateChange)

	return s, nil
}

// Bus returns the bus the supervisor publishes on.
func (s *Supervisor) Bus() *event.Bus {
	return s.bus
}

// Start spawns the initial pool and starts the check loop. It does not block.
// Initial spawn failures are logged; the floor check retries them.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return autoscaler.ErrAlreadyRunning
	}
	s.running = true
	s.runCtx, s.cancel = context.WithCancel(ctx)
	runCtx := s.runCtx
	s.mu.Unlock()

	s.logger.Info("Starting worker supervisor",
		zap.Int("min_workers", s.cfg.MinWorkers),
		zap.Int("max_workers", s.cfg.MaxWorkers),
		zap.Duration("check_interval", s.cfg.CheckInterval),
		zap.Duration("cooldown", s.cfg.CooldownPeriod))

	g, gctx := errgroup.WithContext(runCtx)
	for i := 0; i < s.cfg.MinWorkers; i++ {
		g.Go(func() error {
			err := s.breaker.Execute(gctx, func(ctx context.Context) error {
				_, err := s.spawnWorker(ctx)
				return err
			})
			if err != nil {
				s.logger.Warn("Initial worker spawn failed", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	s.logger.Info("Initial worker pool started", zap.Int("workers", s.LiveCount()))

	s.wg.Add(1)
	go s.loop(runCtx)

	return nil
}

// Stop kills every worker without grace and waits for their exits to be
// processed. It is safe to call more than once.
func (s *Supervisor) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	victims := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		w.planned = true
		if w.live() {
			w.state = WorkerStateShuttingDown
		}
		victims = append(victims, w)
	}
	s.mu.Unlock()

	s.logger.Info("Stopping worker supervisor", zap.Int("workers", len(victims)))
	cancel()

	var errs error
	for _, w := range victims {
		if err := w.proc.Kill(); err != nil {
			errs = multierr.Append(errs, autoscaler.NewScalingError("kill", w.id, err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(config.DefaultKillWaitTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		errs = multierr.Append(errs, fmt.Errorf("timed out waiting for workers to exit"))
	case <-ctx.Done():
		errs = multierr.Append(errs, ctx.Err())
	}

	if errs != nil {
		s.logger.Error("Worker supervisor stopped with errors", zap.Error(errs))
		return errs
	}
	s.logger.Info("Worker supervisor stopped")
	return nil
}

func (s *Supervisor) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Supervisor) tick(ctx context.Context) {
	s.ensureFloor(ctx)

	if err := s.CheckScaling(ctx); err != nil {
		if autoscaler.IsTemporaryError(err) {
			s.logger.Debug("Scaling check skipped", zap.Error(err))
			return
		}
		s.logger.Warn("Scaling check failed", zap.Error(err))
	}
}

// CheckScaling runs one sample, decide, execute cycle. It returns
// ErrScalingInProgress or ErrCooldownActive when the cycle is skipped, a
// *metrics.MetricsError when sampling failed, and the lifecycle error when the
// decision could not be carried out. In every error case no history entry is
// written and the cooldown is not restarted.
func (s *Supervisor) CheckScaling(ctx context.Context) (err error) {
	ctx, span := s.tracer.StartSpan(ctx, telemetry.TraceScalingCheck)
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Recovered panic in scaling check", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("scaling check panicked: %v", r)
			s.tracer.RecordError(span, err, "scaling check panicked")
		}
	}()

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return autoscaler.ErrNotRunning
	}
	// The request counter is drained every cycle so the rate always covers
	// exactly one check interval.
	requests := s.requestsSinceSample
	s.requestsSinceSample = 0
	inCooldown := !s.lastScaleTime.IsZero() && s.now().Sub(s.lastScaleTime) < s.cfg.CooldownPeriod
	responseTimes := make([][]float64, 0, len(s.workers))
	for _, w := range s.workers {
		if w.live() {
			responseTimes = append(responseTimes, w.responseTimes.Values())
		}
	}
	live := s.liveCountLocked()
	s.mu.Unlock()

	if s.isScaling.Load() {
		return autoscaler.ErrScalingInProgress
	}
	if inCooldown {
		return autoscaler.ErrCooldownActive
	}

	var sample metrics.Sample
	err = s.tracer.TraceMetricsCollectionFunc(ctx, live, func(ctx context.Context) error {
		var sampleErr error
		sample, sampleErr = s.sampler.Sample(ctx, metrics.Input{
			ResponseTimes: responseTimes,
			Requests:      requests,
			Interval:      s.cfg.CheckInterval,
		})
		return sampleErr
	})
	if err != nil {
		var metricsErr *metrics.MetricsError
		if !errors.As(err, &metricsErr) {
			err = &metrics.MetricsError{Source: "sampler", Cause: err}
		}
		return err
	}

	s.mu.Lock()
	s.window.Push(sample)
	avg := s.window.Averages()
	live = s.liveCountLocked()
	s.mu.Unlock()

	s.bus.Publish(event.MetricsSampled{
		CPU:             sample.CPU,
		Memory:          sample.Memory,
		ResponseTime:    sample.ResponseTime,
		RequestRate:     sample.RequestRate,
		AvgCPU:          avg.CPU,
		AvgMemory:       avg.Memory,
		AvgResponseTime: avg.ResponseTime,
		AvgRequestRate:  avg.RequestRate,
		Workers:         live,
		Timestamp:       sample.Timestamp,
	})

	decision := autoscaler.Decide(avg, live, s.cfg)
	if decision.Action == autoscaler.ActionNone {
		s.logger.Debug("No scaling needed",
			zap.Int("workers", live),
			zap.String("reason", decision.Reason))
		return nil
	}

	if !s.isScaling.CompareAndSwap(false, true) {
		return autoscaler.ErrScalingInProgress
	}
	defer s.isScaling.Store(false)

	return s.execute(ctx, decision, live)
}

// execute carries out a scale-up or scale-down decision. Caller holds isScaling.
func (s *Supervisor) execute(ctx context.Context, decision autoscaler.Decision, before int) error {
	cycleID := uuid.NewString()

	s.logger.Info("Scaling decision",
		zap.String("cycle_id", cycleID),
		zap.String("action", string(decision.Action)),
		zap.Int("current_workers", before),
		zap.Int("target_workers", decision.TargetWorkers),
		zap.String("reason", decision.Reason))

	err := s.tracer.TraceScalingDecisionFunc(ctx, cycleID, before, decision.TargetWorkers,
		string(decision.Action), decision.Reason, func(ctx context.Context) error {
			switch decision.Action {
			case autoscaler.ActionScaleUp:
				return s.scaleUp(ctx, decision.TargetWorkers)
			case autoscaler.ActionScaleDown:
				return s.scaleDown(ctx, decision.TargetWorkers)
			default:
				return fmt.Errorf("unexpected scaling action %q", decision.Action)
			}
		})
	if err != nil {
		s.logger.Warn("Scaling operation failed, cycle abandoned",
			zap.String("cycle_id", cycleID),
			zap.String("action", string(decision.Action)),
			zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.lastScaleTime = s.now()
	entry := s.recordLocked(cycleID, decision.Action, decision.Reason)
	s.mu.Unlock()

	s.bus.Publish(event.Scaling{
		CycleID:       cycleID,
		Action:        string(decision.Action),
		TargetWorkers: decision.TargetWorkers,
		Reason:        decision.Reason,
		Timestamp:     entry.Timestamp,
	})

	s.logger.Info("Scaling completed",
		zap.String("cycle_id", cycleID),
		zap.Int("workers", entry.WorkerCountAfter))

	return nil
}

func (s *Supervisor) recordLocked(cycleID string, action autoscaler.Action, reason string) HistoryEntry {
	entry := HistoryEntry{
		CycleID:          cycleID,
		Timestamp:        s.now(),
		Action:           action,
		Reason:           reason,
		WorkerCountAfter: s.liveCountLocked(),
	}
	s.history.Push(entry)
	return entry
}

// ensureFloor spawns workers until the pool is back at MinWorkers. It runs on
// every tick before the cooldown gate.
func (s *Supervisor) ensureFloor(ctx context.Context) {
	s.mu.Lock()
	missing := s.cfg.MinWorkers - s.liveCountLocked()
	running := s.running
	s.mu.Unlock()

	if !running || missing <= 0 {
		return
	}
	if !s.isScaling.CompareAndSwap(false, true) {
		return
	}
	defer s.isScaling.Store(false)

	for i := 0; i < missing; i++ {
		if err := s.restoreFloor(ctx, fmt.Sprintf("below minimum workers (%d)", s.cfg.MinWorkers)); err != nil {
			return
		}
	}
}

// LiveCount returns the number of workers that are spawning or online.
func (s *Supervisor) LiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.liveCountLocked()
}

func (s *Supervisor) liveCountLocked() int {
	n := 0
	for _, w := range s.workers {
		if w.live() {
			n++
		}
	}
	return n
}

// IsDegraded reports whether floor-restoring spawns keep failing.
func (s *Supervisor) IsDegraded() bool {
	return s.degraded.Load()
}

func (s *Supervisor) onBreakerStateChange(_, state resilience.CircuitState, stats resilience.CircuitBreakerStats) {
	switch state {
	case resilience.StateOpen:
		s.setDegraded(true, fmt.Sprintf("worker spawns failing: %s", stats.LastFailure))
	case resilience.StateClosed:
		s.setDegraded(false, "")
	}
}

func (s *Supervisor) setDegraded(degraded bool, reason string) {
	s.mu.Lock()
	s.degradedReason = reason
	s.mu.Unlock()

	if s.degraded.Swap(degraded) == degraded {
		return
	}

	if degraded {
		s.logger.Error("Supervisor health degraded", zap.String("reason", reason))
	} else {
		s.logger.Info("Supervisor health restored")
	}

	s.bus.Publish(event.HealthChanged{
		Degraded:  degraded,
		Reason:    reason,
		Timestamp: s.now(),
	})
}
