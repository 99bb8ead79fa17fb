package supervisor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/autoscaler"
	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/ipc"
	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// spawnWorker starts one process, registers it and starts its watcher.
func (s *Supervisor) spawnWorker(ctx context.Context) (*worker, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, autoscaler.ErrNotRunning
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	var proc Process
	err := s.tracer.TraceWorkerOperationFunc(ctx, id, 0, "spawn", func(ctx context.Context) error {
		var spawnErr error
		proc, spawnErr = s.spawner.Spawn(ctx, id)
		return spawnErr
	})
	if err != nil {
		s.logger.Error("Failed to spawn worker", zap.Int("worker_id", id), zap.Error(err))
		return nil, autoscaler.NewScalingError("spawn", id, err)
	}

	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		s.logger.Debug("Supervisor stopped during spawn, killing worker", zap.Int("worker_id", id))
		_ = proc.Kill()
		return nil, autoscaler.ErrNotRunning
	}
	w := newWorker(id, proc, s.now())
	s.workers[id] = w
	s.wg.Add(1)
	s.mu.Unlock()

	go s.watch(w)

	s.logger.Info("Worker spawned", zap.Int("worker_id", id), zap.Int("pid", w.pid))
	s.bus.Publish(event.WorkerCreated{
		ID:        id,
		PID:       w.pid,
		Timestamp: w.startTime,
	})

	return w, nil
}

// scaleUp spawns workers until the live count reaches target. Any spawn
// failure abandons the operation.
func (s *Supervisor) scaleUp(ctx context.Context, target int) error {
	n := min(target-s.LiveCount(), autoscaler.MaxScalingStep)
	for i := 0; i < n; i++ {
		if _, err := s.spawnWorker(ctx); err != nil {
			return err
		}
	}
	return nil
}

// scaleDown gracefully stops the least busy workers until the live count
// reaches target. Ties on request count go to the oldest worker ID.
func (s *Supervisor) scaleDown(ctx context.Context, target int) error {
	s.mu.Lock()
	candidates := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		if w.live() {
			candidates = append(candidates, w)
		}
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].requestCount != candidates[j].requestCount {
			return candidates[i].requestCount < candidates[j].requestCount
		}
		return candidates[i].id < candidates[j].id
	})

	n := min(len(candidates)-target, autoscaler.MaxScalingStep)
	if n < 0 {
		n = 0
	}
	victims := candidates[:n]
	for _, w := range victims {
		w.planned = true
		w.state = WorkerStateShuttingDown
		s.logger.Info("Stopping worker",
			zap.Int("worker_id", w.id),
			zap.Int("pid", w.pid),
			zap.Uint64("request_count", w.requestCount))
	}
	s.mu.Unlock()

	var errs error
	for _, w := range victims {
		errs = multierr.Append(errs, s.stopWorker(ctx, w, s.cfg.ShutdownGrace))
	}
	return errs
}

// stopWorker asks w to shut down and force-kills it when the grace period
// expires or ctx is cancelled. It returns once the exit has been processed.
func (s *Supervisor) stopWorker(ctx context.Context, w *worker, grace time.Duration) error {
	err := s.tracer.TraceWorkerOperationFunc(ctx, w.id, w.pid, "stop", func(ctx context.Context) error {
		if err := w.proc.Send(ipc.ShutdownMsg{}); err != nil {
			s.logger.Warn("Failed to send shutdown, forcing termination",
				zap.Int("worker_id", w.id), zap.Error(err))
			return s.killWorker(w)
		}

		timer := time.NewTimer(grace)
		defer timer.Stop()

		select {
		case <-w.proc.Done():
		case <-timer.C:
			s.logger.Warn("Worker did not exit within grace period, killing",
				zap.Int("worker_id", w.id),
				zap.Duration("grace", grace))
			return s.killWorker(w)
		case <-ctx.Done():
			s.logger.Warn("Stop cancelled, killing worker", zap.Int("worker_id", w.id))
			return s.killWorker(w)
		}
		return s.awaitExit(w)
	})
	if err != nil {
		return autoscaler.NewScalingError("stop", w.id, err)
	}
	return nil
}

func (s *Supervisor) killWorker(w *worker) error {
	if err := w.proc.Kill(); err != nil {
		return err
	}
	return s.awaitExit(w)
}

// awaitExit waits for the watcher to remove w from the registry.
func (s *Supervisor) awaitExit(w *worker) error {
	timer := time.NewTimer(config.DefaultKillWaitTimeout)
	defer timer.Stop()

	select {
	case <-w.exited:
		return nil
	case <-timer.C:
		return fmt.Errorf("worker %d did not exit within %s", w.id, config.DefaultKillWaitTimeout)
	}
}

// watch drains a worker's messages, then processes its exit.
func (s *Supervisor) watch(w *worker) {
	defer s.wg.Done()

	for msg := range w.proc.Messages() {
		s.handleMessage(w, msg)
	}
	<-w.proc.Done()
	s.handleExit(w)
}

func (s *Supervisor) handleMessage(w *worker, msg ipc.Message) {
	switch m := msg.(type) {
	case ipc.OnlineMsg:
		s.mu.Lock()
		wasOnline := w.online
		w.online = true
		if w.state == WorkerStateSpawning {
			w.state = WorkerStateOnline
		}
		s.mu.Unlock()

		if !wasOnline {
			s.logger.Info("Worker online", zap.Int("worker_id", w.id), zap.Int("pid", w.pid))
			s.bus.Publish(event.WorkerOnline{ID: w.id, Timestamp: s.now()})
		}

	case ipc.MetricsMsg:
		s.mu.Lock()
		w.lastMetrics = WorkerMetrics{CPU: m.CPU, Memory: m.Memory, Timestamp: s.now()}
		s.mu.Unlock()

	case ipc.RequestMsg:
		s.mu.Lock()
		w.requestCount++
		s.requestsSinceSample++
		if m.ResponseTime != nil {
			w.responseTimes.Push(*m.ResponseTime)
		}
		s.mu.Unlock()

	case ipc.ErrorMsg:
		s.mu.Lock()
		w.errorCount++
		s.mu.Unlock()
		s.logger.Debug("Worker reported error", zap.Int("worker_id", w.id), zap.String("error", m.Error))

	default:
		s.logger.Debug("Ignoring unexpected message from worker",
			zap.Int("worker_id", w.id),
			zap.String("type", string(msg.Type())))
	}
}

// handleExit removes w from the registry and, for unplanned exits below the
// floor, spawns a replacement immediately regardless of cooldown. The
// replacement is started before worker:exit is published.
func (s *Supervisor) handleExit(w *worker) {
	code, signal := w.proc.ExitStatus()

	s.mu.Lock()
	delete(s.workers, w.id)
	w.state = WorkerStateExited
	planned := w.planned
	running := s.running
	runCtx := s.runCtx
	live := s.liveCountLocked()
	now := s.now()
	uptime := now.Sub(w.startTime)
	s.mu.Unlock()

	fields := []zap.Field{
		zap.Int("worker_id", w.id),
		zap.Int("pid", w.pid),
		zap.Int("code", code),
		zap.String("signal", signal),
		zap.Duration("uptime", uptime),
	}
	if planned {
		s.logger.Info("Worker exited", fields...)
	} else {
		s.logger.Warn("Worker exited unexpectedly", fields...)
	}

	// Subscribers may be slow, so the replacement is spawned before they run.
	if !planned && running && live < s.cfg.MinWorkers {
		s.replaceCrashed(runCtx, w.id)
	}

	s.bus.Publish(event.WorkerExit{
		ID:        w.id,
		PID:       w.pid,
		Code:      code,
		Signal:    signal,
		Planned:   planned,
		Uptime:    uptime,
		Timestamp: now,
	})
	close(w.exited)
}

func (s *Supervisor) replaceCrashed(ctx context.Context, id int) {
	if !s.isScaling.CompareAndSwap(false, true) {
		s.logger.Debug("Scaling in progress, floor check will replace worker", zap.Int("worker_id", id))
		return
	}
	defer s.isScaling.Store(false)

	_ = s.restoreFloor(ctx, fmt.Sprintf("replacing crashed worker %d", id))
}

// restoreFloor spawns one worker through the spawn circuit breaker and
// records a replace entry. It never touches the cooldown. Caller holds isScaling.
func (s *Supervisor) restoreFloor(ctx context.Context, reason string) error {
	before := s.LiveCount()
	err := s.tracer.TraceFloorRestoreFunc(ctx, before, reason, func(ctx context.Context) error {
		return s.breaker.Execute(ctx, func(ctx context.Context) error {
			_, err := s.spawnWorker(ctx)
			return err
		})
	})
	if err != nil {
		s.logger.Warn("Failed to restore worker floor", zap.String("reason", reason), zap.Error(err))
		return err
	}

	cycleID := uuid.NewString()
	s.mu.Lock()
	entry := s.recordLocked(cycleID, autoscaler.ActionReplace, reason)
	s.mu.Unlock()

	s.bus.Publish(event.Scaling{
		CycleID:       cycleID,
		Action:        string(autoscaler.ActionReplace),
		TargetWorkers: entry.WorkerCountAfter,
		Reason:        reason,
		Timestamp:     entry.Timestamp,
	})
	return nil
}
