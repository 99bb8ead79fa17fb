package supervisor

import (
	"fmt"
	"sort"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/autoscaler"
	"github.com/cboxdk/worker-autoscaler/internal/resilience"
	"github.com/cboxdk/worker-autoscaler/internal/types"
)

// Status is a point-in-time snapshot for display and the status API.
type Status struct {
	Running   bool           `json:"running"`
	Workers   []WorkerStatus `json:"workers"`
	Metrics   MetricsStatus  `json:"metrics"`
	Scaling   ScalingStatus  `json:"scaling"`
	History   []HistoryEntry `json:"history"`
	Timestamp time.Time      `json:"timestamp"`
}

// WorkerStatus is the display form of one worker.
type WorkerStatus struct {
	ID              int         `json:"id"`
	PID             int         `json:"pid"`
	State           WorkerState `json:"state"`
	Uptime          string      `json:"uptime"`
	RequestCount    uint64      `json:"request_count"`
	ErrorCount      uint64      `json:"error_count"`
	AvgResponseTime string      `json:"avg_response_time"`
}

// MetricsStatus holds the rolling averages, formatted.
type MetricsStatus struct {
	CPU          string `json:"cpu"`
	Memory       string `json:"memory"`
	ResponseTime string `json:"response_time"`
	RequestRate  string `json:"request_rate"`
	Samples      int    `json:"samples"`
}

// ScalingStatus describes the scaling state machine.
type ScalingStatus struct {
	IsScaling         bool       `json:"is_scaling"`
	LastScaleTime     *time.Time `json:"last_scale_time,omitempty"`
	CooldownRemaining string     `json:"cooldown_remaining"`
	Degraded          bool       `json:"degraded"`
	DegradedReason    string     `json:"degraded_reason,omitempty"`
	SpawnBreaker      string     `json:"spawn_breaker"`
	WorkerCount       int        `json:"worker_count"`
	MinWorkers        int        `json:"min_workers"`
	MaxWorkers        int        `json:"max_workers"`
}

// Status returns the current snapshot including the last few history entries.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()

	workers := make([]WorkerStatus, 0, len(s.workers))
	for _, w := range s.sortedWorkersLocked() {
		workers = append(workers, WorkerStatus{
			ID:              w.id,
			PID:             w.pid,
			State:           w.state,
			Uptime:          now.Sub(w.startTime).Round(time.Second).String(),
			RequestCount:    w.requestCount,
			ErrorCount:      w.errorCount,
			AvgResponseTime: fmt.Sprintf("%.2fms", w.avgResponseTime()),
		})
	}

	avg := s.window.Averages()

	scaling := ScalingStatus{
		IsScaling:         s.isScaling.Load(),
		CooldownRemaining: s.cooldownRemainingLocked(now).Round(time.Second).String(),
		Degraded:          s.degraded.Load(),
		DegradedReason:    s.degradedReason,
		SpawnBreaker:      s.breaker.GetState().String(),
		WorkerCount:       s.liveCountLocked(),
		MinWorkers:        s.cfg.MinWorkers,
		MaxWorkers:        s.cfg.MaxWorkers,
	}
	if !s.lastScaleTime.IsZero() {
		t := s.lastScaleTime
		scaling.LastScaleTime = &t
	}

	return Status{
		Running: s.running,
		Workers: workers,
		Metrics: MetricsStatus{
			CPU:          fmt.Sprintf("%.2f%%", avg.CPU),
			Memory:       fmt.Sprintf("%.2f%%", avg.Memory),
			ResponseTime: fmt.Sprintf("%.2fms", avg.ResponseTime),
			RequestRate:  fmt.Sprintf("%.2f/s", avg.RequestRate),
			Samples:      s.window.Len(),
		},
		Scaling:   scaling,
		History:   s.history.Last(autoscaler.StatusHistoryEntries),
		Timestamp: now,
	}
}

func (s *Supervisor) cooldownRemainingLocked(now time.Time) time.Duration {
	if s.lastScaleTime.IsZero() {
		return 0
	}
	remaining := s.cfg.CooldownPeriod - now.Sub(s.lastScaleTime)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// History returns up to limit of the most recent history entries, oldest
// first. A non-positive limit returns everything retained.
func (s *Supervisor) History(limit int) []HistoryEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit <= 0 {
		return s.history.Values()
	}
	return s.history.Last(limit)
}

// Workers returns a copy of every registry record ordered by ID.
func (s *Supervisor) Workers() []WorkerInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	sorted := s.sortedWorkersLocked()
	infos := make([]WorkerInfo, 0, len(sorted))
	for _, w := range sorted {
		infos = append(infos, w.info(now))
	}
	return infos
}

func (s *Supervisor) sortedWorkersLocked() []*worker {
	sorted := make([]*worker, 0, len(s.workers))
	for _, w := range s.workers {
		sorted = append(sorted, w)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].id < sorted[j].id })
	return sorted
}

// Health reports overall supervisor health and the state of the spawn path.
func (s *Supervisor) Health() types.HealthStatus {
	s.mu.Lock()
	running := s.running
	reason := s.degradedReason
	live := s.liveCountLocked()
	now := s.now()
	s.mu.Unlock()

	spawner := types.HealthStateHealthy
	switch s.breaker.GetState() {
	case resilience.StateHalfOpen:
		spawner = types.HealthStateDegraded
	case resilience.StateOpen:
		spawner = types.HealthStateUnhealthy
	}

	pool := types.HealthStateHealthy
	if live < s.cfg.MinWorkers {
		pool = types.HealthStateDegraded
	}

	overall := types.HealthStateHealthy
	switch {
	case !running:
		overall = types.HealthStateStopping
		reason = "supervisor is not running"
	case s.degraded.Load():
		overall = types.HealthStateDegraded
	}

	return types.HealthStatus{
		Overall: overall,
		Components: map[string]types.HealthState{
			"spawner": spawner,
			"pool":    pool,
		},
		Reason:  reason,
		Updated: now,
	}
}
