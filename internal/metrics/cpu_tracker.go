package metrics

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultProbeWindow is the wall-clock span a CPU probe measures.
const DefaultProbeWindow = 100 * time.Millisecond

// CPUTracker approximates the supervisor's CPU usage by measuring how much
// process CPU time (user + system) is consumed over a short wall-clock window.
//
// The figure is an approximation: it covers only this process, and a single
// window can over- or under-report on a busy scheduler. It is expressed as a
// percentage of one core and can exceed 100 on multi-threaded bursts.
type CPUTracker struct {
	logger *zap.Logger
	window time.Duration

	// Overridable for tests.
	readCPUTime func() (time.Duration, error)
	now         func() time.Time

	mu       sync.Mutex
	lastCPU  time.Duration
	lastWall time.Time
	lastPct  float64
}

// NewCPUTracker creates a tracker that probes over window. A non-positive
// window falls back to DefaultProbeWindow.
func NewCPUTracker(logger *zap.Logger, window time.Duration) *CPUTracker {
	if window <= 0 {
		window = DefaultProbeWindow
	}
	return &CPUTracker{
		logger:      logger,
		window:      window,
		readCPUTime: processCPUTime,
		now:         time.Now,
	}
}

// Probe waits one probe window and returns the CPU percentage consumed
// during it. It returns early with ctx.Err() when ctx is cancelled.
func (c *CPUTracker) Probe(ctx context.Context) (float64, error) {
	startCPU, err := c.readCPUTime()
	if err != nil {
		return 0, fmt.Errorf("failed to read process CPU time: %w", err)
	}
	startWall := c.now()

	timer := time.NewTimer(c.window)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-timer.C:
	}

	endCPU, err := c.readCPUTime()
	if err != nil {
		return 0, fmt.Errorf("failed to read process CPU time: %w", err)
	}
	endWall := c.now()

	pct, err := cpuPercent(endCPU-startCPU, endWall.Sub(startWall))
	if err != nil {
		return 0, err
	}

	c.mu.Lock()
	c.lastCPU = endCPU
	c.lastWall = endWall
	c.lastPct = pct
	c.mu.Unlock()

	c.logger.Debug("CPU probe completed",
		zap.Duration("cpu_time", endCPU-startCPU),
		zap.Duration("wall_time", endWall.Sub(startWall)),
		zap.Float64("cpu_percent", pct))

	return pct, nil
}

// Last returns the result of the most recent successful probe.
func (c *CPUTracker) Last() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastPct
}

// Window returns the configured probe window.
func (c *CPUTracker) Window() time.Duration {
	return c.window
}

func cpuPercent(cpu, wall time.Duration) (float64, error) {
	if wall <= 0 {
		return 0, fmt.Errorf("invalid wall time delta %v", wall)
	}
	if cpu < 0 {
		return 0, fmt.Errorf("process CPU time went backwards by %v", -cpu)
	}
	pct := float64(cpu) / float64(wall) * 100
	if math.IsNaN(pct) || math.IsInf(pct, 0) {
		return 0, fmt.Errorf("invalid CPU percentage")
	}
	return pct, nil
}

// processCPUTime returns user + system time consumed by this process.
func processCPUTime() (time.Duration, error) {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0, err
	}
	return time.Duration(ru.Utime.Nano()) + time.Duration(ru.Stime.Nano()), nil
}
