package supervisor

import (
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/metrics"
	"github.com/cboxdk/worker-autoscaler/internal/ringbuf"
)

// ResponseTimeSamples is the number of response-time samples kept per worker.
const ResponseTimeSamples = 100

// WorkerState is a worker's position in its lifecycle.
type WorkerState string

const (
	WorkerStateSpawning     WorkerState = "spawning"
	WorkerStateOnline       WorkerState = "online"
	WorkerStateShuttingDown WorkerState = "shutting-down"
	WorkerStateExited       WorkerState = "exited"
)

// WorkerMetrics is the last resource report a worker sent.
type WorkerMetrics struct {
	CPU       float64   `json:"cpu"`
	Memory    float64   `json:"memory"`
	Timestamp time.Time `json:"timestamp"`
}

// worker is the registry record for one live process. All fields are
// guarded by the supervisor mutex.
type worker struct {
	id        int
	pid       int
	startTime time.Time
	state     WorkerState
	online    bool

	requestCount  uint64
	errorCount    uint64
	responseTimes *ringbuf.Ring[float64]
	lastMetrics   WorkerMetrics

	// planned is set when the exit is part of a scale-down or shutdown.
	planned bool

	proc Process
	// exited is closed after the record has been removed from the registry.
	exited chan struct{}
}

func newWorker(id int, proc Process, now time.Time) *worker {
	return &worker{
		id:            id,
		pid:           proc.PID(),
		startTime:     now,
		state:         WorkerStateSpawning,
		responseTimes: ringbuf.New[float64](ResponseTimeSamples),
		proc:          proc,
		exited:        make(chan struct{}),
	}
}

func (w *worker) live() bool {
	return w.state == WorkerStateSpawning || w.state == WorkerStateOnline
}

func (w *worker) avgResponseTime() float64 {
	return metrics.Mean(w.responseTimes.Values())
}

// WorkerInfo is a point-in-time copy of a worker record.
type WorkerInfo struct {
	ID              int           `json:"id"`
	PID             int           `json:"pid"`
	State           WorkerState   `json:"state"`
	Online          bool          `json:"online"`
	StartTime       time.Time     `json:"start_time"`
	Uptime          time.Duration `json:"uptime"`
	RequestCount    uint64        `json:"request_count"`
	ErrorCount      uint64        `json:"error_count"`
	AvgResponseTime float64       `json:"avg_response_time_ms"`
	LastMetrics     WorkerMetrics `json:"last_metrics"`
	Planned         bool          `json:"planned"`
}

func (w *worker) info(now time.Time) WorkerInfo {
	return WorkerInfo{
		ID:              w.id,
		PID:             w.pid,
		State:           w.state,
		Online:          w.online,
		StartTime:       w.startTime,
		Uptime:          now.Sub(w.startTime),
		RequestCount:    w.requestCount,
		ErrorCount:      w.errorCount,
		AvgResponseTime: w.avgResponseTime(),
		LastMetrics:     w.lastMetrics,
		Planned:         w.planned,
	}
}
