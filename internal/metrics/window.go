package metrics

import (
	"time"

	"github.com/montanaflynn/stats"

	"github.com/cboxdk/worker-autoscaler/internal/ringbuf"
)

// WindowSize is the number of samples retained per series.
const WindowSize = 10

// Sample is one aggregation cycle's cluster-wide reading.
type Sample struct {
	CPU          float64 // percent of wall time, approximate
	Memory       float64 // percent of heap obtained from the OS
	ResponseTime float64 // milliseconds
	RequestRate  float64 // requests per second
	Timestamp    time.Time
}

// Averages are the arithmetic means over the retained samples.
type Averages struct {
	CPU          float64
	Memory       float64
	ResponseTime float64
	RequestRate  float64
}

// Window keeps the last WindowSize samples of each series.
// It is not safe for concurrent use; the owner serializes access.
type Window struct {
	cpu          *ringbuf.Ring[float64]
	memory       *ringbuf.Ring[float64]
	responseTime *ringbuf.Ring[float64]
	requestRate  *ringbuf.Ring[float64]
	last         time.Time
}

// NewWindow creates an empty window.
func NewWindow() *Window {
	return &Window{
		cpu:          ringbuf.New[float64](WindowSize),
		memory:       ringbuf.New[float64](WindowSize),
		responseTime: ringbuf.New[float64](WindowSize),
		requestRate:  ringbuf.New[float64](WindowSize),
	}
}

// Push appends s to every series, evicting the oldest value once full.
func (w *Window) Push(s Sample) {
	w.cpu.Push(s.CPU)
	w.memory.Push(s.Memory)
	w.responseTime.Push(s.ResponseTime)
	w.requestRate.Push(s.RequestRate)
	w.last = s.Timestamp
}

// Averages reduces each series to its mean. Empty series average to 0.
func (w *Window) Averages() Averages {
	return Averages{
		CPU:          Mean(w.cpu.Values()),
		Memory:       Mean(w.memory.Values()),
		ResponseTime: Mean(w.responseTime.Values()),
		RequestRate:  Mean(w.requestRate.Values()),
	}
}

// Len returns the number of retained samples.
func (w *Window) Len() int {
	return w.cpu.Len()
}

// LastSampled returns the timestamp of the newest sample.
func (w *Window) LastSampled() time.Time {
	return w.last
}

// Mean returns the arithmetic mean of values, or 0 for an empty slice.
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	m, err := stats.Mean(stats.Float64Data(values))
	if err != nil {
		return 0
	}
	return m
}

// WeightedResponseTime returns the mean over every worker's samples, which
// weights each worker by its sample count. Workers without samples add no
// weight.
func WeightedResponseTime(perWorker [][]float64) float64 {
	var sum float64
	var count int
	for _, samples := range perWorker {
		for _, v := range samples {
			sum += v
		}
		count += len(samples)
	}
	if count == 0 {
		return 0
	}
	return sum / float64(count)
}

// RequestRate converts a request count observed over interval to requests
// per second.
func RequestRate(requests uint64, interval time.Duration) float64 {
	if interval <= 0 {
		return 0
	}
	return float64(requests) / interval.Seconds()
}
