package metrics

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Input is what the supervisor hands the aggregator each cycle.
type Input struct {
	// ResponseTimes holds each live worker's retained response-time samples.
	ResponseTimes [][]float64
	// Requests is the number of requests observed since the previous sample.
	Requests uint64
	// Interval is the configured check interval.
	Interval time.Duration
}

// Sampler turns one cycle's raw worker data into a cluster-wide Sample.
type Sampler interface {
	Sample(ctx context.Context, in Input) (Sample, error)
}

// SystemSampler reads CPU and memory from the running process and derives
// response time and request rate from the worker data it is given.
type SystemSampler struct {
	logger *zap.Logger
	cpu    *CPUTracker
	memory *MemoryTracker
	now    func() time.Time
}

// NewSystemSampler creates a sampler whose CPU probe spans probeWindow.
func NewSystemSampler(logger *zap.Logger, probeWindow time.Duration) *SystemSampler {
	return &SystemSampler{
		logger: logger,
		cpu:    NewCPUTracker(logger.Named("cpu"), probeWindow),
		memory: NewMemoryTracker(),
		now:    time.Now,
	}
}

// Sample blocks for one CPU probe window. Any failure is returned as a
// *MetricsError; callers treat it as a transient skip.
func (s *SystemSampler) Sample(ctx context.Context, in Input) (Sample, error) {
	cpu, err := s.cpu.Probe(ctx)
	if err != nil {
		return Sample{}, &MetricsError{Source: "cpu", Cause: err}
	}

	mem, err := s.memory.Percent()
	if err != nil {
		return Sample{}, &MetricsError{Source: "memory", Cause: err}
	}

	return Sample{
		CPU:          cpu,
		Memory:       mem,
		ResponseTime: WeightedResponseTime(in.ResponseTimes),
		RequestRate:  RequestRate(in.Requests, in.Interval),
		Timestamp:    s.now(),
	}, nil
}

// MetricsError reports a failed reading from one source.
type MetricsError struct {
	Source string
	Cause  error
}

func (e *MetricsError) Error() string {
	return fmt.Sprintf("metrics collection failed for %s: %v", e.Source, e.Cause)
}

func (e *MetricsError) Unwrap() error {
	return e.Cause
}
