package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/event"
	"github.com/cboxdk/worker-autoscaler/internal/types"
	"go.uber.org/zap/zaptest"
)

func TestSystemSamplerSample(t *testing.T) {
	sampler := NewSystemSampler(zaptest.NewLogger(t), time.Millisecond)
	fixed := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sampler.now = func() time.Time { return fixed }
	sampler.memory = &MemoryTracker{read: func() HeapStats { return HeapStats{HeapAlloc: 30, HeapSys: 100} }}

	sample, err := sampler.Sample(context.Background(), Input{
		ResponseTimes: [][]float64{{10, 20}, {30}},
		Requests:      40,
		Interval:      10 * time.Second,
	})
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	if sample.Memory != 30 {
		t.Errorf("Memory = %v, want 30", sample.Memory)
	}
	if sample.ResponseTime != 20 {
		t.Errorf("ResponseTime = %v, want 20", sample.ResponseTime)
	}
	if sample.RequestRate != 4 {
		t.Errorf("RequestRate = %v, want 4", sample.RequestRate)
	}
	if sample.CPU < 0 {
		t.Errorf("CPU = %v, want non-negative", sample.CPU)
	}
	if !sample.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", sample.Timestamp, fixed)
	}
}

func TestSystemSamplerErrors(t *testing.T) {
	tests := []struct {
		name       string
		setup      func(s *SystemSampler)
		ctx        func() context.Context
		wantSource string
	}{
		{
			name: "cpu probe cancelled",
			setup: func(s *SystemSampler) {
				s.cpu = NewCPUTracker(s.logger, time.Hour)
			},
			ctx: func() context.Context {
				ctx, cancel := context.WithCancel(context.Background())
				cancel()
				return ctx
			},
			wantSource: "cpu",
		},
		{
			name: "memory unavailable",
			setup: func(s *SystemSampler) {
				s.memory = &MemoryTracker{read: func() HeapStats { return HeapStats{} }}
			},
			ctx:        context.Background,
			wantSource: "memory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sampler := NewSystemSampler(zaptest.NewLogger(t), time.Millisecond)
			tt.setup(sampler)

			_, err := sampler.Sample(tt.ctx(), Input{Interval: time.Second})
			var merr *MetricsError
			if !errors.As(err, &merr) {
				t.Fatalf("Expected *MetricsError, got %v", err)
			}
			if merr.Source != tt.wantSource {
				t.Errorf("Source = %s, want %s", merr.Source, tt.wantSource)
			}
		})
	}
}

func TestToMetricSet(t *testing.T) {
	ts := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	set := ToMetricSet(event.MetricsSampled{
		CPU: 1, Memory: 2, ResponseTime: 3, RequestRate: 4,
		AvgCPU: 5, AvgMemory: 6, AvgResponseTime: 7, AvgRequestRate: 8,
		Workers: 9, Timestamp: ts,
	})

	if len(set.Metrics) != len(MetricNames) {
		t.Fatalf("Expected %d metrics, got %d", len(MetricNames), len(set.Metrics))
	}
	if set.Labels["source"] != "supervisor" {
		t.Errorf("Unexpected labels %v", set.Labels)
	}

	for i, m := range set.Metrics {
		if m.Name != MetricNames[i] {
			t.Errorf("Metric %d name = %s, want %s", i, m.Name, MetricNames[i])
		}
		if m.Value != float64(i+1) {
			t.Errorf("%s = %v, want %v", m.Name, m.Value, i+1)
		}
		if m.Type != types.MetricTypeGauge {
			t.Errorf("%s type = %s, want gauge", m.Name, m.Type)
		}
		if !m.Timestamp.Equal(ts) {
			t.Errorf("%s timestamp = %v", m.Name, m.Timestamp)
		}
	}
}
