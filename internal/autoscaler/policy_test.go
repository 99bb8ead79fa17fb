package autoscaler

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
)

func testScaling() config.ScalingConfig {
	return config.ScalingConfig{
		MinWorkers:         2,
		MaxWorkers:         5,
		TargetCPU:          70,
		TargetMemory:       80,
		TargetResponseTime: 100 * time.Millisecond,
		ScaleUpThreshold:   0.8,
		ScaleDownThreshold: 0.3,
	}
}

func TestDecide(t *testing.T) {
	tests := []struct {
		name       string
		avg        metrics.Averages
		workers    int
		wantAction Action
		wantTarget int
	}{
		{
			name:       "cpu over trigger scales up",
			avg:        metrics.Averages{CPU: 95, Memory: 10, ResponseTime: 10},
			workers:    2,
			wantAction: ActionScaleUp,
			wantTarget: 3,
		},
		{
			name:       "memory over trigger scales up",
			avg:        metrics.Averages{CPU: 10, Memory: 65, ResponseTime: 10},
			workers:    3,
			wantAction: ActionScaleUp,
			wantTarget: 4,
		},
		{
			name:       "response time over target scales up",
			avg:        metrics.Averages{CPU: 10, Memory: 10, ResponseTime: 101},
			workers:    2,
			wantAction: ActionScaleUp,
			wantTarget: 3,
		},
		{
			name:       "cpu exactly at trigger is not over",
			avg:        metrics.Averages{CPU: 56, Memory: 30, ResponseTime: 60},
			workers:    3,
			wantAction: ActionNone,
			wantTarget: 3,
		},
		{
			name:       "ceiling refuses scale up",
			avg:        metrics.Averages{CPU: 99, Memory: 99, ResponseTime: 500},
			workers:    5,
			wantAction: ActionNone,
			wantTarget: 5,
		},
		{
			name:       "all low scales down",
			avg:        metrics.Averages{CPU: 5, Memory: 5, ResponseTime: 10},
			workers:    4,
			wantAction: ActionScaleDown,
			wantTarget: 3,
		},
		{
			name:       "floor refuses scale down",
			avg:        metrics.Averages{CPU: 5, Memory: 5, ResponseTime: 10},
			workers:    2,
			wantAction: ActionNone,
			wantTarget: 2,
		},
		{
			name:       "response time between half and full target holds",
			avg:        metrics.Averages{CPU: 5, Memory: 5, ResponseTime: 50},
			workers:    4,
			wantAction: ActionNone,
			wantTarget: 4,
		},
		{
			name:       "one metric mid-band holds",
			avg:        metrics.Averages{CPU: 30, Memory: 5, ResponseTime: 10},
			workers:    4,
			wantAction: ActionNone,
			wantTarget: 4,
		},
		{
			name:       "hot cpu with idle memory and latency never shrinks",
			avg:        metrics.Averages{CPU: 90, Memory: 1, ResponseTime: 1},
			workers:    4,
			wantAction: ActionScaleUp,
			wantTarget: 5,
		},
		{
			name:       "empty window holds at floor",
			avg:        metrics.Averages{},
			workers:    2,
			wantAction: ActionNone,
			wantTarget: 2,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Decide(tt.avg, tt.workers, testScaling())
			if d.Action != tt.wantAction {
				t.Errorf("Expected action %s, got %s (%s)", tt.wantAction, d.Action, d.Reason)
			}
			if d.TargetWorkers != tt.wantTarget {
				t.Errorf("Expected target %d, got %d", tt.wantTarget, d.TargetWorkers)
			}
			if d.Reason == "" {
				t.Error("Expected a reason")
			}
		})
	}
}

func TestDecideIsSingleStepAndBounded(t *testing.T) {
	cfg := testScaling()
	levels := []float64{0, 1, 20, 50, 56, 57, 64, 65, 99, 150}

	for workers := cfg.MinWorkers; workers <= cfg.MaxWorkers; workers++ {
		for _, cpu := range levels {
			for _, mem := range levels {
				for _, rt := range levels {
					d := Decide(metrics.Averages{CPU: cpu, Memory: mem, ResponseTime: rt}, workers, cfg)

					delta := d.TargetWorkers - workers
					if delta < -MaxScalingStep || delta > MaxScalingStep {
						t.Fatalf("Step of %d at workers=%d cpu=%v mem=%v rt=%v", delta, workers, cpu, mem, rt)
					}
					if d.TargetWorkers < cfg.MinWorkers || d.TargetWorkers > cfg.MaxWorkers {
						t.Fatalf("Target %d out of bounds", d.TargetWorkers)
					}

					upTriggered := cpu > 56 || mem > 64 || rt > 100
					if upTriggered && d.Action == ActionScaleDown {
						t.Fatalf("Scaled down while a scale-up trigger held: cpu=%v mem=%v rt=%v", cpu, mem, rt)
					}
				}
			}
		}
	}
}

func TestScalingError(t *testing.T) {
	cause := errors.New("fork failed")
	err := NewScalingError("spawn", 7, cause)

	if !errors.Is(err, cause) {
		t.Error("Expected ScalingError to unwrap to its cause")
	}
	want := "scaling error during 'spawn' for worker 7: fork failed"
	if err.Error() != want {
		t.Errorf("Expected %q, got %q", want, err.Error())
	}
}

func TestIsTemporaryError(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&metrics.MetricsError{Source: "cpu", Cause: errors.New("getrusage")}, true},
		{fmt.Errorf("cycle skipped: %w", ErrScalingInProgress), true},
		{ErrCooldownActive, true},
		{NewScalingError("spawn", 0, errors.New("exec failed")), false},
		{ErrInvalidWorkerCount, false},
	}

	for _, tt := range tests {
		if got := IsTemporaryError(tt.err); got != tt.want {
			t.Errorf("IsTemporaryError(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
