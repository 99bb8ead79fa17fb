package autoscaler

import (
	"fmt"
	"strings"

	"github.com/cboxdk/worker-autoscaler/internal/config"
	"github.com/cboxdk/worker-autoscaler/internal/metrics"
)

// Action is the outcome of a policy evaluation or a lifecycle operation.
type Action string

const (
	ActionNone      Action = "none"
	ActionScaleUp   Action = "scaleUp"
	ActionScaleDown Action = "scaleDown"
	// ActionReplace is recorded for floor-restoring spawns. The policy never
	// returns it.
	ActionReplace Action = "replace"
)

// Decision is the result of Decide.
type Decision struct {
	Action        Action
	TargetWorkers int
	Reason        string
}

// Decide evaluates averaged metrics against the scaling configuration.
//
// Scale-up is checked first and wins whenever any metric is over its trigger,
// so a pool that is hot on one axis and idle on another never shrinks. Both
// directions move the pool by exactly one worker. avg.ResponseTime is in
// milliseconds.
func Decide(avg metrics.Averages, workers int, cfg config.ScalingConfig) Decision {
	cpuUp := cfg.TargetCPU * cfg.ScaleUpThreshold
	memUp := cfg.TargetMemory * cfg.ScaleUpThreshold
	rtUp := cfg.TargetResponseTimeMs()

	var over []string
	if avg.CPU > cpuUp {
		over = append(over, fmt.Sprintf("cpu %.2f%% > %.2f%%", avg.CPU, cpuUp))
	}
	if avg.Memory > memUp {
		over = append(over, fmt.Sprintf("memory %.2f%% > %.2f%%", avg.Memory, memUp))
	}
	if avg.ResponseTime > rtUp {
		over = append(over, fmt.Sprintf("response time %.2fms > %.2fms", avg.ResponseTime, rtUp))
	}

	if len(over) > 0 && workers < cfg.MaxWorkers {
		return Decision{
			Action:        ActionScaleUp,
			TargetWorkers: min(workers+1, cfg.MaxWorkers),
			Reason:        strings.Join(over, ", "),
		}
	}
	if len(over) > 0 {
		return Decision{
			Action:        ActionNone,
			TargetWorkers: workers,
			Reason:        fmt.Sprintf("at max workers (%d): %s", cfg.MaxWorkers, strings.Join(over, ", ")),
		}
	}

	cpuDown := cfg.TargetCPU * cfg.ScaleDownThreshold
	memDown := cfg.TargetMemory * cfg.ScaleDownThreshold
	rtDown := rtUp * ResponseTimeScaleDownFactor

	if avg.CPU < cpuDown && avg.Memory < memDown && avg.ResponseTime < rtDown && workers > cfg.MinWorkers {
		return Decision{
			Action:        ActionScaleDown,
			TargetWorkers: max(workers-1, cfg.MinWorkers),
			Reason: fmt.Sprintf("cpu %.2f%% < %.2f%%, memory %.2f%% < %.2f%%, response time %.2fms < %.2fms",
				avg.CPU, cpuDown, avg.Memory, memDown, avg.ResponseTime, rtDown),
		}
	}

	return Decision{Action: ActionNone, TargetWorkers: workers, Reason: "within thresholds"}
}
