package autoscaler

import (
	"errors"
	"fmt"

	"github.com/cboxdk/worker-autoscaler/internal/metrics"
)

var (
	// ErrAlreadyRunning indicates the supervisor is already running.
	ErrAlreadyRunning = errors.New("supervisor is already running")

	// ErrNotRunning indicates the supervisor is not running
	ErrNotRunning = errors.New("supervisor is not running")

	// ErrInvalidWorkerCount indicates a worker count outside [min, max]
	ErrInvalidWorkerCount = errors.New("invalid worker count")

	// ErrScalingInProgress indicates another scale operation holds the guard
	ErrScalingInProgress = errors.New("scaling already in progress")

	// ErrCooldownActive indicates the cooldown since the last action has not elapsed
	ErrCooldownActive = errors.New("cooldown period active")

	// ErrNoWorkers indicates a scale-down found no eligible worker
	ErrNoWorkers = errors.New("no eligible workers")
)

// ScalingError represents an error during a lifecycle operation with context.
type ScalingError struct {
	Operation string // "spawn", "stop", "replace", ...
	WorkerID  int    // 0 when no worker was assigned yet
	Cause     error
}

func (e *ScalingError) Error() string {
	if e.WorkerID == 0 {
		return fmt.Sprintf("scaling error during '%s': %v", e.Operation, e.Cause)
	}
	return fmt.Sprintf("scaling error during '%s' for worker %d: %v", e.Operation, e.WorkerID, e.Cause)
}

func (e *ScalingError) Unwrap() error {
	return e.Cause
}

// NewScalingError creates a new scaling error
func NewScalingError(operation string, workerID int, cause error) *ScalingError {
	return &ScalingError{
		Operation: operation,
		WorkerID:  workerID,
		Cause:     cause,
	}
}

// IsTemporaryError reports whether err should simply be retried on the next
// cycle. Metric collection failures and guard contention are temporary.
func IsTemporaryError(err error) bool {
	var me *metrics.MetricsError
	if errors.As(err, &me) {
		return true
	}
	return errors.Is(err, ErrScalingInProgress) || errors.Is(err, ErrCooldownActive)
}
