// Package autoscaler holds the scaling policy: a pure decision function that
// turns rolling metric averages and the current worker count into a single
// step up, a single step down, or nothing.
//
// The package owns no state. The supervisor feeds it averages, enforces the
// cooldown, and executes the resulting Decision.
package autoscaler

// Policy constants
const (
	// ResponseTimeScaleDownFactor is the fraction of the response-time target
	// below which the pool may shrink. Scale-up triggers at the full target.
	ResponseTimeScaleDownFactor = 0.5

	// MaxScalingStep is the largest change in worker count per decision.
	MaxScalingStep = 1

	// HistorySize is the number of scaling history entries retained.
	HistorySize = 100

	// StatusHistoryEntries is the number of history entries in a status snapshot.
	StatusHistoryEntries = 5
)
