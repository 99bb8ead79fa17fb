package resilience

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// CircuitState represents the state of a circuit breaker
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig contains configuration for circuit breaker behavior
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of consecutive failures that opens the circuit
	FailureThreshold int `yaml:"failure_threshold" json:"failure_threshold"`

	// RecoveryTimeout is how long the circuit stays open before a trial call
	RecoveryTimeout time.Duration `yaml:"recovery_timeout" json:"recovery_timeout"`

	// SuccessThreshold is the number of half-open successes required to close the circuit
	SuccessThreshold int `yaml:"success_threshold" json:"success_threshold"`

	// MaxConcurrentRequests limits trial calls in half-open state
	MaxConcurrentRequests int `yaml:"max_concurrent_requests" json:"max_concurrent_requests"`
}

// DefaultCircuitBreakerConfig provides defaults for guarding worker spawns
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:      3,
		RecoveryTimeout:       10 * time.Second,
		SuccessThreshold:      1,
		MaxConcurrentRequests: 1,
	}
}

// CircuitBreakerStats provides metrics about circuit breaker operation
type CircuitBreakerStats struct {
	State            CircuitState `json:"state"`
	FailureCount     int64        `json:"failure_count"`
	SuccessCount     int64        `json:"success_count"`
	RequestCount     int64        `json:"request_count"`
	LastFailureTime  time.Time    `json:"last_failure_time,omitempty"`
	LastFailure      string       `json:"last_failure,omitempty"`
	LastSuccessTime  time.Time    `json:"last_success_time,omitempty"`
	StateChangedTime time.Time    `json:"state_changed_time"`
	NextRetryTime    time.Time    `json:"next_retry_time,omitempty"`
	IsOpen           bool         `json:"is_open"`
}

// StateChangeListener is called after every state transition. Listeners run
// synchronously on the goroutine that caused the transition, after the
// breaker's lock has been released.
type StateChangeListener func(old, new CircuitState, stats CircuitBreakerStats)

// CircuitBreaker implements the circuit breaker pattern.
//
// Closed: calls pass through; FailureThreshold consecutive failures open it.
// Open: calls fail fast until RecoveryTimeout has elapsed.
// Half-open: a limited number of trial calls decide whether to close or reopen.
type CircuitBreaker struct {
	config CircuitBreakerConfig
	logger *zap.Logger
	name   string
	now    func() time.Time

	mu                 sync.Mutex
	state              CircuitState
	failureCount       int64
	successCount       int64
	requestCount       int64
	lastFailureTime    time.Time
	lastFailure        string
	lastSuccessTime    time.Time
	stateChangedTime   time.Time
	nextRetryTime      time.Time
	concurrentRequests int
	listeners          []StateChangeListener
}

type transition struct {
	old, new CircuitState
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(name string, config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	defaults := DefaultCircuitBreakerConfig()
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = defaults.RecoveryTimeout
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.MaxConcurrentRequests <= 0 {
		config.MaxConcurrentRequests = defaults.MaxConcurrentRequests
	}

	return &CircuitBreaker{
		config:           config,
		logger:           logger.Named("circuit-breaker").With(zap.String("name", name)),
		name:             name,
		now:              time.Now,
		state:            StateClosed,
		stateChangedTime: time.Now(),
	}
}

// SetClock replaces the breaker's time source. Intended for tests.
func (cb *CircuitBreaker) SetClock(now func() time.Time) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.now = now
}

// Execute runs fn if the breaker allows it and records the outcome.
// When the circuit is open it returns a *CircuitBreakerError without
// calling fn. fn is never abandoned: Execute waits for it to return.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	halfOpen, rejected, tr := cb.acquire()
	cb.notify(tr)
	if rejected != nil {
		return rejected
	}
	if halfOpen {
		defer cb.release()
	}

	start := cb.clock()
	err := fn(ctx)
	duration := cb.clock().Sub(start)

	if err != nil {
		cb.notify(cb.recordFailure(err, duration))
		return err
	}
	cb.notify(cb.recordSuccess(duration))
	return nil
}

func (cb *CircuitBreaker) clock() time.Time {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.now()
}

// acquire decides whether a call may proceed, moving open to half-open once
// the recovery timeout has elapsed.
func (cb *CircuitBreaker) acquire() (halfOpen bool, rejected error, tr *transition) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if cb.state == StateOpen && !cb.now().Before(cb.nextRetryTime) {
		tr = cb.setState(StateHalfOpen)
	}

	switch cb.state {
	case StateClosed:
		return false, nil, tr
	case StateHalfOpen:
		if cb.concurrentRequests >= cb.config.MaxConcurrentRequests {
			return false, cb.errorLocked("half-open trial already in flight"), tr
		}
		cb.concurrentRequests++
		return true, nil, tr
	default:
		return false, cb.errorLocked("circuit breaker is open"), tr
	}
}

func (cb *CircuitBreaker) release() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.concurrentRequests > 0 {
		cb.concurrentRequests--
	}
}

func (cb *CircuitBreaker) errorLocked(reason string) *CircuitBreakerError {
	return &CircuitBreakerError{
		Name:      cb.name,
		State:     cb.state,
		Reason:    reason,
		RetryAt:   cb.nextRetryTime,
		LastCause: cb.lastFailure,
	}
}

// recordFailure records a failure and potentially changes state
func (cb *CircuitBreaker) recordFailure(err error, duration time.Duration) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.requestCount++
	cb.lastFailureTime = cb.now()
	cb.lastFailure = err.Error()

	cb.logger.Warn("Circuit breaker recorded failure",
		zap.Error(err),
		zap.Duration("duration", duration),
		zap.Int64("failure_count", cb.failureCount))

	switch cb.state {
	case StateClosed:
		if cb.failureCount >= int64(cb.config.FailureThreshold) {
			return cb.setState(StateOpen)
		}
	case StateHalfOpen:
		// Any failure in half-open immediately reopens the circuit
		return cb.setState(StateOpen)
	}
	return nil
}

// recordSuccess records a success and potentially changes state
func (cb *CircuitBreaker) recordSuccess(duration time.Duration) *transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.successCount++
	cb.requestCount++
	cb.lastSuccessTime = cb.now()

	cb.logger.Debug("Circuit breaker recorded success",
		zap.Duration("duration", duration),
		zap.Int64("success_count", cb.successCount))

	switch cb.state {
	case StateClosed:
		cb.failureCount = 0
	case StateHalfOpen:
		if cb.successCount >= int64(cb.config.SuccessThreshold) {
			return cb.setState(StateClosed)
		}
	}
	return nil
}

// setState changes state and resets counters. Caller holds cb.mu and must
// pass the returned transition to notify after unlocking.
func (cb *CircuitBreaker) setState(newState CircuitState) *transition {
	oldState := cb.state
	if oldState == newState {
		return nil
	}
	cb.state = newState
	cb.stateChangedTime = cb.now()

	switch newState {
	case StateClosed:
		cb.failureCount = 0
		cb.successCount = 0
		cb.lastFailure = ""
	case StateOpen:
		cb.nextRetryTime = cb.now().Add(cb.config.RecoveryTimeout)
		cb.successCount = 0
	case StateHalfOpen:
		cb.successCount = 0
		cb.concurrentRequests = 0
	}

	cb.logger.Info("Circuit breaker state changed",
		zap.String("old_state", oldState.String()),
		zap.String("new_state", newState.String()),
		zap.Int64("failure_count", cb.failureCount),
		zap.Time("next_retry", cb.nextRetryTime))

	return &transition{old: oldState, new: newState}
}

func (cb *CircuitBreaker) notify(tr *transition) {
	if tr == nil {
		return
	}
	cb.mu.Lock()
	listeners := append([]StateChangeListener(nil), cb.listeners...)
	stats := cb.statsLocked()
	cb.mu.Unlock()

	for _, listener := range listeners {
		listener(tr.old, tr.new, stats)
	}
}

// GetState returns the current circuit breaker state
func (cb *CircuitBreaker) GetState() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// GetStats returns statistics about the circuit breaker
func (cb *CircuitBreaker) GetStats() CircuitBreakerStats {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.statsLocked()
}

func (cb *CircuitBreaker) statsLocked() CircuitBreakerStats {
	return CircuitBreakerStats{
		State:            cb.state,
		FailureCount:     cb.failureCount,
		SuccessCount:     cb.successCount,
		RequestCount:     cb.requestCount,
		LastFailureTime:  cb.lastFailureTime,
		LastFailure:      cb.lastFailure,
		LastSuccessTime:  cb.lastSuccessTime,
		StateChangedTime: cb.stateChangedTime,
		NextRetryTime:    cb.nextRetryTime,
		IsOpen:           cb.state == StateOpen,
	}
}

// AddStateChangeListener adds a listener for state change events
func (cb *CircuitBreaker) AddStateChangeListener(listener StateChangeListener) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.listeners = append(cb.listeners, listener)
}

// Reset manually resets the circuit breaker to closed state
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	tr := cb.setState(StateClosed)
	cb.mu.Unlock()
	cb.notify(tr)
}

// CircuitBreakerError represents an error from the circuit breaker
type CircuitBreakerError struct {
	Name      string
	State     CircuitState
	Reason    string
	RetryAt   time.Time
	LastCause string
}

func (e *CircuitBreakerError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' in state '%s': %s", e.Name, e.State.String(), e.Reason)
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	_, ok := err.(*CircuitBreakerError)
	return ok
}
