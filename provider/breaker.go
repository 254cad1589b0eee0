package provider

import (
	"errors"
	"sync"
	"time"
)

// ErrCircuitOpen is returned by CircuitBreaker.Allow while the breaker
// rejects calls.
var ErrCircuitOpen = errors.New("circuit breaker is open")

type BreakerState int

const (
	// BreakerClosed allows calls to pass through.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all calls until the recovery timeout elapses.
	BreakerOpen
	// BreakerHalfOpen allows a capped number of trial calls.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig tunes a per-strategy circuit breaker.
type BreakerConfig struct {
	// Enabled set to false makes the breaker a pass-through that always
	// behaves as closed. Used for tests and soft launches.
	Enabled bool `json:"enabled"`
	// FailureThreshold is the number of consecutive failures before the
	// breaker opens.
	FailureThreshold int `json:"failure_threshold"`
	// RecoveryTimeout is how long the breaker stays open before allowing
	// trial calls.
	RecoveryTimeout time.Duration `json:"recovery_timeout"`
	// HalfOpenMaxCalls caps trial calls while half-open.
	HalfOpenMaxCalls int `json:"half_open_max_calls"`
}

func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Enabled:          true,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		HalfOpenMaxCalls: 1,
	}
}

// CircuitBreaker guards calls to a single strategy. All methods are safe
// for concurrent use.
type CircuitBreaker struct {
	config BreakerConfig

	mu            sync.Mutex
	state         BreakerState
	failures      int
	openSince     time.Time
	halfOpenCalls int
}

func NewCircuitBreaker(config BreakerConfig) *CircuitBreaker {
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = 5
	}
	if config.RecoveryTimeout <= 0 {
		config.RecoveryTimeout = 30 * time.Second
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = 1
	}
	return &CircuitBreaker{config: config, state: BreakerClosed}
}

// Allow reports whether a call may proceed right now. An open breaker past
// its recovery timeout transitions to half-open and admits the call as a
// trial; a half-open breaker admits calls up to HalfOpenMaxCalls.
func (cb *CircuitBreaker) Allow() error {
	if !cb.config.Enabled {
		return nil
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case BreakerClosed:
		return nil
	case BreakerHalfOpen:
		if cb.halfOpenCalls < cb.config.HalfOpenMaxCalls {
			cb.halfOpenCalls += 1
			return nil
		}
		return ErrCircuitOpen
	default:
		return ErrCircuitOpen
	}
}

// RecordSuccess feeds a successful call outcome into the state machine.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.currentState() {
	case BreakerClosed:
		cb.failures = 0
	case BreakerHalfOpen:
		// Trial succeeded, the backend recovered
		cb.toState(BreakerClosed)
	}
}

// RecordFailure feeds a failed call outcome into the state machine.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failures += 1

	if !cb.config.Enabled {
		return
	}

	switch cb.currentState() {
	case BreakerClosed:
		if cb.failures >= cb.config.FailureThreshold {
			cb.toState(BreakerOpen)
		}
	case BreakerHalfOpen:
		// Trial failed, back to rejecting calls
		cb.toState(BreakerOpen)
	}
}

// State returns the effective state, applying the open → half-open
// transition when the recovery timeout has elapsed.
func (cb *CircuitBreaker) State() BreakerState {
	if !cb.config.Enabled {
		return BreakerClosed
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.currentState()
}

// Failures returns the current consecutive failure count.
func (cb *CircuitBreaker) Failures() int {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.failures
}

// Reset puts the breaker back in its initial closed state.
func (cb *CircuitBreaker) Reset() {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.state = BreakerClosed
	cb.failures = 0
	cb.halfOpenCalls = 0
	cb.openSince = time.Time{}
}

// BreakerSnapshot is a point-in-time view of a breaker for reporting.
type BreakerSnapshot struct {
	State         BreakerState `json:"state"`
	Failures      int          `json:"failures"`
	OpenSince     time.Time    `json:"open_since,omitzero"`
	HalfOpenCalls int          `json:"half_open_calls"`
}

func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		State:         cb.currentState(),
		Failures:      cb.failures,
		OpenSince:     cb.openSince,
		HalfOpenCalls: cb.halfOpenCalls,
	}
}

// currentState must be called with cb.mu held.
func (cb *CircuitBreaker) currentState() BreakerState {
	if cb.state == BreakerOpen && time.Since(cb.openSince) >= cb.config.RecoveryTimeout {
		cb.toState(BreakerHalfOpen)
	}
	return cb.state
}

// toState must be called with cb.mu held.
func (cb *CircuitBreaker) toState(to BreakerState) {
	if cb.state == to {
		return
	}
	cb.state = to

	switch to {
	case BreakerClosed:
		cb.failures = 0
		cb.halfOpenCalls = 0
		cb.openSince = time.Time{}
	case BreakerOpen:
		cb.openSince = time.Now()
		cb.halfOpenCalls = 0
	case BreakerHalfOpen:
		cb.halfOpenCalls = 0
	}
}
