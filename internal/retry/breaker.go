package retry

import (
	"time"
)

// CircuitState is the state of a circuit breaker
type CircuitState int

const (
	// StateClosed lets every call through
	StateClosed CircuitState = iota
	// StateOpen rejects every call until the recovery timeout elapses
	StateOpen
	// StateHalfOpen admits a bounded number of trial calls
	StateHalfOpen
)

// String returns the state name
func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker tracks failures for a single endpoint.
// It is not safe for concurrent use; callers serialize access (see endpoint).
type CircuitBreaker struct {
	failureThreshold int
	recoveryTimeout  time.Duration
	halfOpenMaxCalls int
	now              func() time.Time

	state             CircuitState
	failureCount      int
	lastFailureTime   time.Time
	halfOpenCalls     int
	halfOpenSuccesses int
}

// NewCircuitBreaker creates a closed breaker
func NewCircuitBreaker(failureThreshold int, recoveryTimeout time.Duration, halfOpenMaxCalls int,
	now func() time.Time) *CircuitBreaker {
	if now == nil {
		now = time.Now
	}
	return &CircuitBreaker{
		failureThreshold: max(1, failureThreshold),
		recoveryTimeout:  recoveryTimeout,
		halfOpenMaxCalls: max(1, halfOpenMaxCalls),
		now:              now,
		state:            StateClosed,
	}
}

// Allow reports whether a call may proceed, moving Open to HalfOpen once the
// recovery timeout has elapsed. Admitted half-open calls consume a trial slot.
func (b *CircuitBreaker) Allow() bool {
	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastFailureTime) < b.recoveryTimeout {
			return false
		}
		b.state = StateHalfOpen
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		fallthrough
	case StateHalfOpen:
		if b.halfOpenCalls >= b.halfOpenMaxCalls {
			return false
		}
		b.halfOpenCalls++
		return true
	default:
		return false
	}
}

// RecordSuccess registers a successful call
func (b *CircuitBreaker) RecordSuccess() {
	switch b.state {
	case StateHalfOpen:
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.halfOpenMaxCalls {
			b.state = StateClosed
			b.failureCount = 0
			b.halfOpenCalls = 0
			b.halfOpenSuccesses = 0
		}
	case StateClosed:
		if b.failureCount > 0 {
			b.failureCount--
		}
	case StateOpen:
	}
}

// Release returns the trial slot of an admitted half-open call whose outcome
// says nothing about the endpoint, such as a client error or a cancelled call
func (b *CircuitBreaker) Release() {
	if b.state == StateHalfOpen && b.halfOpenCalls > b.halfOpenSuccesses {
		b.halfOpenCalls--
	}
}

// RecordFailure registers a failed call and reports whether the breaker tripped open as a result
func (b *CircuitBreaker) RecordFailure() bool {
	b.lastFailureTime = b.now()

	switch b.state {
	case StateHalfOpen:
		b.state = StateOpen
		b.halfOpenCalls = 0
		b.halfOpenSuccesses = 0
		return true
	case StateClosed:
		b.failureCount++
		if b.failureCount >= b.failureThreshold {
			b.state = StateOpen
			return true
		}
	case StateOpen:
	}
	return false
}

// State returns the current state without evaluating the recovery timeout
func (b *CircuitBreaker) State() CircuitState {
	return b.state
}

// FailureCount returns the consecutive failure count
func (b *CircuitBreaker) FailureCount() int {
	return b.failureCount
}

// LastFailure returns the time of the most recent failure
func (b *CircuitBreaker) LastFailure() time.Time {
	return b.lastFailureTime
}
