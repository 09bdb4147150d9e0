package resilience

import (
	"sync"
	"time"
)

// State is the position of a CircuitBreaker in its CLOSED/OPEN/HALF_OPEN cycle.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

const (
	defaultFailureThreshold = 5
	defaultResetTimeout     = 60 * time.Second
)

// BreakerConfig holds the thresholds for a CircuitBreaker.
type BreakerConfig struct {
	FailureThreshold int
	ResetTimeout     time.Duration
}

// BreakerSnapshot is a point-in-time copy of a breaker's state.
type BreakerSnapshot struct {
	Name             string
	State            State
	FailureCount     int
	FailureThreshold int
	LastFailureTime  time.Time
	ResetTimeout     time.Duration
}

// BreakerOption customises a CircuitBreaker.
type BreakerOption func(*CircuitBreaker)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) BreakerOption {
	return func(cb *CircuitBreaker) { cb.now = now }
}

// WithStateChange registers a callback invoked after every state transition.
// It runs with the breaker unlocked.
func WithStateChange(fn func(name string, from, to State)) BreakerOption {
	return func(cb *CircuitBreaker) { cb.onStateChange = fn }
}

// CircuitBreaker gates requests to a failing downstream. After FailureThreshold
// consecutive failures it opens; once ResetTimeout has passed since the last
// failure it admits exactly one trial (HALF_OPEN) whose outcome closes or
// reopens it.
type CircuitBreaker struct {
	name string

	mu               sync.Mutex
	state            State
	failureCount     int
	failureThreshold int
	lastFailure      time.Time
	resetTimeout     time.Duration
	trialInFlight    bool

	now           func() time.Time
	onStateChange func(name string, from, to State)
}

// NewCircuitBreaker creates a closed breaker. Non-positive config values fall
// back to 5 failures and a 60s reset timeout.
func NewCircuitBreaker(name string, cfg BreakerConfig, opts ...BreakerOption) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
	cb := &CircuitBreaker{
		name:             name,
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		resetTimeout:     cfg.ResetTimeout,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(cb)
	}
	return cb
}

// Name returns the breaker's name.
func (cb *CircuitBreaker) Name() string { return cb.name }

// Allow reports whether a request may proceed. In HALF_OPEN only the first
// caller is admitted until RecordSuccess or RecordFailure resolves the trial.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	from := cb.state
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateOpen:
		if cb.now().Sub(cb.lastFailure) >= cb.resetTimeout {
			cb.state = StateHalfOpen
			cb.trialInFlight = true
			allowed = true
		}
	case StateHalfOpen:
		if !cb.trialInFlight {
			cb.trialInFlight = true
			allowed = true
		}
	}
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
	return allowed
}

// RecordSuccess closes the breaker and clears the failure count.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	from := cb.state
	cb.state = StateClosed
	cb.failureCount = 0
	cb.trialInFlight = false
	cb.mu.Unlock()

	cb.notify(from, StateClosed)
}

// RecordFailure counts a failure. A failed half-open trial reopens the breaker
// and restarts the reset timer.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	from := cb.state
	cb.failureCount++
	cb.lastFailure = cb.now()
	switch cb.state {
	case StateHalfOpen:
		cb.state = StateOpen
	case StateClosed:
		if cb.failureCount >= cb.failureThreshold {
			cb.state = StateOpen
		}
	}
	cb.trialInFlight = false
	to := cb.state
	cb.mu.Unlock()

	cb.notify(from, to)
}

// Abandon releases an admitted request whose outcome is unknown, such as a
// write cut short by shutdown. Counters and state are left untouched, and a
// half-open breaker admits its next trial.
func (cb *CircuitBreaker) Abandon() {
	cb.mu.Lock()
	cb.trialInFlight = false
	cb.mu.Unlock()
}

// Execute runs fn when the breaker admits it and records the outcome.
// ErrCircuitOpen is returned without calling fn when the breaker is open.
func (cb *CircuitBreaker) Execute(fn func() error) error {
	if !cb.Allow() {
		return ErrCircuitOpen
	}
	if err := fn(); err != nil {
		cb.RecordFailure()
		return err
	}
	cb.RecordSuccess()
	return nil
}

// State returns the current state without admitting a request.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a copy of the breaker's counters.
func (cb *CircuitBreaker) Snapshot() BreakerSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return BreakerSnapshot{
		Name:             cb.name,
		State:            cb.state,
		FailureCount:     cb.failureCount,
		FailureThreshold: cb.failureThreshold,
		LastFailureTime:  cb.lastFailure,
		ResetTimeout:     cb.resetTimeout,
	}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if from != to && cb.onStateChange != nil {
		cb.onStateChange(cb.name, from, to)
	}
}
