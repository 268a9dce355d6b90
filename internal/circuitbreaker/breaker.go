// Package circuitbreaker shields the worker's queue I/O from a flapping
// backend. Consecutive failures open the circuit; after a cooldown a
// single probe decides whether it closes again.
package circuitbreaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned while the circuit rejects all calls.
	ErrCircuitOpen = errors.New("circuit breaker is open")

	// ErrTooManyRequests is returned when the half-open probe budget is
	// already spent.
	ErrTooManyRequests = errors.New("too many requests")
)

// State is the circuit position.
type State int

const (
	// StateClosed admits every call.
	StateClosed State = iota

	// StateOpen rejects every call until the cooldown elapses.
	StateOpen

	// StateHalfOpen admits a limited number of probe calls.
	StateHalfOpen
)

func (s State) String() string {
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

// Config tunes one breaker.
type Config struct {
	// MaxFailures is the consecutive-failure count that opens the circuit.
	MaxFailures int

	// Cooldown is how long the circuit stays open before probing.
	Cooldown time.Duration

	// HalfOpenMax is the number of probes admitted while half-open.
	HalfOpenMax int
}

// DefaultConfig returns the tuning used for queue I/O.
func DefaultConfig() *Config {
	return &Config{
		MaxFailures: 5,
		Cooldown:    60 * time.Second,
		HalfOpenMax: 1,
	}
}

// CircuitBreaker tracks consecutive failures of one dependency.
type CircuitBreaker struct {
	cfg Config

	mu          sync.Mutex
	state       State
	failures    int
	probes      int
	lastFailure time.Time
	now         func() time.Time
}

// New creates a closed breaker. A nil config gets the defaults.
func New(cfg *Config) *CircuitBreaker {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &CircuitBreaker{
		cfg:   *cfg,
		state: StateClosed,
		now:   time.Now,
	}
}

// ExecuteWithValue runs fn under the breaker. When the circuit is open
// the call is rejected with ErrCircuitOpen and fn never runs.
func ExecuteWithValue[T any](cb *CircuitBreaker, fn func() (T, error)) (T, error) {
	var zero T
	if err := cb.admit(); err != nil {
		return zero, err
	}
	result, err := fn()
	cb.record(err)
	return result, err
}

// State returns the current circuit position.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil

	case StateOpen:
		if cb.now().Sub(cb.lastFailure) < cb.cfg.Cooldown {
			return ErrCircuitOpen
		}
		cb.state = StateHalfOpen
		cb.probes = 1
		return nil

	default: // StateHalfOpen
		if cb.probes >= cb.cfg.HalfOpenMax {
			return ErrTooManyRequests
		}
		cb.probes++
		return nil
	}
}

func (cb *CircuitBreaker) record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		if err == nil {
			cb.failures = 0
			return
		}
		cb.failures++
		cb.lastFailure = cb.now()
		if cb.failures >= cb.cfg.MaxFailures {
			cb.state = StateOpen
		}

	case StateHalfOpen:
		// One probe decides: success closes the circuit, failure
		// reopens it for another cooldown.
		if err == nil {
			cb.state = StateClosed
			cb.failures = 0
			cb.probes = 0
			return
		}
		cb.state = StateOpen
		cb.lastFailure = cb.now()
		cb.probes = 0
	}
}
