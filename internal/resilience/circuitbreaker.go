// Package resilience provides the recovery policy, circuit breaker, and
// retry machinery described in spec.md §4.7.
package resilience

import (
	"context"
	"sync"
	"time"

	"github.com/straticus1/aeimsLib-sub004/internal/svcerr"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
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

// BreakerConfig configures a named circuit breaker (spec.md §4.7).
type BreakerConfig struct {
	Name            string
	FailureThreshold int
	RecoveryTimeout  time.Duration
	SuccessThreshold int
	OnStateChange    func(name string, from, to State)
}

// DefaultBreakerConfig returns sensible defaults.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		FailureThreshold: 5,
		RecoveryTimeout:  30 * time.Second,
		SuccessThreshold: 2,
	}
}

// CircuitBreaker implements the three-state breaker in spec.md §4.7.
type CircuitBreaker struct {
	mu          sync.Mutex
	cfg         BreakerConfig
	state       State
	failures    int
	successes   int
	halfOpenInFlight int
	openedAt    time.Time
}

// NewCircuitBreaker constructs a breaker with defaults applied for zero fields.
func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.RecoveryTimeout <= 0 {
		cfg.RecoveryTimeout = 30 * time.Second
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 2
	}
	return &CircuitBreaker{cfg: cfg, state: StateClosed}
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Execute runs fn guarded by the breaker. When the breaker is open it fails
// fast with svcerr.CircuitOpen without invoking fn.
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := cb.before(); err != nil {
		return err
	}
	err := fn(ctx)
	cb.after(err == nil)
	return err
}

func (cb *CircuitBreaker) before() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateOpen:
		if time.Since(cb.openedAt) >= cb.cfg.RecoveryTimeout {
			cb.transition(StateHalfOpen)
			cb.halfOpenInFlight = 1
			return nil
		}
		return svcerr.CircuitOpen(cb.cfg.Name)
	case StateHalfOpen:
		cb.halfOpenInFlight++
	}
	return nil
}

func (cb *CircuitBreaker) after(success bool) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateHalfOpen:
		if success {
			cb.successes++
			if cb.successes >= cb.cfg.SuccessThreshold {
				cb.transition(StateClosed)
			}
		} else {
			cb.transition(StateOpen)
		}
	case StateClosed:
		if success {
			cb.failures = 0
		} else {
			cb.failures++
			if cb.failures >= cb.cfg.FailureThreshold {
				cb.transition(StateOpen)
			}
		}
	}
}

func (cb *CircuitBreaker) transition(to State) {
	if cb.state == to {
		return
	}
	from := cb.state
	cb.state = to
	cb.failures = 0
	cb.successes = 0
	cb.halfOpenInFlight = 0
	if to == StateOpen {
		cb.openedAt = time.Now()
	}
	if cb.cfg.OnStateChange != nil {
		go cb.cfg.OnStateChange(cb.cfg.Name, from, to)
	}
}
