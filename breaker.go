package mcp

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// CircuitState is the admission state of a CircuitBreaker.
type CircuitState int

// CircuitBreakerConfig configures a CircuitBreaker.
type CircuitBreakerConfig struct {
	// FailureThreshold is the number of failures within the rolling window that opens the
	// circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successful trials that closes a
	// half-open circuit.
	SuccessThreshold int
	// Timeout is how long the circuit stays open before admitting trial requests.
	Timeout time.Duration
	// RollingWindowSize is the number of most recent attempts considered while closed.
	RollingWindowSize int
	// MinimumRequests is the number of attempts the window must hold before the circuit
	// may open, so a handful of early failures cannot trip it.
	MinimumRequests int
	// HalfOpenMaxRequests bounds the number of trial requests in flight while half-open.
	HalfOpenMaxRequests int

	// IsFailure reports whether an attempt's error counts against the circuit. Errors it
	// rejects are neutral: they count as neither success nor failure. Defaults to
	// IsRetryable, so only transport-level trouble opens the circuit.
	IsFailure func(error) bool
}

// CircuitStats is a point-in-time snapshot of a CircuitBreaker.
type CircuitStats struct {
	State             CircuitState
	TotalRequests     uint64
	TotalSuccesses    uint64
	TotalFailures     uint64
	Rejected          uint64
	Trips             uint64
	WindowAttempts    int
	WindowFailures    int
	HalfOpenSuccesses int
	OpenedAt          time.Time
}

// CircuitBreaker tracks recent attempt outcomes and fails new work fast once failures
// become sustained. It is safe for concurrent use.
//
// Every admitted attempt must report its outcome through the func returned by Allow.
type CircuitBreaker struct {
	cfg    CircuitBreakerConfig
	logger *slog.Logger
	now    func() time.Time

	mu                sync.Mutex
	state             CircuitState
	epoch             uint64
	window            []bool
	windowNext        int
	windowLen         int
	windowFailures    int
	openedAt          time.Time
	halfOpenInFlight  int
	halfOpenSuccesses int

	totalRequests  uint64
	totalSuccesses uint64
	totalFailures  uint64
	rejected       uint64
	trips          uint64
}

// CircuitState values.
const (
	CircuitClosed CircuitState = iota
	CircuitOpen
	CircuitHalfOpen
)

// DefaultCircuitBreakerConfig returns the breaker configuration used when none is given.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		FailureThreshold:    5,
		SuccessThreshold:    3,
		Timeout:             60 * time.Second,
		RollingWindowSize:   100,
		MinimumRequests:     10,
		HalfOpenMaxRequests: 1,
	}
}

func (c CircuitBreakerConfig) validate() error {
	switch {
	case c.FailureThreshold < 1:
		return errors.New("circuit breaker failure threshold must be at least 1")
	case c.SuccessThreshold < 1:
		return errors.New("circuit breaker success threshold must be at least 1")
	case c.Timeout <= 0:
		return errors.New("circuit breaker timeout must be positive")
	case c.RollingWindowSize < c.FailureThreshold:
		return fmt.Errorf("circuit breaker rolling window (%d) is smaller than the failure threshold (%d)",
			c.RollingWindowSize, c.FailureThreshold)
	case c.MinimumRequests > c.RollingWindowSize:
		return fmt.Errorf("circuit breaker minimum requests (%d) exceed the rolling window (%d)",
			c.MinimumRequests, c.RollingWindowSize)
	case c.HalfOpenMaxRequests < 1:
		return errors.New("circuit breaker half-open request limit must be at least 1")
	}
	return nil
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig, logger *slog.Logger) (*CircuitBreaker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.IsFailure == nil {
		cfg.IsFailure = IsRetryable
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
		window: make([]bool, cfg.RollingWindowSize),
	}, nil
}

// Allow admits one attempt, or returns an error matching ErrCircuitOpen. An admitted
// attempt must call done exactly once with its outcome; extra calls are ignored.
func (b *CircuitBreaker) Allow() (done func(error), err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case CircuitOpen:
		b.rejected++
		return nil, fmt.Errorf("%w: retry after %s", ErrCircuitOpen, b.openedAt.Add(b.cfg.Timeout).Sub(b.now()).Round(time.Millisecond))
	case CircuitHalfOpen:
		if b.halfOpenInFlight >= b.cfg.HalfOpenMaxRequests {
			b.rejected++
			return nil, fmt.Errorf("%w: trial request in progress", ErrCircuitOpen)
		}
		b.halfOpenInFlight++
	}
	b.totalRequests++

	epoch, state := b.epoch, b.state
	var once sync.Once
	return func(err error) {
		once.Do(func() { b.record(epoch, state, err) })
	}, nil
}

// Admits reports whether Allow would currently admit an attempt, without reserving one.
func (b *CircuitBreaker) Admits() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	switch b.state {
	case CircuitOpen:
		return false
	case CircuitHalfOpen:
		return b.halfOpenInFlight < b.cfg.HalfOpenMaxRequests
	}
	return true
}

// State returns the current circuit state.
func (b *CircuitBreaker) State() CircuitState {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	return b.state
}

// Stats returns a snapshot of the breaker's counters.
func (b *CircuitBreaker) Stats() CircuitStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.advance()
	return CircuitStats{
		State:             b.state,
		TotalRequests:     b.totalRequests,
		TotalSuccesses:    b.totalSuccesses,
		TotalFailures:     b.totalFailures,
		Rejected:          b.rejected,
		Trips:             b.trips,
		WindowAttempts:    b.windowLen,
		WindowFailures:    b.windowFailures,
		HalfOpenSuccesses: b.halfOpenSuccesses,
		OpenedAt:          b.openedAt,
	}
}

func (b *CircuitBreaker) record(epoch uint64, admittedIn CircuitState, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if admittedIn == CircuitHalfOpen && epoch == b.epoch {
		b.halfOpenInFlight--
	}
	if err != nil && !b.cfg.IsFailure(err) {
		return
	}
	failure := err != nil
	if failure {
		b.totalFailures++
	} else {
		b.totalSuccesses++
	}

	// Outcomes of attempts admitted before the last transition say nothing about the
	// current state.
	if epoch != b.epoch {
		return
	}

	switch b.state {
	case CircuitClosed:
		b.push(failure)
		if b.windowFailures >= b.cfg.FailureThreshold && b.windowLen >= b.cfg.MinimumRequests {
			b.transition(CircuitOpen)
		}
	case CircuitHalfOpen:
		if failure {
			b.transition(CircuitOpen)
			return
		}
		b.halfOpenSuccesses++
		if b.halfOpenSuccesses >= b.cfg.SuccessThreshold {
			b.transition(CircuitClosed)
		}
	}
}

// advance moves an open circuit to half-open once its timeout has elapsed.
func (b *CircuitBreaker) advance() {
	if b.state == CircuitOpen && !b.now().Before(b.openedAt.Add(b.cfg.Timeout)) {
		b.transition(CircuitHalfOpen)
	}
}

func (b *CircuitBreaker) transition(to CircuitState) {
	from := b.state
	b.state = to
	b.epoch++
	b.halfOpenInFlight = 0
	b.halfOpenSuccesses = 0

	switch to {
	case CircuitOpen:
		b.openedAt = b.now()
		b.trips++
	case CircuitClosed:
		clear(b.window)
		b.windowNext, b.windowLen, b.windowFailures = 0, 0, 0
	}
	b.logger.Info("circuit breaker state changed", "from", from, "to", to)
}

func (b *CircuitBreaker) push(failure bool) {
	if b.windowLen == len(b.window) {
		if b.window[b.windowNext] {
			b.windowFailures--
		}
	} else {
		b.windowLen++
	}
	b.window[b.windowNext] = failure
	if failure {
		b.windowFailures++
	}
	b.windowNext = (b.windowNext + 1) % len(b.window)
}

func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}
