package resilience

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"
)

var (
	// ErrBreakerOpen is returned when the breaker rejects a call outright.
	ErrBreakerOpen = errors.New("circuit breaker is open")
)

// State represents the state of a circuit breaker.
type State int32

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateHalfOpen:
		return "HALF_OPEN"
	case StateOpen:
		return "OPEN"
	default:
		return "UNKNOWN"
	}
}

// BreakerConfig defines the breaker thresholds.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures before opening the circuit
	MaxFailures int

	// CoolOff is how long to wait before transitioning from Open to Half-Open
	CoolOff time.Duration

	// SuccessThreshold is the number of consecutive successes needed in Half-Open to close
	SuccessThreshold int
}

// DefaultBreakerConfig returns the default thresholds.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		MaxFailures:      5,
		CoolOff:          30 * time.Second,
		SuccessThreshold: 2,
	}
}

// Breaker implements the circuit breaker pattern. The coordinator wraps
// remote-tier calls in Execute so a flapping backend degrades to cache
// misses instead of stalling every request.
type Breaker struct {
	config BreakerConfig

	state           int32 // State
	failures        int32
	successes       int32
	lastFailureTime int64 // Unix nano

	mu sync.Mutex
}

// NewBreaker creates a new circuit breaker with the given configuration.
// Zero-valued fields fall back to DefaultBreakerConfig.
func NewBreaker(config BreakerConfig) *Breaker {
	def := DefaultBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.CoolOff <= 0 {
		config.CoolOff = def.CoolOff
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = def.SuccessThreshold
	}
	return &Breaker{
		config: config,
		state:  int32(StateClosed),
	}
}

// State returns the current breaker state.
func (b *Breaker) State() State {
	return State(atomic.LoadInt32(&b.state))
}

// Execute runs fn under breaker control. When the breaker is open the call
// is rejected with ErrBreakerOpen without invoking fn.
func (b *Breaker) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.beforeRequest(); err != nil {
		return err
	}
	if err := fn(ctx); err != nil {
		b.onFailure()
		return err
	}
	b.onSuccess()
	return nil
}

func (b *Breaker) beforeRequest() error {
	switch b.State() {
	case StateClosed, StateHalfOpen:
		return nil
	case StateOpen:
		if b.shouldAttemptReset() {
			b.transitionTo(StateHalfOpen)
			return nil
		}
		return ErrBreakerOpen
	default:
		return ErrBreakerOpen
	}
}

func (b *Breaker) onSuccess() {
	switch b.State() {
	case StateClosed:
		atomic.StoreInt32(&b.failures, 0)
	case StateHalfOpen:
		if int(atomic.AddInt32(&b.successes, 1)) >= b.config.SuccessThreshold {
			b.transitionTo(StateClosed)
		}
	}
}

func (b *Breaker) onFailure() {
	failures := atomic.AddInt32(&b.failures, 1)
	atomic.StoreInt64(&b.lastFailureTime, time.Now().UnixNano())

	switch b.State() {
	case StateClosed:
		if int(failures) >= b.config.MaxFailures {
			b.transitionTo(StateOpen)
		}
	case StateHalfOpen:
		b.transitionTo(StateOpen)
	}
}

func (b *Breaker) shouldAttemptReset() bool {
	lastFailure := atomic.LoadInt64(&b.lastFailureTime)
	return time.Since(time.Unix(0, lastFailure)) >= b.config.CoolOff
}

func (b *Breaker) transitionTo(s State) {
	b.mu.Lock()
	defer b.mu.Unlock()
	atomic.StoreInt32(&b.state, int32(s))
	atomic.StoreInt32(&b.failures, 0)
	atomic.StoreInt32(&b.successes, 0)
}
