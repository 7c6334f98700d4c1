package soul

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned while the enclave connection is cooling down.
var ErrBreakerOpen = errors.New("soul circuit breaker is open")

// BreakerState is the connection health state machine.
type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "CLOSED"
	case BreakerOpen:
		return "OPEN"
	case BreakerHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// Breaker guards the single Soul upstream: trip after a run of consecutive
// failures, let one probe through after the cooldown, close again on the
// first probe success.
type Breaker struct {
	mu            sync.Mutex
	state         BreakerState
	consecutive   int
	tripAfter     int
	cooldown      time.Duration
	openedAt      time.Time
	probeInFlight bool
}

// NewBreaker creates a breaker tripping after tripAfter consecutive failures.
func NewBreaker(tripAfter int, cooldown time.Duration) *Breaker {
	if tripAfter <= 0 {
		tripAfter = 3
	}
	if cooldown <= 0 {
		cooldown = 15 * time.Second
	}
	return &Breaker{tripAfter: tripAfter, cooldown: cooldown}
}

// Allow reports whether a call may proceed right now.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		if time.Since(b.openedAt) < b.cooldown {
			return ErrBreakerOpen
		}
		b.state = BreakerHalfOpen
		b.probeInFlight = false
		fallthrough
	case BreakerHalfOpen:
		if b.probeInFlight {
			return ErrBreakerOpen
		}
		b.probeInFlight = true
		return nil
	}
	return nil
}

// OnSuccess records a successful call.
func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.consecutive = 0
	b.probeInFlight = false
	b.state = BreakerClosed
}

// OnFailure records a failed call, possibly tripping the breaker.
func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.consecutive++
	b.probeInFlight = false
	if b.state == BreakerHalfOpen || b.consecutive >= b.tripAfter {
		b.state = BreakerOpen
		b.openedAt = time.Now()
	}
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == BreakerOpen && time.Since(b.openedAt) >= b.cooldown {
		return BreakerHalfOpen
	}
	return b.state
}
