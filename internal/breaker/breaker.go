// Package breaker implements the circuit breaker applied to every
// external dependency: 5 failures within 60s open the circuit for 60s,
// then a half-open phase admits 3 probes before closing again.
package breaker

import (
	"errors"
	"sync"
	"time"
)

// ErrOpen is returned by Allow while the circuit is open.
var ErrOpen = errors.New("circuit breaker open")

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
	default:
		return "half-open"
	}
}

// Breaker is safe for concurrent use.
type Breaker struct {
	mu sync.Mutex

	state       State
	failures    int
	windowStart time.Time
	openedAt    time.Time
	probes      int
	successes   int

	threshold  int
	window     time.Duration
	cooldown   time.Duration
	probeQuota int

	now func() time.Time
}

// New builds a breaker with explicit thresholds. Most callers want
// NewDefault.
func New(threshold int, window, cooldown time.Duration, probes int) *Breaker {
	return &Breaker{
		threshold:  threshold,
		window:     window,
		cooldown:   cooldown,
		probeQuota: probes,
		now:        time.Now,
	}
}

// NewDefault builds a breaker with the standard dependency policy.
func NewDefault() *Breaker {
	return New(5, time.Minute, time.Minute, 3)
}

// Allow reports whether a call may proceed. In half-open it consumes one
// of the probe slots.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil
	case StateOpen:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return ErrOpen
		}
		b.state = StateHalfOpen
		b.probes = b.probeQuota
		b.successes = 0
		fallthrough
	default: // StateHalfOpen
		if b.probes == 0 {
			return ErrOpen
		}
		b.probes--
		return nil
	}
}

// RecordSuccess feeds a successful call back into the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.failures = 0
	case StateHalfOpen:
		b.successes++
		if b.successes >= b.probeQuota {
			b.state = StateClosed
			b.failures = 0
		}
	}
}

// RecordFailure feeds a failed call back into the breaker.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	switch b.state {
	case StateClosed:
		if b.failures == 0 || now.Sub(b.windowStart) > b.window {
			b.failures = 0
			b.windowStart = now
		}
		b.failures++
		if b.failures >= b.threshold {
			b.state = StateOpen
			b.openedAt = now
		}
	case StateHalfOpen:
		b.state = StateOpen
		b.openedAt = now
	}
}

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
