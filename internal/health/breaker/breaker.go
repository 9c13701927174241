// Package breaker implements a small circuit breaker guarding repeated
// debugger-startup failures against a single binary path (spec.md DESIGN
// NOTES §9): a Closed/Open/HalfOpen state machine with atomic transitions,
// in the style the teacher uses sync/atomic fields for
// process.started/process.cmd_pid rather than a mutex-guarded struct.
// There is no monitor goroutine: Allow moves the breaker from Open to
// HalfOpen lazily once the reset timeout has elapsed.
package breaker

import (
	"sync/atomic"
	"time"
)

// State is the breaker's position.
type State int32

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "Closed"
	case Open:
		return "Open"
	case HalfOpen:
		return "HalfOpen"
	default:
		return "Unknown"
	}
}

// Breaker trips Open after FailureThreshold consecutive failures, stays
// Open for ResetTimeout, then allows exactly one HalfOpen trial: success
// closes it, failure reopens it for another ResetTimeout.
type Breaker struct {
	failureThreshold int32
	resetTimeout     time.Duration

	state         atomic.Int32
	failures      atomic.Int32
	openedAt      atomic.Int64 // unix nanos
	halfOpenTrial atomic.Bool
}

func New(failureThreshold int, resetTimeout time.Duration) *Breaker {
	b := &Breaker{
		failureThreshold: int32(failureThreshold),
		resetTimeout:     resetTimeout,
	}
	b.state.Store(int32(Closed))
	return b
}

// Allow reports whether a new attempt may proceed, transitioning
// Open→HalfOpen once resetTimeout has elapsed.
func (b *Breaker) Allow() bool {
	switch State(b.state.Load()) {
	case Closed:
		return true
	case HalfOpen:
		return b.halfOpenTrial.CompareAndSwap(false, true)
	case Open:
		openedAt := time.Unix(0, b.openedAt.Load())
		if time.Since(openedAt) < b.resetTimeout {
			return false
		}
		if b.state.CompareAndSwap(int32(Open), int32(HalfOpen)) {
			b.halfOpenTrial.Store(true)
			return true
		}
		return State(b.state.Load()) == HalfOpen && b.halfOpenTrial.CompareAndSwap(false, true)
	default:
		return true
	}
}

// RecordSuccess closes the breaker and resets the failure count.
func (b *Breaker) RecordSuccess() {
	b.failures.Store(0)
	b.halfOpenTrial.Store(false)
	b.state.Store(int32(Closed))
}

// RecordFailure increments the failure count, tripping Open once
// failureThreshold consecutive failures accrue, or immediately reopening
// from HalfOpen.
func (b *Breaker) RecordFailure() {
	if State(b.state.Load()) == HalfOpen {
		b.trip()
		return
	}
	if b.failures.Add(1) >= b.failureThreshold {
		b.trip()
	}
}

func (b *Breaker) trip() {
	b.halfOpenTrial.Store(false)
	b.openedAt.Store(time.Now().UnixNano())
	b.state.Store(int32(Open))
}

func (b *Breaker) State() State { return State(b.state.Load()) }
