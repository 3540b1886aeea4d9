// Package circuit implements a per-service-name failure isolator:
// {CLOSED, OPEN, HALF_OPEN}, transitioning on {success, failure,
// timeout_elapsed}.
package circuit

import (
	"sync"
	"time"
)

// State is one of CLOSED, OPEN, HALF_OPEN.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return "CLOSED"
	}
}

const (
	// FailureThreshold is the consecutive-failure count that trips
	// CLOSED -> OPEN.
	FailureThreshold = 5
	// SuccessThreshold is the consecutive-success count in HALF_OPEN
	// that closes the circuit again.
	SuccessThreshold = 3
	// Timeout is how long OPEN waits before admitting a probe call.
	Timeout = 60 * time.Second
)

// ErrOpen is returned by Allow when the circuit is fast-failing.
type ErrOpen struct{ Service string }

func (e *ErrOpen) Error() string { return "circuit open for " + e.Service }

// breakerState is the mutable state for one service name. All field
// mutation happens under mu; reads by metrics may take a snapshot copy.
type breakerState struct {
	mu                  sync.Mutex
	name                string
	state               State
	consecutiveFailures int
	consecutiveSuccess  int
	lastFailure         time.Time
}

// Snapshot is a torn-free copy of a breaker's state for metrics/tests.
type Snapshot struct {
	Name                string
	State               State
	ConsecutiveFailures int
	ConsecutiveSuccess  int
	LastFailure         time.Time
}

// Breaker is the process-wide, concurrent map of named circuits, keyed
// by a service name such as `message-processing-<topic>` or
// `writer-<tablepath>`.
type Breaker struct {
	circuits sync.Map // name -> *breakerState
}

// New constructs an empty Breaker registry.
func New() *Breaker {
	return &Breaker{}
}

func (b *Breaker) entry(name string) *breakerState {
	v, _ := b.circuits.LoadOrStore(name, &breakerState{name: name, state: Closed})
	return v.(*breakerState)
}

// Allow decides whether a call to the named service may proceed. It
// also performs the OPEN -> HALF_OPEN timeout transition as a side
// effect, since that edge is driven by the passage of time rather than
// an explicit event.
func (b *Breaker) Allow(name string) error {
	e := b.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		return nil
	case HalfOpen:
		return nil
	case Open:
		if time.Since(e.lastFailure) >= Timeout {
			e.state = HalfOpen
			e.consecutiveSuccess = 0
			return nil
		}
		return &ErrOpen{Service: name}
	}
	return nil
}

// Success records a successful call against the named service.
func (b *Breaker) Success(name string) {
	e := b.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	switch e.state {
	case Closed:
		e.consecutiveFailures = 0
	case HalfOpen:
		e.consecutiveSuccess++
		if e.consecutiveSuccess >= SuccessThreshold {
			e.state = Closed
			e.consecutiveFailures = 0
			e.consecutiveSuccess = 0
		}
	case Open:
		// a success while OPEN can't happen through Allow, but stay total.
	}
}

// Failure records a failed call against the named service.
func (b *Breaker) Failure(name string) {
	e := b.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()

	e.lastFailure = time.Now()

	switch e.state {
	case Closed:
		e.consecutiveFailures++
		if e.consecutiveFailures >= FailureThreshold {
			e.state = Open
		}
	case HalfOpen:
		e.state = Open
		e.consecutiveSuccess = 0
	case Open:
		// already open; lastFailure already refreshed above.
	}
}

// Do runs fn guarded by the named circuit, converting an open circuit
// into an *ErrOpen error rather than invoking fn, and recording the
// outcome of fn back into the circuit on return.
func (b *Breaker) Do(name string, fn func() error) error {
	if err := b.Allow(name); err != nil {
		return err
	}

	err := fn()
	if err != nil {
		b.Failure(name)
		return err
	}
	b.Success(name)
	return nil
}

// Names returns every service name with a circuit entry, in no
// particular order, for callers that poll every known circuit (the
// alert notifier watching for OPEN transitions).
func (b *Breaker) Names() []string {
	var names []string
	b.circuits.Range(func(k, _ interface{}) bool {
		names = append(names, k.(string))
		return true
	})
	return names
}

// State returns a torn-free snapshot of the named circuit.
func (b *Breaker) State(name string) Snapshot {
	e := b.entry(name)
	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Name:                e.name,
		State:               e.state,
		ConsecutiveFailures: e.consecutiveFailures,
		ConsecutiveSuccess:  e.consecutiveSuccess,
		LastFailure:         e.lastFailure,
	}
}
