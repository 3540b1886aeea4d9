// Package retry executes a closure with bounded exponential backoff and
// jitter, keeping one RetryState per named destination in a concurrent
// map so callers never have to thread retry bookkeeping through their
// own call stacks.
package retry

import (
	"context"
	"math/rand"
	"sync"
	"time"

	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/classify"
)

// Policy configures one named retry budget.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	Cap         time.Duration
	JitterFrac  float64
}

// DefaultPolicy is the connector's default retry shape: base 1s, multiplier
// 2, cap 30s, jitter ±25%.
func DefaultPolicy(maxAttempts int) Policy {
	return Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   time.Second,
		Multiplier:  2,
		Cap:         30 * time.Second,
		JitterFrac:  0.25,
	}
}

// State is per-destination retry bookkeeping, reset on any success.
type State struct {
	mu            sync.Mutex
	Name          string
	Attempt       int
	TotalFailures int
	LastErr       error
	LastAttempt   time.Time
}

func (s *State) snapshot() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return State{
		Name:          s.Name,
		Attempt:       s.Attempt,
		TotalFailures: s.TotalFailures,
		LastErr:       s.LastErr,
		LastAttempt:   s.LastAttempt,
	}
}

// Executor holds the process-wide, concurrent map of named RetryState,
// modeled as a concurrent map with single-flight
// compute-if-absent and internal per-entry locks, not globals with
// coarse synchronization").
type Executor struct {
	states sync.Map // name -> *State
}

// NewExecutor constructs an empty Executor.
func NewExecutor() *Executor {
	return &Executor{}
}

func (e *Executor) stateFor(name string) *State {
	v, _ := e.states.LoadOrStore(name, &State{Name: name})
	return v.(*State)
}

// Snapshot returns a torn-free copy of the named retry state for metrics
// reporting.
func (e *Executor) Snapshot(name string) State {
	return e.stateFor(name).snapshot()
}

// Op is the closure executed under retry. It must surface errors in a
// form classify.Classify can act on (ideally a *classify.Error).
type Op func(ctx context.Context, attempt int) error

// Execute runs op, retrying only while classify.Classify(err) reports
// Retriable, up to policy.MaxAttempts total attempts. It resets the
// named state on success and wraps a context cancellation during
// backoff as Terminal.
func (e *Executor) Execute(ctx context.Context, name string, policy Policy, op Op) error {
	st := e.stateFor(name)

	var lastErr error
	for attempt := 1; attempt <= policy.MaxAttempts; attempt++ {
		st.mu.Lock()
		st.Attempt = attempt
		st.LastAttempt = time.Now()
		st.mu.Unlock()

		err := op(ctx, attempt)
		if err == nil {
			st.mu.Lock()
			st.Attempt = 0
			st.TotalFailures = 0
			st.LastErr = nil
			st.mu.Unlock()
			return nil
		}

		lastErr = err
		st.mu.Lock()
		st.TotalFailures++
		st.LastErr = err
		st.mu.Unlock()

		if classify.Classify(err) != classify.Retriable {
			return err
		}

		if attempt == policy.MaxAttempts {
			break
		}

		delay := backoffDelay(policy, attempt)
		klog.V(3).Infof("%s: attempt %d/%d failed, retrying in %v: %v",
			name, attempt, policy.MaxAttempts, delay, err)

		select {
		case <-ctx.Done():
			return classify.Terminalf(classify.CategoryCancelled, name, ctx.Err())
		case <-time.After(delay):
		}
	}

	// Retries exhausted: reclassify as Terminal.
	return classify.Terminalf(classify.CategoryFor(lastErr), name+": retries exhausted", lastErr)
}

// backoffDelay computes attempt k's delay in
// [base*2^(k-1)*0.75, min(cap, base*2^(k-1)*1.25)], jittered ±25%
// and capped.
func backoffDelay(p Policy, attempt int) time.Duration {
	mult := 1.0
	for i := 1; i < attempt; i++ {
		mult *= p.Multiplier
	}
	raw := float64(p.BaseDelay) * mult
	if raw > float64(p.Cap) {
		raw = float64(p.Cap)
	}

	jitter := 1 + (rand.Float64()*2-1)*p.JitterFrac
	delay := time.Duration(raw * jitter)
	if delay > p.Cap {
		delay = p.Cap
	}
	if delay < 0 {
		delay = 0
	}
	return delay
}
