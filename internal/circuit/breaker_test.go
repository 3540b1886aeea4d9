package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClosedStaysClosedUnderFewFailures(t *testing.T) {
	b := New()
	for i := 0; i < FailureThreshold-1; i++ {
		b.Failure("svc")
	}
	require.Equal(t, Closed, b.State("svc").State)
	require.NoError(t, b.Allow("svc"))
}

func TestTripsOpenAtThreshold(t *testing.T) {
	b := New()
	for i := 0; i < FailureThreshold; i++ {
		b.Failure("svc")
	}
	require.Equal(t, Open, b.State("svc").State)
	require.Error(t, b.Allow("svc"))

	var openErr *ErrOpen
	require.True(t, errors.As(b.Allow("svc"), &openErr))
}

func TestSuccessResetsClosedCounter(t *testing.T) {
	b := New()
	b.Failure("svc")
	b.Failure("svc")
	b.Success("svc")
	require.Equal(t, 0, b.State("svc").ConsecutiveFailures)
}

func TestHalfOpenAfterTimeoutAndCloses(t *testing.T) {
	b := New()
	for i := 0; i < FailureThreshold; i++ {
		b.Failure("svc")
	}
	e := b.entry("svc")
	e.mu.Lock()
	e.lastFailure = time.Now().Add(-(Timeout + time.Second))
	e.mu.Unlock()

	require.NoError(t, b.Allow("svc"))
	require.Equal(t, HalfOpen, b.State("svc").State)

	for i := 0; i < SuccessThreshold; i++ {
		b.Success("svc")
	}
	require.Equal(t, Closed, b.State("svc").State)
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := New()
	for i := 0; i < FailureThreshold; i++ {
		b.Failure("svc")
	}
	e := b.entry("svc")
	e.mu.Lock()
	e.state = HalfOpen
	e.mu.Unlock()

	b.Failure("svc")
	require.Equal(t, Open, b.State("svc").State)
}

func TestDoWrapsOutcome(t *testing.T) {
	b := New()
	err := b.Do("svc", func() error { return nil })
	require.NoError(t, err)
	require.Equal(t, Closed, b.State("svc").State)

	boom := errors.New("boom")
	for i := 0; i < FailureThreshold; i++ {
		_ = b.Do("svc", func() error { return boom })
	}
	require.Equal(t, Open, b.State("svc").State)

	err = b.Do("svc", func() error { return nil })
	var openErr *ErrOpen
	require.True(t, errors.As(err, &openErr))
}

func TestKeyedCircuitsAreIndependent(t *testing.T) {
	b := New()
	for i := 0; i < FailureThreshold; i++ {
		b.Failure("writer-table-a")
	}
	require.Equal(t, Open, b.State("writer-table-a").State)
	require.Equal(t, Closed, b.State("writer-table-b").State)
}
