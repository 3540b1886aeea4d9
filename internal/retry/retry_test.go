package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/classify"
)

func TestExecuteSucceedsFirstTry(t *testing.T) {
	e := NewExecutor()
	calls := 0
	err := e.Execute(context.Background(), "dest-a", DefaultPolicy(3), func(ctx context.Context, attempt int) error {
		calls++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 1, calls)
	require.Equal(t, 0, e.Snapshot("dest-a").Attempt)
}

func TestExecuteRetriesThenSucceeds(t *testing.T) {
	e := NewExecutor()
	policy := DefaultPolicy(3)
	policy.BaseDelay = time.Millisecond
	policy.Cap = 5 * time.Millisecond

	calls := 0
	err := e.Execute(context.Background(), "dest-b", policy, func(ctx context.Context, attempt int) error {
		calls++
		if calls < 3 {
			return classify.Retriablef(classify.CategoryServiceUnavailable, "put", errors.New("503"))
		}
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 3, calls)
	require.Equal(t, 0, e.Snapshot("dest-b").TotalFailures)
}

func TestExecuteTerminalErrorStopsImmediately(t *testing.T) {
	e := NewExecutor()
	calls := 0
	err := e.Execute(context.Background(), "dest-c", DefaultPolicy(5), func(ctx context.Context, attempt int) error {
		calls++
		return classify.Terminalf(classify.CategoryMalformedMessage, "parse", errors.New("bad"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestExecuteZeroMaxRetriesIsOneAttempt(t *testing.T) {
	e := NewExecutor()
	calls := 0
	err := e.Execute(context.Background(), "dest-d", DefaultPolicy(1), func(ctx context.Context, attempt int) error {
		calls++
		return classify.Retriablef(classify.CategoryIO, "put", errors.New("boom"))
	})
	require.Error(t, err)
	require.Equal(t, 1, calls)
}

func TestExecuteExhaustionReclassifiesTerminal(t *testing.T) {
	e := NewExecutor()
	policy := DefaultPolicy(2)
	policy.BaseDelay = time.Millisecond
	policy.Cap = 2 * time.Millisecond

	err := e.Execute(context.Background(), "dest-e", policy, func(ctx context.Context, attempt int) error {
		return classify.Retriablef(classify.CategoryThrottling, "put", errors.New("429"))
	})
	require.Error(t, err)
	require.Equal(t, classify.Terminal, classify.Classify(err))
}

func TestExecuteCancellationDuringBackoff(t *testing.T) {
	e := NewExecutor()
	policy := DefaultPolicy(5)
	policy.BaseDelay = 50 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := e.Execute(ctx, "dest-f", policy, func(ctx context.Context, attempt int) error {
		return classify.Retriablef(classify.CategoryIO, "put", errors.New("boom"))
	})
	require.Error(t, err)
	require.Equal(t, classify.Terminal, classify.Classify(err))
}

func TestBackoffDelayBounds(t *testing.T) {
	p := DefaultPolicy(10)
	for attempt := 1; attempt <= 6; attempt++ {
		d := backoffDelay(p, attempt)
		require.GreaterOrEqual(t, d, time.Duration(0))
		require.LessOrEqual(t, d, p.Cap)
	}
}
