package alert

import (
	"context"
	"sync"
	"testing"

	"github.com/slack-go/slack"
	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/circuit"
)

type fakePoster struct {
	mu    sync.Mutex
	texts []string
}

func (f *fakePoster) post(_ context.Context, _ string, msg *slack.WebhookMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.texts = append(f.texts, msg.Text)
	return nil
}

func (f *fakePoster) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.texts)
}

func TestCheckCircuitsNotifiesOnlyOnOpenTransition(t *testing.T) {
	b := circuit.New()
	n := New("http://hooks.example/x", "#alerts", b, nil, 0)
	poster := &fakePoster{}
	n.poster = poster.post

	for i := 0; i < circuit.FailureThreshold; i++ {
		b.Failure("writer-orders")
	}
	n.checkCircuits(context.Background())
	require.Equal(t, 1, poster.count())

	// Still OPEN on next poll: no duplicate notification.
	n.checkCircuits(context.Background())
	require.Equal(t, 1, poster.count())
}

func TestCheckDLQRateNotifiesOnceOnThresholdCross(t *testing.T) {
	rate := 0.0
	n := New("http://hooks.example/x", "#alerts", nil, func() float64 { return rate }, 0.1)
	poster := &fakePoster{}
	n.poster = poster.post

	n.checkDLQRate(context.Background())
	require.Equal(t, 0, poster.count())

	rate = 0.2
	n.checkDLQRate(context.Background())
	require.Equal(t, 1, poster.count())

	n.checkDLQRate(context.Background())
	require.Equal(t, 1, poster.count())

	rate = 0.01
	n.checkDLQRate(context.Background())
	require.Equal(t, 2, poster.count())
}

func TestNotifyWithoutWebhookDoesNotPanic(t *testing.T) {
	n := New("", "#alerts", nil, nil, 0)
	n.notify(context.Background(), "test")
}
