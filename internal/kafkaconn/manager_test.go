package kafkaconn

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeMetadataClient struct {
	topics []string
	calls  int
}

func (f *fakeMetadataClient) RefreshMetadata(topics ...string) error {
	f.calls++
	return nil
}

func (f *fakeMetadataClient) Topics() ([]string, error) {
	return f.topics, nil
}

func TestTopicWatcherMatchesRegexesUniquely(t *testing.T) {
	fc := &fakeMetadataClient{topics: []string{"user.events.v1", "order.events.v1", "internal.audit"}}
	w, err := NewTopicWatcher(fc, "user\\..*,order\\..*")
	require.NoError(t, err)

	require.NoError(t, w.refresh())
	topics := w.Topics()
	require.ElementsMatch(t, []string{"user.events.v1", "order.events.v1"}, topics)
}

func TestTopicWatcherDedupesAcrossOverlappingRegexes(t *testing.T) {
	fc := &fakeMetadataClient{topics: []string{"user.events.v1"}}
	w, err := NewTopicWatcher(fc, "user\\..*,.*events.*")
	require.NoError(t, err)
	require.NoError(t, w.refresh())
	require.Equal(t, []string{"user.events.v1"}, w.Topics())
}

func TestTopicWatcherRunRefreshesPeriodically(t *testing.T) {
	fc := &fakeMetadataClient{topics: []string{"a.b"}}
	w, err := NewTopicWatcher(fc, "a\\..*")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, w.Run(ctx, 5*time.Millisecond))
	require.Equal(t, []string{"a.b"}, w.Topics())

	time.Sleep(20 * time.Millisecond)
	cancel()
	require.GreaterOrEqual(t, fc.calls, 2)
}

func TestNewTopicWatcherRejectsInvalidRegex(t *testing.T) {
	fc := &fakeMetadataClient{}
	_, err := NewTopicWatcher(fc, "[")
	require.Error(t, err)
}
