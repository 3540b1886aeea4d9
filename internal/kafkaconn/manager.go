package kafkaconn

import (
	"context"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/practo/klog/v2"
)

// metadataClient is the narrow slice of sarama.Client the watcher needs;
// sarama.Client satisfies it directly, tests use a fake.
type metadataClient interface {
	RefreshMetadata(topics ...string) error
	Topics() ([]string, error)
}

// TopicWatcher periodically resolves a set of topic-name regexes against
// the cluster's live topic list, so newly created topics matching a
// binding's pattern are picked up without a restart. It watches an
// arbitrary list of regexes rather than one fixed topic-prefix
// convention.
type TopicWatcher struct {
	client metadataClient

	mu     sync.Mutex
	regex  []*regexp.Regexp
	topics []string
}

// NewTopicWatcher compiles regexes (comma-separated) and builds a
// watcher bound to client.
func NewTopicWatcher(client metadataClient, regexes string) (*TopicWatcher, error) {
	var compiled []*regexp.Regexp
	for _, expr := range strings.Split(regexes, ",") {
		expr = strings.TrimSpace(expr)
		if expr == "" {
			continue
		}
		rgx, err := regexp.Compile(expr)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, rgx)
	}

	return &TopicWatcher{client: client, regex: compiled}, nil
}

// Topics returns the last-resolved list of matching topics.
func (w *TopicWatcher) Topics() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.topics...)
}

func (w *TopicWatcher) refresh() error {
	if err := w.client.RefreshMetadata(); err != nil {
		return err
	}
	all, err := w.client.Topics()
	if err != nil {
		return err
	}

	matched := []string{}
	seen := make(map[string]bool, len(all))
	for _, topic := range all {
		for _, rgx := range w.regex {
			if !rgx.MatchString(topic) || seen[topic] {
				continue
			}
			matched = append(matched, topic)
			seen[topic] = true
		}
	}

	w.mu.Lock()
	w.topics = matched
	w.mu.Unlock()

	klog.V(4).Infof("kafkaconn: topic watcher resolved %d topic(s) from %d regex(es)", len(matched), len(w.regex))
	return nil
}

// Run polls the cluster for topic changes every interval until ctx is
// cancelled. It performs one synchronous refresh before returning so
// Topics() is populated as soon as Run's first call completes.
func (w *TopicWatcher) Run(ctx context.Context, interval time.Duration) error {
	if err := w.refresh(); err != nil {
		return err
	}

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.refresh(); err != nil {
					klog.Errorf("kafkaconn: topic refresh failed: %v", err)
				}
			}
		}
	}()

	return nil
}
