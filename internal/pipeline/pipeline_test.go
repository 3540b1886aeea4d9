package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/dlq"
	"github.com/tablesink/connector/internal/enrich"
	"github.com/tablesink/connector/internal/maintenance"
	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/model"
	"github.com/tablesink/connector/internal/parser"
	"github.com/tablesink/connector/internal/schemaregistry"
	"github.com/tablesink/connector/internal/tablewriter"
	"github.com/tablesink/connector/internal/validator"
)

type fakeStorer struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modTimes map[string]time.Time
	failPut  bool
}

func newFakeStorer() *fakeStorer {
	return &fakeStorer{objects: make(map[string][]byte), modTimes: make(map[string]time.Time)}
}

func (s *fakeStorer) PutObject(bucket, key string, body []byte, contentType string) error {
	if s.failPut {
		return fmt.Errorf("io: put object failed")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = body
	s.modTimes[bucket+"/"+key] = time.Now()
	return nil
}

func (s *fakeStorer) StatObject(bucket, key string) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.modTimes[bucket+"/"+key]
	if !ok {
		return time.Time{}, fmt.Errorf("not found: %s/%s", bucket, key)
	}
	return t, nil
}

func (s *fakeStorer) GetObject(bucket, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.objects[bucket+"/"+key]
	if !ok {
		return nil, fmt.Errorf("not found: %s/%s", bucket, key)
	}
	return b, nil
}

func (s *fakeStorer) ListObjectsV2(bucket, prefix string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	full := bucket + "/" + prefix
	for k := range s.objects {
		if len(k) >= len(full) && k[:len(full)] == full {
			keys = append(keys, k[len(bucket)+1:])
		}
	}
	return keys, nil
}

func (s *fakeStorer) HeadBucket(bucket string) error { return nil }

func (s *fakeStorer) DeleteObject(bucket, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+key)
	delete(s.modTimes, bucket+"/"+key)
	return nil
}

type fakeProducer struct {
	mu       sync.Mutex
	messages []struct {
		topic string
		value []byte
	}
}

func (p *fakeProducer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, struct {
		topic string
		value []byte
	}{topic, value})
	return 0, int64(len(p.messages) - 1), nil
}

func (p *fakeProducer) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.messages)
}

type fakeAckSession struct {
	mu     sync.Mutex
	marked map[string]int64
}

func newFakeAckSession() *fakeAckSession { return &fakeAckSession{marked: make(map[string]int64)} }

func (s *fakeAckSession) MarkOffset(topic string, partition int32, offset int64, metadata string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked[partitionKey(topic, partition)] = offset
}

func (s *fakeAckSession) Commit() {}

func (s *fakeAckSession) offsetFor(topic string, partition int32) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.marked[partitionKey(topic, partition)]
	return v, ok
}

func testBinding(topic string, batchSize int) model.TopicBinding {
	return model.TopicBinding{
		KafkaTopic: topic,
		Subject:    topic + "-value",
		Destination: model.Destination{
			Bucket:           "bkt",
			Path:             "tables/" + topic,
			TableName:        topic,
			PartitionColumns: nil,
		},
		Processing: model.Processing{BatchSize: batchSize, FlushInterval: time.Hour, MaxRetries: 2},
	}
}

func newTestPipeline(t *testing.T, storer *fakeStorer, producer *fakeProducer, binding model.TopicBinding) *Pipeline {
	t.Helper()
	resolver := schemaregistry.New(schemaregistry.Config{Enabled: false})
	val := validator.New()
	enr := enrich.New()
	par := parser.New(resolver, ",", 3)
	tw := tablewriter.New(storer, metrics.NoOp{})
	sched := maintenance.New(tw, metrics.NoOp{})
	sink := dlq.New(producer)

	return New(Config{
		Bindings:   map[string]model.TopicBinding{binding.KafkaTopic: binding},
		AutoCommit: true,
	}, resolver, val, enr, par, tw, sched, sink, metrics.NoOp{})
}

func rawJSON(topic string, partition int32, offset int64, fields map[string]interface{}) model.RawMessage {
	body, _ := json.Marshal(fields)
	return model.RawMessage{Topic: topic, Partition: partition, Offset: offset, Value: body, Timestamp: time.Now()}
}

func TestHandleRecordBuffersWithoutAckingBelowSizeTrigger(t *testing.T) {
	binding := testBinding("orders.v1", 10)
	storer := newFakeStorer()
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("orders.v1", 0, sess)

	raw := rawJSON("orders.v1", 0, 5, map[string]interface{}{"order_id": "o1"})
	p.Track("orders.v1", 0, raw.Offset)
	require.NoError(t, p.HandleRecord(context.Background(), raw))

	_, acked := sess.offsetFor("orders.v1", 0)
	require.False(t, acked)
}

func TestHandleRecordFlushesAndAcksOnSizeTrigger(t *testing.T) {
	binding := testBinding("orders.v1", 1)
	storer := newFakeStorer()
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("orders.v1", 0, sess)

	raw := rawJSON("orders.v1", 0, 7, map[string]interface{}{"order_id": "o1"})
	p.Track("orders.v1", 0, raw.Offset)
	require.NoError(t, p.HandleRecord(context.Background(), raw))

	offset, acked := sess.offsetFor("orders.v1", 0)
	require.True(t, acked)
	require.Equal(t, int64(8), offset)
	require.Equal(t, 0, producer.count())
}

func TestHandleRecordMalformedJSONGoesToDLQAndAcksImmediately(t *testing.T) {
	binding := testBinding("orders.v1", 10)
	storer := newFakeStorer()
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("orders.v1", 0, sess)

	raw := model.RawMessage{Topic: "orders.v1", Partition: 0, Offset: 3, Value: []byte("{ broken")}
	p.Track("orders.v1", 0, raw.Offset)
	require.NoError(t, p.HandleRecord(context.Background(), raw))

	require.Equal(t, 1, producer.count())
	offset, acked := sess.offsetFor("orders.v1", 0)
	require.True(t, acked)
	require.Equal(t, int64(4), offset)
}

func TestHandleRecordUnknownTopicGoesToDLQAndAcks(t *testing.T) {
	binding := testBinding("orders.v1", 10)
	storer := newFakeStorer()
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("unknown.topic", 0, sess)

	raw := rawJSON("unknown.topic", 0, 1, map[string]interface{}{"x": "y"})
	p.Track("unknown.topic", 0, raw.Offset)
	require.NoError(t, p.HandleRecord(context.Background(), raw))

	require.Equal(t, 1, producer.count())
	_, acked := sess.offsetFor("unknown.topic", 0)
	require.True(t, acked)
}

func TestOnFlushWriterFailureRoutesRecordsToDLQAndStillAcks(t *testing.T) {
	binding := testBinding("orders.v1", 1)
	binding.Processing.MaxRetries = 1
	storer := newFakeStorer()
	storer.failPut = true
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("orders.v1", 0, sess)

	raw := rawJSON("orders.v1", 0, 9, map[string]interface{}{"order_id": "o1"})
	p.Track("orders.v1", 0, raw.Offset)
	require.NoError(t, p.HandleRecord(context.Background(), raw))

	require.Equal(t, 1, producer.count())
	offset, acked := sess.offsetFor("orders.v1", 0)
	require.True(t, acked)
	require.Equal(t, int64(10), offset)
}

func TestOnFlushAcksEveryOffsetInABatchNotJustTheHighest(t *testing.T) {
	binding := testBinding("orders.v1", 3)
	storer := newFakeStorer()
	producer := &fakeProducer{}
	p := newTestPipeline(t, storer, producer, binding)
	sess := newFakeAckSession()
	p.RegisterSession("orders.v1", 0, sess)

	for _, offset := range []int64{0, 1, 2} {
		raw := rawJSON("orders.v1", 0, offset, map[string]interface{}{"order_id": "o"})
		p.Track("orders.v1", 0, raw.Offset)
		require.NoError(t, p.HandleRecord(context.Background(), raw))
	}

	offset, acked := sess.offsetFor("orders.v1", 0)
	require.True(t, acked)
	require.Equal(t, int64(3), offset)
}

func TestTrackerAdvancesOnlyContiguousPrefix(t *testing.T) {
	tr := newPartitionTracker()
	tr.track(0)
	tr.track(1)
	tr.track(2)

	require.Equal(t, int64(-1), tr.resolve(1))
	require.Equal(t, int64(1), tr.resolve(0))
	require.Equal(t, int64(2), tr.resolve(2))
}
