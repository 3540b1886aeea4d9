// Package dlq implements the Dead Letter Sink: it wraps
// a terminally failed record in a DLQEnvelope and publishes it to
// `{topic}-dlq`. Publishing is
// fire-and-forget: a DLQ publish failure is logged, never retried and
// never escalated back into the main pipeline.
package dlq

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/model"
)

// Producer is the narrow slice of a Kafka producer the Dead Letter Sink
// needs. sarama.SyncProducer satisfies it directly; tests use a fake.
type Producer interface {
	SendMessage(topic string, key, value []byte) (partition int32, offset int64, err error)
}

// Suffix is appended to a topic name to derive its DLQ topic.
const Suffix = "-dlq"

// TopicFor returns the DLQ topic name for a source topic, applying the
// `{topic}-dlq` convention.
func TopicFor(topic string) string {
	return topic + Suffix
}

// Sink publishes DLQEnvelope records for terminally classified failures.
type Sink struct {
	producer Producer
}

// New constructs a Sink around producer.
func New(producer Producer) *Sink {
	return &Sink{producer: producer}
}

// Publish wraps raw in a DLQEnvelope describing err and sends it to
// raw.Topic's DLQ topic. It never returns an error to the caller: a
// publish failure is logged and swallowed so that a broken DLQ topic
// cannot stall record processing.
func (s *Sink) Publish(raw model.RawMessage, err error) {
	envelope := model.DLQEnvelope{
		OriginalTopic:     raw.Topic,
		OriginalPartition: raw.Partition,
		OriginalOffset:    raw.Offset,
		Key:               raw.Key,
		Value:             raw.Value,
		ErrorReason:       err.Error(),
		ErrorClass:        string(classify.CategoryFor(err)),
		ShortStack:        shortStack(err),
		DLQTimestamp:      time.Now().UTC(),
		EnvelopeVersion:   model.CurrentEnvelopeVersion,
	}

	body, marshalErr := json.Marshal(envelope)
	if marshalErr != nil {
		klog.Errorf("dlq: %s: failed to marshal envelope, dropping record offset %d: %v",
			raw.Topic, raw.Offset, marshalErr)
		return
	}

	dlqTopic := TopicFor(raw.Topic)
	partition, offset, sendErr := s.producer.SendMessage(dlqTopic, raw.Key, body)
	if sendErr != nil {
		klog.Errorf("dlq: %s: failed to publish offset %d, err: %v", dlqTopic, raw.Offset, sendErr)
		return
	}

	klog.V(2).Infof("dlq: %s: published offset %d (partition %d, dlq-offset %d)",
		dlqTopic, raw.Offset, partition, offset)
}

// shortStack renders a brief, single-line cause chain for the envelope.
// It is not a real stack trace -- the corpus carries none -- just the
// wrapped error chain, which is what operators actually read off a DLQ
// message when triaging.
func shortStack(err error) string {
	if err == nil {
		return ""
	}
	return fmt.Sprintf("%+v", err)
}
