package kafkaconn

import (
	"github.com/Shopify/sarama"
)

// Producer wraps a sarama.SyncProducer with the narrow SendMessage shape
// the rest of the connector (the Dead Letter Sink, operator signaling)
// needs: one reusable publisher, since every use here sends pre-encoded
// JSON bytes, not Avro.
type Producer struct {
	sync sarama.SyncProducer
}

// NewProducer builds a synchronous producer for brokers using cfg.
func NewProducer(brokers []string, cfg *sarama.Config) (*Producer, error) {
	sp, err := sarama.NewSyncProducer(brokers, cfg)
	if err != nil {
		return nil, err
	}
	return &Producer{sync: sp}, nil
}

// SendMessage publishes value (and optional key) to topic, returning
// the partition and offset sarama assigned. Satisfies dlq.Producer.
func (p *Producer) SendMessage(topic string, key, value []byte) (int32, int64, error) {
	msg := &sarama.ProducerMessage{
		Topic: topic,
		Value: sarama.ByteEncoder(value),
	}
	if key != nil {
		msg.Key = sarama.ByteEncoder(key)
	}
	return p.sync.SendMessage(msg)
}

// Close releases the underlying sarama producer.
func (p *Producer) Close() error {
	return p.sync.Close()
}
