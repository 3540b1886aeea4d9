package pipeline

import (
	"sync"

	"github.com/Shopify/sarama"
	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/model"
)

// Handler adapts a Pipeline to sarama.ConsumerGroupHandler, tracking
// the Assigned -> Running -> Draining -> Released state machine per
// partition, one level up from the per-claim processing loop.
type Handler struct {
	pipeline *Pipeline

	states sync.Map // "topic:partition" -> PartitionState
}

// NewHandler constructs a Handler around pipeline.
func NewHandler(pipeline *Pipeline) *Handler {
	return &Handler{pipeline: pipeline}
}

// StateOf reports a partition's current lifecycle state, Released if
// never seen.
func (h *Handler) StateOf(topic string, partition int32) PartitionState {
	v, ok := h.states.Load(partitionKey(topic, partition))
	if !ok {
		return Released
	}
	return v.(PartitionState)
}

func (h *Handler) setState(topic string, partition int32, s PartitionState) {
	h.states.Store(partitionKey(topic, partition), s)
}

// Setup registers every claimed partition's session with the pipeline
// and marks it Assigned, then Running, before ConsumeClaim begins.
func (h *Handler) Setup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			h.setState(topic, partition, Assigned)
			h.pipeline.RegisterSession(topic, partition, session)
			h.setState(topic, partition, Running)
			klog.V(2).Infof("pipeline: %s/%d: assigned", topic, partition)
		}
	}
	return nil
}

// Cleanup drains every buffered destination before releasing the
// partitions this session owned, entering the Draining stage.
// Buffer.FlushAll necessarily drains the whole buffer (destinations
// aren't partition-scoped), so a revoke on one
// partition conservatively flushes every destination rather than only
// the revoked partitions' records.
func (h *Handler) Cleanup(session sarama.ConsumerGroupSession) error {
	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			h.setState(topic, partition, Draining)
		}
	}

	h.pipeline.buffer.FlushAll()

	for topic, partitions := range session.Claims() {
		for _, partition := range partitions {
			h.pipeline.UnregisterSession(topic, partition)
			h.setState(topic, partition, Released)
			klog.V(2).Infof("pipeline: %s/%d: released", topic, partition)
		}
	}
	return nil
}

// ConsumeClaim reads every message off claim, tracks its offset, and
// drives it through the pipeline. It returns nil on a clean session end,
// when the session context is cancelled, and when HandleRecord reports
// cancellation, so the consumer group can rebalance;
// every other failure mode is resolved inside HandleRecord (buffered,
// or DLQ'd-and-acked), so ConsumeClaim itself never has to branch on
// Retriable vs Terminal.
func (h *Handler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	topic := claim.Topic()
	partition := claim.Partition()

	for {
		select {
		case msg, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			raw := model.RawMessage{
				Topic:     msg.Topic,
				Partition: msg.Partition,
				Offset:    msg.Offset,
				Key:       msg.Key,
				Value:     msg.Value,
				Timestamp: msg.Timestamp,
				Headers:   headersOf(msg.Headers),
			}
			h.pipeline.Track(topic, partition, raw.Offset)
			if err := h.pipeline.HandleRecord(session.Context(), raw); err != nil {
				klog.Warningf("pipeline: %s/%d: stopping claim: %v", topic, partition, err)
				return nil
			}
		case <-session.Context().Done():
			return nil
		}
	}
}

func headersOf(hs []*sarama.RecordHeader) map[string][]byte {
	if len(hs) == 0 {
		return nil
	}
	out := make(map[string][]byte, len(hs))
	for _, h := range hs {
		out[string(h.Key)] = h.Value
	}
	return out
}
