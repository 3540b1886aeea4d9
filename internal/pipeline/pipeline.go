// Package pipeline implements the Consumer Loop: the
// top-level worker that drives raw Kafka records through parse ->
// validate -> enrich -> buffer, drives the Table Writer under Retry and
// Circuit Breaker on flush, and commits consumer offsets strictly after
// a successful table commit. Its HandleRecord/ack structure
// supports many destinations sharing a single partition, rather than
// one destination per (topic,partition).
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/buffer"
	"github.com/tablesink/connector/internal/circuit"
	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/dlq"
	"github.com/tablesink/connector/internal/enrich"
	"github.com/tablesink/connector/internal/maintenance"
	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/model"
	"github.com/tablesink/connector/internal/parser"
	"github.com/tablesink/connector/internal/retry"
	"github.com/tablesink/connector/internal/schemaregistry"
	"github.com/tablesink/connector/internal/tablewriter"
	"github.com/tablesink/connector/internal/validator"
)

// ackSession is the narrow slice of sarama.ConsumerGroupSession the
// pipeline needs to acknowledge offsets; kept local so tests can fake a
// session without a live broker.
type ackSession interface {
	MarkOffset(topic string, partition int32, offset int64, metadata string)
	Commit()
}

// Config holds the pipeline-wide knobs that aren't owned by any one
// collaborator.
type Config struct {
	Bindings            map[string]model.TopicBinding // keyed by KafkaTopic
	AutoCommit          bool
	VacuumCheckInterval time.Duration
}

// Pipeline wires every ingest-to-commit collaborator together and is
// the handler sarama's consumer-group machinery drives per partition.
type Pipeline struct {
	bindings            map[string]model.TopicBinding
	autoCommit          bool
	vacuumCheckInterval time.Duration

	parser      *parser.Parser
	validator   *validator.Validator
	enricher    *enrich.Enricher
	resolver    *schemaregistry.Resolver
	writer      *tablewriter.TableWriter
	maintenance *maintenance.Scheduler
	dlq         *dlq.Sink
	retry       *retry.Executor
	circuit     *circuit.Breaker
	buffer      *buffer.Buffer
	metrics     metrics.Recorder

	compiledSubjects sync.Map // subject -> struct{}
	trackers         sync.Map // "topic:partition" -> *partitionTracker
	sessions         sync.Map // "topic:partition" -> ackSession
}

// New builds a Pipeline around its collaborators. Every dependency is
// an already-constructed collaborator (accept interfaces / concrete
// collaborators, wire at the edge), never built internally, so tests
// can substitute fakes for any of them.
func New(
	cfg Config,
	res *schemaregistry.Resolver,
	val *validator.Validator,
	enr *enrich.Enricher,
	par *parser.Parser,
	w *tablewriter.TableWriter,
	sched *maintenance.Scheduler,
	sink *dlq.Sink,
	rec metrics.Recorder,
) *Pipeline {
	if rec == nil {
		rec = metrics.NoOp{}
	}
	vacuumInterval := cfg.VacuumCheckInterval
	if vacuumInterval <= 0 {
		vacuumInterval = time.Hour
	}

	p := &Pipeline{
		bindings:            cfg.Bindings,
		autoCommit:          cfg.AutoCommit,
		vacuumCheckInterval: vacuumInterval,
		parser:              par,
		validator:           val,
		enricher:            enr,
		resolver:            res,
		writer:              w,
		maintenance:         sched,
		dlq:                 sink,
		retry:               retry.NewExecutor(),
		circuit:             circuit.New(),
		metrics:             rec,
	}
	p.buffer = buffer.New(p.onFlush)
	return p
}

// CircuitBreaker exposes the pipeline's circuit registry so operator
// tooling (the alert notifier) can watch it without the pipeline
// needing to know alerting exists.
func (p *Pipeline) CircuitBreaker() *circuit.Breaker {
	return p.circuit
}

// Start begins the buffer's time-trigger poll loop.
func (p *Pipeline) Start(flushPoll time.Duration) {
	p.buffer.RunTimeTrigger(flushPoll)
}

// Stop drains every buffered destination and stops the time trigger, so
// a graceful shutdown never loses a buffered record: buffers are
// drained via flushAll, then workers exit.
func (p *Pipeline) Stop() {
	p.buffer.FlushAll()
	p.buffer.Stop()
}

func (p *Pipeline) bindingFor(topic string) (model.TopicBinding, bool) {
	b, ok := p.bindings[topic]
	return b, ok
}

func partitionKey(topic string, partition int32) string {
	return topic + ":" + strconv.Itoa(int(partition))
}

func (p *Pipeline) trackerFor(topic string, partition int32) *partitionTracker {
	v, _ := p.trackers.LoadOrStore(partitionKey(topic, partition), newPartitionTracker())
	return v.(*partitionTracker)
}

// RegisterSession binds the live session for (topic, partition), called
// from the consumer-group handler's Setup.
func (p *Pipeline) RegisterSession(topic string, partition int32, sess ackSession) {
	p.sessions.Store(partitionKey(topic, partition), sess)
}

// UnregisterSession removes a partition's session, called from the
// handler's Cleanup once it has been drained.
func (p *Pipeline) UnregisterSession(topic string, partition int32) {
	p.sessions.Delete(partitionKey(topic, partition))
}

// Track records that offset has been read off the claim for (topic,
// partition), before any processing begins.
func (p *Pipeline) Track(topic string, partition int32, offset int64) {
	p.trackerFor(topic, partition).track(offset)
}

// ack resolves offset for (topic, partition) and, if the ack-safe
// watermark advanced, marks it on that partition's live session. A
// missing session (the partition was revoked before the flush that
// resolved it completed) is not an error: the next owner re-reads from
// the last committed offset and reprocesses, which commit-log
// idempotence (the recordSetHash tag) makes safe to repeat.
func (p *Pipeline) ack(topic string, partition int32, offset int64) {
	safe := p.trackerFor(topic, partition).resolve(offset)
	if safe < 0 {
		return
	}
	v, ok := p.sessions.Load(partitionKey(topic, partition))
	if !ok {
		klog.V(3).Infof("pipeline: %s/%d: no live session to ack offset %d, will be reprocessed on reassignment", topic, partition, safe)
		return
	}
	sess := v.(ackSession)
	sess.MarkOffset(topic, partition, safe+1, "")
	if !p.autoCommit {
		sess.Commit()
	}
}

func maxRetries(configured int) int {
	if configured <= 0 {
		return 1
	}
	return configured
}

// ensureCompiled compiles and caches subject's schema for the
// Validator on first use. A subject is compiled once and cached by
// reference; nothing in the connector recompiles it after a
// registry-side schema change, and no signal triggers a schema reload.
func (p *Pipeline) ensureCompiled(subject string, schema *schemaregistry.Schema) {
	if _, loaded := p.compiledSubjects.LoadOrStore(subject, struct{}{}); loaded {
		return
	}
	p.validator.Compile(subject, schema.Fields, schema.Fallback)
}

// HandleRecord drives one raw Kafka record through parse -> validate ->
// enrich -> buffer. It never returns a non-nil error
// except when ctx is already cancelled: every processing failure is
// resolved internally, either by buffering the record or by routing it
// to the DLQ and acknowledging its offset.
func (p *Pipeline) HandleRecord(ctx context.Context, raw model.RawMessage) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	binding, ok := p.bindingFor(raw.Topic)
	if !ok {
		err := classify.Terminalf(classify.CategoryConfiguration, raw.Topic, fmt.Errorf("no topic binding configured for %q", raw.Topic))
		p.terminal(raw, err)
		return nil
	}

	subject := schemaregistry.SubjectForTopic(raw.Topic)
	circuitName := "message-processing-" + raw.Topic
	policy := retry.DefaultPolicy(maxRetries(binding.Processing.MaxRetries))

	var parsed *model.ParsedRecord
	err := p.retry.Execute(ctx, circuitName, policy, func(ctx context.Context, attempt int) error {
		return p.circuit.Do(circuitName, func() error {
			schema, serr := p.resolver.GetLatest(subject)
			if serr != nil {
				return serr
			}
			p.ensureCompiled(subject, schema)

			rec, perr := p.parser.Parse(raw, schema)
			if perr != nil {
				return perr
			}

			report := p.validator.Validate(subject, rec.Fields)
			if !report.Valid {
				return classify.Terminalf(classify.CategorySchemaValidation, raw.Topic, fmt.Errorf("validation failed: %v", report.Errors))
			}

			parsed = rec
			return nil
		})
	})

	if err != nil {
		p.metrics.IncRecordsValidated(raw.Topic, false)
		if classify.CategoryFor(err) == classify.CategoryCancelled {
			// Shutdown in progress: leave the offset untouched and let
			// the caller stop consuming, rather than DLQ a record we
			// never finished evaluating.
			return err
		}
		p.terminal(raw, err)
		return nil
	}

	p.metrics.IncRecordsParsed(raw.Topic)
	p.metrics.IncRecordsValidated(raw.Topic, true)

	parsed.CorrelationID = uuid.New().String()
	p.enricher.Enrich(parsed, binding)
	p.metrics.IncRecordsEnriched(raw.Topic)

	key := model.NewDestinationKey(binding.KafkaTopic, binding.Destination.TableName)
	p.buffer.Add(key, binding, parsed)
	return nil
}

// terminal routes raw to the DLQ and acknowledges its offset:
// Terminal -> DLQ publish + upstream offset
// acknowledge.
func (p *Pipeline) terminal(raw model.RawMessage, err error) {
	p.metrics.IncDLQ(raw.Topic)
	p.dlq.Publish(raw, err)
	p.ack(raw.Topic, raw.Partition, raw.Offset)
}

// onFlush drives a flushed Batch through the Table Writer under Retry
// and Circuit Breaker, then resolves every offset the batch covers:
// acknowledged on success, DLQ'd-then-acknowledged on the Terminal
// failure the Retry Executor always eventually reports (its own
// contract reclassifies exhausted retries as Terminal, so this call
// never blocks a partition indefinitely on a persistently failing
// destination; a failing destination halts only writes
// to that destination, via the circuit opening). Every record's own
// offset is resolved individually, not just the batch's highest offset
// per partition: other offsets of the same partition can belong to a
// different destination's batch, still in flight, so only each
// record's exact tracked offset is safe to mark resolved here.
func (p *Pipeline) onFlush(batch *model.Batch) {
	tablePath := batch.Binding.Destination.Path
	circuitName := "writer-" + tablePath
	policy := retry.DefaultPolicy(maxRetries(batch.Binding.Processing.MaxRetries))

	err := p.retry.Execute(context.Background(), circuitName, policy, func(ctx context.Context, attempt int) error {
		return p.circuit.Do(circuitName, func() error {
			_, cerr := p.writer.Commit(batch)
			return cerr
		})
	})

	if err != nil {
		klog.Errorf("pipeline: %s: batch commit failed terminally, routing %d record(s) to DLQ: %v",
			tablePath, len(batch.Records), err)
		for _, rec := range batch.Records {
			p.dlq.Publish(p.rawFromRecord(rec), err)
			p.metrics.IncDLQ(rec.Topic)
		}
	}

	for _, rec := range batch.Records {
		p.ack(rec.Topic, rec.Partition, rec.Offset)
	}

	if err != nil {
		return
	}

	delta := batch.Binding.Destination.Delta
	bucket := batch.Binding.Destination.Bucket
	if delta.EnableOptimize {
		p.maintenance.MaybeCompact(bucket, tablePath, int64(delta.OptimizeIntervalBatch))
	}
	if delta.EnableVacuum {
		p.maintenance.MaybeVacuum(bucket, tablePath, delta.VacuumRetentionHours, p.vacuumCheckInterval)
	}
}

// rawFromRecord rebuilds a best-effort RawMessage for a DLQ envelope
// from a ParsedRecord. ParsedRecord deliberately does not retain the
// original raw bytes past parsing (they are discarded once decoded as
// part of the ParsedRecord lifecycle), so a batch-commit-level DLQ
// publish carries the re-marshaled field map as Value rather than the
// original wire bytes a per-record parse failure's DLQ envelope would
// carry.
func (p *Pipeline) rawFromRecord(rec *model.ParsedRecord) model.RawMessage {
	body, _ := json.Marshal(rec.Fields)
	return model.RawMessage{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Value:     body,
		Timestamp: rec.KafkaTimestamp,
	}
}
