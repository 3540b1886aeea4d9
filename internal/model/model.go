// Package model holds the entities shared across the ingest-to-commit
// pipeline: raw Kafka records, parsed/enriched records, buffered batches
// and the process-local state the writer, retry and circuit components
// memoize between calls.
package model

import "time"

// TopicBinding is the immutable, per-topic configuration loaded at
// startup from the connector config file. It never changes during a run.
type TopicBinding struct {
	KafkaTopic  string
	SchemaFile  string
	Subject     string
	Destination Destination
	Processing  Processing
}

// Destination describes where a topic's records land.
type Destination struct {
	Bucket           string
	Path             string
	TableName        string
	PartitionColumns []string
	Delta            DeltaConfig
}

// DeltaConfig holds table-format tuning knobs.
type DeltaConfig struct {
	EnableOptimize        bool
	OptimizeIntervalBatch int
	EnableVacuum          bool
	VacuumRetentionHours  int
	EnableSchemaEvolution bool
	CheckpointInterval    int
	SchemaCompatibility   string // BACKWARD | FORWARD | FULL | NONE
}

// Processing holds the batching policy for a topic.
type Processing struct {
	BatchSize     int
	FlushInterval time.Duration
	MaxRetries    int
}

// RawMessage is what the Consumer Loop receives per poll, before parsing.
type RawMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string][]byte
}

// ParsedRecord is a record in the canonical field space of its resolved
// schema, carrying enough source metadata to be enriched, buffered and
// eventually written.
type ParsedRecord struct {
	Fields          map[string]interface{}
	Topic           string
	Partition       int32
	Offset          int64
	KafkaTimestamp  time.Time
	CorrelationID   string
	COBDate         *time.Time
	SchemaID        int
	SchemaSubject   string
	ApproxByteSize  int64
}

// DestinationKey identifies a Batch Buffer / Table Writer target:
// kafkaTopic + ":" + tableName.
type DestinationKey string

// NewDestinationKey builds the canonical buffer key for a binding.
func NewDestinationKey(topic, table string) DestinationKey {
	return DestinationKey(topic + ":" + table)
}

// Batch is an ordered, bounded group of ParsedRecord flushed together.
// It becomes immutable at flush and is destroyed after commit.
type Batch struct {
	Key             DestinationKey
	Binding         TopicBinding
	Records         []*ParsedRecord
	EarliestEnqueue time.Time
	ByteSize        int64
}

// DataFileStatus describes one data file (gzip-compressed JSON-Lines)
// produced by the writer; Path is the file's full object key.
type DataFileStatus struct {
	Path             string
	SizeBytes        int64
	PartitionValues  map[string]string
	Stats            ColumnStats
	RecordCount      int64
	ModificationTime int64 // epoch millis, from the add action that wrote it
}

// ColumnStats is the minimal per-file statistics sidecar the writer
// records for each column, used by query pruning and by compaction to
// pick merge candidates.
type ColumnStats struct {
	NullCount map[string]int64
	MinValues map[string]interface{}
	MaxValues map[string]interface{}
}

// CommitAttempt is the transient state owned by the Table Writer for
// the duration of a single commit.
type CommitAttempt struct {
	TablePath       string
	Schema          []SchemaField
	PartitionValues []map[string]string
	DataFiles       []DataFileStatus
	Offsets         []OffsetRange
	Version         int64
}

// OffsetRange records the span of offsets a commit covers for a
// (topic, partition), used in tests to confirm no offset is acked
// twice and none is skipped.
type OffsetRange struct {
	Topic     string
	Partition int32
	Start     int64
	End       int64
}

// SchemaField is one field of a resolved/table schema.
type SchemaField struct {
	Name     string
	Type     string // STRING|INT|LONG|DOUBLE|FLOAT|BOOLEAN|BYTES|ARRAY|MAP|RECORD|ENUM
	Logical  string // e.g. timestamp-millis
	Nullable bool
	Default  interface{}
	Fields   []SchemaField // nested, for RECORD
	Items    *SchemaField  // element type, for ARRAY
}

// TableSnapshotState is process-local memoization of a table's
// reconciled state, keyed by table path.
type TableSnapshotState struct {
	TablePath               string
	Schema                  []SchemaField
	PartitionColumns         []string
	Version                  int64
	BatchesSinceOptimize     int64
	LastOptimize             time.Time
	LastVacuum               time.Time
	CompactionInFlight       bool
	VacuumInFlight           bool
}

// DLQEnvelope is the durable record published to a `{topic}-dlq` topic
// for a terminally failed record.
type DLQEnvelope struct {
	OriginalTopic     string    `json:"original_topic"`
	OriginalPartition int32     `json:"original_partition"`
	OriginalOffset    int64     `json:"original_offset"`
	Key               []byte    `json:"key,omitempty"`
	Value             []byte    `json:"value"`
	ErrorReason       string    `json:"error_reason"`
	ErrorClass        string    `json:"error_class"`
	ShortStack        string    `json:"short_stack,omitempty"`
	DLQTimestamp      time.Time `json:"dlq_timestamp"`
	EnvelopeVersion   int       `json:"envelope_version"`
}

// CurrentEnvelopeVersion is bumped whenever DLQEnvelope's shape changes.
const CurrentEnvelopeVersion = 1
