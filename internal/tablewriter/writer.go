package tablewriter

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/enrich"
	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/model"
)

// ErrConflict signals that another writer committed the next version
// first; the caller must re-read latest and retry the same data files.
var ErrConflict = errors.New("tablewriter: concurrent modification, retry commit")

// maxConflictRetries bounds the optimistic-concurrency retry loop to
// a fixed number of attempts.
const maxConflictRetries = 5

// Storer is the narrow object-store surface the writer needs.
type Storer interface {
	PutObject(bucket, key string, body []byte, contentType string) error
	GetObject(bucket, key string) ([]byte, error)
	ListObjectsV2(bucket, prefix string) ([]string, error)
	HeadBucket(bucket string) error
	DeleteObject(bucket, key string) error
	StatObject(bucket, key string) (time.Time, error)
}

// TableWriter commits flushed batches to their destination table,
// serializing at most one commit per table path in flight and retrying
// conflicting commits of the same data files.
type TableWriter struct {
	storage Storer
	metrics metrics.Recorder

	tableMu sync.Map // tablePath -> *sync.Mutex
	state   sync.Map // tablePath -> *model.TableSnapshotState
}

// New constructs a TableWriter around storage, recording metrics via
// rec (a metrics.NoOp{} is a valid, inert choice for tests).
func New(storage Storer, rec metrics.Recorder) *TableWriter {
	if rec == nil {
		rec = metrics.NoOp{}
	}
	return &TableWriter{storage: storage, metrics: rec}
}

func (tw *TableWriter) lockFor(tablePath string) *sync.Mutex {
	v, _ := tw.tableMu.LoadOrStore(tablePath, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// SnapshotFor returns a copy of tablePath's process-local memoized
// state, creating a zero-value entry on first use.
func (tw *TableWriter) SnapshotFor(tablePath string) model.TableSnapshotState {
	v, _ := tw.state.LoadOrStore(tablePath, &model.TableSnapshotState{TablePath: tablePath})
	return *(v.(*model.TableSnapshotState))
}

func (tw *TableWriter) mutateState(tablePath string, fn func(*model.TableSnapshotState)) {
	v, _ := tw.state.LoadOrStore(tablePath, &model.TableSnapshotState{TablePath: tablePath})
	st := v.(*model.TableSnapshotState)
	fn(st)
}

// ResetBatchesSinceOptimize zeroes tablePath's batches-since-optimize
// counter, called by the Maintenance Scheduler after a compaction
// attempt completes, whether it succeeded or failed.
func (tw *TableWriter) ResetBatchesSinceOptimize(tablePath string) {
	tw.mutateState(tablePath, func(st *model.TableSnapshotState) {
		st.BatchesSinceOptimize = 0
	})
}

// Commit writes batch to its destination table under the table
// format's transactional protocol: it
// encodes the records, resolves or evolves the schema, and retries the
// log-append (never the data-file write) on a concurrent-modification
// conflict.
func (tw *TableWriter) Commit(batch *model.Batch) (*model.CommitAttempt, error) {
	start := time.Now()
	tablePath := batch.Binding.Destination.Path
	bucket := batch.Binding.Destination.Bucket

	lock := tw.lockFor(tablePath)
	lock.Lock()
	defer lock.Unlock()

	idempotenceTag, err := idempotenceKey(batch)
	if err != nil {
		klog.Warningf("tablewriter: %s: failed computing idempotence key, proceeding without tag: %v", tablePath, err)
	}
	if idempotenceTag != "" {
		found, version, ferr := tw.findCommitByHash(bucket, tablePath, idempotenceTag)
		if ferr != nil {
			return nil, ferr
		}
		if found {
			klog.Infof("tablewriter: %s: batch %s already committed at version %d (hash %s), skipping re-append",
				tablePath, batch.Key, version, idempotenceTag)
			return &model.CommitAttempt{
				TablePath: tablePath,
				Version:   version,
				Offsets:   offsetRangesFor(batch),
			}, nil
		}
	}

	snap := tw.SnapshotFor(tablePath)
	schema := snap.Schema
	if len(schema) == 0 {
		schema = fieldsFromRecords(batch.Records)
	} else if batch.Binding.Destination.Delta.EnableSchemaEvolution {
		candidate := fieldsFromRecords(batch.Records)
		if err := checkCompatibility(schema, candidate, Compatibility(batch.Binding.Destination.Delta.SchemaCompatibility)); err != nil {
			tw.metrics.IncWriteError(tablePath)
			return nil, err
		}
		schema = mergeSchema(schema, candidate)
	}

	groups := groupByPartitionValues(batch.Records, batch.Binding)
	files := make([]model.DataFileStatus, 0, len(groups))
	for _, g := range groups {
		encoded, err := encodeRecords(g.records, schema)
		if err != nil {
			tw.metrics.IncWriteError(tablePath)
			return nil, classify.Terminalf(classify.CategoryMalformedMessage, "encode batch "+string(batch.Key), err)
		}

		dataKey, _ := dataFileKey(tablePath, batch.Binding.Destination.PartitionColumns, g.values)
		if err := tw.storage.PutObject(bucket, dataKey, encoded.body, "application/gzip"); err != nil {
			tw.metrics.IncWriteError(tablePath)
			return nil, err
		}

		files = append(files, model.DataFileStatus{
			Path:             dataKey,
			SizeBytes:        int64(len(encoded.body)),
			PartitionValues:  g.values,
			Stats:            encoded.stats,
			RecordCount:      encoded.count,
			ModificationTime: nowMillis(),
		})
	}

	partitionValues := make([]map[string]string, len(files))
	var totalBytes int64
	for i, f := range files {
		partitionValues[i] = f.PartitionValues
		totalBytes += f.SizeBytes
	}

	attempt := &model.CommitAttempt{
		TablePath:       tablePath,
		Schema:          schema,
		PartitionValues: partitionValues,
		DataFiles:       files,
		Offsets:         offsetRangesFor(batch),
	}

	version, err := tw.commitWithRetry(bucket, tablePath, schema, batch, files, idempotenceTag)
	if err != nil {
		tw.metrics.IncWriteError(tablePath)
		return nil, err
	}
	attempt.Version = version

	tw.mutateState(tablePath, func(st *model.TableSnapshotState) {
		st.Schema = schema
		st.PartitionColumns = batch.Binding.Destination.PartitionColumns
		st.Version = version
		st.BatchesSinceOptimize++
	})

	tw.metrics.IncCommit(tablePath, len(batch.Records), totalBytes, len(files))
	tw.metrics.ObserveCommitLatency(tablePath, time.Since(start).Seconds())
	klog.V(2).Infof("tablewriter: %s: committed version %d, %d record(s), %d file(s)",
		tablePath, version, len(batch.Records), len(files))

	return attempt, nil
}

// commitWithRetry appends the already-written data files' add actions to
// the log, re-reading latest and retrying the append (never re-writing
// the data files) on conflict.
func (tw *TableWriter) commitWithRetry(bucket, tablePath string, schema []model.SchemaField, batch *model.Batch, files []model.DataFileStatus, idempotenceTag string) (int64, error) {
	keys, err := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
	if err != nil {
		return 0, err
	}
	expected, err := latestVersion(keys, tablePath)
	if err != nil {
		return 0, err
	}

	var actions []action
	if expected < 0 {
		actions = append(actions, action{MetaData: &metaDataAction{
			SchemaString:     schemaString(schema),
			PartitionColumns: batch.Binding.Destination.PartitionColumns,
			CreatedTime:      nowMillis(),
		}})
	}
	actions = append(actions, addActionsFor(files, []string{idempotenceTag})...)
	actions = append(actions, action{CommitInfo: &commitInfoAction{
		Timestamp:   nowMillis(),
		Operation:   "WRITE",
		EngineID:    EngineID,
		ReadVersion: expected,
	}})

	for i := 0; i < maxConflictRetries; i++ {
		version, err := tw.commitActions(bucket, tablePath, expected, actions)
		if err == nil {
			return version, nil
		}
		if !errors.Is(err, ErrConflict) {
			return 0, err
		}

		klog.V(2).Infof("tablewriter: %s: commit conflict at version %d, re-reading latest (attempt %d/%d)",
			tablePath, expected+1, i+1, maxConflictRetries)

		keys, rerr := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
		if rerr != nil {
			return 0, rerr
		}
		expected, rerr = latestVersion(keys, tablePath)
		if rerr != nil {
			return 0, rerr
		}
		for idx, a := range actions {
			if a.CommitInfo != nil {
				actions[idx].CommitInfo.ReadVersion = expected
			}
		}
	}

	return 0, classify.Retriablef(classify.CategoryConcurrentModify, tablePath,
		fmt.Errorf("exceeded %d commit-conflict retries", maxConflictRetries))
}

func schemaString(schema []model.SchemaField) string {
	b, _ := json.Marshal(schema)
	return string(b)
}

func idempotenceKey(batch *model.Batch) (string, error) {
	if len(batch.Records) == 0 {
		return "", nil
	}
	first, last := batch.Records[0], batch.Records[len(batch.Records)-1]
	h, err := hashstructure.Hash(struct {
		Topic       string
		Destination model.DestinationKey
		Start       int64
		End         int64
	}{
		Topic:       first.Topic,
		Destination: batch.Key,
		Start:       first.Offset,
		End:         last.Offset,
	}, hashstructure.FormatV2, nil)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", h), nil
}

func offsetRangesFor(batch *model.Batch) []model.OffsetRange {
	byPartition := map[int32]*model.OffsetRange{}
	var order []int32
	for _, rec := range batch.Records {
		r, ok := byPartition[rec.Partition]
		if !ok {
			r = &model.OffsetRange{Topic: rec.Topic, Partition: rec.Partition, Start: rec.Offset, End: rec.Offset}
			byPartition[rec.Partition] = r
			order = append(order, rec.Partition)
			continue
		}
		if rec.Offset < r.Start {
			r.Start = rec.Offset
		}
		if rec.Offset > r.End {
			r.End = rec.Offset
		}
	}
	ranges := make([]model.OffsetRange, 0, len(order))
	for _, p := range order {
		ranges = append(ranges, *byPartition[p])
	}
	return ranges
}

// partitionGroup is one distinct partition-value tuple within a batch
// and the records that share it.
type partitionGroup struct {
	values  map[string]string
	records []*model.ParsedRecord
}

// groupByPartitionValues splits records by their resolved partition
// column values. A Batch is keyed by destination (topic+table), with no
// partition segmentation, so records spanning a COB rollover mid-batch
// can carry different year/month/day values; each distinct tuple gets
// its own group, and therefore its own data file and add action.
func groupByPartitionValues(records []*model.ParsedRecord, binding model.TopicBinding) []partitionGroup {
	var groups []partitionGroup
	index := make(map[string]int, len(records))
	for _, rec := range records {
		values := enrich.PartitionValues(rec, binding)
		key := partitionValuesKey(binding.Destination.PartitionColumns, values)
		if i, ok := index[key]; ok {
			groups[i].records = append(groups[i].records, rec)
			continue
		}
		index[key] = len(groups)
		groups = append(groups, partitionGroup{values: values, records: []*model.ParsedRecord{rec}})
	}
	return groups
}

func partitionValuesKey(columns []string, values map[string]string) string {
	var sb strings.Builder
	for _, col := range columns {
		sb.WriteString(col)
		sb.WriteByte('=')
		sb.WriteString(values[col])
		sb.WriteByte('/')
	}
	return sb.String()
}

// dataFileKey builds the `{isoInstantNoPunct}_{8-hex-uuid}.parquet`
// object key under destination path's partition sub-paths.
func dataFileKey(tablePath string, partitionColumns []string, values map[string]string) (key string, relPath string) {
	var sb []byte
	for _, col := range partitionColumns {
		v, ok := values[col]
		if !ok {
			continue
		}
		sb = append(sb, []byte(col+"="+v+"/")...)
	}

	instant := timeNowCompact()
	filename := fmt.Sprintf("%s_%s.parquet", instant, uuid.New().String()[:8])
	rel := string(sb) + filename
	full := tablePath + "/" + rel
	return full, rel
}

func timeNowCompact() string {
	return timeNow().Format("20060102T150405.000000000Z")
}

// timeNow is overridden in tests for deterministic file names.
var timeNow = func() time.Time { return time.Now().UTC() }
