package tablewriter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/model"
)

func testBatch(records ...*model.ParsedRecord) *model.Batch {
	binding := model.TopicBinding{
		KafkaTopic: "user.events.v1",
		Destination: model.Destination{
			Bucket:           "bkt",
			Path:             "tables/user_events",
			TableName:        "user_events",
			PartitionColumns: []string{"year", "month", "day"},
		},
		Processing: model.Processing{BatchSize: 10, MaxRetries: 3},
	}
	return &model.Batch{
		Key:     model.NewDestinationKey(binding.KafkaTopic, binding.Destination.TableName),
		Binding: binding,
		Records: records,
	}
}

func rec(offset int64, fields map[string]interface{}) *model.ParsedRecord {
	f := map[string]interface{}{"year": "2024", "month": "06", "day": "01"}
	for k, v := range fields {
		f[k] = v
	}
	return &model.ParsedRecord{Topic: "user.events.v1", Partition: 0, Offset: offset, Fields: f}
}

func TestCommitWritesDataFileAndLogEntry(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	batch := testBatch(rec(1, map[string]interface{}{"user_id": "u1"}), rec(2, map[string]interface{}{"user_id": "u2"}))

	attempt, err := tw.Commit(batch)
	require.NoError(t, err)
	require.Equal(t, int64(0), attempt.Version)
	require.Len(t, attempt.DataFiles, 1)

	keys, err := store.ListObjectsV2("bkt", logPrefix("tables/user_events"))
	require.NoError(t, err)
	require.Len(t, keys, 1)

	data, err := store.GetObject("bkt", attempt.DataFiles[0].Path)
	require.NoError(t, err)
	require.NotEmpty(t, data)
}

func TestCommitIncrementsVersionAcrossBatches(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	batch := testBatch(rec(1, nil))

	a1, err := tw.Commit(batch)
	require.NoError(t, err)
	require.Equal(t, int64(0), a1.Version)

	a2, err := tw.Commit(testBatch(rec(2, nil)))
	require.NoError(t, err)
	require.Equal(t, int64(1), a2.Version)
}

func TestCommitTracksBatchesSinceOptimize(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	_, err := tw.Commit(testBatch(rec(1, nil)))
	require.NoError(t, err)
	_, err = tw.Commit(testBatch(rec(2, nil)))
	require.NoError(t, err)

	snap := tw.SnapshotFor("tables/user_events")
	require.Equal(t, int64(2), snap.BatchesSinceOptimize)
}

func TestCommitOffsetRangesCoverBatch(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	batch := testBatch(rec(5, nil), rec(6, nil), rec(7, nil))

	attempt, err := tw.Commit(batch)
	require.NoError(t, err)
	require.Len(t, attempt.Offsets, 1)
	require.Equal(t, int64(5), attempt.Offsets[0].Start)
	require.Equal(t, int64(7), attempt.Offsets[0].End)
}

func TestCommitSplitsBatchByPartitionValues(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	batch := testBatch(
		rec(1, map[string]interface{}{"user_id": "u1"}),
		rec(2, map[string]interface{}{"user_id": "u2", "day": "02"}),
	)

	attempt, err := tw.Commit(batch)
	require.NoError(t, err)
	require.Len(t, attempt.DataFiles, 2)

	paths := map[string]bool{}
	for _, f := range attempt.DataFiles {
		require.Equal(t, int64(1), f.RecordCount)
		paths[f.Path] = true
	}
	require.Len(t, paths, 2)

	var sawDay01, sawDay02 bool
	for _, pv := range attempt.PartitionValues {
		switch pv["day"] {
		case "01":
			sawDay01 = true
		case "02":
			sawDay02 = true
		}
	}
	require.True(t, sawDay01)
	require.True(t, sawDay02)
}

func TestCommitSkipsReplayedBatchWithSameHash(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	batch := testBatch(rec(1, nil), rec(2, nil))

	first, err := tw.Commit(batch)
	require.NoError(t, err)
	require.Equal(t, int64(0), first.Version)

	replayed, err := tw.Commit(testBatch(rec(1, nil), rec(2, nil)))
	require.NoError(t, err)
	require.Equal(t, first.Version, replayed.Version)

	keys, err := store.ListObjectsV2("bkt", logPrefix("tables/user_events"))
	require.NoError(t, err)
	require.Len(t, keys, 1)
}

func TestCommitPropagatesStorageFailureAsRetriable(t *testing.T) {
	store := newMemStorage()
	store.failPut = true
	tw := New(store, metrics.NoOp{})

	_, err := tw.Commit(testBatch(rec(1, nil)))
	require.Error(t, err)
}

func TestSchemaEvolutionMergesNewFieldsWhenEnabled(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})

	b1 := testBatch(rec(1, map[string]interface{}{"amount": 10.5}))
	b1.Binding.Destination.Delta.EnableSchemaEvolution = true
	b1.Binding.Destination.Delta.SchemaCompatibility = string(CompatibilityBackward)
	_, err := tw.Commit(b1)
	require.NoError(t, err)

	b2 := testBatch(rec(2, map[string]interface{}{"amount": 11, "extra_field": "x"}))
	b2.Binding.Destination.Delta.EnableSchemaEvolution = true
	b2.Binding.Destination.Delta.SchemaCompatibility = string(CompatibilityBackward)
	_, err = tw.Commit(b2)
	require.NoError(t, err)

	snap := tw.SnapshotFor(b2.Binding.Destination.Path)
	var sawExtra bool
	for _, f := range snap.Schema {
		if f.Name == "extra_field" {
			sawExtra = true
		}
	}
	require.True(t, sawExtra)
}

func TestDataFileKeyIncludesPartitionPath(t *testing.T) {
	orig := timeNow
	timeNow = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	defer func() { timeNow = orig }()

	_, rel := dataFileKey("tables/t", []string{"year", "month", "day"},
		map[string]string{"year": "2024", "month": "06", "day": "01"})
	require.Contains(t, rel, "year=2024/month=06/day=01/")
	require.Contains(t, rel, ".parquet")
}

func TestCompactMergesSmallFiles(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})

	for i := int64(1); i <= 3; i++ {
		_, err := tw.Commit(testBatch(rec(i, nil)))
		require.NoError(t, err)
	}

	err := tw.Compact("bkt", "tables/user_events")
	require.NoError(t, err)

	files, err := tw.liveDataFiles("bkt", "tables/user_events", mustList(t, store))
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestCompactNoopWithFewerThanTwoSmallFiles(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	_, err := tw.Commit(testBatch(rec(1, nil)))
	require.NoError(t, err)

	require.NoError(t, tw.Compact("bkt", "tables/user_events"))

	files, err := tw.liveDataFiles("bkt", "tables/user_events", mustList(t, store))
	require.NoError(t, err)
	require.Len(t, files, 1)
}

func TestVacuumDeletesOrphanedFiles(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	_, err := tw.Commit(testBatch(rec(1, nil)))
	require.NoError(t, err)

	require.NoError(t, store.PutObject("bkt", "tables/user_events/year=2024/orphan.parquet", []byte("x"), ""))

	deleted, err := tw.Vacuum("bkt", "tables/user_events", 0)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)
}

func TestVacuumRetainsOrphanedFileWithinRetentionWindow(t *testing.T) {
	store := newMemStorage()
	tw := New(store, metrics.NoOp{})
	_, err := tw.Commit(testBatch(rec(1, nil)))
	require.NoError(t, err)

	require.NoError(t, store.PutObject("bkt", "tables/user_events/year=2024/orphan.parquet", []byte("x"), ""))

	deleted, err := tw.Vacuum("bkt", "tables/user_events", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0, deleted)
}

func mustList(t *testing.T, store *memStorage) []string {
	t.Helper()
	keys, err := store.ListObjectsV2("bkt", logPrefix("tables/user_events"))
	require.NoError(t, err)
	return keys
}
