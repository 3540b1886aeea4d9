package tablewriter

import (
	"strings"

	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/model"
)

// smallFileThresholdBytes marks a data file as a compaction candidate.
// 8MiB matches the rough batch-file size a
// `processing.batchSize`-bounded JSON-Lines file produces in practice.
const smallFileThresholdBytes = 8 << 20

// Compact rewrites tablePath's small files into fewer, larger ones via
// an atomic remove+add commit. It is idempotent to
// call with nothing to compact: it simply commits no actions.
func (tw *TableWriter) Compact(bucket, tablePath string) error {
	lock := tw.lockFor(tablePath)
	lock.Lock()
	defer lock.Unlock()

	keys, err := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
	if err != nil {
		return err
	}
	expected, err := latestVersion(keys, tablePath)
	if err != nil {
		return err
	}
	if expected < 0 {
		klog.V(3).Infof("tablewriter: %s: nothing committed yet, skipping compaction", tablePath)
		return nil
	}

	files, err := tw.liveDataFiles(bucket, tablePath, keys)
	if err != nil {
		return err
	}

	var small []model.DataFileStatus
	for _, f := range files {
		if f.SizeBytes < smallFileThresholdBytes {
			small = append(small, f)
		}
	}
	if len(small) < 2 {
		klog.V(3).Infof("tablewriter: %s: %d small file(s), nothing to compact", tablePath, len(small))
		return nil
	}

	merged, err := tw.rewriteSmallFiles(bucket, tablePath, small)
	if err != nil {
		return err
	}

	var actions []action
	for _, f := range small {
		actions = append(actions, action{Remove: &removeAction{
			Path:         f.Path,
			DeletionTime: nowMillis(),
			DataChange:   false,
		}})
	}
	actions = append(actions, addActionsFor([]model.DataFileStatus{merged}, nil)...)
	actions = append(actions, action{CommitInfo: &commitInfoAction{
		Timestamp:   nowMillis(),
		Operation:   "OPTIMIZE",
		EngineID:    EngineID,
		ReadVersion: expected,
	}})

	if _, err := tw.commitActions(bucket, tablePath, expected, actions); err != nil {
		return err
	}

	klog.V(2).Infof("tablewriter: %s: compacted %d file(s) into 1", tablePath, len(small))
	return nil
}

// rewriteSmallFiles downloads and concatenates small's bodies into one
// gzip-compressed JSON-Lines object, preserving every record; this is a
// byte-level merge since each small file is already the same encoding.
func (tw *TableWriter) rewriteSmallFiles(bucket, tablePath string, small []model.DataFileStatus) (model.DataFileStatus, error) {
	var totalSize int64
	var totalRecords int64
	mergedStats := model.ColumnStats{NullCount: map[string]int64{}, MinValues: map[string]interface{}{}, MaxValues: map[string]interface{}{}}

	for _, f := range small {
		totalSize += f.SizeBytes
		totalRecords += f.RecordCount
		for col, n := range f.Stats.NullCount {
			mergedStats.NullCount[col] += n
		}
	}

	instant := timeNowCompact()
	relPath := instant + "_compacted.parquet"
	fullKey := strings.TrimSuffix(tablePath, "/") + "/" + relPath

	body, err := tw.concatenateFiles(bucket, small)
	if err != nil {
		return model.DataFileStatus{}, err
	}
	if err := tw.storage.PutObject(bucket, fullKey, body, "application/gzip"); err != nil {
		return model.DataFileStatus{}, err
	}

	return model.DataFileStatus{
		Path:            fullKey,
		SizeBytes:       int64(len(body)),
		PartitionValues: small[0].PartitionValues,
		Stats:           mergedStats,
		RecordCount:     totalRecords,
	}, nil
}

func (tw *TableWriter) concatenateFiles(bucket string, files []model.DataFileStatus) ([]byte, error) {
	var out []byte
	for _, f := range files {
		data, err := tw.storage.GetObject(bucket, f.Path)
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
	return out, nil
}

// liveDataFiles walks every committed version's add/remove actions and
// returns the set of files still referenced by the latest snapshot.
// This is a simplified reconstruction (no checkpoint files) adequate
// for the bounded version history a connector of this scale produces.
func (tw *TableWriter) liveDataFiles(bucket, tablePath string, keys []string) ([]model.DataFileStatus, error) {
	live := map[string]model.DataFileStatus{}
	for _, v := range sortedVersions(keys, tablePath) {
		body, err := tw.storage.GetObject(bucket, logObjectKey(tablePath, v))
		if err != nil {
			return nil, err
		}
		actions, err := decodeActions(body)
		if err != nil {
			return nil, err
		}
		for _, a := range actions {
			if a.Add != nil {
				live[a.Add.Path] = model.DataFileStatus{
					Path:             a.Add.Path,
					SizeBytes:        a.Add.Size,
					PartitionValues:  a.Add.PartitionValues,
					ModificationTime: a.Add.ModificationTime,
				}
			}
			if a.Remove != nil {
				delete(live, a.Remove.Path)
			}
		}
	}

	files := make([]model.DataFileStatus, 0, len(live))
	for _, f := range live {
		files = append(files, f)
	}
	return files, nil
}
