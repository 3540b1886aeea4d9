package tablewriter

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/model"
)

// LogDir is the commit-log directory name under a table path.
const LogDir = "_delta_log"

// action is the tagged sum of log-row kinds:
// metaData | add | remove | commitInfo. Exactly one field is non-nil
// per action, mirroring how Delta's own JSON log rows are shaped.
type action struct {
	MetaData   *metaDataAction   `json:"metaData,omitempty"`
	Add        *addAction        `json:"add,omitempty"`
	Remove     *removeAction     `json:"remove,omitempty"`
	CommitInfo *commitInfoAction `json:"commitInfo,omitempty"`
}

type metaDataAction struct {
	SchemaString     string   `json:"schemaString"`
	PartitionColumns []string `json:"partitionColumns"`
	CreatedTime      int64    `json:"createdTime"`
}

type addAction struct {
	Path            string            `json:"path"`
	PartitionValues map[string]string `json:"partitionValues"`
	Size            int64             `json:"size"`
	ModificationTime int64            `json:"modificationTime"`
	DataChange      bool              `json:"dataChange"`
	Stats           string            `json:"stats,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
}

type removeAction struct {
	Path             string `json:"path"`
	DeletionTime     int64  `json:"deletionTimestamp"`
	DataChange       bool   `json:"dataChange"`
}

type commitInfoAction struct {
	Timestamp     int64  `json:"timestamp"`
	Operation     string `json:"operation"`
	EngineID      string `json:"engineInfo"`
	ReadVersion   int64  `json:"readVersion"`
	OffsetsCommitted string `json:"offsetsCommitted,omitempty"`
}

// EngineID identifies this writer in commitInfo rows.
const EngineID = "kafka-connector"

// logObjectKey renders the S3 key for commit version v under tablePath,
// zero-padded to 20 digits the way Delta's own commit files are named.
func logObjectKey(tablePath string, version int64) string {
	return fmt.Sprintf("%s/%s/%020d.json", strings.TrimSuffix(tablePath, "/"), LogDir, version)
}

func logPrefix(tablePath string) string {
	return fmt.Sprintf("%s/%s/", strings.TrimSuffix(tablePath, "/"), LogDir)
}

// encodeActions serializes one commit's actions as newline-delimited
// JSON, the shape a single Delta commit-log version file holds.
func encodeActions(actions []action) ([]byte, error) {
	var b []byte
	for _, a := range actions {
		line, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		b = append(b, line...)
		b = append(b, '\n')
	}
	return b, nil
}

// decodeActions parses one commit version file's newline-delimited
// JSON rows back into actions, used by compaction/vacuum to reconstruct
// which files are live.
func decodeActions(body []byte) ([]action, error) {
	var actions []action
	for _, line := range strings.Split(strings.TrimSpace(string(body)), "\n") {
		if line == "" {
			continue
		}
		var a action
		if err := json.Unmarshal([]byte(line), &a); err != nil {
			return nil, err
		}
		actions = append(actions, a)
	}
	return actions, nil
}

// latestVersion inspects the commit log directory and returns the
// highest committed version, or -1 if the table has no commits yet.
func latestVersion(keys []string, tablePath string) (int64, error) {
	prefix := logPrefix(tablePath)
	best := int64(-1)
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json")
		v, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		if v > best {
			best = v
		}
	}
	return best, nil
}

// commitActions appends actions as the next version after expectedVersion.
// If another writer has already committed expectedVersion+1 (a
// concurrent-modification conflict), it returns ErrConflict so the
// caller can re-read latest and retry the commit of the *same data
// files*.
func (tw *TableWriter) commitActions(bucket, tablePath string, expectedVersion int64, actions []action) (int64, error) {
	nextVersion := expectedVersion + 1
	key := logObjectKey(tablePath, nextVersion)

	exists, err := tw.objectExists(bucket, tablePath, nextVersion)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, ErrConflict
	}

	body, err := encodeActions(actions)
	if err != nil {
		return 0, classify.Terminalf(classify.CategoryMalformedMessage, "encode commit actions", err)
	}

	if err := tw.storage.PutObject(bucket, key, body, "application/json"); err != nil {
		return 0, err
	}
	return nextVersion, nil
}

func (tw *TableWriter) objectExists(bucket, tablePath string, version int64) (bool, error) {
	keys, err := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
	if err != nil {
		return false, err
	}
	target := logObjectKey(tablePath, version)
	for _, k := range keys {
		if k == target {
			return true, nil
		}
	}
	return false, nil
}

// sortedVersions returns every committed version under tablePath in
// ascending order, used by compaction/vacuum to reconstruct the current
// set of live files.
func sortedVersions(keys []string, tablePath string) []int64 {
	prefix := logPrefix(tablePath)
	var versions []int64
	for _, k := range keys {
		if !strings.HasPrefix(k, prefix) || !strings.HasSuffix(k, ".json") {
			continue
		}
		name := strings.TrimSuffix(strings.TrimPrefix(k, prefix), ".json")
		v, err := strconv.ParseInt(name, 10, 64)
		if err != nil {
			continue
		}
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions
}

func nowMillis() int64 {
	return time.Now().UnixNano() / int64(time.Millisecond)
}

func addActionsFor(files []model.DataFileStatus, idempotenceTags []string) []action {
	var actions []action
	for i, f := range files {
		tags := map[string]string{}
		if i < len(idempotenceTags) && idempotenceTags[i] != "" {
			tags["recordSetHash"] = idempotenceTags[i]
		}
		modTime := f.ModificationTime
		if modTime == 0 {
			modTime = nowMillis()
		}
		statsJSON, _ := json.Marshal(f.Stats)
		actions = append(actions, action{Add: &addAction{
			Path:             f.Path,
			PartitionValues:  f.PartitionValues,
			Size:             f.SizeBytes,
			ModificationTime: modTime,
			DataChange:       true,
			Stats:            string(statsJSON),
			Tags:             tags,
		}})
	}
	return actions
}

// findCommitByHash scans every committed version's add actions for one
// tagged with hash, used to detect a batch replayed after a
// crash-before-ack and skip re-appending its data files.
func (tw *TableWriter) findCommitByHash(bucket, tablePath, hash string) (bool, int64, error) {
	keys, err := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
	if err != nil {
		return false, 0, err
	}
	for _, v := range sortedVersions(keys, tablePath) {
		body, err := tw.storage.GetObject(bucket, logObjectKey(tablePath, v))
		if err != nil {
			return false, 0, err
		}
		actions, err := decodeActions(body)
		if err != nil {
			return false, 0, err
		}
		for _, a := range actions {
			if a.Add != nil && a.Add.Tags["recordSetHash"] == hash {
				return true, v, nil
			}
		}
	}
	return false, 0, nil
}
