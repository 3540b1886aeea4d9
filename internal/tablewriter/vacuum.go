package tablewriter

import (
	"strings"
	"time"

	"github.com/practo/klog/v2"
)

// Vacuum deletes data files under tablePath that are no longer
// referenced by any live snapshot and fall outside the retention
// window.
func (tw *TableWriter) Vacuum(bucket, tablePath string, retention time.Duration) (int, error) {
	lock := tw.lockFor(tablePath)
	lock.Lock()
	defer lock.Unlock()

	keys, err := tw.storage.ListObjectsV2(bucket, logPrefix(tablePath))
	if err != nil {
		return 0, err
	}
	if latest, err := latestVersion(keys, tablePath); err != nil {
		return 0, err
	} else if latest < 0 {
		return 0, nil
	}

	live, err := tw.liveDataFiles(bucket, tablePath, keys)
	if err != nil {
		return 0, err
	}
	liveSet := make(map[string]bool, len(live))
	for _, f := range live {
		liveSet[f.Path] = true
	}

	allObjects, err := tw.storage.ListObjectsV2(bucket, strings.TrimSuffix(tablePath, "/")+"/")
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-retention)
	deleted := 0
	for _, key := range allObjects {
		if strings.Contains(key, "/"+LogDir+"/") {
			continue
		}
		if liveSet[key] {
			continue
		}
		if !tw.olderThan(bucket, key, cutoff) {
			continue
		}
		if err := tw.storage.DeleteObject(bucket, key); err != nil {
			return deleted, err
		}
		deleted++
	}

	klog.V(2).Infof("tablewriter: %s: vacuum deleted %d unreferenced file(s)", tablePath, deleted)
	return deleted, nil
}

// olderThan reports whether bucket/key's object modification time falls
// outside (before) cutoff, via the store's own LastModified metadata. A
// key that cannot be statted (e.g. it was already removed by a racing
// vacuum) is treated as eligible, since there's nothing left to retain.
func (tw *TableWriter) olderThan(bucket, key string, cutoff time.Time) bool {
	modTime, err := tw.storage.StatObject(bucket, key)
	if err != nil {
		klog.V(3).Infof("tablewriter: %s: could not stat %s for vacuum, treating as eligible: %v", bucket, key, err)
		return true
	}
	return modTime.Before(cutoff)
}
