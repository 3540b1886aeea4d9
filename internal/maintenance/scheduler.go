// Package maintenance runs two asynchronous per-table jobs, compaction
// and retention, each coalesced to at most one in-flight run per table
// path, with `batchesSinceOptimize`/`lastVacuum` bookkeeping reset on
// completion regardless of outcome.
package maintenance

import (
	"sync"
	"time"

	"github.com/practo/klog/v2"

	"github.com/tablesink/connector/internal/metrics"
	"github.com/tablesink/connector/internal/model"
)

// Writer is the narrow slice of the Table Writer the scheduler drives.
type Writer interface {
	SnapshotFor(tablePath string) model.TableSnapshotState
	Compact(bucket, tablePath string) error
	Vacuum(bucket, tablePath string, retention time.Duration) (int, error)
	ResetBatchesSinceOptimize(tablePath string)
}

// tableJobState tracks in-flight coalescing and timestamps for one
// table path, separately for compaction and vacuum.
type tableJobState struct {
	mu               sync.Mutex
	compactInFlight  bool
	vacuumInFlight   bool
	lastOptimize     time.Time
	lastVacuum       time.Time
}

// Scheduler drives compaction and retention for every table path it is
// told about, coalescing concurrent attempts per table.
type Scheduler struct {
	writer  Writer
	metrics metrics.Recorder

	jobs sync.Map // tablePath -> *tableJobState
}

// New constructs a Scheduler around writer.
func New(writer Writer, rec metrics.Recorder) *Scheduler {
	if rec == nil {
		rec = metrics.NoOp{}
	}
	return &Scheduler{writer: writer, metrics: rec}
}

func (s *Scheduler) jobStateFor(tablePath string) *tableJobState {
	v, _ := s.jobs.LoadOrStore(tablePath, &tableJobState{})
	return v.(*tableJobState)
}

// MaybeCompact runs compaction for tablePath if
// `batchesSinceOptimize >= optimizeInterval` and no compaction for that
// table is already in flight. It is safe to call from every successful
// commit; callers don't need to track state themselves.
func (s *Scheduler) MaybeCompact(bucket, tablePath string, optimizeInterval int64) {
	snap := s.writer.SnapshotFor(tablePath)
	if optimizeInterval <= 0 || snap.BatchesSinceOptimize < optimizeInterval {
		return
	}

	job := s.jobStateFor(tablePath)
	job.mu.Lock()
	if job.compactInFlight {
		job.mu.Unlock()
		return
	}
	job.compactInFlight = true
	job.mu.Unlock()

	go s.runCompact(bucket, tablePath, job)
}

func (s *Scheduler) runCompact(bucket, tablePath string, job *tableJobState) {
	err := s.writer.Compact(bucket, tablePath)

	job.mu.Lock()
	job.compactInFlight = false
	job.lastOptimize = time.Now()
	job.mu.Unlock()

	// batchesSinceOptimize is reset on completion even on failure,
	// so a persistently failing table doesn't retry every commit.
	s.writer.ResetBatchesSinceOptimize(tablePath)

	if err != nil {
		klog.Errorf("maintenance: %s: compaction failed: %v", tablePath, err)
		s.metrics.IncCompaction(tablePath, false)
		return
	}
	klog.V(2).Infof("maintenance: %s: compaction completed", tablePath)
	s.metrics.IncCompaction(tablePath, true)
}

// MaybeVacuum runs retention for tablePath if enough time has passed
// since the last run (or it has never run), coalescing concurrent
// attempts per table.
func (s *Scheduler) MaybeVacuum(bucket, tablePath string, retentionHours int, interval time.Duration) {
	job := s.jobStateFor(tablePath)

	job.mu.Lock()
	due := job.lastVacuum.IsZero() || time.Since(job.lastVacuum) >= interval
	inFlight := job.vacuumInFlight
	if due && !inFlight {
		job.vacuumInFlight = true
	}
	job.mu.Unlock()

	if !due || inFlight {
		return
	}

	go s.runVacuum(bucket, tablePath, time.Duration(retentionHours)*time.Hour, job)
}

func (s *Scheduler) runVacuum(bucket, tablePath string, retention time.Duration, job *tableJobState) {
	deleted, err := s.writer.Vacuum(bucket, tablePath, retention)

	job.mu.Lock()
	job.vacuumInFlight = false
	job.lastVacuum = time.Now()
	job.mu.Unlock()

	if err != nil {
		klog.Errorf("maintenance: %s: vacuum failed: %v", tablePath, err)
		return
	}
	klog.V(2).Infof("maintenance: %s: vacuum deleted %d file(s)", tablePath, deleted)
	s.metrics.IncVacuum(tablePath, deleted)
}
