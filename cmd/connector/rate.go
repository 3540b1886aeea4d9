package main

import (
	"sync/atomic"

	"github.com/tablesink/connector/internal/metrics"
)

// rateTrackingRecorder decorates a metrics.Recorder with the running
// counters the alert Notifier needs to compute a dead-letter rate,
// without requiring the Prometheus collectors themselves to be read
// back out. Every other call is passed straight through.
type rateTrackingRecorder struct {
	metrics.Recorder

	processed int64
	dlqd      int64
}

func (r *rateTrackingRecorder) IncRecordsParsed(topic string) {
	atomic.AddInt64(&r.processed, 1)
	r.Recorder.IncRecordsParsed(topic)
}

func (r *rateTrackingRecorder) IncDLQ(topic string) {
	atomic.AddInt64(&r.dlqd, 1)
	r.Recorder.IncDLQ(topic)
}

// Rate returns the fraction of processed records that have been
// dead-lettered so far. 0 when nothing has been processed yet.
func (r *rateTrackingRecorder) Rate() float64 {
	processed := atomic.LoadInt64(&r.processed)
	if processed == 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&r.dlqd)) / float64(processed)
}
