// Package metrics defines the Recorder collaborator used across the
// connector ("metrics as collaborator... injected... avoiding any process-wide
// singleton") and a Prometheus-backed implementation exposed over an
// HTTP health/metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/practo/klog/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Recorder is the interface the core pipeline depends on. Nothing in
// internal/ reaches for a prometheus type directly; everything goes
// through this so tests can inject a no-op or a fake.
type Recorder interface {
	IncRecordsParsed(topic string)
	IncRecordsValidated(topic string, ok bool)
	IncRecordsEnriched(topic string)
	IncBatchFlushed(destination string, reason string, size int)
	IncCommit(tablePath string, records int, bytes int64, files int)
	IncWriteError(tablePath string)
	IncRetry(name string, attempt int)
	SetCircuitState(name string, state int)
	IncDLQ(topic string)
	IncCompaction(tablePath string, ok bool)
	IncVacuum(tablePath string, filesDeleted int)
	ObserveCommitLatency(tablePath string, seconds float64)
}

// Prometheus implements Recorder with client_golang collectors.
type Prometheus struct {
	recordsParsed    *prometheus.CounterVec
	recordsValidated *prometheus.CounterVec
	recordsEnriched  *prometheus.CounterVec
	batchesFlushed   *prometheus.CounterVec
	recordsWritten   *prometheus.CounterVec
	bytesWritten     *prometheus.CounterVec
	filesCreated     *prometheus.CounterVec
	writeErrors      *prometheus.CounterVec
	retries          *prometheus.CounterVec
	circuitState     *prometheus.GaugeVec
	dlqMessages      *prometheus.CounterVec
	compactions      *prometheus.CounterVec
	vacuumDeletes    *prometheus.CounterVec
	commitLatency    *prometheus.HistogramVec
}

// NewPrometheus builds and registers the connector's metric family on
// the given registerer (pass prometheus.DefaultRegisterer in cmd/connector).
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	p := &Prometheus{
		recordsParsed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_records_parsed_total",
			Help: "Records successfully parsed by topic.",
		}, []string{"topic"}),
		recordsValidated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_records_validated_total",
			Help: "Records validated by topic and outcome.",
		}, []string{"topic", "result"}),
		recordsEnriched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_records_enriched_total",
			Help: "Records enriched by topic.",
		}, []string{"topic"}),
		batchesFlushed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_batches_flushed_total",
			Help: "Batches flushed by destination and trigger reason.",
		}, []string{"destination", "reason"}),
		recordsWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_records_written_total",
			Help: "Records committed by table path.",
		}, []string{"table"}),
		bytesWritten: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_bytes_written_total",
			Help: "Bytes committed by table path.",
		}, []string{"table"}),
		filesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_files_created_total",
			Help: "Data files created by table path.",
		}, []string{"table"}),
		writeErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_write_errors_total",
			Help: "Write errors by table path.",
		}, []string{"table"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_retry_attempts_total",
			Help: "Retry attempts by destination name.",
		}, []string{"name"}),
		circuitState: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "sink_circuit_state",
			Help: "Circuit state by name: 0=CLOSED 1=OPEN 2=HALF_OPEN.",
		}, []string{"name"}),
		dlqMessages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_dlq_messages_total",
			Help: "Messages sent to the DLQ by source topic.",
		}, []string{"topic"}),
		compactions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_compactions_total",
			Help: "Compaction runs by table path and outcome.",
		}, []string{"table", "result"}),
		vacuumDeletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "sink_vacuum_files_deleted_total",
			Help: "Files deleted by vacuum by table path.",
		}, []string{"table"}),
		commitLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "sink_commit_latency_seconds",
			Help:    "Commit latency by table path.",
			Buckets: prometheus.DefBuckets,
		}, []string{"table"}),
	}

	reg.MustRegister(
		p.recordsParsed, p.recordsValidated, p.recordsEnriched,
		p.batchesFlushed, p.recordsWritten, p.bytesWritten, p.filesCreated,
		p.writeErrors, p.retries, p.circuitState, p.dlqMessages,
		p.compactions, p.vacuumDeletes, p.commitLatency,
	)
	return p
}

func (p *Prometheus) IncRecordsParsed(topic string) { p.recordsParsed.WithLabelValues(topic).Inc() }

func (p *Prometheus) IncRecordsValidated(topic string, ok bool) {
	result := "valid"
	if !ok {
		result = "invalid"
	}
	p.recordsValidated.WithLabelValues(topic, result).Inc()
}

func (p *Prometheus) IncRecordsEnriched(topic string) {
	p.recordsEnriched.WithLabelValues(topic).Inc()
}

func (p *Prometheus) IncBatchFlushed(destination, reason string, size int) {
	p.batchesFlushed.WithLabelValues(destination, reason).Add(1)
	_ = size
}

func (p *Prometheus) IncCommit(tablePath string, records int, bytes int64, files int) {
	p.recordsWritten.WithLabelValues(tablePath).Add(float64(records))
	p.bytesWritten.WithLabelValues(tablePath).Add(float64(bytes))
	p.filesCreated.WithLabelValues(tablePath).Add(float64(files))
}

func (p *Prometheus) IncWriteError(tablePath string) { p.writeErrors.WithLabelValues(tablePath).Inc() }

func (p *Prometheus) IncRetry(name string, attempt int) {
	p.retries.WithLabelValues(name).Inc()
	_ = attempt
}

func (p *Prometheus) SetCircuitState(name string, state int) {
	p.circuitState.WithLabelValues(name).Set(float64(state))
}

func (p *Prometheus) IncDLQ(topic string) { p.dlqMessages.WithLabelValues(topic).Inc() }

func (p *Prometheus) IncCompaction(tablePath string, ok bool) {
	result := "success"
	if !ok {
		result = "failure"
	}
	p.compactions.WithLabelValues(tablePath, result).Inc()
}

func (p *Prometheus) IncVacuum(tablePath string, filesDeleted int) {
	p.vacuumDeletes.WithLabelValues(tablePath).Add(float64(filesDeleted))
}

func (p *Prometheus) ObserveCommitLatency(tablePath string, seconds float64) {
	p.commitLatency.WithLabelValues(tablePath).Observe(seconds)
}

// ServeHTTP starts the metrics/health endpoint on addr, serving the
// default Prometheus gatherer at /metrics. The rest of the connector
// reports metrics only through Recorder.
func ServeHTTP(addr string) {
	klog.Infof("starting metrics endpoint on %s", addr)
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	mux.Handle("/metrics", promhttp.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		klog.Errorf("metrics endpoint exited: %v", err)
	}
}

// NoOp is a Recorder that does nothing, used by tests that don't care
// about metrics assertions.
type NoOp struct{}

func (NoOp) IncRecordsParsed(string)                      {}
func (NoOp) IncRecordsValidated(string, bool)              {}
func (NoOp) IncRecordsEnriched(string)                     {}
func (NoOp) IncBatchFlushed(string, string, int)           {}
func (NoOp) IncCommit(string, int, int64, int)             {}
func (NoOp) IncWriteError(string)                          {}
func (NoOp) IncRetry(string, int)                          {}
func (NoOp) SetCircuitState(string, int)                   {}
func (NoOp) IncDLQ(string)                                  {}
func (NoOp) IncCompaction(string, bool)                     {}
func (NoOp) IncVacuum(string, int)                          {}
func (NoOp) ObserveCommitLatency(string, float64)           {}
