// Package enrich implements the Record Enricher: a
// pure function over (ParsedRecord, TopicBinding) that adds Kafka
// metadata and derived partition columns, deterministically.
package enrich

import (
	"fmt"
	"time"

	"github.com/tablesink/connector/internal/model"
)

// Clock returns "now" for enrichment. Tests inject a fixed clock so
// idempotence and the missing-cob-defaults-to-today behavior are
// reproducible.
type Clock func() time.Time

// Enricher augments ParsedRecord values in place.
type Enricher struct {
	Now Clock
}

// New constructs an Enricher using time.Now as its clock.
func New() *Enricher {
	return &Enricher{Now: time.Now}
}

const (
	FieldKafkaTopic        = "_kafka_topic"
	FieldKafkaPartition    = "_kafka_partition"
	FieldKafkaOffset       = "_kafka_offset"
	FieldKafkaKey          = "_kafka_key"
	FieldProcessedAt       = "_processed_at"
	FieldIngestionTS       = "_ingestion_timestamp"
	FieldYear              = "year"
	FieldMonth             = "month"
	FieldDay               = "day"
	FieldHour              = "hour"
)

// Enrich adds Kafka metadata and partition columns to rec's Fields,
// choosing COB-derived year/month/day when rec.COBDate is set and the
// wall-clock otherwise. It is idempotent:
// calling it twice on an already-enriched record overwrites the same
// fields with the same deterministic values, since no wall-clock value
// is read into business-key derivation, only into _processed_at/
// _ingestion_timestamp which are metadata, not partition keys.
func (e *Enricher) Enrich(rec *model.ParsedRecord, binding model.TopicBinding) {
	if rec.Fields == nil {
		rec.Fields = make(map[string]interface{})
	}

	rec.Fields[FieldKafkaTopic] = rec.Topic
	rec.Fields[FieldKafkaPartition] = int64(rec.Partition)
	rec.Fields[FieldKafkaOffset] = rec.Offset

	now := e.Now().UTC()
	rec.Fields[FieldProcessedAt] = now.Format(time.RFC3339Nano)
	rec.Fields[FieldIngestionTS] = now.UnixNano() / int64(time.Millisecond)

	basis := now
	if rec.COBDate != nil {
		basis = rec.COBDate.UTC()
	} else if cob, ok := rec.Fields["cob"]; ok {
		if t, ok2 := parseCOBField(cob); ok2 {
			basis = t
			rec.COBDate = &t
		}
	} else {
		// A record missing cob receives today's date (wall-clock)
		// and is still written -- `basis` already defaults to `now`.
		today := now
		rec.COBDate = &today
	}

	wantsHour := false
	for _, col := range binding.Destination.PartitionColumns {
		if col == FieldHour {
			wantsHour = true
		}
	}

	rec.Fields[FieldYear] = basis.Format("2006")
	rec.Fields[FieldMonth] = basis.Format("01")
	rec.Fields[FieldDay] = basis.Format("02")
	if wantsHour {
		rec.Fields[FieldHour] = basis.Format("15")
	}
}

func parseCOBField(v interface{}) (time.Time, bool) {
	switch vv := v.(type) {
	case string:
		if t, err := time.Parse("2006-01-02", vv); err == nil {
			return t.UTC(), true
		}
		if t, err := time.Parse(time.RFC3339, vv); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

// PartitionValues extracts the values of rec's fields named by
// binding.Destination.PartitionColumns, keyed by column name; a column
// rec has no field for is left out. The map carries no order: the Table
// Writer builds its `col=value/...` path in PartitionColumns order.
func PartitionValues(rec *model.ParsedRecord, binding model.TopicBinding) map[string]string {
	values := make(map[string]string, len(binding.Destination.PartitionColumns))
	for _, col := range binding.Destination.PartitionColumns {
		if v, ok := rec.Fields[col]; ok {
			values[col] = toPartitionString(v)
		}
	}
	return values
}

func toPartitionString(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}
