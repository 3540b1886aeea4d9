package enrich

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tablesink/connector/internal/model"
)

func fixedClock(t time.Time) Clock {
	return func() time.Time { return t }
}

func TestEnrichAddsKafkaMetadata(t *testing.T) {
	e := &Enricher{Now: fixedClock(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))}
	rec := &model.ParsedRecord{
		Fields: map[string]interface{}{"user_id": "u1"}, Topic: "t", Partition: 2, Offset: 99,
	}
	binding := model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day"}}}
	e.Enrich(rec, binding)

	require.Equal(t, "t", rec.Fields[FieldKafkaTopic])
	require.Equal(t, int64(2), rec.Fields[FieldKafkaPartition])
	require.Equal(t, int64(99), rec.Fields[FieldKafkaOffset])
	require.Equal(t, "2024", rec.Fields[FieldYear])
	require.Equal(t, "03", rec.Fields[FieldMonth])
	require.Equal(t, "04", rec.Fields[FieldDay])
}

func TestEnrichUsesCOBDateWhenPresent(t *testing.T) {
	e := &Enricher{Now: fixedClock(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))}
	rec := &model.ParsedRecord{
		Fields: map[string]interface{}{"cob": "2023-01-15"}, Topic: "t",
	}
	e.Enrich(rec, model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day"}}})

	require.Equal(t, "2023", rec.Fields[FieldYear])
	require.Equal(t, "01", rec.Fields[FieldMonth])
	require.Equal(t, "15", rec.Fields[FieldDay])
}

func TestEnrichIsIdempotent(t *testing.T) {
	e := &Enricher{Now: fixedClock(time.Date(2024, 3, 4, 5, 6, 7, 0, time.UTC))}
	rec := &model.ParsedRecord{Fields: map[string]interface{}{"cob": "2023-01-15"}, Topic: "t"}
	binding := model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day"}}}

	e.Enrich(rec, binding)
	first := map[string]interface{}{}
	for k, v := range rec.Fields {
		first[k] = v
	}
	e.Enrich(rec, binding)

	require.Equal(t, first[FieldYear], rec.Fields[FieldYear])
	require.Equal(t, first[FieldMonth], rec.Fields[FieldMonth])
	require.Equal(t, first[FieldDay], rec.Fields[FieldDay])
}

func TestEnrichMissingCOBDefaultsToToday(t *testing.T) {
	now := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	e := &Enricher{Now: fixedClock(now)}
	rec := &model.ParsedRecord{Fields: map[string]interface{}{}, Topic: "t"}
	e.Enrich(rec, model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day"}}})

	require.Equal(t, "2024", rec.Fields[FieldYear])
	require.Equal(t, "06", rec.Fields[FieldMonth])
	require.Equal(t, "01", rec.Fields[FieldDay])
	require.NotNil(t, rec.COBDate)
}

func TestEnrichAddsHourWhenPartitioned(t *testing.T) {
	e := &Enricher{Now: fixedClock(time.Date(2024, 3, 4, 15, 0, 0, 0, time.UTC))}
	rec := &model.ParsedRecord{Fields: map[string]interface{}{}, Topic: "t"}
	e.Enrich(rec, model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day", "hour"}}})
	require.Equal(t, "15", rec.Fields[FieldHour])
}

func TestPartitionValuesExtractsConfiguredColumns(t *testing.T) {
	rec := &model.ParsedRecord{Fields: map[string]interface{}{"year": "2024", "month": "06", "day": "01"}}
	binding := model.TopicBinding{Destination: model.Destination{PartitionColumns: []string{"year", "month", "day"}}}
	vals := PartitionValues(rec, binding)
	require.Equal(t, "2024", vals["year"])
	require.Equal(t, "06", vals["month"])
	require.Equal(t, "01", vals["day"])
}
