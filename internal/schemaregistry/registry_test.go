package schemaregistry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSubjectForTopicAppendsValueSuffix(t *testing.T) {
	require.Equal(t, "orders.v1-value", SubjectForTopic("orders.v1"))
}

func TestGetLatestUsesFallbackWhenDisabled(t *testing.T) {
	r := New(Config{Enabled: false})

	s, err := r.GetLatest("orders.v1-value")
	require.NoError(t, err)
	require.True(t, s.Fallback)
	require.Equal(t, PermissiveFallbackFields, s.Fields)
	require.Equal(t, "orders.v1-value", s.Subject)
}

func TestGetByIDWithoutRegistryIsTerminal(t *testing.T) {
	r := New(Config{Enabled: false})

	_, err := r.GetByID(7)
	require.Error(t, err)
}

func TestRegisterWithoutRegistryIsTerminal(t *testing.T) {
	r := New(Config{Enabled: false})

	_, err := r.Register("orders.v1-value", `{"type":"record","fields":[]}`)
	require.Error(t, err)
}

func TestTestCompatibilityPassesWhenDisabled(t *testing.T) {
	r := New(Config{Enabled: false})

	ok, err := r.TestCompatibility("orders.v1-value", `{"type":"record","fields":[]}`)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestInvalidateAllClearsCache(t *testing.T) {
	r := New(Config{Enabled: false})
	_, _ = r.GetLatest("orders.v1-value")
	r.storeBySubject("orders.v1-value", &Schema{Subject: "orders.v1-value", Fields: PermissiveFallbackFields})

	r.InvalidateAll()

	_, ok := r.cachedBySubject("orders.v1-value")
	require.False(t, ok)
}

func TestParseAvroFieldsSimpleRecord(t *testing.T) {
	raw := `{
		"type": "record",
		"name": "Order",
		"fields": [
			{"name": "id", "type": "string"},
			{"name": "amount", "type": "double"},
			{"name": "note", "type": ["null", "string"], "default": null}
		]
	}`

	fields := parseAvroFields(raw)
	require.Len(t, fields, 3)

	require.Equal(t, "id", fields[0].Name)
	require.Equal(t, "STRING", fields[0].Type)
	require.False(t, fields[0].Nullable)

	require.Equal(t, "amount", fields[1].Name)
	require.Equal(t, "DOUBLE", fields[1].Type)

	require.Equal(t, "note", fields[2].Name)
	require.True(t, fields[2].Nullable)
	require.Equal(t, "STRING", fields[2].Type)
}

func TestParseAvroFieldsLogicalType(t *testing.T) {
	raw := `{
		"type": "record",
		"fields": [
			{"name": "created_at", "type": {"type": "long", "logicalType": "timestamp-millis"}}
		]
	}`

	fields := parseAvroFields(raw)
	require.Len(t, fields, 1)
	require.Equal(t, "LONG", fields[0].Type)
	require.Equal(t, "timestamp-millis", fields[0].Logical)
}

func TestParseAvroFieldsNestedRecordAndArray(t *testing.T) {
	raw := `{
		"type": "record",
		"fields": [
			{"name": "address", "type": {"type": "record", "fields": [
				{"name": "city", "type": "string"}
			]}},
			{"name": "tags", "type": {"type": "array", "items": "string"}}
		]
	}`

	fields := parseAvroFields(raw)
	require.Len(t, fields, 2)

	require.Equal(t, "RECORD", fields[0].Type)
	require.Len(t, fields[0].Fields, 1)
	require.Equal(t, "city", fields[0].Fields[0].Name)

	require.Equal(t, "ARRAY", fields[1].Type)
	require.NotNil(t, fields[1].Items)
	require.Equal(t, "STRING", fields[1].Items.Type)
}

func TestParseAvroFieldsFallsBackOnUnparseableSchema(t *testing.T) {
	fields := parseAvroFields(`"just a string"`)
	require.Equal(t, PermissiveFallbackFields, fields)

	fields = parseAvroFields(`{"type":"record"}`) // no fields key
	require.Equal(t, PermissiveFallbackFields, fields)
}
