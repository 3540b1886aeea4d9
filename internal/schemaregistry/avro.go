package schemaregistry

import (
	"encoding/json"
	"strings"

	"github.com/tablesink/connector/internal/model"
)

// avroSchema is the minimal shape of an Avro record schema this parser
// understands: a top-level record with named fields. A union takes its
// first non-null branch's type, and any other named type (enum, fixed)
// keeps its upper-cased Avro type name; only a field type it cannot
// read at all degrades to a best-effort STRING field rather than
// failing the fetch outright, so a schema this parser doesn't fully
// understand still yields something the Validator can check names
// against.
type avroSchema struct {
	Type   string      `json:"type"`
	Fields []avroField `json:"fields"`
}

type avroField struct {
	Name    string          `json:"name"`
	Type    json.RawMessage `json:"type"`
	Default json.RawMessage `json:"default"`
}

// parseAvroFields extracts a []model.SchemaField from an Avro record
// schema's raw JSON text, the shape srclient returns for Confluent
// Schema Registry subjects. It is intentionally lenient: a schema it
// cannot parse at all (e.g. a bare primitive, or non-Avro JSON Schema
// text) falls back to the permissive field list rather than erroring,
// matching the Resolver's documented degrade-to-permissive posture.
func parseAvroFields(rawText string) []model.SchemaField {
	var schema avroSchema
	if err := json.Unmarshal([]byte(rawText), &schema); err != nil || len(schema.Fields) == 0 {
		return PermissiveFallbackFields
	}

	fields := make([]model.SchemaField, 0, len(schema.Fields))
	for _, f := range schema.Fields {
		fields = append(fields, fieldFromAvroType(f.Name, f.Type))
	}
	return fields
}

func fieldFromAvroType(name string, raw json.RawMessage) model.SchemaField {
	field := model.SchemaField{Name: name}

	// Union type: ["null", "<type>"] or ["<type>", "null"] marks a
	// nullable field, Avro's only way to express optionality.
	var union []json.RawMessage
	if err := json.Unmarshal(raw, &union); err == nil {
		field.Nullable = true
		for _, branch := range union {
			typeName := avroTypeNameOf(branch)
			if typeName != "" && !strings.EqualFold(typeName, "null") {
				field.Type = strings.ToUpper(typeName)
				break
			}
		}
		if field.Type == "" {
			field.Type = "STRING"
		}
		return field
	}

	// Bare string type name, e.g. "string", "long".
	var name2 string
	if err := json.Unmarshal(raw, &name2); err == nil {
		field.Type = strings.ToUpper(name2)
		return field
	}

	// Logical or complex type object, e.g.
	// {"type":"long","logicalType":"timestamp-millis"} or
	// {"type":"record", "fields":[...]} or {"type":"array","items":...}.
	var obj struct {
		Type        string          `json:"type"`
		LogicalType string          `json:"logicalType"`
		Fields      []avroField     `json:"fields"`
		Items       json.RawMessage `json:"items"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && obj.Type != "" {
		field.Type = strings.ToUpper(obj.Type)
		field.Logical = obj.LogicalType
		if strings.EqualFold(obj.Type, "record") {
			field.Fields = make([]model.SchemaField, 0, len(obj.Fields))
			for _, nested := range obj.Fields {
				field.Fields = append(field.Fields, fieldFromAvroType(nested.Name, nested.Type))
			}
		}
		if strings.EqualFold(obj.Type, "array") && len(obj.Items) > 0 {
			item := fieldFromAvroType(name, obj.Items)
			field.Items = &item
		}
		return field
	}

	field.Type = "STRING"
	return field
}

func avroTypeNameOf(raw json.RawMessage) string {
	var name string
	if err := json.Unmarshal(raw, &name); err == nil {
		return name
	}
	var obj struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Type
	}
	return ""
}
