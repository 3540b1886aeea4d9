package tablewriter

import (
	"fmt"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/model"
)

// Compatibility is the schema-evolution policy:
// BACKWARD, FORWARD, FULL or NONE.
type Compatibility string

const (
	CompatibilityBackward Compatibility = "BACKWARD"
	CompatibilityForward  Compatibility = "FORWARD"
	CompatibilityFull     Compatibility = "FULL"
	CompatibilityNone     Compatibility = "NONE"
)

// checkCompatibility validates candidate against current under policy.
// BACKWARD: every field candidate adds must be
// nullable or defaulted; removals are not checked. FORWARD: every field
// candidate removes must be nullable or defaulted; additions are not
// checked. FULL applies both checks. NONE rejects any change to the set
// of field names and types.
func checkCompatibility(current, candidate []model.SchemaField, policy Compatibility) error {
	if policy == CompatibilityNone {
		if !sameFieldSet(current, candidate) {
			return classify.Terminalf(classify.CategorySchemaValidation, "schema evolution",
				fmt.Errorf("schema changed under NONE compatibility policy"))
		}
		return nil
	}

	currentByName := indexByName(current)
	candidateByName := indexByName(candidate)

	if policy == CompatibilityBackward || policy == CompatibilityFull {
		for name, f := range candidateByName {
			if _, ok := currentByName[name]; ok {
				continue
			}
			if !f.Nullable && f.Default == nil {
				return classify.Terminalf(classify.CategorySchemaValidation, "schema evolution",
					fmt.Errorf("field %q added without a default is not BACKWARD compatible", name))
			}
		}
	}

	if policy == CompatibilityForward || policy == CompatibilityFull {
		for name, f := range currentByName {
			if _, ok := candidateByName[name]; ok {
				continue
			}
			if !f.Nullable && f.Default == nil {
				return classify.Terminalf(classify.CategorySchemaValidation, "schema evolution",
					fmt.Errorf("field %q removed without a default is not FORWARD compatible", name))
			}
		}
	}

	return nil
}

func indexByName(fields []model.SchemaField) map[string]model.SchemaField {
	m := make(map[string]model.SchemaField, len(fields))
	for _, f := range fields {
		m[f.Name] = f
	}
	return m
}

func sameFieldSet(a, b []model.SchemaField) bool {
	if len(a) != len(b) {
		return false
	}
	am := indexByName(a)
	for _, f := range b {
		existing, ok := am[f.Name]
		if !ok || existing.Type != f.Type {
			return false
		}
	}
	return true
}

// mergeSchema appends any candidate fields absent from current, used to
// build the evolved schema a successful evolution commits.
func mergeSchema(current, candidate []model.SchemaField) []model.SchemaField {
	merged := append([]model.SchemaField(nil), current...)
	currentByName := indexByName(current)
	for _, f := range candidate {
		if _, ok := currentByName[f.Name]; !ok {
			merged = append(merged, f)
		}
	}
	return merged
}

// fieldsFromRecords infers the schema carried by a batch's records by
// unioning every field name observed, typed by its first observed
// value. Used when a batch's records carry fields the table's current
// schema doesn't yet have, to build the evolution candidate.
func fieldsFromRecords(records []*model.ParsedRecord) []model.SchemaField {
	seen := map[string]bool{}
	var fields []model.SchemaField
	for _, rec := range records {
		for name, v := range rec.Fields {
			if seen[name] {
				continue
			}
			seen[name] = true
			fields = append(fields, model.SchemaField{Name: name, Type: inferType(v), Nullable: true})
		}
	}
	return fields
}

func inferType(v interface{}) string {
	switch v.(type) {
	case string:
		return "STRING"
	case int, int64:
		return "LONG"
	case float64, float32:
		return "DOUBLE"
	case bool:
		return "BOOLEAN"
	case []byte:
		return "BYTES"
	case []interface{}:
		return "ARRAY"
	case map[string]interface{}:
		return "RECORD"
	default:
		return "STRING"
	}
}
