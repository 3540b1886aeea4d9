// Package validator implements the Schema Validator:
// given a compiled schema and a JSON-shaped document, it returns
// {valid, report}. Schemas compile once and are cached by reference;
// reload/clearAll invalidate the cache.
//
// There is no JSON-Schema-draft validation library wired into this
// connector, so compilation here means
// flattening a resolved schemaregistry.Schema's field list into a
// compiledSchema once, not implementing a full JSON-Schema draft
// engine; the compiled form is cheap to re-check per document, which
// keeps the "compiled once and cached by reference" property cheap to
// hold.
package validator

import (
	"fmt"
	"sync"

	"github.com/tablesink/connector/internal/model"
)

// Report is the validation outcome for one document.
type Report struct {
	Valid  bool
	Errors []string
}

// compiledSchema is the cached, pre-flattened form of a schema.
type compiledSchema struct {
	name       string
	permissive bool
	required   map[string]model.SchemaField
}

// Validator holds the process-wide cache of compiled schemas, keyed by
// name (the subject or schema-file name).
type Validator struct {
	mu      sync.RWMutex
	schemas map[string]*compiledSchema
}

// New constructs an empty Validator.
func New() *Validator {
	return &Validator{schemas: make(map[string]*compiledSchema)}
}

// Compile compiles and caches fields under name, replacing any prior
// compilation for that name (used by reload(name)).
func (v *Validator) Compile(name string, fields []model.SchemaField, permissive bool) {
	required := make(map[string]model.SchemaField, len(fields))
	for _, f := range fields {
		required[f.Name] = f
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas[name] = &compiledSchema{name: name, permissive: permissive, required: required}
}

// Reload re-fetches and re-compiles name's schema via fetch, replacing
// whatever was cached.
func (v *Validator) Reload(name string, fetch func() ([]model.SchemaField, bool, error)) error {
	fields, permissive, err := fetch()
	if err != nil {
		return err
	}
	v.Compile(name, fields, permissive)
	return nil
}

// ClearAll invalidates every compiled schema.
func (v *Validator) ClearAll() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.schemas = make(map[string]*compiledSchema)
}

// Validate checks doc against the compiled schema cached under name. A
// permissive schema never reports invalid: a schema-absent topic uses
// the permissive fallback schema and no validation failure is reported
// for any well-formed JSON.
func (v *Validator) Validate(name string, doc map[string]interface{}) Report {
	v.mu.RLock()
	schema, ok := v.schemas[name]
	v.mu.RUnlock()

	if !ok || schema.permissive {
		return Report{Valid: true}
	}

	var errs []string
	for fname, f := range schema.required {
		raw, present := doc[fname]
		if !present || raw == nil {
			if f.Nullable || f.Default != nil {
				continue
			}
			errs = append(errs, fmt.Sprintf("missing required field %q", fname))
			continue
		}
		if err := typeMatches(raw, f.Type); err != nil {
			errs = append(errs, fmt.Sprintf("field %q: %v", fname, err))
		}
	}

	return Report{Valid: len(errs) == 0, Errors: errs}
}

func typeMatches(raw interface{}, fieldType string) error {
	switch fieldType {
	case "STRING", "ENUM", "BYTES":
		if _, ok := raw.(string); !ok {
			return fmt.Errorf("expected string, got %T", raw)
		}
	case "INT", "LONG":
		switch raw.(type) {
		case float64, int64, int:
		default:
			return fmt.Errorf("expected integer, got %T", raw)
		}
	case "DOUBLE", "FLOAT":
		switch raw.(type) {
		case float64, int64, int:
		default:
			return fmt.Errorf("expected number, got %T", raw)
		}
	case "BOOLEAN":
		if _, ok := raw.(bool); !ok {
			return fmt.Errorf("expected bool, got %T", raw)
		}
	case "ARRAY":
		if _, ok := raw.([]interface{}); !ok {
			return fmt.Errorf("expected array, got %T", raw)
		}
	case "MAP", "RECORD":
		if _, ok := raw.(map[string]interface{}); !ok {
			return fmt.Errorf("expected object, got %T", raw)
		}
	}
	return nil
}
