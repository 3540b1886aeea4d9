package tablewriter

import (
	"bytes"
	"compress/gzip"
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/tablesink/connector/internal/model"
)

// encodedFile is one data file's compressed body plus the stats sidecar
// derived while encoding it, before it has a path or has been uploaded.
type encodedFile struct {
	body  []byte
	stats model.ColumnStats
	count int64
}

// encodeRecords projects records onto schema and produces a single
// gzip-compressed JSON-Lines file with one line per record, plus a
// per-column stats sidecar (null count, min, max). The file is
// row-oriented JSON, not Parquet or any other columnar format, although
// dataFileKey gives it a .parquet name.
func encodeRecords(records []*model.ParsedRecord, schema []model.SchemaField) (*encodedFile, error) {
	stats := model.ColumnStats{
		NullCount: make(map[string]int64, len(schema)),
		MinValues: make(map[string]interface{}, len(schema)),
		MaxValues: make(map[string]interface{}, len(schema)),
	}

	var raw bytes.Buffer
	for _, rec := range records {
		projected, err := projectRecord(rec.Fields, schema, &stats)
		if err != nil {
			return nil, err
		}
		line, err := json.Marshal(projected)
		if err != nil {
			return nil, fmt.Errorf("tablewriter: marshaling projected record: %w", err)
		}
		raw.Write(line)
		raw.WriteByte('\n')
	}

	var gz bytes.Buffer
	w := gzip.NewWriter(&gz)
	if _, err := w.Write(raw.Bytes()); err != nil {
		return nil, fmt.Errorf("tablewriter: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("tablewriter: gzip close: %w", err)
	}

	return &encodedFile{body: gz.Bytes(), stats: stats, count: int64(len(records))}, nil
}

// projectRecord maps fields onto schema's declared types, recording
// null-count/min/max statistics per column.
func projectRecord(fields map[string]interface{}, schema []model.SchemaField, stats *model.ColumnStats) (map[string]interface{}, error) {
	out := make(map[string]interface{}, len(schema))
	for _, f := range schema {
		raw, present := fields[f.Name]
		if !present || raw == nil {
			stats.NullCount[f.Name]++
			out[f.Name] = nil
			continue
		}

		v, err := coerceToSchema(raw, f)
		if err != nil {
			return nil, fmt.Errorf("tablewriter: field %q: %w", f.Name, err)
		}
		out[f.Name] = v
		updateMinMax(stats, f.Name, v)
	}
	return out, nil
}

func coerceToSchema(raw interface{}, f model.SchemaField) (interface{}, error) {
	switch f.Type {
	case "STRING", "ENUM":
		return fmt.Sprintf("%v", raw), nil
	case "INT":
		return toInt64(raw)
	case "LONG":
		return toInt64(raw)
	case "DOUBLE", "FLOAT":
		return toFloat64(raw)
	case "BOOLEAN":
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("expected bool, got %T", raw)
		}
		return b, nil
	case "BYTES":
		switch v := raw.(type) {
		case []byte:
			return base64.StdEncoding.EncodeToString(v), nil
		case string:
			return v, nil
		default:
			return nil, fmt.Errorf("expected bytes, got %T", raw)
		}
	case "ARRAY":
		arr, ok := raw.([]interface{})
		if !ok {
			return nil, fmt.Errorf("expected array, got %T", raw)
		}
		out := make([]interface{}, 0, len(arr))
		for _, elem := range arr {
			if f.Items == nil {
				out = append(out, elem)
				continue
			}
			v, err := coerceToSchema(elem, *f.Items)
			if err != nil {
				return nil, err
			}
			out = append(out, v)
		}
		return out, nil
	case "MAP", "RECORD":
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, fmt.Errorf("expected object, got %T", raw)
		}
		if len(f.Fields) == 0 {
			return obj, nil
		}
		nested := model.ColumnStats{NullCount: map[string]int64{}, MinValues: map[string]interface{}{}, MaxValues: map[string]interface{}{}}
		return projectRecord(obj, f.Fields, &nested)
	default:
		return raw, nil
	}
}

func toInt64(raw interface{}) (int64, error) {
	switch v := raw.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case float64:
		return int64(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", raw)
	}
}

func toFloat64(raw interface{}) (float64, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("expected number, got %T", raw)
	}
}

// updateMinMax keeps running min/max for orderable scalar types only;
// it silently skips types it doesn't know how to compare (arrays, maps)
// since the stats sidecar only prunes on scalar predicates.
func updateMinMax(stats *model.ColumnStats, name string, v interface{}) {
	switch vv := v.(type) {
	case int64:
		cur, ok := stats.MinValues[name]
		if !ok || vv < cur.(int64) {
			stats.MinValues[name] = vv
		}
		cur, ok = stats.MaxValues[name]
		if !ok || vv > cur.(int64) {
			stats.MaxValues[name] = vv
		}
	case float64:
		cur, ok := stats.MinValues[name]
		if !ok || vv < cur.(float64) {
			stats.MinValues[name] = vv
		}
		cur, ok = stats.MaxValues[name]
		if !ok || vv > cur.(float64) {
			stats.MaxValues[name] = vv
		}
	case string:
		cur, ok := stats.MinValues[name]
		if !ok || vv < cur.(string) {
			stats.MinValues[name] = vv
		}
		cur, ok = stats.MaxValues[name]
		if !ok || vv > cur.(string) {
			stats.MaxValues[name] = vv
		}
	}
}
