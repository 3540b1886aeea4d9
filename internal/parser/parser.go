// Package parser turns raw Kafka record bytes into a ParsedRecord in
// the canonical field space of its resolved schema.
// Format detection, field coercion and binary (Avro) decoding all live
// here; nothing downstream re-parses bytes.
package parser

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/linkedin/goavro/v2"

	"github.com/tablesink/connector/internal/classify"
	"github.com/tablesink/connector/internal/model"
	"github.com/tablesink/connector/internal/schemaregistry"
)

// Format is the detected wire format of a raw message value.
type Format int

const (
	FormatJSON Format = iota
	FormatDelimited
	FormatBinary
)

// magicByte is the Confluent-style wire-format marker: 0x00 followed by
// a 4-byte big-endian schema id.
const magicByte = 0x00

// DetectFormat sniffs whether value is a binary Avro frame, JSON, or a
// delimited line (it contains a comma, tab or pipe); anything else is
// treated as JSON.
func DetectFormat(value []byte) Format {
	if len(value) == 0 {
		return FormatJSON
	}
	if value[0] == magicByte && len(value) >= 5 {
		return FormatBinary
	}
	trimmed := bytes.TrimSpace(value)
	if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
		return FormatJSON
	}
	if bytes.ContainsAny(value, ",\t|") {
		return FormatDelimited
	}
	return FormatJSON
}

// Parser turns raw record bytes into a ParsedRecord.
type Parser struct {
	resolver  *schemaregistry.Resolver
	delimiter string

	// maxSchemaFetchFailures bounds how many consecutive Retriable
	// failures to resolve a binary frame's writer schema id are
	// tolerated, per schema id, before this Parser reclassifies the
	// failure Terminal so it is DLQ'd instead of retried forever.
	maxSchemaFetchFailures int

	mu            sync.Mutex
	fetchFailures map[int]int
}

// New constructs a Parser bound to a Schema Resolver.
func New(resolver *schemaregistry.Resolver, delimiter string, maxSchemaFetchFailures int) *Parser {
	if delimiter == "" {
		delimiter = ","
	}
	if maxSchemaFetchFailures <= 0 {
		maxSchemaFetchFailures = 3
	}
	return &Parser{
		resolver:               resolver,
		delimiter:              delimiter,
		maxSchemaFetchFailures: maxSchemaFetchFailures,
		fetchFailures:          make(map[int]int),
	}
}

// Parse decodes raw into a ParsedRecord conforming to schema's field
// space, binding topic/binary-schema lookups through the Resolver.
func (p *Parser) Parse(raw model.RawMessage, schema *schemaregistry.Schema) (*model.ParsedRecord, error) {
	if len(raw.Value) == 0 {
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, raw.Topic, fmt.Errorf("empty message value"))
	}

	format := DetectFormat(raw.Value)

	var fields map[string]interface{}
	var err error
	schemaID := schema.ID

	switch format {
	case FormatJSON:
		fields, err = p.parseJSON(raw.Value, schema)
	case FormatDelimited:
		fields, err = p.parseDelimited(raw.Value, schema)
	case FormatBinary:
		fields, schemaID, err = p.parseBinary(raw.Value, schema)
	}
	if err != nil {
		return nil, err
	}

	rec := &model.ParsedRecord{
		Fields:         fields,
		Topic:          raw.Topic,
		Partition:      raw.Partition,
		Offset:         raw.Offset,
		KafkaTimestamp: raw.Timestamp,
		SchemaID:       schemaID,
		SchemaSubject:  schema.Subject,
		ApproxByteSize: int64(len(raw.Value)),
	}
	if cob, ok := extractCOB(fields); ok {
		rec.COBDate = cob
	}
	return rec, nil
}

func (p *Parser) parseJSON(value []byte, schema *schemaregistry.Schema) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(value, &doc); err != nil {
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "json decode", err)
	}
	return coerceFields(doc, schema.Fields)
}

func (p *Parser) parseDelimited(value []byte, schema *schemaregistry.Schema) (map[string]interface{}, error) {
	parts := strings.Split(string(value), p.delimiter)
	doc := make(map[string]interface{}, len(schema.Fields))
	for i, f := range schema.Fields {
		if i >= len(parts) {
			if f.Default != nil {
				doc[f.Name] = f.Default
			}
			continue
		}
		doc[f.Name] = parts[i]
	}
	return coerceFields(doc, schema.Fields)
}

// parseBinary decodes a length-prefixed [0x00][4-byte schema id][avro
// payload] frame, fetching the writer schema by id. A Retriable failure
// to resolve the writer schema is tolerated up to
// maxSchemaFetchFailures times per schema id, then reclassified
// Terminal so a persistently unresolvable schema id is DLQ'd rather
// than retried indefinitely.
func (p *Parser) parseBinary(value []byte, readerSchema *schemaregistry.Schema) (map[string]interface{}, int, error) {
	writerID := int(binary.BigEndian.Uint32(value[1:5]))
	payload := value[5:]

	writer, err := p.resolver.GetByID(writerID)
	if err != nil {
		return nil, writerID, p.classifySchemaFetchFailure(writerID, err)
	}
	p.clearSchemaFetchFailures(writerID)

	codec, err := goavro.NewCodec(writer.RawText)
	if err != nil {
		return nil, writerID, classify.Terminalf(classify.CategoryMalformedMessage, "avro codec", err)
	}
	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		return nil, writerID, classify.Terminalf(classify.CategoryMalformedMessage, "avro decode", err)
	}
	doc, ok := native.(map[string]interface{})
	if !ok {
		return nil, writerID, classify.Terminalf(classify.CategoryMalformedMessage, "avro decode", fmt.Errorf("unexpected avro shape %T", native))
	}

	projected, err := coerceFields(doc, readerSchema.Fields)
	return projected, writerID, err
}

// classifySchemaFetchFailure passes Terminal errors through unchanged
// and counts Retriable ones per writer schema id, reclassifying Terminal
// once maxSchemaFetchFailures is reached.
func (p *Parser) classifySchemaFetchFailure(writerID int, err error) error {
	if classify.Classify(err) != classify.Retriable {
		return err
	}

	p.mu.Lock()
	p.fetchFailures[writerID]++
	n := p.fetchFailures[writerID]
	p.mu.Unlock()

	if n < p.maxSchemaFetchFailures {
		return err
	}

	p.clearSchemaFetchFailures(writerID)
	return classify.Terminalf(classify.CategorySchemaValidation,
		fmt.Sprintf("writer schema %d", writerID),
		fmt.Errorf("exceeded %d bounded schema-fetch retries: %w", p.maxSchemaFetchFailures, err))
}

func (p *Parser) clearSchemaFetchFailures(writerID int) {
	p.mu.Lock()
	delete(p.fetchFailures, writerID)
	p.mu.Unlock()
}

// coerceFields applies the connector's type coercions field by field,
// binding by name, with schema defaults for missing optional fields. A
// permissive ("*") fallback schema passes every field through as-is.
func coerceFields(doc map[string]interface{}, schemaFields []model.SchemaField) (map[string]interface{}, error) {
	if isPermissive(schemaFields) {
		out := make(map[string]interface{}, len(doc))
		for k, v := range doc {
			out[k] = v
		}
		return out, nil
	}

	out := make(map[string]interface{}, len(schemaFields))
	for _, f := range schemaFields {
		raw, present := doc[f.Name]
		if !present || raw == nil {
			if f.Nullable {
				out[f.Name] = nil
				continue
			}
			if f.Default != nil {
				out[f.Name] = f.Default
				continue
			}
			return nil, classify.Terminalf(classify.CategorySchemaValidation, f.Name, fmt.Errorf("missing required field %q", f.Name))
		}

		coerced, err := coerceValue(raw, f)
		if err != nil {
			return nil, err
		}
		out[f.Name] = coerced
	}
	return out, nil
}

func isPermissive(fields []model.SchemaField) bool {
	return len(fields) == 1 && fields[0].Name == "*"
}

func coerceValue(raw interface{}, f model.SchemaField) (interface{}, error) {
	if f.Logical == "timestamp-millis" {
		return coerceTimestampMillis(raw)
	}
	switch f.Type {
	case "LONG", "INT":
		return coerceInteger(raw)
	case "DOUBLE", "FLOAT":
		return coerceFloat(raw)
	case "BOOLEAN":
		return coerceBool(raw)
	case "BYTES":
		return coerceBytes(raw)
	case "STRING", "ENUM":
		return fmt.Sprintf("%v", raw), nil
	default:
		return raw, nil
	}
}

func coerceInteger(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case string:
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return nil, classify.Terminalf(classify.CategoryMalformedMessage, "int coercion", err)
		}
		return n, nil
	default:
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "int coercion", fmt.Errorf("cannot coerce %T to int", raw))
	}
}

func coerceFloat(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case float64:
		return v, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return nil, classify.Terminalf(classify.CategoryMalformedMessage, "float coercion", err)
		}
		return f, nil
	default:
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "float coercion", fmt.Errorf("cannot coerce %T to float", raw))
	}
}

func coerceBool(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(v)
		if err != nil {
			return nil, classify.Terminalf(classify.CategoryMalformedMessage, "bool coercion", err)
		}
		return b, nil
	default:
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "bool coercion", fmt.Errorf("cannot coerce %T to bool", raw))
	}
}

func coerceBytes(raw interface{}) (interface{}, error) {
	s, ok := raw.(string)
	if !ok {
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "bytes coercion", fmt.Errorf("cannot coerce %T to bytes", raw))
	}
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "base64 decode", err)
	}
	return b, nil
}

// coerceTimestampMillis implements the timestamp coercion rule:
// ISO-instant -> ms, epoch integer accepted, local-datetime -> UTC ms.
func coerceTimestampMillis(raw interface{}) (interface{}, error) {
	switch v := raw.(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case string:
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t.UnixNano() / int64(time.Millisecond), nil
		}
		if t, err := time.Parse("2006-01-02T15:04:05", v); err == nil {
			return t.UTC().UnixNano() / int64(time.Millisecond), nil
		}
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n, nil
		}
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "timestamp coercion", fmt.Errorf("unparseable timestamp %q", v))
	default:
		return nil, classify.Terminalf(classify.CategoryMalformedMessage, "timestamp coercion", fmt.Errorf("cannot coerce %T to timestamp", raw))
	}
}

// extractCOB pulls a COB (close-of-business) date out of a parsed
// record's fields if present, trying `cob` then `cob_date`, accepting
// either an ISO date string or an epoch-millis value.
func extractCOB(fields map[string]interface{}) (*time.Time, bool) {
	for _, key := range []string{"cob", "cob_date"} {
		raw, ok := fields[key]
		if !ok || raw == nil {
			continue
		}
		switch v := raw.(type) {
		case string:
			for _, layout := range []string{"2006-01-02", time.RFC3339} {
				if t, err := time.Parse(layout, v); err == nil {
					t = t.UTC()
					return &t, true
				}
			}
		case int64:
			t := time.UnixMilli(v).UTC()
			return &t, true
		case float64:
			t := time.UnixMilli(int64(v)).UTC()
			return &t, true
		}
	}
	return nil, false
}
