package memory

import (
	"encoding/json"
	"time"
)

// encodeTimes walks nested mappings and sequences, replacing every
// time.Time with its RFC3339 text form so the JSON encoding of open
// fields is stable across round trips
func encodeTimes(v any) any {
	switch val := v.(type) {
	case time.Time:
		return val.UTC().Format(time.RFC3339Nano)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = encodeTimes(item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = encodeTimes(item)
		}
		return out
	default:
		return v
	}
}

// marshalField serialises a complex field to its string encoding at
// the store boundary. Nil and marshal failures both become "".
func marshalField(v any) string {
	if v == nil {
		return ""
	}
	data, err := json.Marshal(encodeTimes(v))
	if err != nil {
		return ""
	}
	return string(data)
}

// unmarshalMap reconstructs an open mapping from its stored encoding
func unmarshalMap(s string) map[string]any {
	if s == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		return nil
	}
	return m
}

// unmarshalStrings reconstructs a string sequence from its stored encoding
func unmarshalStrings(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s), &out); err != nil {
		return nil
	}
	return out
}

// unmarshalInto reconstructs a typed collection from its stored encoding
func unmarshalInto(s string, v any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), v)
}

// rowString reads a string column, tolerating absent values
func rowString(row map[string]any, key string) string {
	if v, ok := row[key].(string); ok {
		return v
	}
	return ""
}

// rowFloat reads a numeric column, tolerating integer encodings
func rowFloat(row map[string]any, key string) float64 {
	switch v := row[key].(type) {
	case float64:
		return v
	case float32:
		return float64(v)
	case int64:
		return float64(v)
	case int:
		return float64(v)
	}
	return 0
}

// rowInt reads an integer column
func rowInt(row map[string]any, key string) int {
	switch v := row[key].(type) {
	case int64:
		return int(v)
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

// rowBool reads a boolean column, tolerating integer encodings
func rowBool(row map[string]any, key string) bool {
	switch v := row[key].(type) {
	case bool:
		return v
	case int64:
		return v != 0
	case int:
		return v != 0
	}
	return false
}

// rowTime reads a datetime column stored either natively or in its
// RFC3339 text form
func rowTime(row map[string]any, key string) time.Time {
	switch v := row[key].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// rowTimePtr reads an optional datetime column
func rowTimePtr(row map[string]any, key string) *time.Time {
	if row[key] == nil {
		return nil
	}
	t := rowTime(row, key)
	if t.IsZero() {
		return nil
	}
	return &t
}

// rowVector reads the opaque embedding column
func rowVector(row map[string]any, key string) []float32 {
	if v, ok := row[key].([]float32); ok {
		return v
	}
	return nil
}
