// Package sheet models the spreadsheet-like rows a dispatch is driven by.
//
// A Row keeps its columns in the order they were received so that anything
// iterating over cells (placeholder substitution, previews) is deterministic.
package sheet

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Cell is one column/value pair of a row.
type Cell struct {
	Column string
	Value  any
}

// Row is an ordered set of cells. Column names are unique within a row;
// a later duplicate replaces the earlier value in place.
type Row struct {
	cells []Cell
	pos   map[string]int
}

// NewRow builds a row from alternating column/value pairs.
func NewRow(kv ...any) Row {
	var r Row
	for i := 0; i+1 < len(kv); i += 2 {
		r.Set(fmt.Sprint(kv[i]), kv[i+1])
	}
	return r
}

// FromMap builds a row from a map. Columns are sorted so the result does not
// depend on map iteration order.
func FromMap(m map[string]any) Row {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var r Row
	for _, k := range keys {
		r.Set(k, m[k])
	}
	return r
}

func (r *Row) Set(column string, value any) {
	if r.pos == nil {
		r.pos = map[string]int{}
	}
	if i, ok := r.pos[column]; ok {
		r.cells[i].Value = value
		return
	}
	r.pos[column] = len(r.cells)
	r.cells = append(r.cells, Cell{Column: column, Value: value})
}

// Get returns the raw value stored under column.
func (r Row) Get(column string) (any, bool) {
	i, ok := r.pos[column]
	if !ok {
		return nil, false
	}
	return r.cells[i].Value, true
}

// Text returns the textual form of the value under column.
func (r Row) Text(column string) (string, bool) {
	v, ok := r.Get(column)
	if !ok {
		return "", false
	}
	return Text(v), true
}

// Cells returns the cells in insertion order. The slice must not be modified.
func (r Row) Cells() []Cell { return r.cells }

func (r Row) Len() int { return len(r.cells) }

// Text renders a cell value the way it should appear in a message.
// JSON numbers keep their integer form ("42", not "42.000000").
func Text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case json.Number:
		return x.String()
	case []byte:
		return string(x)
	default:
		return fmt.Sprint(v)
	}
}

// UnmarshalJSON decodes a JSON object while keeping key order.
func (r *Row) UnmarshalJSON(b []byte) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("sheet: row must be a JSON object")
	}
	*r = Row{}
	for dec.More() {
		kt, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := kt.(string)
		if !ok {
			return fmt.Errorf("sheet: invalid row key %v", kt)
		}
		var raw any
		if err := dec.Decode(&raw); err != nil {
			return fmt.Errorf("sheet: column %q: %w", key, err)
		}
		r.Set(key, normalizeNumber(raw))
	}
	_, err = dec.Token()
	return err
}

// MarshalJSON encodes the row as an object with columns in order.
func (r Row) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, c := range r.cells {
		if i > 0 {
			buf.WriteByte(',')
		}
		k, err := json.Marshal(c.Column)
		if err != nil {
			return nil, err
		}
		v, err := json.Marshal(c.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(k)
		buf.WriteByte(':')
		buf.Write(v)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// normalizeNumber turns json.Number into int64 when it is integral and into
// float64 otherwise; nested values are walked.
func normalizeNumber(v any) any {
	switch x := v.(type) {
	case json.Number:
		s := x.String()
		if !strings.ContainsAny(s, ".eE") {
			if n, err := x.Int64(); err == nil {
				return n
			}
		}
		if f, err := x.Float64(); err == nil {
			return f
		}
		return s
	case []any:
		for i := range x {
			x[i] = normalizeNumber(x[i])
		}
		return x
	case map[string]any:
		for k := range x {
			x[k] = normalizeNumber(x[k])
		}
		return x
	default:
		return v
	}
}
