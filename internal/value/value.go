// Package value models arbitrary JSON input as an ordered mapping of keys to
// tagged scalar values and flattens it into storable rows.
package value

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/sowdb/sowdb/internal/ident"
)

// Decoding errors.
var (
	ErrNotObject = errors.New("body must be a JSON object")
	ErrEmpty     = errors.New("body is empty")
)

// Kind tags the variant held by a Value.
type Kind int

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	// KindComposite holds an object or array serialized as compact JSON.
	KindComposite
)

func (k Kind) String() string {
	switch k {
	case KindNull:
		return "null"
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindComposite:
		return "composite"
	default:
		return "kind(" + strconv.Itoa(int(k)) + ")"
	}
}

// Value is a tagged union over the JSON value shapes the engine stores.
type Value struct {
	kind Kind
	s    string
	i    int64
	f    float64
	b    bool
}

func Null() Value               { return Value{kind: KindNull} }
func String(s string) Value     { return Value{kind: KindString, s: s} }
func Int(i int64) Value         { return Value{kind: KindInt, i: i} }
func Float(f float64) Value     { return Value{kind: KindFloat, f: f} }
func Bool(b bool) Value         { return Value{kind: KindBool, b: b} }
func Composite(js string) Value { return Value{kind: KindComposite, s: js} }

// Kind reports which variant v holds.
func (v Value) Kind() Kind { return v.kind }

// IsNull reports whether v is JSON null.
func (v Value) IsNull() bool { return v.kind == KindNull }

// Storage returns the value in the form bound as a SQL parameter.
// Booleans become 0/1 and composites their serialized JSON text.
func (v Value) Storage() any {
	switch v.kind {
	case KindString, KindComposite:
		return v.s
	case KindInt:
		return v.i
	case KindFloat:
		return v.f
	case KindBool:
		if v.b {
			return int64(1)
		}
		return int64(0)
	default:
		return nil
	}
}

func (v Value) String() string {
	switch v.kind {
	case KindString, KindComposite:
		return v.s
	case KindInt:
		return strconv.FormatInt(v.i, 10)
	case KindFloat:
		return strconv.FormatFloat(v.f, 'g', -1, 64)
	case KindBool:
		return strconv.FormatBool(v.b)
	default:
		return "null"
	}
}

// Field is one key/value pair of an Object, in source order.
type Field struct {
	Key   string
	Value Value
}

// Object is a JSON object whose keys keep their original order.
type Object []Field

// Get returns the value stored under key.
func (o Object) Get(key string) (Value, bool) {
	for _, f := range o {
		if f.Key == key {
			return f.Value, true
		}
	}
	return Value{}, false
}

// DecodeObject parses a single JSON object. Top-level key order is kept and a
// repeated key keeps its first position with its last value. Nested objects
// and arrays are kept as compact JSON text; they are never expanded.
func DecodeObject(data []byte) (Object, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, ErrEmpty
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	tok, err := dec.Token()
	if err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return nil, ErrNotObject
	}

	var obj Object
	index := make(map[string]int)
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
		key, ok := keyTok.(string)
		if !ok {
			return nil, fmt.Errorf("invalid JSON: unexpected token %v", keyTok)
		}

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return nil, fmt.Errorf("invalid JSON value for %q: %w", key, err)
		}
		v, err := classify(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid JSON value for %q: %w", key, err)
		}

		if pos, dup := index[key]; dup {
			obj[pos].Value = v
			continue
		}
		index[key] = len(obj)
		obj = append(obj, Field{Key: key, Value: v})
	}

	// Closing brace, then nothing but whitespace.
	if _, err := dec.Token(); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("invalid JSON: trailing data after object")
	}

	return obj, nil
}

// classify turns one raw JSON value into a tagged Value.
func classify(raw json.RawMessage) (Value, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return Value{}, fmt.Errorf("empty value")
	}

	switch trimmed[0] {
	case '{', '[':
		var buf bytes.Buffer
		if err := json.Compact(&buf, trimmed); err != nil {
			return Value{}, err
		}
		return Composite(buf.String()), nil
	case '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return Value{}, err
		}
		return String(s), nil
	case 't':
		return Bool(true), nil
	case 'f':
		return Bool(false), nil
	case 'n':
		return Null(), nil
	default:
		n := json.Number(trimmed)
		if i, err := n.Int64(); err == nil {
			return Int(i), nil
		}
		if f, err := n.Float64(); err == nil {
			return Float(f), nil
		}
		// Out of range for both; keep the literal rather than lose digits.
		return String(string(trimmed)), nil
	}
}

// Column is one flattened, sanitized column/value pair.
type Column struct {
	Name  ident.Identifier
	Value Value
}

// Row is a flattened object ready for schema inference and insertion.
type Row []Column

// Names returns the column names in row order.
func (r Row) Names() []string {
	names := make([]string, len(r))
	for i, c := range r {
		names[i] = c.Name.String()
	}
	return names
}

// Flatten maps an object to a row. Fields whose name sanitizes to nothing, or
// to a system column, are dropped, as is any later field whose sanitized name
// collides case-insensitively with an earlier one. Booleans become 0/1 and
// composites their JSON text; other scalars pass through.
func Flatten(obj Object) Row {
	row := make(Row, 0, len(obj))
	seen := make(map[string]struct{}, len(obj))

	for _, f := range obj {
		name, ok := ident.Column(f.Key)
		if !ok {
			continue
		}
		folded := strings.ToLower(name.String())
		if _, dup := seen[folded]; dup {
			continue
		}
		seen[folded] = struct{}{}

		row = append(row, Column{Name: name, Value: coerce(f.Value)})
	}
	return row
}

func coerce(v Value) Value {
	switch v.kind {
	case KindBool:
		if v.b {
			return Int(1)
		}
		return Int(0)
	case KindComposite:
		return String(v.s)
	default:
		return v
	}
}
