// Package ident turns caller-supplied strings into identifiers that are safe
// to interpolate into SQL text.
//
// An Identifier can only be produced by this package, so every SQL builder
// that accepts one is guaranteed to receive a name consisting solely of ASCII
// letters, digits and underscores.
package ident

import "strings"

// DefaultTable is the table used when the caller names none, or when the
// supplied name sanitizes to nothing.
const DefaultTable = "generic_input"

// MaxLength bounds identifier length. Longer names are truncated.
const MaxLength = 64

// System column names carried by every logical table.
const (
	ColumnID         = "id"
	ColumnReceivedAt = "received_at"
	ColumnSourceIP   = "source_ip"
	ColumnUserAgent  = "user_agent"
	ColumnRawJSON    = "raw_json"
)

// Identifier is a sanitized table, column or store name.
type Identifier struct {
	name string
}

// System column identifiers.
var (
	ID         = Identifier{name: ColumnID}
	ReceivedAt = Identifier{name: ColumnReceivedAt}
	SourceIP   = Identifier{name: ColumnSourceIP}
	UserAgent  = Identifier{name: ColumnUserAgent}
	RawJSON    = Identifier{name: ColumnRawJSON}
)

// reserved lists column names callers may never write to. The rowid aliases
// are included because SQLite resolves them to the primary key.
var reserved = map[string]struct{}{
	ColumnID:         {},
	ColumnReceivedAt: {},
	ColumnSourceIP:   {},
	ColumnUserAgent:  {},
	ColumnRawJSON:    {},
	"rowid":          {},
	"oid":            {},
	"_rowid_":        {},
}

// String returns the bare name.
func (i Identifier) String() string {
	return i.name
}

// Quoted returns the name wrapped in double quotes for use in SQL text.
func (i Identifier) Quoted() string {
	return `"` + i.name + `"`
}

// IsZero reports whether the identifier is empty.
func (i Identifier) IsZero() bool {
	return i.name == ""
}

// EqualFold compares two identifiers case-insensitively, matching SQLite's
// identifier resolution.
func (i Identifier) EqualFold(o Identifier) bool {
	return strings.EqualFold(i.name, o.name)
}

// MarshalText lets identifiers appear directly in JSON and YAML output.
func (i Identifier) MarshalText() ([]byte, error) {
	return []byte(i.name), nil
}

// Table sanitizes a table name. It never fails: a name that strips to nothing
// becomes DefaultTable. Table names are lower-cased because SQLite treats
// them case-insensitively, and the sqlite_ prefix is reserved by the engine.
func Table(raw string) Identifier {
	s := strings.ToLower(strip(raw))
	if s == "" {
		return Identifier{name: DefaultTable}
	}
	if strings.HasPrefix(s, "sqlite_") {
		s = truncate("t_" + s)
	}
	return Identifier{name: s}
}

// Column sanitizes a column name. The second result is false when the name
// strips to nothing or names a system column; such fields are dropped.
func Column(raw string) (Identifier, bool) {
	s := strip(raw)
	if s == "" || IsReserved(s) {
		return Identifier{}, false
	}
	return Identifier{name: s}, true
}

// Store sanitizes a store selector. Store names map to database files, so
// they are lower-cased like table names.
func Store(raw string) (Identifier, bool) {
	s := strings.ToLower(strip(raw))
	if s == "" {
		return Identifier{}, false
	}
	return Identifier{name: s}, true
}

// Parse accepts a name that is already safe, such as one read back from the
// database catalog. Unlike the sanitizers it does not rewrite its input.
func Parse(name string) (Identifier, bool) {
	if name == "" || len(name) > MaxLength || strip(name) != name {
		return Identifier{}, false
	}
	return Identifier{name: name}, true
}

// IsReserved reports whether name collides with a system column.
func IsReserved(name string) bool {
	_, ok := reserved[strings.ToLower(name)]
	return ok
}

// strip removes every byte outside [A-Za-z0-9_] and truncates the result.
func strip(raw string) string {
	var b strings.Builder
	b.Grow(len(raw))
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		if (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9') || c == '_' {
			b.WriteByte(c)
		}
	}
	return truncate(b.String())
}

func truncate(s string) string {
	if len(s) > MaxLength {
		return s[:MaxLength]
	}
	return s
}
