// Package types holds the public wire types returned by the sowdb API.
package types

// Receipt is returned for every accepted write.
type Receipt struct {
	Success    bool     `json:"success"`
	RequestID  string   `json:"request_id,omitempty"`
	Store      string   `json:"store"`
	Table      string   `json:"table"`
	RowID      int64    `json:"row_id"`
	Created    bool     `json:"created"`
	ReceivedAt string   `json:"received_at"`
	ElapsedMS  float64  `json:"elapsed_ms"`
	Columns    []string `json:"columns"`
}

// QueryResult is one page of a table read.
type QueryResult struct {
	Success bool   `json:"success"`
	Store   string `json:"store"`
	Table   string `json:"table"`
	Limit   int    `json:"limit"`
	Offset  int    `json:"offset"`

	// Order is the column rows are sorted by; empty means insertion order.
	Order   string            `json:"order,omitempty"`
	Desc    bool              `json:"desc"`
	Search  string            `json:"q,omitempty"`
	Filters map[string]string `json:"filters,omitempty"`
	Count   int               `json:"count"`
	Rows    []map[string]any  `json:"rows"`

	// NextOffset is present only when another page is likely.
	NextOffset *int `json:"next_offset,omitempty"`
}

// TableList lists the tables of a store.
type TableList struct {
	Success bool     `json:"success"`
	Store   string   `json:"store"`
	Tables  []string `json:"tables"`
}

// ColumnDef describes one column of a table.
type ColumnDef struct {
	// Name is the column name
	Name string `json:"name"`

	// Type is TEXT or INTEGER for system columns and ANY for inferred
	// columns, which hold each value with the type it was written as
	Type string `json:"type"`

	// System marks the columns every table carries
	System bool `json:"system"`
}

// TableInfo describes a table.
type TableInfo struct {
	Success bool        `json:"success"`
	Store   string      `json:"store"`
	Table   string      `json:"table"`
	Columns []ColumnDef `json:"columns"`
}

// RegistryEntry is one audit record of a write attempt.
type RegistryEntry struct {
	ID         int64  `json:"id"`
	RequestID  string `json:"request_id"`
	RecordedAt string `json:"recorded_at"`
	Endpoint   string `json:"endpoint"`
	Store      string `json:"store"`
	Table      string `json:"table"`
	Outcome    string `json:"outcome"`
	Principal  string `json:"principal"`
	CallerIP   string `json:"caller_ip,omitempty"`
	RowID      *int64 `json:"row_id,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	BodyBytes  int64  `json:"body_bytes"`
	BodyHash   string `json:"body_hash"`
}

// RegistryList is a page of registry entries, newest first.
type RegistryList struct {
	Success bool            `json:"success"`
	Entries []RegistryEntry `json:"entries"`
}

// ColumnUsage counts how often queries used a column, by operator.
type ColumnUsage struct {
	Column    string         `json:"column"`
	Frequency int64          `json:"frequency"`
	Operators map[string]int `json:"operators"`
}

// TableStats holds the usage counters of one table.
type TableStats struct {
	Store     string        `json:"store"`
	Table     string        `json:"table"`
	Writes    int64         `json:"writes"`
	Failures  int64         `json:"failures"`
	Reads     int64         `json:"reads"`
	LastWrite string        `json:"last_write,omitempty"`
	LastRead  string        `json:"last_read,omitempty"`
	Columns   []ColumnUsage `json:"columns"`
}

// WatchStats reports live watch streams.
type WatchStats struct {
	Subscribers int `json:"subscribers"`
	// Dropped counts events skipped because a stream's buffer was full.
	Dropped int64 `json:"dropped"`
}

// StatsResponse lists usage counters for every table seen recently.
type StatsResponse struct {
	Success bool         `json:"success"`
	Tables  []TableStats `json:"tables"`
	Watch   *WatchStats  `json:"watch,omitempty"`
}

// ErrorResponse is the body of every error reply.
type ErrorResponse struct {
	Success   bool   `json:"success"`
	Error     string `json:"error"`
	Detail    string `json:"detail"`
	RequestID string `json:"request_id,omitempty"`
	Retryable bool   `json:"retryable,omitempty"`
}
