// Package observability tracks how each table is written and queried, so
// operators can see which tables are hot and which columns callers filter
// and sort on.
package observability

import (
	"sort"
	"sync"
	"time"
)

// Stats holds per-table usage counters. All methods are safe for concurrent
// use.
type Stats struct {
	mu     sync.RWMutex
	tables map[string]*tableStats
	window time.Duration
	now    func() time.Time
}

type tableStats struct {
	store, table string
	writes       int64
	failures     int64
	reads        int64
	lastWrite    time.Time
	lastRead     time.Time
	columns      map[string]*ColumnStats
}

// ColumnStats holds query statistics for one column.
type ColumnStats struct {
	Column    string         `json:"column"`
	Frequency int64          `json:"frequency"`
	LastSeen  time.Time      `json:"last_seen"`
	Operators map[string]int `json:"operators"` // operator → count (e.g., "=" → 5, "order" → 2)
}

// TableStats is a snapshot of one table's counters.
type TableStats struct {
	Store     string        `json:"store"`
	Table     string        `json:"table"`
	Writes    int64         `json:"writes"`
	Failures  int64         `json:"failures"`
	Reads     int64         `json:"reads"`
	LastWrite *time.Time    `json:"last_write,omitempty"`
	LastRead  *time.Time    `json:"last_read,omitempty"`
	Columns   []ColumnStats `json:"columns"`
}

// NewStats creates a tracker. Tables idle for longer than window are dropped
// by Prune.
func NewStats(window time.Duration) *Stats {
	return &Stats{
		tables: make(map[string]*tableStats),
		window: window,
		now:    time.Now,
	}
}

func (s *Stats) entry(store, table string) *tableStats {
	key := store + "/" + table
	ts, ok := s.tables[key]
	if !ok {
		ts = &tableStats{store: store, table: table, columns: make(map[string]*ColumnStats)}
		s.tables[key] = ts
	}
	return ts
}

// RecordWrite counts one write attempt.
func (s *Stats) RecordWrite(store, table string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ts := s.entry(store, table)
	if ok {
		ts.writes++
	} else {
		ts.failures++
	}
	ts.lastWrite = s.now()
}

// RecordRead counts one query against a table, along with the columns it
// used. Each column is recorded under operator.
func (s *Stats) RecordRead(store, table string, uses ...ColumnUse) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	ts := s.entry(store, table)
	ts.reads++
	ts.lastRead = now

	for _, u := range uses {
		cs, ok := ts.columns[u.Column]
		if !ok {
			cs = &ColumnStats{Column: u.Column, Operators: make(map[string]int)}
			ts.columns[u.Column] = cs
		}
		cs.Frequency++
		cs.LastSeen = now
		cs.Operators[u.Operator]++
	}
}

// ColumnUse is one column referenced by a query.
type ColumnUse struct {
	Column   string
	Operator string
}

// Snapshot returns a copy of every table's counters, ordered by store and
// table, with at most topColumns columns each sorted by frequency.
func (s *Stats) Snapshot(topColumns int) []TableStats {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]TableStats, 0, len(s.tables))
	for _, ts := range s.tables {
		snap := TableStats{
			Store:    ts.store,
			Table:    ts.table,
			Writes:   ts.writes,
			Failures: ts.failures,
			Reads:    ts.reads,
			Columns:  topN(ts.columns, topColumns),
		}
		if !ts.lastWrite.IsZero() {
			t := ts.lastWrite
			snap.LastWrite = &t
		}
		if !ts.lastRead.IsZero() {
			t := ts.lastRead
			snap.LastRead = &t
		}
		out = append(out, snap)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Store != out[j].Store {
			return out[i].Store < out[j].Store
		}
		return out[i].Table < out[j].Table
	})
	return out
}

func topN(columns map[string]*ColumnStats, n int) []ColumnStats {
	if n <= 0 || len(columns) == 0 {
		return []ColumnStats{}
	}

	stats := make([]ColumnStats, 0, len(columns))
	for _, c := range columns {
		cp := ColumnStats{
			Column:    c.Column,
			Frequency: c.Frequency,
			LastSeen:  c.LastSeen,
			Operators: make(map[string]int, len(c.Operators)),
		}
		for op, count := range c.Operators {
			cp.Operators[op] = count
		}
		stats = append(stats, cp)
	}

	// Sort by frequency descending, then name for a stable order.
	sort.Slice(stats, func(i, j int) bool {
		if stats[i].Frequency != stats[j].Frequency {
			return stats[i].Frequency > stats[j].Frequency
		}
		return stats[i].Column < stats[j].Column
	})

	if n > len(stats) {
		n = len(stats)
	}
	return stats[:n]
}

// Prune removes tables with no activity inside the window, and columns not
// queried inside it.
func (s *Stats) Prune() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := s.now().Add(-s.window)
	for key, ts := range s.tables {
		if ts.lastWrite.Before(threshold) && ts.lastRead.Before(threshold) {
			delete(s.tables, key)
			continue
		}
		for col, cs := range ts.columns {
			if cs.LastSeen.Before(threshold) {
				delete(ts.columns, col)
			}
		}
	}
}
