package cdc

import (
	"fmt"
	"sort"
	"strings"
)

// Operation represents the net change applied to a source row.
type Operation string

const (
	// OpInsert represents a new row being added
	OpInsert Operation = "insert"
	// OpUpdate represents a row being modified
	OpUpdate Operation = "update"
	// OpDelete represents a row being removed
	OpDelete Operation = "delete"
)

// Row holds column values keyed by column name.
type Row map[string]any

// Clone returns a shallow copy of the row. Column values are not copied.
func (r Row) Clone() Row {
	if r == nil {
		return nil
	}
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Key identifies a source row by its primary key column values. Tables with a
// composite primary key carry one entry per key column.
type Key map[string]any

// String renders the key in a canonical form usable as a map index. Columns
// are ordered by name so equal keys always render identically.
func (k Key) String() string {
	names := make([]string, 0, len(k))
	for name := range k {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for i, name := range names {
		if i > 0 {
			b.WriteByte('|')
		}
		fmt.Fprintf(&b, "%s=%v", name, k[name])
	}
	return b.String()
}

// ChangeRecord is one net row mutation reported by the change source for a
// version range. The source coalesces multiple mutations to the same key into
// a single record, so at most one record per key appears in any one query.
type ChangeRecord struct {
	Key             Key
	Operation       Operation
	ChangeVersion   int64
	CreationVersion int64

	// ColumnMask is the raw changed-column bitmask as reported by the
	// source. Carried opaquely; the engine does not interpret it.
	ColumnMask []byte
}

// StagedRow is the denormalized projection of a ChangeRecord joined against
// the current source row image, shaped for the destination table. For deletes
// Columns is nil; only the key and operation propagate.
type StagedRow struct {
	Key       Key
	Operation Operation
	Columns   Row
}

// ReconcileStats reports what one reconciliation pass did to the target.
type ReconcileStats struct {
	Inserted int
	Updated  int
	Deleted  int
}

// Total returns the number of rows the pass touched.
func (s ReconcileStats) Total() int {
	return s.Inserted + s.Updated + s.Deleted
}

// RowProjection shapes a source row image into the destination row. It is the
// per-table customization point: a projection drops the columns the
// destination intentionally excludes and may rename or derive the rest. The
// input row must not be mutated.
type RowProjection func(Row) Row

// IdentityProjection passes the source row through unchanged.
func IdentityProjection(row Row) Row { return row.Clone() }

// ColumnProjection returns a projection keeping only the named columns.
// Columns absent from the source image surface as nil values so staging can
// apply the destination's defaults.
func ColumnProjection(names ...string) RowProjection {
	keep := make([]string, len(names))
	copy(keep, names)
	return func(row Row) Row {
		out := make(Row, len(keep))
		for _, name := range keep {
			out[name] = row[name]
		}
		return out
	}
}
