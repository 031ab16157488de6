// Package staging materializes one cycle's change feed into rows shaped for
// the destination table.
//
// Staging joins each change record against the current source row image,
// applies the table's row projection (the point where columns the destination
// intentionally excludes are dropped), and replaces null column values with
// per-column defaults so the destination never sees a raw null.
package staging

import (
	"context"
	"fmt"

	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// Lookup reads the current source row image for a key. ok=false means the row
// no longer exists.
type Lookup func(ctx context.Context, key cdc.Key) (row cdc.Row, ok bool, err error)

// Buffer stages change records for one table. A Buffer is configured once per
// tracked table and reused across cycles; the staged rows it produces belong
// to a single cycle and are discarded after reconciliation.
type Buffer struct {
	table      string
	projection cdc.RowProjection
	defaults   cdc.Row
}

// New returns a Buffer for the table. A nil projection passes rows through
// unchanged. defaults supplies the per-column replacement for null source
// values; columns without an entry default to the empty string.
func New(table string, projection cdc.RowProjection, defaults cdc.Row) *Buffer {
	if projection == nil {
		projection = cdc.IdentityProjection
	}
	return &Buffer{table: table, projection: projection, defaults: defaults}
}

// Stage converts the cycle's change records into staged rows.
//
// For inserts and updates the current row image is read through lookup. A row
// that vanished between change capture and staging is demoted to a delete for
// this cycle: the end state (row absent) must win over the recorded
// operation. Deletes carry no column payload.
//
// Duplicate primary keys are dropped (first record wins) even though the
// change source is expected to coalesce. This guards the reconciler against a
// misbehaving source.
func (b *Buffer) Stage(ctx context.Context, records []cdc.ChangeRecord, lookup Lookup) ([]cdc.StagedRow, error) {
	staged := make([]cdc.StagedRow, 0, len(records))
	seen := make(map[string]bool, len(records))

	for _, record := range records {
		keyID := record.Key.String()
		if seen[keyID] {
			logging.GetLogger().Warn("Dropping duplicate change record", "table", b.table, "key", keyID)
			continue
		}
		seen[keyID] = true

		switch record.Operation {
		case cdc.OpDelete:
			staged = append(staged, cdc.StagedRow{Key: record.Key, Operation: cdc.OpDelete})

		case cdc.OpInsert, cdc.OpUpdate:
			image, ok, err := lookup(ctx, record.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to read row %s from %s: %w", keyID, b.table, err)
			}
			if !ok {
				// Deleted again after the change was recorded.
				logging.GetLogger().Debug("Row gone before staging, demoting to delete",
					"table", b.table, "key", keyID)
				staged = append(staged, cdc.StagedRow{Key: record.Key, Operation: cdc.OpDelete})
				continue
			}
			staged = append(staged, cdc.StagedRow{
				Key:       record.Key,
				Operation: record.Operation,
				Columns:   b.shape(image),
			})

		default:
			return nil, fmt.Errorf("unknown change operation %q for key %s in %s",
				record.Operation, keyID, b.table)
		}
	}

	return staged, nil
}

// shape projects the source image to the destination columns and coalesces
// nulls to the column default.
func (b *Buffer) shape(image cdc.Row) cdc.Row {
	row := b.projection(image)
	for name, value := range row {
		if value != nil {
			continue
		}
		if def, ok := b.defaults[name]; ok && def != nil {
			row[name] = def
		} else {
			row[name] = ""
		}
	}
	return row
}
