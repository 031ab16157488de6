package reconcile

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracksync/tracksync/internal/target"
	"github.com/tracksync/tracksync/pkg/cdc"
)

func key(id int) cdc.Key { return cdc.Key{"ID": id} }

func seed(t *testing.T, mem *target.Memory, rows map[int]cdc.Row) {
	t.Helper()
	tx, err := mem.Begin(context.Background())
	require.NoError(t, err)
	for id, row := range rows {
		require.NoError(t, tx.Insert(context.Background(), key(id), row))
	}
	require.NoError(t, tx.Commit(context.Background()))
}

func TestReconcile_PolicyTable(t *testing.T) {
	tests := []struct {
		name      string
		existing  map[int]cdc.Row
		staged    []cdc.StagedRow
		wantStats cdc.ReconcileStats
		wantRows  int
	}{
		{
			name: "insert when absent",
			staged: []cdc.StagedRow{
				{Key: key(1), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 1, "Cake": "Chocolate"}},
			},
			wantStats: cdc.ReconcileStats{Inserted: 1},
			wantRows:  1,
		},
		{
			name:     "insert when present is a no-op",
			existing: map[int]cdc.Row{1: {"ID": 1, "Cake": "Chocolate"}},
			staged: []cdc.StagedRow{
				{Key: key(1), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 1, "Cake": "Chocolate"}},
			},
			wantStats: cdc.ReconcileStats{},
			wantRows:  1,
		},
		{
			name:     "update when present overwrites",
			existing: map[int]cdc.Row{2: {"ID": 2, "Cake": "Banana"}},
			staged: []cdc.StagedRow{
				{Key: key(2), Operation: cdc.OpUpdate, Columns: cdc.Row{"ID": 2, "Cake": "Cream"}},
			},
			wantStats: cdc.ReconcileStats{Updated: 1},
			wantRows:  1,
		},
		{
			name: "update when absent upserts",
			staged: []cdc.StagedRow{
				{Key: key(2), Operation: cdc.OpUpdate, Columns: cdc.Row{"ID": 2, "Cake": "Cream"}},
			},
			wantStats: cdc.ReconcileStats{Inserted: 1},
			wantRows:  1,
		},
		{
			name:     "delete when present removes",
			existing: map[int]cdc.Row{1: {"ID": 1, "Cake": "Chocolate"}},
			staged: []cdc.StagedRow{
				{Key: key(1), Operation: cdc.OpDelete},
			},
			wantStats: cdc.ReconcileStats{Deleted: 1},
			wantRows:  0,
		},
		{
			name: "delete when absent is a no-op",
			staged: []cdc.StagedRow{
				{Key: key(1), Operation: cdc.OpDelete},
			},
			wantStats: cdc.ReconcileStats{},
			wantRows:  0,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mem := target.NewMemory("PeopleDerived")
			seed(t, mem, tc.existing)

			stats, err := New("PeopleDerived", mem).Reconcile(context.Background(), tc.staged)
			require.NoError(t, err)
			assert.Equal(t, tc.wantStats, stats)
			assert.Equal(t, tc.wantRows, mem.Len())
		})
	}
}

func TestReconcile_UpdateOverwritesNonKeyColumns(t *testing.T) {
	mem := target.NewMemory("PeopleDerived")
	seed(t, mem, map[int]cdc.Row{2: {"ID": 2, "Birthday": "1985-07-03", "Cake": "Banana"}})

	_, err := New("PeopleDerived", mem).Reconcile(context.Background(), []cdc.StagedRow{
		{Key: key(2), Operation: cdc.OpUpdate, Columns: cdc.Row{"ID": 2, "Birthday": "1985-07-03", "Cake": "Cream"}},
	})
	require.NoError(t, err)

	row, ok := mem.Row(key(2))
	require.True(t, ok)
	assert.Equal(t, "Cream", row["Cake"])
	assert.Equal(t, "1985-07-03", row["Birthday"])
}

func TestReconcile_IsIdempotent(t *testing.T) {
	mem := target.NewMemory("PeopleDerived")
	seed(t, mem, map[int]cdc.Row{
		1: {"ID": 1, "Cake": "Chocolate"},
		2: {"ID": 2, "Cake": "Banana"},
	})

	batch := []cdc.StagedRow{
		{Key: key(1), Operation: cdc.OpDelete},
		{Key: key(2), Operation: cdc.OpUpdate, Columns: cdc.Row{"ID": 2, "Cake": "Cream"}},
		{Key: key(3), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 3, "Cake": "Sponge"}},
	}

	r := New("PeopleDerived", mem)
	_, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	once := mem.Snapshot()

	// Applying the identical batch again must not change the target.
	stats, err := r.Reconcile(context.Background(), batch)
	require.NoError(t, err)
	assert.Equal(t, once, mem.Snapshot())
	assert.Equal(t, cdc.ReconcileStats{Updated: 1}, stats,
		"replay only re-applies the update overwrite")
}

func TestReconcile_SchemaMismatchAbortsWholeBatch(t *testing.T) {
	mem := target.NewMemory("PeopleDerived", "ID", "Cake")

	_, err := New("PeopleDerived", mem).Reconcile(context.Background(), []cdc.StagedRow{
		{Key: key(1), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 1, "Cake": "Chocolate"}},
		{Key: key(2), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 2, "Flavor": "Banana"}},
	})
	require.Error(t, err)
	assert.True(t, cdc.IsSchemaMismatch(err))

	// All-or-nothing: the first, valid row must not have been applied.
	assert.Zero(t, mem.Len())
}

func TestReconcile_UnknownOperationAbortsBatch(t *testing.T) {
	mem := target.NewMemory("PeopleDerived")

	_, err := New("PeopleDerived", mem).Reconcile(context.Background(), []cdc.StagedRow{
		{Key: key(1), Operation: cdc.OpInsert, Columns: cdc.Row{"ID": 1, "Cake": "Chocolate"}},
		{Key: key(2), Operation: cdc.Operation("truncate")},
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown operation")
	assert.Zero(t, mem.Len(), "nothing from the batch may be applied")
}

func TestReconcile_EmptyBatch(t *testing.T) {
	mem := target.NewMemory("PeopleDerived")

	stats, err := New("PeopleDerived", mem).Reconcile(context.Background(), nil)
	require.NoError(t, err)
	assert.Zero(t, stats.Total())
}
