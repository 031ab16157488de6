// Package target provides destination table implementations the reconciler
// writes through.
package target

import (
	"context"
	"sync"

	"github.com/tracksync/tracksync/pkg/cdc"
)

// Memory is an in-process destination table. Mutations stage into a shadow
// copy that replaces the visible rows only on commit, so readers never see a
// partially applied batch.
type Memory struct {
	mu     sync.Mutex
	name   string
	schema map[string]bool
	rows   map[string]cdc.Row
}

// NewMemory returns an empty in-memory target. columns is the destination
// schema; staged rows carrying any other column fail with a schema mismatch.
// An empty column list disables the check.
func NewMemory(name string, columns ...string) *Memory {
	schema := make(map[string]bool, len(columns))
	for _, c := range columns {
		schema[c] = true
	}
	return &Memory{
		name:   name,
		schema: schema,
		rows:   make(map[string]cdc.Row),
	}
}

// Begin implements cdc.TargetTable.
func (m *Memory) Begin(_ context.Context) (cdc.TargetTx, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	shadow := make(map[string]cdc.Row, len(m.rows))
	for k, row := range m.rows {
		shadow[k] = row
	}
	return &memoryTx{target: m, rows: shadow}, nil
}

// Len returns the number of visible rows.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

// Row returns the visible row for the key, if present.
func (m *Memory) Row(key cdc.Key) (cdc.Row, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[key.String()]
	if !ok {
		return nil, false
	}
	return row.Clone(), true
}

// Snapshot returns a copy of all visible rows keyed by canonical key.
func (m *Memory) Snapshot() map[string]cdc.Row {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]cdc.Row, len(m.rows))
	for k, row := range m.rows {
		out[k] = row.Clone()
	}
	return out
}

type memoryTx struct {
	target *Memory
	rows   map[string]cdc.Row
	done   bool
}

func (tx *memoryTx) Exists(_ context.Context, key cdc.Key) (bool, error) {
	_, ok := tx.rows[key.String()]
	return ok, nil
}

func (tx *memoryTx) Insert(_ context.Context, key cdc.Key, row cdc.Row) error {
	if err := tx.checkSchema(row); err != nil {
		return err
	}
	tx.rows[key.String()] = row.Clone()
	return nil
}

func (tx *memoryTx) Update(_ context.Context, key cdc.Key, row cdc.Row) error {
	if err := tx.checkSchema(row); err != nil {
		return err
	}
	tx.rows[key.String()] = row.Clone()
	return nil
}

func (tx *memoryTx) Delete(_ context.Context, key cdc.Key) error {
	delete(tx.rows, key.String())
	return nil
}

func (tx *memoryTx) Commit(_ context.Context) error {
	tx.target.mu.Lock()
	defer tx.target.mu.Unlock()
	tx.target.rows = tx.rows
	tx.done = true
	return nil
}

func (tx *memoryTx) Rollback() error {
	tx.done = true
	return nil
}

func (tx *memoryTx) checkSchema(row cdc.Row) error {
	if len(tx.target.schema) == 0 {
		return nil
	}
	for name := range row {
		if !tx.target.schema[name] {
			return &cdc.SchemaMismatchError{
				Table:  tx.target.name,
				Column: name,
				Reason: "column not in target schema",
			}
		}
	}
	for name := range tx.target.schema {
		if _, ok := row[name]; !ok {
			return &cdc.SchemaMismatchError{
				Table:  tx.target.name,
				Column: name,
				Reason: "column missing from staged row",
			}
		}
	}
	return nil
}
