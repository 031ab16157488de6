// Package testutil provides an in-memory change source for engine tests.
package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/tracksync/tracksync/pkg/cdc"
)

// Source is an in-memory cdc.ChangeSource. Every mutation advances a global
// version counter and appends to a per-table mutation log; QueryChanges
// coalesces the log into net changes for the requested range, mirroring what
// a real change-tracking store reports.
type Source struct {
	mu      sync.Mutex
	version int64
	tables  map[string]*sourceTable
}

type sourceTable struct {
	minValid  int64
	rows      map[string]cdc.Row
	creations map[string]int64
	log       []mutation
}

type mutation struct {
	key     cdc.Key
	op      cdc.Operation
	version int64
}

// NewSource returns an empty source at version 0.
func NewSource() *Source {
	return &Source{tables: make(map[string]*sourceTable)}
}

// CreateTable registers a table. Creating a table does not advance the
// version counter.
func (s *Source) CreateTable(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[name] = &sourceTable{
		rows:      make(map[string]cdc.Row),
		creations: make(map[string]int64),
	}
}

// Insert adds a row and returns the version the mutation was recorded at.
func (s *Source) Insert(table string, key cdc.Key, row cdc.Row) int64 {
	return s.mutate(table, key, cdc.OpInsert, row)
}

// Update overwrites a row and returns the mutation version.
func (s *Source) Update(table string, key cdc.Key, row cdc.Row) int64 {
	return s.mutate(table, key, cdc.OpUpdate, row)
}

// Delete removes a row and returns the mutation version.
func (s *Source) Delete(table string, key cdc.Key) int64 {
	return s.mutate(table, key, cdc.OpDelete, nil)
}

// SetMinValid simulates history retention cleanup: versions below v are no
// longer fully retained for the table.
func (s *Source) SetMinValid(table string, v int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[table].minValid = v
}

func (s *Source) mutate(table string, key cdc.Key, op cdc.Operation, row cdc.Row) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		panic(fmt.Sprintf("testutil: table %s does not exist", table))
	}

	s.version++
	keyID := key.String()
	switch op {
	case cdc.OpInsert, cdc.OpUpdate:
		full := make(cdc.Row, len(row)+len(key))
		for col, val := range row {
			full[col] = val
		}
		for col, val := range key {
			full[col] = val
		}
		t.rows[keyID] = full
		if op == cdc.OpInsert {
			t.creations[keyID] = s.version
		}
	case cdc.OpDelete:
		delete(t.rows, keyID)
	}
	t.log = append(t.log, mutation{key: key, op: op, version: s.version})
	return s.version
}

// CurrentVersion implements cdc.ChangeSource.
func (s *Source) CurrentVersion(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version, nil
}

// MinValidVersion implements cdc.ChangeSource.
func (s *Source) MinValidVersion(_ context.Context, table string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tables[table]
	if !ok {
		return 0, fmt.Errorf("table %s does not exist", table)
	}
	return t.minValid, nil
}

// QueryChanges implements cdc.ChangeSource. Mutations in the range are
// coalesced per key into one net operation: a row created inside the range
// surfaces as an insert (or a delete if it is gone again by the end), any
// other surviving mutation surfaces as an update, and a removed row as a
// delete.
func (s *Source) QueryChanges(_ context.Context, table string, sinceExclusive, uptoInclusive int64) ([]cdc.ChangeRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, fmt.Errorf("table %s does not exist", table)
	}

	type window struct {
		key   cdc.Key
		first mutation
		last  mutation
	}
	windows := make(map[string]*window)
	order := make([]string, 0)

	for _, m := range t.log {
		if m.version <= sinceExclusive || m.version > uptoInclusive {
			continue
		}
		keyID := m.key.String()
		w, ok := windows[keyID]
		if !ok {
			windows[keyID] = &window{key: m.key, first: m, last: m}
			order = append(order, keyID)
			continue
		}
		w.last = m
	}

	records := make([]cdc.ChangeRecord, 0, len(windows))
	for _, keyID := range order {
		w := windows[keyID]

		var op cdc.Operation
		switch {
		case w.last.op == cdc.OpDelete:
			op = cdc.OpDelete
		case w.first.op == cdc.OpInsert:
			op = cdc.OpInsert
		default:
			op = cdc.OpUpdate
		}

		records = append(records, cdc.ChangeRecord{
			Key:             w.key,
			Operation:       op,
			ChangeVersion:   w.last.version,
			CreationVersion: t.creations[keyID],
		})
	}
	return records, nil
}

// ReadRow implements cdc.ChangeSource.
func (s *Source) ReadRow(_ context.Context, table string, key cdc.Key) (cdc.Row, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tables[table]
	if !ok {
		return nil, false, fmt.Errorf("table %s does not exist", table)
	}
	row, ok := t.rows[key.String()]
	if !ok {
		return nil, false, nil
	}
	return row.Clone(), true, nil
}
