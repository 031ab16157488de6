package cdc

import (
	"errors"
	"fmt"
)

// UnregisteredTableError is returned by ledger reads for a table that was
// never registered for tracking.
type UnregisteredTableError struct {
	Table string
}

func (e *UnregisteredTableError) Error() string {
	return fmt.Sprintf("table %s is not registered for tracking", e.Table)
}

// RegressionError is returned when a caller attempts to move a table's
// watermark backward. The stored watermark is left untouched.
type RegressionError struct {
	Table     string
	Stored    int64
	Requested int64
}

func (e *RegressionError) Error() string {
	return fmt.Sprintf("watermark for %s cannot move backward: stored=%d requested=%d",
		e.Table, e.Stored, e.Requested)
}

// AlreadyRegisteredError is returned when a table is re-registered with an
// initial version different from the one it was seeded with.
type AlreadyRegisteredError struct {
	Table     string
	Stored    int64
	Requested int64
}

func (e *AlreadyRegisteredError) Error() string {
	return fmt.Sprintf("table %s already registered at version %d (requested %d)",
		e.Table, e.Stored, e.Requested)
}

// HistoryExpiredError is returned when the watermark predates the oldest
// version the source still retains full change history for. The source can
// then only report that something changed, which cannot be applied safely.
// This is fatal for incremental sync; the table needs a full
// resynchronization.
type HistoryExpiredError struct {
	Table    string
	Since    int64
	MinValid int64
}

func (e *HistoryExpiredError) Error() string {
	return fmt.Sprintf("change history for %s expired: watermark %d precedes min valid version %d, full resync required",
		e.Table, e.Since, e.MinValid)
}

// SchemaMismatchError is returned when a staged row does not fit the target
// table's schema. The whole batch is rolled back; no partial application is
// visible.
type SchemaMismatchError struct {
	Table  string
	Column string
	Reason string
}

func (e *SchemaMismatchError) Error() string {
	if e.Column != "" {
		return fmt.Sprintf("schema mismatch on %s column %s: %s", e.Table, e.Column, e.Reason)
	}
	return fmt.Sprintf("schema mismatch on %s: %s", e.Table, e.Reason)
}

// IsHistoryExpired reports whether err is (or wraps) a HistoryExpiredError.
// Uses errors.As to handle wrapped errors.
func IsHistoryExpired(err error) bool {
	var he *HistoryExpiredError
	return errors.As(err, &he)
}

// IsSchemaMismatch reports whether err is (or wraps) a SchemaMismatchError.
func IsSchemaMismatch(err error) bool {
	var se *SchemaMismatchError
	return errors.As(err, &se)
}
