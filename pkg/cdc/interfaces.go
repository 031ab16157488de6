package cdc

import "context"

// ChangeSource is the engine's view of the tracked database. Implementations
// wrap whatever change-tracking machinery the database provides; the engine
// only relies on these four capabilities.
type ChangeSource interface {
	// CurrentVersion returns the database's global change version. The
	// counter is monotonic and advances on any tracked mutation.
	CurrentVersion(ctx context.Context) (int64, error)

	// MinValidVersion returns the oldest version for which full change
	// history is still retained for the table. Syncing from an older
	// watermark cannot be done with fidelity.
	MinValidVersion(ctx context.Context, table string) (int64, error)

	// QueryChanges returns the net row mutations for the table with
	// sinceExclusive < ChangeVersion <= uptoInclusive. At most one record
	// per primary key. Records are unordered across keys.
	QueryChanges(ctx context.Context, table string, sinceExclusive, uptoInclusive int64) ([]ChangeRecord, error)

	// ReadRow returns the current image of the row, or ok=false if the row
	// no longer exists.
	ReadRow(ctx context.Context, table string, key Key) (row Row, ok bool, err error)
}

// VersionLedger persists the last synchronized version per tracked table. It
// is the only state the engine must keep across restarts.
type VersionLedger interface {
	// GetLastVersion returns the stored watermark, or an
	// *UnregisteredTableError if the table was never registered.
	GetLastVersion(ctx context.Context, table string) (int64, error)

	// SetLastVersion overwrites the watermark. Moving it backward fails
	// with a *RegressionError; setting the same value is allowed.
	SetLastVersion(ctx context.Context, table string, version int64) error

	// RegisterTable seeds the watermark. Re-registering with the same
	// initial version is a no-op; a different value fails with an
	// *AlreadyRegisteredError.
	RegisterTable(ctx context.Context, table string, initialVersion int64) error
}

// TargetTable is the derived destination table. All mutation happens inside a
// TargetTx so one reconciliation pass is all-or-nothing.
type TargetTable interface {
	Begin(ctx context.Context) (TargetTx, error)
}

// TargetTx brackets the row operations of one reconciliation pass. Nothing is
// visible to readers of the target until Commit; Rollback discards everything.
// Rollback after Commit must be a no-op so it can run deferred.
type TargetTx interface {
	Exists(ctx context.Context, key Key) (bool, error)
	Insert(ctx context.Context, key Key, row Row) error
	Update(ctx context.Context, key Key, row Row) error
	Delete(ctx context.Context, key Key) error
	Commit(ctx context.Context) error
	Rollback() error
}
