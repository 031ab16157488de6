// Package engine drives synchronization cycles: read the watermark, fetch
// the changes since it, stage them, reconcile them into the target, commit
// the new watermark.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/tracksync/tracksync/internal/feed"
	"github.com/tracksync/tracksync/internal/locking"
	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/internal/reconcile"
	"github.com/tracksync/tracksync/internal/staging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// State identifies where in a sync cycle the engine is. A cycle walks
// Idle → ReadWatermark → FetchChanges → Stage → Reconcile → CommitWatermark
// → Idle, or drops to Failed from any stage with the watermark untouched.
type State string

const (
	StateIdle            State = "idle"
	StateReadWatermark   State = "read_watermark"
	StateFetchChanges    State = "fetch_changes"
	StateStage           State = "stage"
	StateReconcile       State = "reconcile"
	StateCommitWatermark State = "commit_watermark"
	StateFailed          State = "failed"
)

// CycleError reports a failed cycle with the attempted version range and the
// stage it failed in, so an operator can decide between retry and full
// resynchronization.
type CycleError struct {
	Table string
	Stage State
	From  int64
	Upto  int64
	Err   error
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("sync cycle for %s failed at %s (versions %d..%d): %v",
		e.Table, e.Stage, e.From, e.Upto, e.Err)
}

func (e *CycleError) Unwrap() error { return e.Err }

// Result summarizes a completed cycle.
type Result struct {
	CycleID string
	Table   string
	From    int64
	Upto    int64
	Stats   cdc.ReconcileStats
}

// TableSpec describes one table to track.
type TableSpec struct {
	// Name of the source table.
	Name string

	// Target is the destination the reconciler writes through.
	Target cdc.TargetTable

	// Projection shapes source rows for the destination; nil passes rows
	// through unchanged.
	Projection cdc.RowProjection

	// Defaults replace null source values per column before staging.
	Defaults cdc.Row
}

// Orchestrator runs sync cycles for a set of tracked tables. Cycles for the
// same table are mutually exclusive; different tables sync independently.
type Orchestrator struct {
	source  cdc.ChangeSource
	ledger  cdc.VersionLedger
	lockers *locking.Factory
	timeout time.Duration

	mu     sync.RWMutex
	tables map[string]*trackedTable
}

type trackedTable struct {
	name       string
	feed       *feed.Feed
	buffer     *staging.Buffer
	reconciler *reconcile.Reconciler
	locker     locking.Locker
	lockName   string
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLockerFactory replaces the default in-process locker factory.
func WithLockerFactory(f *locking.Factory) Option {
	return func(o *Orchestrator) { o.lockers = f }
}

// WithCycleTimeout bounds each cycle. A timeout fails the cycle with the
// watermark untouched, so the next cycle retries the same range.
func WithCycleTimeout(d time.Duration) Option {
	return func(o *Orchestrator) { o.timeout = d }
}

// New returns an Orchestrator over the given collaborators.
func New(source cdc.ChangeSource, ledger cdc.VersionLedger, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		source:  source,
		ledger:  ledger,
		lockers: locking.NewFactory("process", "", "", ""),
		tables:  make(map[string]*trackedTable),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Track registers a table for synchronization. A table seen for the first
// time has its watermark seeded with the source's version at this moment;
// changes before registration are not replayed, and the target is expected
// to start from a matching snapshot. A table the ledger already knows
// resumes from its stored watermark, so restarts pick up the changes that
// accumulated while the process was down.
func (o *Orchestrator) Track(ctx context.Context, spec TableSpec) error {
	if spec.Name == "" {
		return errors.New("table name is required")
	}
	if spec.Target == nil {
		return fmt.Errorf("table %s needs a target", spec.Name)
	}

	version, err := o.source.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current version for %s: %w", spec.Name, err)
	}
	resumed := false
	if err := o.ledger.RegisterTable(ctx, spec.Name, version); err != nil {
		var already *cdc.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return err
		}
		// The ledger survives restarts; the stored watermark wins over a
		// fresh seed.
		resumed, version = true, already.Stored
	}

	lockName := o.lockers.GetLockName(spec.Name)
	locker, err := o.lockers.CreateLocker(lockName)
	if err != nil {
		return fmt.Errorf("failed to create locker for %s: %w", spec.Name, err)
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	o.tables[spec.Name] = &trackedTable{
		name:       spec.Name,
		feed:       feed.New(o.source),
		buffer:     staging.New(spec.Name, spec.Projection, spec.Defaults),
		reconciler: reconcile.New(spec.Name, spec.Target),
		locker:     locker,
		lockName:   lockName,
	}

	if resumed {
		logging.GetLogger().Info("Resuming table", "table", spec.Name, "watermark", version)
	} else {
		logging.GetLogger().Info("Tracking table", "table", spec.Name, "seedVersion", version)
	}
	return nil
}

// RunCycle runs one synchronization cycle for the table. On failure the
// watermark is left at its pre-cycle value; reconciliation's idempotence
// makes re-running the same range safe.
func (o *Orchestrator) RunCycle(ctx context.Context, table string) (Result, error) {
	o.mu.RLock()
	t := o.tables[table]
	o.mu.RUnlock()
	if t == nil {
		return Result{}, &cdc.UnregisteredTableError{Table: table}
	}

	lease, err := t.locker.AcquireLock(ctx, t.lockName)
	if err != nil {
		return Result{}, &CycleError{Table: table, Stage: StateIdle, Err: err}
	}
	defer func() {
		if err := t.locker.ReleaseLock(context.WithoutCancel(ctx), t.lockName, lease); err != nil {
			logging.GetLogger().Error("Failed to release table lock", "table", table, "error", err)
		}
	}()

	if o.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.timeout)
		defer cancel()
	}

	c := &cycle{id: uuid.NewString(), table: t, state: StateIdle}
	logging.GetLogger().Debug("Starting sync cycle", "cycle", c.id, "table", table)

	steps := []struct {
		state State
		run   func(context.Context, *cycle) error
	}{
		{StateReadWatermark, o.readWatermark},
		{StateFetchChanges, o.fetchChanges},
		{StateStage, o.stage},
		{StateReconcile, o.reconcile},
		{StateCommitWatermark, o.commitWatermark},
	}

	for _, step := range steps {
		// Cooperative cancellation: checked at every transition, never
		// inside Reconcile.
		if err := ctx.Err(); err != nil {
			return o.fail(c, err)
		}
		c.state = step.state
		if err := step.run(ctx, c); err != nil {
			return o.fail(c, err)
		}
	}
	c.state = StateIdle

	logging.GetLogger().Info("Sync cycle complete", "cycle", c.id, "table", table,
		"from", c.from, "upto", c.upto,
		"inserted", c.stats.Inserted, "updated", c.stats.Updated, "deleted", c.stats.Deleted)

	return Result{CycleID: c.id, Table: t.name, From: c.from, Upto: c.upto, Stats: c.stats}, nil
}

// cycle carries one run's state through the stage transitions.
type cycle struct {
	id    string
	table *trackedTable
	state State

	from    int64
	upto    int64
	records []cdc.ChangeRecord
	staged  []cdc.StagedRow
	stats   cdc.ReconcileStats
}

func (o *Orchestrator) readWatermark(ctx context.Context, c *cycle) error {
	last, err := o.ledger.GetLastVersion(ctx, c.table.name)
	if err != nil {
		return err
	}
	// The upper bound is captured once here. Mutations landing during the
	// cycle belong to the next one.
	current, err := o.source.CurrentVersion(ctx)
	if err != nil {
		return fmt.Errorf("failed to read current version: %w", err)
	}
	c.from, c.upto = last, current
	return nil
}

func (o *Orchestrator) fetchChanges(ctx context.Context, c *cycle) error {
	records, err := c.table.feed.Fetch(ctx, c.table.name, c.from, c.upto)
	if err != nil {
		return err
	}
	c.records = records
	return nil
}

func (o *Orchestrator) stage(ctx context.Context, c *cycle) error {
	staged, err := c.table.buffer.Stage(ctx, c.records, func(ctx context.Context, key cdc.Key) (cdc.Row, bool, error) {
		return o.source.ReadRow(ctx, c.table.name, key)
	})
	if err != nil {
		return err
	}
	c.staged = staged
	return nil
}

func (o *Orchestrator) reconcile(ctx context.Context, c *cycle) error {
	stats, err := c.table.reconciler.Reconcile(ctx, c.staged)
	if err != nil {
		return err
	}
	c.stats = stats
	return nil
}

func (o *Orchestrator) commitWatermark(ctx context.Context, c *cycle) error {
	return o.ledger.SetLastVersion(ctx, c.table.name, c.upto)
}

func (o *Orchestrator) fail(c *cycle, err error) (Result, error) {
	stage := c.state
	c.state = StateFailed

	cerr := &CycleError{Table: c.table.name, Stage: stage, From: c.from, Upto: c.upto, Err: err}
	logging.GetLogger().Error("Sync cycle failed", "cycle", c.id, "table", c.table.name,
		"stage", string(stage), "from", c.from, "upto", c.upto, "error", err)
	return Result{CycleID: c.id, Table: c.table.name, From: c.from, Upto: c.upto}, cerr
}
