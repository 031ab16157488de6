package engine_test

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracksync/tracksync/internal/engine"
	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/internal/ledger"
	"github.com/tracksync/tracksync/internal/locking"
	"github.com/tracksync/tracksync/internal/target"
	"github.com/tracksync/tracksync/internal/testutil"
	"github.com/tracksync/tracksync/pkg/cdc"
)

var errBoom = errors.New("boom")

func key(id int) cdc.Key { return cdc.Key{"ID": id} }

// fixture wires a People source table to a derived target that keeps only
// ID, Birthday and Cake; the Name column is stripped at staging.
type fixture struct {
	source *testutil.Source
	ledger *ledger.Memory
	target *target.Memory
	orch   *engine.Orchestrator
}

func newFixture(t *testing.T, opts ...engine.Option) *fixture {
	t.Helper()
	f := &fixture{
		source: testutil.NewSource(),
		ledger: ledger.NewMemory(),
		target: target.NewMemory("PeopleDerived", "ID", "Birthday", "Cake"),
	}
	f.source.CreateTable("People")
	f.orch = engine.New(f.source, f.ledger, opts...)
	require.NoError(t, f.orch.Track(context.Background(), engine.TableSpec{
		Name:       "People",
		Target:     f.target,
		Projection: cdc.ColumnProjection("ID", "Birthday", "Cake"),
	}))
	return f
}

func (f *fixture) watermark(t *testing.T) int64 {
	t.Helper()
	v, err := f.ledger.GetLastVersion(context.Background(), "People")
	require.NoError(t, err)
	return v
}

func TestRunCycle_EndToEnd(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	// First round of mutations.
	f.source.Insert("People", key(1), cdc.Row{"Name": "Alice", "Birthday": "1990-03-23", "Cake": "Chocolate"})
	f.source.Insert("People", key(2), cdc.Row{"Name": "Bert", "Birthday": "1985-07-03", "Cake": "Banana"})
	f.source.Insert("People", key(3), cdc.Row{"Name": "Carol", "Birthday": "1987-01-04", "Cake": "Sponge"})
	f.source.Update("People", key(2), cdc.Row{"Name": "Bert", "Birthday": "1985-07-03", "Cake": "Cream"})
	deleteVersion := f.source.Delete("People", key(1))

	result, err := f.orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, cdc.ReconcileStats{Inserted: 2}, result.Stats,
		"coalescing folds the update into ID=2's insert and drops ID=1 entirely")

	assert.Equal(t, 2, f.target.Len())
	_, ok := f.target.Row(key(1))
	assert.False(t, ok, "row deleted at source must not reach the target")

	row2, ok := f.target.Row(key(2))
	require.True(t, ok)
	assert.Equal(t, "1985-07-03", row2["Birthday"])
	assert.Equal(t, "Cream", row2["Cake"])
	assert.NotContains(t, row2, "Name", "stripped column must never reach the target")

	row3, ok := f.target.Row(key(3))
	require.True(t, ok)
	assert.Equal(t, "Sponge", row3["Cake"])

	assert.Equal(t, deleteVersion, f.watermark(t), "watermark advances to the version after the delete")

	// Second round, continuing from the committed watermark.
	f.source.Update("People", key(2), cdc.Row{"Name": "Bert", "Birthday": "1989-10-01", "Cake": "Cream"})
	f.source.Insert("People", key(4), cdc.Row{"Name": "Mary", "Birthday": "1991-10-11", "Cake": "Banana"})
	f.source.Insert("People", key(5), cdc.Row{"Name": "Jude", "Birthday": "1978-09-25", "Cake": "Pannacotta"})
	f.source.Delete("People", key(3))

	result, err = f.orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, cdc.ReconcileStats{Inserted: 2, Updated: 1, Deleted: 1}, result.Stats)

	assert.Equal(t, 3, f.target.Len())
	row2, ok = f.target.Row(key(2))
	require.True(t, ok)
	assert.Equal(t, "1989-10-01", row2["Birthday"])
	assert.Equal(t, "Cream", row2["Cake"])
	_, ok = f.target.Row(key(3))
	assert.False(t, ok)
	_, ok = f.target.Row(key(4))
	assert.True(t, ok)
	_, ok = f.target.Row(key(5))
	assert.True(t, ok)
}

func TestRunCycle_NoChanges(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	result, err := f.orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Zero(t, result.Stats.Total())
	assert.Zero(t, f.watermark(t))
}

func TestRunCycle_InsertThenDeleteLeavesNoStrayRow(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.source.Insert("People", key(7), cdc.Row{"Name": "Flash", "Birthday": "2000-01-01", "Cake": "Ice"})
	v := f.source.Delete("People", key(7))

	_, err := f.orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Zero(t, f.target.Len())
	assert.Equal(t, v, f.watermark(t))
}

func TestRunCycle_CrashBeforeCommitIsRecoverable(t *testing.T) {
	ctx := context.Background()

	source := testutil.NewSource()
	source.CreateTable("People")
	mem := target.NewMemory("PeopleDerived", "ID", "Birthday", "Cake")
	flaky := &flakyLedger{VersionLedger: ledger.NewMemory(), failSets: 1}

	orch := engine.New(source, flaky)
	require.NoError(t, orch.Track(ctx, engine.TableSpec{
		Name:       "People",
		Target:     mem,
		Projection: cdc.ColumnProjection("ID", "Birthday", "Cake"),
	}))

	source.Insert("People", key(1), cdc.Row{"Name": "Alice", "Birthday": "1990-03-23", "Cake": "Chocolate"})
	source.Insert("People", key(2), cdc.Row{"Name": "Bert", "Birthday": "1985-07-03", "Cake": "Banana"})
	source.Delete("People", key(1))

	// Reconciliation succeeds but the watermark commit is interrupted.
	_, err := orch.RunCycle(ctx, "People")
	var cerr *engine.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engine.StateCommitWatermark, cerr.Stage)

	converged := mem.Snapshot()
	v, err := flaky.GetLastVersion(ctx, "People")
	require.NoError(t, err)
	assert.Zero(t, v, "watermark stays at its pre-cycle value")

	// Re-running the same range reproduces the identical target state.
	result, err := orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, converged, mem.Snapshot())
	assert.Equal(t, result.Upto, mustVersion(t, flaky, "People"))
}

func TestRunCycle_FailureLeavesWatermarkUntouched(t *testing.T) {
	tests := []struct {
		name      string
		inject    func(flaky *flakySource)
		wantStage engine.State
	}{
		{
			name:      "read watermark",
			inject:    func(flaky *flakySource) { flaky.failCurrent = true },
			wantStage: engine.StateReadWatermark,
		},
		{
			name:      "fetch changes",
			inject:    func(flaky *flakySource) { flaky.failQuery = true },
			wantStage: engine.StateFetchChanges,
		},
		{
			name:      "stage",
			inject:    func(flaky *flakySource) { flaky.failRead = true },
			wantStage: engine.StateStage,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			ctx := context.Background()

			source := testutil.NewSource()
			source.CreateTable("People")
			flaky := &flakySource{Source: source}
			led := ledger.NewMemory()
			mem := target.NewMemory("PeopleDerived")

			orch := engine.New(flaky, led)
			require.NoError(t, orch.Track(ctx, engine.TableSpec{Name: "People", Target: mem}))
			source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})

			tc.inject(flaky)

			_, err := orch.RunCycle(ctx, "People")
			var cerr *engine.CycleError
			require.ErrorAs(t, err, &cerr)
			assert.Equal(t, tc.wantStage, cerr.Stage)
			assert.ErrorIs(t, err, errBoom)

			v, err := led.GetLastVersion(ctx, "People")
			require.NoError(t, err)
			assert.Zero(t, v)
			assert.Zero(t, mem.Len(), "failed cycle must not touch the target")
		})
	}
}

func TestRunCycle_ReconcileFailureRollsBack(t *testing.T) {
	ctx := context.Background()

	source := testutil.NewSource()
	source.CreateTable("People")
	led := ledger.NewMemory()
	// Schema accepts only ID: any staged payload column is a mismatch.
	mem := target.NewMemory("PeopleDerived", "ID")

	orch := engine.New(source, led)
	require.NoError(t, orch.Track(ctx, engine.TableSpec{Name: "People", Target: mem}))
	source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})

	_, err := orch.RunCycle(ctx, "People")
	var cerr *engine.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engine.StateReconcile, cerr.Stage)
	assert.True(t, cdc.IsSchemaMismatch(err))

	v, err := led.GetLastVersion(ctx, "People")
	require.NoError(t, err)
	assert.Zero(t, v)
	assert.Zero(t, mem.Len())
}

func TestRunCycle_HistoryExpiredIsFatal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})
	f.source.SetMinValid("People", 5)

	_, err := f.orch.RunCycle(ctx, "People")
	require.Error(t, err)
	assert.True(t, cdc.IsHistoryExpired(err))

	var cerr *engine.CycleError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, engine.StateFetchChanges, cerr.Stage)
	assert.Zero(t, f.watermark(t))
}

func TestRunCycle_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.orch.RunCycle(ctx, "People")
	require.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, f.watermark(t))
	assert.Zero(t, f.target.Len())
}

func TestRunCycle_TimeoutFailsCycle(t *testing.T) {
	f := newFixture(t, engine.WithCycleTimeout(time.Nanosecond))
	f.source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})

	_, err := f.orch.RunCycle(context.Background(), "People")
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Zero(t, f.watermark(t))
}

func TestRunCycle_TableLockExcludesConcurrentCycle(t *testing.T) {
	ctx := context.Background()
	factory := locking.NewFactory("process", "", "", "")
	f := newFixture(t, engine.WithLockerFactory(factory))

	locker, err := factory.CreateLocker("People")
	require.NoError(t, err)
	lease, err := locker.AcquireLock(ctx, "People")
	require.NoError(t, err)

	_, err = f.orch.RunCycle(ctx, "People")
	assert.ErrorIs(t, err, locking.ErrLockHeld)

	require.NoError(t, locker.ReleaseLock(ctx, "People", lease))
	_, err = f.orch.RunCycle(ctx, "People")
	assert.NoError(t, err)
}

func TestRunCycle_UnknownTable(t *testing.T) {
	f := newFixture(t)

	_, err := f.orch.RunCycle(context.Background(), "Nope")
	var unregistered *cdc.UnregisteredTableError
	assert.ErrorAs(t, err, &unregistered)
}

func TestTrack_RestartResumesFromStoredWatermark(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	f.source.Insert("People", key(1), cdc.Row{"Name": "Alice", "Birthday": "1990-03-23", "Cake": "Chocolate"})
	_, err := f.orch.RunCycle(ctx, "People")
	require.NoError(t, err)
	committed := f.watermark(t)

	// A change lands while the process is down.
	f.source.Insert("People", key(2), cdc.Row{"Name": "Bert", "Birthday": "1985-07-03", "Cake": "Banana"})

	// A fresh orchestrator over the same durable ledger resumes from the
	// stored watermark instead of re-seeding.
	orch2 := engine.New(f.source, f.ledger)
	require.NoError(t, orch2.Track(ctx, engine.TableSpec{
		Name:       "People",
		Target:     f.target,
		Projection: cdc.ColumnProjection("ID", "Birthday", "Cake"),
	}))
	assert.Equal(t, committed, f.watermark(t), "resume must not move the watermark")

	result, err := orch2.RunCycle(ctx, "People")
	require.NoError(t, err)
	assert.Equal(t, cdc.ReconcileStats{Inserted: 1}, result.Stats, "downtime changes are applied")
	_, ok := f.target.Row(key(2))
	assert.True(t, ok)
}

func TestRunCycle_HonorsReplacedLogger(t *testing.T) {
	var buf bytes.Buffer
	prev := logging.GetLogger()
	logging.SetLogger(hclog.New(&hclog.LoggerOptions{Name: "test", Level: hclog.Info, Output: &buf}))
	t.Cleanup(func() { logging.SetLogger(prev) })

	f := newFixture(t)
	f.source.Insert("People", key(1), cdc.Row{"Cake": "Chocolate"})

	_, err := f.orch.RunCycle(context.Background(), "People")
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "Sync cycle complete",
		"a logger installed after startup must receive engine logs")
}

func mustVersion(t *testing.T, l cdc.VersionLedger, table string) int64 {
	t.Helper()
	v, err := l.GetLastVersion(context.Background(), table)
	require.NoError(t, err)
	return v
}

// flakySource wraps the fake source with switchable failures per capability.
type flakySource struct {
	*testutil.Source
	failCurrent bool
	failQuery   bool
	failRead    bool
}

func (f *flakySource) CurrentVersion(ctx context.Context) (int64, error) {
	if f.failCurrent {
		return 0, errBoom
	}
	return f.Source.CurrentVersion(ctx)
}

func (f *flakySource) QueryChanges(ctx context.Context, table string, since, upto int64) ([]cdc.ChangeRecord, error) {
	if f.failQuery {
		return nil, errBoom
	}
	return f.Source.QueryChanges(ctx, table, since, upto)
}

func (f *flakySource) ReadRow(ctx context.Context, table string, key cdc.Key) (cdc.Row, bool, error) {
	if f.failRead {
		return nil, false, errBoom
	}
	return f.Source.ReadRow(ctx, table, key)
}

// flakyLedger fails the next failSets watermark commits.
type flakyLedger struct {
	cdc.VersionLedger
	failSets int
}

func (f *flakyLedger) SetLastVersion(ctx context.Context, table string, version int64) error {
	if f.failSets > 0 {
		f.failSets--
		return errBoom
	}
	return f.VersionLedger.SetLastVersion(ctx, table, version)
}
