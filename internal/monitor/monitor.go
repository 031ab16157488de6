// Package monitor schedules sync cycles for tracked tables. The engine
// itself is trigger-agnostic; this is the interval scheduler that drives it.
package monitor

import (
	"context"
	"errors"
	"time"

	"github.com/tracksync/tracksync/internal/engine"
	"github.com/tracksync/tracksync/internal/locking"
	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// TableMonitor polls one tracked table, running a sync cycle per tick. While
// the table is quiet the polling interval backs off exponentially up to
// maxInterval; a cycle that applied changes resets it.
type TableMonitor struct {
	orch         *engine.Orchestrator
	tableName    string
	pollInterval time.Duration
	maxInterval  time.Duration
}

// New returns a monitor for the table.
func New(orch *engine.Orchestrator, tableName string, pollInterval, maxInterval time.Duration) *TableMonitor {
	return &TableMonitor{
		orch:         orch,
		tableName:    tableName,
		pollInterval: pollInterval,
		maxInterval:  maxInterval,
	}
}

// Run polls until the context is cancelled. Transient cycle failures are
// retried on the next tick with the watermark untouched; expired change
// history stops the monitor, since only an operator can decide to run the
// full resynchronization it demands.
func (m *TableMonitor) Run(ctx context.Context) error {
	wait := newBackoff(m.pollInterval, m.maxInterval)

	for {
		select {
		case <-ctx.Done():
			logging.GetLogger().Info("Stopping monitor", "table", m.tableName)
			return ctx.Err()
		default:
		}

		result, err := m.orch.RunCycle(ctx, m.tableName)
		switch {
		case cdc.IsHistoryExpired(err):
			logging.GetLogger().Error("Change history expired, full resync required",
				"table", m.tableName, "error", err)
			return err

		case errors.Is(err, locking.ErrLockHeld):
			logging.GetLogger().Debug("Table locked by another cycle, skipping", "table", m.tableName)
			wait.increase()

		case err != nil:
			logging.GetLogger().Error("Sync cycle failed, will retry", "table", m.tableName, "error", err)
			wait.increase()

		case result.Stats.Total() > 0:
			logging.GetLogger().Info("Applied changes", "table", m.tableName,
				"inserted", result.Stats.Inserted,
				"updated", result.Stats.Updated,
				"deleted", result.Stats.Deleted)
			wait.reset()

		default:
			wait.increase()
		}

		select {
		case <-ctx.Done():
			logging.GetLogger().Info("Stopping monitor", "table", m.tableName)
			return ctx.Err()
		case <-time.After(wait.interval()):
		}
	}
}
