// Package feed turns the change source's raw change query into a validated
// per-cycle batch.
package feed

import (
	"context"
	"fmt"

	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// Feed fetches net row changes for one table between two version boundaries.
// Read-only: fetching never mutates source or target state.
type Feed struct {
	source cdc.ChangeSource
}

// New returns a Feed over the given change source.
func New(source cdc.ChangeSource) *Feed {
	return &Feed{source: source}
}

// Fetch returns all net row mutations with sinceExclusive < ChangeVersion <=
// uptoInclusive, at most one per primary key.
//
// Before querying, Fetch checks the source's retention floor: if the
// watermark predates the oldest fully-retained version the source can no
// longer report what changed with fidelity, and Fetch fails with a
// *cdc.HistoryExpiredError. That condition is fatal for incremental sync and
// demands a full resynchronization.
func (f *Feed) Fetch(ctx context.Context, table string, sinceExclusive, uptoInclusive int64) ([]cdc.ChangeRecord, error) {
	minValid, err := f.source.MinValidVersion(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to read min valid version for %s: %w", table, err)
	}
	if sinceExclusive < minValid {
		return nil, &cdc.HistoryExpiredError{Table: table, Since: sinceExclusive, MinValid: minValid}
	}

	if uptoInclusive <= sinceExclusive {
		return nil, nil
	}

	records, err := f.source.QueryChanges(ctx, table, sinceExclusive, uptoInclusive)
	if err != nil {
		return nil, fmt.Errorf("failed to query changes for %s: %w", table, err)
	}

	logging.GetLogger().Debug("Fetched changes", "table", table,
		"since", sinceExclusive, "upto", uptoInclusive, "count", len(records))
	return records, nil
}
