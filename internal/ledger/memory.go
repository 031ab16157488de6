// Package ledger persists the last synchronized version per tracked table.
// The ledger is the engine's only durable state: a watermark read at cycle
// start and advanced exactly once per completed cycle, never backward.
package ledger

import (
	"context"
	"sync"

	"github.com/tracksync/tracksync/pkg/cdc"
)

// Memory is an in-process VersionLedger. Used by tests and single-process
// setups that rebuild from a full resync on restart.
type Memory struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewMemory returns an empty in-memory ledger.
func NewMemory() *Memory {
	return &Memory{versions: make(map[string]int64)}
}

// GetLastVersion implements cdc.VersionLedger.
func (m *Memory) GetLastVersion(_ context.Context, table string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	version, ok := m.versions[table]
	if !ok {
		return 0, &cdc.UnregisteredTableError{Table: table}
	}
	return version, nil
}

// SetLastVersion implements cdc.VersionLedger.
func (m *Memory) SetLastVersion(_ context.Context, table string, version int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.versions[table]
	if !ok {
		return &cdc.UnregisteredTableError{Table: table}
	}
	if version < stored {
		return &cdc.RegressionError{Table: table, Stored: stored, Requested: version}
	}
	m.versions[table] = version
	return nil
}

// RegisterTable implements cdc.VersionLedger.
func (m *Memory) RegisterTable(_ context.Context, table string, initialVersion int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if stored, ok := m.versions[table]; ok {
		if stored == initialVersion {
			return nil
		}
		return &cdc.AlreadyRegisteredError{Table: table, Stored: stored, Requested: initialVersion}
	}
	m.versions[table] = initialVersion
	return nil
}
