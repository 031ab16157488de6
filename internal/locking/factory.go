package locking

import (
	"fmt"
	"strings"
)

// Factory builds the configured Locker flavor for each tracked table.
type Factory struct {
	lockType           string
	connectionString   string
	containerName      string
	dbConnectionString string

	// one shared in-process locker so all tables contend on the same map
	process *ProcessLocker
}

// NewFactory initializes a Factory. lockType selects the implementation:
// "process" (default) or "azure_blob".
func NewFactory(lockType, connectionString, containerName, dbConnectionString string) *Factory {
	if lockType == "" {
		lockType = "process"
	}
	return &Factory{
		lockType:           lockType,
		connectionString:   connectionString,
		containerName:      containerName,
		dbConnectionString: dbConnectionString,
		process:            NewProcessLocker(),
	}
}

// CreateLocker returns a Locker for the given lock name.
func (f *Factory) CreateLocker(lockName string) (Locker, error) {
	switch f.lockType {
	case "process":
		return f.process, nil
	case "azure_blob":
		return NewBlobLocker(f.connectionString, f.containerName, lockName)
	default:
		return nil, fmt.Errorf("unsupported lock type: %s", f.lockType)
	}
}

// GetLockName returns the lock name for a table. Blob locks are namespaced by
// the source server so two servers tracking same-named tables do not collide.
func (f *Factory) GetLockName(tableName string) string {
	if f.lockType != "azure_blob" {
		return tableName
	}
	lockName := tableName + ".lock"
	if f.dbConnectionString != "" {
		if server, err := ServerNameFromConnectionString(f.dbConnectionString); err == nil && server != "" {
			return strings.ToLower(server) + "/" + lockName
		}
	}
	return lockName
}
