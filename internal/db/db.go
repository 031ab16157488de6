// Package db establishes SQL Server connections.
package db

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/denisenkom/go-mssqldb"

	"github.com/tracksync/tracksync/internal/logging"
)

// Connect opens and verifies a connection to SQL Server.
func Connect(ctx context.Context, connectionString string) (*sql.DB, error) {
	conn, err := sql.Open("sqlserver", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	logging.GetLogger().Info("Connected to database")
	return conn, nil
}
