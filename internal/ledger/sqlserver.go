package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// Default watermark table name
const defaultLedgerTable = "sync_versions"

// SQLServer stores watermarks in a SQL Server table so they survive process
// restarts. Layout: {table_name NVARCHAR(255) PRIMARY KEY, last_version
// BIGINT, updated_at DATETIME}.
type SQLServer struct {
	db          *sql.DB
	ledgerTable string
}

// NewSQLServer initializes a SQL Server backed ledger. An empty ledgerTable
// selects the default name.
func NewSQLServer(db *sql.DB, ledgerTable string) *SQLServer {
	if ledgerTable == "" {
		ledgerTable = defaultLedgerTable
	}
	return &SQLServer{db: db, ledgerTable: ledgerTable}
}

// Initialize creates the watermark table if it does not exist.
func (s *SQLServer) Initialize(ctx context.Context) error {
	query := fmt.Sprintf(`
    IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
    BEGIN
        CREATE TABLE %s (
            table_name NVARCHAR(255) PRIMARY KEY,
            last_version BIGINT NOT NULL,
            updated_at DATETIME DEFAULT GETDATE()
        );
    END`, s.ledgerTable, s.ledgerTable)

	if _, err := s.db.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("failed to create %s table: %w", s.ledgerTable, err)
	}

	logging.GetLogger().Info("Initialized watermark table", "table", s.ledgerTable)
	return nil
}

// GetLastVersion implements cdc.VersionLedger.
func (s *SQLServer) GetLastVersion(ctx context.Context, table string) (int64, error) {
	var version int64
	query := fmt.Sprintf("SELECT last_version FROM %s WHERE table_name = @tableName", s.ledgerTable)
	err := s.db.QueryRowContext(ctx, query, sql.Named("tableName", table)).Scan(&version)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &cdc.UnregisteredTableError{Table: table}
	} else if err != nil {
		return 0, fmt.Errorf("failed to load watermark for %s: %w", table, err)
	}
	return version, nil
}

// SetLastVersion implements cdc.VersionLedger. Monotonicity is enforced in
// the UPDATE itself so concurrent writers cannot interleave a regression.
func (s *SQLServer) SetLastVersion(ctx context.Context, table string, version int64) error {
	query := fmt.Sprintf(`
    UPDATE %s SET last_version = @version, updated_at = GETDATE()
    WHERE table_name = @tableName AND last_version <= @version`, s.ledgerTable)

	res, err := s.db.ExecContext(ctx, query,
		sql.Named("tableName", table), sql.Named("version", version))
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", table, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to save watermark for %s: %w", table, err)
	}
	if affected == 0 {
		stored, err := s.GetLastVersion(ctx, table)
		if err != nil {
			return err
		}
		return &cdc.RegressionError{Table: table, Stored: stored, Requested: version}
	}

	logging.GetLogger().Debug("Saved watermark", "table", table, "version", version)
	return nil
}

// RegisterTable implements cdc.VersionLedger. The MERGE inserts the row only
// when it is missing, in one statement, so concurrent registrations cannot
// race past an existence check.
func (s *SQLServer) RegisterTable(ctx context.Context, table string, initialVersion int64) error {
	query := fmt.Sprintf(`
    MERGE INTO %s WITH (HOLDLOCK) AS target
    USING (SELECT @tableName AS table_name) AS source
    ON target.table_name = source.table_name
    WHEN NOT MATCHED THEN
        INSERT (table_name, last_version) VALUES (@tableName, @version);`,
		s.ledgerTable)

	if _, err := s.db.ExecContext(ctx, query,
		sql.Named("tableName", table), sql.Named("version", initialVersion)); err != nil {
		return fmt.Errorf("failed to register %s: %w", table, err)
	}

	stored, err := s.GetLastVersion(ctx, table)
	if err != nil {
		return err
	}
	if stored != initialVersion {
		return &cdc.AlreadyRegisteredError{Table: table, Stored: stored, Requested: initialVersion}
	}

	logging.GetLogger().Info("Registered table for tracking", "table", table, "initialVersion", initialVersion)
	return nil
}
