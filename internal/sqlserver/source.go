// Package sqlserver implements the engine's collaborator interfaces on top
// of SQL Server change tracking.
package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/tracksync/tracksync/internal/logging"
	"github.com/tracksync/tracksync/pkg/cdc"
)

// ChangeTracking reads net row changes through SQL Server's change-tracking
// functions: the global version counter, the per-table retention floor and
// CHANGETABLE(CHANGES ...). Change tracking must be enabled on the database
// and on every synced table.
type ChangeTracking struct {
	conn   *sql.DB
	schema string

	mu   sync.Mutex
	meta map[string]*tableMeta
}

// NewChangeTracking returns a source reading from the given connection.
// schema defaults to dbo.
func NewChangeTracking(conn *sql.DB, schema string) *ChangeTracking {
	if schema == "" {
		schema = "dbo"
	}
	return &ChangeTracking{
		conn:   conn,
		schema: schema,
		meta:   make(map[string]*tableMeta),
	}
}

// CurrentVersion implements cdc.ChangeSource.
func (s *ChangeTracking) CurrentVersion(ctx context.Context) (int64, error) {
	var version sql.NullInt64
	err := s.conn.QueryRowContext(ctx, "SELECT CHANGE_TRACKING_CURRENT_VERSION()").Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("failed to read current change tracking version: %w", err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("change tracking is not enabled on this database")
	}
	return version.Int64, nil
}

// MinValidVersion implements cdc.ChangeSource.
func (s *ChangeTracking) MinValidVersion(ctx context.Context, table string) (int64, error) {
	meta, err := s.tableMeta(ctx, table)
	if err != nil {
		return 0, err
	}

	var version sql.NullInt64
	query := "SELECT CHANGE_TRACKING_MIN_VALID_VERSION(OBJECT_ID(@table))"
	if err := s.conn.QueryRowContext(ctx, query, sql.Named("table", meta.qualified())).Scan(&version); err != nil {
		return 0, fmt.Errorf("failed to read min valid version for %s: %w", table, err)
	}
	if !version.Valid {
		return 0, fmt.Errorf("change tracking is not enabled on table %s", table)
	}
	return version.Int64, nil
}

// QueryChanges implements cdc.ChangeSource. SQL Server already coalesces
// mutations per key within the range, so each returned record is a net
// change.
func (s *ChangeTracking) QueryChanges(ctx context.Context, table string, sinceExclusive, uptoInclusive int64) ([]cdc.ChangeRecord, error) {
	meta, err := s.tableMeta(ctx, table)
	if err != nil {
		return nil, err
	}

	keyList := make([]string, len(meta.keyColumns))
	for i, col := range meta.keyColumns {
		keyList[i] = fmt.Sprintf("ct.[%s]", col)
	}

	query := fmt.Sprintf(`
        SELECT ct.SYS_CHANGE_VERSION, ct.SYS_CHANGE_CREATION_VERSION,
               ct.SYS_CHANGE_OPERATION, ct.SYS_CHANGE_COLUMNS, %s
        FROM CHANGETABLE(CHANGES %s, @since) AS ct
        WHERE ct.SYS_CHANGE_VERSION <= @upto`,
		strings.Join(keyList, ", "), meta.qualified())

	rows, err := s.conn.QueryContext(ctx, query,
		sql.Named("since", sinceExclusive), sql.Named("upto", uptoInclusive))
	if err != nil {
		return nil, fmt.Errorf("failed to query change table for %s: %w", table, err)
	}
	defer rows.Close()

	var records []cdc.ChangeRecord
	for rows.Next() {
		var (
			changeVersion   int64
			creationVersion sql.NullInt64
			operation       string
			columnMask      []byte
		)
		keyValues := make([]any, len(meta.keyColumns))
		targets := []any{&changeVersion, &creationVersion, &operation, &columnMask}
		for i := range keyValues {
			targets = append(targets, &keyValues[i])
		}
		if err := rows.Scan(targets...); err != nil {
			return nil, fmt.Errorf("failed to scan change row: %w", err)
		}

		op, ok := operationFromTag(operation)
		if !ok {
			logging.GetLogger().Warn("Skipping change with unknown operation tag",
				"table", table, "operation", operation)
			continue
		}

		key := make(cdc.Key, len(meta.keyColumns))
		for i, col := range meta.keyColumns {
			key[col] = keyValues[i]
		}

		records = append(records, cdc.ChangeRecord{
			Key:             key,
			Operation:       op,
			ChangeVersion:   changeVersion,
			CreationVersion: creationVersion.Int64,
			ColumnMask:      columnMask,
		})
	}
	return records, rows.Err()
}

// ReadRow implements cdc.ChangeSource. Column values come back as strings
// (or nil for SQL nulls, which staging replaces with the column default).
func (s *ChangeTracking) ReadRow(ctx context.Context, table string, key cdc.Key) (cdc.Row, bool, error) {
	meta, err := s.tableMeta(ctx, table)
	if err != nil {
		return nil, false, err
	}

	columnList := make([]string, len(meta.columns))
	for i, col := range meta.columns {
		columnList[i] = fmt.Sprintf("[%s]", col)
	}
	where, args := keyPredicate(key)

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s",
		strings.Join(columnList, ", "), meta.qualified(), where)

	values := make([]sql.NullString, len(meta.columns))
	targets := make([]any, len(meta.columns))
	for i := range values {
		targets[i] = &values[i]
	}

	err = s.conn.QueryRowContext(ctx, query, args...).Scan(targets...)
	if err == sql.ErrNoRows {
		return nil, false, nil
	} else if err != nil {
		return nil, false, fmt.Errorf("failed to read row from %s: %w", table, err)
	}

	row := make(cdc.Row, len(meta.columns))
	for i, col := range meta.columns {
		if values[i].Valid {
			row[col] = values[i].String
		} else {
			row[col] = nil
		}
	}
	return row, true, nil
}

// tableMeta returns the cached shape of the table, discovering it on first
// use.
func (s *ChangeTracking) tableMeta(ctx context.Context, table string) (*tableMeta, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta, ok := s.meta[table]; ok {
		return meta, nil
	}

	columns, err := fetchColumnNames(ctx, s.conn, s.schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch columns for %s: %w", table, err)
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s not found", s.schema, table)
	}
	keyColumns, err := fetchKeyColumns(ctx, s.conn, s.schema, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch key columns for %s: %w", table, err)
	}

	meta := &tableMeta{schema: s.schema, name: table, keyColumns: keyColumns, columns: columns}
	s.meta[table] = meta

	logging.GetLogger().Debug("Discovered table shape", "table", table,
		"keyColumns", keyColumns, "columns", columns)
	return meta, nil
}

func operationFromTag(tag string) (cdc.Operation, bool) {
	switch tag {
	case "I":
		return cdc.OpInsert, true
	case "U":
		return cdc.OpUpdate, true
	case "D":
		return cdc.OpDelete, true
	default:
		return "", false
	}
}

// keyPredicate builds the WHERE clause and named args matching the key.
func keyPredicate(key cdc.Key) (string, []any) {
	parts := make([]string, 0, len(key))
	args := make([]any, 0, len(key))
	i := 0
	for col, val := range key {
		name := fmt.Sprintf("k%d", i)
		parts = append(parts, fmt.Sprintf("[%s] = @%s", col, name))
		args = append(args, sql.Named(name, val))
		i++
	}
	return strings.Join(parts, " AND "), args
}
