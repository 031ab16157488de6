package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
)

// tableMeta caches what the source needs to know about one table's shape.
type tableMeta struct {
	schema     string
	name       string
	keyColumns []string
	columns    []string
}

// qualified returns the bracket-quoted schema.table identifier.
func (m *tableMeta) qualified() string {
	return fmt.Sprintf("[%s].[%s]", m.schema, m.name)
}

// fetchColumnNames lists the table's columns from INFORMATION_SCHEMA.
func fetchColumnNames(ctx context.Context, conn *sql.DB, schema, tableName string) ([]string, error) {
	query := `SELECT COLUMN_NAME FROM INFORMATION_SCHEMA.COLUMNS
		WHERE TABLE_SCHEMA = @schema AND TABLE_NAME = @tableName
		ORDER BY ORDINAL_POSITION`
	rows, err := conn.QueryContext(ctx, query,
		sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	return columns, rows.Err()
}

// fetchKeyColumns lists the table's primary key columns. Tables without a
// primary key cannot be tracked.
func fetchKeyColumns(ctx context.Context, conn *sql.DB, schema, tableName string) ([]string, error) {
	query := `
		SELECT kcu.COLUMN_NAME
		FROM INFORMATION_SCHEMA.TABLE_CONSTRAINTS tc
		JOIN INFORMATION_SCHEMA.KEY_COLUMN_USAGE kcu
			ON kcu.CONSTRAINT_NAME = tc.CONSTRAINT_NAME
			AND kcu.TABLE_SCHEMA = tc.TABLE_SCHEMA
		WHERE tc.CONSTRAINT_TYPE = 'PRIMARY KEY'
			AND tc.TABLE_SCHEMA = @schema AND tc.TABLE_NAME = @tableName
		ORDER BY kcu.ORDINAL_POSITION`
	rows, err := conn.QueryContext(ctx, query,
		sql.Named("schema", schema), sql.Named("tableName", tableName))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var columns []string
	for rows.Next() {
		var columnName string
		if err := rows.Scan(&columnName); err != nil {
			return nil, err
		}
		columns = append(columns, columnName)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(columns) == 0 {
		return nil, fmt.Errorf("table %s.%s has no primary key and cannot be tracked", schema, tableName)
	}
	return columns, nil
}
