package sqlserver

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/tracksync/tracksync/pkg/cdc"
)

// Target is a SQL Server destination table. Each reconciliation batch runs
// inside one database transaction, so readers of the target never observe a
// partially applied cycle.
type Target struct {
	conn    *sql.DB
	schema  string
	name    string
	columns map[string]bool
}

// NewTarget returns a target writing to schema.name. columns is the
// destination schema; staged rows carrying other columns fail with a schema
// mismatch before any statement runs.
func NewTarget(conn *sql.DB, schema, name string, columns []string) *Target {
	if schema == "" {
		schema = "dbo"
	}
	set := make(map[string]bool, len(columns))
	for _, c := range columns {
		set[c] = true
	}
	return &Target{conn: conn, schema: schema, name: name, columns: set}
}

// Begin implements cdc.TargetTable.
func (t *Target) Begin(ctx context.Context) (cdc.TargetTx, error) {
	tx, err := t.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction on %s: %w", t.name, err)
	}
	return &targetTx{target: t, tx: tx}, nil
}

func (t *Target) qualified() string {
	return fmt.Sprintf("[%s].[%s]", t.schema, t.name)
}

type targetTx struct {
	target *Target
	tx     *sql.Tx
	done   bool
}

func (x *targetTx) Exists(ctx context.Context, key cdc.Key) (bool, error) {
	where, args := keyPredicate(key)
	query := fmt.Sprintf("SELECT 1 FROM %s WHERE %s", x.target.qualified(), where)

	var one int
	err := x.tx.QueryRowContext(ctx, query, args...).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	} else if err != nil {
		return false, fmt.Errorf("failed to probe %s: %w", x.target.name, err)
	}
	return true, nil
}

func (x *targetTx) Insert(ctx context.Context, key cdc.Key, row cdc.Row) error {
	columns, err := x.checkSchema(row)
	if err != nil {
		return err
	}

	names := make([]string, len(columns))
	params := make([]string, len(columns))
	args := make([]any, len(columns))
	for i, col := range columns {
		names[i] = fmt.Sprintf("[%s]", col)
		params[i] = fmt.Sprintf("@c%d", i)
		args[i] = sql.Named(fmt.Sprintf("c%d", i), row[col])
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		x.target.qualified(), strings.Join(names, ", "), strings.Join(params, ", "))
	if _, err := x.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to insert into %s: %w", x.target.name, err)
	}
	return nil
}

func (x *targetTx) Update(ctx context.Context, key cdc.Key, row cdc.Row) error {
	columns, err := x.checkSchema(row)
	if err != nil {
		return err
	}

	// Key columns identify the row; only the rest are overwritten.
	sets := make([]string, 0, len(columns))
	args := make([]any, 0, len(columns)+len(key))
	for i, col := range columns {
		if _, isKey := key[col]; isKey {
			continue
		}
		sets = append(sets, fmt.Sprintf("[%s] = @c%d", col, i))
		args = append(args, sql.Named(fmt.Sprintf("c%d", i), row[col]))
	}
	if len(sets) == 0 {
		return nil
	}

	where, keyArgs := keyPredicate(key)
	args = append(args, keyArgs...)

	query := fmt.Sprintf("UPDATE %s SET %s WHERE %s",
		x.target.qualified(), strings.Join(sets, ", "), where)
	if _, err := x.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update %s: %w", x.target.name, err)
	}
	return nil
}

func (x *targetTx) Delete(ctx context.Context, key cdc.Key) error {
	where, args := keyPredicate(key)
	query := fmt.Sprintf("DELETE FROM %s WHERE %s", x.target.qualified(), where)
	if _, err := x.tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete from %s: %w", x.target.name, err)
	}
	return nil
}

func (x *targetTx) Commit(_ context.Context) error {
	x.done = true
	return x.tx.Commit()
}

func (x *targetTx) Rollback() error {
	if x.done {
		return nil
	}
	return x.tx.Rollback()
}

// checkSchema rejects staged columns outside the destination schema and
// returns the row's columns in a stable order.
func (x *targetTx) checkSchema(row cdc.Row) ([]string, error) {
	columns := make([]string, 0, len(row))
	for col := range row {
		if len(x.target.columns) > 0 && !x.target.columns[col] {
			return nil, &cdc.SchemaMismatchError{
				Table:  x.target.name,
				Column: col,
				Reason: "column not in target schema",
			}
		}
		columns = append(columns, col)
	}
	sort.Strings(columns)
	return columns, nil
}
