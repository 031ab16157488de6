package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tracksync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_Valid(t *testing.T) {
	path := writeConfig(t, `
source:
  dsn: sqlserver://sa:pw@localhost:1433?database=people
tables:
  - name: Birthdays
    targetTable: BirthdaysDerived
    keyColumns: [ID]
    columns:
      - name: ID
      - name: Birthday
        default: "1900-01-01"
      - name: Cake
polling:
  interval: 10s
  max_interval: 2m
  timeout: 30s
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "dbo", cfg.Source.Schema)
	assert.Equal(t, "sync_versions", cfg.Ledger.Table)
	assert.Equal(t, "process", cfg.Lock.Type)

	require.Len(t, cfg.Tables, 1)
	table := cfg.Tables[0]
	assert.Equal(t, "BirthdaysDerived", table.TargetTable)
	assert.Equal(t, []string{"ID", "Birthday", "Cake"}, table.ColumnNames())
	assert.Equal(t, "1900-01-01", table.Defaults()["Birthday"])

	interval, err := cfg.Polling.GetInterval()
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, interval)

	timeout, err := cfg.Polling.GetTimeout()
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, timeout)
}

func TestLoadConfig_DefaultsApplied(t *testing.T) {
	path := writeConfig(t, `
source:
  dsn: sqlserver://localhost
tables:
  - name: Orders
    keyColumns: [OrderID]
    columns:
      - name: OrderID
      - name: Total
`)

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "Orders", cfg.Tables[0].TargetTable)
	assert.Equal(t, "5s", cfg.Polling.Interval)
	assert.Equal(t, "5m", cfg.Polling.MaxInterval)

	timeout, err := cfg.Polling.GetTimeout()
	require.NoError(t, err)
	assert.Zero(t, timeout)
}

func TestLoadConfig_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "missing dsn",
			body: "tables:\n  - name: T\n    keyColumns: [ID]\n    columns:\n      - name: ID\n",
			want: "source.dsn is required",
		},
		{
			name: "no tables",
			body: "source:\n  dsn: sqlserver://localhost\n",
			want: "at least one table is required",
		},
		{
			name: "missing key columns",
			body: "source:\n  dsn: sqlserver://localhost\ntables:\n  - name: T\n    columns:\n      - name: ID\n",
			want: "must define keyColumns",
		},
		{
			name: "missing columns",
			body: "source:\n  dsn: sqlserver://localhost\ntables:\n  - name: T\n    keyColumns: [ID]\n",
			want: "must define columns",
		},
		{
			name: "blob lock without connection string",
			body: "source:\n  dsn: sqlserver://localhost\nlock:\n  type: azure_blob\ntables:\n  - name: T\n    keyColumns: [ID]\n    columns:\n      - name: ID\n",
			want: "lock.connection_string is required",
		},
		{
			name: "bad interval",
			body: "source:\n  dsn: sqlserver://localhost\npolling:\n  interval: soon\ntables:\n  - name: T\n    keyColumns: [ID]\n    columns:\n      - name: ID\n",
			want: "invalid polling.interval",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadConfig(writeConfig(t, tc.body))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}
