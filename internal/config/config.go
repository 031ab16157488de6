package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the engine configuration, loaded from a YAML file.
type Config struct {
	Source  SourceConfig  `yaml:"source"`
	Target  TargetConfig  `yaml:"target"`
	Ledger  LedgerConfig  `yaml:"ledger"`
	Lock    LockConfig    `yaml:"lock"`
	Polling PollingConfig `yaml:"polling"`
	Tables  []TableConfig `yaml:"tables"`
}

// SourceConfig identifies the tracked source database.
type SourceConfig struct {
	DSN    string `yaml:"dsn"`    // SQL Server connection string
	Schema string `yaml:"schema"` // defaults to dbo
}

// TargetConfig identifies the destination database. When DSN is empty the
// source connection is reused.
type TargetConfig struct {
	DSN    string `yaml:"dsn"`
	Schema string `yaml:"schema"`
}

// LedgerConfig controls watermark persistence.
type LedgerConfig struct {
	// Table is the name of the watermark table. Defaults to sync_versions.
	Table string `yaml:"table"`
}

// LockConfig configures per-table mutual exclusion across processes.
type LockConfig struct {
	Type             string `yaml:"type"`              // "process" (default) or "azure_blob"
	ConnectionString string `yaml:"connection_string"` // lock provider connection string
	ContainerName    string `yaml:"container_name"`    // container holding lock blobs
}

// PollingConfig holds the cycle cadence for the table monitors. Intervals are
// duration strings (e.g. "5s", "2m").
type PollingConfig struct {
	Interval    string `yaml:"interval"`
	MaxInterval string `yaml:"max_interval"`
	// Timeout bounds a single sync cycle. Empty means no bound.
	Timeout string `yaml:"timeout"`
}

// GetInterval returns the Interval as a time.Duration.
func (p *PollingConfig) GetInterval() (time.Duration, error) {
	return time.ParseDuration(p.Interval)
}

// GetMaxInterval returns the MaxInterval as a time.Duration.
func (p *PollingConfig) GetMaxInterval() (time.Duration, error) {
	return time.ParseDuration(p.MaxInterval)
}

// GetTimeout returns the cycle timeout, or zero when unset.
func (p *PollingConfig) GetTimeout() (time.Duration, error) {
	if p.Timeout == "" {
		return 0, nil
	}
	return time.ParseDuration(p.Timeout)
}

// TableConfig describes one tracked table and its destination shape.
type TableConfig struct {
	Name        string         `yaml:"name"`
	TargetTable string         `yaml:"targetTable"` // defaults to Name
	KeyColumns  []string       `yaml:"keyColumns"`
	Columns     []ColumnConfig `yaml:"columns"`
}

// ColumnConfig names a destination column. The listed columns are the
// projection allow-list: source columns not listed never reach the target.
// Default replaces null source values before staging.
type ColumnConfig struct {
	Name    string `yaml:"name"`
	Default string `yaml:"default"`
}

// ColumnNames returns the destination column names in declaration order.
func (t *TableConfig) ColumnNames() []string {
	names := make([]string, len(t.Columns))
	for i, c := range t.Columns {
		names[i] = c.Name
	}
	return names
}

// Defaults returns the per-column null replacement values.
func (t *TableConfig) Defaults() map[string]any {
	defaults := make(map[string]any, len(t.Columns))
	for _, c := range t.Columns {
		defaults[c.Name] = c.Default
	}
	return defaults
}

// LoadConfig reads and validates the configuration at path.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Source.Schema == "" {
		c.Source.Schema = "dbo"
	}
	if c.Target.Schema == "" {
		c.Target.Schema = c.Source.Schema
	}
	if c.Ledger.Table == "" {
		c.Ledger.Table = "sync_versions"
	}
	if c.Lock.Type == "" {
		c.Lock.Type = "process"
	}
	if c.Polling.Interval == "" {
		c.Polling.Interval = "5s"
	}
	if c.Polling.MaxInterval == "" {
		c.Polling.MaxInterval = "5m"
	}
	for i := range c.Tables {
		if c.Tables[i].TargetTable == "" {
			c.Tables[i].TargetTable = c.Tables[i].Name
		}
	}
}

func (c *Config) validate() error {
	if c.Source.DSN == "" {
		return errors.New("source.dsn is required")
	}
	if len(c.Tables) == 0 {
		return errors.New("at least one table is required")
	}
	for _, table := range c.Tables {
		if table.Name == "" {
			return errors.New("table.name is required")
		}
		if len(table.KeyColumns) == 0 {
			return fmt.Errorf("table %s must define keyColumns", table.Name)
		}
		if len(table.Columns) == 0 {
			return fmt.Errorf("table %s must define columns", table.Name)
		}
	}
	if c.Lock.Type == "azure_blob" {
		if c.Lock.ConnectionString == "" {
			return errors.New("lock.connection_string is required for azure_blob locking")
		}
		if c.Lock.ContainerName == "" {
			return errors.New("lock.container_name is required for azure_blob locking")
		}
	}
	if _, err := c.Polling.GetInterval(); err != nil {
		return fmt.Errorf("invalid polling.interval: %w", err)
	}
	if _, err := c.Polling.GetMaxInterval(); err != nil {
		return fmt.Errorf("invalid polling.max_interval: %w", err)
	}
	if _, err := c.Polling.GetTimeout(); err != nil {
		return fmt.Errorf("invalid polling.timeout: %w", err)
	}
	return nil
}
