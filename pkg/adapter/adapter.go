// Package adapter defines how compiled queries are executed against a
// database.
//
// The compiler itself issues no I/O. An Adapter runs the SQL and params of
// a compiled query and returns its rows. Concrete adapters live in
// pkg/adapters and register themselves in init().
package adapter

import (
	"context"
)

// Config selects and configures an adapter.
type Config struct {
	// Type is the registered adapter name (duckdb, postgres).
	Type string `koanf:"type"`
	// Path is the DuckDB database file. Empty means in-memory.
	Path string `koanf:"path"`

	Host     string `koanf:"host"`
	Port     int    `koanf:"port"`
	Database string `koanf:"database"`
	Username string `koanf:"username"`
	Password string `koanf:"password"`
	// Options are driver connection options such as sslmode.
	Options map[string]string `koanf:"options"`
	// Params holds adapter specific settings, decoded by the adapter.
	Params map[string]any `koanf:"params"`
}

// Result holds the rows of one query, fully read.
type Result struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// Maps returns the rows keyed by column name.
func (r *Result) Maps() []map[string]any {
	out := make([]map[string]any, len(r.Rows))
	for i, row := range r.Rows {
		m := make(map[string]any, len(r.Columns))
		for j, col := range r.Columns {
			m[col] = row[j]
		}
		out[i] = m
	}
	return out
}

// Adapter executes SQL against one database connection.
type Adapter interface {
	// Connect establishes a connection to the database using the provided config.
	Connect(ctx context.Context, cfg Config) error

	// Close closes the database connection and releases resources.
	Close() error

	// Exec executes a statement that doesn't return rows, such as a
	// pre-aggregation load.
	Exec(ctx context.Context, sql string, params ...any) error

	// Query executes a statement and reads all of its rows.
	Query(ctx context.Context, sql string, params ...any) (*Result, error)

	// DialectName names the SQL dialect queries must be compiled for.
	DialectName() string
}

// CSVLoader is implemented by adapters that can load a CSV file with a
// header row into a table, replacing it.
type CSVLoader interface {
	LoadCSV(ctx context.Context, tableName, filePath string) error
}
