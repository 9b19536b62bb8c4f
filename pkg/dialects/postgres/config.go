// Package postgres provides the PostgreSQL SQL dialect definition.
// This package is pure Go with no database driver dependencies.
package postgres

import (
	sq "github.com/Masterminds/squirrel"

	"github.com/leapstack-labs/leapcube/pkg/dialect"
)

// Config is the PostgreSQL dialect configuration.
var Config = dialect.Config{
	Name:                "postgres",
	DefaultSchema:       "public",
	Quote:               `"`,
	QuoteEnd:            `"`,
	Escape:              `""`,
	MaxIdentifierLength: 63,
	Placeholder:         sq.Dollar,
}
