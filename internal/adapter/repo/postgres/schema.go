// Package postgres provides PostgreSQL database adapters.
//
// It implements repository interfaces for data persistence.
// The package provides type-safe database operations with
// connection pooling and transaction support.
package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// PgxPool is a minimal subset of pgxpool used by the repos for easy testing.
type PgxPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

// Schema qualifies bare table names with an optional configured prefix. It is
// the single place every repo goes through to build a table reference, per
// the external-interfaces requirement that the schema prefix have one home.
type Schema struct{ Prefix string }

// NewSchema constructs a Schema from a (possibly empty) DB_SCHEMA prefix.
func NewSchema(prefix string) Schema { return Schema{Prefix: prefix} }

// Table returns name qualified by the configured schema prefix, e.g.
// "tenant_a.jobs" when Prefix is "tenant_a", or just "jobs" when empty.
func (s Schema) Table(name string) string {
	if s.Prefix == "" {
		return name
	}
	return s.Prefix + "." + name
}
