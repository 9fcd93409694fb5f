package postgres

import (
	"context"
	"database/sql"
)

// executor abstracts over *sql.DB and *sql.Tx so repositories can run both
// inside and outside an explicit transaction.
type executor interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}
