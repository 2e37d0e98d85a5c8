package database

import (
	"context"
	"database/sql"

	"github.com/jmoiron/sqlx"
)

// Executor is the query surface shared by DB and Tx. Repositories resolve an
// Executor per call so statements join a context-bound transaction when one is
// open.
type Executor interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	QueryxContext(ctx context.Context, query string, args ...any) (*sqlx.Rows, error)
	Rebind(query string) string
}

// ExecutorFromContext returns the open transaction bound to ctx, or db when no
// transaction is present.
func ExecutorFromContext(ctx context.Context, db DB) Executor {
	tx, ok := ctx.Value(txKey).(Tx)
	if ok && tx != nil && tx.IsOpen() {
		status, ok := ctx.Value(txStatusKey).(string)
		if ok && status == "open" {
			return tx
		}
	}
	return db
}
