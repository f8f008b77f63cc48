// Package store implements all database operations for the drop-map server.
package store

import (
	"context"
	"fmt"

	"github.com/dropmaphq/dropmap-server/errors"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres"
	"github.com/jackc/pgconn"
	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/pgxpool"
	"go.uber.org/zap"
)

// Mall implements all database operations.
type Mall struct {
	logger *zap.Logger
	// db is the actual database to perform operations in.
	db *pgxpool.Pool
	// dialect is the SQL dialect for building queries.
	dialect goqu.DialectWrapper
}

// NewMall creates a new Mall using the given database. It uses the PostgreSQL
// dialect for queries.
func NewMall(logger *zap.Logger, db *pgxpool.Pool) *Mall {
	return &Mall{
		logger:  logger,
		db:      db,
		dialect: goqu.Dialect("postgres"),
	}
}

// RunInTx begins a transaction, runs the given function in it and commits. If
// the function returns an error, the transaction is rolled back and the error
// returned unchanged. All claim-affecting operations must run through here so
// that capacity checks and writes share one transaction boundary.
func (m *Mall) RunInTx(ctx context.Context, fn func(ctx context.Context, tx pgx.Tx) error) error {
	tx, err := m.db.Begin(ctx)
	if err != nil {
		return errors.NewDBTxBeginError(err)
	}
	err = fn(ctx, tx)
	if err != nil {
		m.rollbackTx(ctx, tx, err.Error())
		return err
	}
	err = tx.Commit(ctx)
	if err != nil {
		return errors.NewDBTxCommitError(err)
	}
	return nil
}

// rollbackTx rolls back the given pgx.Tx. The encapsulation is needed because
// rolling back might return an error which does not need to be returned but
// definitely logged with the original reason the rollback was performed.
func (m *Mall) rollbackTx(ctx context.Context, tx pgx.Tx, reason string) {
	err := tx.Rollback(ctx)
	if err != nil {
		errors.Log(m.logger, errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindDBRollback,
			Message: "rollback tx",
			Err:     err,
			Details: errors.Details{"rollbackReason": reason},
		})
	}
}

// querier is satisfied by both pgxpool.Pool and pgx.Tx so that read operations
// can run standalone or as part of a claim transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

// runner returns the given pgx.Tx or falls back to the pool when no
// transaction is in progress.
func (m *Mall) runner(tx pgx.Tx) querier {
	if tx != nil {
		return tx
	}
	return m.db
}

// assureOneRowAffectedForNotFound makes sure that exactly one row for the
// given pgconn.CommandTag is affected. If the affected rows do not equal 1, an
// errors.ErrNotFound error is returned with the given details.
func assureOneRowAffectedForNotFound(result pgconn.CommandTag, notFoundMessage, table string, id interface{}, q string) error {
	rowsAffected := int(result.RowsAffected())
	if rowsAffected != 1 {
		return errors.NewResourceNotFoundError(notFoundMessage, errors.Details{
			"table":        table,
			"id":           id,
			"query":        q,
			"rowsAffected": rowsAffected,
		})
	}
	return nil
}

// assureNRowsAffected assures that the given amount of rows are affected in
// the pgconn.CommandTag. If the affected row count does not match the expected
// one, an errors.ErrInternal with kind errors.KindWrongRowsAffected is
// returned.
func assureNRowsAffected(result pgconn.CommandTag, n int) error {
	rowsAffected := int(result.RowsAffected())
	if rowsAffected != n {
		return errors.Error{
			Code:    errors.ErrInternal,
			Kind:    errors.KindWrongRowsAffected,
			Message: fmt.Sprintf("expected %d affected rows but got %d", n, rowsAffected),
			Details: errors.Details{
				"expectedAffectedRows": n,
				"actualAffectedRows":   rowsAffected,
			},
		}
	}
	return nil
}
