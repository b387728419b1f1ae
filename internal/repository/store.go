package repository

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBTX is the subset of pgx both a pool and a transaction satisfy.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Queries runs SQL against a DBTX. Use WithTx to scope all queries to one
// transaction.
type Queries struct {
	db DBTX
}

// New creates a Queries instance backed by the given pool or transaction.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a copy of Queries scoped to the transaction.
func (q *Queries) WithTx(tx pgx.Tx) *Queries {
	return &Queries{db: tx}
}

// Store combines the query surface with transaction control.
type Store struct {
	*Queries
	pool *pgxpool.Pool
}

// NewStore creates a Store over a pgx connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{Queries: New(pool), pool: pool}
}

// InTx runs fn inside a transaction. Any error or panic rolls the whole
// transaction back; no partial writes survive.
func (s *Store) InTx(ctx context.Context, fn func(Querier) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// ErrDuplicateKey is returned by MemoryStore when a unique constraint would be
// violated. IsUniqueViolation recognizes both it and the real SQLSTATE.
var ErrDuplicateKey = errors.New("duplicate key value violates unique constraint")

// IsUniqueViolation reports whether err is a unique-constraint violation,
// either Postgres SQLSTATE 23505 or the in-memory equivalent.
func IsUniqueViolation(err error) bool {
	if errors.Is(err, ErrDuplicateKey) {
		return true
	}
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
