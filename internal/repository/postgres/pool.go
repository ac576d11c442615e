// Package postgres contains PostgreSQL implementations of repository interfaces.
package postgres

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/blake2b"

	"github.com/and161185/polycentric-server/internal/errs"
	"github.com/and161185/polycentric-server/internal/identity"
	"github.com/and161185/polycentric-server/internal/model"
	"github.com/and161185/polycentric-server/internal/moderation"
	"github.com/and161185/polycentric-server/internal/protocol"
)

// PgxPool is a minimal abstraction over a Postgres connection pool,
// used by repositories. It is implemented by *pgxpool.Pool and pgxmock.PgxPoolIface.
type PgxPool interface {
	// Exec executes a SQL command and returns the command tag.
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	// Query executes a SELECT and returns a rows iterator.
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	// QueryRow executes a query expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	// BeginTx starts a transaction with the provided options.
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
	// Close shuts down the pool and frees resources.
	Close()
}

// DB wraps pgxpool.Pool to satisfy repository constructors and allow testing.
type DB struct{ Pool PgxPool }

// New creates a new connection pool for the given DSN.
func New(ctx context.Context, dsn string) (*DB, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}
	return &DB{Pool: pool}, nil
}

// Close closes the underlying pool.
func (db *DB) Close() { db.Pool.Close() }

// isUniqueViolation reports whether the error is a unique constraint violation.
func isUniqueViolation(err error) bool {
	var pg *pgconn.PgError
	return errors.As(err, &pg) && pg.Code == "23505"
}

// inTx runs fn in a transaction, committing when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx pgx.Tx) error) (err error) {
	tx, err := db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(ctx)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = e
		}
	}()
	return fn(tx)
}

// systemLockKey derives the advisory lock id serializing ingestion per system.
func systemLockKey(pk identity.PublicKey) int64 {
	h, _ := blake2b.New(8, nil)
	var kt [8]byte
	binary.BigEndian.PutUint64(kt[:], pk.KeyType)
	h.Write(kt[:])
	h.Write(pk.Key)
	return int64(binary.BigEndian.Uint64(h.Sum(nil)))
}

// sqlClock converts a protocol clock to a BIGINT column value.
func sqlClock(v uint64) (int64, error) {
	if v > math.MaxInt64 {
		return 0, fmt.Errorf("logical clock %d out of range: %w", v, errs.ErrMalformed)
	}
	return int64(v), nil
}

// clampClock converts a query bound, saturating at the largest storable clock.
func clampClock(v uint64) int64 {
	if v > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(v)
}

func optInt64(v *uint64) *int64 {
	if v == nil {
		return nil
	}
	out := clampClock(*v)
	return &out
}

// argList numbers positional parameters as clauses are appended.
type argList struct{ vals []any }

func (a *argList) add(v any) string {
	a.vals = append(a.vals, v)
	return fmt.Sprintf("$%d", len(a.vals))
}

func (a *argList) moderation(p moderation.Policy, column string) string {
	sql, args := p.Predicate(column, len(a.vals))
	a.vals = append(a.vals, args...)
	return sql
}

func scanEvents(rows pgx.Rows) ([]model.SignedEvent, error) {
	defer rows.Close()
	var out []model.SignedEvent
	for rows.Next() {
		var raw, sig []byte
		if err := rows.Scan(&raw, &sig); err != nil {
			return nil, err
		}
		se, err := protocol.LoadStoredEvent(raw, sig)
		if err != nil {
			return nil, fmt.Errorf("stored event: %w", err)
		}
		out = append(out, se)
	}
	return out, rows.Err()
}

func (db *DB) queryEvents(ctx context.Context, q string, args ...any) ([]model.SignedEvent, error) {
	rows, err := db.Pool.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	return scanEvents(rows)
}
