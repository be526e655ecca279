// Package sqlstore implements the ledger store on database/sql, backed by SQLite for local runs and
// tests or by Postgres through pgx.
package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v4/stdlib"
	_ "modernc.org/sqlite"

	domain "github.com/genfity/fulfillment/internal/domain"
	"github.com/genfity/fulfillment/internal/repositories"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Store is a relational repositories.LedgerStore.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ repositories.LedgerStore = (*Store)(nil)

// Options tune the connection pool.
type Options struct {
	MaxOpenConns int
}

// Open connects to the database and bootstraps the schema.
func Open(ctx context.Context, driver, dsn string, opts Options) (*Store, error) {
	var d dialect
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite:
		d = sqliteDialect
	case DriverPostgres, "pgx":
		d = postgresDialect
	default:
		return nil, fmt.Errorf("sqlstore: unsupported driver %q", driver)
	}
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("sqlstore: dsn is required")
	}

	db, err := sql.Open(d.driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", d.name, err)
	}
	if d.name == DriverSQLite {
		// SQLite allows one writer; a single connection serialises transactions and keeps
		// in-memory databases alive.
		db.SetMaxOpenConns(1)
		db.SetMaxIdleConns(1)
		db.SetConnMaxLifetime(0)
	} else if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	store := &Store{db: db, dialect: d}
	if err := store.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return wrapError("sqlstore.migrate", err)
		}
	}
	return nil
}

// RunInTx implements repositories.LedgerStore. Errors returned by fn are passed through untouched.
func (s *Store) RunInTx(ctx context.Context, fn func(ctx context.Context, tx repositories.LedgerTx) error) (err error) {
	if fn == nil {
		return errors.New("sqlstore: transaction function is nil")
	}
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wrapError("sqlstore.begin", err)
	}
	defer func() {
		if err != nil {
			_ = sqlTx.Rollback()
		}
	}()

	if err = fn(ctx, &ledgerTx{tx: sqlTx, dialect: s.dialect}); err != nil {
		return err
	}
	if err = sqlTx.Commit(); err != nil {
		return wrapError("sqlstore.commit", err)
	}
	return nil
}

// ListExpirable implements repositories.LedgerStore.
func (s *Store) ListExpirable(ctx context.Context, query repositories.ExpirableQuery) ([]domain.Transaction, error) {
	var (
		where = []string{"status IN (?, ?)", "created_at < ?"}
		args  = []any{string(domain.TransactionStatusCreated), string(domain.TransactionStatusPending), query.CreatedBefore.UnixNano()}
	)
	if !query.AfterCreatedAt.IsZero() || query.AfterID != "" {
		after := query.AfterCreatedAt.UnixNano()
		where = append(where, "(created_at > ? OR (created_at = ? AND id > ?))")
		args = append(args, after, after, query.AfterID)
	}
	stmt := "SELECT " + transactionColumns + " FROM transactions WHERE " + strings.Join(where, " AND ") + " ORDER BY created_at, id"
	if query.Limit > 0 {
		stmt += " LIMIT ?"
		args = append(args, query.Limit)
	}

	rows, err := s.db.QueryContext(ctx, s.dialect.rebind(stmt), args...)
	if err != nil {
		return nil, wrapError("sqlstore.expirable", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		txn, err := scanTransaction(rows)
		if err != nil {
			return nil, wrapError("sqlstore.expirable.scan", err)
		}
		out = append(out, txn)
	}
	return out, wrapError("sqlstore.expirable", rows.Err())
}

const expireStmt = `UPDATE transactions SET status = ?, expired_at = ?, updated_at = ?
WHERE id = ? AND status IN (?, ?) AND created_at < ?
AND NOT EXISTS (SELECT 1 FROM payments p WHERE p.transaction_id = transactions.id AND p.status = ?)`

// ExpireIfUnpaid implements repositories.LedgerStore with one conditional UPDATE, so the predicate
// and the write are atomic without an explicit transaction.
func (s *Store) ExpireIfUnpaid(ctx context.Context, transactionID string, cutoff time.Time, now time.Time) (bool, error) {
	const op = "sqlstore.expire"
	res, err := s.db.ExecContext(ctx, s.dialect.rebind(expireStmt),
		string(domain.TransactionStatusExpired), now.UnixNano(), now.UnixNano(),
		transactionID,
		string(domain.TransactionStatusCreated), string(domain.TransactionStatusPending),
		cutoff.UnixNano(),
		string(domain.PaymentStatusPaid),
	)
	if err != nil {
		return false, wrapError(op, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, wrapError(op, err)
	}
	if affected > 0 {
		return true, nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, s.dialect.rebind("SELECT 1 FROM transactions WHERE id = ?"), transactionID).Scan(&exists)
	if err != nil {
		return false, wrapError(op, err)
	}
	return false, nil
}

// Ping implements repositories.LedgerStore.
func (s *Store) Ping(ctx context.Context) error {
	return wrapError("sqlstore.ping", s.db.PingContext(ctx))
}

// Close implements repositories.LedgerStore.
func (s *Store) Close(context.Context) error {
	return s.db.Close()
}
