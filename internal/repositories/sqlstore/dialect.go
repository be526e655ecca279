package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"net"
	"strconv"
	"strings"

	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/genfity/fulfillment/internal/repositories"
)

// dialect captures the few places where SQLite and Postgres disagree.
type dialect struct {
	name       string
	driverName string
	// lockSuffix is appended to reads that must hold a row lock until commit.
	lockSuffix string
	numbered   bool
}

var (
	sqliteDialect   = dialect{name: "sqlite", driverName: "sqlite"}
	postgresDialect = dialect{name: "postgres", driverName: "pgx", lockSuffix: " FOR UPDATE", numbered: true}
)

// rebind rewrites ? placeholders to $n for Postgres.
func (d dialect) rebind(query string) string {
	if !d.numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (d dialect) locking(query string) string {
	return d.rebind(query + d.lockSuffix)
}

type sqlState interface {
	SQLState() string
}

// wrapError classifies driver errors into repository semantics.
func wrapError(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	var repoErr repositories.RepositoryError
	if errors.As(err, &repoErr) {
		return err
	}
	return repositories.NewStoreError(op, classify(err), err)
}

func classify(err error) repositories.StoreErrorKind {
	if errors.Is(err, sql.ErrNoRows) {
		return repositories.StoreErrorNotFound
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return repositories.StoreErrorUnavailable
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return repositories.StoreErrorUnavailable
	}

	var pgErr sqlState
	if errors.As(err, &pgErr) {
		code := pgErr.SQLState()
		switch {
		case code == "23505", code == "40001", code == "40P01":
			return repositories.StoreErrorConflict
		case strings.HasPrefix(code, "08"), strings.HasPrefix(code, "57P"), code == "53300":
			return repositories.StoreErrorUnavailable
		}
		return repositories.StoreErrorUnknown
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY, sqlite3.SQLITE_CONSTRAINT_UNIQUE:
			return repositories.StoreErrorConflict
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return repositories.StoreErrorUnavailable
		}
	}
	return repositories.StoreErrorUnknown
}
