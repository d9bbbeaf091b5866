package sqlstore

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/blackmichael/bbs/internal/domain"
)

// IsUnavailable reports whether err is a store failure that may succeed on
// retry: lost connections, server shutdown, serialization failures and
// deadlocks, or a busy SQLite database.
func IsUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "57P01", pqErr.Code == "57P02", pqErr.Code == "57P03":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return true
		}
		return false
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

// IsConstraintViolation reports whether err was raised by a schema
// constraint: foreign key, unique, not null or check.
func IsConstraintViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Class() == "23"
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		return liteErr.Code()&0xff == sqlite3.SQLITE_CONSTRAINT
	}
	return false
}

// classify tags driver errors with the matching domain sentinel so callers
// outside this package can branch on them.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case IsUnavailable(err):
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	case IsConstraintViolation(err):
		return fmt.Errorf("%w: %w", domain.ErrConstraintViolation, err)
	}
	return err
}
