package sqlstore

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"github.com/blackmichael/bbs/internal/domain"
)

// Options tunes the connection pool.
type Options struct {
	MaxOpenConns int
}

// Store is the relational store backing the pipeline and the read model.
// It speaks PostgreSQL through lib/pq and SQLite through modernc.org/sqlite.
type Store struct {
	db      *sql.DB
	dialect dialect
}

var _ domain.Store = (*Store)(nil)

// Open connects to the database named by dsn, verifies the connection and
// applies pending migrations. The caller should call Close when the store
// is no longer needed.
func Open(ctx context.Context, dsn string, opts Options) (*Store, error) {
	d, driverName, source, err := parseDSN(dsn)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, source)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	switch {
	case d == dialectSQLite:
		// A single writer avoids SQLITE_BUSY between pooled connections.
		db.SetMaxOpenConns(1)
	case opts.MaxOpenConns > 0:
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if err := applyMigrations(ctx, db, d); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply migrations: %w", err)
	}

	return &Store{db: db, dialect: d}, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Dialect returns "postgres" or "sqlite".
func (s *Store) Dialect() string {
	return s.dialect.String()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return classify(s.db.PingContext(ctx))
}

// WithTx runs fn in a read-committed transaction. Driver errors are tagged
// with domain.ErrStoreUnavailable or domain.ErrConstraintViolation.
func (s *Store) WithTx(ctx context.Context, fn func(tx domain.Tx) error) error {
	var opts *sql.TxOptions
	if s.dialect == dialectPostgres {
		opts = &sql.TxOptions{Isolation: sql.LevelReadCommitted}
	}

	tx, err := s.db.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", classify(err))
	}
	defer tx.Rollback()

	if err := fn(&sqlTx{tx: tx, dialect: s.dialect}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", classify(err))
	}
	return nil
}

// Cursor retrieves the stored cursor for a subscription.
func (s *Store) Cursor(ctx context.Context, sub domain.SubscriptionID) (domain.Cursor, bool, error) {
	return scanCursor(s.db.QueryRowContext(ctx, s.dialect.rebind(selectCursor), string(sub)))
}

// Backfill retrieves the persisted backfill progress for a subscription.
func (s *Store) Backfill(ctx context.Context, sub domain.SubscriptionID) (domain.BackfillState, bool, error) {
	return scanBackfill(s.db.QueryRowContext(ctx, s.dialect.rebind(selectBackfill), string(sub)))
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// affected returns the row count of an exec, classifying a driver that
// fails to report one.
func affected(res sql.Result) (int64, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return 0, classify(err)
	}
	return n, nil
}

// nullBytes passes JSON as text so postgres can cast it to jsonb.
func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: b != nil}
}
