// Package sqlite is the embedded persistence backend for the BizCoin ledger.
// It stores wallets, the transaction log, milestone definitions and
// milestone notified state in one SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	msqlite "modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// FileName is the database file created inside the data directory.
const FileName = "bizcoin.db"

// timeLayout is how timestamps are stored (TEXT columns, sortable).
const timeLayout = time.RFC3339Nano

// DB is the SQLite-backed domain.Store.
//
// SQLite has a single writer. Transactions begin IMMEDIATE so the write
// lock is taken up front, which serializes every ledger mutation and makes
// the read-check-write in a ledger transaction race free.
type DB struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

var _ domain.Store = (*DB)(nil)

// Open opens (creating if needed) the database in dir and applies migrations.
func Open(dir string) (*DB, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	path := filepath.Join(dir, FileName)

	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=foreign_keys(1)" +
		"&_txlock=immediate"

	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One connection: SQLite serializes writers anyway, and this keeps
	// concurrent callers queued on the pool instead of failing with BUSY.
	sqlDB.SetMaxOpenConns(1)

	db := &DB{db: sqlDB, path: path, now: time.Now}
	if err := db.migrate(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Path returns the database file path.
func (db *DB) Path() string { return db.path }

// Close closes the underlying database.
func (db *DB) Close() error { return db.db.Close() }

func (db *DB) migrate() error {
	stmts := append(LedgerMigrations(), MilestoneMigrations()...)
	for _, stmt := range stmts {
		if _, err := db.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn inside one IMMEDIATE transaction. Any error from fn, a
// cancelled context, or a failed commit leaves the database untouched.
func (db *DB) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	tx, err := db.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.NewStorageError("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
		if err != nil {
			tx.Rollback()
		}
	}()

	if err = fn(&ledgerTx{tx: tx, now: db.now}); err != nil {
		return err
	}
	if err = tx.Commit(); err != nil {
		return domain.NewStorageError("commit", err)
	}
	return nil
}

// isUniqueViolation reports a UNIQUE constraint failure.
func isUniqueViolation(err error) bool {
	var se *msqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	if se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE {
		return true
	}
	// Primary result code only when extended codes are off.
	return se.Code()&0xff == sqlite3.SQLITE_CONSTRAINT && strings.Contains(se.Error(), "UNIQUE")
}

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
