// Package postgres is the server-grade persistence backend for the BizCoin
// ledger, built on a pgx connection pool.
//
// Writers lock the wallet row with SELECT ... FOR UPDATE and the update is
// additionally guarded by the wallet version, so a lost update surfaces as
// a storage error instead of silently corrupting the balance.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// Config tunes the connection pool.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
}

// DB is the PostgreSQL-backed domain.Store.
type DB struct {
	pool *pgxpool.Pool
}

var _ domain.Store = (*DB)(nil)

// Open connects, pings and applies migrations.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	db := &DB{pool: pool}
	if err := db.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return db, nil
}

// Close releases the pool.
func (db *DB) Close() error {
	db.pool.Close()
	return nil
}

// Migrations returns the schema statements, in order.
func Migrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			student_id      TEXT        NOT NULL,
			classroom_id    TEXT        NOT NULL,
			current_balance BIGINT      NOT NULL DEFAULT 0 CHECK (current_balance >= 0),
			total_earned    BIGINT      NOT NULL DEFAULT 0 CHECK (total_earned >= 0),
			total_spent     BIGINT      NOT NULL DEFAULT 0 CHECK (total_spent >= 0),
			version         BIGINT      NOT NULL DEFAULT 0,
			updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (student_id, classroom_id)
		)`,
		`CREATE TABLE IF NOT EXISTS transactions (
			id              BIGSERIAL   PRIMARY KEY,
			student_id      TEXT        NOT NULL,
			classroom_id    TEXT        NOT NULL,
			amount          BIGINT      NOT NULL CHECK (amount <> 0),
			type            TEXT        NOT NULL,
			category        TEXT        NOT NULL,
			description     TEXT        NOT NULL DEFAULT '',
			reference       TEXT        NOT NULL DEFAULT '',
			idempotency_key TEXT,
			balance_after   BIGINT      NOT NULL CHECK (balance_after >= 0),
			created_at      TIMESTAMPTZ NOT NULL,
			UNIQUE (classroom_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_wallet ON transactions (classroom_id, student_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_classroom ON wallets (classroom_id)`,
		`CREATE TABLE IF NOT EXISTS milestones (
			id           TEXT        PRIMARY KEY,
			classroom_id TEXT        NOT NULL,
			student_id   TEXT        NOT NULL DEFAULT '',
			metric       TEXT        NOT NULL,
			threshold    BIGINT      NOT NULL CHECK (threshold > 0),
			title        TEXT        NOT NULL,
			bonus        BIGINT      NOT NULL DEFAULT 0 CHECK (bonus >= 0),
			created_at   TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_milestones_classroom ON milestones (classroom_id)`,
		`CREATE TABLE IF NOT EXISTS milestone_notifications (
			student_id   TEXT        NOT NULL,
			classroom_id TEXT        NOT NULL,
			milestone_id TEXT        NOT NULL,
			notified_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (student_id, classroom_id, milestone_id)
		)`,
	}
}

func (db *DB) migrate(ctx context.Context) error {
	for _, stmt := range Migrations() {
		if _, err := db.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// InTx runs fn in one READ COMMITTED transaction.
func (db *DB) InTx(ctx context.Context, fn func(tx domain.LedgerTx) error) (err error) {
	tx, err := db.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return domain.NewStorageError("begin", err)
	}
	defer func() {
		if p := recover(); p != nil {
			tx.Rollback(context.WithoutCancel(ctx))
			panic(p)
		}
		if err != nil {
			tx.Rollback(context.WithoutCancel(ctx))
		}
	}()

	if err = fn(&ledgerTx{tx: tx}); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return domain.NewStorageError("commit", err)
	}
	return nil
}

// isUniqueViolation reports SQLSTATE 23505.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
