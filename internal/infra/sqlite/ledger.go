package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// ─── Ledger Schema ──────────────────────────────────────────────────────────

// LedgerMigrations returns the wallet and transaction log schema.
// Each string is a single SQL statement (SQLite executes one at a time).
func LedgerMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS wallets (
			student_id      TEXT NOT NULL,
			classroom_id    TEXT NOT NULL,
			current_balance INTEGER NOT NULL DEFAULT 0 CHECK(current_balance >= 0),
			total_earned    INTEGER NOT NULL DEFAULT 0 CHECK(total_earned >= 0),
			total_spent     INTEGER NOT NULL DEFAULT 0 CHECK(total_spent >= 0),
			version         INTEGER NOT NULL DEFAULT 0,
			updated_at      TEXT NOT NULL,
			PRIMARY KEY (student_id, classroom_id)
		)`,

		// Append-only: the application never issues UPDATE or DELETE here.
		`CREATE TABLE IF NOT EXISTS transactions (
			id              INTEGER PRIMARY KEY AUTOINCREMENT,
			student_id      TEXT NOT NULL,
			classroom_id    TEXT NOT NULL,
			amount          INTEGER NOT NULL CHECK(amount != 0),
			type            TEXT NOT NULL,
			category        TEXT NOT NULL,
			description     TEXT NOT NULL DEFAULT '',
			reference       TEXT NOT NULL DEFAULT '',
			idempotency_key TEXT,
			balance_after   INTEGER NOT NULL CHECK(balance_after >= 0),
			created_at      TEXT NOT NULL,
			UNIQUE(classroom_id, idempotency_key)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tx_wallet ON transactions(classroom_id, student_id, id DESC)`,
		`CREATE INDEX IF NOT EXISTS idx_wallets_classroom ON wallets(classroom_id)`,
	}
}

// ─── Reads ──────────────────────────────────────────────────────────────────

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

const walletColumns = `student_id, classroom_id, current_balance, total_earned, total_spent, version, updated_at`

const txColumns = `id, student_id, classroom_id, amount, type, category, description,
	reference, idempotency_key, balance_after, created_at`

func getWallet(ctx context.Context, q queryer, key domain.WalletKey) (domain.Wallet, error) {
	var (
		w       domain.Wallet
		updated string
	)
	err := q.QueryRowContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets WHERE student_id = ? AND classroom_id = ?
	`, key.StudentID, key.ClassroomID).Scan(
		&w.StudentID, &w.ClassroomID, &w.CurrentBalance, &w.TotalEarned,
		&w.TotalSpent, &w.Version, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.NewWallet(key), nil
	}
	if err != nil {
		return domain.Wallet{}, domain.NewStorageError("get wallet", err)
	}
	w.UpdatedAt = parseTime(updated)
	return w, nil
}

func listTransactions(ctx context.Context, q queryer, key domain.WalletKey, beforeID int64, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.QueryContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE classroom_id = ? AND student_id = ? AND (? = 0 OR id < ?)
		ORDER BY id DESC LIMIT ?
	`, key.ClassroomID, key.StudentID, beforeID, beforeID, limit)
	if err != nil {
		return nil, domain.NewStorageError("list transactions", err)
	}
	defer rows.Close()

	var out []domain.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, domain.NewStorageError("scan transaction", err)
		}
		out = append(out, tx)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list transactions", err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTransaction(s scanner) (domain.Transaction, error) {
	var (
		tx      domain.Transaction
		typ     string
		idemKey sql.NullString
		created string
	)
	err := s.Scan(&tx.ID, &tx.StudentID, &tx.ClassroomID, &tx.Amount, &typ,
		&tx.Category, &tx.Description, &tx.Reference, &idemKey,
		&tx.BalanceAfter, &created)
	if err != nil {
		return tx, err
	}
	tx.Type = domain.TxType(typ)
	tx.IdempotencyKey = idemKey.String
	tx.Timestamp = parseTime(created)
	return tx, nil
}

// GetBalance returns the wallet for key, zero-initialized if absent.
func (db *DB) GetBalance(ctx context.Context, key domain.WalletKey) (domain.Wallet, error) {
	return getWallet(ctx, db.db, key)
}

// ListTransactions returns a page of the wallet's log, newest first.
func (db *DB) ListTransactions(ctx context.Context, key domain.WalletKey, beforeID int64, limit int) ([]domain.Transaction, error) {
	return listTransactions(ctx, db.db, key, beforeID, limit)
}

// ListWallets returns the classroom's wallets ranked by metric.
func (db *DB) ListWallets(ctx context.Context, classroomID string, metric domain.LeaderboardMetric, limit int) ([]domain.Wallet, error) {
	if !metric.Valid() {
		return nil, &domain.ValidationError{Field: "metric", Reason: "cannot rank by " + string(metric)}
	}
	// metric is one of two known column names.
	rows, err := db.db.QueryContext(ctx, `
		SELECT `+walletColumns+`
		FROM wallets WHERE classroom_id = ?
		ORDER BY `+string(metric)+` DESC, student_id ASC LIMIT ?
	`, classroomID, limit)
	if err != nil {
		return nil, domain.NewStorageError("list wallets", err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		var (
			w       domain.Wallet
			updated string
		)
		if err := rows.Scan(&w.StudentID, &w.ClassroomID, &w.CurrentBalance, &w.TotalEarned,
			&w.TotalSpent, &w.Version, &updated); err != nil {
			return nil, domain.NewStorageError("scan wallet", err)
		}
		w.UpdatedAt = parseTime(updated)
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list wallets", err)
	}
	return out, nil
}

// ─── Transactional Operations ───────────────────────────────────────────────

type ledgerTx struct {
	tx  *sql.Tx
	now func() time.Time
}

// Wallet reads the wallet. The IMMEDIATE transaction already holds the
// database write lock, so the value cannot change before commit.
func (t *ledgerTx) Wallet(ctx context.Context, key domain.WalletKey) (domain.Wallet, error) {
	return getWallet(ctx, t.tx, key)
}

// MarkNotified records the milestone notification inside the transaction.
func (t *ledgerTx) MarkNotified(ctx context.Context, key domain.WalletKey, milestoneID string) (bool, error) {
	return markNotified(ctx, t.tx, key, milestoneID, t.now())
}

// ApplyDelta adjusts the wallet by a signed amount, creating the row on
// first use.
func (t *ledgerTx) ApplyDelta(ctx context.Context, key domain.WalletKey, amount int64) (domain.Wallet, error) {
	if err := key.Validate(); err != nil {
		return domain.Wallet{}, err
	}
	current, err := getWallet(ctx, t.tx, key)
	if err != nil {
		return domain.Wallet{}, err
	}
	next, err := current.Apply(amount)
	if err != nil {
		return current, err
	}
	next.UpdatedAt = t.now().UTC()

	_, err = t.tx.ExecContext(ctx, `
		INSERT INTO wallets (student_id, classroom_id, current_balance, total_earned, total_spent, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(student_id, classroom_id) DO UPDATE SET
			current_balance = excluded.current_balance,
			total_earned    = excluded.total_earned,
			total_spent     = excluded.total_spent,
			version         = excluded.version,
			updated_at      = excluded.updated_at
	`, next.StudentID, next.ClassroomID, next.CurrentBalance, next.TotalEarned,
		next.TotalSpent, next.Version, formatTime(next.UpdatedAt))
	if err != nil {
		return current, domain.NewStorageError("update wallet", err)
	}
	return next, nil
}

// Append stores a log entry, assigning its ID and timestamp.
func (t *ledgerTx) Append(ctx context.Context, entry domain.Transaction) (domain.Transaction, error) {
	if err := entry.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	entry.Timestamp = t.now().UTC()

	res, err := t.tx.ExecContext(ctx, `
		INSERT INTO transactions (student_id, classroom_id, amount, type, category, description,
			reference, idempotency_key, balance_after, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, entry.StudentID, entry.ClassroomID, entry.Amount, string(entry.Type), entry.Category,
		entry.Description, entry.Reference, nullString(entry.IdempotencyKey),
		entry.BalanceAfter, formatTime(entry.Timestamp))
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Transaction{}, domain.ErrDuplicateKey
		}
		return domain.Transaction{}, domain.NewStorageError("append transaction", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Transaction{}, domain.NewStorageError("append transaction", err)
	}
	entry.ID = id
	return entry, nil
}

// FindByIdempotencyKey returns the transaction recorded under key, or nil.
func (t *ledgerTx) FindByIdempotencyKey(ctx context.Context, classroomID, key string) (*domain.Transaction, error) {
	row := t.tx.QueryRowContext(ctx, `
		SELECT `+txColumns+`
		FROM transactions WHERE classroom_id = ? AND idempotency_key = ?
	`, classroomID, key)
	tx, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, domain.NewStorageError("find idempotency key", err)
	}
	return &tx, nil
}

// ListTransactions pages the log inside the transaction.
func (t *ledgerTx) ListTransactions(ctx context.Context, key domain.WalletKey, beforeID int64, limit int) ([]domain.Transaction, error) {
	return listTransactions(ctx, t.tx, key, beforeID, limit)
}
