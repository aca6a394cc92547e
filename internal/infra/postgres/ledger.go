package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/bizcoin/bizcoin/internal/domain"
)

const walletColumns = `student_id, classroom_id, current_balance, total_earned, total_spent, version, updated_at`

const txColumns = `id, student_id, classroom_id, amount, type, category, description,
	reference, COALESCE(idempotency_key, ''), balance_after, created_at`

// querier is satisfied by both the pool and a transaction.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

func getWallet(ctx context.Context, q querier, key domain.WalletKey, lock bool) (domain.Wallet, error) {
	query := `SELECT ` + walletColumns + ` FROM wallets WHERE student_id = $1 AND classroom_id = $2`
	if lock {
		query += ` FOR UPDATE`
	}

	var w domain.Wallet
	err := q.QueryRow(ctx, query, key.StudentID, key.ClassroomID).Scan(
		&w.StudentID, &w.ClassroomID, &w.CurrentBalance, &w.TotalEarned,
		&w.TotalSpent, &w.Version, &w.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.NewWallet(key), nil
	}
	if err != nil {
		return domain.Wallet{}, domain.NewStorageError("get wallet", err)
	}
	w.UpdatedAt = w.UpdatedAt.UTC()
	return w, nil
}

func listTransactions(ctx context.Context, q querier, key domain.WalletKey, beforeID int64, limit int) ([]domain.Transaction, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := q.Query(ctx, `
		SELECT `+txColumns+`
		FROM transactions
		WHERE classroom_id = $1 AND student_id = $2 AND ($3::bigint = 0 OR id < $3::bigint)
		ORDER BY id DESC LIMIT $4
	`, key.ClassroomID, key.StudentID, beforeID, limit)
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

func scanTransaction(row pgx.Row) (domain.Transaction, error) {
	var (
		tx  domain.Transaction
		typ string
	)
	err := row.Scan(&tx.ID, &tx.StudentID, &tx.ClassroomID, &tx.Amount, &typ,
		&tx.Category, &tx.Description, &tx.Reference, &tx.IdempotencyKey,
		&tx.BalanceAfter, &tx.Timestamp)
	if err != nil {
		return tx, err
	}
	tx.Type = domain.TxType(typ)
	tx.Timestamp = tx.Timestamp.UTC()
	return tx, nil
}

// GetBalance returns the wallet for key, zero-initialized if absent.
func (db *DB) GetBalance(ctx context.Context, key domain.WalletKey) (domain.Wallet, error) {
	return getWallet(ctx, db.pool, key, false)
}

// ListTransactions returns a page of the wallet's log, newest first.
func (db *DB) ListTransactions(ctx context.Context, key domain.WalletKey, beforeID int64, limit int) ([]domain.Transaction, error) {
	return listTransactions(ctx, db.pool, key, beforeID, limit)
}

// ListWallets returns the classroom's wallets ranked by metric.
func (db *DB) ListWallets(ctx context.Context, classroomID string, metric domain.LeaderboardMetric, limit int) ([]domain.Wallet, error) {
	if !metric.Valid() {
		return nil, &domain.ValidationError{Field: "metric", Reason: "cannot rank by " + string(metric)}
	}
	// metric is one of two known column names.
	rows, err := db.pool.Query(ctx, `
		SELECT `+walletColumns+`
		FROM wallets WHERE classroom_id = $1
		ORDER BY `+string(metric)+` DESC, student_id ASC LIMIT $2
	`, classroomID, limit)
	if err != nil {
		return nil, domain.NewStorageError("list wallets", err)
	}
	defer rows.Close()

	var out []domain.Wallet
	for rows.Next() {
		var w domain.Wallet
		if err := rows.Scan(&w.StudentID, &w.ClassroomID, &w.CurrentBalance, &w.TotalEarned,
			&w.TotalSpent, &w.Version, &w.UpdatedAt); err != nil {
			return nil, domain.NewStorageError("scan wallet", err)
		}
		w.UpdatedAt = w.UpdatedAt.UTC()
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, domain.NewStorageError("list wallets", err)
	}
	return out, nil
}

// ─── Transactional Operations ───────────────────────────────────────────────

type ledgerTx struct {
	tx pgx.Tx
}

// Wallet locks the row until commit. A missing wallet reads as zero and
// is not created; ApplyDelta creates it.
func (t *ledgerTx) Wallet(ctx context.Context, key domain.WalletKey) (domain.Wallet, error) {
	if err := key.Validate(); err != nil {
		return domain.Wallet{}, err
	}
	return getWallet(ctx, t.tx, key, true)
}

// MarkNotified records the milestone notification inside the transaction.
func (t *ledgerTx) MarkNotified(ctx context.Context, key domain.WalletKey, milestoneID string) (bool, error) {
	return markNotified(ctx, t.tx, key, milestoneID)
}

// ApplyDelta creates the wallet row if needed, locks it and adjusts it. The
// UPDATE only matches the version read under the lock.
func (t *ledgerTx) ApplyDelta(ctx context.Context, key domain.WalletKey, amount int64) (domain.Wallet, error) {
	if err := key.Validate(); err != nil {
		return domain.Wallet{}, err
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO wallets (student_id, classroom_id) VALUES ($1, $2)
		ON CONFLICT (student_id, classroom_id) DO NOTHING
	`, key.StudentID, key.ClassroomID)
	if err != nil {
		return domain.Wallet{}, domain.NewStorageError("ensure wallet", err)
	}
	current, err := getWallet(ctx, t.tx, key, true)
	if err != nil {
		return domain.Wallet{}, err
	}
	next, err := current.Apply(amount)
	if err != nil {
		return current, err
	}
	next.UpdatedAt = time.Now().UTC()

	tag, err := t.tx.Exec(ctx, `
		UPDATE wallets SET
			current_balance = $1,
			total_earned    = $2,
			total_spent     = $3,
			version         = version + 1,
			updated_at      = $4
		WHERE student_id = $5 AND classroom_id = $6 AND version = $7
	`, next.CurrentBalance, next.TotalEarned, next.TotalSpent, next.UpdatedAt,
		key.StudentID, key.ClassroomID, current.Version)
	if err != nil {
		return current, domain.NewStorageError("update wallet", err)
	}
	if tag.RowsAffected() == 0 {
		return current, domain.NewStorageError("update wallet",
			fmt.Errorf("version conflict on %s at version %d", key, current.Version))
	}
	return next, nil
}

// Append stores a log entry, assigning its ID and timestamp.
func (t *ledgerTx) Append(ctx context.Context, entry domain.Transaction) (domain.Transaction, error) {
	if err := entry.Validate(); err != nil {
		return domain.Transaction{}, err
	}
	entry.Timestamp = time.Now().UTC()

	var idemKey *string
	if entry.IdempotencyKey != "" {
		idemKey = &entry.IdempotencyKey
	}
	err := t.tx.QueryRow(ctx, `
		INSERT INTO transactions (student_id, classroom_id, amount, type, category, description,
			reference, idempotency_key, balance_after, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id
	`, entry.StudentID, entry.ClassroomID, entry.Amount, string(entry.Type), entry.Category,
		entry.Description, entry.Reference, idemKey, entry.BalanceAfter, entry.Timestamp,
	).Scan(&entry.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.Transaction{}, domain.ErrDuplicateKey
		}
		return domain.Transaction{}, domain.NewStorageError("append transaction", err)
	}
	return entry, nil
}

// FindByIdempotencyKey returns the transaction recorded under key, or nil.
func (t *ledgerTx) FindByIdempotencyKey(ctx context.Context, classroomID, key string) (*domain.Transaction, error) {
	tx, err := scanTransaction(t.tx.QueryRow(ctx, `
		SELECT `+txColumns+`
		FROM transactions WHERE classroom_id = $1 AND idempotency_key = $2
	`, classroomID, key))
	if errors.Is(err, pgx.ErrNoRows) {
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
