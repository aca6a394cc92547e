package postgres

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// openTestDB connects to BIZCOIN_TEST_POSTGRES_URL or skips.
func openTestDB(t *testing.T) *DB {
	t.Helper()
	url := os.Getenv("BIZCOIN_TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("BIZCOIN_TEST_POSTGRES_URL not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	db, err := Open(ctx, Config{URL: url, MaxConns: 4})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

// uniqueKey isolates test runs sharing one database.
func uniqueKey(t *testing.T) domain.WalletKey {
	return domain.WalletKey{StudentID: "s-" + uuid.NewString(), ClassroomID: "c-" + uuid.NewString()}
}

func TestMigrations_CoverAllTables(t *testing.T) {
	all := strings.Join(Migrations(), "\n")
	for _, table := range []string{"wallets", "transactions", "milestones", "milestone_notifications"} {
		if !strings.Contains(all, "CREATE TABLE IF NOT EXISTS "+table) {
			t.Errorf("missing table %s", table)
		}
	}
	if !strings.Contains(all, "UNIQUE (classroom_id, idempotency_key)") {
		t.Error("idempotency key must be unique per classroom")
	}
}

func TestIsUniqueViolation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&pgconn.PgError{Code: "23505"}, true},
		{fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"}), true},
		{&pgconn.PgError{Code: "23514"}, false},
		{errors.New("23505"), false},
		{nil, false},
	}
	for _, tt := range tests {
		if got := isUniqueViolation(tt.err); got != tt.want {
			t.Errorf("isUniqueViolation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestLedger_ApplyAppendAndPage(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := uniqueKey(t)

	w, err := db.GetBalance(ctx, key)
	if err != nil || w.CurrentBalance != 0 {
		t.Fatalf("GetBalance() = %+v, %v", w, err)
	}

	for _, amount := range []int64{30, -10, 5} {
		err := db.InTx(ctx, func(tx domain.LedgerTx) error {
			next, err := tx.ApplyDelta(ctx, key, amount)
			if err != nil {
				return err
			}
			typ := domain.TxAwarded
			if amount < 0 {
				typ = domain.TxSpent
			}
			_, err = tx.Append(ctx, domain.Transaction{
				StudentID: key.StudentID, ClassroomID: key.ClassroomID,
				Amount: amount, Type: typ, Category: "test", BalanceAfter: next.CurrentBalance,
			})
			return err
		})
		if err != nil {
			t.Fatalf("InTx(%d) error: %v", amount, err)
		}
	}

	w, _ = db.GetBalance(ctx, key)
	if w.CurrentBalance != 25 || w.TotalEarned != 35 || w.TotalSpent != 10 || w.Version != 3 {
		t.Errorf("wallet = %+v", w)
	}

	page, err := db.ListTransactions(ctx, key, 0, 2)
	if err != nil || len(page) != 2 || page[0].Amount != 5 {
		t.Fatalf("first page = %+v, %v", page, err)
	}
	rest, _ := db.ListTransactions(ctx, key, page[1].ID, 10)
	if len(rest) != 1 || rest[0].Amount != 30 {
		t.Errorf("rest = %+v", rest)
	}
}

func TestLedger_InsufficientRollsBack(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := uniqueKey(t)

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.ApplyDelta(ctx, key, -1)
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}
	if w, _ := db.GetBalance(ctx, key); w.Version != 0 {
		t.Errorf("wallet = %+v, want untouched", w)
	}
}

func TestLedger_DuplicateIdempotencyKey(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := uniqueKey(t)

	appendWithKey := func() error {
		return db.InTx(ctx, func(tx domain.LedgerTx) error {
			next, err := tx.ApplyDelta(ctx, key, 1)
			if err != nil {
				return err
			}
			_, err = tx.Append(ctx, domain.Transaction{
				StudentID: key.StudentID, ClassroomID: key.ClassroomID, Amount: 1,
				Type: domain.TxAwarded, Category: "x", IdempotencyKey: "k", BalanceAfter: next.CurrentBalance,
			})
			return err
		})
	}
	if err := appendWithKey(); err != nil {
		t.Fatal(err)
	}
	if err := appendWithKey(); !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("second append error = %v, want ErrDuplicateKey", err)
	}

	var found *domain.Transaction
	db.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		found, err = tx.FindByIdempotencyKey(ctx, key.ClassroomID, "k")
		return err
	})
	if found == nil || found.IdempotencyKey != "k" {
		t.Errorf("FindByIdempotencyKey() = %+v", found)
	}
	if w, _ := db.GetBalance(ctx, key); w.CurrentBalance != 1 {
		t.Errorf("balance = %d, want 1", w.CurrentBalance)
	}
}

func TestMilestones_CRUDAndMarkNotified(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := uniqueKey(t)

	m := domain.Milestone{
		ID: uuid.NewString(), ClassroomID: key.ClassroomID, Metric: domain.MetricTotalEarned,
		Threshold: 10, Title: "Ten", CreatedAt: time.Now().UTC(),
	}
	if err := db.CreateMilestone(ctx, m); err != nil {
		t.Fatal(err)
	}
	got, err := db.GetMilestone(ctx, m.ID)
	if err != nil || got.Title != "Ten" {
		t.Fatalf("GetMilestone() = %+v, %v", got, err)
	}
	list, _ := db.ListMilestones(ctx, key.ClassroomID)
	if len(list) != 1 {
		t.Errorf("ListMilestones() = %d, want 1", len(list))
	}

	first, err := db.MarkNotified(ctx, key, m.ID)
	if err != nil || !first {
		t.Fatalf("first MarkNotified() = %v, %v", first, err)
	}
	again, _ := db.MarkNotified(ctx, key, m.ID)
	if again {
		t.Error("second MarkNotified() = true, want false")
	}

	if err := db.DeleteMilestone(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	if err := db.DeleteMilestone(ctx, m.ID); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
}

func TestListWallets_RankedByMetric(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	classroom := "c-" + uuid.NewString()

	for _, s := range []struct {
		student string
		amount  int64
	}{{"a", 10}, {"b", 30}, {"c", 20}} {
		key := domain.WalletKey{StudentID: s.student, ClassroomID: classroom}
		err := db.InTx(ctx, func(tx domain.LedgerTx) error {
			w, err := tx.ApplyDelta(ctx, key, s.amount)
			if err != nil {
				return err
			}
			_, err = tx.Append(ctx, domain.Transaction{
				StudentID: key.StudentID, ClassroomID: key.ClassroomID,
				Amount: s.amount, Type: domain.TxAwarded, Category: "test", BalanceAfter: w.CurrentBalance,
			})
			return err
		})
		if err != nil {
			t.Fatalf("credit %s: %v", s.student, err)
		}
	}

	got, err := db.ListWallets(ctx, classroom, domain.LeaderboardEarned, 10)
	if err != nil {
		t.Fatalf("ListWallets() error: %v", err)
	}
	if len(got) != 3 || got[0].StudentID != "b" || got[2].StudentID != "a" {
		t.Errorf("ListWallets() = %+v", got)
	}
}

func TestWallet_ReadDoesNotCreateRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	key := uniqueKey(t)

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		w, err := tx.Wallet(ctx, key)
		if err != nil {
			return err
		}
		if w.Version != 0 || w.CurrentBalance != 0 {
			t.Errorf("Wallet() = %+v, want zero wallet", w)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx() error: %v", err)
	}

	got, err := db.ListWallets(ctx, key.ClassroomID, domain.LeaderboardBalance, 10)
	if err != nil {
		t.Fatalf("ListWallets() error: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("ListWallets() = %+v, want no wallets after a read", got)
	}
}
