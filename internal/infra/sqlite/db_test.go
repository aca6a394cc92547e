package sqlite

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bizcoin/bizcoin/internal/domain"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(t.TempDir())
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

var keyS1 = domain.WalletKey{StudentID: "s1", ClassroomID: "c1"}

// ─── Migrations ─────────────────────────────────────────────────────────────

func TestMigrations_TablesExist(t *testing.T) {
	db := newTestDB(t)

	for _, table := range []string{"wallets", "transactions", "milestones", "milestone_notifications"} {
		var count int
		err := db.db.QueryRow(
			`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?`, table,
		).Scan(&count)
		if err != nil {
			t.Fatalf("checking table %s: %v", table, err)
		}
		if count != 1 {
			t.Errorf("table %s not found in database", table)
		}
	}
}

func TestOpen_Reopen(t *testing.T) {
	dir := t.TempDir()
	db, err := Open(dir)
	if err != nil {
		t.Fatal(err)
	}
	credit(t, db, keyS1, 40)
	db.Close()

	db, err = Open(dir)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer db.Close()

	w, err := db.GetBalance(context.Background(), keyS1)
	if err != nil {
		t.Fatal(err)
	}
	if w.CurrentBalance != 40 {
		t.Errorf("balance after reopen = %d, want 40", w.CurrentBalance)
	}
}

// ─── Wallets ────────────────────────────────────────────────────────────────

// credit applies an award and appends its log entry in one transaction.
func credit(t *testing.T, db *DB, key domain.WalletKey, amount int64) domain.Transaction {
	t.Helper()
	var entry domain.Transaction
	err := db.InTx(context.Background(), func(tx domain.LedgerTx) error {
		w, err := tx.ApplyDelta(context.Background(), key, amount)
		if err != nil {
			return err
		}
		entry, err = tx.Append(context.Background(), domain.Transaction{
			StudentID: key.StudentID, ClassroomID: key.ClassroomID,
			Amount: amount, Type: domain.TxAwarded, Category: "test",
			BalanceAfter: w.CurrentBalance,
		})
		return err
	})
	if err != nil {
		t.Fatalf("credit(%d) error: %v", amount, err)
	}
	return entry
}

func TestGetBalance_Missing(t *testing.T) {
	db := newTestDB(t)

	w, err := db.GetBalance(context.Background(), keyS1)
	if err != nil {
		t.Fatalf("GetBalance() error: %v", err)
	}
	if w.StudentID != "s1" || w.ClassroomID != "c1" || w.CurrentBalance != 0 {
		t.Errorf("wallet = %+v, want zero wallet for s1/c1", w)
	}

	// Reading must not create a row.
	var count int
	db.db.QueryRow(`SELECT COUNT(*) FROM wallets`).Scan(&count)
	if count != 0 {
		t.Errorf("wallet rows = %d, want 0", count)
	}
}

func TestApplyDelta_CreatesAndUpdates(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit(t, db, keyS1, 50)
	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		w, err := tx.ApplyDelta(ctx, keyS1, -30)
		if err != nil {
			return err
		}
		_, err = tx.Append(ctx, domain.Transaction{
			StudentID: "s1", ClassroomID: "c1", Amount: -30, Type: domain.TxSpent,
			Category: "store", BalanceAfter: w.CurrentBalance,
		})
		return err
	})
	if err != nil {
		t.Fatalf("spend error: %v", err)
	}

	w, _ := db.GetBalance(ctx, keyS1)
	if w.CurrentBalance != 20 || w.TotalEarned != 50 || w.TotalSpent != 30 {
		t.Errorf("wallet = %+v, want 20/50/30", w)
	}
	if w.Version != 2 {
		t.Errorf("Version = %d, want 2", w.Version)
	}
	if w.UpdatedAt.IsZero() {
		t.Error("UpdatedAt should be set")
	}
}

func TestApplyDelta_Insufficient(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	credit(t, db, keyS1, 50)

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.ApplyDelta(ctx, keyS1, -70)
		return err
	})
	if !errors.Is(err, domain.ErrInsufficientBalance) {
		t.Fatalf("error = %v, want ErrInsufficientBalance", err)
	}

	w, _ := db.GetBalance(ctx, keyS1)
	if w.CurrentBalance != 50 {
		t.Errorf("balance = %d, want 50", w.CurrentBalance)
	}
}

func TestInTx_RollbackOnError(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		if _, err := tx.ApplyDelta(ctx, keyS1, 25); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("error = %v, want boom", err)
	}

	w, _ := db.GetBalance(ctx, keyS1)
	if w.CurrentBalance != 0 {
		t.Errorf("balance after rollback = %d, want 0", w.CurrentBalance)
	}
}

func TestInTx_CancelledContext(t *testing.T) {
	db := newTestDB(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := db.InTx(ctx, func(tx domain.LedgerTx) error { return nil })
	if !errors.Is(err, domain.ErrStorage) {
		t.Errorf("error = %v, want ErrStorage", err)
	}
}

// ─── Transaction Log ────────────────────────────────────────────────────────

func TestAppend_AssignsIDAndTimestamp(t *testing.T) {
	db := newTestDB(t)
	fixed := time.Date(2026, 9, 1, 8, 30, 0, 0, time.UTC)
	db.now = func() time.Time { return fixed }

	first := credit(t, db, keyS1, 10)
	second := credit(t, db, keyS1, 5)

	if first.ID == 0 || second.ID <= first.ID {
		t.Errorf("ids = %d, %d; want increasing non-zero", first.ID, second.ID)
	}
	if !first.Timestamp.Equal(fixed) {
		t.Errorf("Timestamp = %v, want %v", first.Timestamp, fixed)
	}
	if second.BalanceAfter != 15 {
		t.Errorf("BalanceAfter = %d, want 15", second.BalanceAfter)
	}
}

func TestAppend_Validation(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.Append(ctx, domain.Transaction{StudentID: "s1", ClassroomID: "c1", Type: domain.TxAwarded, Category: "x"})
		return err
	})
	if !errors.Is(err, domain.ErrValidation) {
		t.Errorf("zero amount error = %v, want ErrValidation", err)
	}
}

func TestAppend_DuplicateIdempotencyKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	entry := domain.Transaction{
		StudentID: "s1", ClassroomID: "c1", Amount: 10, Type: domain.TxAwarded,
		Category: "hw", IdempotencyKey: "approve:sub-1", BalanceAfter: 10,
	}
	if err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.Append(ctx, entry)
		return err
	}); err != nil {
		t.Fatal(err)
	}

	err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.Append(ctx, entry)
		return err
	})
	if !errors.Is(err, domain.ErrDuplicateKey) {
		t.Fatalf("duplicate error = %v, want ErrDuplicateKey", err)
	}

	// Same key in another classroom is a different key.
	other := entry
	other.ClassroomID = "c2"
	if err := db.InTx(ctx, func(tx domain.LedgerTx) error {
		_, err := tx.Append(ctx, other)
		return err
	}); err != nil {
		t.Errorf("same key in other classroom: %v", err)
	}

	var found *domain.Transaction
	db.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		found, err = tx.FindByIdempotencyKey(ctx, "c1", "approve:sub-1")
		return err
	})
	if found == nil || found.Amount != 10 || found.IdempotencyKey != "approve:sub-1" {
		t.Errorf("FindByIdempotencyKey = %+v", found)
	}
}

func TestListTransactions_Paging(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		credit(t, db, keyS1, int64(i))
	}
	credit(t, db, domain.WalletKey{StudentID: "s2", ClassroomID: "c1"}, 100)

	page, err := db.ListTransactions(ctx, keyS1, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 2 || page[0].Amount != 5 || page[1].Amount != 4 {
		t.Fatalf("first page = %+v, want amounts 5,4", page)
	}

	page, err = db.ListTransactions(ctx, keyS1, page[1].ID, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(page) != 3 || page[0].Amount != 3 || page[2].Amount != 1 {
		t.Fatalf("second page = %+v, want amounts 3,2,1", page)
	}
}

// ─── Milestones ─────────────────────────────────────────────────────────────

func TestMilestones_CRUD(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	m := domain.Milestone{
		ID: "m1", ClassroomID: "c1", Metric: domain.MetricTotalEarned,
		Threshold: 100, Title: "Century", Bonus: 10, CreatedAt: time.Now(),
	}
	if err := db.CreateMilestone(ctx, m); err != nil {
		t.Fatalf("CreateMilestone() error: %v", err)
	}

	got, err := db.GetMilestone(ctx, "m1")
	if err != nil {
		t.Fatalf("GetMilestone() error: %v", err)
	}
	if got.Threshold != 100 || got.Bonus != 10 || got.Metric != domain.MetricTotalEarned {
		t.Errorf("milestone = %+v", got)
	}

	list, _ := db.ListMilestones(ctx, "c1")
	if len(list) != 1 {
		t.Fatalf("ListMilestones(c1) = %d, want 1", len(list))
	}
	list, _ = db.ListMilestones(ctx, "c2")
	if len(list) != 0 {
		t.Errorf("ListMilestones(c2) = %d, want 0", len(list))
	}

	if err := db.DeleteMilestone(ctx, "m1"); err != nil {
		t.Fatalf("DeleteMilestone() error: %v", err)
	}
	if err := db.DeleteMilestone(ctx, "m1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("second delete error = %v, want ErrNotFound", err)
	}
	if _, err := db.GetMilestone(ctx, "m1"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("get deleted error = %v, want ErrNotFound", err)
	}
}

func TestMarkNotified_OnlyOnce(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	first, err := db.MarkNotified(ctx, keyS1, "m1")
	if err != nil {
		t.Fatal(err)
	}
	second, err := db.MarkNotified(ctx, keyS1, "m1")
	if err != nil {
		t.Fatal(err)
	}
	if !first || second {
		t.Errorf("MarkNotified = %v, %v; want true, false", first, second)
	}

	other, _ := db.MarkNotified(ctx, domain.WalletKey{StudentID: "s1", ClassroomID: "c2"}, "m1")
	if !other {
		t.Error("notified state must be per classroom")
	}
}

// ─── Leaderboard ────────────────────────────────────────────────────────────

func TestListWallets_RankedByMetric(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	credit(t, db, domain.WalletKey{StudentID: "a", ClassroomID: "c1"}, 10)
	credit(t, db, domain.WalletKey{StudentID: "b", ClassroomID: "c1"}, 30)
	credit(t, db, domain.WalletKey{StudentID: "c", ClassroomID: "c1"}, 30)
	credit(t, db, domain.WalletKey{StudentID: "z", ClassroomID: "c2"}, 99)

	got, err := db.ListWallets(ctx, "c1", domain.LeaderboardBalance, 2)
	if err != nil {
		t.Fatalf("ListWallets() error: %v", err)
	}
	if len(got) != 2 || got[0].StudentID != "b" || got[1].StudentID != "c" {
		t.Errorf("ListWallets() = %+v, want b, c", got)
	}

	if _, err := db.ListWallets(ctx, "c1", "version; DROP TABLE wallets", 5); !errors.Is(err, domain.ErrValidation) {
		t.Errorf("unknown metric error = %v, want ErrValidation", err)
	}
}
