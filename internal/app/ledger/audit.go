package ledger

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/observability"
)

// errAuditDone rolls back the read-only audit transaction.
var errAuditDone = errors.New("audit complete")

// Report is the result of reconciling a wallet against its log.
type Report struct {
	Wallet       domain.Wallet `json:"wallet"`
	Transactions int           `json:"transactions"`
	SumAmounts   int64         `json:"sum_amounts"`
	SumCredits   int64         `json:"sum_credits"`
	SumDebits    int64         `json:"sum_debits"`
	Problems     []string      `json:"problems,omitempty"`
	CheckedAt    time.Time     `json:"checked_at"`
}

// Consistent reports whether no drift was found.
func (r Report) Consistent() bool { return len(r.Problems) == 0 }

// Reconcile recomputes the wallet's totals from its transaction log and
// compares them with the stored wallet. It also walks the log oldest first
// and checks every BalanceAfter. Wallet and log are read in one storage
// transaction so no concurrent write can produce false drift.
func (s *Service) Reconcile(ctx context.Context, studentID, classroomID string) (Report, error) {
	started := time.Now()
	key := domain.WalletKey{StudentID: strings.TrimSpace(studentID), ClassroomID: strings.TrimSpace(classroomID)}
	if err := key.Validate(); err != nil {
		observability.ObserveOp("reconcile", observability.OutcomeInvalid, started)
		return Report{}, err
	}

	var (
		wallet  domain.Wallet
		history []domain.Transaction
	)
	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		var err error
		if wallet, err = tx.Wallet(ctx, key); err != nil {
			return err
		}
		var before int64
		for {
			rows, err := tx.ListTransactions(ctx, key, before, MaxPageSize)
			if err != nil {
				return err
			}
			history = append(history, rows...)
			if len(rows) < MaxPageSize {
				return errAuditDone
			}
			before = rows[len(rows)-1].ID
		}
	})
	if err != nil && !errors.Is(err, errAuditDone) {
		observability.ObserveOp("reconcile", observability.OutcomeError, started)
		return Report{}, domain.NewStorageError("reconcile", err)
	}

	slices.Reverse(history)
	report := audit(wallet, history)
	report.CheckedAt = time.Now().UTC()

	observability.ObserveOp("reconcile", observability.OutcomeOK, started)
	if !report.Consistent() {
		s.log.Error("wallet drift detected",
			zap.String("student_id", key.StudentID),
			zap.String("classroom_id", key.ClassroomID),
			zap.Strings("problems", report.Problems))
	}
	return report, nil
}

// audit checks w against its history, ordered oldest first.
func audit(w domain.Wallet, history []domain.Transaction) Report {
	r := Report{Wallet: w, Transactions: len(history)}
	var running int64
	for _, tx := range history {
		running += tx.Amount
		if tx.Amount > 0 {
			r.SumCredits += tx.Amount
		} else {
			r.SumDebits += -tx.Amount
		}
		if tx.BalanceAfter != running {
			r.Problems = append(r.Problems, fmt.Sprintf(
				"transaction %d: balance_after %d, running balance %d", tx.ID, tx.BalanceAfter, running))
		}
	}
	r.SumAmounts = running

	if w.CurrentBalance != r.SumAmounts {
		r.Problems = append(r.Problems, fmt.Sprintf(
			"current_balance %d != sum of amounts %d", w.CurrentBalance, r.SumAmounts))
	}
	if w.TotalEarned != r.SumCredits {
		r.Problems = append(r.Problems, fmt.Sprintf(
			"total_earned %d != sum of credits %d", w.TotalEarned, r.SumCredits))
	}
	if w.TotalSpent != r.SumDebits {
		r.Problems = append(r.Problems, fmt.Sprintf(
			"total_spent %d != sum of debits %d", w.TotalSpent, r.SumDebits))
	}
	return r
}
