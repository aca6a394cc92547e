package domain

import (
	"math"
	"strings"
	"time"
)

// ─── Transaction Types ──────────────────────────────────────────────────────
// These live in domain because they represent core business rules of the
// classroom token economy.

// TxType represents the business reason for a token movement.
type TxType string

const (
	TxEarned  TxType = "earned"  // system rule, e.g. auto-graded assignment
	TxSpent   TxType = "spent"   // store purchase
	TxAwarded TxType = "awarded" // teacher award
	TxBonus   TxType = "bonus"   // flagged award or milestone bonus
	TxPenalty TxType = "penalty" // late submission or rule violation
)

// Valid reports whether t is one of the known transaction types.
func (t TxType) Valid() bool {
	switch t {
	case TxEarned, TxSpent, TxAwarded, TxBonus, TxPenalty:
		return true
	}
	return false
}

// IsCredit reports whether the type increases a balance.
func (t TxType) IsCredit() bool {
	return t == TxEarned || t == TxAwarded || t == TxBonus
}

// Signed returns amount with the sign implied by the type.
func (t TxType) Signed(amount int64) int64 {
	if amount < 0 {
		amount = -amount
	}
	if t.IsCredit() {
		return amount
	}
	return -amount
}

// ─── Wallet ─────────────────────────────────────────────────────────────────

// WalletKey identifies a wallet: one per (student, classroom) pair.
// Wallets of the same student in different classrooms are independent.
type WalletKey struct {
	StudentID   string `json:"student_id"`
	ClassroomID string `json:"classroom_id"`
}

// String returns "classroom:student", used as a partition key for events.
func (k WalletKey) String() string {
	return k.ClassroomID + ":" + k.StudentID
}

// Validate checks that both identity fields are present.
func (k WalletKey) Validate() error {
	if strings.TrimSpace(k.StudentID) == "" {
		return &ValidationError{Field: "student_id", Reason: "is required"}
	}
	if strings.TrimSpace(k.ClassroomID) == "" {
		return &ValidationError{Field: "classroom_id", Reason: "is required"}
	}
	return nil
}

// Wallet is the cached balance record of one student in one classroom.
// CurrentBalance always equals the sum of the wallet's transaction amounts.
type Wallet struct {
	StudentID      string    `json:"student_id"`
	ClassroomID    string    `json:"classroom_id"`
	CurrentBalance int64     `json:"current_balance"`
	TotalEarned    int64     `json:"total_earned"`
	TotalSpent     int64     `json:"total_spent"`
	Version        int64     `json:"version"` // number of applied transactions
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// NewWallet returns the zero wallet for key.
func NewWallet(key WalletKey) Wallet {
	return Wallet{StudentID: key.StudentID, ClassroomID: key.ClassroomID}
}

// Key returns the wallet's identity.
func (w Wallet) Key() WalletKey {
	return WalletKey{StudentID: w.StudentID, ClassroomID: w.ClassroomID}
}

// Apply returns the wallet after a signed delta. Positive amounts add to
// TotalEarned, negative amounts add their magnitude to TotalSpent.
// The receiver is never modified.
func (w Wallet) Apply(amount int64) (Wallet, error) {
	if amount == 0 {
		return w, &ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if amount > 0 && (w.CurrentBalance > math.MaxInt64-amount || w.TotalEarned > math.MaxInt64-amount) {
		return w, &ValidationError{Field: "amount", Reason: "would overflow the wallet"}
	}
	if amount < 0 && (amount == math.MinInt64 || w.TotalSpent > math.MaxInt64+amount) {
		return w, &ValidationError{Field: "amount", Reason: "would overflow the wallet"}
	}
	next := w
	next.CurrentBalance += amount
	if next.CurrentBalance < 0 {
		return w, &InsufficientBalanceError{
			StudentID:   w.StudentID,
			ClassroomID: w.ClassroomID,
			Balance:     w.CurrentBalance,
			Requested:   -amount,
		}
	}
	if amount > 0 {
		next.TotalEarned += amount
	} else {
		next.TotalSpent += -amount
	}
	next.Version++
	return next, nil
}

// Metric returns the wallet value a milestone metric refers to.
func (w Wallet) Metric(m MilestoneMetric) int64 {
	switch m {
	case MetricTotalEarned:
		return w.TotalEarned
	case MetricTotalSpent:
		return w.TotalSpent
	case MetricCurrentBalance:
		return w.CurrentBalance
	}
	return 0
}

// ─── Transactions ───────────────────────────────────────────────────────────

// MaxDescriptionLen bounds free-form descriptions.
const MaxDescriptionLen = 500

// Transaction is one immutable row of the append-only token log.
// Corrections are new offsetting transactions; rows are never updated.
type Transaction struct {
	ID             int64     `json:"id"`
	StudentID      string    `json:"student_id"`
	ClassroomID    string    `json:"classroom_id"`
	Amount         int64     `json:"amount"` // positive = credit, negative = debit
	Type           TxType    `json:"type"`
	Category       string    `json:"category"`
	Description    string    `json:"description,omitempty"`
	Reference      string    `json:"reference,omitempty"`
	IdempotencyKey string    `json:"idempotency_key,omitempty"`
	Timestamp      time.Time `json:"timestamp"`
	BalanceAfter   int64     `json:"balance_after"`
}

// Key returns the wallet the transaction belongs to.
func (t Transaction) Key() WalletKey {
	return WalletKey{StudentID: t.StudentID, ClassroomID: t.ClassroomID}
}

// Validate checks the fields a log entry needs before it is appended.
func (t Transaction) Validate() error {
	if err := t.Key().Validate(); err != nil {
		return err
	}
	if t.Amount == 0 {
		return &ValidationError{Field: "amount", Reason: "must not be zero"}
	}
	if !t.Type.Valid() {
		return &ValidationError{Field: "type", Reason: "unknown transaction type " + string(t.Type)}
	}
	if t.Type.IsCredit() != (t.Amount > 0) {
		return &ValidationError{Field: "amount", Reason: "sign does not match type " + string(t.Type)}
	}
	if strings.TrimSpace(t.Category) == "" {
		return &ValidationError{Field: "category", Reason: "is required"}
	}
	if len(t.Description) > MaxDescriptionLen {
		return &ValidationError{Field: "description", Reason: "is too long"}
	}
	if t.BalanceAfter < 0 {
		return &ValidationError{Field: "balance_after", Reason: "must not be negative"}
	}
	return nil
}

// TransactionPage is one reverse-chronological slice of a wallet's log.
// NextBefore is the cursor for the following page, zero when exhausted.
type TransactionPage struct {
	Transactions []Transaction `json:"transactions"`
	NextBefore   int64         `json:"next_before,omitempty"`
}
