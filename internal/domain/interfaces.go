package domain

import "context"

// ─── Service Interfaces ─────────────────────────────────────────────────────
// These interfaces define boundaries between layers.
// Infrastructure implements them; the application layer depends on them.

// LedgerTx is the view of the store inside one storage transaction.
// Everything done through it commits or rolls back together.
type LedgerTx interface {
	// Wallet returns the wallet for key, locked for the rest of the
	// transaction. A missing wallet is returned zero-initialized.
	Wallet(ctx context.Context, key WalletKey) (Wallet, error)

	// ApplyDelta adjusts the balance and aggregates by a signed amount.
	// Fails with InsufficientBalanceError if the balance would go negative.
	// It does not log a transaction.
	ApplyDelta(ctx context.Context, key WalletKey, amount int64) (Wallet, error)

	// Append stores a log entry and returns it with ID and Timestamp set.
	Append(ctx context.Context, entry Transaction) (Transaction, error)

	// FindByIdempotencyKey returns the transaction recorded under key in
	// the classroom, or nil.
	FindByIdempotencyKey(ctx context.Context, classroomID, key string) (*Transaction, error)

	// ListTransactions is ListTransactions of Ledger, inside the transaction.
	ListTransactions(ctx context.Context, key WalletKey, beforeID int64, limit int) ([]Transaction, error)

	// MarkNotified is MarkNotified of MilestoneStore, inside the
	// transaction. A milestone bonus is recorded with its mark.
	MarkNotified(ctx context.Context, key WalletKey, milestoneID string) (bool, error)
}

// Ledger is the wallet store plus transaction log.
type Ledger interface {
	// InTx runs fn in one storage transaction. fn's error rolls back.
	InTx(ctx context.Context, fn func(tx LedgerTx) error) error

	// GetBalance returns the wallet for key, zero-initialized if absent.
	GetBalance(ctx context.Context, key WalletKey) (Wallet, error)

	// ListTransactions returns up to limit entries with id < beforeID
	// (no bound when beforeID is zero), newest first.
	ListTransactions(ctx context.Context, key WalletKey, beforeID int64, limit int) ([]Transaction, error)

	// ListWallets returns up to limit wallets of the classroom ordered by
	// metric, highest first, ties by student ID.
	ListWallets(ctx context.Context, classroomID string, metric LeaderboardMetric, limit int) ([]Wallet, error)
}

// MilestoneStore persists milestone definitions and notified state.
type MilestoneStore interface {
	CreateMilestone(ctx context.Context, m Milestone) error
	GetMilestone(ctx context.Context, id string) (*Milestone, error)
	ListMilestones(ctx context.Context, classroomID string) ([]Milestone, error)
	DeleteMilestone(ctx context.Context, id string) error

	// MarkNotified records that the student crossed the milestone. It
	// returns true only for the call that created the record.
	MarkNotified(ctx context.Context, key WalletKey, milestoneID string) (bool, error)
}

// Store is a complete persistence backend.
type Store interface {
	Ledger
	MilestoneStore
	Close() error
}

// EventSink is an external notification delivery channel.
type EventSink interface {
	Name() string
	Publish(ctx context.Context, ev Event) error
}
