// Package ledger is the single writer of the token economy.
//
// Every balance change goes through Service, which applies the wallet delta
// and appends the matching log entry in one storage transaction:
//  1. Validate the request (no state touched on failure)
//  2. Replay if the idempotency key was already used
//  3. Lock the wallet, apply the signed delta, append the log entry
//  4. Commit, then evaluate milestones and publish events (best effort)
package ledger

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/app/executor"
	"github.com/bizcoin/bizcoin/internal/domain"
	"github.com/bizcoin/bizcoin/internal/infra/observability"
)

// PenaltyPolicy decides what happens when a penalty exceeds the balance.
type PenaltyPolicy string

const (
	// PenaltyClamp collects what the balance allows and reports the rest
	// as uncollected. The balance never goes negative.
	PenaltyClamp PenaltyPolicy = "clamp"
	// PenaltyReject fails the penalty like an overdrawn spend.
	PenaltyReject PenaltyPolicy = "reject"
)

// Valid reports whether p is a known policy.
func (p PenaltyPolicy) Valid() bool { return p == PenaltyClamp || p == PenaltyReject }

// Config controls service behavior.
type Config struct {
	PenaltyPolicy        PenaltyPolicy
	AwardManyConcurrency int // parallel awards in AwardMany (default: 4)
	PageSize             int // page size used by Transactions (default: 50)
}

// DefaultConfig returns safe service defaults.
func DefaultConfig() Config {
	return Config{
		PenaltyPolicy:        PenaltyClamp,
		AwardManyConcurrency: 4,
		PageSize:             50,
	}
}

// MilestoneEvaluator checks a wallet transition for crossed milestones.
type MilestoneEvaluator interface {
	Evaluate(ctx context.Context, wallet, previous domain.Wallet) ([]domain.MilestoneEvent, error)
}

// Publisher delivers events; delivery failures are the publisher's concern.
type Publisher interface {
	Publish(ctx context.Context, ev domain.Event)
}

// Service applies awards, spends and penalties to wallets.
type Service struct {
	cfg        Config
	ledger     domain.Ledger
	milestones MilestoneEvaluator
	events     Publisher
	batch      *executor.Executor
	log        *zap.Logger
}

// New creates a ledger service. milestones and events may be nil.
func New(cfg Config, ledger domain.Ledger, milestones MilestoneEvaluator, events Publisher, log *zap.Logger) *Service {
	if !cfg.PenaltyPolicy.Valid() {
		cfg.PenaltyPolicy = PenaltyClamp
	}
	if cfg.AwardManyConcurrency <= 0 {
		cfg.AwardManyConcurrency = 1
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = 50
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		cfg:        cfg,
		ledger:     ledger,
		milestones: milestones,
		events:     events,
		batch:      executor.New(executor.Config{MaxConcurrent: cfg.AwardManyConcurrency}),
		log:        log.Named("ledger"),
	}
}

// Config returns the effective configuration.
func (s *Service) Config() Config { return s.cfg }

// ─── Requests ───────────────────────────────────────────────────────────────

// Request describes one token movement. Amount is always positive; the
// direction comes from the operation.
type Request struct {
	StudentID      string `json:"student_id"`
	ClassroomID    string `json:"classroom_id"`
	Amount         int64  `json:"amount"`
	Category       string `json:"category"`
	Description    string `json:"description,omitempty"`
	Reference      string `json:"reference,omitempty"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
	Bonus          bool   `json:"bonus,omitempty"` // award only: log as type=bonus

	milestoneID string // marked notified in the same storage transaction
}

// Key returns the target wallet.
func (r Request) Key() domain.WalletKey {
	return domain.WalletKey{StudentID: r.StudentID, ClassroomID: r.ClassroomID}
}

func (r Request) normalize() Request {
	r.StudentID = strings.TrimSpace(r.StudentID)
	r.ClassroomID = strings.TrimSpace(r.ClassroomID)
	r.Category = strings.TrimSpace(r.Category)
	r.IdempotencyKey = strings.TrimSpace(r.IdempotencyKey)
	return r
}

func (r Request) validate() error {
	if err := r.Key().Validate(); err != nil {
		return err
	}
	if r.Amount <= 0 {
		return &domain.ValidationError{Field: "amount", Reason: "must be positive"}
	}
	if r.Category == "" {
		return &domain.ValidationError{Field: "category", Reason: "is required"}
	}
	if len(r.Description) > domain.MaxDescriptionLen {
		return &domain.ValidationError{Field: "description", Reason: "is too long"}
	}
	return nil
}

// ─── Operations ─────────────────────────────────────────────────────────────

// Award credits a wallet as type=awarded, or type=bonus when req.Bonus.
// It fails only on invalid input or storage failure.
func (s *Service) Award(ctx context.Context, req Request) (domain.Transaction, error) {
	typ := domain.TxAwarded
	if req.Bonus {
		typ = domain.TxBonus
	}
	res, err := s.execute(ctx, "award", typ, req, exact)
	return res.Transaction, err
}

// Earn credits a wallet as type=earned, for system rules.
func (s *Service) Earn(ctx context.Context, req Request) (domain.Transaction, error) {
	res, err := s.execute(ctx, "earn", domain.TxEarned, req, exact)
	return res.Transaction, err
}

// Spend debits a wallet as type=spent. If the balance is lower than the
// amount it fails with InsufficientBalanceError and changes nothing.
func (s *Service) Spend(ctx context.Context, req Request) (domain.Transaction, error) {
	res, err := s.execute(ctx, "spend", domain.TxSpent, req, exact)
	return res.Transaction, err
}

// PenaltyResult reports how much of a penalty was collected.
type PenaltyResult struct {
	Transaction *domain.Transaction `json:"transaction,omitempty"` // nil when nothing was collected
	Requested   int64               `json:"requested"`
	Collected   int64               `json:"collected"`
	Uncollected int64               `json:"uncollected"`
}

// FullyCollected reports whether the whole penalty was applied.
func (r PenaltyResult) FullyCollected() bool { return r.Uncollected == 0 }

// Penalize debits a wallet as type=penalty. Under PenaltyClamp it collects
// min(amount, balance) and never fails for lack of balance; under
// PenaltyReject it behaves like Spend.
func (s *Service) Penalize(ctx context.Context, req Request) (PenaltyResult, error) {
	size := exact
	if s.cfg.PenaltyPolicy == PenaltyClamp {
		size = clampToBalance
	}
	res, err := s.execute(ctx, "penalize", domain.TxPenalty, req, size)
	if err != nil {
		return PenaltyResult{}, err
	}

	out := PenaltyResult{Requested: req.Amount}
	if res.Applied || res.Replayed {
		tx := res.Transaction
		out.Transaction = &tx
		out.Collected = -tx.Amount
	}
	out.Uncollected = out.Requested - out.Collected
	if out.Uncollected > 0 && !res.Replayed {
		observability.PenaltyUncollected.Add(float64(out.Uncollected))
		s.log.Info("penalty not fully collectable",
			zap.String("student_id", req.StudentID),
			zap.String("classroom_id", req.ClassroomID),
			zap.Int64("requested", out.Requested),
			zap.Int64("collected", out.Collected))
	}
	return out, nil
}

// GetBalance returns the wallet, zero-initialized if none exists yet.
func (s *Service) GetBalance(ctx context.Context, studentID, classroomID string) (domain.Wallet, error) {
	key := domain.WalletKey{StudentID: strings.TrimSpace(studentID), ClassroomID: strings.TrimSpace(classroomID)}
	if err := key.Validate(); err != nil {
		return domain.Wallet{}, err
	}
	w, err := s.ledger.GetBalance(ctx, key)
	if err != nil {
		return domain.Wallet{}, domain.NewStorageError("get balance", err)
	}
	return w, nil
}

// ─── Core ───────────────────────────────────────────────────────────────────

// sizer returns the magnitude to move given the locked wallet. Zero means
// nothing is applied and nothing is logged.
type sizer func(w domain.Wallet, requested int64) int64

func exact(_ domain.Wallet, requested int64) int64 { return requested }

func clampToBalance(w domain.Wallet, requested int64) int64 {
	return min(requested, w.CurrentBalance)
}

type outcome struct {
	Transaction domain.Transaction
	Applied     bool // a new transaction was committed
	Replayed    bool // an earlier transaction with the same key was returned
	Previous    domain.Wallet
	Wallet      domain.Wallet
}

func (s *Service) execute(ctx context.Context, op string, typ domain.TxType, req Request, size sizer) (out outcome, err error) {
	started := time.Now()
	defer func() { observability.ObserveOp(op, outcomeLabel(out, err), started) }()

	req = req.normalize()
	if err := req.validate(); err != nil {
		return outcome{}, err
	}

	// A concurrent request can take the idempotency key between our lookup
	// and our insert; the retry then finds it and replays.
	for attempt := 0; attempt < 2; attempt++ {
		out, err = s.commit(ctx, typ, req, size)
		if !errors.Is(err, domain.ErrDuplicateKey) {
			break
		}
	}
	if errors.Is(err, domain.ErrDuplicateKey) {
		err = &domain.StorageError{Op: "idempotency", Err: fmt.Errorf("key %q: %w", req.IdempotencyKey, err)}
	}
	if err != nil {
		if !errors.Is(err, domain.ErrInsufficientBalance) && !errors.Is(err, domain.ErrValidation) {
			s.log.Error("ledger operation failed",
				zap.String("op", op),
				zap.String("student_id", req.StudentID),
				zap.String("classroom_id", req.ClassroomID),
				zap.Error(err))
		}
		return outcome{}, domain.NewStorageError(op, err)
	}

	if out.Applied {
		moved := out.Transaction.Amount
		if moved < 0 {
			moved = -moved
		}
		observability.TokensMoved.WithLabelValues(string(typ)).Add(float64(moved))
		s.log.Debug("transaction committed",
			zap.String("op", op),
			zap.Int64("tx_id", out.Transaction.ID),
			zap.String("student_id", req.StudentID),
			zap.String("classroom_id", req.ClassroomID),
			zap.Int64("amount", out.Transaction.Amount),
			zap.Int64("balance_after", out.Transaction.BalanceAfter))
		s.afterCommit(ctx, out)
	}
	return out, nil
}

// commit runs one storage transaction for req.
func (s *Service) commit(ctx context.Context, typ domain.TxType, req Request, size sizer) (outcome, error) {
	var out outcome
	key := req.Key()

	err := s.ledger.InTx(ctx, func(tx domain.LedgerTx) error {
		if req.IdempotencyKey != "" {
			existing, err := tx.FindByIdempotencyKey(ctx, req.ClassroomID, req.IdempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				if existing.StudentID != req.StudentID || existing.Type != typ {
					return &domain.ValidationError{
						Field:  "idempotency_key",
						Reason: "already used for a different operation",
					}
				}
				out = outcome{Transaction: *existing, Replayed: true}
				return nil
			}
		}

		if req.milestoneID != "" {
			first, err := tx.MarkNotified(ctx, key, req.milestoneID)
			if err != nil {
				return err
			}
			if !first {
				return nil
			}
		}

		prev, err := tx.Wallet(ctx, key)
		if err != nil {
			return err
		}
		magnitude := size(prev, req.Amount)
		if magnitude <= 0 {
			out = outcome{Previous: prev, Wallet: prev}
			return nil
		}

		next, err := tx.ApplyDelta(ctx, key, typ.Signed(magnitude))
		if err != nil {
			return err
		}
		entry, err := tx.Append(ctx, domain.Transaction{
			StudentID:      req.StudentID,
			ClassroomID:    req.ClassroomID,
			Amount:         typ.Signed(magnitude),
			Type:           typ,
			Category:       req.Category,
			Description:    req.Description,
			Reference:      req.Reference,
			IdempotencyKey: req.IdempotencyKey,
			BalanceAfter:   next.CurrentBalance,
		})
		if err != nil {
			return err
		}
		out = outcome{Transaction: entry, Applied: true, Previous: prev, Wallet: next}
		return nil
	})
	if err != nil {
		return outcome{}, err
	}
	return out, nil
}

// afterCommit publishes the wallet update, evaluates milestones and pays
// milestone bonuses. Nothing here can fail the committed operation, and
// the caller's cancellation does not cut it short.
func (s *Service) afterCommit(ctx context.Context, out outcome) {
	ctx = context.WithoutCancel(ctx)
	if s.events != nil {
		s.events.Publish(ctx, domain.NewWalletEvent(out.Transaction, out.Wallet))
	}
	if s.milestones == nil {
		return
	}

	events, err := s.milestones.Evaluate(ctx, out.Wallet, out.Previous)
	if err != nil {
		s.log.Warn("milestone evaluation failed",
			zap.String("student_id", out.Wallet.StudentID),
			zap.String("classroom_id", out.Wallet.ClassroomID),
			zap.Error(err))
	}
	for _, ev := range events {
		if ev.Bonus > 0 {
			paid, err := s.payBonus(ctx, ev)
			if err != nil {
				observability.MilestoneErrors.Inc()
				s.log.Warn("milestone bonus failed",
					zap.String("milestone_id", ev.MilestoneID),
					zap.String("student_id", ev.StudentID),
					zap.Error(err))
				continue
			}
			if !paid {
				continue
			}
		}
		if s.events != nil {
			s.events.Publish(ctx, domain.NewMilestoneNotification(ev))
		}
	}
}

// payBonus awards a milestone bonus and marks the milestone notified in the
// same storage transaction. It reports whether this call did both; false
// means an earlier call already had. The bonus is itself evaluated; each
// milestone fires once, so the chain ends.
func (s *Service) payBonus(ctx context.Context, ev domain.MilestoneEvent) (bool, error) {
	out, err := s.execute(ctx, "award", domain.TxBonus, Request{
		StudentID:      ev.StudentID,
		ClassroomID:    ev.ClassroomID,
		Amount:         ev.Bonus,
		Category:       "milestone",
		Description:    ev.Title,
		Reference:      ev.MilestoneID,
		IdempotencyKey: MilestoneBonusKey(ev.MilestoneID, ev.StudentID),
		milestoneID:    ev.MilestoneID,
	}, exact)
	if err != nil || !out.Applied {
		return false, err
	}
	observability.MilestonesReached.WithLabelValues(string(ev.Metric)).Inc()
	s.log.Info("milestone reached",
		zap.String("milestone_id", ev.MilestoneID),
		zap.String("student_id", ev.StudentID),
		zap.String("classroom_id", ev.ClassroomID),
		zap.Int64("bonus", ev.Bonus))
	return true, nil
}

// MilestoneBonusKey is the idempotency key of a milestone bonus award.
func MilestoneBonusKey(milestoneID, studentID string) string {
	return "milestone:" + milestoneID + ":" + studentID
}

func outcomeLabel(out outcome, err error) string {
	switch {
	case err == nil && out.Replayed:
		return observability.OutcomeReplay
	case err == nil:
		return observability.OutcomeOK
	case errors.Is(err, domain.ErrValidation):
		return observability.OutcomeInvalid
	case errors.Is(err, domain.ErrInsufficientBalance):
		return observability.OutcomeInsufficient
	default:
		return observability.OutcomeError
	}
}
