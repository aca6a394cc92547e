package ledger

import (
	"context"
	"iter"
	"strings"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// MaxPageSize caps a single page request.
const MaxPageSize = 500

// Page returns up to limit transactions older than beforeID (newest first;
// beforeID 0 starts at the newest). NextBefore is the cursor for the next
// page, or 0 when there are no more rows.
func (s *Service) Page(ctx context.Context, studentID, classroomID string, beforeID int64, limit int) (domain.TransactionPage, error) {
	key := domain.WalletKey{StudentID: strings.TrimSpace(studentID), ClassroomID: strings.TrimSpace(classroomID)}
	if err := key.Validate(); err != nil {
		return domain.TransactionPage{}, err
	}
	if beforeID < 0 {
		return domain.TransactionPage{}, &domain.ValidationError{Field: "before", Reason: "must not be negative"}
	}
	if limit <= 0 {
		limit = s.cfg.PageSize
	}
	limit = min(limit, MaxPageSize)

	// One extra row tells whether another page exists.
	rows, err := s.ledger.ListTransactions(ctx, key, beforeID, limit+1)
	if err != nil {
		return domain.TransactionPage{}, domain.NewStorageError("list transactions", err)
	}
	page := domain.TransactionPage{Transactions: rows}
	if len(rows) > limit {
		page.Transactions = rows[:limit]
		page.NextBefore = rows[limit-1].ID
	}
	if page.Transactions == nil {
		page.Transactions = []domain.Transaction{}
	}
	return page, nil
}

// Transactions yields the wallet's history newest first, fetching one page
// at a time as the caller ranges. limit bounds the total yielded (0 for
// all). The sequence holds no state between ranges: each range starts again
// from the newest transaction. A fetch error is yielded once and ends the
// sequence.
func (s *Service) Transactions(ctx context.Context, studentID, classroomID string, limit int) iter.Seq2[domain.Transaction, error] {
	return func(yield func(domain.Transaction, error) bool) {
		var (
			before  int64
			yielded int
		)
		for {
			page, err := s.Page(ctx, studentID, classroomID, before, s.cfg.PageSize)
			if err != nil {
				yield(domain.Transaction{}, err)
				return
			}
			for _, tx := range page.Transactions {
				if limit > 0 && yielded >= limit {
					return
				}
				if !yield(tx, nil) {
					return
				}
				yielded++
			}
			if page.NextBefore == 0 {
				return
			}
			before = page.NextBefore
		}
	}
}
