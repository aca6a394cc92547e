package ledger

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// BatchRequest awards the same amount to several students of a classroom.
type BatchRequest struct {
	ClassroomID    string   `json:"classroom_id"`
	StudentIDs     []string `json:"student_ids"`
	Amount         int64    `json:"amount"`
	Category       string   `json:"category"`
	Description    string   `json:"description,omitempty"`
	Reference      string   `json:"reference,omitempty"`
	IdempotencyKey string   `json:"idempotency_key,omitempty"`
	Bonus          bool     `json:"bonus,omitempty"`
}

// AwardResult is the outcome for one student of a batch.
type AwardResult struct {
	StudentID   string              `json:"student_id"`
	Transaction *domain.Transaction `json:"transaction,omitempty"`
	Err         error               `json:"-"`
	Error       string              `json:"error,omitempty"`
}

// OK reports whether the student's award committed (or replayed).
func (r AwardResult) OK() bool { return r.Err == nil }

// AwardMany awards every distinct student in req independently. One
// student's failure does not affect the others. Results follow the input
// order with duplicates removed. The returned error is non-nil only when
// the request itself is invalid, in which case nothing was applied.
func (s *Service) AwardMany(ctx context.Context, req BatchRequest) ([]AwardResult, error) {
	ids := dedupe(req.StudentIDs)
	if len(ids) == 0 {
		return nil, &domain.ValidationError{Field: "student_ids", Reason: "at least one student is required"}
	}

	requests := make([]Request, len(ids))
	for i, id := range ids {
		r := Request{
			StudentID:   id,
			ClassroomID: req.ClassroomID,
			Amount:      req.Amount,
			Category:    req.Category,
			Description: req.Description,
			Reference:   req.Reference,
			Bonus:       req.Bonus,
		}
		if key := strings.TrimSpace(req.IdempotencyKey); key != "" {
			r.IdempotencyKey = key + ":" + id
		}
		if err := r.normalize().validate(); err != nil {
			return nil, err
		}
		requests[i] = r
	}

	results := make([]AwardResult, len(ids))
	errs := s.batch.Run(ctx, len(requests), func(ctx context.Context, i int) error {
		tx, err := s.Award(ctx, requests[i])
		results[i] = AwardResult{StudentID: ids[i], Err: err}
		if err == nil {
			results[i].Transaction = &tx
		}
		return err
	})

	failed := 0
	for i, err := range errs {
		if err == nil {
			continue
		}
		failed++
		results[i].StudentID = ids[i]
		results[i].Err = err
		results[i].Error = err.Error()
	}
	if failed > 0 {
		s.log.Warn("award-many partially failed",
			zap.String("classroom_id", req.ClassroomID),
			zap.Int("students", len(ids)),
			zap.Int("failed", failed))
	}
	return results, nil
}

// dedupe trims ids, drops empties and keeps the first occurrence of each.
func dedupe(ids []string) []string {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
