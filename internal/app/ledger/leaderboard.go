package ledger

import (
	"context"
	"strings"

	"github.com/bizcoin/bizcoin/internal/domain"
)

// Leaderboard ranks the classroom's students by metric (current balance
// when empty). topN defaults to 10 and is capped at 100. Students with no
// wallet yet do not appear.
func (s *Service) Leaderboard(ctx context.Context, classroomID string, metric domain.LeaderboardMetric, topN int) ([]domain.LeaderboardEntry, error) {
	classroomID = strings.TrimSpace(classroomID)
	if classroomID == "" {
		return nil, &domain.ValidationError{Field: "classroom_id", Reason: "is required"}
	}
	if metric == "" {
		metric = domain.LeaderboardBalance
	}
	if !metric.Valid() {
		return nil, &domain.ValidationError{Field: "metric", Reason: "want current_balance or total_earned"}
	}
	lc := domain.DefaultLeaderboardConfig()
	if topN <= 0 {
		topN = lc.TopN
	}
	topN = min(topN, lc.MaxTopN)

	wallets, err := s.ledger.ListWallets(ctx, classroomID, metric, topN)
	if err != nil {
		return nil, domain.NewStorageError("list wallets", err)
	}
	return domain.Rank(wallets, metric), nil
}
