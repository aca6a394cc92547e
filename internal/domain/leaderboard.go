package domain

import "sort"

// ─── Leaderboard Types ──────────────────────────────────────────────────────
// A leaderboard ranks the wallets of one classroom. Students share a rank
// when their scores tie ("1224" competition ranking).

// LeaderboardMetric names the wallet value students are ranked by.
type LeaderboardMetric string

const (
	LeaderboardBalance LeaderboardMetric = "current_balance"
	LeaderboardEarned  LeaderboardMetric = "total_earned"
)

// Valid reports whether m is a rankable metric.
func (m LeaderboardMetric) Valid() bool {
	return m == LeaderboardBalance || m == LeaderboardEarned
}

// Score returns w's value for m.
func (m LeaderboardMetric) Score(w Wallet) int64 {
	if m == LeaderboardEarned {
		return w.TotalEarned
	}
	return w.CurrentBalance
}

// LeaderboardEntry is one student's position on a leaderboard.
type LeaderboardEntry struct {
	Rank      int    `json:"rank"`
	StudentID string `json:"student_id"`
	Score     int64  `json:"score"`
	Wallet    Wallet `json:"wallet"`
}

// LeaderboardConfig bounds how many entries are returned.
type LeaderboardConfig struct {
	TopN    int `json:"top_n"`
	MaxTopN int `json:"max_top_n"`
}

// DefaultLeaderboardConfig returns the default leaderboard size policy.
func DefaultLeaderboardConfig() LeaderboardConfig {
	return LeaderboardConfig{
		TopN:    10,
		MaxTopN: 100,
	}
}

// Rank orders wallets by m (highest first, ties by student ID) and assigns
// competition ranks.
func Rank(wallets []Wallet, m LeaderboardMetric) []LeaderboardEntry {
	sorted := make([]Wallet, len(wallets))
	copy(sorted, wallets)
	sort.SliceStable(sorted, func(i, j int) bool {
		si, sj := m.Score(sorted[i]), m.Score(sorted[j])
		if si != sj {
			return si > sj
		}
		return sorted[i].StudentID < sorted[j].StudentID
	})

	out := make([]LeaderboardEntry, len(sorted))
	for i, w := range sorted {
		rank := i + 1
		if i > 0 && m.Score(w) == out[i-1].Score {
			rank = out[i-1].Rank
		}
		out[i] = LeaderboardEntry{Rank: rank, StudentID: w.StudentID, Score: m.Score(w), Wallet: w}
	}
	return out
}
