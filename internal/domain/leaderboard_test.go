package domain

import "testing"

func TestLeaderboardMetric_Score(t *testing.T) {
	w := Wallet{CurrentBalance: 7, TotalEarned: 30}
	if got := LeaderboardBalance.Score(w); got != 7 {
		t.Errorf("balance score = %d, want 7", got)
	}
	if got := LeaderboardEarned.Score(w); got != 30 {
		t.Errorf("earned score = %d, want 30", got)
	}
	if LeaderboardMetric("total_spent").Valid() {
		t.Error("total_spent should not be rankable")
	}
}

func TestRank_TiesShareRank(t *testing.T) {
	wallets := []Wallet{
		{StudentID: "dana", CurrentBalance: 5},
		{StudentID: "ari", CurrentBalance: 12},
		{StudentID: "cole", CurrentBalance: 8},
		{StudentID: "bea", CurrentBalance: 8},
	}
	got := Rank(wallets, LeaderboardBalance)

	want := []struct {
		rank    int
		student string
	}{{1, "ari"}, {2, "bea"}, {2, "cole"}, {4, "dana"}}
	if len(got) != len(want) {
		t.Fatalf("len = %d, want %d", len(got), len(want))
	}
	for i, w := range want {
		if got[i].Rank != w.rank || got[i].StudentID != w.student {
			t.Errorf("entry %d = %d/%s, want %d/%s", i, got[i].Rank, got[i].StudentID, w.rank, w.student)
		}
	}
	if wallets[0].StudentID != "dana" {
		t.Error("Rank must not reorder its input")
	}
}

func TestDefaultLeaderboardConfig(t *testing.T) {
	cfg := DefaultLeaderboardConfig()
	if cfg.TopN != 10 {
		t.Errorf("expected top 10, got %d", cfg.TopN)
	}
	if cfg.MaxTopN != 100 {
		t.Errorf("expected max 100, got %d", cfg.MaxTopN)
	}
}
