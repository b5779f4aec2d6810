package farming

import "context"

// =============================================================================
// RANK & LEADERBOARD
// =============================================================================

// RankTitle returns the title of the highest tier whose threshold does not
// exceed balance. tiers must be ascending; a balance below the first
// threshold gets the first title.
func RankTitle(tiers []Tier, balance int64) string {
	if len(tiers) == 0 {
		return ""
	}
	title := tiers[0].Title
	for _, t := range tiers {
		if t.Threshold > balance {
			break
		}
		title = t.Title
	}
	return title
}

// RankTitle maps balance through the service's tier table.
func (s *Service) RankTitle(balance int64) string {
	return RankTitle(s.Economy.Tiers, balance)
}

// RankOf computes the 1-based rank of id over the whole population.
// Equal balances share a rank.
func (s *Service) RankOf(ctx context.Context, id string) (RankInfo, error) {
	rec, err := s.Store.Get(ctx, id)
	if err != nil {
		return RankInfo{}, s.classify("rank_of", id, err)
	}
	above, err := s.Store.CountBalanceAbove(ctx, rec.Balance)
	if err != nil {
		return RankInfo{}, s.classify("rank_of", id, err)
	}
	return RankInfo{
		UserID:      rec.ID,
		DisplayName: rec.DisplayName,
		Balance:     rec.Balance,
		Rank:        above + 1,
		Title:       s.RankTitle(rec.Balance),
	}, nil
}

// Leaderboard returns the top n users; n <= 0 uses Economy.LeaderboardSize.
func (s *Service) Leaderboard(ctx context.Context, n int) ([]LeaderboardEntry, error) {
	if n <= 0 {
		n = s.Economy.LeaderboardSize
	}
	recs, err := s.Store.Top(ctx, n)
	if err != nil {
		return nil, s.classify("leaderboard", "", err)
	}
	entries := make([]LeaderboardEntry, 0, len(recs))
	for i, r := range recs {
		entries = append(entries, LeaderboardEntry{
			Position:    i + 1,
			UserID:      r.ID,
			DisplayName: r.DisplayName,
			Balance:     r.Balance,
			Title:       s.RankTitle(r.Balance),
		})
	}
	return entries, nil
}
