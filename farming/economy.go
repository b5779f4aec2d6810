package farming

import (
	"fmt"
	"sort"
	"time"
)

// =============================================================================
// ECONOMY - Tunable constants of the reward system
// =============================================================================

// Economy holds every number the rules depend on. Zero values are invalid;
// start from DefaultEconomy and override.
type Economy struct {
	CooldownDuration time.Duration
	AccrualGrant     int64
	StartingGrant    int64
	ReferralBonus    int64
	LeaderboardSize  int

	// MaxRetries bounds reload-and-reapply attempts after a version conflict.
	MaxRetries int
	RetryDelay time.Duration

	// ReferralBase is the bot entry URL; links are ReferralBase?start=<id>.
	ReferralBase string

	Tiers []Tier
}

// Tier maps a minimum balance to a display title.
type Tier struct {
	Threshold int64  `yaml:"threshold" json:"threshold"`
	Title     string `yaml:"title" json:"title"`
}

// DefaultTiers is the ascending title table.
func DefaultTiers() []Tier {
	return []Tier{
		{Threshold: 0, Title: "Wood"},
		{Threshold: 500, Title: "Iron"},
		{Threshold: 1000, Title: "Bronze"},
		{Threshold: 2500, Title: "Silver"},
		{Threshold: 5000, Title: "Gold"},
		{Threshold: 10000, Title: "Platinum"},
		{Threshold: 25000, Title: "Diamond"},
	}
}

// DefaultEconomy returns the production defaults.
func DefaultEconomy() Economy {
	return Economy{
		CooldownDuration: 4 * time.Hour,
		AccrualGrant:     45,
		StartingGrant:    200,
		ReferralBonus:    120,
		LeaderboardSize:  100,
		MaxRetries:       5,
		RetryDelay:       5 * time.Millisecond,
		ReferralBase:     "https://t.me/proofcoin_bot/",
		Tiers:            DefaultTiers(),
	}
}

// Validate checks that every constant is usable and sorts the tier table.
func (e *Economy) Validate() error {
	switch {
	case e.CooldownDuration <= 0:
		return fmt.Errorf("economy: cooldown duration must be positive, got %s", e.CooldownDuration)
	case e.AccrualGrant <= 0:
		return fmt.Errorf("economy: accrual grant must be positive, got %d", e.AccrualGrant)
	case e.StartingGrant < 0:
		return fmt.Errorf("economy: starting grant must not be negative, got %d", e.StartingGrant)
	case e.ReferralBonus < 0:
		return fmt.Errorf("economy: referral bonus must not be negative, got %d", e.ReferralBonus)
	case e.LeaderboardSize <= 0:
		return fmt.Errorf("economy: leaderboard size must be positive, got %d", e.LeaderboardSize)
	case e.MaxRetries < 0:
		return fmt.Errorf("economy: max retries must not be negative, got %d", e.MaxRetries)
	case len(e.Tiers) == 0:
		return fmt.Errorf("economy: at least one rank tier is required")
	}
	sort.SliceStable(e.Tiers, func(i, j int) bool {
		return e.Tiers[i].Threshold < e.Tiers[j].Threshold
	})
	return nil
}
