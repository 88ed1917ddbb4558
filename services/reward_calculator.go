package services

import (
	"math"

	"practice-session-system/models"
)

// TierPayout is what one message of a tier is worth before caps.
type TierPayout struct {
	XP    int64
	Coins int64
}

// RewardCaps bound a whole session.
type RewardCaps struct {
	XP    int64
	Coins int64
	Gems  int64
}

var DefaultTierPayouts = map[models.Rarity]TierPayout{
	models.RaritySPlus: {XP: 30, Coins: 15},
	models.RarityS:     {XP: 20, Coins: 10},
	models.RarityA:     {XP: 15, Coins: 7},
	models.RarityB:     {XP: 10, Coins: 5},
	models.RarityC:     {XP: 5, Coins: 2},
}

var DefaultRewardCaps = RewardCaps{XP: 200, Coins: 100, Gems: 1}

// CapsFor applies a mission's reward table on top of the defaults.
func CapsFor(m *models.Mission) RewardCaps {
	caps := DefaultRewardCaps
	if m == nil {
		return caps
	}
	if m.Rewards.XPCap > 0 {
		caps.XP = m.Rewards.XPCap
	}
	if m.Rewards.CoinCap > 0 {
		caps.Coins = m.Rewards.CoinCap
	}
	if m.Rewards.GemCap > 0 {
		caps.Gems = m.Rewards.GemCap
	}
	return caps
}

// RarityFor maps a 0-100 message score to its tier.
func RarityFor(score int) models.Rarity {
	switch {
	case score >= 95:
		return models.RaritySPlus
	case score >= 85:
		return models.RarityS
	case score >= 75:
		return models.RarityA
	case score >= 60:
		return models.RarityB
	default:
		return models.RarityC
	}
}

// CalculateRewards scores a session. Every message is tiered and counted;
// XP and coins stop accruing once the cap is hit. Gems are a single
// session bonus for any S+ message.
func CalculateRewards(scores []int, caps RewardCaps) models.RewardSummary {
	sum := models.RewardSummary{
		Tiers:        make([]models.Rarity, 0, len(scores)),
		RarityCounts: make(map[models.Rarity]int, len(models.Rarities)),
	}
	if len(scores) == 0 {
		return sum
	}

	var total int
	for _, s := range scores {
		tier := RarityFor(s)
		sum.Tiers = append(sum.Tiers, tier)
		sum.RarityCounts[tier]++
		total += s

		p := DefaultTierPayouts[tier]
		sum.XP += min(p.XP, headroom(caps.XP, sum.XP))
		sum.Coins += min(p.Coins, headroom(caps.Coins, sum.Coins))
	}

	if sum.RarityCounts[models.RaritySPlus] > 0 {
		sum.Gems = min(1, max(caps.Gems, 0))
	}
	sum.FinalScore = math.Round(float64(total)/float64(len(scores))*100) / 100
	return sum
}

func headroom(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}
