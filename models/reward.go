// models/reward.go
package models

// Rarity is the tier a single message score maps to.
type Rarity string

const (
	RaritySPlus Rarity = "S+"
	RarityS     Rarity = "S"
	RarityA     Rarity = "A"
	RarityB     Rarity = "B"
	RarityC     Rarity = "C"
)

// Rarities lists tiers from best to worst.
var Rarities = []Rarity{RaritySPlus, RarityS, RarityA, RarityB, RarityC}

// Reward is what a settlement credits to the wallet.
type Reward struct {
	XP    int64 `json:"xp"`
	Coins int64 `json:"coins"`
	Gems  int64 `json:"gems"`
}

// RewardSummary is the pure result of scoring a session.
type RewardSummary struct {
	Tiers        []Rarity       `json:"tiers"`
	RarityCounts map[Rarity]int `json:"rarity_counts"`
	XP           int64          `json:"xp"`
	Coins        int64          `json:"coins"`
	Gems         int64          `json:"gems"`
	FinalScore   float64        `json:"final_score"`
}
