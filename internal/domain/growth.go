package domain

import "time"

// GrowthStage is the cosmetic lifecycle label of a filled pocket, derived
// from elapsed time only and never stored.
type GrowthStage string

const (
	StageSprout  GrowthStage = "sprout"
	StageYoung   GrowthStage = "young"
	StageGrowing GrowthStage = "growing"
	StageMature  GrowthStage = "mature"
)

// StageForDays maps whole days since a pocket was filled to its growth stage.
// Days 0-7 sprout, 8-21 young, 22-42 growing, 43+ mature. Negative input
// clamps to sprout so the function stays total under clock skew.
func StageForDays(daysGrowing int) GrowthStage {
	switch {
	case daysGrowing <= 7:
		return StageSprout
	case daysGrowing <= 21:
		return StageYoung
	case daysGrowing <= 42:
		return StageGrowing
	default:
		return StageMature
	}
}

// DaysGrowing returns the whole days elapsed between filledAt and now,
// never negative.
func DaysGrowing(filledAt, now time.Time) int {
	if now.Before(filledAt) {
		return 0
	}
	return int(now.Sub(filledAt) / (24 * time.Hour))
}

// StageAt is a convenience composing DaysGrowing and StageForDays.
func StageAt(filledAt, now time.Time) GrowthStage {
	return StageForDays(DaysGrowing(filledAt, now))
}
