/**
 * @description
 * Fixed-point money arithmetic for the orchard funding model. All amounts are
 * int64 cents and all percentages are basis points, so the tithe and
 * processing-fee split is exact and repeatable; binary floating point is never
 * used on the money path.
 *
 * Rounding policy: every intermediate amount is rounded to the cent with
 * round-half-up; the pocket count is ceiling division on cents, which
 * guarantees totalPockets * pocketPrice >= finalSeedValue.
 */

package domain

import "errors"

// ErrInvalidAmount rejects non-positive seed values, non-positive pocket
// prices, and negative percentage configuration before any state is touched.
var ErrInvalidAmount = errors.New("invalid amount")

// FinancialBreakdown is the immutable money split computed when an orchard is
// created. FinalSeedValue is the true amount the pockets must collect.
type FinancialBreakdown struct {
	OriginalSeedValue   int64 `json:"original_seed_value"`
	TitheBps            int64 `json:"tithe_bps"`
	ProcessingFeeBps    int64 `json:"processing_fee_bps"`
	TitheAmount         int64 `json:"tithe_amount"`
	ProcessingFeeAmount int64 `json:"processing_fee_amount"`
	FinalSeedValue      int64 `json:"final_seed_value"`
}

// ApplyBps multiplies an amount in cents by a basis-point rate, rounding
// half up to the cent. Inputs must be non-negative.
func ApplyBps(amount, bps int64) int64 {
	return (amount*bps + 5000) / 10000
}

// ComputeFinancialBreakdown derives the tithe amount, the processing fee
// (levied on seed value plus tithe), and the final seed value.
func ComputeFinancialBreakdown(originalSeedValue, titheBps, processingFeeBps int64) (FinancialBreakdown, error) {
	if originalSeedValue <= 0 || titheBps < 0 || processingFeeBps < 0 {
		return FinancialBreakdown{}, ErrInvalidAmount
	}

	tithe := ApplyBps(originalSeedValue, titheBps)
	fee := ApplyBps(originalSeedValue+tithe, processingFeeBps)

	return FinancialBreakdown{
		OriginalSeedValue:   originalSeedValue,
		TitheBps:            titheBps,
		ProcessingFeeBps:    processingFeeBps,
		TitheAmount:         tithe,
		ProcessingFeeAmount: fee,
		FinalSeedValue:      originalSeedValue + tithe + fee,
	}, nil
}

// PocketCount returns the number of pockets needed to cover the final seed
// value at the given pocket price: the smallest n with n*price >= value.
func PocketCount(finalSeedValue, pocketPrice int64) (int, error) {
	if finalSeedValue <= 0 || pocketPrice <= 0 {
		return 0, ErrInvalidAmount
	}
	return int((finalSeedValue + pocketPrice - 1) / pocketPrice), nil
}

// PercentToBps converts a human-facing percent (e.g. 10 for 10%) to basis
// points, rounding half up. Used once at config load; domain code never sees
// floats.
func PercentToBps(percent float64) int64 {
	if percent <= 0 {
		return 0
	}
	return int64(percent*100 + 0.5)
}
