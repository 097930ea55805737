/**
 * @description
 * Read-only analytics projections computed from orchard records and ledger
 * snapshots. Nothing in this package mutates state: every function takes
 * already-loaded inputs and derives category rollups, window-over-window
 * trends, or rankings. Recomputed on demand; the ledger stays the single
 * source of truth for pocket state.
 */

package analytics

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sow2grow/orchard-service/internal/domain"
	"github.com/sow2grow/orchard-service/internal/ledger"
)

// CategoryRollup aggregates all orchards of one gift category.
type CategoryRollup struct {
	Category          domain.GiftCategory `json:"category"`
	TotalOrchards     int                 `json:"total_orchards"`
	ActiveOrchards    int                 `json:"active_orchards"`
	CompletedOrchards int                 `json:"completed_orchards"`
	TotalSeedValue    int64               `json:"total_seed_value"` // sum of final seed values, cents
	TotalRaised       int64               `json:"total_raised"`     // cents
	TotalSupporters   int                 `json:"total_supporters"`
	CompletionRate    float64             `json:"completion_rate"` // filled pockets / total pockets
	SuccessRate       float64             `json:"success_rate"`    // completed orchards / total orchards
}

func raisedFor(o *domain.Orchard, snaps map[uuid.UUID]*ledger.Snapshot) (filled int, raised int64) {
	if snap, ok := snaps[o.ID]; ok {
		return snap.FilledPockets, int64(snap.FilledPockets) * o.PocketPrice
	}
	// Fall back to the persisted cache when the snapshot is unavailable.
	return o.FilledPockets, o.AmountRaised()
}

// CategoryRollups groups orchards by category, ordered by total raised
// descending.
func CategoryRollups(orchards []domain.Orchard, snaps map[uuid.UUID]*ledger.Snapshot) []CategoryRollup {
	byCategory := make(map[domain.GiftCategory]*CategoryRollup)
	pocketTotals := make(map[domain.GiftCategory][2]int) // filled, total

	for i := range orchards {
		o := &orchards[i]
		rollup, ok := byCategory[o.Category]
		if !ok {
			rollup = &CategoryRollup{Category: o.Category}
			byCategory[o.Category] = rollup
		}
		filled, raised := raisedFor(o, snaps)

		rollup.TotalOrchards++
		switch o.Status {
		case domain.OrchardStatusActive:
			rollup.ActiveOrchards++
		case domain.OrchardStatusCompleted:
			rollup.CompletedOrchards++
		}
		rollup.TotalSeedValue += o.FinalSeedValue
		rollup.TotalRaised += raised
		rollup.TotalSupporters += o.Supporters

		counts := pocketTotals[o.Category]
		counts[0] += filled
		counts[1] += o.TotalPockets
		pocketTotals[o.Category] = counts
	}

	rollups := make([]CategoryRollup, 0, len(byCategory))
	for category, rollup := range byCategory {
		counts := pocketTotals[category]
		if counts[1] > 0 {
			rollup.CompletionRate = float64(counts[0]) / float64(counts[1])
		}
		if rollup.TotalOrchards > 0 {
			rollup.SuccessRate = float64(rollup.CompletedOrchards) / float64(rollup.TotalOrchards)
		}
		rollups = append(rollups, *rollup)
	}
	sort.Slice(rollups, func(i, j int) bool {
		if rollups[i].TotalRaised != rollups[j].TotalRaised {
			return rollups[i].TotalRaised > rollups[j].TotalRaised
		}
		return rollups[i].Category < rollups[j].Category
	})
	return rollups
}

// Window is a half-open time interval [From, To).
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// TrendReport compares confirmed bestowal activity across two windows.
type TrendReport struct {
	Current          Window  `json:"current"`
	Previous         Window  `json:"previous"`
	CurrentBestowals int     `json:"current_bestowals"`
	PreviousBestowal int     `json:"previous_bestowals"`
	CurrentRaised    int64   `json:"current_raised"`  // cents
	PreviousRaised   int64   `json:"previous_raised"` // cents
	BestowalDelta    int     `json:"bestowal_delta"`
	RaisedDelta      int64   `json:"raised_delta"`
	RaisedGrowth     float64 `json:"raised_growth"` // fractional change, 0 when previous is empty
}

// Trends sums the two pre-filtered bestowal sets and derives deltas.
func Trends(current, previous []domain.Bestowal, currentWindow, previousWindow Window) TrendReport {
	report := TrendReport{
		Current:          currentWindow,
		Previous:         previousWindow,
		CurrentBestowals: len(current),
		PreviousBestowal: len(previous),
	}
	for _, b := range current {
		report.CurrentRaised += b.TotalAmount
	}
	for _, b := range previous {
		report.PreviousRaised += b.TotalAmount
	}
	report.BestowalDelta = report.CurrentBestowals - report.PreviousBestowal
	report.RaisedDelta = report.CurrentRaised - report.PreviousRaised
	if report.PreviousRaised > 0 {
		report.RaisedGrowth = float64(report.RaisedDelta) / float64(report.PreviousRaised)
	}
	return report
}

// Ranking is one orchard's position in a leaderboard.
type Ranking struct {
	OrchardID      uuid.UUID           `json:"orchard_id"`
	Title          string              `json:"title"`
	Category       domain.GiftCategory `json:"category"`
	Raised         int64               `json:"raised"` // cents
	CompletionRate float64             `json:"completion_rate"`
	GrowthRate     float64             `json:"growth_rate"` // cents raised per day of campaign age
}

func buildRankings(orchards []domain.Orchard, snaps map[uuid.UUID]*ledger.Snapshot, now time.Time) []Ranking {
	rankings := make([]Ranking, 0, len(orchards))
	for i := range orchards {
		o := &orchards[i]
		filled, raised := raisedFor(o, snaps)

		r := Ranking{
			OrchardID: o.ID,
			Title:     o.Title,
			Category:  o.Category,
			Raised:    raised,
		}
		if o.TotalPockets > 0 {
			r.CompletionRate = float64(filled) / float64(o.TotalPockets)
		}
		ageDays := now.Sub(o.CreatedAt).Hours() / 24
		if ageDays < 1 {
			ageDays = 1
		}
		r.GrowthRate = float64(raised) / ageDays
		rankings = append(rankings, r)
	}
	return rankings
}

// RankByRaised returns the top n orchards by total raised.
func RankByRaised(orchards []domain.Orchard, snaps map[uuid.UUID]*ledger.Snapshot, n int) []Ranking {
	rankings := buildRankings(orchards, snaps, time.Now().UTC())
	sort.Slice(rankings, func(i, j int) bool { return rankings[i].Raised > rankings[j].Raised })
	if n > 0 && len(rankings) > n {
		rankings = rankings[:n]
	}
	return rankings
}

// RankByGrowthRate returns the top n orchards by raised-per-day since
// creation. The clock is injectable for deterministic tests.
func RankByGrowthRate(orchards []domain.Orchard, snaps map[uuid.UUID]*ledger.Snapshot, now time.Time, n int) []Ranking {
	rankings := buildRankings(orchards, snaps, now)
	sort.Slice(rankings, func(i, j int) bool { return rankings[i].GrowthRate > rankings[j].GrowthRate })
	if n > 0 && len(rankings) > n {
		rankings = rankings[:n]
	}
	return rankings
}
