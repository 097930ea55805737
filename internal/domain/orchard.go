/**
 * @description
 * This file defines the core domain models for the orchard-service. An orchard
 * is a community crowdfunding campaign split into a fixed number of
 * equally-priced pockets; these structs represent the campaign aggregate and
 * the DTOs used by the API and store layers.
 *
 * @notes
 * - Amounts are stored as `int64` in the smallest currency unit (cents), which
 *   avoids floating-point inaccuracies with financial data.
 * - Percentages are stored as basis points (1% = 100 bps) for the same reason.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// OrchardStatus enumerates the lifecycle states of an orchard.
type OrchardStatus string

const (
	OrchardStatusActive    OrchardStatus = "active"
	OrchardStatusCompleted OrchardStatus = "completed"
	OrchardStatusPaused    OrchardStatus = "paused"
	OrchardStatusCancelled OrchardStatus = "cancelled"
)

// GiftCategory classifies an orchard within the farm mall catalogue.
type GiftCategory string

const (
	CategoryArt         GiftCategory = "The Gift of Art"
	CategoryAccessories GiftCategory = "The Gift of Accessories"
	CategoryAdventure   GiftCategory = "The Gift of Adventure Packages"
	CategoryAppliances  GiftCategory = "The Gift of Appliances"
	CategoryCustomMade  GiftCategory = "The Gift of Custom Made"
	CategoryDIY         GiftCategory = "The Gift of DIY"
	CategoryElectronics GiftCategory = "The Gift of Electronics"
	CategoryEnergy      GiftCategory = "The Gift of Energy"
	CategoryFreewill    GiftCategory = "The Gift of Free-will Gifting"
	CategoryInnovation  GiftCategory = "The Gift of Innovation"
	CategoryKitchenware GiftCategory = "The Gift of Kitchenware"
	CategoryMusic       GiftCategory = "The Gift of Music"
	CategoryNourishment GiftCategory = "The Gift of Nourishment"
	CategoryPayAsYouGo  GiftCategory = "The Gift of Pay as You Go"
	CategoryProperty    GiftCategory = "The Gift of Property"
	CategoryServices    GiftCategory = "The Gift of Services"
	CategoryTechnology  GiftCategory = "The Gift of Technology"
	CategoryTithing     GiftCategory = "The Gift of Tithing"
	CategoryTools       GiftCategory = "The Gift of Tools"
	CategoryVehicles    GiftCategory = "The Gift of Vehicles"
	CategoryWellness    GiftCategory = "The Gift of Wellness"
)

// Orchard represents a funding campaign owned by a grower. The financial
// breakdown and pocket count are computed once at creation and never change;
// filled/supporter counters are caches of ledger state and are only written
// from commit paths.
type Orchard struct {
	ID                  uuid.UUID     `json:"id"`
	GrowerID            uuid.UUID     `json:"grower_id"`
	Title               string        `json:"title"`
	Description         string        `json:"description"`
	Category            GiftCategory  `json:"category"`
	OriginalSeedValue   int64         `json:"original_seed_value"` // in cents
	TitheBps            int64         `json:"tithe_bps"`
	ProcessingFeeBps    int64         `json:"processing_fee_bps"`
	TitheAmount         int64         `json:"tithe_amount"`          // in cents
	ProcessingFeeAmount int64         `json:"processing_fee_amount"` // in cents
	FinalSeedValue      int64         `json:"final_seed_value"`      // in cents
	PocketPrice         int64         `json:"pocket_price"`          // in cents
	TotalPockets        int           `json:"total_pockets"`
	FilledPockets       int           `json:"filled_pockets"`
	Supporters          int           `json:"supporters"`
	Views               int64         `json:"views"`
	Location            *string       `json:"location,omitempty"`
	Timeline            *string       `json:"timeline,omitempty"`
	WhyNeeded           string        `json:"why_needed"`
	CommunityImpact     string        `json:"community_impact"`
	Features            []string      `json:"features,omitempty"`
	Images              []string      `json:"images,omitempty"`
	VideoURL            *string       `json:"video_url,omitempty"`
	Verified            bool          `json:"verified"`
	Status              OrchardStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`
}

// CompletionRate returns the filled fraction in [0, 1].
func (o *Orchard) CompletionRate() float64 {
	if o.TotalPockets == 0 {
		return 0
	}
	return float64(o.FilledPockets) / float64(o.TotalPockets)
}

// AmountRaised is the grower-facing raised figure derived from ledger state.
func (o *Orchard) AmountRaised() int64 {
	return int64(o.FilledPockets) * o.PocketPrice
}

// CreateOrchardRequest is the DTO for incoming orchard creation API requests.
// Monetary fields arrive in cents; a zero pocket price selects the configured
// default.
type CreateOrchardRequest struct {
	Title           string       `json:"title"`
	Description     string       `json:"description"`
	Category        GiftCategory `json:"category"`
	SeedValue       int64        `json:"seed_value"` // in cents
	PocketPrice     int64        `json:"pocket_price,omitempty"`
	Location        *string      `json:"location,omitempty"`
	Timeline        *string      `json:"timeline,omitempty"`
	WhyNeeded       string       `json:"why_needed"`
	CommunityImpact string       `json:"community_impact"`
	Features        []string     `json:"features,omitempty"`
	Images          []string     `json:"images,omitempty"`
	VideoURL        *string      `json:"video_url,omitempty"`
}

// UpdateOrchardRequest is the DTO for a grower's partial metadata edit. Nil
// fields are left unchanged; the financial breakdown, pocket price, and
// pocket count are frozen at creation and have no counterpart here.
type UpdateOrchardRequest struct {
	Title           *string       `json:"title,omitempty"`
	Description     *string       `json:"description,omitempty"`
	Category        *GiftCategory `json:"category,omitempty"`
	Location        *string       `json:"location,omitempty"`
	Timeline        *string       `json:"timeline,omitempty"`
	WhyNeeded       *string       `json:"why_needed,omitempty"`
	CommunityImpact *string       `json:"community_impact,omitempty"`
	Features        []string      `json:"features,omitempty"`
	Images          []string      `json:"images,omitempty"`
	VideoURL        *string       `json:"video_url,omitempty"`
}

// OrchardListOptions controls filtering and pagination for browse queries.
type OrchardListOptions struct {
	Category GiftCategory
	Status   OrchardStatus
	GrowerID *uuid.UUID
	Limit    int
	Offset   int
}

// Pocket is the durable record of a filled pocket. Free and reserved pockets
// are never materialized here; they live only in the allocation ledger.
type Pocket struct {
	OrchardID    uuid.UUID `json:"orchard_id"`
	PocketNumber int       `json:"pocket_number"`
	BestowerID   uuid.UUID `json:"bestower_id"`
	BestowalID   uuid.UUID `json:"bestowal_id"`
	Amount       int64     `json:"amount"` // in cents
	FilledAt     time.Time `json:"filled_at"`
}
