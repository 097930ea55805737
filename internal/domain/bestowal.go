/**
 * @description
 * Bestowal models: a bestowal is one purchase attempt covering a set of
 * pockets in a single orchard. It is created in `pending` status alongside a
 * ledger reservation and moves to exactly one terminal status (confirmed,
 * failed, expired) based on the payment outcome; terminal records are
 * immutable audit entries.
 */

package domain

import (
	"time"

	"github.com/google/uuid"
)

// BestowalStatus enumerates the purchase lifecycle. pending is the only
// non-terminal status.
type BestowalStatus string

const (
	BestowalStatusPending   BestowalStatus = "pending"
	BestowalStatusConfirmed BestowalStatus = "confirmed"
	BestowalStatusFailed    BestowalStatus = "failed"
	BestowalStatusExpired   BestowalStatus = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s BestowalStatus) Terminal() bool {
	return s == BestowalStatusConfirmed || s == BestowalStatusFailed || s == BestowalStatusExpired
}

// PaymentMethod is the bestower-selected payment instrument.
type PaymentMethod string

const (
	PaymentMethodCard   PaymentMethod = "card"
	PaymentMethodPayPal PaymentMethod = "paypal"
)

// Bestowal is the audit record of one purchase attempt.
type Bestowal struct {
	ID               uuid.UUID      `json:"id"`
	OrchardID        uuid.UUID      `json:"orchard_id"`
	BestowerID       uuid.UUID      `json:"bestower_id"`
	ReservationToken uuid.UUID      `json:"reservation_token"`
	PocketNumbers    []int          `json:"pocket_numbers"`
	TotalAmount      int64          `json:"total_amount"` // in cents
	PaymentMethod    PaymentMethod  `json:"payment_method"`
	GatewayChargeID  *string        `json:"gateway_charge_id,omitempty"`
	Status           BestowalStatus `json:"status"`
	FailureReason    *string        `json:"failure_reason,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// ReservePocketsRequest is the DTO for a pocket selection submitted by a
// bestower.
type ReservePocketsRequest struct {
	PocketNumbers []int         `json:"pocket_numbers"`
	PaymentMethod PaymentMethod `json:"payment_method"`
}

// PaymentResult is the outcome reported by the payment gateway, either
// synchronously on the confirm endpoint or asynchronously over the broker.
type PaymentResult struct {
	Succeeded       bool    `json:"succeeded"`
	GatewayChargeID string  `json:"gateway_charge_id"`
	DeclineReason   *string `json:"decline_reason,omitempty"`
}

// PaymentStatusEvent is the broker payload carrying an asynchronous gateway
// outcome for a pending bestowal.
type PaymentStatusEvent struct {
	BestowalID      uuid.UUID `json:"bestowal_id"`
	GatewayChargeID string    `json:"gateway_charge_id"`
	Status          string    `json:"status"` // "succeeded" or "failed"
	Reason          string    `json:"reason,omitempty"`
}
