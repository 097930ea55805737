/**
 * @description
 * This file defines the `Repository` interface, which specifies the contract
 * for all data access operations required by the orchard-service. The
 * interface decouples the business logic from the PostgreSQL implementation
 * and lets workflow tests run against stubs.
 *
 * The repository is the durable record of orchards, bestowals, and filled
 * pockets. It is not the allocation authority: pocket availability lives in
 * the ledger, and the store only ever persists outcomes the ledger already
 * decided.
 */

package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sow2grow/orchard-service/internal/domain"
)

var (
	ErrOrchardNotFound  = errors.New("orchard not found")
	ErrBestowalNotFound = errors.New("bestowal not found")
)

// Repository defines the set of methods for interacting with the database.
type Repository interface {
	// Orchard methods
	CreateOrchard(ctx context.Context, orchard *domain.Orchard) error
	FindOrchardByID(ctx context.Context, orchardID uuid.UUID) (*domain.Orchard, error)
	ListOrchards(ctx context.Context, opts domain.OrchardListOptions) ([]domain.Orchard, error)
	UpdateOrchardStatus(ctx context.Context, orchardID uuid.UUID, status domain.OrchardStatus) error
	UpdateOrchardMetadata(ctx context.Context, orchard *domain.Orchard) error
	UpdateOrchardCounters(ctx context.Context, orchardID uuid.UUID, filledPockets, supporters int) error
	IncrementOrchardViews(ctx context.Context, orchardID uuid.UUID) error

	// Bestowal methods
	CreateBestowal(ctx context.Context, bestowal *domain.Bestowal) error
	FindBestowalByID(ctx context.Context, bestowalID uuid.UUID) (*domain.Bestowal, error)
	FindBestowalByReservationToken(ctx context.Context, token uuid.UUID) (*domain.Bestowal, error)
	UpdateBestowalStatus(ctx context.Context, bestowalID uuid.UUID, status domain.BestowalStatus, failureReason *string) error
	SetBestowalGatewayChargeID(ctx context.Context, bestowalID uuid.UUID, gatewayChargeID string) error
	ListPendingBestowals(ctx context.Context) ([]domain.Bestowal, error)
	ListConfirmedBestowalsBetween(ctx context.Context, from, to time.Time) ([]domain.Bestowal, error)
	ListBestowalsByBestower(ctx context.Context, bestowerID uuid.UUID, limit, offset int) ([]domain.Bestowal, error)

	// Pocket methods
	SaveFilledPockets(ctx context.Context, pockets []domain.Pocket) error
	LoadFilledPockets(ctx context.Context, orchardID uuid.UUID) ([]domain.Pocket, error)
	CountDistinctBestowers(ctx context.Context, orchardID uuid.UUID) (int, error)
}
